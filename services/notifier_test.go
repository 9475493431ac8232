package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"subtrack-backend/billing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyPostsEnvelope(t *testing.T) {
	var got notificationEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifierService(srv.URL)
	n.Notify(context.Background(), billing.NotifyPaymentFailed, "cust-1", map[string]any{
		"invoiceId": "in_1",
	})

	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "payment_failed", got.Kind)
	assert.Equal(t, "cust-1", got.CustomerID)
	assert.Equal(t, "in_1", got.Payload["invoiceId"])
}

func TestNotifySwallowsEndpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifierService(srv.URL)
	// Must not panic or propagate anything.
	n.Notify(context.Background(), billing.NotifyReceipt, "cust-1", nil)
}

func TestNotifyLogOnlyWithoutEndpoint(t *testing.T) {
	n := NewNotifierService("")
	n.Notify(context.Background(), billing.NotifyConfirmation, "cust-1", nil)
}
