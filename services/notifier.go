package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"subtrack-backend/billing"

	"github.com/google/uuid"
)

// NotifierService delivers customer notifications to an external webhook
// endpoint. Delivery is best effort: failures are logged and never surfaced
// to the billing flows that triggered them.
type NotifierService struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewNotifierService creates a notifier. With an empty endpoint notifications
// are logged only.
func NewNotifierService(endpoint string) *NotifierService {
	return &NotifierService{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.With("service", "NotifierService"),
	}
}

type notificationEnvelope struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	CustomerID string         `json:"customerId"`
	SentAt     time.Time      `json:"sentAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notify sends one notification. Implements billing.Notifier.
func (n *NotifierService) Notify(ctx context.Context, kind billing.NotificationKind, customerID string, payload map[string]any) {
	if n.endpoint == "" {
		n.logger.Info("Notification (log only)", "kind", kind, "customer_id", customerID)
		return
	}

	if err := n.post(ctx, kind, customerID, payload); err != nil {
		n.logger.Warn("Failed to deliver notification",
			"kind", kind, "customer_id", customerID, "error", err)
		return
	}
	n.logger.Info("Notification delivered", "kind", kind, "customer_id", customerID)
}

func (n *NotifierService) post(ctx context.Context, kind billing.NotificationKind, customerID string, payload map[string]any) error {
	body, err := json.Marshal(notificationEnvelope{
		ID:         uuid.NewString(),
		Kind:       string(kind),
		CustomerID: customerID,
		SentAt:     time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
