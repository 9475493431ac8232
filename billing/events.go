package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v84"
)

// Outcome is the result of processing one inbound webhook delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// eventKind is the closed set of gateway event types the reconciler handles.
// Anything else is recorded and ignored.
type eventKind int

const (
	kindUnknown eventKind = iota
	kindSubscriptionCreated
	kindSubscriptionUpdated
	kindSubscriptionDeleted
	kindInvoiceCreated
	kindInvoicePaid
	kindInvoiceFailed
	kindChargeRefunded
)

func classify(eventType stripe.EventType) eventKind {
	switch eventType {
	case "customer.subscription.created":
		return kindSubscriptionCreated
	case "customer.subscription.updated":
		return kindSubscriptionUpdated
	case "customer.subscription.deleted":
		return kindSubscriptionDeleted
	case "invoice.created":
		return kindInvoiceCreated
	case "invoice.paid", "invoice.payment_succeeded":
		return kindInvoicePaid
	case "invoice.payment_failed":
		return kindInvoiceFailed
	case "charge.refunded":
		return kindChargeRefunded
	default:
		return kindUnknown
	}
}

// invoicePayload is the typed projection of an invoice event. The raw payload
// stays opaque in the event store; only these fields reach the ledger. Stripe
// moved the subscription reference under parent.subscription_details, so both
// locations are read.
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountDue   int64  `json:"amount_due"`
	AmountPaid  int64  `json:"amount_paid"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`
	DueDate     int64  `json:"due_date"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Parent.SubscriptionDetails.Subscription != "" {
		return p.Parent.SubscriptionDetails.Subscription
	}
	return p.Subscription
}

func (p *invoicePayload) failureReason() string {
	if p.LastPaymentError != nil && p.LastPaymentError.Message != "" {
		return p.LastPaymentError.Message
	}
	return "payment failed"
}

func parseInvoicePayload(data *stripe.EventData) (*invoicePayload, error) {
	var inv invoicePayload
	if err := json.Unmarshal(data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse invoice payload: %w", err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("invoice payload missing id")
	}
	return &inv, nil
}

// refundPayload is the typed projection of a charge.refunded event.
type refundPayload struct {
	ID             string `json:"id"`
	Invoice        string `json:"invoice"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
}

func parseRefundPayload(data *stripe.EventData) (*refundPayload, error) {
	var ch refundPayload
	if err := json.Unmarshal(data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("failed to parse charge payload: %w", err)
	}
	if ch.ID == "" {
		return nil, fmt.Errorf("charge payload missing id")
	}
	return &ch, nil
}

func parseSubscriptionPayload(data *stripe.EventData) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to parse subscription payload: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("subscription payload missing id")
	}
	return &sub, nil
}

// subscriptionPeriod extracts the current billing period bounds. Current API
// versions carry them on the subscription item; older payloads carry them on
// the latest invoice.
func subscriptionPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart != 0 {
			return time.Unix(item.CurrentPeriodStart, 0), time.Unix(item.CurrentPeriodEnd, 0)
		}
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PeriodStart != 0 {
		return time.Unix(sub.LatestInvoice.PeriodStart, 0), time.Unix(sub.LatestInvoice.PeriodEnd, 0)
	}
	return time.Time{}, time.Time{}
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}
