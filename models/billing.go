package models

import (
	"time"

	"gorm.io/gorm"
)

// Tier is the ordered subscription tier: starter < professional < premium.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierPremium      Tier = "premium"
)

// Rank orders tiers for upgrade/downgrade decisions. Unknown tiers rank
// below starter.
func (t Tier) Rank() int {
	switch t {
	case TierStarter:
		return 1
	case TierProfessional:
		return 2
	case TierPremium:
		return 3
	default:
		return 0
	}
}

func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// Live reports whether the subscription counts against the one-live-per-
// customer invariant.
func (s SubscriptionStatus) Live() bool {
	switch s {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue:
		return true
	default:
		return false
	}
}

// Subscription is the local projection of a customer's gateway subscription.
// Rows are never deleted; cancellation is a terminal state transition.
type Subscription struct {
	gorm.Model
	CustomerID string `gorm:"size:36;not null;index" json:"customerId"`

	// Stripe fields
	StripeSubscriptionID string `gorm:"uniqueIndex;size:255;not null" json:"stripeSubscriptionId"`
	StripeCustomerID     string `gorm:"size:255;index;not null" json:"stripeCustomerId"`
	StripePriceID        string `gorm:"size:255" json:"stripePriceId"`

	Tier   Tier               `gorm:"size:32;not null;default:'starter'" json:"tier"`
	Status SubscriptionStatus `gorm:"size:32;not null;default:'incomplete'" json:"status"`

	// PendingTier is set by a downgrade and applied once the gateway rolls
	// the subscription onto the new price at the next period.
	PendingTier *Tier `gorm:"size:32" json:"pendingTier,omitempty"`

	// Lifecycle dates
	CurrentPeriodStart time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `json:"currentPeriodEnd"`
	TrialEnd           *time.Time `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancelAtPeriodEnd"`
	CanceledAt         *time.Time `json:"canceledAt,omitempty"`

	// LastEventAt is the gateway's last-modified watermark. Events older
	// than this are stale and must not overwrite the projection.
	LastEventAt time.Time `gorm:"not null" json:"lastEventAt"`
}

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft             InvoiceStatus = "draft"
	InvoiceOpen              InvoiceStatus = "open"
	InvoicePaid              InvoiceStatus = "paid"
	InvoiceFailed            InvoiceStatus = "failed"
	InvoiceVoid              InvoiceStatus = "void"
	InvoiceRefunded          InvoiceStatus = "refunded"
	InvoicePartiallyRefunded InvoiceStatus = "partially_refunded"
)

// Invoice records one billing-cycle charge attempt. AmountPaid never exceeds
// AmountDue; status paid implies PaidAt is set and AmountPaid == AmountDue.
type Invoice struct {
	gorm.Model
	SubscriptionID uint   `gorm:"not null;index" json:"subscriptionId"`
	CustomerID     string `gorm:"size:36;index" json:"customerId"`

	StripeInvoiceID string `gorm:"uniqueIndex;size:255;not null" json:"stripeInvoiceId"`

	AmountDue  int64         `gorm:"not null" json:"amountDue"` // cents
	AmountPaid int64         `gorm:"not null;default:0" json:"amountPaid"`
	Currency   string        `gorm:"size:3;not null;default:'usd'" json:"currency"`
	Status     InvoiceStatus `gorm:"size:32;not null;default:'open'" json:"status"`

	PeriodStart time.Time  `json:"periodStart"`
	PeriodEnd   time.Time  `json:"periodEnd"`
	DueDate     *time.Time `json:"dueDate,omitempty"`

	PaidAt     *time.Time `json:"paidAt,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
}

// FailureResolution records how a payment failure was closed out.
type FailureResolution string

const (
	ResolutionPaid      FailureResolution = "paid"
	ResolutionCanceled  FailureResolution = "canceled"
	ResolutionRefunded  FailureResolution = "refunded"
	ResolutionExhausted FailureResolution = "exhausted"
)

// PaymentFailure tracks an unpaid invoice through the retry schedule. At most
// one unresolved row exists per invoice.
type PaymentFailure struct {
	gorm.Model
	InvoiceID       uint   `gorm:"not null;index" json:"invoiceId"`
	SubscriptionID  uint   `gorm:"not null;index" json:"subscriptionId"`
	StripeInvoiceID string `gorm:"size:255;not null;index" json:"stripeInvoiceId"`

	Reason      string    `gorm:"size:500" json:"reason"`
	RetryCount  int       `gorm:"not null;default:0" json:"retryCount"`
	NextRetryAt time.Time `gorm:"not null;index" json:"nextRetryAt"`

	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
	Resolution FailureResolution `gorm:"size:32" json:"resolution,omitempty"`
}

// EventOutcome is the recorded processing result of an inbound webhook event.
type EventOutcome string

const (
	EventApplied EventOutcome = "applied"
	EventIgnored EventOutcome = "ignored"
	EventError   EventOutcome = "error"
)

// WebhookEvent is the append-only record of every inbound gateway event,
// keyed by the gateway event id for deduplication. The raw payload is kept
// opaque; business logic only sees typed projections.
type WebhookEvent struct {
	gorm.Model
	StripeEventID string       `gorm:"uniqueIndex;size:255;not null" json:"stripeEventId"`
	Type          string       `gorm:"size:100;not null" json:"type"`
	ReceivedAt    time.Time    `gorm:"not null" json:"receivedAt"`
	Outcome       EventOutcome `gorm:"size:16;not null" json:"outcome"`
	Payload       string       `gorm:"type:jsonb" json:"-"`
}
