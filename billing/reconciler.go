package billing

import (
	"context"
	"log/slog"
	"math"
	"time"

	"subtrack-backend/common"
	"subtrack-backend/models"

	"github.com/stripe/stripe-go/v84"
)

// EventVerifier authenticates a raw webhook delivery and returns the parsed
// event envelope. The Stripe service implements this over the shared secret.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, signature string) (stripe.Event, error)
}

// DedupCache is a fast-path check for already-processed event ids. It sits in
// front of the event store; the store's unique index remains authoritative.
type DedupCache interface {
	SeenEvent(ctx context.Context, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) error
}

// NotificationKind identifies an outbound customer notification.
type NotificationKind string

const (
	NotifyConfirmation     NotificationKind = "confirmation"
	NotifyReceipt          NotificationKind = "receipt"
	NotifyPaymentFailed    NotificationKind = "payment_failed"
	NotifyRenewalReminder  NotificationKind = "renewal_reminder"
	NotifyCancellation     NotificationKind = "cancellation"
	NotifyUpgrade          NotificationKind = "upgrade"
	NotifyRefund           NotificationKind = "refund"
	NotifyRetriesExhausted NotificationKind = "retries_exhausted"
)

// Notifier is the fire-and-forget notification collaborator. Implementations
// must never propagate failures to the caller.
type Notifier interface {
	Notify(ctx context.Context, kind NotificationKind, customerID string, payload map[string]any)
}

type notification struct {
	kind       NotificationKind
	customerID string
	payload    map[string]any
}

const dedupTTL = 72 * time.Hour

// Backoff computes the delay before retry attempt retryCount+1:
// initialDelay * multiplier^retryCount (1h, 2h, 4h with defaults).
func Backoff(cfg common.RetryConfig, retryCount int) time.Duration {
	return time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(retryCount)))
}

// Reconciler validates, deduplicates, orders, and applies inbound gateway
// events to the ledgers. It is the only component that mutates subscription
// state from webhook input.
type Reconciler struct {
	repo     Repository
	verifier EventVerifier
	dedup    DedupCache
	notifier Notifier
	plans    []common.Plan
	retry    common.RetryConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a webhook reconciler. dedup may be nil; the event
// store alone then carries deduplication.
func NewReconciler(repo Repository, verifier EventVerifier, dedup DedupCache, notifier Notifier, plans []common.Plan, retry common.RetryConfig) *Reconciler {
	return &Reconciler{
		repo:     repo,
		verifier: verifier,
		dedup:    dedup,
		notifier: notifier,
		plans:    plans,
		retry:    retry,
		logger:   slog.With("service", "Reconciler"),
		now:      time.Now,
	}
}

// ProcessEvent runs the full pipeline for one delivery: authenticate,
// deduplicate, classify, apply with the monotonic-timestamp merge, and commit
// the ledger mutation together with the event record. Notifications go out
// only after the commit.
func (r *Reconciler) ProcessEvent(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := r.verifier.ConstructWebhookEvent(payload, signature)
	if err != nil {
		r.logger.Warn("Webhook signature verification failed", "error", err)
		return OutcomeRejected, ErrBadSignature
	}

	if r.dedup != nil {
		seen, err := r.dedup.SeenEvent(ctx, event.ID)
		if err != nil {
			r.logger.Warn("Dedup cache lookup failed", "event_id", event.ID, "error", err)
		} else if seen {
			return OutcomeDuplicate, nil
		}
	}

	kind := classify(event.Type)
	outcome := OutcomeApplied
	var retriedRecord *models.WebhookEvent
	var notes []notification

	err = r.repo.Transaction(ctx, func(tx Repository) error {
		existing, err := tx.GetEventByGatewayID(ctx, event.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Outcome != models.EventError {
			outcome = OutcomeDuplicate
			return nil
		}
		retriedRecord = existing

		record := existing
		if record == nil {
			record = &models.WebhookEvent{
				StripeEventID: event.ID,
				Type:          string(event.Type),
				ReceivedAt:    r.now(),
				Payload:       string(payload),
			}
		}
		record.Outcome = models.EventApplied

		if kind == kindUnknown {
			r.logger.Info("Unhandled webhook event type", "type", event.Type, "event_id", event.ID)
			record.Outcome = models.EventIgnored
		} else {
			notes, err = r.apply(ctx, tx, kind, &event)
			if err != nil {
				return err
			}
		}

		if existing != nil {
			return tx.SaveEvent(ctx, record)
		}
		return tx.CreateEvent(ctx, record)
	})
	if err != nil {
		// The transaction rolled back: no ledger mutation happened. Mark
		// the event as errored (best effort) so a redelivery retries it.
		r.recordEventError(ctx, &event, payload, retriedRecord)
		return OutcomeRejected, err
	}

	if outcome == OutcomeApplied {
		if r.dedup != nil {
			if err := r.dedup.MarkEventSeen(ctx, event.ID, dedupTTL); err != nil {
				r.logger.Warn("Failed to mark event in dedup cache", "event_id", event.ID, "error", err)
			}
		}
		r.dispatch(notes)
	}

	return outcome, nil
}

func (r *Reconciler) recordEventError(ctx context.Context, event *stripe.Event, payload []byte, existing *models.WebhookEvent) {
	if existing != nil {
		// Already marked error from a previous delivery.
		return
	}
	record := &models.WebhookEvent{
		StripeEventID: event.ID,
		Type:          string(event.Type),
		ReceivedAt:    r.now(),
		Outcome:       models.EventError,
		Payload:       string(payload),
	}
	if err := r.repo.CreateEvent(ctx, record); err != nil {
		r.logger.Error("Failed to record errored event", "event_id", event.ID, "error", err)
	}
}

func (r *Reconciler) dispatch(notes []notification) {
	if r.notifier == nil {
		return
	}
	for _, n := range notes {
		go func(n notification) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			r.notifier.Notify(ctx, n.kind, n.customerID, n.payload)
		}(n)
	}
}

func (r *Reconciler) apply(ctx context.Context, tx Repository, kind eventKind, event *stripe.Event) ([]notification, error) {
	switch kind {
	case kindSubscriptionCreated, kindSubscriptionUpdated:
		return r.applySubscriptionUpsert(ctx, tx, event)
	case kindSubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, tx, event)
	case kindInvoiceCreated:
		return r.applyInvoiceCreated(ctx, tx, event)
	case kindInvoicePaid:
		return r.applyInvoicePaid(ctx, tx, event)
	case kindInvoiceFailed:
		return r.applyInvoiceFailed(ctx, tx, event)
	case kindChargeRefunded:
		return r.applyChargeRefunded(ctx, tx, event)
	default:
		return nil, nil
	}
}

func mapGatewayStatus(s stripe.SubscriptionStatus) (models.SubscriptionStatus, bool) {
	switch s {
	case stripe.SubscriptionStatusIncomplete:
		return models.SubscriptionIncomplete, true
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionTrialing, true
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionActive, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCanceled, true
	default:
		return "", false
	}
}

func (r *Reconciler) applySubscriptionUpsert(ctx context.Context, tx Repository, event *stripe.Event) ([]notification, error) {
	sub, err := parseSubscriptionPayload(event.Data)
	if err != nil {
		return nil, err
	}
	eventTime := time.Unix(event.Created, 0)

	// Locked read: a concurrent delivery for the same subscription blocks
	// here until this transaction commits, then re-runs its staleness check
	// against the committed watermark.
	local, err := tx.GetSubscriptionByGatewayIDForUpdate(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	if local == nil {
		return r.createSubscriptionProjection(ctx, tx, sub, eventTime)
	}

	if eventTime.Before(local.LastEventAt) {
		// Stale delivery: the event is recorded and deduplicated, but its
		// payload must not clobber a newer projection.
		r.logger.Info("Discarding stale subscription event",
			"subscription_id", sub.ID, "event_at", eventTime, "last_event_at", local.LastEventAt)
		return nil, nil
	}

	wasPastDue := local.Status == models.SubscriptionPastDue
	r.mergeSubscription(local, sub, eventTime)
	if err := tx.SaveSubscription(ctx, local); err != nil {
		return nil, err
	}

	var notes []notification
	if wasPastDue && local.Status == models.SubscriptionActive {
		notes = append(notes, notification{NotifyReceipt, local.CustomerID, map[string]any{
			"subscriptionId": local.StripeSubscriptionID,
		}})
	}
	return notes, nil
}

func (r *Reconciler) createSubscriptionProjection(ctx context.Context, tx Repository, sub *stripe.Subscription, eventTime time.Time) ([]notification, error) {
	customerID := sub.Metadata["customer_id"]
	if customerID == "" {
		r.logger.Warn("Subscription event carries no customer mapping, skipping", "subscription_id", sub.ID)
		return nil, nil
	}

	status, ok := mapGatewayStatus(sub.Status)
	if !ok {
		r.logger.Warn("Unrecognized gateway subscription status", "status", sub.Status, "subscription_id", sub.ID)
		return nil, nil
	}

	if status.Live() {
		live, err := tx.GetLiveSubscriptionByCustomer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if live != nil && live.StripeSubscriptionID != sub.ID {
			// Gateway truth conflicts with the single-live invariant; keep
			// the existing projection and flag for investigation.
			r.logger.Warn("Conflicting live subscription from gateway, skipping",
				"customer_id", customerID, "existing", live.StripeSubscriptionID, "incoming", sub.ID)
			return nil, nil
		}
	}

	local := &models.Subscription{
		CustomerID:           customerID,
		StripeSubscriptionID: sub.ID,
		Tier:                 models.TierStarter,
	}
	if sub.Customer != nil {
		local.StripeCustomerID = sub.Customer.ID
	}
	r.mergeSubscription(local, sub, eventTime)
	if err := tx.CreateSubscription(ctx, local); err != nil {
		return nil, err
	}

	return []notification{{NotifyConfirmation, customerID, map[string]any{
		"subscriptionId": sub.ID,
		"tier":           string(local.Tier),
		"status":         string(local.Status),
	}}}, nil
}

// mergeSubscription folds a gateway payload into the local projection and
// advances the watermark. Callers have already checked staleness.
func (r *Reconciler) mergeSubscription(local *models.Subscription, sub *stripe.Subscription, eventTime time.Time) {
	if status, ok := mapGatewayStatus(sub.Status); ok {
		local.Status = status
	}

	if start, end := subscriptionPeriod(sub); !start.IsZero() {
		local.CurrentPeriodStart = start
		local.CurrentPeriodEnd = end
	}

	if priceID := subscriptionPriceID(sub); priceID != "" {
		local.StripePriceID = priceID
		if plan := common.GetPlanByPriceID(r.plans, priceID); plan != nil {
			tier := models.Tier(plan.Tier)
			if tier.Valid() {
				local.Tier = tier
				if local.PendingTier != nil && *local.PendingTier == tier {
					local.PendingTier = nil
				}
			}
		}
	}

	local.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.TrialEnd != 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0)
		local.TrialEnd = &trialEnd
	}
	if sub.CanceledAt != 0 {
		canceledAt := time.Unix(sub.CanceledAt, 0)
		local.CanceledAt = &canceledAt
	} else if local.Status != models.SubscriptionCanceled {
		local.CanceledAt = nil
	}

	local.LastEventAt = eventTime
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, tx Repository, event *stripe.Event) ([]notification, error) {
	sub, err := parseSubscriptionPayload(event.Data)
	if err != nil {
		return nil, err
	}
	eventTime := time.Unix(event.Created, 0)

	local, err := tx.GetSubscriptionByGatewayIDForUpdate(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		r.logger.Warn("Deletion event for unknown subscription, skipping", "subscription_id", sub.ID)
		return nil, nil
	}
	if eventTime.Before(local.LastEventAt) {
		return nil, nil
	}
	if local.Status == models.SubscriptionCanceled {
		local.LastEventAt = eventTime
		return nil, tx.SaveSubscription(ctx, local)
	}

	local.Status = models.SubscriptionCanceled
	canceledAt := eventTime
	if sub.CanceledAt != 0 {
		canceledAt = time.Unix(sub.CanceledAt, 0)
	}
	local.CanceledAt = &canceledAt
	local.LastEventAt = eventTime
	if err := tx.SaveSubscription(ctx, local); err != nil {
		return nil, err
	}

	if err := r.resolveSubscriptionFailures(ctx, tx, local.ID, models.ResolutionCanceled); err != nil {
		return nil, err
	}

	return []notification{{NotifyCancellation, local.CustomerID, map[string]any{
		"subscriptionId": local.StripeSubscriptionID,
	}}}, nil
}

func (r *Reconciler) resolveSubscriptionFailures(ctx context.Context, tx Repository, subscriptionID uint, resolution models.FailureResolution) error {
	failures, err := tx.GetUnresolvedFailuresBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	now := r.now()
	for i := range failures {
		failures[i].ResolvedAt = &now
		failures[i].Resolution = resolution
		if err := tx.SaveFailure(ctx, &failures[i]); err != nil {
			return err
		}
	}
	return nil
}

// findInvoiceSubscription resolves the invoice payload to its local
// subscription, or nil when the invoice belongs to an object this system
// does not track. The row is locked because the paid and failed handlers
// may write the subscription back.
func (r *Reconciler) findInvoiceSubscription(ctx context.Context, tx Repository, inv *invoicePayload) (*models.Subscription, error) {
	subID := inv.subscriptionID()
	if subID == "" {
		return nil, nil
	}
	return tx.GetSubscriptionByGatewayIDForUpdate(ctx, subID)
}

func (r *Reconciler) upsertInvoice(ctx context.Context, tx Repository, inv *invoicePayload, sub *models.Subscription) (*models.Invoice, error) {
	local, err := tx.GetInvoiceByGatewayID(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		local = &models.Invoice{
			SubscriptionID:  sub.ID,
			CustomerID:      sub.CustomerID,
			StripeInvoiceID: inv.ID,
			Status:          models.InvoiceOpen,
		}
	}
	local.AmountDue = inv.AmountDue
	if inv.Currency != "" {
		local.Currency = inv.Currency
	}
	if inv.PeriodStart != 0 {
		local.PeriodStart = time.Unix(inv.PeriodStart, 0)
		local.PeriodEnd = time.Unix(inv.PeriodEnd, 0)
	}
	if inv.DueDate != 0 {
		due := time.Unix(inv.DueDate, 0)
		local.DueDate = &due
	}
	return local, nil
}

func (r *Reconciler) applyInvoiceCreated(ctx context.Context, tx Repository, event *stripe.Event) ([]notification, error) {
	inv, err := parseInvoicePayload(event.Data)
	if err != nil {
		return nil, err
	}
	sub, err := r.findInvoiceSubscription(ctx, tx, inv)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		r.logger.Warn("Invoice event for unknown subscription, skipping", "invoice_id", inv.ID)
		return nil, nil
	}

	local, err := r.upsertInvoice(ctx, tx, inv, sub)
	if err != nil {
		return nil, err
	}
	// Terminal statuses are owned by the paid/failed/refund handlers.
	if local.Status == models.InvoiceOpen && inv.Status == "draft" {
		local.Status = models.InvoiceDraft
	}
	if local.ID == 0 {
		return nil, tx.CreateInvoice(ctx, local)
	}
	return nil, tx.SaveInvoice(ctx, local)
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, tx Repository, event *stripe.Event) ([]notification, error) {
	inv, err := parseInvoicePayload(event.Data)
	if err != nil {
		return nil, err
	}
	eventTime := time.Unix(event.Created, 0)

	sub, err := r.findInvoiceSubscription(ctx, tx, inv)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		r.logger.Warn("Invoice event for unknown subscription, skipping", "invoice_id", inv.ID)
		return nil, nil
	}

	local, err := r.upsertInvoice(ctx, tx, inv, sub)
	if err != nil {
		return nil, err
	}
	local.Status = models.InvoicePaid
	local.AmountPaid = inv.AmountPaid
	if local.AmountPaid != local.AmountDue {
		// A paid invoice carries equal amounts; when the gateway disagrees
		// with itself the settled amount wins for both fields.
		r.logger.Warn("Paid invoice amounts disagree, adopting settled amount",
			"invoice_id", inv.ID, "amount_due", local.AmountDue, "amount_paid", local.AmountPaid)
		local.AmountDue = local.AmountPaid
	}
	paidAt := eventTime
	local.PaidAt = &paidAt
	local.FailedAt = nil
	if local.ID == 0 {
		err = tx.CreateInvoice(ctx, local)
	} else {
		err = tx.SaveInvoice(ctx, local)
	}
	if err != nil {
		return nil, err
	}

	if err := r.resolveInvoiceFailure(ctx, tx, local.ID, models.ResolutionPaid); err != nil {
		return nil, err
	}

	notes := []notification{{NotifyReceipt, sub.CustomerID, map[string]any{
		"invoiceId": inv.ID,
		"amount":    local.AmountPaid,
	}}}

	// A successful payment recovers past_due and completes incomplete
	// subscriptions. Subject to the same watermark as subscription events.
	if !eventTime.Before(sub.LastEventAt) &&
		(sub.Status == models.SubscriptionPastDue || sub.Status == models.SubscriptionIncomplete) {
		sub.Status = models.SubscriptionActive
		sub.LastEventAt = eventTime
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return nil, err
		}
	}

	return notes, nil
}

func (r *Reconciler) applyInvoiceFailed(ctx context.Context, tx Repository, event *stripe.Event) ([]notification, error) {
	inv, err := parseInvoicePayload(event.Data)
	if err != nil {
		return nil, err
	}
	eventTime := time.Unix(event.Created, 0)

	sub, err := r.findInvoiceSubscription(ctx, tx, inv)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		r.logger.Warn("Invoice event for unknown subscription, skipping", "invoice_id", inv.ID)
		return nil, nil
	}

	local, err := r.upsertInvoice(ctx, tx, inv, sub)
	if err != nil {
		return nil, err
	}
	if local.Status == models.InvoicePaid {
		// Never overwrite a success with a failure.
		return nil, nil
	}
	local.Status = models.InvoiceFailed
	failedAt := eventTime
	local.FailedAt = &failedAt
	if local.ID == 0 {
		err = tx.CreateInvoice(ctx, local)
	} else {
		err = tx.SaveInvoice(ctx, local)
	}
	if err != nil {
		return nil, err
	}

	failure, err := tx.GetUnresolvedFailureByInvoice(ctx, local.ID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if failure == nil {
		failure = &models.PaymentFailure{
			InvoiceID:       local.ID,
			SubscriptionID:  sub.ID,
			StripeInvoiceID: local.StripeInvoiceID,
			Reason:          inv.failureReason(),
			RetryCount:      0,
			NextRetryAt:     now.Add(Backoff(r.retry, 0)),
		}
		if err := tx.CreateFailure(ctx, failure); err != nil {
			return nil, err
		}
	} else {
		failure.Reason = inv.failureReason()
		failure.NextRetryAt = now.Add(Backoff(r.retry, failure.RetryCount))
		if err := tx.SaveFailure(ctx, failure); err != nil {
			return nil, err
		}
	}

	if !eventTime.Before(sub.LastEventAt) && sub.Status == models.SubscriptionActive {
		sub.Status = models.SubscriptionPastDue
		sub.LastEventAt = eventTime
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return nil, err
		}
	}

	return []notification{{NotifyPaymentFailed, sub.CustomerID, map[string]any{
		"invoiceId": inv.ID,
		"reason":    failure.Reason,
	}}}, nil
}

func (r *Reconciler) applyChargeRefunded(ctx context.Context, tx Repository, event *stripe.Event) ([]notification, error) {
	ch, err := parseRefundPayload(event.Data)
	if err != nil {
		return nil, err
	}
	if ch.Invoice == "" {
		r.logger.Info("Refund for non-invoice charge, skipping", "charge_id", ch.ID)
		return nil, nil
	}

	local, err := tx.GetInvoiceByGatewayID(ctx, ch.Invoice)
	if err != nil {
		return nil, err
	}
	if local == nil {
		r.logger.Warn("Refund event for unknown invoice, skipping", "invoice_id", ch.Invoice)
		return nil, nil
	}

	refundedAt := time.Unix(event.Created, 0)
	local.RefundedAt = &refundedAt
	if ch.AmountRefunded >= local.AmountPaid {
		local.Status = models.InvoiceRefunded
	} else {
		local.Status = models.InvoicePartiallyRefunded
	}
	if err := tx.SaveInvoice(ctx, local); err != nil {
		return nil, err
	}

	if err := r.resolveInvoiceFailure(ctx, tx, local.ID, models.ResolutionRefunded); err != nil {
		return nil, err
	}

	return []notification{{NotifyRefund, local.CustomerID, map[string]any{
		"invoiceId":      ch.Invoice,
		"amountRefunded": ch.AmountRefunded,
	}}}, nil
}

func (r *Reconciler) resolveInvoiceFailure(ctx context.Context, tx Repository, invoiceID uint, resolution models.FailureResolution) error {
	failure, err := tx.GetUnresolvedFailureByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if failure == nil {
		// Resolving an already-resolved failure is a no-op.
		return nil
	}
	now := r.now()
	failure.ResolvedAt = &now
	failure.Resolution = resolution
	return tx.SaveFailure(ctx, failure)
}
