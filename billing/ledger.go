package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"subtrack-backend/common"
	"subtrack-backend/models"

	"github.com/stripe/stripe-go/v84"
)

// Gateway is the outbound payment gateway surface. The Stripe service
// implements it; tests substitute fakes. Calls are never retried inline;
// failed payments are re-driven by the retry scheduler only.
type Gateway interface {
	// EnsureCustomer returns the gateway customer id for a local customer,
	// creating the gateway record if needed.
	EnsureCustomer(ctx context.Context, customerID, email string) (string, error)

	// CreateSubscription starts a gateway subscription on the given price.
	// coupon may be empty; when set it is passed through for the gateway to
	// validate and apply.
	CreateSubscription(ctx context.Context, gatewayCustomerID, priceID string, trialDays int, coupon string, metadata map[string]string) (*stripe.Subscription, error)

	// UpdateSubscriptionPrice swaps the subscription onto a new price. With
	// prorate set the gateway issues a proration invoice, reachable via the
	// returned subscription's LatestInvoice.
	UpdateSubscriptionPrice(ctx context.Context, gatewaySubID, priceID string, prorate bool) (*stripe.Subscription, error)

	SetCancelAtPeriodEnd(ctx context.Context, gatewaySubID string, cancel bool) (*stripe.Subscription, error)
	CancelSubscriptionNow(ctx context.Context, gatewaySubID string) (*stripe.Subscription, error)

	PayInvoice(ctx context.Context, gatewayInvoiceID string) (*stripe.Invoice, error)
}

// Service owns the customer-facing subscription operations. It validates
// transitions against local state, calls the gateway, and records the
// gateway's response; webhook deliveries then confirm or correct via the
// reconciler.
type Service struct {
	repo               Repository
	gateway            Gateway
	notifier           Notifier
	plans              []common.Plan
	reactivationWindow string
	logger             *slog.Logger
	now                func() time.Time
}

func NewService(repo Repository, gateway Gateway, notifier Notifier, plans []common.Plan, reactivationWindow string) *Service {
	return &Service{
		repo:               repo,
		gateway:            gateway,
		notifier:           notifier,
		plans:              plans,
		reactivationWindow: reactivationWindow,
		logger:             slog.With("service", "BillingService"),
		now:                time.Now,
	}
}

func gatewayErr(err error) error {
	return fmt.Errorf("%w: %v", ErrGatewayCall, err)
}

// Subscribe creates a new subscription for a customer with no live one.
// coupon is optional and forwarded to the gateway unvalidated; a bad code
// surfaces as a gateway error.
func (s *Service) Subscribe(ctx context.Context, customerID, email string, tier models.Tier, coupon string) (*models.Subscription, error) {
	plan := common.GetPlan(s.plans, string(tier))
	if !tier.Valid() || plan == nil {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	live, err := s.repo.GetLiveSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if live != nil {
		return nil, ErrConflictingActiveSubscription
	}

	// Reuse the gateway customer from an earlier subscription when one
	// exists, so the customer's payment methods carry over.
	gatewayCustomerID := ""
	if prev, err := s.repo.GetLatestSubscriptionByCustomer(ctx, customerID); err != nil {
		return nil, err
	} else if prev != nil {
		gatewayCustomerID = prev.StripeCustomerID
	}
	if gatewayCustomerID == "" {
		gatewayCustomerID, err = s.gateway.EnsureCustomer(ctx, customerID, email)
		if err != nil {
			return nil, gatewayErr(err)
		}
	}

	gwSub, err := s.gateway.CreateSubscription(ctx, gatewayCustomerID, plan.PriceId, plan.TrialDays, coupon, map[string]string{
		"customer_id": customerID,
	})
	if err != nil {
		return nil, gatewayErr(err)
	}

	sub := &models.Subscription{
		CustomerID:           customerID,
		StripeSubscriptionID: gwSub.ID,
		StripeCustomerID:     gatewayCustomerID,
		StripePriceID:        plan.PriceId,
		Tier:                 tier,
		Status:               models.SubscriptionIncomplete,
		LastEventAt:          s.now(),
	}
	if status, ok := mapGatewayStatus(gwSub.Status); ok {
		sub.Status = status
	}
	if start, end := subscriptionPeriod(gwSub); !start.IsZero() {
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = end
	}
	if gwSub.TrialEnd != 0 {
		trialEnd := time.Unix(gwSub.TrialEnd, 0)
		sub.TrialEnd = &trialEnd
	}

	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("Subscription created",
		"customer_id", customerID, "subscription_id", gwSub.ID, "tier", tier, "status", sub.Status)
	s.notify(NotifyConfirmation, customerID, map[string]any{
		"subscriptionId": gwSub.ID,
		"tier":           string(tier),
		"status":         string(sub.Status),
	})
	return sub, nil
}

// GetSubscription returns the customer's most recent subscription.
func (s *Service) GetSubscription(ctx context.Context, customerID string) (*models.Subscription, error) {
	sub, err := s.repo.GetLatestSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub, nil
}

// ListInvoices returns the customer's invoice history, newest first.
func (s *Service) ListInvoices(ctx context.Context, customerID string, page, perPage int) ([]models.Invoice, error) {
	return s.repo.ListInvoicesByCustomer(ctx, customerID, page, perPage)
}

// RequestCancellation ends the customer's live subscription. By default the
// subscription is flagged to end at the close of the current period and
// access continues until then. With immediate set it is canceled at the
// gateway right away, the local row transitions to canceled, and open
// payment failures are resolved.
func (s *Service) RequestCancellation(ctx context.Context, customerID string, immediate bool) (*models.Subscription, error) {
	sub, err := s.repo.GetLiveSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	if immediate {
		return s.cancelNow(ctx, sub)
	}
	if sub.CancelAtPeriodEnd {
		return sub, nil
	}

	if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID, true); err != nil {
		return nil, gatewayErr(err)
	}

	sub.CancelAtPeriodEnd = true
	sub.LastEventAt = s.now()
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("Cancellation scheduled",
		"customer_id", customerID, "subscription_id", sub.StripeSubscriptionID, "period_end", sub.CurrentPeriodEnd)
	s.notify(NotifyCancellation, customerID, map[string]any{
		"subscriptionId": sub.StripeSubscriptionID,
		"effectiveAt":    sub.CurrentPeriodEnd,
	})
	return sub, nil
}

// cancelNow cancels at the gateway first; the local transition and failure
// cleanup commit together afterwards. The subscription.deleted webhook that
// follows is absorbed as a stale or no-op delivery.
func (s *Service) cancelNow(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if _, err := s.gateway.CancelSubscriptionNow(ctx, sub.StripeSubscriptionID); err != nil {
		return nil, gatewayErr(err)
	}

	now := s.now()
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub.Status = models.SubscriptionCanceled
		sub.CanceledAt = &now
		sub.CancelAtPeriodEnd = false
		sub.LastEventAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		failures, err := tx.GetUnresolvedFailuresBySubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		for i := range failures {
			failures[i].ResolvedAt = &now
			failures[i].Resolution = models.ResolutionCanceled
			if err := tx.SaveFailure(ctx, &failures[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Subscription canceled immediately",
		"customer_id", sub.CustomerID, "subscription_id", sub.StripeSubscriptionID)
	s.notify(NotifyCancellation, sub.CustomerID, map[string]any{
		"subscriptionId": sub.StripeSubscriptionID,
		"effectiveAt":    now,
	})
	return sub, nil
}

// Reactivate undoes a pending cancellation, or restarts a canceled
// subscription when the reactivation window allows it.
func (s *Service) Reactivate(ctx context.Context, customerID string) (*models.Subscription, error) {
	sub, err := s.repo.GetLatestSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}

	if sub.Status.Live() {
		if !sub.CancelAtPeriodEnd {
			return nil, ErrInvalidTransition
		}
		if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID, false); err != nil {
			return nil, gatewayErr(err)
		}
		sub.CancelAtPeriodEnd = false
		sub.LastEventAt = s.now()
		if err := s.repo.SaveSubscription(ctx, sub); err != nil {
			return nil, err
		}
		s.logger.Info("Pending cancellation reverted",
			"customer_id", customerID, "subscription_id", sub.StripeSubscriptionID)
		return sub, nil
	}

	if sub.Status != models.SubscriptionCanceled {
		return nil, ErrInvalidTransition
	}
	if s.reactivationWindow == common.REACTIVATION_PERIOD_END && s.now().After(sub.CurrentPeriodEnd) {
		return nil, ErrInvalidTransition
	}

	// The gateway subscription is gone; start a fresh one on the same tier
	// without a new trial.
	plan := common.GetPlan(s.plans, string(sub.Tier))
	if plan == nil {
		return nil, fmt.Errorf("no plan for tier %q", sub.Tier)
	}
	gwSub, err := s.gateway.CreateSubscription(ctx, sub.StripeCustomerID, plan.PriceId, 0, "", map[string]string{
		"customer_id": customerID,
	})
	if err != nil {
		return nil, gatewayErr(err)
	}

	fresh := &models.Subscription{
		CustomerID:           customerID,
		StripeSubscriptionID: gwSub.ID,
		StripeCustomerID:     sub.StripeCustomerID,
		StripePriceID:        plan.PriceId,
		Tier:                 sub.Tier,
		Status:               models.SubscriptionIncomplete,
		LastEventAt:          s.now(),
	}
	if status, ok := mapGatewayStatus(gwSub.Status); ok {
		fresh.Status = status
	}
	if start, end := subscriptionPeriod(gwSub); !start.IsZero() {
		fresh.CurrentPeriodStart = start
		fresh.CurrentPeriodEnd = end
	}
	if err := s.repo.CreateSubscription(ctx, fresh); err != nil {
		return nil, err
	}

	s.logger.Info("Subscription reactivated",
		"customer_id", customerID, "old_subscription_id", sub.StripeSubscriptionID, "new_subscription_id", gwSub.ID)
	s.notify(NotifyConfirmation, customerID, map[string]any{
		"subscriptionId": gwSub.ID,
		"tier":           string(fresh.Tier),
		"reactivated":    true,
	})
	return fresh, nil
}

// ChangeTier moves the live subscription to another tier. Upgrades take
// effect immediately, downgrades are deferred to the next period boundary
// via PendingTier. prorate overrides the billing behavior; when nil,
// upgrades prorate and downgrades do not.
func (s *Service) ChangeTier(ctx context.Context, customerID string, newTier models.Tier, prorate *bool) (*models.Subscription, error) {
	plan := common.GetPlan(s.plans, string(newTier))
	if !newTier.Valid() || plan == nil {
		return nil, fmt.Errorf("unknown tier %q", newTier)
	}

	sub, err := s.repo.GetLiveSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	if sub.Status == models.SubscriptionPastDue {
		// Settle the outstanding invoice before changing plans.
		return nil, ErrInvalidTransition
	}
	if sub.Tier == newTier {
		return nil, ErrInvalidTransition
	}

	upgrade := newTier.Rank() > sub.Tier.Rank()
	doProrate := upgrade
	if prorate != nil {
		doProrate = *prorate
	}
	gwSub, err := s.gateway.UpdateSubscriptionPrice(ctx, sub.StripeSubscriptionID, plan.PriceId, doProrate)
	if err != nil {
		return nil, gatewayErr(err)
	}

	err = s.repo.Transaction(ctx, func(tx Repository) error {
		if upgrade {
			sub.Tier = newTier
			sub.StripePriceID = plan.PriceId
			sub.PendingTier = nil
		} else {
			pending := newTier
			sub.PendingTier = &pending
		}
		sub.LastEventAt = s.now()
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		// A prorated upgrade produces an invoice synchronously; record it
		// now so it is visible before the webhook lands. The webhook is
		// deduplicated against this row by gateway invoice id.
		if upgrade && doProrate && gwSub.LatestInvoice != nil {
			return s.recordGatewayInvoice(ctx, tx, sub, gwSub.LatestInvoice)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tier change applied",
		"customer_id", customerID, "subscription_id", sub.StripeSubscriptionID,
		"tier", sub.Tier, "pending_tier", sub.PendingTier, "upgrade", upgrade)
	if upgrade {
		s.notify(NotifyUpgrade, customerID, map[string]any{
			"subscriptionId": sub.StripeSubscriptionID,
			"tier":           string(newTier),
		})
	}
	return sub, nil
}

func (s *Service) recordGatewayInvoice(ctx context.Context, tx Repository, sub *models.Subscription, gwInv *stripe.Invoice) error {
	existing, err := tx.GetInvoiceByGatewayID(ctx, gwInv.ID)
	if err != nil || existing != nil {
		return err
	}
	inv := &models.Invoice{
		SubscriptionID:  sub.ID,
		CustomerID:      sub.CustomerID,
		StripeInvoiceID: gwInv.ID,
		AmountDue:       gwInv.AmountDue,
		AmountPaid:      gwInv.AmountPaid,
		Currency:        string(gwInv.Currency),
		Status:          models.InvoiceOpen,
	}
	if gwInv.PeriodStart != 0 {
		inv.PeriodStart = time.Unix(gwInv.PeriodStart, 0)
		inv.PeriodEnd = time.Unix(gwInv.PeriodEnd, 0)
	}
	if gwInv.Status == stripe.InvoiceStatusPaid {
		inv.Status = models.InvoicePaid
		paidAt := s.now()
		inv.PaidAt = &paidAt
	}
	return tx.CreateInvoice(ctx, inv)
}

func (s *Service) notify(kind NotificationKind, customerID string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.notifier.Notify(ctx, kind, customerID, payload)
	}()
}
