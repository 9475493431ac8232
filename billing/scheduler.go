package billing

import (
	"context"
	"log/slog"
	"time"

	"subtrack-backend/common"
	"subtrack-backend/models"

	"github.com/robfig/cron/v3"
)

// SchedulerLock keeps sweeps from overlapping across instances. It is a fast
// path only; the conditional claim on each failure row is what actually
// prevents double-charging.
type SchedulerLock interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

const (
	sweepLockName = "retry-sweep"
	sweepLockTTL  = 10 * time.Minute
	sweepTimeout  = 5 * time.Minute
	sweepBatch    = 100

	// claimWindow is how far a claimed failure's NextRetryAt is pushed
	// while the payment attempt is in flight.
	claimWindow = 15 * time.Minute

	// successGrace defers the next look at a failure whose retry payment
	// went through, giving the invoice.paid webhook time to resolve it.
	successGrace = 24 * time.Hour
)

// RetryScheduler sweeps the failure tracker on a cron schedule and re-drives
// payment for due invoices with exponential backoff.
type RetryScheduler struct {
	repo     Repository
	gateway  Gateway
	notifier Notifier
	lock     SchedulerLock
	retry    common.RetryConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetryScheduler creates a retry scheduler. lock may be nil on
// single-instance deployments.
func NewRetryScheduler(repo Repository, gateway Gateway, notifier Notifier, lock SchedulerLock, retry common.RetryConfig) *RetryScheduler {
	return &RetryScheduler{
		repo:     repo,
		gateway:  gateway,
		notifier: notifier,
		lock:     lock,
		retry:    retry,
		logger:   slog.With("service", "RetryScheduler"),
		now:      time.Now,
	}
}

// Register adds the sweep to the cron runner under the given schedule.
func (s *RetryScheduler) Register(c *cron.Cron, schedule string) error {
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("Retry sweep failed", "error", err)
		}
	})
	return err
}

// Tick runs one sweep: list due failures, claim each with a conditional
// update, and attempt payment for the ones won. Crashing mid-sweep loses
// nothing; unclaimed rows stay due and claimed rows come back when the claim
// window lapses.
func (s *RetryScheduler) Tick(ctx context.Context) error {
	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx, sweepLockName, sweepLockTTL)
		if err != nil {
			s.logger.Warn("Sweep lock unavailable, proceeding on row claims only", "error", err)
		} else if !ok {
			s.logger.Debug("Sweep already running elsewhere, skipping")
			return nil
		} else {
			defer func() {
				if err := s.lock.Unlock(ctx, sweepLockName); err != nil {
					s.logger.Warn("Failed to release sweep lock", "error", err)
				}
			}()
		}
	}

	now := s.now()
	failures, err := s.repo.ListDueFailures(ctx, now, s.retry.MaxAttempts, sweepBatch)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}
	s.logger.Info("Retry sweep started", "due", len(failures))

	for i := range failures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processFailure(ctx, &failures[i], now)
	}
	return nil
}

func (s *RetryScheduler) processFailure(ctx context.Context, f *models.PaymentFailure, now time.Time) {
	claimed, err := s.repo.ClaimFailure(ctx, f.ID, f.RetryCount, now, now.Add(claimWindow))
	if err != nil {
		s.logger.Error("Failed to claim payment failure", "failure_id", f.ID, "error", err)
		return
	}
	if !claimed {
		// Another worker got here first, or a webhook resolved it.
		return
	}

	attempt := f.RetryCount + 1
	s.logger.Info("Retrying invoice payment",
		"invoice_id", f.StripeInvoiceID, "attempt", attempt, "max_attempts", s.retry.MaxAttempts)

	if _, err := s.gateway.PayInvoice(ctx, f.StripeInvoiceID); err == nil {
		// Settlement is confirmed by the invoice.paid webhook, which
		// resolves the failure. Park the row until then.
		f.NextRetryAt = now.Add(successGrace)
		if err := s.repo.SaveFailure(ctx, f); err != nil {
			s.logger.Error("Failed to park retried failure", "failure_id", f.ID, "error", err)
		}
		s.logger.Info("Retry payment accepted", "invoice_id", f.StripeInvoiceID, "attempt", attempt)
		return
	} else {
		s.logger.Warn("Retry payment failed",
			"invoice_id", f.StripeInvoiceID, "attempt", attempt, "error", err)
	}

	f.RetryCount = attempt
	if f.RetryCount >= s.retry.MaxAttempts {
		if err := s.exhaust(ctx, f, now); err != nil {
			s.logger.Error("Failed to finalize exhausted failure", "failure_id", f.ID, "error", err)
		}
		return
	}

	f.NextRetryAt = now.Add(Backoff(s.retry, f.RetryCount))
	if err := s.repo.SaveFailure(ctx, f); err != nil {
		s.logger.Error("Failed to reschedule payment failure", "failure_id", f.ID, "error", err)
	}
}

// exhaust closes out a failure whose retry attempts are spent: the failure is
// resolved as exhausted and the subscription is canceled.
func (s *RetryScheduler) exhaust(ctx context.Context, f *models.PaymentFailure, now time.Time) error {
	var customerID, gatewaySubID string

	err := s.repo.Transaction(ctx, func(tx Repository) error {
		f.ResolvedAt = &now
		f.Resolution = models.ResolutionExhausted
		if err := tx.SaveFailure(ctx, f); err != nil {
			return err
		}

		sub, err := tx.GetSubscriptionByID(ctx, f.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil || sub.Status == models.SubscriptionCanceled {
			return nil
		}
		sub.Status = models.SubscriptionCanceled
		sub.CanceledAt = &now
		sub.LastEventAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		customerID = sub.CustomerID
		gatewaySubID = sub.StripeSubscriptionID
		return nil
	})
	if err != nil {
		return err
	}
	if gatewaySubID == "" {
		return nil
	}

	s.logger.Warn("Payment retries exhausted, subscription canceled",
		"invoice_id", f.StripeInvoiceID, "subscription_id", gatewaySubID, "attempts", f.RetryCount)

	// Best effort; the subscription.deleted webhook converges state if
	// this call fails.
	if _, err := s.gateway.CancelSubscriptionNow(ctx, gatewaySubID); err != nil {
		s.logger.Warn("Failed to cancel gateway subscription after exhaustion",
			"subscription_id", gatewaySubID, "error", err)
	}

	if s.notifier != nil {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.notifier.Notify(nctx, NotifyRetriesExhausted, customerID, map[string]any{
			"subscriptionId": gatewaySubID,
			"invoiceId":      f.StripeInvoiceID,
			"attempts":       f.RetryCount,
		})
	}
	return nil
}
