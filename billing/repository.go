package billing

import (
	"context"
	"errors"
	"time"

	"subtrack-backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations for the event store, the subscription and
// invoice ledgers, and the failure tracker. Absent rows are reported as
// (nil, nil) so callers branch without sentinel juggling.
type Repository interface {
	// Transaction runs fn against a transactional view of the repository.
	// The reconciler relies on this to commit a ledger mutation and its
	// event-store record atomically.
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	GetEventByGatewayID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	CreateEvent(ctx context.Context, event *models.WebhookEvent) error
	SaveEvent(ctx context.Context, event *models.WebhookEvent) error

	GetSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error)
	GetSubscriptionByGatewayID(ctx context.Context, stripeSubID string) (*models.Subscription, error)

	// GetSubscriptionByGatewayIDForUpdate is GetSubscriptionByGatewayID with
	// a row lock, for reads inside a transaction that will write the row
	// back. Concurrent deliveries for the same subscription serialize on the
	// lock, so the watermark check always runs against the latest committed
	// state instead of a stale snapshot.
	GetSubscriptionByGatewayIDForUpdate(ctx context.Context, stripeSubID string) (*models.Subscription, error)
	GetLatestSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error)
	GetLiveSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error

	GetInvoiceByGatewayID(ctx context.Context, stripeInvoiceID string) (*models.Invoice, error)
	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	SaveInvoice(ctx context.Context, inv *models.Invoice) error
	ListInvoicesByCustomer(ctx context.Context, customerID string, page, perPage int) ([]models.Invoice, error)

	GetUnresolvedFailureByInvoice(ctx context.Context, invoiceID uint) (*models.PaymentFailure, error)
	GetUnresolvedFailuresBySubscription(ctx context.Context, subscriptionID uint) ([]models.PaymentFailure, error)
	CreateFailure(ctx context.Context, f *models.PaymentFailure) error
	SaveFailure(ctx context.Context, f *models.PaymentFailure) error

	// ListDueFailures returns unresolved failures whose retry is due and
	// with retry attempts remaining.
	ListDueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.PaymentFailure, error)

	// ClaimFailure pushes a due failure's NextRetryAt forward with a
	// conditional update. It returns false when another worker already
	// claimed or resolved the row, which is what keeps two scheduler
	// instances from double-charging the same invoice.
	ClaimFailure(ctx context.Context, failureID uint, retryCount int, now, claimUntil time.Time) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetEventByGatewayID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := r.db.WithContext(ctx).Where("stripe_event_id = ?", eventID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) CreateEvent(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) SaveEvent(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Save(event).Error
}

func (r *gormRepository) GetSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByGatewayID(ctx context.Context, stripeSubID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeSubID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByGatewayIDForUpdate(ctx context.Context, stripeSubID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("stripe_subscription_id = ?", stripeSubID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetLatestSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at desc").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetLiveSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND status IN ?", customerID, []models.SubscriptionStatus{
			models.SubscriptionTrialing,
			models.SubscriptionActive,
			models.SubscriptionPastDue,
		}).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) GetInvoiceByGatewayID(ctx context.Context, stripeInvoiceID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := r.db.WithContext(ctx).Where("stripe_invoice_id = ?", stripeInvoiceID).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *gormRepository) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *gormRepository) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	return r.db.WithContext(ctx).Save(inv).Error
}

func (r *gormRepository) ListInvoicesByCustomer(ctx context.Context, customerID string, page, perPage int) ([]models.Invoice, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at desc").
		Limit(perPage).
		Offset((page - 1) * perPage).
		Find(&invoices).Error
	return invoices, err
}

func (r *gormRepository) GetUnresolvedFailureByInvoice(ctx context.Context, invoiceID uint) (*models.PaymentFailure, error) {
	var f models.PaymentFailure
	err := r.db.WithContext(ctx).
		Where("invoice_id = ? AND resolved_at IS NULL", invoiceID).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *gormRepository) GetUnresolvedFailuresBySubscription(ctx context.Context, subscriptionID uint) ([]models.PaymentFailure, error) {
	var failures []models.PaymentFailure
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND resolved_at IS NULL", subscriptionID).
		Find(&failures).Error
	return failures, err
}

func (r *gormRepository) CreateFailure(ctx context.Context, f *models.PaymentFailure) error {
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *gormRepository) SaveFailure(ctx context.Context, f *models.PaymentFailure) error {
	return r.db.WithContext(ctx).Save(f).Error
}

func (r *gormRepository) ListDueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.PaymentFailure, error) {
	var failures []models.PaymentFailure
	err := r.db.WithContext(ctx).
		Where("next_retry_at <= ? AND resolved_at IS NULL AND retry_count < ?", now, maxAttempts).
		Order("next_retry_at asc").
		Limit(limit).
		Find(&failures).Error
	return failures, err
}

func (r *gormRepository) ClaimFailure(ctx context.Context, failureID uint, retryCount int, now, claimUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentFailure{}).
		Where("id = ? AND resolved_at IS NULL AND retry_count = ? AND next_retry_at <= ?", failureID, retryCount, now).
		Update("next_retry_at", claimUntil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
