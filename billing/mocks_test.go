package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"subtrack-backend/common"
	"subtrack-backend/models"

	"github.com/stripe/stripe-go/v84"
)

// fakeRepo is an in-memory Repository for exercising the reconciler, the
// ledger service, and the retry scheduler without a database.
type fakeRepo struct {
	mu          sync.Mutex
	nextID      uint
	lockedReads int
	events      map[string]*models.WebhookEvent
	subs        map[uint]*models.Subscription
	invoices    map[uint]*models.Invoice
	failures    map[uint]*models.PaymentFailure
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:   make(map[string]*models.WebhookEvent),
		subs:     make(map[uint]*models.Subscription),
		invoices: make(map[uint]*models.Invoice),
		failures: make(map[uint]*models.PaymentFailure),
	}
}

func (r *fakeRepo) id() uint {
	r.nextID++
	return r.nextID
}

func (r *fakeRepo) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return fn(r)
}

func (r *fakeRepo) GetEventByGatewayID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (r *fakeRepo) CreateEvent(ctx context.Context, event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.StripeEventID]; ok {
		return fmt.Errorf("duplicate event id %s", event.StripeEventID)
	}
	event.ID = r.id()
	cp := *event
	r.events[event.StripeEventID] = &cp
	return nil
}

func (r *fakeRepo) SaveEvent(ctx context.Context, event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events[event.StripeEventID] = &cp
	return nil
}

func (r *fakeRepo) GetSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeRepo) GetSubscriptionByGatewayID(ctx context.Context, stripeSubID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.StripeSubscriptionID == stripeSubID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetSubscriptionByGatewayIDForUpdate(ctx context.Context, stripeSubID string) (*models.Subscription, error) {
	r.mu.Lock()
	r.lockedReads++
	r.mu.Unlock()
	return r.GetSubscriptionByGatewayID(ctx, stripeSubID)
}

func (r *fakeRepo) lockedReadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockedReads
}

func (r *fakeRepo) GetLatestSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Subscription
	for _, sub := range r.subs {
		if sub.CustomerID != customerID {
			continue
		}
		if latest == nil || sub.ID > latest.ID {
			latest = sub
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeRepo) GetLiveSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.CustomerID == customerID && sub.Status.Live() {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.ID = r.id()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *fakeRepo) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *fakeRepo) GetInvoiceByGatewayID(ctx context.Context, stripeInvoiceID string) (*models.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.StripeInvoiceID == stripeInvoiceID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.invoices {
		if existing.StripeInvoiceID == inv.StripeInvoiceID {
			return fmt.Errorf("duplicate invoice id %s", inv.StripeInvoiceID)
		}
	}
	inv.ID = r.id()
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *fakeRepo) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *fakeRepo) ListInvoicesByCustomer(ctx context.Context, customerID string, page, perPage int) ([]models.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Invoice
	for _, inv := range r.invoices {
		if inv.CustomerID == customerID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetUnresolvedFailureByInvoice(ctx context.Context, invoiceID uint) (*models.PaymentFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.failures {
		if f.InvoiceID == invoiceID && f.ResolvedAt == nil {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetUnresolvedFailuresBySubscription(ctx context.Context, subscriptionID uint) ([]models.PaymentFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentFailure
	for _, f := range r.failures {
		if f.SubscriptionID == subscriptionID && f.ResolvedAt == nil {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateFailure(ctx context.Context, f *models.PaymentFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.ID = r.id()
	cp := *f
	r.failures[f.ID] = &cp
	return nil
}

func (r *fakeRepo) SaveFailure(ctx context.Context, f *models.PaymentFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *f
	r.failures[f.ID] = &cp
	return nil
}

func (r *fakeRepo) ListDueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.PaymentFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentFailure
	for _, f := range r.failures {
		if f.ResolvedAt == nil && f.RetryCount < maxAttempts && !f.NextRetryAt.After(now) {
			out = append(out, *f)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) ClaimFailure(ctx context.Context, failureID uint, retryCount int, now, claimUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.failures[failureID]
	if !ok || f.ResolvedAt != nil || f.RetryCount != retryCount || f.NextRetryAt.After(now) {
		return false, nil
	}
	f.NextRetryAt = claimUntil
	return true, nil
}

// subscription lookups used in assertions

func (r *fakeRepo) subByGatewayID(gatewayID string) *models.Subscription {
	sub, _ := r.GetSubscriptionByGatewayID(context.Background(), gatewayID)
	return sub
}

func (r *fakeRepo) invoiceByGatewayID(gatewayID string) *models.Invoice {
	inv, _ := r.GetInvoiceByGatewayID(context.Background(), gatewayID)
	return inv
}

func (r *fakeRepo) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

// passthroughVerifier treats the raw payload as the event JSON and accepts
// only the signature "valid".
type passthroughVerifier struct{}

func (passthroughVerifier) ConstructWebhookEvent(payload []byte, signature string) (stripe.Event, error) {
	if signature != "valid" {
		return stripe.Event{}, errors.New("signature mismatch")
	}
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return stripe.Event{}, err
	}
	return ev, nil
}

// fakeGateway records calls and answers from configurable funcs.
type fakeGateway struct {
	mu             sync.Mutex
	payCalls       []string
	cancelNowCalls []string

	ensureCustomerFn func(customerID, email string) (string, error)
	createSubFn      func(gatewayCustomerID, priceID string, trialDays int, coupon string) (*stripe.Subscription, error)
	updatePriceFn    func(gatewaySubID, priceID string, prorate bool) (*stripe.Subscription, error)
	setCancelFn      func(gatewaySubID string, cancel bool) (*stripe.Subscription, error)
	cancelNowFn      func(gatewaySubID string) (*stripe.Subscription, error)
	payInvoiceFn     func(gatewayInvoiceID string) (*stripe.Invoice, error)
}

func (g *fakeGateway) EnsureCustomer(ctx context.Context, customerID, email string) (string, error) {
	if g.ensureCustomerFn != nil {
		return g.ensureCustomerFn(customerID, email)
	}
	return "cus_" + customerID, nil
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, gatewayCustomerID, priceID string, trialDays int, coupon string, metadata map[string]string) (*stripe.Subscription, error) {
	if g.createSubFn != nil {
		return g.createSubFn(gatewayCustomerID, priceID, trialDays, coupon)
	}
	return &stripe.Subscription{
		ID:       "sub_new",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: gatewayCustomerID},
	}, nil
}

func (g *fakeGateway) UpdateSubscriptionPrice(ctx context.Context, gatewaySubID, priceID string, prorate bool) (*stripe.Subscription, error) {
	if g.updatePriceFn != nil {
		return g.updatePriceFn(gatewaySubID, priceID, prorate)
	}
	return &stripe.Subscription{ID: gatewaySubID, Status: stripe.SubscriptionStatusActive}, nil
}

func (g *fakeGateway) SetCancelAtPeriodEnd(ctx context.Context, gatewaySubID string, cancel bool) (*stripe.Subscription, error) {
	if g.setCancelFn != nil {
		return g.setCancelFn(gatewaySubID, cancel)
	}
	return &stripe.Subscription{ID: gatewaySubID, CancelAtPeriodEnd: cancel}, nil
}

func (g *fakeGateway) CancelSubscriptionNow(ctx context.Context, gatewaySubID string) (*stripe.Subscription, error) {
	g.mu.Lock()
	g.cancelNowCalls = append(g.cancelNowCalls, gatewaySubID)
	g.mu.Unlock()
	if g.cancelNowFn != nil {
		return g.cancelNowFn(gatewaySubID)
	}
	return &stripe.Subscription{ID: gatewaySubID, Status: stripe.SubscriptionStatusCanceled}, nil
}

func (g *fakeGateway) PayInvoice(ctx context.Context, gatewayInvoiceID string) (*stripe.Invoice, error) {
	g.mu.Lock()
	g.payCalls = append(g.payCalls, gatewayInvoiceID)
	g.mu.Unlock()
	if g.payInvoiceFn != nil {
		return g.payInvoiceFn(gatewayInvoiceID)
	}
	return &stripe.Invoice{ID: gatewayInvoiceID, Status: stripe.InvoiceStatusPaid}, nil
}

func (g *fakeGateway) payCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payCalls)
}

// recordingNotifier captures notifications synchronously.
type recordingNotifier struct {
	mu    sync.Mutex
	kinds []NotificationKind
}

func (n *recordingNotifier) Notify(ctx context.Context, kind NotificationKind, customerID string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) recorded() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotificationKind(nil), n.kinds...)
}

func testPlans() []common.Plan {
	return []common.Plan{
		{Tier: "starter", Name: "Starter", PriceCents: 900, Currency: "usd", Interval: "month", TrialDays: 14, PriceId: "price_starter"},
		{Tier: "professional", Name: "Professional", PriceCents: 2900, Currency: "usd", Interval: "month", PriceId: "price_professional"},
		{Tier: "premium", Name: "Premium", PriceCents: 9900, Currency: "usd", Interval: "month", PriceId: "price_premium"},
	}
}

func testRetryConfig() common.RetryConfig {
	return common.RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Hour,
		BackoffMultiplier: 2.0,
	}
}

// eventJSON builds a webhook event body the passthrough verifier accepts.
func eventJSON(id, eventType string, created time.Time, object map[string]any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return body
}
