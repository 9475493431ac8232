package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/subscription"
	"github.com/stripe/stripe-go/v84/webhook"
)

// StripeService handles Stripe API interactions
type StripeService struct {
	secretKey     string
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeService creates a new Stripe service
func NewStripeService(secretKey, webhookSecret string) *StripeService {
	stripe.Key = secretKey

	return &StripeService{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		logger:        slog.With("service", "StripeService"),
	}
}

// EnsureCustomer retrieves the Stripe customer tagged with the local customer
// id, or creates one.
func (s *StripeService) EnsureCustomer(ctx context.Context, customerID, email string) (string, error) {
	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("metadata['customer_id']:'%s'", customerID),
		},
	}
	iter := customer.Search(searchParams)

	if iter.Next() {
		cust := iter.Customer()
		s.logger.Info("Found existing Stripe customer", "customer_id", cust.ID)
		return cust.ID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"customer_id": customerID,
		},
	}

	cust, err := customer.New(params)
	if err != nil {
		s.logger.Error("Failed to create Stripe customer", "error", err)
		return "", fmt.Errorf("failed to create customer: %w", err)
	}

	s.logger.Info("Created new Stripe customer", "customer_id", cust.ID)
	return cust.ID, nil
}

// CreateSubscription starts a gateway subscription on the given price. The
// latest invoice is expanded so callers can project it without a second call.
// Coupon validation is left to Stripe; an unknown code fails the call.
func (s *StripeService) CreateSubscription(ctx context.Context, gatewayCustomerID, priceID string, trialDays int, coupon string, metadata map[string]string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(gatewayCustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(priceID),
			},
		},
		Metadata:        metadata,
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if trialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(trialDays))
	}
	if coupon != "" {
		params.Discounts = []*stripe.SubscriptionDiscountParams{
			{Coupon: stripe.String(coupon)},
		}
	}
	params.AddExpand("latest_invoice")

	sub, err := subscription.New(params)
	if err != nil {
		s.logger.Error("Failed to create subscription", "error", err, "price_id", priceID)
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Info("Created subscription", "subscription_id", sub.ID, "price_id", priceID, "trial_days", trialDays)
	return sub, nil
}

// UpdateSubscriptionPrice moves the subscription onto a new price. Prorated
// changes charge the difference immediately via an expanded latest invoice;
// unprorated changes take effect on the next billing cycle.
func (s *StripeService) UpdateSubscriptionPrice(ctx context.Context, gatewaySubID, priceID string, prorate bool) (*stripe.Subscription, error) {
	current, err := subscription.Get(gatewaySubID, nil)
	if err != nil {
		s.logger.Error("Failed to fetch subscription", "error", err, "subscription_id", gatewaySubID)
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items", gatewaySubID)
	}

	prorationBehavior := "none"
	if prorate {
		prorationBehavior = "always_invoice"
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String(prorationBehavior),
	}
	params.AddExpand("latest_invoice")

	sub, err := subscription.Update(gatewaySubID, params)
	if err != nil {
		s.logger.Error("Failed to update subscription price", "error", err, "subscription_id", gatewaySubID)
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	s.logger.Info("Updated subscription price",
		"subscription_id", gatewaySubID, "price_id", priceID, "proration_behavior", prorationBehavior)
	return sub, nil
}

// SetCancelAtPeriodEnd schedules or reverts a cancellation at the close of
// the current billing period.
func (s *StripeService) SetCancelAtPeriodEnd(ctx context.Context, gatewaySubID string, cancel bool) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}

	sub, err := subscription.Update(gatewaySubID, params)
	if err != nil {
		s.logger.Error("Failed to update cancel_at_period_end", "error", err, "subscription_id", gatewaySubID)
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	s.logger.Info("Updated cancel_at_period_end", "subscription_id", gatewaySubID, "cancel", cancel)
	return sub, nil
}

// CancelSubscriptionNow cancels a subscription immediately.
func (s *StripeService) CancelSubscriptionNow(ctx context.Context, gatewaySubID string) (*stripe.Subscription, error) {
	sub, err := subscription.Cancel(gatewaySubID, nil)
	if err != nil {
		s.logger.Error("Failed to cancel subscription", "error", err, "subscription_id", gatewaySubID)
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	s.logger.Info("Canceled subscription", "subscription_id", gatewaySubID)
	return sub, nil
}

// PayInvoice attempts to collect an open invoice with the customer's default
// payment method.
func (s *StripeService) PayInvoice(ctx context.Context, gatewayInvoiceID string) (*stripe.Invoice, error) {
	inv, err := invoice.Pay(gatewayInvoiceID, &stripe.InvoicePayParams{})
	if err != nil {
		s.logger.Warn("Invoice payment attempt failed", "error", err, "invoice_id", gatewayInvoiceID)
		return nil, fmt.Errorf("failed to pay invoice: %w", err)
	}

	s.logger.Info("Invoice payment accepted", "invoice_id", gatewayInvoiceID, "amount_paid", inv.AmountPaid)
	return inv, nil
}

// ConstructWebhookEvent constructs and validates a webhook event
func (s *StripeService) ConstructWebhookEvent(payload []byte, signature string) (stripe.Event, error) {
	options := &webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, *options)
	if err != nil {
		s.logger.Error("Failed to verify webhook signature", "error", err)
		return stripe.Event{}, fmt.Errorf("failed to verify webhook: %w", err)
	}

	s.logger.Debug("Webhook event verified", "type", event.Type, "id", event.ID)
	return event, nil
}
