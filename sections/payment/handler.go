package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"subtrack-backend/billing"
	"subtrack-backend/common"
	"subtrack-backend/middleware"
	"subtrack-backend/models"
	"subtrack-backend/sections"

	"github.com/gin-gonic/gin"
)

// EventProcessor runs the webhook reconciliation pipeline for one delivery.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, payload []byte, signature string) (billing.Outcome, error)
}

// SubscriptionService is the customer-facing billing surface.
type SubscriptionService interface {
	Subscribe(ctx context.Context, customerID, email string, tier models.Tier, coupon string) (*models.Subscription, error)
	GetSubscription(ctx context.Context, customerID string) (*models.Subscription, error)
	ListInvoices(ctx context.Context, customerID string, page, perPage int) ([]models.Invoice, error)
	RequestCancellation(ctx context.Context, customerID string, immediate bool) (*models.Subscription, error)
	Reactivate(ctx context.Context, customerID string) (*models.Subscription, error)
	ChangeTier(ctx context.Context, customerID string, newTier models.Tier, prorate *bool) (*models.Subscription, error)
}

// Handler handles payment-related requests
type Handler struct {
	logger     *slog.Logger
	deps       *sections.Dependencies
	processor  EventProcessor
	billingSvc SubscriptionService
}

// NewHandler creates a new payment handler
func NewHandler(deps *sections.Dependencies, processor EventProcessor, billingSvc SubscriptionService) *Handler {
	return &Handler{
		logger:     slog.With("handler", "PaymentHandler"),
		deps:       deps,
		processor:  processor,
		billingSvc: billingSvc,
	}
}

// HandleWebhook processes Stripe webhook events
func (h *Handler) HandleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, common.DEFAULT_WEBHOOK_MAX_BODY_BYTES)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	outcome, err := h.processor.ProcessEvent(c.Request.Context(), payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrBadSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		// Non-2xx makes the gateway redeliver; the event store retries it.
		h.logger.Error("Failed to process webhook event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(outcome)})
}

type SubscribeRequest struct {
	Tier   string `json:"tier" binding:"required"`
	Coupon string `json:"coupon"`
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := models.Tier(req.Tier)
	if !tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return
	}

	claims := middleware.GetClaimsFromContext(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sub, err := h.billingSvc.Subscribe(c.Request.Context(), claims.CustomerID, claims.Email, tier, req.Coupon)
	if err != nil {
		h.respondError(c, err, "Failed to create subscription")
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) GetSubscription(c *gin.Context) {
	claims := middleware.GetClaimsFromContext(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sub, err := h.billingSvc.GetSubscription(c.Request.Context(), claims.CustomerID)
	if err != nil {
		h.respondError(c, err, "Failed to get subscription")
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) ListInvoices(c *gin.Context) {
	claims := middleware.GetClaimsFromContext(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("perPage", "20"))

	invoices, err := h.billingSvc.ListInvoices(c.Request.Context(), claims.CustomerID, page, perPage)
	if err != nil {
		h.respondError(c, err, "Failed to list invoices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "page": page})
}

func (h *Handler) Cancel(c *gin.Context) {
	claims := middleware.GetClaimsFromContext(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// ?immediate=true cancels now instead of at the period end.
	immediate := c.Query("immediate") == "true"

	sub, err := h.billingSvc.RequestCancellation(c.Request.Context(), claims.CustomerID, immediate)
	if err != nil {
		h.respondError(c, err, "Failed to request cancellation")
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) Reactivate(c *gin.Context) {
	claims := middleware.GetClaimsFromContext(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sub, err := h.billingSvc.Reactivate(c.Request.Context(), claims.CustomerID)
	if err != nil {
		h.respondError(c, err, "Failed to reactivate subscription")
		return
	}
	c.JSON(http.StatusOK, sub)
}

type ChangeTierRequest struct {
	Tier string `json:"tier" binding:"required"`
	// Prorate overrides the default billing behavior (prorate upgrades,
	// defer downgrades) when present.
	Prorate *bool `json:"prorate"`
}

func (h *Handler) ChangeTier(c *gin.Context) {
	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := models.Tier(req.Tier)
	if !tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return
	}

	claims := middleware.GetClaimsFromContext(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sub, err := h.billingSvc.ChangeTier(c.Request.Context(), claims.CustomerID, tier, req.Prorate)
	if err != nil {
		h.respondError(c, err, "Failed to change tier")
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) respondError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no subscription found"})
	case errors.Is(err, billing.ErrConflictingActiveSubscription):
		c.JSON(http.StatusConflict, gin.H{"error": "customer already has a live subscription"})
	case errors.Is(err, billing.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "operation not allowed in current subscription state"})
	case errors.Is(err, billing.ErrGatewayCall):
		h.logger.Error(logMsg, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
	default:
		h.logger.Error(logMsg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
