package payment

import (
	"subtrack-backend/middleware"
	"subtrack-backend/sections"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers payment routes
func RegisterRoutes(apiRoutes, callbackRoutes *gin.RouterGroup, deps *sections.Dependencies, jwtManager *middleware.JWTManager, processor EventProcessor, billingSvc SubscriptionService) {
	handler := NewHandler(deps, processor, billingSvc)

	// Protected subscription management routes (requires authentication)
	subs := apiRoutes.Group("/api/v1/subscriptions")
	subs.Use(middleware.JWTAuthMiddleware(jwtManager))
	{
		subs.POST("", handler.Subscribe)
		subs.GET("", handler.GetSubscription)
		subs.DELETE("", handler.Cancel)
		subs.POST("/reactivate", handler.Reactivate)
		subs.PUT("/tier", handler.ChangeTier)
		subs.GET("/invoices", handler.ListInvoices)
	}

	// Webhook routes (no authentication, verified via Stripe signature)
	webhooks := callbackRoutes.Group("/payments")
	{
		webhooks.POST("/webhook", handler.HandleWebhook)
	}
}
