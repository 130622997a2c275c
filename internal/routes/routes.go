package routes

import (
	"github.com/dukerupert/trestle/internal/handler"
	"github.com/dukerupert/trestle/internal/middleware"
	"github.com/labstack/echo/v4"
)

// RegisterWebhookRoutes registers all webhook routes.
//
// Note: Webhook routes do NOT have authentication middleware.
// Each webhook handler is responsible for verifying the request
// signature (e.g., Stripe signature verification).
func RegisterWebhookRoutes(e *echo.Echo, deps WebhookDeps) {
	e.POST("/webhooks/stripe", deps.StripeHandler.HandleWebhook)
}

// RegisterPayRoutes registers the payer-facing routes. The token in the path
// is the credential, so responses are never cached.
func RegisterPayRoutes(e *echo.Echo, deps PayDeps) {
	mw := []echo.MiddlewareFunc{middleware.NoStore()}
	if deps.RateLimit != nil {
		mw = append(mw, deps.RateLimit)
	}
	g := e.Group("/p/pay", mw...)
	g.GET("/:token", deps.Handler.Show)
	g.POST("/:token/intents", deps.Handler.CreateIntent)
	g.POST("/:token/confirm", deps.Handler.Confirm)
}

// RegisterAPIRoutes registers staff routes behind authentication.
func RegisterAPIRoutes(e *echo.Echo, deps APIDeps) {
	g := e.Group("/api", deps.Auth)
	g.POST("/invoices/:id/pay-links", deps.Handler.IssuePayLink)
	g.POST("/invoices/:id/payments", deps.Handler.RecordPayment)
	g.POST("/pay-links/revoke", deps.Handler.RevokePayLink)
	g.GET("/pay-links/mode", deps.Handler.PayLinkMode)
}

// RegisterHealthRoutes registers the liveness and readiness check.
func RegisterHealthRoutes(e *echo.Echo, deps HealthDeps) {
	e.GET("/healthz", handler.Health(deps.DB))
}
