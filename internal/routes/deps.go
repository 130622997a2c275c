package routes

import (
	"github.com/dukerupert/trestle/internal/handler"
	"github.com/dukerupert/trestle/internal/handler/webhook"
	"github.com/labstack/echo/v4"
)

// PayDeps contains dependencies for the public pay link routes
type PayDeps struct {
	Handler *handler.PayHandler

	// RateLimit guards every /p/pay route, keyed by client IP.
	RateLimit echo.MiddlewareFunc
}

// APIDeps contains dependencies for staff API routes
type APIDeps struct {
	Handler *handler.APIHandler

	// Auth must put an actor on the context (middleware.RequireStaff).
	Auth echo.MiddlewareFunc
}

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	StripeHandler *webhook.StripeHandler
}

// HealthDeps contains dependencies for the health check
type HealthDeps struct {
	DB handler.Pinger
}
