package router

import (
	"github.com/dukerupert/trestle/internal/handler"
	"github.com/dukerupert/trestle/internal/middleware"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds what the global middleware chain needs.
type Config struct {
	Logger zerolog.Logger

	// Metrics records HTTP metrics. Nil disables them.
	Metrics *middleware.Metrics

	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	// BodyLimit caps request bodies, e.g. "1M".
	BodyLimit string

	// Security sets response security headers.
	Security middleware.SecurityHeadersConfig
}

// New returns an echo instance with the shared error handler, the request
// validator, and the global middleware chain. Routes are registered on it
// by the routes package.
func New(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Validator = handler.NewValidator()

	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}

	// Order matters: recovery outermost, then request id so every later
	// log line and Sentry event carries it.
	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(telemetry.SentryMiddleware())
	e.Use(middleware.WithRequestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		e.Use(cfg.Metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders(cfg.Security))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))

	if cfg.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	return e
}
