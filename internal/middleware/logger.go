package middleware

import (
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// WithRequestLogger creates middleware that injects a request-scoped logger into the context
// and logs one line per request once it completes.
// Pay link tokens are redacted from the logged path.
// This middleware should be placed after RequestID in the middleware chain.
func WithRequestLogger(base zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			r := c.Request()
			path := telemetry.RedactPayPath(r.URL.Path)

			lctx := base.With().
				Str("method", r.Method).
				Str("path", path)
			if requestID := domain.RequestIDFromContext(r.Context()); requestID != "" {
				lctx = lctx.Str("request_id", requestID)
			}
			logger := lctx.Logger()
			c.SetRequest(r.WithContext(logger.WithContext(r.Context())))

			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status is final.
				c.Error(err)
			}

			status := c.Response().Status
			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error()
			case status >= 400:
				evt = logger.Info()
			default:
				evt = logger.Debug()
			}

			// Actor is only known after auth, which runs inside this middleware.
			if actor := domain.ActorFromContext(c.Request().Context()); actor != nil {
				evt = evt.Str("actor_id", actor.ID.String()).Str("org_id", actor.OrgID.String())
			}

			evt.Int("status", status).
				Dur("duration", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}
