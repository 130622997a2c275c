package middleware

import (
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header name for request ID
const RequestIDHeader = echo.HeaderXRequestID

// RequestID generates a unique request ID for each request.
// If the request already has an X-Request-ID header, it uses that value.
// The request ID is added to the response headers and request context.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()

			// Check for existing request ID (from load balancer, etc.)
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.New().String()
			}

			c.Response().Header().Set(RequestIDHeader, requestID)
			c.SetRequest(r.WithContext(domain.NewContextWithRequestID(r.Context(), requestID)))
			return next(c)
		}
	}
}
