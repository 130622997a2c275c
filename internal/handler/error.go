package handler

import (
	"errors"
	"net/http"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// errorBody is the JSON envelope for every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.EGONE:
		return http.StatusGone // 410
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests // 429
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable // 503
	case domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// HTTPErrorHandler is the echo error handler. Validation errors carry their
// fields, domain errors map by code, and anything else is an internal error
// whose details stay in the logs.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := errorResponse(err)
	ctx := c.Request().Context()
	logger := zerolog.Ctx(ctx)

	evt := logger.Info()
	if status >= 500 {
		evt = logger.Error()
		if status != http.StatusServiceUnavailable {
			telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
				"op":   domain.ErrorOp(err),
				"path": telemetry.RedactPayPath(c.Request().URL.Path),
			})
		}
	}
	evt.Err(err).
		Str("code", body.Error.Code).
		Str("op", domain.ErrorOp(err)).
		Int("status", status).
		Msg("request failed")

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		logger.Error().Err(err).Msg("write error response")
	}
}

func errorResponse(err error) (int, errorBody) {
	// Validation errors are checked first: they are not *domain.Error.
	if domain.IsValidationError(err) {
		return http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    domain.EINVALID,
			Message: "Validation failed",
			Fields:  domain.GetValidationFields(err),
		}}
	}

	// Routing and binding errors from echo itself.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := domain.EINVALID
		switch he.Code {
		case http.StatusNotFound:
			code = domain.ENOTFOUND
		case http.StatusUnauthorized:
			code = domain.EUNAUTHORIZED
		case http.StatusTooManyRequests:
			code = domain.ERATELIMIT
		default:
			if he.Code >= 500 {
				code = domain.EINTERNAL
			}
		}
		msg := http.StatusText(he.Code)
		if code == domain.EINTERNAL {
			msg = domain.ErrorMessage(err)
		}
		return he.Code, errorBody{Error: errorDetail{Code: code, Message: msg}}
	}

	code := domain.ErrorCode(err)
	return ErrorCodeToHTTPStatus(code), errorBody{Error: errorDetail{
		Code:    code,
		Message: domain.ErrorMessage(err),
	}}
}
