package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusErrorHandler maps domain codes the way the real handler does, enough
// for middleware tests without importing the handler package.
func statusErrorHandler(err error, c echo.Context) {
	status := http.StatusInternalServerError
	switch domain.ErrorCode(err) {
	case domain.EUNAUTHORIZED:
		status = http.StatusUnauthorized
	case domain.ERATELIMIT:
		status = http.StatusTooManyRequests
	case domain.ENOTFOUND:
		status = http.StatusNotFound
	}
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
	}
	_ = c.NoContent(status)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = statusErrorHandler
	return e
}

func TestRequestID(t *testing.T) {
	e := newEcho()
	var seen string
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error {
		seen = domain.RequestIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		_, err := uuid.Parse(seen)
		require.NoError(t, err)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "lb-123")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, "lb-123", seen)
		assert.Equal(t, "lb-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestWithRequestLogger_RedactsPayToken(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	e := newEcho()
	e.Use(RequestID(), WithRequestLogger(base))
	e.GET("/p/pay/:token", func(c echo.Context) error {
		zerolog.Ctx(c.Request().Context()).Info().Msg("inside")
		return domain.ErrPayLinkNoLongerValid
	})

	token := strings.Repeat("ab", 32)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/pay/"+token, nil))

	out := buf.String()
	assert.NotContains(t, out, token)
	assert.Contains(t, out, "/p/pay/[redacted]")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, "request", last["message"])
	assert.NotEmpty(t, last["request_id"])
}

func TestRequireStaff(t *testing.T) {
	secret := []byte("test-secret")
	actor := domain.Actor{ID: uuid.New(), OrgID: uuid.New(), Email: "ops@example.com", Role: "admin"}

	e := newEcho()
	var got *domain.Actor
	var gotOrg uuid.UUID
	e.GET("/api/ping", func(c echo.Context) error {
		got = domain.ActorFromContext(c.Request().Context())
		gotOrg = domain.OrgIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}, RequireStaff(secret))

	valid, err := IssueStaffToken(secret, actor, time.Hour)
	require.NoError(t, err)
	expired, err := IssueStaffToken(secret, actor, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueStaffToken([]byte("other"), actor, time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &StaffClaims{
		OrgID:            actor.OrgID.String(),
		RegisteredClaims: jwt.RegisteredClaims{Subject: actor.ID.String()},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"alg none", "Bearer " + unsigned, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				require.NotNil(t, got)
				assert.Equal(t, actor.ID, got.ID)
				assert.Equal(t, actor.OrgID, gotOrg)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 2})
	defer rl.Stop()

	e := newEcho()
	e.GET("/p/pay/:token", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, rl.Middleware())

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/p/pay/x", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)
	rec := do("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("10.0.0.2").Code, "other clients keep their own budget")
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	e := newEcho()
	e.Use(m.Middleware())
	e.GET("/p/pay/:token", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, tok := range []string{"aaa", "bbb"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/p/pay/"+tok, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/p/pay/:token", "200")))
}

func TestSecurityHeaders(t *testing.T) {
	e := newEcho()
	e.Use(SecurityHeaders(DefaultSecurityHeadersConfig()), NoStore())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "no-referrer", rec.Header().Get(echo.HeaderReferrerPolicy))
	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get(echo.HeaderStrictTransportSecurity), "plain http gets no HSTS")
}
