package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dukerupert/trestle/internal/billing"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIntents implements domain.PaymentIntentService for testing
type fakeIntents struct {
	mu        sync.Mutex
	synced    []string
	refunded  []string
	syncErr   error
	refundErr error
}

func (f *fakeIntents) CreatePaymentIntent(ctx context.Context, params domain.CreatePaymentIntentParams) (*domain.PaymentIntent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeIntents) ConfirmPayment(ctx context.Context, params domain.ConfirmPaymentParams) (*domain.Payment, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeIntents) SyncIntent(ctx context.Context, providerIntentID string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, providerIntentID)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &domain.Payment{ID: uuid.New(), ProviderPaymentID: providerIntentID, Status: domain.PaymentStatusSucceeded}, nil
}

func (f *fakeIntents) RefundIntent(ctx context.Context, providerIntentID string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, providerIntentID)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &domain.Payment{ID: uuid.New(), ProviderPaymentID: providerIntentID, Status: domain.PaymentStatusRefunded}, nil
}

type webhookFixture struct {
	e        *echo.Echo
	provider *billing.MockProvider
	intents  *fakeIntents
	metrics  *telemetry.BusinessMetrics
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		provider: billing.NewMockProvider(),
		intents:  &fakeIntents{},
		metrics:  telemetry.NewBusinessMetrics("test", prometheus.NewRegistry()),
	}
	h := NewStripeHandler(f.provider, f.intents, f.metrics, StripeWebhookConfig{WebhookSecret: "whsec_test"})

	f.e = echo.New()
	f.e.HTTPErrorHandler = func(err error, c echo.Context) {
		_ = c.NoContent(map[string]int{
			domain.EINVALID:      http.StatusBadRequest,
			domain.EUNAUTHORIZED: http.StatusUnauthorized,
			domain.EUNAVAILABLE:  http.StatusServiceUnavailable,
		}[domain.ErrorCode(err)])
	}
	f.e.POST("/webhooks/stripe", h.HandleWebhook)
	return f
}

func (f *webhookFixture) post(body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func event(eventType, object string) string {
	return `{"id":"evt_1","object":"event","type":"` + eventType + `","data":{"object":` + object + `}}`
}

func TestStripeHandler_SignatureChecks(t *testing.T) {
	tests := []struct {
		name           string
		signature      string
		verifyErr      error
		expectedStatus int
	}{
		{"missing signature", "", nil, http.StatusBadRequest},
		{"invalid signature", "t=1,v1=bad", billing.ErrInvalidWebhookSignature, http.StatusUnauthorized},
		{"valid signature", "t=1,v1=good", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t)
			var gotSecret string
			f.provider.VerifyWebhookSignatureFunc = func(payload []byte, signature, secret string) error {
				gotSecret = secret
				return tt.verifyErr
			}

			rec := f.post(event("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`), tt.signature)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.signature != "" {
				assert.Equal(t, "whsec_test", gotSecret)
			}
			if tt.expectedStatus != http.StatusOK {
				assert.Empty(t, f.intents.synced, "unverified events never reach the ledger")
			}
		})
	}
}

func TestStripeHandler_InvalidJSON(t *testing.T) {
	f := newWebhookFixture(t)
	rec := f.post("{not json", "t=1,v1=good")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeHandler_PaymentIntentEvents(t *testing.T) {
	for _, typ := range []string{"payment_intent.succeeded", "payment_intent.processing", "payment_intent.payment_failed"} {
		t.Run(typ, func(t *testing.T) {
			f := newWebhookFixture(t)
			rec := f.post(event(typ, `{"id":"pi_42","object":"payment_intent"}`), "sig")

			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"received": true}`, rec.Body.String())
			assert.Equal(t, []string{"pi_42"}, f.intents.synced)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WebhookProcessed.WithLabelValues("stripe", typ)))
		})
	}
}

func TestStripeHandler_ProcessingFailures(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		reason         string
		expectedStatus int
	}{
		{"unknown intent", domain.ErrIntentInvoiceMismatch, "unknown_intent", http.StatusOK},
		{"missing metadata", domain.Invalid("intent.sync", "payment intent is missing org_id metadata"), "sync_failed", http.StatusOK},
		{"illegal transition", domain.Conflict("payment.transition", "refunded payments are final"), "sync_failed", http.StatusOK},
		{"ledger error", errors.New("database error"), "sync_failed", http.StatusServiceUnavailable},
		{"stripe unavailable", domain.Unavailable(errors.New("timeout"), "intent.sync", "Payment provider is unavailable"), "sync_failed", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t)
			f.intents.syncErr = tt.err

			rec := f.post(event("payment_intent.succeeded", `{"id":"pi_9","object":"payment_intent"}`), "sig")

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, float64(1), testutil.ToFloat64(
				f.metrics.WebhookFailed.WithLabelValues("stripe", "payment_intent.succeeded", tt.reason)))
		})
	}
}

func TestStripeHandler_RefundLedgerErrorIsRedelivered(t *testing.T) {
	f := newWebhookFixture(t)
	f.intents.refundErr = errors.New("connection reset")

	rec := f.post(event("charge.refunded", `{"id":"ch_1","object":"charge","refunded":true,"payment_intent":"pi_7"}`), "sig")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, []string{"pi_7"}, f.intents.refunded)
}

func TestStripeHandler_ChargeRefunded(t *testing.T) {
	tests := []struct {
		name   string
		charge string
		want   []string
	}{
		{
			name:   "full refund",
			charge: `{"id":"ch_1","object":"charge","refunded":true,"payment_intent":"pi_7"}`,
			want:   []string{"pi_7"},
		},
		{
			name:   "partial refund",
			charge: `{"id":"ch_1","object":"charge","refunded":false,"amount_refunded":100,"payment_intent":"pi_7"}`,
		},
		{
			name:   "charge without intent",
			charge: `{"id":"ch_1","object":"charge","refunded":true}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t)
			rec := f.post(event("charge.refunded", tt.charge), "sig")

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, f.intents.refunded)
		})
	}
}

func TestStripeHandler_UnhandledEventIgnored(t *testing.T) {
	f := newWebhookFixture(t)
	rec := f.post(event("customer.created", `{"id":"cus_1","object":"customer"}`), "sig")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.intents.synced)
	assert.Empty(t, f.intents.refunded)
}
