package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dukerupert/trestle/internal/billing"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
)

// maxPayloadBytes matches Stripe's documented event size ceiling with headroom.
const maxPayloadBytes = 65536

// StripeHandler handles Stripe webhook events
type StripeHandler struct {
	provider billing.Provider
	intents  domain.PaymentIntentService
	metrics  *telemetry.BusinessMetrics
	config   StripeWebhookConfig
}

// StripeWebhookConfig contains configuration for Stripe webhook handling
type StripeWebhookConfig struct {
	// WebhookSecret is the webhook signing secret from Stripe dashboard
	WebhookSecret string

	// Timeout bounds the work done for one delivery. Stripe gives up after
	// about 20s, so this stays below that.
	Timeout time.Duration
}

// NewStripeHandler creates a new Stripe webhook handler
func NewStripeHandler(provider billing.Provider, intents domain.PaymentIntentService, metrics *telemetry.BusinessMetrics, config StripeWebhookConfig) *StripeHandler {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &StripeHandler{
		provider: provider,
		intents:  intents,
		metrics:  metrics,
		config:   config,
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// Org and invoice come from the intent's metadata, which the service re-reads
// from Stripe instead of trusting the event body. A verified delivery gets a
// 200 unless the ledger or Stripe failed, in which case a 5xx makes Stripe
// redeliver. Recording is idempotent, so redelivery is safe.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:3000/webhooks/stripe
//	stripe trigger payment_intent.succeeded
func (h *StripeHandler) HandleWebhook(c echo.Context) error {
	startTime := time.Now()
	logger := zerolog.Ctx(c.Request().Context())

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes+1))
	if err != nil {
		return domain.Invalid("webhook.stripe", "Error reading request body")
	}
	if len(payload) > maxPayloadBytes {
		return domain.Invalid("webhook.stripe", "Payload too large")
	}

	signature := c.Request().Header.Get("Stripe-Signature")
	if signature == "" {
		return domain.Invalid("webhook.stripe", "Missing signature")
	}

	if err := h.provider.VerifyWebhookSignature(payload, signature, h.config.WebhookSecret); err != nil {
		logger.Warn().Err(err).Msg("stripe webhook signature verification failed")
		return domain.Unauthorized("webhook.stripe", "Invalid signature")
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.Data == nil {
		return domain.Invalid("webhook.stripe", "Invalid JSON")
	}

	eventType := string(event.Type)
	log := logger.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()
	log.Info().Msg("stripe webhook received")

	// The delivery may be retried by Stripe while this runs; detach from the
	// request so a client disconnect does not abort a half-applied event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(log.WithContext(c.Request().Context())), h.config.Timeout)
	defer cancel()

	var (
		failReason string
		retryErr   error
	)
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.processing", "payment_intent.payment_failed":
		failReason, retryErr = h.handlePaymentIntent(ctx, event)

	case "charge.refunded":
		failReason, retryErr = h.handleChargeRefunded(ctx, event)

	default:
		log.Debug().Msg("unhandled stripe event type")
	}

	h.metrics.RecordWebhook("stripe", eventType, time.Since(startTime), failReason)

	if retryErr != nil {
		return retryErr
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

// handlePaymentIntent mirrors an intent's state into the ledger.
func (h *StripeHandler) handlePaymentIntent(ctx context.Context, event stripe.Event) (string, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil || pi.ID == "" {
		zerolog.Ctx(ctx).Error().Err(err).Msg("parse payment intent from webhook")
		return "parse_error", nil
	}

	p, err := h.intents.SyncIntent(ctx, pi.ID)
	if err != nil {
		return h.fail(ctx, err, pi.ID, "sync_failed")
	}

	evt := zerolog.Ctx(ctx).Info().Str("payment_intent_id", pi.ID)
	if p != nil {
		evt = evt.Str("payment_id", p.ID.String()).Str("status", string(p.Status))
	}
	evt.Msg("payment intent synced")
	return "", nil
}

// handleChargeRefunded marks the payment refunded once the charge is fully
// refunded. Partial refunds leave the payment as it is.
func (h *StripeHandler) handleChargeRefunded(ctx context.Context, event stripe.Event) (string, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("parse charge from webhook")
		return "parse_error", nil
	}
	if !ch.Refunded || ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
		zerolog.Ctx(ctx).Info().Str("charge_id", ch.ID).Msg("partial or detached refund ignored")
		return "", nil
	}

	p, err := h.intents.RefundIntent(ctx, ch.PaymentIntent.ID)
	if err != nil {
		return h.fail(ctx, err, ch.PaymentIntent.ID, "refund_failed")
	}
	zerolog.Ctx(ctx).Info().
		Str("payment_intent_id", ch.PaymentIntent.ID).
		Str("payment_id", p.ID.String()).
		Msg("payment refunded")
	return "", nil
}

// fail logs a processing error and returns its metric label. Intents that
// were never ours (missing metadata, unknown id) are expected noise. The
// returned error is non-nil when Stripe should redeliver the event.
func (h *StripeHandler) fail(ctx context.Context, err error, intentID, reason string) (string, error) {
	logger := zerolog.Ctx(ctx)
	if domain.IsCode(err, domain.ENOTFOUND) || errors.Is(err, billing.ErrPaymentIntentNotFound) {
		logger.Warn().Err(err).Str("payment_intent_id", intentID).Msg("webhook for unknown intent")
		return "unknown_intent", nil
	}

	switch domain.ErrorCode(err) {
	case domain.EINTERNAL, domain.EUNAVAILABLE:
		logger.Error().Err(err).Str("payment_intent_id", intentID).Msg("CRITICAL: webhook processing failed")
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"payment_intent_id": intentID,
			"reason":            reason,
		})
		return reason, domain.Unavailable(err, "webhook.stripe", "Webhook processing failed, retry later")
	}

	// Malformed metadata or an illegal transition will not change on redelivery.
	logger.Warn().Err(err).Str("payment_intent_id", intentID).Msg("webhook rejected by ledger")
	return reason, nil
}
