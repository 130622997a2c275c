package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for pay links and payment recording.
// All metrics include org_id label for multi-tenant dashboard segmentation.
//
// A nil *BusinessMetrics is valid; every recording method is a no-op on it.
type BusinessMetrics struct {
	// Pay links
	PayLinksIssued    *prometheus.CounterVec
	PayLinksValidated *prometheus.CounterVec
	PayLinksRejected  *prometheus.CounterVec
	PayLinksRevoked   *prometheus.CounterVec

	// Payments
	PaymentIntentsCreated *prometheus.CounterVec
	PaymentsRecorded      *prometheus.CounterVec
	PaymentsDuplicate     *prometheus.CounterVec
	PaymentTransitions    *prometheus.CounterVec
	RevenueCollected      *prometheus.CounterVec

	// Side effects
	SideEffectsRun      *prometheus.CounterVec
	SideEffectsFailed   *prometheus.CounterVec
	SideEffectDuration  *prometheus.HistogramVec
	SideEffectsInFlight prometheus.Gauge

	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// External API performance
	StripeAPILatency *prometheus.HistogramVec
}

// NewBusinessMetrics creates all business metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewBusinessMetrics(namespace string, reg prometheus.Registerer) *BusinessMetrics {
	if namespace == "" {
		namespace = "trestle"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	subsystem := "business"

	return &BusinessMetrics{
		// =======================================================================
		// Pay Links
		// =======================================================================
		PayLinksIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "paylinks_issued_total",
				Help:      "Total pay links issued",
			},
			[]string{"org_id", "mode"}, // mode: signed, stored
		),
		PayLinksValidated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "paylinks_validated_total",
				Help:      "Total pay link validations that succeeded",
			},
			[]string{"org_id", "mode"},
		),
		PayLinksRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "paylinks_rejected_total",
				Help:      "Total pay link validations that failed",
			},
			[]string{"reason"}, // reason: not_found, gone
		),
		PayLinksRevoked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "paylinks_revoked_total",
				Help:      "Total pay links revoked",
			},
			[]string{"org_id", "mode"},
		),

		// =======================================================================
		// Payments
		// =======================================================================
		PaymentIntentsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_intents_created_total",
				Help:      "Total provider payment intents created",
			},
			[]string{"org_id"},
		),
		PaymentsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_recorded_total",
				Help:      "Total payments recorded for the first time",
			},
			[]string{"org_id", "status", "method"},
		),
		PaymentsDuplicate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_duplicate_total",
				Help:      "Total payment confirmations answered from an existing record",
			},
			[]string{"org_id"},
		),
		PaymentTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_transitions_total",
				Help:      "Total payment status transitions",
			},
			[]string{"org_id", "from", "to"},
		),
		RevenueCollected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "revenue_collected_cents_total",
				Help:      "Total revenue collected through recorded payments in cents",
			},
			[]string{"org_id", "currency"},
		),

		// =======================================================================
		// Side Effects
		// =======================================================================
		SideEffectsRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "side_effects_total",
				Help:      "Total side-effect tasks run after a payment",
			},
			[]string{"task"},
		),
		SideEffectsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "side_effects_failed_total",
				Help:      "Total side-effect tasks that failed or panicked",
			},
			[]string{"org_id", "task"},
		),
		SideEffectDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "side_effect_duration_seconds",
				Help:      "Side-effect task duration",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"task"},
		),
		SideEffectsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "side_effects_in_flight",
				Help:      "Side-effect fan-outs currently running",
			},
		),

		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_received_total",
				Help:      "Total webhooks received",
			},
			[]string{"provider", "event_type"},
		),
		WebhookProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_processed_total",
				Help:      "Total webhooks processed successfully",
			},
			[]string{"provider", "event_type"},
		),
		WebhookFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_failed_total",
				Help:      "Total webhooks that failed processing",
			},
			[]string{"provider", "event_type", "reason"},
		),
		WebhookLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processing_seconds",
				Help:      "Webhook processing latency",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"provider", "event_type"},
		),

		// =======================================================================
		// External API Performance
		// =======================================================================
		StripeAPILatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stripe_api_latency_seconds",
				Help:      "Stripe API call latency",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation", "status"}, // status: success, error
		),
	}
}

// =============================================================================
// Helper methods for common metric operations
// =============================================================================

// RecordLinkIssued records a newly minted pay link.
func (m *BusinessMetrics) RecordLinkIssued(orgID, mode string) {
	if m == nil {
		return
	}
	m.PayLinksIssued.WithLabelValues(orgID, mode).Inc()
}

// RecordLinkValidated records a pay link that passed validation.
func (m *BusinessMetrics) RecordLinkValidated(orgID, mode string) {
	if m == nil {
		return
	}
	m.PayLinksValidated.WithLabelValues(orgID, mode).Inc()
}

// RecordLinkRejected records a failed validation. Org is unknown for
// rejected links, so only the reason is labelled.
func (m *BusinessMetrics) RecordLinkRejected(reason string) {
	if m == nil {
		return
	}
	m.PayLinksRejected.WithLabelValues(reason).Inc()
}

// RecordLinkRevoked records a revoked pay link.
func (m *BusinessMetrics) RecordLinkRevoked(orgID, mode string) {
	if m == nil {
		return
	}
	m.PayLinksRevoked.WithLabelValues(orgID, mode).Inc()
}

// RecordIntentCreated records a provider payment intent.
func (m *BusinessMetrics) RecordIntentCreated(orgID string) {
	if m == nil {
		return
	}
	m.PaymentIntentsCreated.WithLabelValues(orgID).Inc()
}

// RecordPayment records a first-time payment and, for successes, its revenue.
func (m *BusinessMetrics) RecordPayment(orgID, status, method, currency string, amountCents int64) {
	if m == nil {
		return
	}
	m.PaymentsRecorded.WithLabelValues(orgID, status, method).Inc()
	if status == "succeeded" {
		m.RevenueCollected.WithLabelValues(orgID, currency).Add(float64(amountCents))
	}
}

// RecordDuplicatePayment records a confirmation answered from an existing row.
func (m *BusinessMetrics) RecordDuplicatePayment(orgID string) {
	if m == nil {
		return
	}
	m.PaymentsDuplicate.WithLabelValues(orgID).Inc()
}

// RecordTransition records a payment status change.
func (m *BusinessMetrics) RecordTransition(orgID, from, to string) {
	if m == nil {
		return
	}
	m.PaymentTransitions.WithLabelValues(orgID, from, to).Inc()
}

// RecordSideEffect records one side-effect task outcome.
func (m *BusinessMetrics) RecordSideEffect(orgID, task string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.SideEffectsRun.WithLabelValues(task).Inc()
	m.SideEffectDuration.WithLabelValues(task).Observe(duration.Seconds())
	if !ok {
		m.SideEffectsFailed.WithLabelValues(orgID, task).Inc()
	}
}

// SideEffectStarted and SideEffectFinished track in-flight fan-outs.
func (m *BusinessMetrics) SideEffectStarted() {
	if m == nil {
		return
	}
	m.SideEffectsInFlight.Inc()
}

func (m *BusinessMetrics) SideEffectFinished() {
	if m == nil {
		return
	}
	m.SideEffectsInFlight.Dec()
}

// RecordWebhook records a received webhook and its processing outcome.
func (m *BusinessMetrics) RecordWebhook(provider, eventType string, duration time.Duration, failReason string) {
	if m == nil {
		return
	}
	m.WebhookReceived.WithLabelValues(provider, eventType).Inc()
	m.WebhookLatency.WithLabelValues(provider, eventType).Observe(duration.Seconds())
	if failReason != "" {
		m.WebhookFailed.WithLabelValues(provider, eventType, failReason).Inc()
		return
	}
	m.WebhookProcessed.WithLabelValues(provider, eventType).Inc()
}

// RecordStripeCall records a Stripe API call's latency.
func (m *BusinessMetrics) RecordStripeCall(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StripeAPILatency.WithLabelValues(operation, status).Observe(duration.Seconds())
}
