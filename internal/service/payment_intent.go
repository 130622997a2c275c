package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/trestle/internal/billing"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultProviderTimeout bounds a single call to the payment provider.
const DefaultProviderTimeout = 10 * time.Second

const providerStripe = "stripe"

// maxIntentAttempts bounds how many settled intents CreatePaymentIntent
// skips before giving up.
const maxIntentAttempts = 5

type paymentIntentService struct {
	links    domain.PayLinkService
	invoices domain.InvoiceLedger
	intents  domain.IntentStore
	payments domain.PaymentService
	provider billing.Provider
	metrics  *telemetry.BusinessMetrics
	timeout  time.Duration
}

// NewPaymentIntentService creates a PaymentIntentService. timeout <= 0 uses
// DefaultProviderTimeout.
func NewPaymentIntentService(
	links domain.PayLinkService,
	invoices domain.InvoiceLedger,
	intents domain.IntentStore,
	payments domain.PaymentService,
	provider billing.Provider,
	timeout time.Duration,
	metrics *telemetry.BusinessMetrics,
) domain.PaymentIntentService {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &paymentIntentService{
		links:    links,
		invoices: invoices,
		intents:  intents,
		payments: payments,
		provider: provider,
		metrics:  metrics,
		timeout:  timeout,
	}
}

// CreatePaymentIntent opens a provider checkout for the invoice behind a pay
// link (or the caller's org). The amount defaults to what is still owed.
func (s *paymentIntentService) CreatePaymentIntent(ctx context.Context, params domain.CreatePaymentIntentParams) (*domain.PaymentIntent, error) {
	const op = "intent.create"

	target, err := resolveTarget(ctx, s.links, params.Token, params.InvoiceID)
	if err != nil {
		return nil, err
	}

	inv, err := s.invoices.GetInvoiceTotals(ctx, target.OrgID, target.InvoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("%s: load invoice: %w", op, err)
	}

	balance := outstandingBalance(inv)
	if balance <= 0 || inv.Status == domain.InvoiceStatusVoid {
		return nil, ErrNoOutstandingBalance
	}
	amount := params.AmountCents
	if amount <= 0 {
		amount = balance
	}
	if amount > balance {
		return nil, ErrPaymentExceedsBalance
	}

	currency := strings.ToLower(inv.Currency)
	if currency == "" {
		currency = "usd"
	}

	create := billing.CreatePaymentIntentParams{
		AmountCents: amount,
		Currency:    currency,
		Description: fmt.Sprintf("Invoice %s", inv.Number),
		Metadata: map[string]string{
			billing.MetadataOrgID:     inv.OrgID.String(),
			billing.MetadataProjectID: inv.ProjectID.String(),
			billing.MetadataInvoiceID: inv.ID.String(),
		},
	}

	// The key repeats for a double-submitted form but changes once a payment
	// moves the balance. An intent that already settled under it is skipped
	// by chaining a new key off its id, so retries stay idempotent.
	baseKey := fmt.Sprintf("payintent_%s_%d_%d", inv.ID, amount, balance)
	create.IdempotencyKey = baseKey

	var (
		pi     *billing.PaymentIntent
		intent *domain.PaymentIntent
	)
	for attempt := 1; ; attempt++ {
		pi, err = s.createIntent(ctx, create, inv.Number)
		if err != nil {
			return nil, providerError(op, err)
		}

		intent, err = s.intents.InsertIntent(ctx, &domain.PaymentIntent{
			ID:               uuid.New(),
			OrgID:            inv.OrgID,
			InvoiceID:        inv.ID,
			Provider:         providerStripe,
			ProviderIntentID: pi.ID,
			Status:           pi.Status,
			AmountCents:      pi.AmountCents,
			Currency:         pi.Currency,
			ClientSecret:     pi.ClientSecret,
			IdempotencyKey:   pi.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: save intent: %w", op, err)
		}

		if !intentSettled(pi.Status) && !intentSettled(intent.Status) {
			break
		}
		if attempt == maxIntentAttempts {
			return nil, fmt.Errorf("%s: %w: every intent for key %s has settled", op, ErrProviderUnavailable, baseKey)
		}
		zerolog.Ctx(ctx).Info().
			Str("payment_intent_id", pi.ID).
			Str("status", intent.Status).
			Msg("payment intent already settled, opening a new one")
		create.IdempotencyKey = fmt.Sprintf("%s_after_%s", baseKey, pi.ID)
	}

	s.metrics.RecordIntentCreated(inv.OrgID.String())
	zerolog.Ctx(ctx).Info().
		Str("org_id", inv.OrgID.String()).
		Str("invoice_id", inv.ID.String()).
		Str("payment_intent_id", pi.ID).
		Int64("amount_cents", amount).
		Msg("payment intent created")

	return intent, nil
}

// ConfirmPayment records a payment the payer completed on the pay page.
// The provider is the source of truth for amount, fee, and status.
func (s *paymentIntentService) ConfirmPayment(ctx context.Context, params domain.ConfirmPaymentParams) (*domain.Payment, error) {
	const op = "intent.confirm"

	if strings.TrimSpace(params.ProviderIntentID) == "" {
		return nil, domain.NewValidationError(op, "payment_intent_id", "is required")
	}

	binding, err := s.links.Resolve(ctx, params.Token)
	if errors.Is(err, ErrPayLinkNoLongerValid) {
		// The payment may have used up the link; RecordPayment answers a
		// retry for it and rejects anything new.
		if binding, err = s.links.Authenticate(ctx, params.Token); err != nil {
			return nil, ErrPayLinkNoLongerValid
		}
	}
	if err != nil {
		return nil, err
	}

	pi, err := s.fetchIntent(ctx, op, binding.OrgID.String(), params.ProviderIntentID)
	if err != nil {
		return nil, err
	}
	if pi.Metadata[billing.MetadataInvoiceID] != binding.InvoiceID.String() {
		return nil, ErrIntentInvoiceMismatch
	}

	status, ok := paymentStatusForIntent(pi)
	if !ok || status == domain.PaymentStatusFailed {
		return nil, ErrPaymentNotSucceeded
	}

	s.mirrorStatus(ctx, pi)

	return s.payments.RecordPayment(ctx, domain.RecordPaymentParams{
		InvoiceID:         binding.InvoiceID,
		Token:             params.Token,
		AmountCents:       pi.AmountCents,
		FeeCents:          pi.FeeCents,
		Currency:          pi.Currency,
		Method:            paymentMethod(pi.PaymentMethodType),
		Provider:          providerStripe,
		ProviderPaymentID: pi.ID,
		Status:            status,
		Metadata:          intentMetadata(pi),
	})
}

// SyncIntent applies a provider webhook for an intent. The org and invoice
// come from metadata the intent was created with.
func (s *paymentIntentService) SyncIntent(ctx context.Context, providerIntentID string) (*domain.Payment, error) {
	const op = "intent.sync"

	pi, err := s.fetchIntent(ctx, op, "", providerIntentID)
	if err != nil {
		return nil, err
	}
	orgID, invoiceID, err := intentTarget(op, pi)
	if err != nil {
		return nil, err
	}

	s.mirrorStatus(ctx, pi)

	status, ok := paymentStatusForIntent(pi)
	if !ok {
		return nil, nil
	}

	ctx = domain.NewContextWithOrg(ctx, &domain.Org{ID: orgID})

	if status == domain.PaymentStatusFailed {
		// Only a payment already seen as pending can fail; a card decline on a
		// fresh intent leaves nothing to record.
		p, err := s.payments.TransitionPaymentStatus(ctx, orgID, pi.ID, status)
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, nil
		}
		return p, err
	}

	p, err := s.payments.RecordPayment(ctx, domain.RecordPaymentParams{
		InvoiceID:         invoiceID,
		AmountCents:       pi.AmountCents,
		FeeCents:          pi.FeeCents,
		Currency:          pi.Currency,
		Method:            paymentMethod(pi.PaymentMethodType),
		Provider:          providerStripe,
		ProviderPaymentID: pi.ID,
		Status:            status,
		Metadata:          intentMetadata(pi),
	})
	if err != nil {
		return nil, err
	}
	if p.Status != status {
		return s.payments.TransitionPaymentStatus(ctx, orgID, pi.ID, status)
	}
	return p, nil
}

// RefundIntent marks the payment behind a fully refunded intent as refunded.
func (s *paymentIntentService) RefundIntent(ctx context.Context, providerIntentID string) (*domain.Payment, error) {
	const op = "intent.refund"

	pi, err := s.fetchIntent(ctx, op, "", providerIntentID)
	if err != nil {
		return nil, err
	}
	orgID, _, err := intentTarget(op, pi)
	if err != nil {
		return nil, err
	}

	ctx = domain.NewContextWithOrg(ctx, &domain.Org{ID: orgID})
	return s.payments.TransitionPaymentStatus(ctx, orgID, pi.ID, domain.PaymentStatusRefunded)
}

// createIntent makes one provider call under the configured timeout.
func (s *paymentIntentService) createIntent(ctx context.Context, params billing.CreatePaymentIntentParams, invoiceNumber string) (*billing.PaymentIntent, error) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pctx, finish := telemetry.StartSpan(pctx, "stripe.create_payment_intent", invoiceNumber)
	defer finish()

	start := time.Now()
	pi, err := s.provider.CreatePaymentIntent(pctx, params)
	s.metrics.RecordStripeCall("create_payment_intent", time.Since(start), err)
	return pi, err
}

func (s *paymentIntentService) fetchIntent(ctx context.Context, op, orgID, providerIntentID string) (*billing.PaymentIntent, error) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pctx, finish := telemetry.StartSpan(pctx, "stripe.get_payment_intent", providerIntentID)
	defer finish()

	start := time.Now()
	pi, err := s.provider.GetPaymentIntent(pctx, billing.GetPaymentIntentParams{
		PaymentIntentID: providerIntentID,
		OrgID:           orgID,
		IncludeFees:     true,
	})
	s.metrics.RecordStripeCall("get_payment_intent", time.Since(start), err)
	if err != nil {
		if errors.Is(err, billing.ErrPaymentIntentNotFound) {
			return nil, ErrIntentInvoiceMismatch
		}
		return nil, providerError(op, err)
	}
	return pi, nil
}

func (s *paymentIntentService) mirrorStatus(ctx context.Context, pi *billing.PaymentIntent) {
	if s.intents == nil {
		return
	}
	if err := s.intents.UpdateIntentStatus(ctx, pi.ID, pi.Status); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("payment_intent_id", pi.ID).
			Msg("failed to mirror payment intent status")
	}
}

// outstandingBalance is what a payer owes now. An invoice that was sent but
// never reconciled still carries a zero balance, so its total applies.
func outstandingBalance(inv *domain.Invoice) int64 {
	if inv.BalanceDueCents == 0 &&
		(inv.Status == domain.InvoiceStatusSent || inv.Status == domain.InvoiceStatusDraft) {
		return inv.TotalCents
	}
	return inv.BalanceDueCents
}

// intentSettled reports whether an intent can no longer take a payment.
func intentSettled(status string) bool {
	return status == "succeeded" || status == "canceled"
}

// paymentStatusForIntent maps a provider intent status to a payment status.
// ok is false while the payer has not finished paying.
func paymentStatusForIntent(pi *billing.PaymentIntent) (domain.PaymentStatus, bool) {
	switch pi.Status {
	case "succeeded":
		return domain.PaymentStatusSucceeded, true
	case "processing":
		return domain.PaymentStatusPending, true
	case "canceled":
		return domain.PaymentStatusFailed, true
	case "requires_payment_method":
		if pi.LastPaymentError != nil {
			return domain.PaymentStatusFailed, true
		}
	}
	return "", false
}

func paymentMethod(providerType string) string {
	switch providerType {
	case "us_bank_account":
		return "ach"
	case "":
		return "card"
	}
	return providerType
}

func intentMetadata(pi *billing.PaymentIntent) map[string]any {
	md := map[string]any{}
	if pi.ChargeID != "" {
		md["charge_id"] = pi.ChargeID
	}
	if pi.PaymentMethodType != "" {
		md["payment_method_type"] = pi.PaymentMethodType
	}
	return md
}

func intentTarget(op string, pi *billing.PaymentIntent) (uuid.UUID, uuid.UUID, error) {
	orgID, err := uuid.Parse(pi.Metadata[billing.MetadataOrgID])
	if err != nil {
		return uuid.Nil, uuid.Nil, domain.Invalid(op, "payment intent is missing org_id metadata")
	}
	invoiceID, err := uuid.Parse(pi.Metadata[billing.MetadataInvoiceID])
	if err != nil {
		return uuid.Nil, uuid.Nil, domain.Invalid(op, "payment intent is missing invoice_id metadata")
	}
	return orgID, invoiceID, nil
}

// providerError turns timeouts and transient provider failures into
// ErrProviderUnavailable so callers know a retry is safe.
func providerError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), billing.IsTemporary(err):
		return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
	case errors.Is(err, billing.ErrAmountTooSmall):
		return ErrAmountTooSmall
	}
	return fmt.Errorf("%s: %w", op, err)
}
