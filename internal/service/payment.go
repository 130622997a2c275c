package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatcher runs post-commit side effects for a payment without blocking
// the caller. *SideEffects is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, p *domain.Payment)
}

type paymentService struct {
	ledger  domain.Ledger
	links   domain.PayLinkService
	effects Dispatcher
	metrics *telemetry.BusinessMetrics
	now     func() time.Time
}

// PaymentOption configures the payment service.
type PaymentOption func(*paymentService)

// WithPaymentMetrics records payment metrics.
func WithPaymentMetrics(m *telemetry.BusinessMetrics) PaymentOption {
	return func(s *paymentService) {
		s.metrics = m
	}
}

// WithPaymentClock overrides the time source used for received_at defaults
// and overdue checks during reconciliation.
func WithPaymentClock(now func() time.Time) PaymentOption {
	return func(s *paymentService) {
		s.now = now
	}
}

// NewPaymentService creates a PaymentService. links may be nil when only
// authenticated staff record payments; effects may be nil to skip fan-out.
func NewPaymentService(ledger domain.Ledger, links domain.PayLinkService, effects Dispatcher, opts ...PaymentOption) domain.PaymentService {
	s := &paymentService{
		ledger:  ledger,
		links:   links,
		effects: effects,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// paymentTarget is the invoice a payment or intent applies to.
// Binding is nil when the target came from an authenticated org.
type paymentTarget struct {
	OrgID     uuid.UUID
	InvoiceID uuid.UUID
	Binding   *domain.LinkBinding
}

// resolveTarget prefers a pay link token and falls back to the org in
// context. An invoice id given alongside a token must match the token.
func resolveTarget(ctx context.Context, links domain.PayLinkService, token string, invoiceID uuid.UUID) (*paymentTarget, error) {
	if token != "" {
		if links == nil {
			return nil, ErrPayLinkNotFound
		}
		binding, err := links.Resolve(ctx, token)
		if err != nil {
			return nil, err
		}
		if invoiceID != uuid.Nil && invoiceID != binding.InvoiceID {
			return nil, ErrPayLinkNotFound
		}
		return &paymentTarget{OrgID: binding.OrgID, InvoiceID: binding.InvoiceID, Binding: binding}, nil
	}

	orgID := domain.OrgIDFromContext(ctx)
	if orgID == uuid.Nil || invoiceID == uuid.Nil {
		return nil, ErrPaymentTargetUnresolved
	}
	return &paymentTarget{OrgID: orgID, InvoiceID: invoiceID}, nil
}

// RecordPayment records a payment exactly once per (org, provider payment id).
//
// The idempotency check, insert, stored link use, and reconciliation share
// one transaction. Side effects and signed link bookkeeping run after commit
// and only for a payment this call created; their failures are logged, never
// returned.
func (s *paymentService) RecordPayment(ctx context.Context, params domain.RecordPaymentParams) (*domain.Payment, error) {
	const op = "payment.record"

	if err := normalizeRecordParams(&params, s.now); err != nil {
		return nil, err
	}

	target, err := resolveTarget(ctx, s.links, params.Token, params.InvoiceID)
	if err != nil {
		if errors.Is(err, ErrPayLinkNoLongerValid) && params.ProviderPaymentID != "" {
			return s.replayThroughGoneLink(ctx, params, err)
		}
		return nil, err
	}

	var (
		payment *domain.Payment
		created bool
	)
	err = s.ledger.InTx(ctx, func(ctx context.Context, tx domain.PaymentLedger) error {
		if params.ProviderPaymentID != "" {
			existing, err := tx.GetPaymentByProviderID(ctx, target.OrgID, params.ProviderPaymentID)
			if err == nil {
				payment = existing
				return nil
			}
			if !errors.Is(err, domain.ErrPaymentNotFound) {
				return fmt.Errorf("lookup payment: %w", err)
			}
		}

		inv, err := tx.GetInvoiceTotals(ctx, target.OrgID, target.InvoiceID)
		if err != nil {
			return err
		}

		currency := params.Currency
		if currency == "" {
			currency = strings.ToLower(inv.Currency)
		}
		if currency == "" {
			currency = "usd"
		}

		payment, created, err = tx.InsertPayment(ctx, &domain.Payment{
			ID:                uuid.New(),
			OrgID:             target.OrgID,
			InvoiceID:         target.InvoiceID,
			AmountCents:       params.AmountCents,
			FeeCents:          params.FeeCents,
			NetCents:          params.AmountCents - params.FeeCents,
			Currency:          currency,
			Method:            params.Method,
			Provider:          params.Provider,
			ProviderPaymentID: params.ProviderPaymentID,
			Status:            params.Status,
			ReceivedAt:        params.ReceivedAt,
			Metadata:          params.Metadata,
		})
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if !created {
			// Another delivery won the race and reconciles in its own transaction.
			return nil
		}

		if b := target.Binding; b != nil && b.Kind == domain.LinkKindStored && b.Link != nil {
			if err := tx.ReserveLinkUse(ctx, b.Link.ID, s.now()); err != nil {
				return err
			}
		}

		if _, err := tx.RecalcBalanceAndStatus(ctx, target.OrgID, target.InvoiceID, s.now()); err != nil {
			return fmt.Errorf("reconcile invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		if domain.ErrorCode(err) != domain.EINTERNAL {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger := zerolog.Ctx(ctx).With().
		Str("org_id", payment.OrgID.String()).
		Str("invoice_id", payment.InvoiceID.String()).
		Str("payment_id", payment.ID.String()).
		Logger()

	if !created {
		if payment.InvoiceID != target.InvoiceID {
			logger.Warn().
				Str("provider_payment_id", payment.ProviderPaymentID).
				Str("requested_invoice_id", target.InvoiceID.String()).
				Msg("provider payment id already recorded on another invoice")
			if target.Binding != nil {
				return nil, ErrPayLinkNotFound
			}
			return nil, ErrPaymentReferenceInUse
		}
		s.metrics.RecordDuplicatePayment(payment.OrgID.String())
		logger.Debug().
			Str("provider_payment_id", payment.ProviderPaymentID).
			Msg("payment already recorded")
		return payment, nil
	}

	s.metrics.RecordPayment(payment.OrgID.String(), string(payment.Status), payment.Method, payment.Currency, payment.AmountCents)
	logger.Info().
		Int64("amount_cents", payment.AmountCents).
		Str("status", string(payment.Status)).
		Str("provider", payment.Provider).
		Msg("payment recorded")

	if payment.Status == domain.PaymentStatusSucceeded && s.effects != nil {
		s.effects.Dispatch(ctx, payment)
	}

	if target.Binding != nil && s.links != nil {
		if err := s.links.MarkUsed(ctx, target.Binding); err != nil {
			logger.Warn().Err(err).Str("mode", string(target.Binding.Kind)).Msg("failed to count pay link use")
		}
	}

	return payment, nil
}

// replayThroughGoneLink answers a retry whose link expired, ran out of uses,
// or was revoked after the payment was recorded. Without a matching payment
// the caller gets gone back.
func (s *paymentService) replayThroughGoneLink(ctx context.Context, params domain.RecordPaymentParams, gone error) (*domain.Payment, error) {
	binding, err := s.links.Authenticate(ctx, params.Token)
	if err != nil {
		return nil, gone
	}
	if params.InvoiceID != uuid.Nil && params.InvoiceID != binding.InvoiceID {
		return nil, ErrPayLinkNotFound
	}

	existing, err := s.ledger.GetPaymentByProviderID(ctx, binding.OrgID, params.ProviderPaymentID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, gone
	}
	if err != nil {
		return nil, fmt.Errorf("payment.record: lookup payment: %w", err)
	}
	if existing.InvoiceID != binding.InvoiceID {
		return nil, gone
	}

	s.metrics.RecordDuplicatePayment(existing.OrgID.String())
	zerolog.Ctx(ctx).Debug().
		Str("org_id", existing.OrgID.String()).
		Str("payment_id", existing.ID.String()).
		Str("provider_payment_id", existing.ProviderPaymentID).
		Msg("payment already recorded through a closed link")
	return existing, nil
}

// TransitionPaymentStatus moves a payment along pending -> succeeded|failed
// or succeeded -> refunded and reconciles the invoice. Reapplying the current
// status returns the payment unchanged.
func (s *paymentService) TransitionPaymentStatus(ctx context.Context, orgID uuid.UUID, providerPaymentID string, status domain.PaymentStatus) (*domain.Payment, error) {
	const op = "payment.transition"

	if !status.Valid() {
		return nil, domain.Invalid(op, fmt.Sprintf("unknown payment status %q", status))
	}
	if orgID == uuid.Nil || providerPaymentID == "" {
		return nil, ErrPaymentNotFound
	}

	var (
		from    domain.PaymentStatus
		payment *domain.Payment
	)
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx domain.PaymentLedger) error {
		p, err := tx.GetPaymentByProviderID(ctx, orgID, providerPaymentID)
		if err != nil {
			return err
		}
		from = p.Status
		if p.Status == status {
			payment = p
			return nil
		}
		if !p.Status.CanTransitionTo(status) {
			return ErrIllegalPaymentTransition
		}

		payment, err = tx.UpdatePaymentStatus(ctx, orgID, p.ID, status)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if _, err := tx.RecalcBalanceAndStatus(ctx, orgID, p.InvoiceID, s.now()); err != nil {
			return fmt.Errorf("reconcile invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		if domain.ErrorCode(err) != domain.EINTERNAL {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if from == status {
		return payment, nil
	}

	s.metrics.RecordTransition(orgID.String(), string(from), string(status))
	zerolog.Ctx(ctx).Info().
		Str("org_id", orgID.String()).
		Str("payment_id", payment.ID.String()).
		Str("from", string(from)).
		Str("to", string(status)).
		Msg("payment status changed")

	if status == domain.PaymentStatusSucceeded && s.effects != nil {
		s.effects.Dispatch(ctx, payment)
	}
	return payment, nil
}

// normalizeRecordParams applies defaults and rejects malformed payments.
func normalizeRecordParams(p *domain.RecordPaymentParams, now func() time.Time) error {
	const op = "payment.record"

	if p.Status == "" {
		p.Status = domain.PaymentStatusSucceeded
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = now().UTC()
	}
	if p.Provider == "" {
		p.Provider = "manual"
	}
	p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
	p.ProviderPaymentID = strings.TrimSpace(p.ProviderPaymentID)

	var verr error
	if p.AmountCents <= 0 {
		verr = domain.AddFieldError(verr, "amount_cents", "must be greater than 0")
	}
	if p.FeeCents < 0 || p.FeeCents > p.AmountCents {
		verr = domain.AddFieldError(verr, "fee_cents", "must be between 0 and the amount")
	}
	if !p.Status.Valid() {
		verr = domain.AddFieldError(verr, "status", "must be pending, succeeded, failed, or refunded")
	}
	if p.Currency != "" && len(p.Currency) != 3 {
		verr = domain.AddFieldError(verr, "currency", "must be a 3-letter ISO code")
	}
	if verr != nil {
		verr.(*domain.ValidationError).Op = op
		return verr
	}
	return nil
}
