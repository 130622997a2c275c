package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const paymentColumns = `id, org_id, invoice_id, amount_cents, fee_cents, net_cents, currency,
	method, provider, provider_payment_id, status, received_at, metadata, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p          domain.Payment
		providerID pgtype.Text
	)
	err := row.Scan(
		&p.ID,
		&p.OrgID,
		&p.InvoiceID,
		&p.AmountCents,
		&p.FeeCents,
		&p.NetCents,
		&p.Currency,
		&p.Method,
		&p.Provider,
		&providerID,
		&p.Status,
		&p.ReceivedAt,
		&p.Metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProviderPaymentID = providerID.String
	return &p, nil
}

// GetPaymentByProviderID returns the payment for (org, provider payment id).
func (s *Store) GetPaymentByProviderID(ctx context.Context, orgID uuid.UUID, providerPaymentID string) (*domain.Payment, error) {
	if providerPaymentID == "" {
		return nil, domain.ErrPaymentNotFound
	}
	p, err := scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE org_id = $1 AND provider_payment_id = $2`,
		orgID, providerPaymentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, domain.Internal(err, "payment.get", "failed to load payment")
	}
	return p, nil
}

// InsertPayment inserts p against an invoice of the same org. When the
// (org_id, provider_payment_id) pair already exists the insert is skipped
// and the stored row is returned with created=false, so concurrent
// deliveries of one payment converge on a single row.
func (s *Store) InsertPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, bool, error) {
	const op = "payment.insert"

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	receivedAt := p.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	// Selecting from invoices scopes the insert to the org's invoice.
	row := s.db.QueryRow(ctx, `
		INSERT INTO payments (id, org_id, invoice_id, amount_cents, fee_cents, net_cents, currency,
			method, provider, provider_payment_id, status, received_at, metadata)
		SELECT $1, i.org_id, i.id, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		FROM invoices i
		WHERE i.org_id = $2 AND i.id = $3
		ON CONFLICT (org_id, provider_payment_id) DO NOTHING
		RETURNING `+paymentColumns,
		id, p.OrgID, p.InvoiceID, p.AmountCents, p.FeeCents, p.NetCents, p.Currency,
		p.Method, p.Provider, nullText(p.ProviderPaymentID), p.Status, receivedAt, jsonObject(p.Metadata),
	)

	created, err := scanPayment(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.Internal(err, op, "failed to insert payment")
	}

	// Nothing inserted: either the pair exists or the invoice does not.
	existing, err := s.GetPaymentByProviderID(ctx, p.OrgID, p.ProviderPaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return nil, false, domain.ErrInvoiceNotFound
		}
		return nil, false, err
	}
	return existing, false, nil
}

// UpdatePaymentStatus sets a payment's status.
func (s *Store) UpdatePaymentStatus(ctx context.Context, orgID, paymentID uuid.UUID, status domain.PaymentStatus) (*domain.Payment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, `
		UPDATE payments SET status = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
		RETURNING `+paymentColumns,
		orgID, paymentID, status,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, domain.Internal(err, "payment.update_status", "failed to update payment status")
	}
	return p, nil
}
