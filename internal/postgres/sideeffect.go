package postgres

import (
	"context"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
)

// UpsertReceipt issues the receipt for a payment. Re-running the side
// effect replaces the previous receipt instead of issuing a second one.
func (s *Store) UpsertReceipt(ctx context.Context, r *domain.Receipt) (*domain.Receipt, error) {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	out := *r
	err := s.db.QueryRow(ctx, `
		INSERT INTO receipts (id, org_id, payment_id, invoice_id, invoice_number, amount_cents,
			display_amount, currency, issued_to, provider, provider_payment_id, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (payment_id) DO UPDATE SET
			invoice_number      = EXCLUDED.invoice_number,
			amount_cents        = EXCLUDED.amount_cents,
			display_amount      = EXCLUDED.display_amount,
			currency            = EXCLUDED.currency,
			issued_to           = EXCLUDED.issued_to,
			provider            = EXCLUDED.provider,
			provider_payment_id = EXCLUDED.provider_payment_id,
			issued_at           = EXCLUDED.issued_at
		RETURNING id`,
		id, r.OrgID, r.PaymentID, r.InvoiceID, r.InvoiceNumber, r.AmountCents,
		r.DisplayAmount, r.Currency, r.IssuedTo, r.Provider, r.ProviderPaymentID, r.IssuedAt,
	).Scan(&out.ID)
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, domain.Internal(err, "receipt.upsert", "failed to issue receipt")
	}
	return &out, nil
}

// Append writes an audit entry. Payer actions carry no actor.
func (s *Store) Append(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_log (org_id, actor_id, entity, entity_id, action, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.OrgID, nullUUID(entry.ActorID), entry.Entity, entry.EntityID, entry.Action,
		jsonObject(entry.Data), entry.CreatedAt,
	)
	if err != nil {
		return domain.Internal(err, "audit.append", "failed to append audit entry")
	}
	return nil
}
