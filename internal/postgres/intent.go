package postgres

import (
	"context"
	"errors"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const intentColumns = `id, org_id, invoice_id, provider, provider_intent_id, status, amount_cents,
	currency, client_secret, idempotency_key, created_at, updated_at`

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	var pi domain.PaymentIntent
	err := row.Scan(
		&pi.ID,
		&pi.OrgID,
		&pi.InvoiceID,
		&pi.Provider,
		&pi.ProviderIntentID,
		&pi.Status,
		&pi.AmountCents,
		&pi.Currency,
		&pi.ClientSecret,
		&pi.IdempotencyKey,
		&pi.CreatedAt,
		&pi.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pi, nil
}

// InsertIntent stores a local intent mirror, or returns the one already
// holding the idempotency key.
func (s *Store) InsertIntent(ctx context.Context, pi *domain.PaymentIntent) (*domain.PaymentIntent, error) {
	const op = "intent.insert"

	id := pi.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	created, err := scanIntent(s.db.QueryRow(ctx, `
		INSERT INTO payment_intents (id, org_id, invoice_id, provider, provider_intent_id, status,
			amount_cents, currency, client_secret, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+intentColumns,
		id, pi.OrgID, pi.InvoiceID, pi.Provider, pi.ProviderIntentID, pi.Status,
		pi.AmountCents, pi.Currency, pi.ClientSecret, pi.IdempotencyKey,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isPgError(err, pgForeignKeyViolation) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, domain.Internal(err, op, "failed to insert payment intent")
	}

	existing, err := scanIntent(s.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE idempotency_key = $1`,
		pi.IdempotencyKey,
	))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load payment intent")
	}
	return existing, nil
}

// UpdateIntentStatus mirrors a provider status onto the local intent.
func (s *Store) UpdateIntentStatus(ctx context.Context, providerIntentID, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE payment_intents SET status = $2, updated_at = NOW() WHERE provider_intent_id = $1`,
		providerIntentID, status,
	)
	if err != nil {
		return domain.Internal(err, "intent.update_status", "failed to update payment intent")
	}
	return nil
}
