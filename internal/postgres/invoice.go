package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const invoiceColumns = `id, org_id, project_id, number, total_cents, balance_due_cents,
	currency, status, due_date, metadata, created_at, updated_at`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(
		&inv.ID,
		&inv.OrgID,
		&inv.ProjectID,
		&inv.Number,
		&inv.TotalCents,
		&inv.BalanceDueCents,
		&inv.Currency,
		&inv.Status,
		&inv.DueDate,
		&inv.Metadata,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoiceTotals returns the invoice header. Invoices of other orgs are
// reported as not found.
func (s *Store) GetInvoiceTotals(ctx context.Context, orgID, invoiceID uuid.UUID) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE org_id = $1 AND id = $2`,
		orgID, invoiceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, domain.Internal(err, "invoice.get", "failed to load invoice")
	}
	return inv, nil
}

// GetInvoiceDetail returns the invoice with its line items in position order.
func (s *Store) GetInvoiceDetail(ctx context.Context, orgID, invoiceID uuid.UUID) (*domain.Invoice, error) {
	inv, err := s.GetInvoiceTotals(ctx, orgID, invoiceID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, description, quantity::text, unit_price_cents, amount_cents, position
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY position, id`,
		invoiceID,
	)
	if err != nil {
		return nil, domain.Internal(err, "invoice.detail", "failed to load invoice items")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     domain.InvoiceItem
			quantity string
		)
		if err := rows.Scan(&item.ID, &item.Description, &quantity, &item.UnitPriceCents, &item.AmountCents, &item.Position); err != nil {
			return nil, domain.Internal(err, "invoice.detail", "failed to scan invoice item")
		}
		item.Quantity, err = decimal.NewFromString(quantity)
		if err != nil {
			return nil, domain.Internal(err, "invoice.detail", "invalid item quantity")
		}
		inv.Items = append(inv.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "invoice.detail", "failed to load invoice items")
	}
	return inv, nil
}

// RecalcBalanceAndStatus locks the invoice row, recomputes its balance from
// every payment and late fee, and writes the balance and derived status.
// Call it inside InTx.
func (s *Store) RecalcBalanceAndStatus(ctx context.Context, orgID, invoiceID uuid.UUID, asOf time.Time) (*domain.Invoice, error) {
	const op = "invoice.recalc"

	inv, err := scanInvoice(s.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE org_id = $1 AND id = $2 FOR UPDATE`,
		orgID, invoiceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, domain.Internal(err, op, "failed to lock invoice")
	}

	payments, err := s.paymentAmounts(ctx, orgID, invoiceID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to sum payments")
	}

	var lateFees int64
	err = s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0)::bigint FROM invoice_late_fees WHERE org_id = $1 AND invoice_id = $2`,
		orgID, invoiceID,
	).Scan(&lateFees)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to sum late fees")
	}

	domain.Reconcile(inv, payments, lateFees, asOf)

	err = s.db.QueryRow(ctx, `
		UPDATE invoices
		SET balance_due_cents = $3, status = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
		RETURNING updated_at`,
		orgID, invoiceID, inv.BalanceDueCents, inv.Status,
	).Scan(&inv.UpdatedAt)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to update invoice balance")
	}
	return inv, nil
}

// paymentAmounts loads the status and amount of every payment on an invoice.
func (s *Store) paymentAmounts(ctx context.Context, orgID, invoiceID uuid.UUID) ([]domain.Payment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT amount_cents, status FROM payments WHERE org_id = $1 AND invoice_id = $2`,
		orgID, invoiceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.AmountCents, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertInvoice stores an invoice and its items. Invoices are authored
// elsewhere; this exists for seeding and the CLI.
func (s *Store) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO invoices (id, org_id, project_id, number, total_cents, balance_due_cents, currency, status, due_date, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.OrgID, inv.ProjectID, inv.Number, inv.TotalCents, inv.BalanceDueCents,
		inv.Currency, inv.Status, nullTime(inv.DueDate), jsonObject(inv.Metadata),
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	for _, item := range inv.Items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		quantity := item.Quantity
		if quantity.IsZero() {
			quantity = decimal.NewFromInt(1)
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO invoice_items (id, invoice_id, description, quantity, unit_price_cents, amount_cents, position)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
			item.ID, inv.ID, item.Description, quantity.String(), item.UnitPriceCents, item.AmountCents, item.Position,
		)
		if err != nil {
			return fmt.Errorf("insert invoice item: %w", err)
		}
	}
	return nil
}

// AddLateFee applies a late fee to an invoice. Reconcile afterwards.
func (s *Store) AddLateFee(ctx context.Context, orgID, invoiceID uuid.UUID, amountCents int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO invoice_late_fees (org_id, invoice_id, amount_cents) VALUES ($1, $2, $3)`,
		orgID, invoiceID, amountCents,
	)
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return domain.ErrInvoiceNotFound
		}
		return fmt.Errorf("insert late fee: %w", err)
	}
	return nil
}
