package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice-related domain errors.
var (
	ErrInvoiceNotFound       = &Error{Code: ENOTFOUND, Message: "Invoice not found"}
	ErrNoOutstandingBalance  = &Error{Code: EINVALID, Message: "Invoice has no outstanding balance"}
	ErrPaymentExceedsBalance = &Error{Code: EINVALID, Message: "Payment amount exceeds invoice balance"}
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// Invoice is the billable document a pay link points at.
// BalanceDueCents is derived; only reconciliation writes it.
type Invoice struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	ProjectID       uuid.UUID
	Number          string
	TotalCents      int64
	BalanceDueCents int64
	Currency        string
	Status          InvoiceStatus
	DueDate         *time.Time
	Metadata        map[string]any
	Items           []InvoiceItem // only populated by GetInvoiceDetail
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InvoiceItem is a read-only line item shown to the payer.
type InvoiceItem struct {
	ID             uuid.UUID
	Description    string
	Quantity       decimal.Decimal
	UnitPriceCents int64
	AmountCents    int64
	Position       int32
}

// InvoiceLedger reads invoices and recomputes their derived balance.
type InvoiceLedger interface {
	// GetInvoiceTotals returns the invoice header without items.
	// Returns ErrInvoiceNotFound when the invoice does not belong to orgID.
	GetInvoiceTotals(ctx context.Context, orgID, invoiceID uuid.UUID) (*Invoice, error)

	// GetInvoiceDetail returns the invoice with its line items.
	GetInvoiceDetail(ctx context.Context, orgID, invoiceID uuid.UUID) (*Invoice, error)

	// RecalcBalanceAndStatus recomputes balance_due_cents from the full payment
	// and late fee history and derives the status as of asOf.
	RecalcBalanceAndStatus(ctx context.Context, orgID, invoiceID uuid.UUID, asOf time.Time) (*Invoice, error)
}
