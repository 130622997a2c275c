package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Payment-related domain errors.
var (
	ErrPaymentNotFound          = &Error{Code: ENOTFOUND, Message: "Payment not found"}
	ErrPaymentTargetUnresolved  = &Error{Code: EUNAUTHORIZED, Message: "A pay link or an authenticated organization is required"}
	ErrIllegalPaymentTransition = &Error{Code: ECONFLICT, Message: "Payment status cannot change that way"}
	ErrPaymentReferenceInUse    = &Error{Code: ECONFLICT, Message: "Payment reference is already recorded on another invoice"}
)

// PaymentStatus is the provider-reported state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether a payment in status s may move to next.
// pending -> succeeded|failed, succeeded -> refunded. Re-applying the
// current status is allowed so redelivered webhooks stay no-ops.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusSucceeded || next == PaymentStatusFailed
	case PaymentStatusSucceeded:
		return next == PaymentStatusRefunded
	}
	return false
}

// Payment is the durable record of money received against an invoice.
// At most one row exists per (OrgID, ProviderPaymentID).
type Payment struct {
	ID                uuid.UUID
	OrgID             uuid.UUID
	InvoiceID         uuid.UUID
	AmountCents       int64
	FeeCents          int64
	NetCents          int64
	Currency          string
	Method            string // "card", "ach", "check", "wire", "cash"
	Provider          string // "stripe", "manual"
	ProviderPaymentID string // empty for manual payments with no reference
	Status            PaymentStatus
	ReceivedAt        time.Time
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RecordPaymentParams describes a payment confirmation. Either Token or
// InvoiceID (with an org in context) identifies the invoice.
type RecordPaymentParams struct {
	InvoiceID         uuid.UUID
	Token             string
	AmountCents       int64
	FeeCents          int64
	Currency          string
	Method            string
	Provider          string
	ProviderPaymentID string
	Status            PaymentStatus // defaults to succeeded
	ReceivedAt        time.Time     // defaults to now
	Metadata          map[string]any
}

// PaymentLedger is the transactional view of payments and invoices.
type PaymentLedger interface {
	InvoiceLedger

	// GetPaymentByProviderID returns ErrPaymentNotFound when no payment exists
	// for the pair.
	GetPaymentByProviderID(ctx context.Context, orgID uuid.UUID, providerPaymentID string) (*Payment, error)

	// InsertPayment inserts p or, when (org_id, provider_payment_id) already
	// exists, returns the existing row. created is false in the latter case.
	InsertPayment(ctx context.Context, p *Payment) (payment *Payment, created bool, err error)

	// UpdatePaymentStatus sets the status of a payment. Amount never changes.
	UpdatePaymentStatus(ctx context.Context, orgID, paymentID uuid.UUID, status PaymentStatus) (*Payment, error)

	// ReserveLinkUse counts one use of a stored link if it is unrevoked,
	// unexpired at at, and below max_uses. Otherwise it returns
	// ErrPayLinkNoLongerValid and nothing changes.
	ReserveLinkUse(ctx context.Context, linkID uuid.UUID, at time.Time) error
}

// Ledger runs PaymentLedger operations as one unit of work.
type Ledger interface {
	PaymentLedger

	// InTx runs fn in a transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx PaymentLedger) error) error
}

// PaymentService records payments and keeps invoices reconciled.
type PaymentService interface {
	// RecordPayment records a payment exactly once per provider payment id,
	// reconciles the invoice, and dispatches side effects for new successes.
	RecordPayment(ctx context.Context, params RecordPaymentParams) (*Payment, error)

	// TransitionPaymentStatus applies a provider status change to an existing payment.
	TransitionPaymentStatus(ctx context.Context, orgID uuid.UUID, providerPaymentID string, status PaymentStatus) (*Payment, error)
}

// Receipt is issued once per succeeded payment (upsert keyed by PaymentID).
type Receipt struct {
	ID                uuid.UUID
	OrgID             uuid.UUID
	PaymentID         uuid.UUID
	InvoiceID         uuid.UUID
	InvoiceNumber     string
	AmountCents       int64
	DisplayAmount     string // e.g. "2,000.00 USD"
	Currency          string
	IssuedTo          string
	Provider          string
	ProviderPaymentID string
	IssuedAt          time.Time
}
