package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ErrIntentInvoiceMismatch is returned when a confirmed intent belongs to
// a different invoice than the link presenting it.
var ErrIntentInvoiceMismatch = &Error{Code: ENOTFOUND, Message: "Payment intent not found"}

// PaymentIntent mirrors a provider-side payment intent.
// IdempotencyKey equals ProviderIntentID and is unique.
type PaymentIntent struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	InvoiceID        uuid.UUID
	Provider         string
	ProviderIntentID string
	Status           string
	AmountCents      int64
	Currency         string
	ClientSecret     string
	IdempotencyKey   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IntentStore persists local intent mirrors.
type IntentStore interface {
	// InsertIntent inserts pi or returns the row already holding its idempotency key.
	InsertIntent(ctx context.Context, pi *PaymentIntent) (*PaymentIntent, error)

	// UpdateIntentStatus mirrors a provider status. Unknown intents are ignored.
	UpdateIntentStatus(ctx context.Context, providerIntentID, status string) error
}

// CreatePaymentIntentParams selects the invoice by Token or by InvoiceID
// with an org in context. AmountCents <= 0 means the outstanding balance.
type CreatePaymentIntentParams struct {
	InvoiceID   uuid.UUID
	Token       string
	AmountCents int64
}

// ConfirmPaymentParams confirms a provider intent presented through a pay link.
type ConfirmPaymentParams struct {
	Token            string
	ProviderIntentID string
}

// PaymentIntentService starts and confirms provider checkouts.
type PaymentIntentService interface {
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// ConfirmPayment fetches the provider intent and records it once succeeded.
	ConfirmPayment(ctx context.Context, params ConfirmPaymentParams) (*Payment, error)

	// SyncIntent pulls the provider's view of an intent, mirrors its status,
	// and records or transitions the matching payment. Returns nil when the
	// intent has nothing to record yet.
	SyncIntent(ctx context.Context, providerIntentID string) (*Payment, error)

	// RefundIntent marks the payment for a fully refunded intent as refunded.
	RefundIntent(ctx context.Context, providerIntentID string) (*Payment, error)
}
