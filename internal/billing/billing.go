package billing

import (
	"context"
	"time"
)

// Provider defines the payment processor operations pay links rely on.
// Card and ACH handling stay inside the provider; this side only sees
// intents, their status, and signed webhook deliveries.
type Provider interface {
	// CreatePaymentIntent creates a payment intent for one invoice.
	// Returns the intent with client_secret for frontend confirmation.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntent retrieves an existing payment intent.
	// SECURITY: returns ErrPaymentIntentNotFound when the intent's org_id
	// metadata does not match params.OrgID.
	GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error)

	// VerifyWebhookSignature verifies that a webhook request is authentic.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// Metadata keys every intent carries so webhooks can be routed back to an invoice.
const (
	MetadataOrgID     = "org_id"
	MetadataProjectID = "project_id"
	MetadataInvoiceID = "invoice_id"
)

// CreatePaymentIntentParams contains parameters for creating a payment intent.
type CreatePaymentIntentParams struct {
	// AmountCents is the amount in smallest currency unit (cents for USD)
	AmountCents int64

	// Currency code (ISO 4217) - e.g., "usd", "cad"
	Currency string

	// Description appears in the Stripe dashboard and on statements
	Description string

	// ReceiptEmail is where Stripe sends its own receipt, if set
	ReceiptEmail string

	// Metadata for routing webhooks (always include org_id, project_id, invoice_id)
	Metadata map[string]string

	// IdempotencyKey prevents duplicate payment intents on retried requests
	IdempotencyKey string
}

// PaymentIntent represents a provider payment intent.
type PaymentIntent struct {
	// ID is the Stripe payment intent ID (pi_...)
	ID string

	// ClientSecret is used by Stripe.js on the pay page to confirm payment
	ClientSecret string

	// AmountCents is the amount in smallest currency unit (cents)
	AmountCents int64

	// Currency code
	Currency string

	// Status: requires_payment_method, processing, succeeded, canceled, etc.
	Status string

	// Metadata passed during creation
	Metadata map[string]string

	// PaymentMethodType is "card", "us_bank_account", ... once a charge exists
	PaymentMethodType string

	// ChargeID is the latest charge (ch_...), if any
	ChargeID string

	// FeeCents is the processor fee from the charge's balance transaction.
	// Zero unless the balance transaction was expanded.
	FeeCents int64

	// CreatedAt is when the payment intent was created
	CreatedAt time.Time

	// LastPaymentError contains details if payment failed
	LastPaymentError *PaymentError
}

// Succeeded reports whether the provider has captured the funds.
func (pi *PaymentIntent) Succeeded() bool {
	return pi.Status == "succeeded"
}

// PaymentError contains details about a failed payment attempt.
type PaymentError struct {
	Code        string // Stripe error code
	Message     string // Human-readable message
	DeclineCode string // Reason card was declined (if applicable)
}

// GetPaymentIntentParams contains parameters for retrieving a payment intent.
type GetPaymentIntentParams struct {
	// PaymentIntentID is the Stripe payment intent ID
	PaymentIntentID string

	// OrgID must match the org_id in payment intent metadata
	OrgID string

	// IncludeFees expands latest_charge.balance_transaction so FeeCents is set
	IncludeFees bool
}
