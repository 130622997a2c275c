package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReceiptStore persists receipts, one per payment.
type ReceiptStore interface {
	// UpsertReceipt inserts r or replaces the receipt for r.PaymentID.
	UpsertReceipt(ctx context.Context, r *Receipt) (*Receipt, error)
}

// WaiverGenerator produces conditional lien waivers for a payment.
type WaiverGenerator interface {
	GenerateConditionalWaiver(ctx context.Context, paymentID, orgID uuid.UUID) error
}

// AccountingQueue hands payments to the external accounting sync worker.
type AccountingQueue interface {
	EnqueuePaymentSync(ctx context.Context, paymentID, orgID uuid.UUID) error
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	OrgID     uuid.UUID
	ActorID   uuid.UUID // uuid.Nil for payers
	Entity    string
	EntityID  uuid.UUID
	Action    string
	Data      map[string]any
	CreatedAt time.Time
}

// AuditLog appends audit entries.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// PaymentRecordedEvent is published once per newly recorded succeeded payment.
type PaymentRecordedEvent struct {
	OrgID       uuid.UUID     `json:"org_id"`
	InvoiceID   uuid.UUID     `json:"invoice_id"`
	PaymentID   uuid.UUID     `json:"payment_id"`
	AmountCents int64         `json:"amount_cents"`
	Status      PaymentStatus `json:"status"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// EventPublisher publishes domain events to subscribers outside this service.
type EventPublisher interface {
	PublishPaymentRecorded(ctx context.Context, evt PaymentRecordedEvent) error
}
