package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
)

// Job type constants for payment jobs
const (
	JobTypeAccountingSync     = "payment:accounting_sync"
	JobTypeConditionalWaiver  = "payment:conditional_waiver"
	JobTypeCleanupExpiredLink = "paylink:cleanup_expired"
)

// QueuePayments is the queue payment follow-up jobs run on.
const QueuePayments = "payments"

// PaymentPayload is the payload of every per-payment job.
type PaymentPayload struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

// Queue enqueues payment follow-up work into the jobs table. It serves as
// both the accounting queue and the waiver generator for side effects.
type Queue struct {
	store Store
	now   func() time.Time
}

var (
	_ domain.AccountingQueue = (*Queue)(nil)
	_ domain.WaiverGenerator = (*Queue)(nil)
)

// NewQueue creates a Queue backed by store.
func NewQueue(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// EnqueuePaymentSync enqueues a job to push the payment to the accounting system.
func (q *Queue) EnqueuePaymentSync(ctx context.Context, paymentID, orgID uuid.UUID) error {
	return q.enqueuePayment(ctx, JobTypeAccountingSync, paymentID, orgID, 80, 5)
}

// GenerateConditionalWaiver enqueues a job to generate the conditional lien
// waiver for the payment.
func (q *Queue) GenerateConditionalWaiver(ctx context.Context, paymentID, orgID uuid.UUID) error {
	return q.enqueuePayment(ctx, JobTypeConditionalWaiver, paymentID, orgID, 100, 3)
}

func (q *Queue) enqueuePayment(ctx context.Context, jobType string, paymentID, orgID uuid.UUID, priority, maxRetries int32) error {
	payloadJSON, err := json.Marshal(PaymentPayload{PaymentID: paymentID})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = q.store.EnqueueJob(ctx, EnqueueParams{
		OrgID:          orgID,
		JobType:        jobType,
		Queue:          QueuePayments,
		Payload:        payloadJSON,
		Priority:       priority,
		MaxRetries:     maxRetries,
		ScheduledAt:    q.now(),
		TimeoutSeconds: 60,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return nil
}

// DecodePaymentPayload reads the payload of a payment job.
func DecodePaymentPayload(job *Job) (PaymentPayload, error) {
	var payload PaymentPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}
	if payload.PaymentID == uuid.Nil {
		return payload, fmt.Errorf("payment payload for job %s has no payment_id", job.ID)
	}
	return payload, nil
}
