package worker

import (
	"context"
	"time"

	"github.com/dukerupert/trestle/internal/events"
	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher forwards job work to downstream services.
type Publisher interface {
	Publish(ctx context.Context, name, orgID string, v any) error
}

// PaymentTask is the message forwarded for accounting sync and waiver jobs.
type PaymentTask struct {
	JobID     uuid.UUID `json:"job_id"`
	PaymentID uuid.UUID `json:"payment_id"`
	OrgID     uuid.UUID `json:"org_id"`
	Attempt   int32     `json:"attempt"`
}

// ForwardPaymentJob publishes the job's payment to subject. A failed publish
// fails the job, so the job table retries it.
func ForwardPaymentJob(pub Publisher, subject string) Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		payload, err := jobs.DecodePaymentPayload(job)
		if err != nil {
			return err
		}
		return pub.Publish(ctx, subject, job.OrgID.String(), PaymentTask{
			JobID:     job.ID,
			PaymentID: payload.PaymentID,
			OrgID:     job.OrgID,
			Attempt:   job.RetryCount + 1,
		})
	}
}

// CleanupExpiredLinks purges pay links that expired more than retention ago.
func CleanupExpiredLinks(purger jobs.LinkPurger, retention time.Duration) Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		result, err := jobs.ProcessCleanupJob(ctx, purger, time.Now(), retention)
		if err != nil {
			return err
		}
		zerolog.Ctx(ctx).Info().
			Int64("links_deleted", result.LinksDeleted).
			Int64("nonces_deleted", result.NoncesDeleted).
			Msg("expired pay links purged")
		return nil
	}
}

// RegisterPaymentHandlers wires the standard payment job handlers.
func RegisterPaymentHandlers(w *Worker, pub Publisher, purger jobs.LinkPurger, retention time.Duration) {
	w.Handle(jobs.JobTypeAccountingSync, ForwardPaymentJob(pub, events.SubjectAccountingSync))
	w.Handle(jobs.JobTypeConditionalWaiver, ForwardPaymentJob(pub, events.SubjectWaiverRequested))
	if purger != nil {
		w.Handle(jobs.JobTypeCleanupExpiredLink, CleanupExpiredLinks(purger, retention))
	}
}
