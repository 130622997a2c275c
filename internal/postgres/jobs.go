package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnqueueJob inserts a pending job.
func (s *Store) EnqueueJob(ctx context.Context, params jobs.EnqueueParams) (uuid.UUID, error) {
	scheduledAt := params.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		INSERT INTO jobs (org_id, job_type, queue, payload, priority, max_retries, scheduled_at, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		params.OrgID, params.JobType, params.Queue, payload, params.Priority,
		params.MaxRetries, scheduledAt, params.TimeoutSeconds,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, domain.Internal(err, "job.enqueue", "failed to enqueue job")
	}
	return id, nil
}

// ClaimNextJob claims the highest priority ready job. SKIP LOCKED lets
// several workers poll the same queue without blocking each other.
func (s *Store) ClaimNextJob(ctx context.Context, workerID, queue string) (*jobs.Job, error) {
	var job jobs.Job
	err := s.db.QueryRow(ctx, `
		UPDATE jobs SET status = 'processing', worker_id = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_at <= NOW()
			  AND ($2 = '' OR queue = $2)
			ORDER BY priority DESC, scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, org_id, job_type, queue, payload, priority, retry_count, max_retries,
			timeout_seconds, scheduled_at`,
		workerID, queue,
	).Scan(
		&job.ID,
		&job.OrgID,
		&job.JobType,
		&job.Queue,
		&job.Payload,
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&job.TimeoutSeconds,
		&job.ScheduledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNoJob
		}
		return nil, domain.Internal(err, "job.claim", "failed to claim job")
	}
	return &job, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return domain.Internal(err, "job.complete", "failed to complete job")
	}
	return nil
}

// FailJob records a failure. The job is retried with exponential backoff
// until max_retries is reached, then marked failed.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE jobs SET
			retry_count   = retry_count + 1,
			error_message = $2,
			worker_id     = NULL,
			status        = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			completed_at  = CASE WHEN retry_count + 1 >= max_retries THEN NOW() END,
			scheduled_at  = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at
			                     ELSE NOW() + make_interval(secs => 10 * power(2, retry_count)) END
		WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return domain.Internal(err, "job.fail", "failed to record job failure")
	}
	return nil
}
