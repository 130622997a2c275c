// Package jobs defines background job types and the queue they run on.
//
// Jobs live in the Postgres jobs table. Producers call the Enqueue helpers;
// internal/worker claims jobs and runs the handler registered for their type.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoJob is returned by ClaimNextJob when no job is ready.
var ErrNoJob = errors.New("jobs: no job available")

// Job is a claimed unit of background work.
type Job struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	JobType        string
	Queue          string
	Payload        []byte
	Priority       int32
	RetryCount     int32
	MaxRetries     int32
	TimeoutSeconds int32
	ScheduledAt    time.Time
}

// EnqueueParams describes a job to insert.
type EnqueueParams struct {
	OrgID          uuid.UUID
	JobType        string
	Queue          string
	Payload        []byte
	Priority       int32
	MaxRetries     int32
	ScheduledAt    time.Time
	TimeoutSeconds int32
}

// Store is the persistence behind the job queue.
type Store interface {
	EnqueueJob(ctx context.Context, params EnqueueParams) (uuid.UUID, error)

	// ClaimNextJob locks the highest priority ready job in queue (any queue
	// when empty) for workerID. Returns ErrNoJob when there is none.
	ClaimNextJob(ctx context.Context, workerID, queue string) (*Job, error)

	CompleteJob(ctx context.Context, id uuid.UUID) error

	// FailJob records the error and reschedules the job, or marks it failed
	// once its retries are used up.
	FailJob(ctx context.Context, id uuid.UUID, message string) error
}
