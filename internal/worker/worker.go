package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler processes one claimed job. The context carries the job's org.
type Handler func(ctx context.Context, job *jobs.Job) error

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance
	WorkerID string

	// PollInterval is how often to check for new jobs
	PollInterval time.Duration

	// MaxConcurrency is the maximum number of jobs to process concurrently
	MaxConcurrency int

	// Queue name to process (empty string = all queues)
	Queue string
}

// Worker processes background jobs
type Worker struct {
	config   Config
	store    jobs.Store
	handlers map[string]Handler
	logger   zerolog.Logger
	inflight sync.WaitGroup
}

// NewWorker creates a new background job worker
func NewWorker(store jobs.Store, config Config, logger zerolog.Logger) *Worker {
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 5
	}

	return &Worker{
		config:   config,
		store:    store,
		handlers: make(map[string]Handler),
		logger:   logger.With().Str("component", "worker").Str("worker_id", config.WorkerID).Logger(),
	}
}

// Handle registers h for jobType. Register every handler before Start.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Start begins processing jobs until the context is cancelled, then waits
// for in-flight jobs to finish.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Str("queue", w.config.Queue).
		Dur("poll_interval", w.config.PollInterval).
		Int("max_concurrency", w.config.MaxConcurrency).
		Msg("worker starting")

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, w.config.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker shutting down")
			w.inflight.Wait()
			return ctx.Err()

		case <-ticker.C:
			select {
			case sem <- struct{}{}:
				w.inflight.Add(1)
				go func() {
					defer w.inflight.Done()
					defer func() { <-sem }()
					// In-flight jobs finish even when Start's context ends.
					w.claimAndProcess(context.WithoutCancel(ctx))
				}()
			default:
				// At max concurrency, skip this poll
			}
		}
	}
}

// claimAndProcess claims and processes a single job. It reports whether a
// job was claimed.
func (w *Worker) claimAndProcess(ctx context.Context) bool {
	job, err := w.store.ClaimNextJob(ctx, w.config.WorkerID, w.config.Queue)
	if err != nil {
		if !errors.Is(err, jobs.ErrNoJob) {
			w.logger.Error().Err(err).Msg("failed to claim job")
		}
		return false
	}

	log := w.logger.With().
		Str("job_id", job.ID.String()).
		Str("job_type", job.JobType).
		Str("org_id", job.OrgID.String()).
		Int32("retry_count", job.RetryCount).
		Logger()
	log.Info().Msg("processing job")

	if err := w.processJob(log.WithContext(ctx), job); err != nil {
		log.Error().Err(err).Msg("job failed")
		if ferr := w.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to record job failure")
		}
		return true
	}

	log.Info().Msg("job completed")
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark job complete")
	}
	return true
}

// processJob processes a single job
func (w *Worker) processJob(ctx context.Context, job *jobs.Job) (err error) {
	h, ok := w.handlers[job.JobType]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	jobCtx, cancel := context.WithTimeout(withOrgContext(ctx, job), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", job.JobType, r)
		}
	}()
	return h(jobCtx, job)
}

// RunOnce claims and processes at most one job. Useful for draining a queue
// from the CLI and in tests.
func (w *Worker) RunOnce(ctx context.Context) bool {
	return w.claimAndProcess(ctx)
}
