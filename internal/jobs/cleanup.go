package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CleanupPayload is intentionally empty: the job purges expired links for
// every org.
type CleanupPayload struct{}

// LinkPurger deletes pay links and nonces that expired before a cutoff.
type LinkPurger interface {
	PurgeExpiredLinks(ctx context.Context, before time.Time) (CleanupResult, error)
}

// CleanupResult holds the result of a cleanup operation
type CleanupResult struct {
	LinksDeleted  int64 `json:"links_deleted"`
	NoncesDeleted int64 `json:"nonces_deleted"`
}

// EnqueueCleanupExpiredLinks enqueues a job to purge expired pay links.
// Run it on a schedule; a missed run is picked up by the next one.
func EnqueueCleanupExpiredLinks(ctx context.Context, store Store, scheduledAt time.Time) error {
	_, err := store.EnqueueJob(ctx, EnqueueParams{
		OrgID:          uuid.Nil,
		JobType:        JobTypeCleanupExpiredLink,
		Queue:          "cleanup",
		Payload:        []byte("{}"),
		Priority:       10, // maintenance
		MaxRetries:     1,  // the next scheduled run retries
		ScheduledAt:    scheduledAt,
		TimeoutSeconds: 60,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", JobTypeCleanupExpiredLink, err)
	}
	return nil
}

// ProcessCleanupJob purges links that expired more than retention ago.
func ProcessCleanupJob(ctx context.Context, purger LinkPurger, now time.Time, retention time.Duration) (CleanupResult, error) {
	result, err := purger.PurgeExpiredLinks(ctx, now.Add(-retention))
	if err != nil {
		return result, fmt.Errorf("purge expired links: %w", err)
	}
	return result, nil
}
