// Package worker provides background job processing for Trestle.
package worker

import (
	"context"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/google/uuid"
)

// withOrgContext puts the job's org into ctx so services called from a
// handler see the same org scoping as an HTTP request. Maintenance jobs
// carry no org and get ctx unchanged.
func withOrgContext(ctx context.Context, job *jobs.Job) context.Context {
	if job.OrgID == uuid.Nil {
		return ctx
	}
	return domain.NewContextWithOrg(ctx, &domain.Org{ID: job.OrgID})
}
