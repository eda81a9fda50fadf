package ports

import (
	"context"
	"time"

	"delivery-route-ledger/internal/domain"
)

// AnchorQueue is the local at-least-once outbox for anchor jobs.
//
// Jobs coalesce per route: enqueueing version N replaces any queued job with a
// lower version and is ignored if a job with version >= N is already queued.
type AnchorQueue interface {
	Enqueue(ctx context.Context, job domain.AnchorJob) error
	// Claim leases up to limit jobs due at now. A claimed job is invisible to
	// other claimers until it is acked, retried, or its lease expires.
	Claim(ctx context.Context, now time.Time, limit int) ([]domain.AnchorJob, error)
	// Ack removes the claimed job unless a newer version was enqueued meanwhile.
	Ack(ctx context.Context, job domain.AnchorJob) error
	// Retry requeues the claimed job for next unless superseded.
	Retry(ctx context.Context, job domain.AnchorJob, next time.Time) error
	// Pending reports whether a job for routeID is queued or claimed.
	Pending(ctx context.Context, routeID string) (bool, error)
}
