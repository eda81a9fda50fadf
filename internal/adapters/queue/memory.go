package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"delivery-route-ledger/internal/domain"
)

// DefaultLease is how long a claimed job stays invisible before it is handed out again.
const DefaultLease = 5 * time.Minute

type lease struct {
	job   domain.AnchorJob
	until time.Time
}

// MemoryQueue is an in-process AnchorQueue. At most one job per route is
// claimed at a time, and queued jobs coalesce to the newest version.
type MemoryQueue struct {
	mu       sync.Mutex
	queued   map[string]domain.AnchorJob
	inflight map[string]lease
	lease    time.Duration
}

func NewMemoryQueue(leaseFor time.Duration) *MemoryQueue {
	if leaseFor <= 0 {
		leaseFor = DefaultLease
	}
	return &MemoryQueue{
		queued:   make(map[string]domain.AnchorJob),
		inflight: make(map[string]lease),
		lease:    leaseFor,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job domain.AnchorJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.queued[job.RouteID]; ok && cur.Version >= job.Version {
		return nil
	}
	if cur, ok := q.inflight[job.RouteID]; ok && cur.job.Version >= job.Version {
		return nil
	}
	q.queued[job.RouteID] = job
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]domain.AnchorJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for routeID, l := range q.inflight {
		if now.Before(l.until) {
			continue
		}
		delete(q.inflight, routeID)
		if cur, ok := q.queued[routeID]; !ok || cur.Version < l.job.Version {
			l.job.NextAttemptAt = now
			q.queued[routeID] = l.job
		}
	}

	due := make([]domain.AnchorJob, 0, len(q.queued))
	for routeID, job := range q.queued {
		if job.NextAttemptAt.After(now) {
			continue
		}
		if _, busy := q.inflight[routeID]; busy {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].RouteID < due[j].RouteID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, job := range due {
		delete(q.queued, job.RouteID)
		q.inflight[job.RouteID] = lease{job: job, until: now.Add(q.lease)}
	}
	return due, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, job domain.AnchorJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.inflight[job.RouteID]; ok && l.job.Version == job.Version {
		delete(q.inflight, job.RouteID)
	}
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, job domain.AnchorJob, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.inflight[job.RouteID]; ok && l.job.Version == job.Version {
		delete(q.inflight, job.RouteID)
	}
	if cur, ok := q.queued[job.RouteID]; ok && cur.Version >= job.Version {
		return nil
	}
	job.NextAttemptAt = next
	q.queued[job.RouteID] = job
	return nil
}

func (q *MemoryQueue) Pending(ctx context.Context, routeID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, queued := q.queued[routeID]
	_, claimed := q.inflight[routeID]
	return queued || claimed, nil
}

// Len returns the number of queued and claimed jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) + len(q.inflight)
}
