package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"delivery-route-ledger/internal/canonical"
	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

type WorkerConfig struct {
	Concurrency       int
	BatchSize         int
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	Backoff           Backoff
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// Worker drains the anchor queue in the background so route mutations never
// wait on the ledger.
type Worker struct {
	client *Client
	queue  ports.AnchorQueue
	states ports.AnchorStateStore
	routes ports.RouteStore
	events ports.EventPublisher
	cfg    WorkerConfig

	// Now is the worker clock.
	Now func() time.Time
}

func NewWorker(
	client *Client,
	queue ports.AnchorQueue,
	states ports.AnchorStateStore,
	routes ports.RouteStore,
	events ports.EventPublisher,
	cfg WorkerConfig,
) *Worker {
	return &Worker{
		client: client,
		queue:  queue,
		states: states,
		routes: routes,
		events: events,
		cfg:    cfg.withDefaults(),
		Now:    time.Now,
	}
}

// Run polls the queue until ctx is cancelled, reconciling periodically.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	reconcile := time.NewTicker(w.cfg.ReconcileInterval)
	defer reconcile.Stop()

	log.Printf("anchor worker started concurrency=%d poll=%s", w.cfg.Concurrency, w.cfg.PollInterval)

	if _, err := w.Reconcile(ctx); err != nil {
		log.Printf("anchor reconcile failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("anchor worker stopped")
			return nil
		case <-poll.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("anchor worker batch failed: %v", err)
			}
		case <-reconcile.C:
			if _, err := w.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Printf("anchor reconcile failed: %v", err)
			}
		}
	}
}

// RunOnce claims one batch of due jobs and processes them with bounded
// concurrency. It returns the number of jobs processed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.Claim(ctx, w.Now(), w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("anchor worker: claim: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(job domain.AnchorJob) {
			defer wg.Done()
			defer func() { <-sem }()

			w.process(ctx, job)
		}(job)
	}

	wg.Wait()
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job domain.AnchorJob) {
	st, err := w.states.GetAnchorState(ctx, job.RouteID)
	if err != nil {
		w.retry(ctx, job, domain.AnchorState{}, fmt.Errorf("read anchor state: %w", err))
		return
	}
	if job.Version < st.AnchoredVersion {
		log.Printf("anchor skip route_id=%s version=%d anchored_version=%d reason=superseded",
			job.RouteID, job.Version, st.AnchoredVersion)
		w.ack(ctx, job)
		return
	}

	receipt, kind, err := w.client.Anchor(ctx, job)
	if err != nil {
		if Permanent(err) {
			w.fail(ctx, job, job.Attempts+1, err)
			return
		}
		w.retry(ctx, job, st, err)
		return
	}

	applied, err := w.states.MarkAnchored(ctx, receipt)
	if err != nil {
		// The ledger has the fingerprint; the retry resolves as already applied.
		w.retry(ctx, job, st, fmt.Errorf("mark anchored: %w", err))
		return
	}
	w.ack(ctx, job)

	if !applied {
		w.discardLate(ctx, job, receipt)
		return
	}

	log.Printf("anchor confirmed route_id=%s version=%d fp=%s tx=%s already_applied=%t",
		job.RouteID, job.Version, job.Fingerprint.Short(), receipt.TxRef, receipt.AlreadyApplied)

	if w.events != nil {
		w.events.Publish(domain.AnchorEvent{
			Kind:        kind,
			RouteID:     job.RouteID,
			Version:     job.Version,
			Fingerprint: job.Fingerprint,
			TxRef:       receipt.TxRef,
			Timestamp:   receipt.AnchoredAt,
		})
	}
}

// discardLate handles a receipt for a version older than the one already
// anchored. Bookkeeping is left alone. If this call wrote to the ledger it may
// have overwritten the newer fingerprint, so the live version is queued again.
func (w *Worker) discardLate(ctx context.Context, job domain.AnchorJob, receipt domain.AnchorReceipt) {
	st, err := w.states.GetAnchorState(ctx, job.RouteID)
	if err != nil || st.AnchoredVersion <= job.Version {
		return
	}

	log.Printf("anchor late receipt discarded route_id=%s version=%d anchored_version=%d",
		job.RouteID, job.Version, st.AnchoredVersion)

	if receipt.AlreadyApplied {
		return
	}
	if err := w.enqueueLive(ctx, job.RouteID); err != nil {
		log.Printf("anchor requeue after late receipt failed route_id=%s: %v", job.RouteID, err)
	}
}

// retry reschedules job, or fails it once the horizon has passed. The horizon
// runs from the earlier of the job's enqueue time and the first failed attempt
// recorded for the route, so newer versions coalescing into the queue do not
// restart it.
func (w *Worker) retry(ctx context.Context, job domain.AnchorJob, st domain.AnchorState, cause error) {
	now := w.Now()
	attempts := job.Attempts + 1

	since := job.EnqueuedAt
	if st.RetryingSince != nil && st.RetryingSince.Before(since) {
		since = *st.RetryingSince
	}
	if w.cfg.Backoff.Exhausted(since, now) {
		w.fail(ctx, job, attempts, cause)
		return
	}

	if err := w.states.MarkAttempt(ctx, job.RouteID, job.Version, attempts, cause.Error(), now); err != nil {
		log.Printf("anchor mark attempt failed route_id=%s: %v", job.RouteID, err)
	}

	delay := w.cfg.Backoff.Next(attempts)
	job.Attempts = attempts
	if err := w.queue.Retry(ctx, job, now.Add(delay)); err != nil {
		log.Printf("anchor requeue failed route_id=%s version=%d: %v", job.RouteID, job.Version, err)
		return
	}
	log.Printf("anchor retry route_id=%s version=%d attempts=%d next_in=%s err=%v",
		job.RouteID, job.Version, attempts, delay, cause)
}

// fail escalates the job to anchor_failed so an operator sees it.
func (w *Worker) fail(ctx context.Context, job domain.AnchorJob, attempts int, cause error) {
	if err := w.states.MarkFailed(ctx, job.RouteID, job.Version, attempts, cause.Error()); err != nil {
		log.Printf("anchor mark failed failed route_id=%s: %v", job.RouteID, err)
	}
	w.ack(ctx, job)

	log.Printf("anchor failed route_id=%s version=%d attempts=%d err=%v", job.RouteID, job.Version, attempts, cause)

	if w.events != nil {
		w.events.Publish(domain.AnchorEvent{
			Kind:        domain.AnchorFailed,
			RouteID:     job.RouteID,
			Version:     job.Version,
			Fingerprint: job.Fingerprint,
			Timestamp:   w.Now(),
		})
	}
}

func (w *Worker) ack(ctx context.Context, job domain.AnchorJob) {
	if err := w.queue.Ack(ctx, job); err != nil {
		log.Printf("anchor ack failed route_id=%s version=%d: %v", job.RouteID, job.Version, err)
	}
}

// Reconcile queues an anchor for every live route whose newest version is
// neither anchored nor queued, recovering jobs lost between a store write and
// its enqueue. Routes marked anchor_failed wait for an operator retry.
func (w *Worker) Reconcile(ctx context.Context) (int, error) {
	routes, err := w.routes.ListRoutes(ctx, ports.RouteFilter{})
	if err != nil {
		return 0, fmt.Errorf("anchor reconcile: list routes: %w", err)
	}

	n := 0
	for _, r := range routes {
		st, err := w.states.GetAnchorState(ctx, r.RouteID)
		if err != nil {
			return n, fmt.Errorf("anchor reconcile: state %q: %w", r.RouteID, err)
		}
		if !st.Pending(r.Version) || st.Failed {
			continue
		}
		queued, err := w.queue.Pending(ctx, r.RouteID)
		if err != nil {
			return n, fmt.Errorf("anchor reconcile: pending %q: %w", r.RouteID, err)
		}
		if queued {
			continue
		}

		job, err := liveJob(r, w.Now())
		if err != nil {
			log.Printf("anchor reconcile skipped route_id=%s: %v", r.RouteID, err)
			continue
		}
		if err := w.queue.Enqueue(ctx, job); err != nil {
			return n, fmt.Errorf("anchor reconcile: enqueue %q: %w", r.RouteID, err)
		}
		log.Printf("anchor reconcile enqueued route_id=%s version=%d", r.RouteID, r.Version)
		n++
	}
	return n, nil
}

func (w *Worker) enqueueLive(ctx context.Context, routeID string) error {
	r, err := w.routes.GetRoute(ctx, routeID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	job, err := liveJob(r, w.Now())
	if err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, job)
}

// liveJob builds the anchor job for the route's current version using the
// fingerprint recorded when that version was committed.
func liveJob(r *domain.Route, now time.Time) (domain.AnchorJob, error) {
	fp, ok := r.FingerprintAt(r.Version)
	if !ok {
		var err error
		fp, err = canonical.FingerprintAt(r)
		if err != nil {
			return domain.AnchorJob{}, err
		}
	}
	return domain.NewAnchorJob(r, fp, now), nil
}
