package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"delivery-route-ledger/internal/canonical"
	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"
)

const (
	SourceLive    = "live"
	SourceArchive = "archive"
)

// Verifier compares live routes against their ledger anchors.
type Verifier struct {
	routes  ports.RouteStore
	states  ports.AnchorStateStore
	ledger  ports.AnchorLedger
	queue   ports.AnchorQueue
	archive ports.RouteArchive

	// Concurrency bounds VerifyAll.
	Concurrency int
	Now         func() time.Time
}

func NewVerifier(routes ports.RouteStore, states ports.AnchorStateStore, ledger ports.AnchorLedger) *Verifier {
	return &Verifier{
		routes:      routes,
		states:      states,
		ledger:      ledger,
		Concurrency: 4,
		Now:         time.Now,
	}
}

// WithArchive makes Verify fall back to archived routes that have left the live store.
func (v *Verifier) WithArchive(archive ports.RouteArchive) *Verifier {
	v.archive = archive
	return v
}

// WithQueue lets Status report whether an anchor job is queued.
func (v *Verifier) WithQueue(queue ports.AnchorQueue) *Verifier {
	v.queue = queue
	return v
}

// Verify recomputes the route's fingerprint and compares it with the ledger.
//
// A mismatch is reported as pending when the live document still matches the
// fingerprint recorded for its own version and the ledger holds the
// fingerprint of an earlier recorded version. Any other mismatch is an
// unexplained divergence.
func (v *Verifier) Verify(ctx context.Context, routeID string) (res domain.VerificationResult, err error) {
	defer obs.Time(ctx, "verify")(&err)

	res = domain.VerificationResult{RouteID: routeID, CheckedAt: v.Now()}

	live, source, err := v.loadRoute(ctx, routeID)
	if err != nil {
		return res, fmt.Errorf("verify %q: %w", routeID, err)
	}

	rec, err := v.ledger.Read(ctx, routeID)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return res, fmt.Errorf("verify %q: ledger read: %w", routeID, err)
	}

	if live == nil && !hasRecord {
		return res, fmt.Errorf("verify %q: %w", routeID, domain.ErrNotFound)
	}
	if hasRecord {
		res.Ledger = rec.Fingerprint
	}

	if live == nil {
		res.Outcome = domain.OutcomeMissingRoute
		res.Detail = domain.DetailMissingRoute
		log.Printf("tamper detected route_id=%s actor=%s detail=%q ledger=%s",
			routeID, rec.AnchoringActor, res.Detail, rec.Fingerprint.Short())
		return res, nil
	}

	res.Source = source
	res.LiveVersion = live.Version

	computed, err := canonical.FingerprintAt(live)
	if err != nil {
		return res, fmt.Errorf("verify %q: %w", routeID, err)
	}
	res.Computed = computed

	if !hasRecord {
		res.Outcome = domain.OutcomeNeverAnchored
		res.Detail = domain.DetailNeverAnchored
		return res, nil
	}

	if computed == rec.Fingerprint {
		res.Verified = true
		res.Outcome = domain.OutcomeVerified
		res.Detail = domain.DetailVerified
		res.MatchedVersion = live.Version
		return res, nil
	}

	st, err := v.states.GetAnchorState(ctx, routeID)
	if err != nil {
		return res, fmt.Errorf("verify %q: anchor state: %w", routeID, err)
	}

	// Stale only while an anchor is outstanding and the ledger holds a version
	// at or after the last one confirmed locally. A ledger that went backwards
	// is a divergence.
	if recorded, ok := live.FingerprintAt(live.Version); ok && recorded == computed && st.Pending(live.Version) {
		if anchored := live.VersionOf(rec.Fingerprint); anchored > 0 && anchored < live.Version && anchored >= st.AnchoredVersion {
			res.MatchedVersion = anchored
			res.UnanchoredMutations = live.Version - anchored
			res.Outcome = domain.OutcomePendingAnchor
			prefix := "pending anchor"
			if st.Failed {
				res.Outcome = domain.OutcomeAnchorFailed
				prefix = "anchor failed"
			}
			res.Detail = domain.PendingDetail(prefix, res.UnanchoredMutations)
			return res, nil
		}
	}

	res.Outcome = domain.OutcomeDivergence
	res.Detail = domain.DetailDivergence
	log.Printf("tamper detected route_id=%s actor=%s version=%d computed=%s ledger=%s",
		routeID, live.Actor, live.Version, computed.Short(), rec.Fingerprint.Short())
	return res, nil
}

func (v *Verifier) loadRoute(ctx context.Context, routeID string) (*domain.Route, string, error) {
	r, err := v.routes.GetRoute(ctx, routeID)
	if err == nil {
		return r, SourceLive, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", err
	}
	if v.archive == nil {
		return nil, "", nil
	}

	r, err = v.archive.LoadRoute(ctx, routeID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("archive: %w", err)
	}
	return r, SourceArchive, nil
}

type verifyOutcome struct {
	idx int
	res domain.VerificationResult
	err error
}

// VerifyAll verifies every live route. Per-route failures are returned in
// errs keyed by route id; results hold the routes that could be checked.
func (v *Verifier) VerifyAll(ctx context.Context) (results []domain.VerificationResult, errs map[string]error, err error) {
	routes, err := v.routes.ListRoutes(ctx, ports.RouteFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("verify all: list routes: %w", err)
	}

	limit := v.Concurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	outCh := make(chan verifyOutcome, len(routes))
	var wg sync.WaitGroup

	for i, r := range routes {
		wg.Add(1)
		go func(idx int, routeID string) {
			sem <- struct{}{}
			defer wg.Done()
			defer func() { <-sem }()

			res, err := v.Verify(ctx, routeID)
			outCh <- verifyOutcome{idx: idx, res: res, err: err}
		}(i, r.RouteID)
	}

	wg.Wait()
	close(outCh)

	ordered := make([]*verifyOutcome, len(routes))
	for out := range outCh {
		ordered[out.idx] = &out
	}

	errs = make(map[string]error)
	results = make([]domain.VerificationResult, 0, len(routes))
	for i, out := range ordered {
		if out.err != nil {
			errs[routes[i].RouteID] = out.err
			continue
		}
		results = append(results, out.res)
	}
	return results, errs, nil
}

// AnchorStatus is the operator view of one route's anchoring.
type AnchorStatus struct {
	RouteID     string               `json:"route_id"`
	LiveVersion int64                `json:"live_version"`
	Pending     bool                 `json:"pending_anchor"`
	Queued      bool                 `json:"queued"`
	State       domain.AnchorState   `json:"state"`
	Ledger      *domain.AnchorRecord `json:"ledger,omitempty"`
}

// Status combines local anchor bookkeeping with the ledger record.
func (v *Verifier) Status(ctx context.Context, routeID string) (AnchorStatus, error) {
	out := AnchorStatus{RouteID: routeID}

	r, err := v.routes.GetRoute(ctx, routeID)
	if err != nil {
		return out, fmt.Errorf("anchor status: %w", err)
	}
	out.LiveVersion = r.Version

	st, err := v.states.GetAnchorState(ctx, routeID)
	if err != nil {
		return out, fmt.Errorf("anchor status: %w", err)
	}
	out.State = st
	out.Pending = st.Pending(r.Version)

	rec, err := v.ledger.Read(ctx, routeID)
	switch {
	case err == nil:
		out.Ledger = &rec
	case errors.Is(err, domain.ErrNotFound):
	default:
		return out, fmt.Errorf("anchor status: ledger read: %w", err)
	}

	if v.queue != nil {
		queued, err := v.queue.Pending(ctx, routeID)
		if err != nil {
			return out, fmt.Errorf("anchor status: queue: %w", err)
		}
		out.Queued = queued
	}
	return out, nil
}
