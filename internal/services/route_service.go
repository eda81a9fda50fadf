package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"delivery-route-ledger/internal/canonical"
	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"
)

type RouteServiceConfig struct {
	MinStops int
	MaxStops int
}

func (c RouteServiceConfig) withDefaults() RouteServiceConfig {
	if c.MinStops <= 0 {
		c.MinStops = 2
	}
	if c.MaxStops <= 0 {
		c.MaxStops = 20
	}
	return c
}

// RouteService is the route state machine. Every committed change to a
// fingerprinted field bumps the version, records the new fingerprint in the
// route history and queues an anchor job. Anchoring itself happens in the
// background worker, so mutations never wait on the ledger.
//
// Mutating operations take the route snapshot the caller read. The store
// write is conditional on that snapshot's version, so a stale caller gets
// ErrConcurrentModification and must reread.
type RouteService struct {
	routes  ports.RouteStore
	states  ports.AnchorStateStore
	queue   ports.AnchorQueue
	policy  ports.AuthorizationPolicy
	archive ports.RouteArchive
	cfg     RouteServiceConfig

	newID func() string
}

func NewRouteService(
	routes ports.RouteStore,
	states ports.AnchorStateStore,
	queue ports.AnchorQueue,
	policy ports.AuthorizationPolicy,
	cfg RouteServiceConfig,
) *RouteService {
	if policy == nil {
		policy = OwnerPolicy{}
	}
	return &RouteService{
		routes: routes,
		states: states,
		queue:  queue,
		policy: policy,
		cfg:    cfg.withDefaults(),
		newID:  uuid.NewString,
	}
}

// WithArchive enables archiving terminal routes before they are deleted.
func (s *RouteService) WithArchive(archive ports.RouteArchive) *RouteService {
	s.archive = archive
	return s
}

type CreateRouteInput struct {
	// RouteID is optional; a UUID is assigned when empty.
	RouteID          string
	Stops            []string
	TotalDistanceKm  float64
	TotalDurationMin float64
	Actor            string
}

// Create stores a new route in status optimized at version 1 and queues its
// first anchor.
func (s *RouteService) Create(ctx context.Context, in CreateRouteInput, now time.Time) (route *domain.Route, err error) {
	defer obs.Time(ctx, "routes.Create")(&err)

	if err := s.validateCreate(in); err != nil {
		return nil, fmt.Errorf("create route: %w", err)
	}

	id := strings.TrimSpace(in.RouteID)
	if id == "" {
		id = s.newID()
	}

	r := &domain.Route{
		RouteID:          id,
		SchemaVersion:    canonical.SchemaVersion,
		Status:           domain.RouteStatusOptimized,
		Stops:            make([]domain.Stop, 0, len(in.Stops)),
		TotalDistanceKm:  in.TotalDistanceKm,
		TotalDurationMin: in.TotalDurationMin,
		Actor:            in.Actor,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, stopID := range in.Stops {
		r.Stops = append(r.Stops, domain.Stop{StopID: stopID, Status: domain.DeliveryPending})
	}

	fp, err := canonical.Fingerprint(r)
	if err != nil {
		return nil, fmt.Errorf("create route: %w", err)
	}
	r.History = []domain.FingerprintEntry{{Version: 1, Fingerprint: fp, RecordedAt: now}}

	if err := s.routes.PutRoute(ctx, r, 0); err != nil {
		return nil, fmt.Errorf("create route: put: %w", err)
	}
	s.enqueue(ctx, r, fp, now)

	log.Printf("route created route_id=%s actor=%s stops=%d fp=%s", r.RouteID, r.Actor, len(r.Stops), fp.Short())
	r.PendingAnchor = true
	return r, nil
}

func (s *RouteService) validateCreate(in CreateRouteInput) error {
	if strings.TrimSpace(in.Actor) == "" {
		return fmt.Errorf("actor is required: %w", domain.ErrInvalidRoute)
	}
	n := len(in.Stops)
	if n == 0 {
		return fmt.Errorf("no stops: %w", domain.ErrInvalidRoute)
	}
	if n < s.cfg.MinStops || n > s.cfg.MaxStops {
		return fmt.Errorf("%d stops, want %d..%d: %w", n, s.cfg.MinStops, s.cfg.MaxStops, domain.ErrInvalidRoute)
	}
	seen := make(map[string]struct{}, n)
	for _, id := range in.Stops {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("empty stop id: %w", domain.ErrInvalidRoute)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate stop %q: %w", id, domain.ErrInvalidRoute)
		}
		seen[id] = struct{}{}
	}
	for _, v := range []float64{in.TotalDistanceKm, in.TotalDurationMin} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("totals must be finite and non-negative: %w", domain.ErrInvalidRoute)
		}
	}
	return nil
}

// Get returns the live route with its anchor flags filled in.
func (s *RouteService) Get(ctx context.Context, routeID string) (*domain.Route, error) {
	r, err := s.routes.GetRoute(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("get route: %w", err)
	}
	if err := s.decorate(ctx, r); err != nil {
		return nil, fmt.Errorf("get route: %w", err)
	}
	return r, nil
}

type ListFilter struct {
	Status      domain.RouteStatus
	Actor       string
	PendingOnly bool
	Limit       int
}

func (s *RouteService) List(ctx context.Context, f ListFilter) ([]*domain.Route, error) {
	storeFilter := ports.RouteFilter{Status: f.Status, Actor: f.Actor, Limit: f.Limit}
	if f.PendingOnly {
		storeFilter.Limit = 0
	}

	routes, err := s.routes.ListRoutes(ctx, storeFilter)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	out := make([]*domain.Route, 0, len(routes))
	for _, r := range routes {
		if err := s.decorate(ctx, r); err != nil {
			return nil, fmt.Errorf("list routes: %w", err)
		}
		if f.PendingOnly && !r.PendingAnchor {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *RouteService) decorate(ctx context.Context, r *domain.Route) error {
	st, err := s.states.GetAnchorState(ctx, r.RouteID)
	if err != nil {
		return fmt.Errorf("anchor state %q: %w", r.RouteID, err)
	}
	r.PendingAnchor = st.Pending(r.Version)
	r.AnchorFailed = st.Failed
	return nil
}

// Transition moves route to status to. Completion goes through Complete so the
// delivery gate always applies.
func (s *RouteService) Transition(ctx context.Context, route *domain.Route, actor string, to domain.RouteStatus, now time.Time) (*domain.Route, error) {
	if to == domain.RouteStatusCompleted {
		return s.Complete(ctx, route, actor, now)
	}
	if err := s.authorize(actor, domain.ActionTransition, route); err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}
	if !to.Valid() || !domain.CanTransition(route.Status, to) {
		return nil, fmt.Errorf("transition %s -> %s: %w", route.Status, to, domain.ErrInvalidTransition)
	}

	next := route.Clone()
	next.Status = to
	if to == domain.RouteStatusInProgress && next.StartedAt == nil {
		t := now
		next.StartedAt = &t
	}
	return s.commit(ctx, route, next, now)
}

// StartStop marks a pending stop as in transit.
func (s *RouteService) StartStop(ctx context.Context, route *domain.Route, actor, stopID string, now time.Time) (*domain.Route, error) {
	if err := s.requireLive(route); err != nil {
		return nil, fmt.Errorf("start stop: %w", err)
	}
	if err := s.authorize(actor, domain.ActionStartStop, route); err != nil {
		return nil, fmt.Errorf("start stop: %w", err)
	}
	if route.Status != domain.RouteStatusInProgress {
		return nil, fmt.Errorf("start stop: route is %s: %w", route.Status, domain.ErrInvalidState)
	}
	i := route.StopIndex(stopID)
	if i < 0 {
		return nil, fmt.Errorf("start stop %q: %w", stopID, domain.ErrNotFound)
	}
	if route.Stops[i].Status != domain.DeliveryPending {
		return nil, fmt.Errorf("start stop %q: stop is %s: %w", stopID, route.Stops[i].Status, domain.ErrInvalidState)
	}

	next := route.Clone()
	next.Stops[i].Status = domain.DeliveryInTransit
	return s.commit(ctx, route, next, now)
}

// ConfirmDelivery records the outcome of a stop and recounts deliveries.
func (s *RouteService) ConfirmDelivery(
	ctx context.Context,
	route *domain.Route,
	actor, stopID string,
	outcome domain.DeliveryStatus,
	note string,
	now time.Time,
) (*domain.Route, error) {
	if err := s.requireLive(route); err != nil {
		return nil, fmt.Errorf("confirm delivery: %w", err)
	}
	if err := s.authorize(actor, domain.ActionConfirmDelivery, route); err != nil {
		return nil, fmt.Errorf("confirm delivery: %w", err)
	}
	if outcome != domain.DeliveryDelivered && outcome != domain.DeliveryFailed {
		return nil, fmt.Errorf("confirm delivery: outcome %q: %w", outcome, domain.ErrInvalidState)
	}
	if route.Status != domain.RouteStatusInProgress {
		return nil, fmt.Errorf("confirm delivery: route is %s: %w", route.Status, domain.ErrInvalidState)
	}
	i := route.StopIndex(stopID)
	if i < 0 {
		return nil, fmt.Errorf("confirm delivery %q: %w", stopID, domain.ErrNotFound)
	}
	if route.Stops[i].Status.Terminal() {
		return nil, fmt.Errorf("confirm delivery %q: stop is %s: %w", stopID, route.Stops[i].Status, domain.ErrInvalidState)
	}

	next := route.Clone()
	confirmed := now
	next.Stops[i].Status = outcome
	next.Stops[i].Note = note
	next.Stops[i].ConfirmedAt = &confirmed
	next.CompletedCount = next.CountDelivered()
	return s.commit(ctx, route, next, now)
}

// Complete closes an in-progress route once every stop is terminal. The
// resulting anchor is the route's final audit record.
func (s *RouteService) Complete(ctx context.Context, route *domain.Route, actor string, now time.Time) (*domain.Route, error) {
	if err := s.authorize(actor, domain.ActionComplete, route); err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	if !domain.CanTransition(route.Status, domain.RouteStatusCompleted) {
		return nil, fmt.Errorf("complete: route is %s: %w", route.Status, domain.ErrInvalidTransition)
	}
	if !route.AllStopsTerminal() {
		return nil, fmt.Errorf("complete: %d of %d stops open: %w",
			len(route.Stops)-countTerminal(route), len(route.Stops), domain.ErrIncompleteDeliveries)
	}

	next := route.Clone()
	next.Status = domain.RouteStatusCompleted
	completed := now
	next.CompletedAt = &completed
	return s.commit(ctx, route, next, now)
}

// Delete removes a route from the live store. Draft and optimized routes may
// be dropped directly; terminal routes are archived first so they stay
// verifiable. The ledger record is never touched.
func (s *RouteService) Delete(ctx context.Context, route *domain.Route, actor string) (err error) {
	defer obs.Time(ctx, "routes.Delete")(&err)

	if err := s.authorize(actor, domain.ActionDelete, route); err != nil {
		return fmt.Errorf("delete route: %w", err)
	}

	switch {
	case route.Status == domain.RouteStatusDraft || route.Status == domain.RouteStatusOptimized:
	case route.Status.Terminal():
		if s.archive == nil {
			return fmt.Errorf("delete route: archive not configured: %w", domain.ErrInvalidState)
		}
	default:
		return fmt.Errorf("delete route: route is %s: %w", route.Status, domain.ErrInvalidState)
	}

	if s.archive != nil {
		if err := s.archive.ArchiveRoute(ctx, route); err != nil {
			return fmt.Errorf("delete route: archive: %w", err)
		}
	}
	if err := s.routes.DeleteRoute(ctx, route.RouteID, route.Version); err != nil {
		return fmt.Errorf("delete route: %w", err)
	}

	log.Printf("route deleted route_id=%s actor=%s status=%s version=%d archived=%t",
		route.RouteID, actor, route.Status, route.Version, s.archive != nil)
	return nil
}

// RetryAnchor re-queues the live version of a route whose anchor was
// escalated to anchor_failed.
func (s *RouteService) RetryAnchor(ctx context.Context, routeID, actor string, now time.Time) (domain.AnchorState, error) {
	r, err := s.routes.GetRoute(ctx, routeID)
	if err != nil {
		return domain.AnchorState{}, fmt.Errorf("retry anchor: %w", err)
	}
	if err := s.authorize(actor, domain.ActionRetryAnchor, r); err != nil {
		return domain.AnchorState{}, fmt.Errorf("retry anchor: %w", err)
	}

	st, err := s.states.GetAnchorState(ctx, routeID)
	if err != nil {
		return domain.AnchorState{}, fmt.Errorf("retry anchor: %w", err)
	}
	if !st.Failed {
		return st, fmt.Errorf("retry anchor: anchor is not failed: %w", domain.ErrInvalidState)
	}

	fp, ok := r.FingerprintAt(r.Version)
	if !ok {
		if fp, err = canonical.FingerprintAt(r); err != nil {
			return st, fmt.Errorf("retry anchor: %w", err)
		}
	}
	if err := s.queue.Enqueue(ctx, domain.NewAnchorJob(r, fp, now)); err != nil {
		return st, fmt.Errorf("retry anchor: enqueue: %w", err)
	}

	log.Printf("anchor retry requested route_id=%s version=%d actor=%s failed_version=%d",
		routeID, r.Version, actor, st.FailedVersion)
	return st, nil
}

// commit stores next as the successor of prev. A change that leaves the
// fingerprint unchanged is not a mutation: nothing is written or anchored.
func (s *RouteService) commit(ctx context.Context, prev, next *domain.Route, now time.Time) (route *domain.Route, err error) {
	defer obs.Time(ctx, "routes.commit")(&err)

	prevFP, ok := prev.FingerprintAt(prev.Version)
	if !ok {
		if prevFP, err = canonical.FingerprintAt(prev); err != nil {
			return nil, fmt.Errorf("commit: previous fingerprint: %w", err)
		}
	}

	next.SchemaVersion = canonical.SchemaVersion
	fp, err := canonical.Fingerprint(next)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if fp == prevFP {
		return prev.Clone(), nil
	}

	next.Version = prev.Version + 1
	next.UpdatedAt = now
	next.History = append(next.History, domain.FingerprintEntry{Version: next.Version, Fingerprint: fp, RecordedAt: now})

	if err := s.routes.PutRoute(ctx, next, prev.Version); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			log.Printf("route conflict route_id=%s expected_version=%d", prev.RouteID, prev.Version)
		}
		return nil, fmt.Errorf("commit: put: %w", err)
	}
	s.enqueue(ctx, next, fp, now)

	next.PendingAnchor = true
	return next, nil
}

// enqueue hands the new version to the anchor worker. A failure here is only
// logged: the reconciler finds routes whose version is neither anchored nor
// queued and enqueues them again.
func (s *RouteService) enqueue(ctx context.Context, r *domain.Route, fp domain.Fingerprint, now time.Time) {
	if err := s.queue.Enqueue(ctx, domain.NewAnchorJob(r, fp, now)); err != nil {
		log.Printf("req_id=%s anchor enqueue failed route_id=%s version=%d: %v",
			obs.RequestID(ctx), r.RouteID, r.Version, err)
	}
}

func (s *RouteService) authorize(actor string, action domain.Action, route *domain.Route) error {
	if route == nil {
		return fmt.Errorf("%s: nil route: %w", action, domain.ErrNotFound)
	}
	if err := s.policy.Authorize(actor, action, route); err != nil {
		log.Printf("forbidden route_id=%s actor=%s owner=%s action=%s", route.RouteID, actor, route.Actor, action)
		return err
	}
	return nil
}

// requireLive rejects every mutation on a terminal route.
func (s *RouteService) requireLive(route *domain.Route) error {
	if route != nil && route.Status.Terminal() {
		return fmt.Errorf("route is %s: %w", route.Status, domain.ErrInvalidTransition)
	}
	return nil
}

func countTerminal(r *domain.Route) int {
	n := 0
	for _, s := range r.Stops {
		if s.Status.Terminal() {
			n++
		}
	}
	return n
}
