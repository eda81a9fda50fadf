package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

// MemoryStore is an in-process RouteStore and AnchorStateStore.
// Routes are cloned on the way in and out so callers never share memory with it.
type MemoryStore struct {
	mu      sync.RWMutex
	routes  map[string]*domain.Route
	anchors map[string]domain.AnchorState
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:  make(map[string]*domain.Route),
		anchors: make(map[string]domain.AnchorState),
		now:     time.Now,
	}
}

func (s *MemoryStore) GetRoute(ctx context.Context, routeID string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routes[routeID]
	if !ok {
		return nil, fmt.Errorf("get route %q: %w", routeID, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) PutRoute(ctx context.Context, route *domain.Route, expectedVersion int64) error {
	if route == nil || route.RouteID == "" {
		return fmt.Errorf("put route: %w: missing route id", domain.ErrInvalidRoute)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.routes[route.RouteID]
	switch {
	case !ok && expectedVersion != 0:
		return fmt.Errorf("put route %q: %w", route.RouteID, domain.ErrNotFound)
	case ok && current.Version != expectedVersion:
		return fmt.Errorf("put route %q: stored version %d, expected %d: %w",
			route.RouteID, current.Version, expectedVersion, domain.ErrConcurrentModification)
	}

	s.routes[route.RouteID] = route.Clone()
	return nil
}

// ReplaceRoute overwrites the stored document without a version check.
// It exists for operators repairing data and for tests simulating tampering.
func (s *MemoryStore) ReplaceRoute(route *domain.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[route.RouteID] = route.Clone()
}

func (s *MemoryStore) ListRoutes(ctx context.Context, filter ports.RouteFilter) ([]*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Route, 0, len(s.routes))
	for _, r := range s.routes {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Actor != "" && r.Actor != filter.Actor {
			continue
		}
		out = append(out, r.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RouteID < out[j].RouteID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteRoute(ctx context.Context, routeID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.routes[routeID]
	if !ok {
		return fmt.Errorf("delete route %q: %w", routeID, domain.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("delete route %q: %w", routeID, domain.ErrConcurrentModification)
	}
	delete(s.routes, routeID)
	return nil
}

func (s *MemoryStore) GetAnchorState(ctx context.Context, routeID string) (domain.AnchorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.anchors[routeID]
	if !ok {
		return domain.AnchorState{RouteID: routeID}, nil
	}
	return st, nil
}

func (s *MemoryStore) MarkAnchored(ctx context.Context, receipt domain.AnchorReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.anchors[receipt.RouteID]
	if receipt.Version <= st.AnchoredVersion {
		return false, nil
	}

	at := receipt.AnchoredAt
	st.RouteID = receipt.RouteID
	st.AnchoredVersion = receipt.Version
	st.AnchoredFingerprint = receipt.Fingerprint
	st.TxRef = receipt.TxRef
	st.AnchoredAt = &at
	if st.FailedVersion <= receipt.Version {
		st.Failed = false
		st.FailedVersion = 0
	}
	st.Attempts = 0
	st.LastError = ""
	st.RetryingSince = nil
	st.UpdatedAt = s.now()
	s.anchors[receipt.RouteID] = st
	return true, nil
}

func (s *MemoryStore) MarkAttempt(ctx context.Context, routeID string, version int64, attempts int, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.anchors[routeID]
	if version <= st.AnchoredVersion {
		return nil
	}
	st.RouteID = routeID
	st.Attempts = attempts
	st.LastError = lastErr
	if st.RetryingSince == nil {
		since := at
		st.RetryingSince = &since
	}
	st.UpdatedAt = s.now()
	s.anchors[routeID] = st
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, routeID string, version int64, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.anchors[routeID]
	if version <= st.AnchoredVersion {
		return nil
	}
	st.RouteID = routeID
	st.Failed = true
	st.FailedVersion = version
	st.Attempts = attempts
	st.LastError = lastErr
	st.RetryingSince = nil
	st.UpdatedAt = s.now()
	s.anchors[routeID] = st
	return nil
}
