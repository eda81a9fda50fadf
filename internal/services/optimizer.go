package services

import (
	"context"
	"fmt"
	"sort"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"
)

// NearestNeighborOptimizer orders stops with a greedy nearest-neighbor walk.
//
// The algorithm minimizes immediate travel duration at each step.
// It does not attempt global route optimization (e.g., VRP solvers).
// The design prioritizes determinism and simplicity over optimality.
type NearestNeighborOptimizer struct {
	provider ports.DistanceProvider
}

func NewNearestNeighborOptimizer(provider ports.DistanceProvider) *NearestNeighborOptimizer {
	return &NearestNeighborOptimizer{provider: provider}
}

func (o *NearestNeighborOptimizer) Optimize(ctx context.Context, req domain.OptimizeRequest) (res domain.OptimizeResult, err error) {
	defer obs.Time(ctx, "optimize")(&err)

	if !req.Depot.Location.Valid() {
		return domain.OptimizeResult{}, fmt.Errorf("optimize: depot: %w", domain.ErrInvalidRoute)
	}
	if len(req.Stops) == 0 {
		return domain.OptimizeResult{OrderedStops: []string{}}, nil
	}

	// Several stops may share a location; they are visited together in input order.
	byLocation := make(map[string][]string)
	locations := make(map[string]domain.Coordinates)
	seen := make(map[string]struct{}, len(req.Stops))
	for _, s := range req.Stops {
		if s.ID == "" {
			return domain.OptimizeResult{}, fmt.Errorf("optimize: empty stop id: %w", domain.ErrInvalidRoute)
		}
		if _, dup := seen[s.ID]; dup {
			return domain.OptimizeResult{}, fmt.Errorf("optimize: duplicate stop %q: %w", s.ID, domain.ErrInvalidRoute)
		}
		if !s.Location.Valid() {
			return domain.OptimizeResult{}, fmt.Errorf("optimize: stop %q location: %w", s.ID, domain.ErrInvalidRoute)
		}
		seen[s.ID] = struct{}{}
		key := s.Location.Key()
		byLocation[key] = append(byLocation[key], s.ID)
		locations[key] = s.Location
	}

	remaining := make([]string, 0, len(byLocation))
	for key := range byLocation {
		remaining = append(remaining, key)
	}
	// Sorted keys break duration ties deterministically.
	sort.Strings(remaining)

	current := req.Depot.Location
	ordered := make([]string, 0, len(req.Stops))
	totalMeters := 0
	totalSeconds := 0

	for len(remaining) > 0 {
		candidates := make([]domain.Coordinates, len(remaining))
		for i, key := range remaining {
			candidates[i] = locations[key]
		}

		legs, err := o.provider.Legs(ctx, current, candidates)
		if err != nil {
			return domain.OptimizeResult{}, fmt.Errorf("optimize: legs from %s: %w", current.Key(), err)
		}
		if len(legs) != len(candidates) {
			return domain.OptimizeResult{}, fmt.Errorf("optimize: %d legs for %d candidates from %s", len(legs), len(candidates), current.Key())
		}

		// Select next stop by minimum travel duration (greedy step).
		best := 0
		for i := 1; i < len(legs); i++ {
			if legs[i].DurationSeconds < legs[best].DurationSeconds {
				best = i
			}
		}

		totalMeters += legs[best].DistanceMeters
		totalSeconds += legs[best].DurationSeconds
		ordered = append(ordered, byLocation[remaining[best]]...)

		current = candidates[best]
		remaining = append(remaining[:best], remaining[best+1:]...)
	}

	// Optionally includes return leg to the depot in the totals.
	if req.ReturnToDepot {
		back, err := o.provider.Legs(ctx, current, []domain.Coordinates{req.Depot.Location})
		if err != nil {
			return domain.OptimizeResult{}, fmt.Errorf("optimize: return leg from %s: %w", current.Key(), err)
		}
		if len(back) != 1 {
			return domain.OptimizeResult{}, fmt.Errorf("optimize: return leg from %s: %d legs", current.Key(), len(back))
		}
		totalMeters += back[0].DistanceMeters
		totalSeconds += back[0].DurationSeconds
	}

	return domain.OptimizeResult{
		OrderedStops:     ordered,
		TotalDistanceKm:  float64(totalMeters) / 1000,
		TotalDurationMin: float64(totalSeconds) / 60,
	}, nil
}
