package ports

import (
	"context"

	"delivery-route-ledger/internal/domain"
)

// Leg is the travel cost of driving from one location to another.
type Leg struct {
	DistanceMeters  int
	DurationSeconds int
}

// DistanceProvider prices the legs the optimizer considers at each step.
type DistanceProvider interface {
	// Legs returns the leg from origin to each destination, in destination
	// order. A destination at the origin costs nothing.
	Legs(ctx context.Context, origin domain.Coordinates, destinations []domain.Coordinates) ([]Leg, error)
}

// LegCache keeps priced legs per routing profile. Locations are compared by
// domain.Coordinates.Key, so points closer than its precision share entries.
type LegCache interface {
	// Lookup returns one entry per destination; nil marks a miss.
	Lookup(ctx context.Context, profile string, origin domain.Coordinates, destinations []domain.Coordinates) ([]*Leg, error)
	Store(ctx context.Context, profile string, origin domain.Coordinates, destinations []domain.Coordinates, legs []Leg) error
}
