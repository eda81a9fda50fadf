package distance

import (
	"context"
	"fmt"
	"math"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

const earthRadiusMeters = 6371000.0

// HaversineProvider estimates road legs from great-circle distance. It needs
// no network and is the default when no ORS key is configured.
type HaversineProvider struct {
	// RoadFactor scales straight-line distance to approximate road distance.
	RoadFactor float64
	// SpeedKmh converts distance to duration.
	SpeedKmh float64
}

func NewHaversineProvider() *HaversineProvider {
	return &HaversineProvider{RoadFactor: 1.3, SpeedKmh: 40}
}

func (h *HaversineProvider) Legs(ctx context.Context, origin domain.Coordinates, destinations []domain.Coordinates) ([]ports.Leg, error) {
	if !origin.Valid() {
		return nil, fmt.Errorf("haversine origin %s: %w", origin.Key(), domain.ErrInvalidRoute)
	}
	legs := make([]ports.Leg, len(destinations))
	for i, d := range destinations {
		if !d.Valid() {
			return nil, fmt.Errorf("haversine destination %s: %w", d.Key(), domain.ErrInvalidRoute)
		}
		meters := GreatCircleMeters(origin, d) * h.RoadFactor
		legs[i] = ports.Leg{
			DistanceMeters:  int(math.Round(meters)),
			DurationSeconds: int(math.Round(meters / (h.SpeedKmh * 1000 / 3600))),
		}
	}
	return legs, nil
}

// GreatCircleMeters is the haversine distance between a and b.
func GreatCircleMeters(a, b domain.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(s)))
}
