package domain

// Waypoint is a stop or depot handed to the optimizer.
type Waypoint struct {
	ID       string      `json:"id"`
	Location Coordinates `json:"location"`
}

// OptimizeRequest asks the optimizer to order stops starting from Depot.
type OptimizeRequest struct {
	Depot         Waypoint
	Stops         []Waypoint
	ReturnToDepot bool
}

// OptimizeResult is the optimizer output consumed by route creation.
// It is opaque to the state machine beyond these three facts.
type OptimizeResult struct {
	OrderedStops     []string `json:"ordered_stops"`
	TotalDistanceKm  float64  `json:"total_distance_km"`
	TotalDurationMin float64  `json:"total_duration_min"`
}
