package domain

import (
	"math"
	"slices"
	"time"
)

// RouteStatus is the lifecycle state of a whole route.
type RouteStatus string

const (
	RouteStatusDraft      RouteStatus = "draft"
	RouteStatusOptimized  RouteStatus = "optimized"
	RouteStatusAssigned   RouteStatus = "assigned"
	RouteStatusInProgress RouteStatus = "in_progress"
	RouteStatusCompleted  RouteStatus = "completed"
	RouteStatusCancelled  RouteStatus = "cancelled"
)

// Legal edges of the route state machine. Terminal states have no entry.
var routeTransitions = map[RouteStatus][]RouteStatus{
	RouteStatusDraft:      {RouteStatusOptimized, RouteStatusCancelled},
	RouteStatusOptimized:  {RouteStatusAssigned, RouteStatusCancelled},
	RouteStatusAssigned:   {RouteStatusInProgress, RouteStatusCancelled},
	RouteStatusInProgress: {RouteStatusCompleted, RouteStatusCancelled},
}

func (s RouteStatus) Valid() bool {
	switch s {
	case RouteStatusDraft, RouteStatusOptimized, RouteStatusAssigned,
		RouteStatusInProgress, RouteStatusCompleted, RouteStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further mutation is accepted in this status.
func (s RouteStatus) Terminal() bool {
	return s == RouteStatusCompleted || s == RouteStatusCancelled
}

// CanTransition reports whether from -> to is an edge of the state table.
func CanTransition(from, to RouteStatus) bool {
	return slices.Contains(routeTransitions[from], to)
}

// DeliveryStatus tracks a single stop.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryInTransit, DeliveryDelivered, DeliveryFailed:
		return true
	}
	return false
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Stop is one delivery point on a route. Note and ConfirmedAt are operational
// metadata and are not part of the fingerprint.
type Stop struct {
	StopID      string         `json:"stop_id"`
	Status      DeliveryStatus `json:"status"`
	Note        string         `json:"note,omitempty"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
}

// FingerprintEntry records the fingerprint computed when a version was committed.
type FingerprintEntry struct {
	Version     int64       `json:"version"`
	Fingerprint Fingerprint `json:"fingerprint"`
	RecordedAt  time.Time   `json:"recorded_at"`
}

// Route is the live route document and the source of the hashable snapshot.
//
// Version increases by one on every committed change to a fingerprinted field.
// History keeps the fingerprint of every committed version so later audits can
// tell a lagging ledger apart from an edited document.
type Route struct {
	RouteID          string             `json:"route_id"`
	SchemaVersion    int                `json:"schema_version"`
	Status           RouteStatus        `json:"status"`
	Stops            []Stop             `json:"stops"`
	TotalDistanceKm  float64            `json:"total_distance_km"`
	TotalDurationMin float64            `json:"total_duration_min"`
	CompletedCount   int                `json:"completed_count"`
	Actor            string             `json:"actor"`
	Version          int64              `json:"version"`
	History          []FingerprintEntry `json:"history"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Derived from anchor bookkeeping on read; never persisted with the route.
	PendingAnchor bool `json:"-"`
	AnchorFailed  bool `json:"-"`
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (r *Route) Clone() *Route {
	if r == nil {
		return nil
	}
	out := *r
	out.Stops = make([]Stop, len(r.Stops))
	for i, s := range r.Stops {
		if s.ConfirmedAt != nil {
			t := *s.ConfirmedAt
			s.ConfirmedAt = &t
		}
		out.Stops[i] = s
	}
	out.History = slices.Clone(r.History)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// StopIndex returns the position of stopID, or -1.
func (r *Route) StopIndex(stopID string) int {
	for i, s := range r.Stops {
		if s.StopID == stopID {
			return i
		}
	}
	return -1
}

// CountDelivered returns the number of stops with status delivered.
func (r *Route) CountDelivered() int {
	n := 0
	for _, s := range r.Stops {
		if s.Status == DeliveryDelivered {
			n++
		}
	}
	return n
}

// AllStopsTerminal reports whether every stop is delivered or failed.
func (r *Route) AllStopsTerminal() bool {
	for _, s := range r.Stops {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// FingerprintAt returns the fingerprint recorded for version.
func (r *Route) FingerprintAt(version int64) (Fingerprint, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Version == version {
			return r.History[i].Fingerprint, true
		}
	}
	return Fingerprint{}, false
}

// VersionOf returns the committed version that produced fp, or 0.
func (r *Route) VersionOf(fp Fingerprint) int64 {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Fingerprint == fp {
			return r.History[i].Version
		}
	}
	return 0
}

// DistanceMeters is the integer distance submitted to the ledger.
func (r *Route) DistanceMeters() uint64 {
	if r.TotalDistanceKm <= 0 {
		return 0
	}
	return uint64(math.Round(r.TotalDistanceKm * 1000))
}
