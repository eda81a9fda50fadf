package dto

import (
	"time"

	"delivery-route-ledger/internal/domain"
)

type CreateRouteRequest struct {
	RouteID          string   `json:"route_id"`
	Stops            []string `json:"stops"`
	TotalDistanceKm  float64  `json:"total_distance_km"`
	TotalDurationMin float64  `json:"total_duration_min"`
	Actor            string   `json:"actor"`
}

type WaypointRequest struct {
	ID  string  `json:"id"`
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// OptimizeRequest orders stops from a depot. With Create set, the result is
// stored as a new route owned by Actor.
type OptimizeRequest struct {
	Depot         WaypointRequest   `json:"depot"`
	Stops         []WaypointRequest `json:"stops"`
	ReturnToDepot bool              `json:"return_to_depot"`
	Create        bool              `json:"create"`
	Actor         string            `json:"actor"`
}

type OptimizeResponse struct {
	OrderedStops     []string       `json:"ordered_stops"`
	TotalDistanceKm  float64        `json:"total_distance_km"`
	TotalDurationMin float64        `json:"total_duration_min"`
	Route            *RouteResponse `json:"route,omitempty"`
}

// Version, when set, must equal the stored version or the request fails with 409.
type TransitionRequest struct {
	Status  domain.RouteStatus `json:"status"`
	Version int64              `json:"version"`
}

type ConfirmDeliveryRequest struct {
	Outcome domain.DeliveryStatus `json:"outcome"`
	Note    string                `json:"note"`
	Version int64                 `json:"version"`
}

type VersionRequest struct {
	Version int64 `json:"version"`
}

type StopResponse struct {
	StopID      string                `json:"stop_id"`
	Status      domain.DeliveryStatus `json:"status"`
	Note        string                `json:"note,omitempty"`
	ConfirmedAt *time.Time            `json:"confirmed_at,omitempty"`
}

type RouteResponse struct {
	RouteID          string             `json:"route_id"`
	Status           domain.RouteStatus `json:"status"`
	Actor            string             `json:"actor"`
	Version          int64              `json:"version"`
	Fingerprint      string             `json:"fingerprint"`
	TotalDistanceKm  float64            `json:"total_distance_km"`
	TotalDurationMin float64            `json:"total_duration_min"`
	CompletedCount   int                `json:"completed_count"`
	Stops            []StopResponse     `json:"stops"`
	PendingAnchor    bool               `json:"pending_anchor"`
	AnchorFailed     bool               `json:"anchor_failed"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

func NewRouteResponse(r *domain.Route) RouteResponse {
	res := RouteResponse{
		RouteID:          r.RouteID,
		Status:           r.Status,
		Actor:            r.Actor,
		Version:          r.Version,
		TotalDistanceKm:  r.TotalDistanceKm,
		TotalDurationMin: r.TotalDurationMin,
		CompletedCount:   r.CompletedCount,
		Stops:            make([]StopResponse, 0, len(r.Stops)),
		PendingAnchor:    r.PendingAnchor,
		AnchorFailed:     r.AnchorFailed,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
	if fp, ok := r.FingerprintAt(r.Version); ok {
		res.Fingerprint = fp.Hex()
	}
	for _, s := range r.Stops {
		res.Stops = append(res.Stops, StopResponse{
			StopID:      s.StopID,
			Status:      s.Status,
			Note:        s.Note,
			ConfirmedAt: s.ConfirmedAt,
		})
	}
	return res
}

type ListRoutesResponse struct {
	Routes []RouteResponse `json:"routes"`
}

// VerificationResponse always carries both fingerprints so a reader can tell
// a stale ledger from an edited document.
type VerificationResponse struct {
	RouteID             string                     `json:"route_id"`
	Verified            bool                       `json:"verified"`
	Outcome             domain.VerificationOutcome `json:"outcome"`
	Detail              string                     `json:"detail"`
	ComputedFingerprint string                     `json:"computed_fingerprint,omitempty"`
	LedgerFingerprint   string                     `json:"ledger_fingerprint,omitempty"`
	LiveVersion         int64                      `json:"live_version,omitempty"`
	MatchedVersion      int64                      `json:"matched_version,omitempty"`
	UnanchoredMutations int64                      `json:"unanchored_mutations,omitempty"`
	Source              string                     `json:"source,omitempty"`
	CheckedAt           time.Time                  `json:"checked_at"`
}

func NewVerificationResponse(v domain.VerificationResult) VerificationResponse {
	res := VerificationResponse{
		RouteID:             v.RouteID,
		Verified:            v.Verified,
		Outcome:             v.Outcome,
		Detail:              v.Detail,
		LiveVersion:         v.LiveVersion,
		MatchedVersion:      v.MatchedVersion,
		UnanchoredMutations: v.UnanchoredMutations,
		Source:              v.Source,
		CheckedAt:           v.CheckedAt,
	}
	if !v.Computed.IsZero() {
		res.ComputedFingerprint = v.Computed.Hex()
	}
	if !v.Ledger.IsZero() {
		res.LedgerFingerprint = v.Ledger.Hex()
	}
	return res
}
