package domain

import "time"

// AnchorRecord is the ledger-side record for a route. It is owned by the ledger;
// this service only reads it and requests updates.
type AnchorRecord struct {
	RouteID        string      `json:"route_id"`
	Fingerprint    Fingerprint `json:"fingerprint"`
	StatusLabel    string      `json:"status_label"`
	TotalDistance  uint64      `json:"total_distance"`
	StopCount      uint64      `json:"stop_count"`
	CompletedCount uint64      `json:"completed_count"`
	AnchorTime     time.Time   `json:"anchor_time"`
	AnchoringActor string      `json:"anchoring_actor"`
}

// AnchorReceipt confirms that a fingerprint is included in the ledger.
// AlreadyApplied is set when a retry found the write had already landed.
type AnchorReceipt struct {
	RouteID        string      `json:"route_id"`
	Version        int64       `json:"version"`
	Fingerprint    Fingerprint `json:"fingerprint"`
	TxRef          string      `json:"tx_ref"`
	AnchoredAt     time.Time   `json:"anchored_at"`
	AlreadyApplied bool        `json:"already_applied"`
}

// AnchorState is local bookkeeping of what the ledger has confirmed for a route.
// AnchoredVersion only moves forward.
type AnchorState struct {
	RouteID             string      `json:"route_id"`
	AnchoredVersion     int64       `json:"anchored_version"`
	AnchoredFingerprint Fingerprint `json:"anchored_fingerprint"`
	TxRef               string      `json:"tx_ref,omitempty"`
	AnchoredAt          *time.Time  `json:"anchored_at,omitempty"`
	Failed              bool        `json:"anchor_failed"`
	FailedVersion       int64       `json:"failed_version,omitempty"`
	Attempts            int         `json:"attempts"`
	LastError           string      `json:"last_error,omitempty"`
	// RetryingSince is the first failed attempt since the last anchor or
	// failure escalation. The retry horizon runs from here.
	RetryingSince *time.Time `json:"retrying_since,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Pending reports whether committed versions are not yet confirmed on the ledger.
func (s AnchorState) Pending(routeVersion int64) bool {
	return routeVersion > s.AnchoredVersion
}

// AnchorJob is a queued request to anchor one committed route version.
type AnchorJob struct {
	RouteID        string      `json:"route_id"`
	Version        int64       `json:"version"`
	Fingerprint    Fingerprint `json:"fingerprint"`
	StatusLabel    string      `json:"status_label"`
	TotalDistance  uint64      `json:"total_distance"`
	StopCount      uint64      `json:"stop_count"`
	CompletedCount uint64      `json:"completed_count"`
	Actor          string      `json:"actor"`
	Final          bool        `json:"final"`
	Attempts       int         `json:"attempts"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	NextAttemptAt  time.Time   `json:"next_attempt_at"`
}

// NewAnchorJob captures the fingerprinted facts of route at its current version.
func NewAnchorJob(route *Route, fp Fingerprint, now time.Time) AnchorJob {
	return AnchorJob{
		RouteID:        route.RouteID,
		Version:        route.Version,
		Fingerprint:    fp,
		StatusLabel:    string(route.Status),
		TotalDistance:  route.DistanceMeters(),
		StopCount:      uint64(len(route.Stops)),
		CompletedCount: uint64(route.CompletedCount),
		Actor:          route.Actor,
		Final:          route.Status == RouteStatusCompleted,
		EnqueuedAt:     now,
		NextAttemptAt:  now,
	}
}

type AnchorEventKind string

const (
	AnchorCreated   AnchorEventKind = "anchor-created"
	AnchorUpdated   AnchorEventKind = "anchor-updated"
	AnchorCompleted AnchorEventKind = "anchor-completed"
	AnchorFailed    AnchorEventKind = "anchor-failed"
)

// AnchorEvent is emitted for external monitoring once the ledger confirms a write.
type AnchorEvent struct {
	Kind        AnchorEventKind `json:"kind"`
	RouteID     string          `json:"route_id"`
	Version     int64           `json:"version"`
	Fingerprint Fingerprint     `json:"fingerprint"`
	TxRef       string          `json:"tx_ref,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
