package ports

import (
	"context"
	"time"

	"delivery-route-ledger/internal/domain"
)

// RouteFilter narrows ListRoutes. Zero values match everything.
type RouteFilter struct {
	Status domain.RouteStatus
	Actor  string
	Limit  int
}

// RouteStore is the mutable live store for route documents.
//
// PutRoute is an optimistic write: it succeeds only when the stored version
// equals expectedVersion (0 means the route must not exist yet) and otherwise
// fails with domain.ErrConcurrentModification.
type RouteStore interface {
	GetRoute(ctx context.Context, routeID string) (*domain.Route, error)
	PutRoute(ctx context.Context, route *domain.Route, expectedVersion int64) error
	ListRoutes(ctx context.Context, filter RouteFilter) ([]*domain.Route, error)
	DeleteRoute(ctx context.Context, routeID string, expectedVersion int64) error
}

// AnchorStateStore keeps what the ledger has confirmed for each route.
// It is separate from RouteStore so anchor receipts never race route mutations.
type AnchorStateStore interface {
	// GetAnchorState returns a zero state for routes that were never anchored.
	GetAnchorState(ctx context.Context, routeID string) (domain.AnchorState, error)
	// MarkAnchored applies receipt only when receipt.Version is newer than the
	// recorded anchored version. It reports whether the receipt was applied.
	MarkAnchored(ctx context.Context, receipt domain.AnchorReceipt) (bool, error)
	// MarkAttempt records a failed attempt for version without failing the anchor.
	// The first attempt after an anchor or a failure sets RetryingSince to at.
	MarkAttempt(ctx context.Context, routeID string, version int64, attempts int, lastErr string, at time.Time) error
	// MarkFailed flags version as anchor_failed unless a newer version is anchored,
	// and closes the retry window.
	MarkFailed(ctx context.Context, routeID string, version int64, attempts int, lastErr string) error
}
