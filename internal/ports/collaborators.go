package ports

import (
	"context"

	"delivery-route-ledger/internal/domain"
)

// AuthorizationPolicy decides whether actor may perform action on route.
// It returns an error wrapping domain.ErrForbidden when the actor is refused.
type AuthorizationPolicy interface {
	Authorize(actor string, action domain.Action, route *domain.Route) error
}

// Optimizer is the black box that orders stops and totals the trip.
type Optimizer interface {
	Optimize(ctx context.Context, req domain.OptimizeRequest) (domain.OptimizeResult, error)
}

// RouteArchive keeps terminal routes after they leave the live store.
type RouteArchive interface {
	ArchiveRoute(ctx context.Context, route *domain.Route) error
	// LoadRoute returns domain.ErrNotFound when nothing is archived for routeID.
	LoadRoute(ctx context.Context, routeID string) (*domain.Route, error)
}

// EventPublisher receives anchor notifications for external monitoring.
type EventPublisher interface {
	Publish(ev domain.AnchorEvent)
}
