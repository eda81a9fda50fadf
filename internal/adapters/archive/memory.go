package archive

import (
	"context"
	"fmt"
	"sync"

	"delivery-route-ledger/internal/domain"
)

// MemoryArchive keeps archived routes in process.
type MemoryArchive struct {
	mu     sync.RWMutex
	routes map[string]*domain.Route
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{routes: make(map[string]*domain.Route)}
}

func (a *MemoryArchive) ArchiveRoute(ctx context.Context, route *domain.Route) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[route.RouteID] = route.Clone()
	return nil
}

func (a *MemoryArchive) LoadRoute(ctx context.Context, routeID string) (*domain.Route, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, ok := a.routes[routeID]
	if !ok {
		return nil, fmt.Errorf("load archived route %q: %w", routeID, domain.ErrNotFound)
	}
	return r.Clone(), nil
}
