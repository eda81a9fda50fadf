package services

import (
	"fmt"
	"slices"

	"delivery-route-ledger/internal/domain"
)

// OwnerPolicy allows only the route's recorded actor to act on it.
type OwnerPolicy struct{}

func (OwnerPolicy) Authorize(actor string, action domain.Action, route *domain.Route) error {
	if actor == "" || route == nil || actor != route.Actor {
		return fmt.Errorf("%s by %q: %w", action, actor, domain.ErrForbidden)
	}
	return nil
}

// RolePolicy relaxes OwnerPolicy: admins may perform any action and
// dispatchers may perform the actions listed in DispatcherActions.
// Everyone else falls back to the owner rule.
type RolePolicy struct {
	Admins            []string
	Dispatchers       []string
	DispatcherActions []domain.Action
}

// DefaultDispatcherActions are granted when a policy lists dispatchers but no actions.
var DefaultDispatcherActions = []domain.Action{
	domain.ActionTransition,
	domain.ActionDelete,
	domain.ActionRetryAnchor,
}

func (p RolePolicy) Authorize(actor string, action domain.Action, route *domain.Route) error {
	if actor == "" {
		return fmt.Errorf("%s by anonymous actor: %w", action, domain.ErrForbidden)
	}
	if slices.Contains(p.Admins, actor) {
		return nil
	}
	if slices.Contains(p.Dispatchers, actor) {
		actions := p.DispatcherActions
		if len(actions) == 0 {
			actions = DefaultDispatcherActions
		}
		if slices.Contains(actions, action) {
			return nil
		}
	}
	return OwnerPolicy{}.Authorize(actor, action, route)
}
