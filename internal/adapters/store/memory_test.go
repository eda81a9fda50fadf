package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

func newRoute(id string, version int64) *domain.Route {
	return &domain.Route{
		RouteID:   id,
		Status:    domain.RouteStatusOptimized,
		Actor:     "driver-1",
		Version:   version,
		Stops:     []domain.Stop{{StopID: "a", Status: domain.DeliveryPending}},
		CreatedAt: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStorePutRouteOptimisticVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.PutRoute(ctx, newRoute("r1", 1), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.PutRoute(ctx, newRoute("r1", 1), 0); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("duplicate create err = %v, want ErrConcurrentModification", err)
	}
	if err := s.PutRoute(ctx, newRoute("r1", 2), 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.PutRoute(ctx, newRoute("r1", 2), 1); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("stale update err = %v, want ErrConcurrentModification", err)
	}
	if err := s.PutRoute(ctx, newRoute("missing", 2), 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing err = %v, want ErrNotFound", err)
	}

	got, err := s.GetRoute(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.PutRoute(ctx, newRoute("r1", 1), 0)

	got, _ := s.GetRoute(ctx, "r1")
	got.Stops[0].Status = domain.DeliveryDelivered

	again, _ := s.GetRoute(ctx, "r1")
	if again.Stops[0].Status != domain.DeliveryPending {
		t.Fatalf("stored route was mutated through a returned copy")
	}
}

func TestMemoryStoreListFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := newRoute("a", 1)
	b := newRoute("b", 1)
	b.Status = domain.RouteStatusAssigned
	b.Actor = "driver-2"
	_ = s.PutRoute(ctx, a, 0)
	_ = s.PutRoute(ctx, b, 0)

	got, err := s.ListRoutes(ctx, ports.RouteFilter{Status: domain.RouteStatusAssigned})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].RouteID != "b" {
		t.Fatalf("list by status = %v, want [b]", got)
	}

	got, _ = s.ListRoutes(ctx, ports.RouteFilter{Actor: "driver-1"})
	if len(got) != 1 || got[0].RouteID != "a" {
		t.Fatalf("list by actor = %v, want [a]", got)
	}

	got, _ = s.ListRoutes(ctx, ports.RouteFilter{Limit: 1})
	if len(got) != 1 {
		t.Fatalf("limit = %d, want 1", len(got))
	}
}

func TestMemoryStoreDeleteRoute(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.PutRoute(ctx, newRoute("r1", 1), 0)

	if err := s.DeleteRoute(ctx, "r1", 3); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("delete stale err = %v", err)
	}
	if err := s.DeleteRoute(ctx, "r1", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRoute(ctx, "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreMarkAnchoredIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	applied, err := s.MarkAnchored(ctx, domain.AnchorReceipt{RouteID: "r1", Version: 3, TxRef: "tx3", AnchoredAt: now})
	if err != nil || !applied {
		t.Fatalf("mark v3 = %v, %v; want applied", applied, err)
	}

	applied, err = s.MarkAnchored(ctx, domain.AnchorReceipt{RouteID: "r1", Version: 2, TxRef: "tx2", AnchoredAt: now})
	if err != nil {
		t.Fatalf("mark v2: %v", err)
	}
	if applied {
		t.Fatalf("late receipt for v2 was applied over v3")
	}

	st, _ := s.GetAnchorState(ctx, "r1")
	if st.AnchoredVersion != 3 || st.TxRef != "tx3" {
		t.Fatalf("state = v%d %s, want v3 tx3", st.AnchoredVersion, st.TxRef)
	}
}

func TestMemoryStoreMarkFailedClearedByNewerAnchor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	_ = s.MarkFailed(ctx, "r1", 2, 5, "ledger unavailable")
	st, _ := s.GetAnchorState(ctx, "r1")
	if !st.Failed || st.FailedVersion != 2 {
		t.Fatalf("state = %+v, want failed at v2", st)
	}

	_, _ = s.MarkAnchored(ctx, domain.AnchorReceipt{RouteID: "r1", Version: 3, AnchoredAt: now})
	st, _ = s.GetAnchorState(ctx, "r1")
	if st.Failed {
		t.Fatalf("failed flag survived a newer anchor")
	}

	// Failures for versions already anchored are ignored.
	_ = s.MarkFailed(ctx, "r1", 3, 1, "late")
	st, _ = s.GetAnchorState(ctx, "r1")
	if st.Failed {
		t.Fatalf("failure for anchored version was recorded")
	}
}

func TestMemoryStoreRetryWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	_ = s.MarkAttempt(ctx, "r1", 1, 1, "down", first)
	_ = s.MarkAttempt(ctx, "r1", 2, 2, "down", first.Add(time.Minute))
	st, _ := s.GetAnchorState(ctx, "r1")
	if st.RetryingSince == nil || !st.RetryingSince.Equal(first) {
		t.Fatalf("retrying since = %v, want %v", st.RetryingSince, first)
	}

	_ = s.MarkFailed(ctx, "r1", 2, 3, "down")
	st, _ = s.GetAnchorState(ctx, "r1")
	if st.RetryingSince != nil {
		t.Fatalf("retrying since = %v after escalation, want nil", st.RetryingSince)
	}

	later := first.Add(time.Hour)
	_ = s.MarkAttempt(ctx, "r1", 3, 1, "down", later)
	_, _ = s.MarkAnchored(ctx, domain.AnchorReceipt{RouteID: "r1", Version: 3, AnchoredAt: later})
	st, _ = s.GetAnchorState(ctx, "r1")
	if st.RetryingSince != nil {
		t.Fatalf("retrying since = %v after anchor, want nil", st.RetryingSince)
	}
}
