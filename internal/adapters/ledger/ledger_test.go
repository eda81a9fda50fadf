package ledger

import (
	"context"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

func fp(s string) domain.Fingerprint { return domain.Fingerprint(sha256.Sum256([]byte(s))) }

// checkLedgerContract runs the create/update/read rules every AnchorLedger must honour.
func checkLedgerContract(t *testing.T, l ports.AnchorLedger) {
	t.Helper()
	ctx := context.Background()

	if ok, err := l.Exists(ctx, "r1"); err != nil || ok {
		t.Fatalf("exists before create = %v, %v; want false", ok, err)
	}
	if _, err := l.Read(ctx, "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("read before create err = %v, want ErrNotFound", err)
	}

	if _, err := l.Create(ctx, "driver-1", ports.AnchorCreateRequest{RouteID: "", Fingerprint: fp("x")}); !errors.Is(err, domain.ErrInvalidAnchor) {
		t.Fatalf("empty route id err = %v, want ErrInvalidAnchor", err)
	}
	if _, err := l.Create(ctx, "driver-1", ports.AnchorCreateRequest{RouteID: "r1"}); !errors.Is(err, domain.ErrInvalidAnchor) {
		t.Fatalf("zero fingerprint err = %v, want ErrInvalidAnchor", err)
	}

	tx, err := l.Create(ctx, "driver-1", ports.AnchorCreateRequest{
		RouteID: "r1", Fingerprint: fp("v1"), StatusLabel: "optimized", TotalDistance: 12346, StopCount: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.Ref == "" {
		t.Fatalf("create returned empty tx ref")
	}

	if _, err := l.Create(ctx, "driver-1", ports.AnchorCreateRequest{RouteID: "r1", Fingerprint: fp("v1")}); !errors.Is(err, domain.ErrAlreadyAnchored) {
		t.Fatalf("duplicate create err = %v, want ErrAlreadyAnchored", err)
	}

	if _, err := l.Update(ctx, "driver-2", ports.AnchorUpdateRequest{RouteID: "r1", Fingerprint: fp("v2")}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign update err = %v, want ErrForbidden", err)
	}
	if _, err := l.Update(ctx, "driver-1", ports.AnchorUpdateRequest{RouteID: "nope", Fingerprint: fp("v2")}); !errors.Is(err, domain.ErrNotAnchored) {
		t.Fatalf("update missing err = %v, want ErrNotAnchored", err)
	}

	if _, err := l.Update(ctx, "driver-1", ports.AnchorUpdateRequest{
		RouteID: "r1", Fingerprint: fp("v2"), StatusLabel: "in_progress", CompletedCount: 1,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, err := l.Read(ctx, "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Fingerprint != fp("v2") {
		t.Fatalf("fingerprint = %s, want %s", rec.Fingerprint, fp("v2"))
	}
	if rec.StatusLabel != "in_progress" || rec.CompletedCount != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.TotalDistance != 12346 || rec.StopCount != 3 {
		t.Fatalf("immutable fields changed: %+v", rec)
	}
	if rec.AnchoringActor != l.Identity("driver-1") {
		t.Fatalf("anchoring actor = %q, want %q", rec.AnchoringActor, l.Identity("driver-1"))
	}
}

func TestMemoryLedgerContract(t *testing.T) {
	checkLedgerContract(t, NewMemoryLedger())
}

func TestSQLiteLedgerContract(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLiteLedger(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	checkLedgerContract(t, l)

	hist, err := l.History(ctx, "r1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d, want 2", len(hist))
	}
	if hist[0].Op != "create" || hist[1].Op != "update" {
		t.Fatalf("history ops = %s,%s", hist[0].Op, hist[1].Op)
	}
	if hist[0].Fingerprint != fp("v1") {
		t.Fatalf("history lost the first fingerprint")
	}
}

func TestSQLiteLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := OpenSQLiteLedger(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Create(ctx, "driver-1", ports.AnchorCreateRequest{RouteID: "r1", Fingerprint: fp("v1")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = l.Close()

	l, err = OpenSQLiteLedger(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()

	rec, err := l.Read(ctx, "r1")
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if rec.Fingerprint != fp("v1") {
		t.Fatalf("fingerprint = %s, want %s", rec.Fingerprint, fp("v1"))
	}
}

func TestMemoryLedgerFaults(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	l.InjectFault(FaultUnavailable, 1)
	_, err := l.Create(ctx, "d", ports.AnchorCreateRequest{RouteID: "r1", Fingerprint: fp("v1")})
	if !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
	if l.Writes() != 0 {
		t.Fatalf("writes = %d, want 0", l.Writes())
	}

	l.InjectFault(FaultTimeoutAfterWrite, 1)
	_, err = l.Create(ctx, "d", ports.AnchorCreateRequest{RouteID: "r1", Fingerprint: fp("v1")})
	if !errors.Is(err, domain.ErrLedgerUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if l.Writes() != 1 {
		t.Fatalf("writes = %d, want 1 (write landed)", l.Writes())
	}

	l.SetDown(true)
	if _, err := l.Read(ctx, "r1"); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("read while down err = %v", err)
	}
}
