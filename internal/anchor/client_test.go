package anchor

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"delivery-route-ledger/internal/adapters/ledger"
	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

func fp(s string) domain.Fingerprint { return domain.Fingerprint(sha256.Sum256([]byte(s))) }

// readFaultLedger fails selected Read calls, counted from 1.
type readFaultLedger struct {
	*ledger.MemoryLedger
	mu       sync.Mutex
	reads    int
	failRead map[int]bool
}

func (l *readFaultLedger) Read(ctx context.Context, routeID string) (domain.AnchorRecord, error) {
	l.mu.Lock()
	l.reads++
	fail := l.failRead[l.reads]
	l.mu.Unlock()

	if fail {
		return domain.AnchorRecord{}, domain.ErrLedgerUnavailable
	}
	return l.MemoryLedger.Read(ctx, routeID)
}

func createReq(route string, f domain.Fingerprint) ports.AnchorCreateRequest {
	return ports.AnchorCreateRequest{RouteID: route, Fingerprint: f, StatusLabel: "optimized", TotalDistance: 1000, StopCount: 3}
}

func TestAnchorCreateIdempotentAfterTimeout(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryLedger()
	// Reads: 1 = pre-write read, 2 = recovery read (fails), 3 = retry's pre-write read.
	l := &readFaultLedger{MemoryLedger: mem, failRead: map[int]bool{2: true}}
	c := NewClient(l, time.Second)

	mem.InjectFault(ledger.FaultTimeoutAfterWrite, 1)
	_, err := c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("v1")))
	if !Transient(err) {
		t.Fatalf("first call err = %v, want transient", err)
	}

	receipt, err := c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("v1")))
	if err != nil {
		t.Fatalf("retry err = %v, want success", err)
	}
	if !receipt.AlreadyApplied {
		t.Fatalf("retry did not report already applied")
	}
	if mem.Records() != 1 || mem.Writes() != 1 {
		t.Fatalf("records = %d writes = %d, want 1 and 1", mem.Records(), mem.Writes())
	}
}

func TestAnchorCreateRecoversLostResponse(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryLedger()
	c := NewClient(mem, time.Second)

	mem.InjectFault(ledger.FaultTimeoutAfterWrite, 1)
	receipt, err := c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("v1")))
	if err != nil {
		t.Fatalf("err = %v, want recovery to succeed", err)
	}
	if !receipt.AlreadyApplied || receipt.Fingerprint != fp("v1") {
		t.Fatalf("receipt = %+v", receipt)
	}
	if mem.Writes() != 1 {
		t.Fatalf("writes = %d, want 1", mem.Writes())
	}
}

func TestAnchorCreateRejectsDifferentFingerprint(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryLedger()
	c := NewClient(mem, time.Second)

	if _, err := c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("v1"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("other")))
	if !errors.Is(err, domain.ErrAlreadyAnchored) {
		t.Fatalf("err = %v, want ErrAlreadyAnchored", err)
	}
	if !Permanent(err) {
		t.Fatalf("ErrAlreadyAnchored should be permanent")
	}
}

func TestAnchorCreateUnavailable(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryLedger()
	c := NewClient(mem, time.Second)

	mem.InjectFault(ledger.FaultUnavailable, 1)
	_, err := c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("v1")))
	if !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
	if mem.Records() != 0 {
		t.Fatalf("records = %d, want 0", mem.Records())
	}
}

func TestAnchorUpdateRules(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryLedger()
	c := NewClient(mem, time.Second)

	_, err := c.AnchorUpdate(ctx, "driver-1", ports.AnchorUpdateRequest{RouteID: "r1", Fingerprint: fp("v2")})
	if !errors.Is(err, domain.ErrNotAnchored) {
		t.Fatalf("update before create err = %v, want ErrNotAnchored", err)
	}

	if _, err := c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("v1"))); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = c.AnchorUpdate(ctx, "driver-2", ports.AnchorUpdateRequest{RouteID: "r1", Fingerprint: fp("v2")})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign update err = %v, want ErrForbidden", err)
	}

	receipt, err := c.AnchorUpdate(ctx, "driver-1", ports.AnchorUpdateRequest{RouteID: "r1", Fingerprint: fp("v2"), StatusLabel: "assigned"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if receipt.AlreadyApplied {
		t.Fatalf("first update reported already applied")
	}

	writes := mem.Writes()
	receipt, err = c.AnchorUpdate(ctx, "driver-1", ports.AnchorUpdateRequest{RouteID: "r1", Fingerprint: fp("v2"), StatusLabel: "assigned"})
	if err != nil || !receipt.AlreadyApplied {
		t.Fatalf("repeat update = %+v, %v; want already applied", receipt, err)
	}
	if mem.Writes() != writes {
		t.Fatalf("repeat update wrote to the ledger")
	}
}

func TestAnchorUpdateRecoversLostResponse(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryLedger()
	c := NewClient(mem, time.Second)

	_, _ = c.AnchorCreate(ctx, "driver-1", createReq("r1", fp("v1")))
	mem.InjectFault(ledger.FaultTimeoutAfterWrite, 1)

	receipt, err := c.AnchorUpdate(ctx, "driver-1", ports.AnchorUpdateRequest{RouteID: "r1", Fingerprint: fp("v2")})
	if err != nil {
		t.Fatalf("err = %v, want recovered success", err)
	}
	if !receipt.AlreadyApplied {
		t.Fatalf("receipt not marked already applied")
	}
}

func TestAnchorChoosesCreateOrUpdate(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryLedger()
	c := NewClient(mem, time.Second)

	job := domain.AnchorJob{RouteID: "r1", Version: 1, Fingerprint: fp("v1"), StatusLabel: "optimized", Actor: "driver-1", StopCount: 2}
	receipt, kind, err := c.Anchor(ctx, job)
	if err != nil {
		t.Fatalf("anchor v1: %v", err)
	}
	if kind != domain.AnchorCreated || receipt.Version != 1 {
		t.Fatalf("kind = %s version = %d, want anchor-created v1", kind, receipt.Version)
	}

	job = domain.AnchorJob{RouteID: "r1", Version: 4, Fingerprint: fp("v4"), StatusLabel: "completed", Actor: "driver-1", Final: true}
	_, kind, err = c.Anchor(ctx, job)
	if err != nil {
		t.Fatalf("anchor v4: %v", err)
	}
	if kind != domain.AnchorCompleted {
		t.Fatalf("kind = %s, want anchor-completed", kind)
	}

	rec, _ := mem.Read(ctx, "r1")
	if rec.Fingerprint != fp("v4") || rec.StatusLabel != "completed" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Horizon: time.Minute}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, c := range cases {
		if got := b.Next(c.attempts); got != c.want {
			t.Fatalf("Next(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if b.Exhausted(start, start.Add(59*time.Second)) {
		t.Fatalf("exhausted before horizon")
	}
	if !b.Exhausted(start, start.Add(time.Minute)) {
		t.Fatalf("not exhausted at horizon")
	}
}
