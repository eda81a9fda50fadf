package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/ports"
)

// Fault is a failure the memory ledger injects into the next write calls.
type Fault int

const (
	FaultNone Fault = iota
	// FaultUnavailable rejects the call before anything is written.
	FaultUnavailable
	// FaultTimeoutAfterWrite applies the write and then reports a timeout,
	// as a client sees when the response is lost on the way back.
	FaultTimeoutAfterWrite
)

// MemoryLedger is an in-process AnchorLedger with ledger semantics:
// create-once, creator-only updates, and an append-only write log.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]domain.AnchorRecord
	log     []ports.AnchorCreateRequest
	writes  int
	faults  []Fault
	down    bool
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]domain.AnchorRecord),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for anchor times.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

// InjectFault queues f for the next n write calls.
func (l *MemoryLedger) InjectFault(f Fault, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.faults = append(l.faults, f)
	}
}

// SetDown makes every call, reads included, fail as unavailable.
func (l *MemoryLedger) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

// Writes returns the number of writes that landed.
func (l *MemoryLedger) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

// Records returns the number of distinct route records.
func (l *MemoryLedger) Records() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *MemoryLedger) Identity(actor string) string { return actor }

func (l *MemoryLedger) nextFault() Fault {
	if len(l.faults) == 0 {
		return FaultNone
	}
	f := l.faults[0]
	l.faults = l.faults[1:]
	return f
}

func (l *MemoryLedger) Create(ctx context.Context, actor string, req ports.AnchorCreateRequest) (ports.LedgerTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.precheck(ctx); err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w", req.RouteID, err)
	}
	fault := l.nextFault()
	if fault == FaultUnavailable {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w", req.RouteID, domain.ErrLedgerUnavailable)
	}

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return ports.LedgerTx{}, fmt.Errorf("ledger create: %w", domain.ErrInvalidAnchor)
	}
	if _, ok := l.records[req.RouteID]; ok {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w", req.RouteID, domain.ErrAlreadyAnchored)
	}

	now := l.now().UTC()
	l.records[req.RouteID] = domain.AnchorRecord{
		RouteID:        req.RouteID,
		Fingerprint:    req.Fingerprint,
		StatusLabel:    req.StatusLabel,
		TotalDistance:  req.TotalDistance,
		StopCount:      req.StopCount,
		AnchorTime:     now,
		AnchoringActor: l.Identity(actor),
	}
	tx := l.appendLog(req, now)

	if fault == FaultTimeoutAfterWrite {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w: %w", req.RouteID, domain.ErrLedgerUnavailable, context.DeadlineExceeded)
	}
	return tx, nil
}

func (l *MemoryLedger) Update(ctx context.Context, actor string, req ports.AnchorUpdateRequest) (ports.LedgerTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.precheck(ctx); err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w", req.RouteID, err)
	}
	fault := l.nextFault()
	if fault == FaultUnavailable {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w", req.RouteID, domain.ErrLedgerUnavailable)
	}

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return ports.LedgerTx{}, fmt.Errorf("ledger update: %w", domain.ErrInvalidAnchor)
	}
	rec, ok := l.records[req.RouteID]
	if !ok {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w", req.RouteID, domain.ErrNotAnchored)
	}
	if rec.AnchoringActor != l.Identity(actor) {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: caller %q: %w", req.RouteID, actor, domain.ErrForbidden)
	}

	now := l.now().UTC()
	rec.Fingerprint = req.Fingerprint
	rec.StatusLabel = req.StatusLabel
	rec.CompletedCount = req.CompletedCount
	rec.AnchorTime = now
	l.records[req.RouteID] = rec
	tx := l.appendLog(ports.AnchorCreateRequest{
		RouteID:     req.RouteID,
		Fingerprint: req.Fingerprint,
		StatusLabel: req.StatusLabel,
	}, now)

	if fault == FaultTimeoutAfterWrite {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w: %w", req.RouteID, domain.ErrLedgerUnavailable, context.DeadlineExceeded)
	}
	return tx, nil
}

func (l *MemoryLedger) Read(ctx context.Context, routeID string) (domain.AnchorRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.precheck(ctx); err != nil {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: %w", routeID, err)
	}
	rec, ok := l.records[routeID]
	if !ok {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: %w", routeID, domain.ErrNotFound)
	}
	return rec, nil
}

func (l *MemoryLedger) Exists(ctx context.Context, routeID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.precheck(ctx); err != nil {
		return false, fmt.Errorf("ledger exists %q: %w", routeID, err)
	}
	_, ok := l.records[routeID]
	return ok, nil
}

func (l *MemoryLedger) precheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
	}
	if l.down {
		return domain.ErrLedgerUnavailable
	}
	return nil
}

func (l *MemoryLedger) appendLog(req ports.AnchorCreateRequest, now time.Time) ports.LedgerTx {
	l.log = append(l.log, req)
	l.writes++
	return ports.LedgerTx{
		Ref:        fmt.Sprintf("mem:%d", len(l.log)),
		IncludedAt: now.Unix(),
	}
}
