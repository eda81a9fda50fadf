package ports

import (
	"context"

	"delivery-route-ledger/internal/domain"
)

// AnchorCreateRequest is the ledger create call, independent of ledger technology.
type AnchorCreateRequest struct {
	RouteID       string
	Fingerprint   domain.Fingerprint
	StatusLabel   string
	TotalDistance uint64
	StopCount     uint64
}

// AnchorUpdateRequest replaces the mutable fields of an existing record.
type AnchorUpdateRequest struct {
	RouteID        string
	Fingerprint    domain.Fingerprint
	StatusLabel    string
	CompletedCount uint64
}

// LedgerTx identifies an included ledger write.
type LedgerTx struct {
	Ref        string
	IncludedAt int64 // unix seconds
}

// AnchorLedger is the external append-only key->record store.
//
// Create rejects an existing route id, an empty route id or a zero fingerprint.
// Update rejects a missing record or a caller other than the creator. Calls
// that cannot reach the ledger return an error wrapping
// domain.ErrLedgerUnavailable; the write may still have landed.
type AnchorLedger interface {
	Create(ctx context.Context, actor string, req AnchorCreateRequest) (LedgerTx, error)
	Update(ctx context.Context, actor string, req AnchorUpdateRequest) (LedgerTx, error)
	// Read returns domain.ErrNotFound when no record exists.
	Read(ctx context.Context, routeID string) (domain.AnchorRecord, error)
	Exists(ctx context.Context, routeID string) (bool, error)
	// Identity maps a route actor to the identity the ledger records as creator.
	Identity(actor string) string
}
