package domain

import "errors"

var (
	// Mutation path. Surfaced synchronously, never retried automatically.
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidState         = errors.New("invalid state")
	ErrIncompleteDeliveries = errors.New("incomplete deliveries")
	ErrInvalidRoute         = errors.New("invalid route")

	// Transient. The caller should reread and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrNotFound = errors.New("not found")

	// Ledger preconditions.
	ErrAlreadyAnchored = errors.New("already anchored")
	ErrNotAnchored     = errors.New("not anchored")
	ErrInvalidAnchor   = errors.New("invalid anchor request")

	// Transient infrastructure. Retried with backoff by the anchor worker.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)
