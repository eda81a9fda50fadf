package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InitSchema creates the Postgres tables used by the route store, the anchor
// bookkeeping and the distance cache. It is idempotent.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("init schema: DB is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("init schema: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createRoutesQuery := `
	CREATE TABLE IF NOT EXISTS routes (
		route_id   TEXT PRIMARY KEY,
		version    BIGINT NOT NULL CHECK (version > 0),
		status     TEXT NOT NULL,
		actor      TEXT NOT NULL,
		document   JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`

	createRoutesIndexQuery := `
	CREATE INDEX IF NOT EXISTS idx_routes_status_created
	ON routes(status, created_at DESC);
	`

	createAnchorStatesQuery := `
	CREATE TABLE IF NOT EXISTS anchor_states (
		route_id             TEXT PRIMARY KEY,
		anchored_version     BIGINT NOT NULL DEFAULT 0,
		anchored_fingerprint TEXT,
		tx_ref               TEXT,
		anchored_at          TIMESTAMPTZ,
		failed               BOOLEAN NOT NULL DEFAULT FALSE,
		failed_version       BIGINT NOT NULL DEFAULT 0,
		attempts             INTEGER NOT NULL DEFAULT 0,
		last_error           TEXT,
		updated_at           TIMESTAMPTZ NOT NULL
	);
	`

	createRouteLegsQuery := `
	CREATE TABLE IF NOT EXISTS route_legs (
		profile          TEXT NOT NULL,
		origin           TEXT NOT NULL,
		destination      TEXT NOT NULL,
		distance_meters  INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		fetched_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (profile, origin, destination)
	);
	`

	addRetryingSinceQuery := `
	ALTER TABLE anchor_states ADD COLUMN IF NOT EXISTS retrying_since TIMESTAMPTZ;
	`

	statements := []string{
		createRoutesQuery,
		createRoutesIndexQuery,
		createAnchorStatesQuery,
		addRetryingSinceQuery,
		createRouteLegsQuery,
	}

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: exec statement #%d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init schema: commit tx: %w", err)
	}

	return nil
}
