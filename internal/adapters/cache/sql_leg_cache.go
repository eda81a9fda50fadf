package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"
)

// SQLLegCache stores priced legs in Postgres, keyed by routing profile and
// the coordinate keys of both ends.
type SQLLegCache struct {
	DB *sql.DB

	// MaxAge expires legs fetched longer ago. Zero keeps them forever.
	MaxAge time.Duration
	Now    func() time.Time
}

func NewSQLLegCache(db *sql.DB) *SQLLegCache {
	return &SQLLegCache{DB: db, Now: time.Now}
}

func (c *SQLLegCache) Lookup(
	ctx context.Context,
	profile string,
	origin domain.Coordinates,
	destinations []domain.Coordinates,
) (_ []*ports.Leg, err error) {
	defer obs.Time(ctx, "legcache.lookup")(&err)

	if c.DB == nil {
		return nil, errors.New("leg cache: db is nil")
	}
	out := make([]*ports.Leg, len(destinations))
	if len(destinations) == 0 {
		return out, nil
	}

	keys := make([]string, len(destinations))
	for i, d := range destinations {
		keys[i] = d.Key()
	}

	var cutoff time.Time
	if c.MaxAge > 0 {
		cutoff = c.Now().Add(-c.MaxAge)
	}

	rows, err := c.DB.QueryContext(ctx, `
	SELECT destination, distance_meters, duration_seconds
	FROM route_legs
	WHERE profile = $1
		AND origin = $2
		AND destination = ANY($3::text[])
		AND fetched_at >= $4;
	`, profile, origin.Key(), keys, cutoff)
	if err != nil {
		return nil, fmt.Errorf("leg cache lookup: %w", err)
	}
	defer rows.Close()

	found := make(map[string]ports.Leg, len(keys))
	for rows.Next() {
		var dest string
		var leg ports.Leg
		if err := rows.Scan(&dest, &leg.DistanceMeters, &leg.DurationSeconds); err != nil {
			return nil, fmt.Errorf("leg cache lookup: scan: %w", err)
		}
		found[dest] = leg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leg cache lookup: rows: %w", err)
	}

	for i, k := range keys {
		if leg, ok := found[k]; ok {
			out[i] = &leg
		}
	}
	return out, nil
}

func (c *SQLLegCache) Store(
	ctx context.Context,
	profile string,
	origin domain.Coordinates,
	destinations []domain.Coordinates,
	legs []ports.Leg,
) (err error) {
	defer obs.Time(ctx, "legcache.store")(&err)

	if c.DB == nil {
		return errors.New("leg cache: db is nil")
	}
	if len(destinations) != len(legs) {
		return fmt.Errorf("leg cache store: %d destinations, %d legs", len(destinations), len(legs))
	}
	if len(legs) == 0 {
		return nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("leg cache store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO route_legs (profile, origin, destination, distance_meters, duration_seconds, fetched_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (profile, origin, destination) DO UPDATE
	SET distance_meters = EXCLUDED.distance_meters,
		duration_seconds = EXCLUDED.duration_seconds,
		fetched_at = EXCLUDED.fetched_at;
	`)
	if err != nil {
		return fmt.Errorf("leg cache store: prepare: %w", err)
	}
	defer stmt.Close()

	now := c.Now().UTC()
	from := origin.Key()
	for i, d := range destinations {
		leg := legs[i]
		if _, err := stmt.ExecContext(ctx, profile, from, d.Key(), leg.DistanceMeters, leg.DurationSeconds, now); err != nil {
			return fmt.Errorf("leg cache store %s -> %s: %w", from, d.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("leg cache store: commit: %w", err)
	}
	return nil
}
