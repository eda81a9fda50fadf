package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"

	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *sql.DB the Postgres stores use.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore keeps route documents as JSONB with the version lifted into
// its own column for the optimistic check. Anchor bookkeeping lives in a
// separate table.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) GetRoute(ctx context.Context, routeID string) (_ *domain.Route, err error) {
	defer obs.Time(ctx, "store.GetRoute")(&err)

	if s.db == nil {
		return nil, errors.New("route store: db is nil")
	}

	var doc []byte
	err = s.db.QueryRowContext(ctx, `SELECT document FROM routes WHERE route_id = $1`, routeID).Scan(&doc)
	if err != nil {
		return nil, fmt.Errorf("get route %q: %w", routeID, handleNotFound(err))
	}

	var r domain.Route
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("get route %q: decode document: %w", routeID, err)
	}
	return &r, nil
}

func (s *PostgresStore) PutRoute(ctx context.Context, route *domain.Route, expectedVersion int64) (err error) {
	defer obs.Time(ctx, "store.PutRoute")(&err)

	if s.db == nil {
		return errors.New("route store: db is nil")
	}
	if route == nil || route.RouteID == "" {
		return fmt.Errorf("put route: %w: missing route id", domain.ErrInvalidRoute)
	}

	doc, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("put route %q: encode document: %w", route.RouteID, err)
	}

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (route_id, version, status, actor, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
		`, route.RouteID, route.Version, string(route.Status), route.Actor, doc,
			route.CreatedAt.UTC(), route.UpdatedAt.UTC())
		if isUniqueViolation(err) {
			return fmt.Errorf("put route %q: already exists: %w", route.RouteID, domain.ErrConcurrentModification)
		}
		if err != nil {
			return fmt.Errorf("put route %q: insert: %w", route.RouteID, err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE routes
	SET version = $2, status = $3, actor = $4, document = $5, updated_at = $6
	WHERE route_id = $1 AND version = $7;
	`, route.RouteID, route.Version, string(route.Status), route.Actor, doc,
		route.UpdatedAt.UTC(), expectedVersion)
	if err != nil {
		return fmt.Errorf("put route %q: update: %w", route.RouteID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put route %q: rows affected: %w", route.RouteID, err)
	}
	if n == 0 {
		return s.missOrConflict(ctx, "put route", route.RouteID)
	}
	return nil
}

func (s *PostgresStore) ListRoutes(ctx context.Context, filter ports.RouteFilter) (_ []*domain.Route, err error) {
	defer obs.Time(ctx, "store.ListRoutes")(&err)

	if s.db == nil {
		return nil, errors.New("route store: db is nil")
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		where = append(where, fmt.Sprintf("actor = $%d", len(args)))
	}

	q := `SELECT document FROM routes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, route_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: query routes table: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Route, 0, 64)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list routes: scan row: %w", err)
		}
		var r domain.Route
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("list routes: decode document: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routes: row iteration: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) DeleteRoute(ctx context.Context, routeID string, expectedVersion int64) (err error) {
	defer obs.Time(ctx, "store.DeleteRoute")(&err)

	if s.db == nil {
		return errors.New("route store: db is nil")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE route_id = $1 AND version = $2`, routeID, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete route %q: %w", routeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete route %q: rows affected: %w", routeID, err)
	}
	if n == 0 {
		return s.missOrConflict(ctx, "delete route", routeID)
	}
	return nil
}

// missOrConflict tells a missing row from a version mismatch after a
// conditional write touched nothing.
func (s *PostgresStore) missOrConflict(ctx context.Context, op, routeID string) error {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM routes WHERE route_id = $1`, routeID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", op, routeID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s %q: read version: %w", op, routeID, err)
	}
	return fmt.Errorf("%s %q: stored version %d: %w", op, routeID, v, domain.ErrConcurrentModification)
}

func (s *PostgresStore) GetAnchorState(ctx context.Context, routeID string) (_ domain.AnchorState, err error) {
	defer obs.Time(ctx, "store.GetAnchorState")(&err)

	if s.db == nil {
		return domain.AnchorState{}, errors.New("anchor state store: db is nil")
	}

	var (
		st         = domain.AnchorState{RouteID: routeID}
		fp         sql.NullString
		txRef      sql.NullString
		anchoredAt sql.NullTime
		lastErr    sql.NullString
		retrying   sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
	SELECT anchored_version, anchored_fingerprint, tx_ref, anchored_at,
		failed, failed_version, attempts, last_error, retrying_since, updated_at
	FROM anchor_states
	WHERE route_id = $1;
	`, routeID).Scan(&st.AnchoredVersion, &fp, &txRef, &anchoredAt,
		&st.Failed, &st.FailedVersion, &st.Attempts, &lastErr, &retrying, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AnchorState{RouteID: routeID}, nil
	}
	if err != nil {
		return domain.AnchorState{}, fmt.Errorf("get anchor state %q: %w", routeID, err)
	}

	if fp.Valid && fp.String != "" {
		parsed, err := domain.ParseFingerprint(fp.String)
		if err != nil {
			return domain.AnchorState{}, fmt.Errorf("get anchor state %q: %w", routeID, err)
		}
		st.AnchoredFingerprint = parsed
	}
	st.TxRef = txRef.String
	st.LastError = lastErr.String
	if anchoredAt.Valid {
		t := anchoredAt.Time
		st.AnchoredAt = &t
	}
	if retrying.Valid {
		t := retrying.Time
		st.RetryingSince = &t
	}
	return st, nil
}

func (s *PostgresStore) MarkAnchored(ctx context.Context, receipt domain.AnchorReceipt) (_ bool, err error) {
	defer obs.Time(ctx, "store.MarkAnchored")(&err)

	if s.db == nil {
		return false, errors.New("anchor state store: db is nil")
	}

	// The WHERE clause on the conflict branch keeps anchored_version monotonic.
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO anchor_states (route_id, anchored_version, anchored_fingerprint, tx_ref, anchored_at,
		failed, failed_version, attempts, last_error, updated_at)
	VALUES ($1, $2, $3, $4, $5, FALSE, 0, 0, NULL, $6)
	ON CONFLICT (route_id) DO UPDATE
	SET anchored_version = EXCLUDED.anchored_version,
		anchored_fingerprint = EXCLUDED.anchored_fingerprint,
		tx_ref = EXCLUDED.tx_ref,
		anchored_at = EXCLUDED.anchored_at,
		failed = anchor_states.failed AND anchor_states.failed_version > EXCLUDED.anchored_version,
		failed_version = CASE WHEN anchor_states.failed_version > EXCLUDED.anchored_version
			THEN anchor_states.failed_version ELSE 0 END,
		attempts = 0,
		last_error = NULL,
		retrying_since = NULL,
		updated_at = EXCLUDED.updated_at
	WHERE anchor_states.anchored_version < EXCLUDED.anchored_version;
	`, receipt.RouteID, receipt.Version, receipt.Fingerprint.Hex(), receipt.TxRef,
		receipt.AnchoredAt.UTC(), s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark anchored %q v%d: %w", receipt.RouteID, receipt.Version, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark anchored %q: rows affected: %w", receipt.RouteID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkAttempt(ctx context.Context, routeID string, version int64, attempts int, lastErr string, at time.Time) error {
	return s.markAttempt(ctx, "mark attempt", routeID, version, attempts, lastErr, false, at)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, routeID string, version int64, attempts int, lastErr string) error {
	return s.markAttempt(ctx, "mark failed", routeID, version, attempts, lastErr, true, time.Time{})
}

func (s *PostgresStore) markAttempt(
	ctx context.Context,
	op, routeID string,
	version int64,
	attempts int,
	lastErr string,
	failed bool,
	at time.Time,
) (err error) {
	defer obs.Time(ctx, "store."+strings.ReplaceAll(op, " ", "_"))(&err)

	if s.db == nil {
		return errors.New("anchor state store: db is nil")
	}

	failedVersion := int64(0)
	var since sql.NullTime
	if failed {
		failedVersion = version
	} else {
		since = sql.NullTime{Time: at.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO anchor_states (route_id, anchored_version, failed, failed_version, attempts, last_error,
		retrying_since, updated_at)
	VALUES ($1, 0, $2, $3, $4, $5, $8, $6)
	ON CONFLICT (route_id) DO UPDATE
	SET failed = anchor_states.failed OR EXCLUDED.failed,
		failed_version = GREATEST(anchor_states.failed_version, EXCLUDED.failed_version),
		attempts = EXCLUDED.attempts,
		last_error = EXCLUDED.last_error,
		retrying_since = CASE WHEN EXCLUDED.failed THEN NULL
			ELSE COALESCE(anchor_states.retrying_since, EXCLUDED.retrying_since) END,
		updated_at = EXCLUDED.updated_at
	WHERE anchor_states.anchored_version < $7;
	`, routeID, failed, failedVersion, attempts, lastErr, s.now().UTC(), version, since)
	if err != nil {
		return fmt.Errorf("%s %q v%d: %w", op, routeID, version, err)
	}
	return nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
