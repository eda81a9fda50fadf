package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is a file-backed AnchorLedger for local and single-node
// deployments. Records are create-once, updates are creator-only, and every
// write is appended to anchor_log, which is never updated or deleted.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteLedger opens (or creates) the ledger file at path and initializes its schema.
func OpenSQLiteLedger(ctx context.Context, path string) (*SQLiteLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("open sqlite ledger: path is empty")
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger %q: %w", path, err)
	}
	// A single writer connection serialises read-check-write sequences.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite ledger %q: verify connection: %w", path, err)
	}

	l := &SQLiteLedger{db: db, now: time.Now}
	if err := l.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) initSchema(ctx context.Context) error {
	statements := []string{
		`
		CREATE TABLE IF NOT EXISTS anchor_records (
			route_id        TEXT PRIMARY KEY,
			fingerprint     TEXT NOT NULL,
			status_label    TEXT NOT NULL,
			total_distance  INTEGER NOT NULL,
			stop_count      INTEGER NOT NULL,
			completed_count INTEGER NOT NULL DEFAULT 0,
			anchor_time     INTEGER NOT NULL,
			anchoring_actor TEXT NOT NULL
		);
		`,
		`
		CREATE TABLE IF NOT EXISTS anchor_log (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			route_id        TEXT NOT NULL,
			op              TEXT NOT NULL,
			fingerprint     TEXT NOT NULL,
			status_label    TEXT NOT NULL,
			completed_count INTEGER NOT NULL,
			actor           TEXT NOT NULL,
			written_at      INTEGER NOT NULL
		);
		`,
		`
		CREATE INDEX IF NOT EXISTS idx_anchor_log_route ON anchor_log(route_id, seq);
		`,
	}

	for i, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite ledger schema: exec statement #%d: %w", i+1, err)
		}
	}
	return nil
}

func (l *SQLiteLedger) Identity(actor string) string { return actor }

func (l *SQLiteLedger) Create(ctx context.Context, actor string, req ports.AnchorCreateRequest) (_ ports.LedgerTx, err error) {
	defer obs.Time(ctx, "ledger.sqlite.Create")(&err)

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return ports.LedgerTx{}, fmt.Errorf("ledger create: %w", domain.ErrInvalidAnchor)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: begin: %w", req.RouteID, unavailable(err))
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM anchor_records WHERE route_id = ?`, req.RouteID).Scan(&one)
	switch {
	case err == nil:
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w", req.RouteID, domain.ErrAlreadyAnchored)
	case !errors.Is(err, sql.ErrNoRows):
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: check existing: %w", req.RouteID, unavailable(err))
	}

	now := l.now().UTC()
	identity := l.Identity(actor)
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO anchor_records (route_id, fingerprint, status_label, total_distance, stop_count,
		completed_count, anchor_time, anchoring_actor)
	VALUES (?, ?, ?, ?, ?, 0, ?, ?);
	`, req.RouteID, req.Fingerprint.Hex(), req.StatusLabel, int64(req.TotalDistance), int64(req.StopCount),
		now.UnixNano(), identity); err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: insert record: %w", req.RouteID, unavailable(err))
	}

	seq, err := appendLog(ctx, tx, req.RouteID, "create", req.Fingerprint, req.StatusLabel, 0, identity, now)
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w", req.RouteID, err)
	}

	if err := tx.Commit(); err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: commit: %w", req.RouteID, unavailable(err))
	}
	return ports.LedgerTx{Ref: fmt.Sprintf("sqlite:%d", seq), IncludedAt: now.Unix()}, nil
}

func (l *SQLiteLedger) Update(ctx context.Context, actor string, req ports.AnchorUpdateRequest) (_ ports.LedgerTx, err error) {
	defer obs.Time(ctx, "ledger.sqlite.Update")(&err)

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return ports.LedgerTx{}, fmt.Errorf("ledger update: %w", domain.ErrInvalidAnchor)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: begin: %w", req.RouteID, unavailable(err))
	}
	defer func() { _ = tx.Rollback() }()

	var creator string
	err = tx.QueryRowContext(ctx, `SELECT anchoring_actor FROM anchor_records WHERE route_id = ?`, req.RouteID).Scan(&creator)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w", req.RouteID, domain.ErrNotAnchored)
	}
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: read creator: %w", req.RouteID, unavailable(err))
	}

	identity := l.Identity(actor)
	if creator != identity {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: caller %q: %w", req.RouteID, actor, domain.ErrForbidden)
	}

	now := l.now().UTC()
	if _, err := tx.ExecContext(ctx, `
	UPDATE anchor_records
	SET fingerprint = ?, status_label = ?, completed_count = ?, anchor_time = ?
	WHERE route_id = ?;
	`, req.Fingerprint.Hex(), req.StatusLabel, int64(req.CompletedCount), now.UnixNano(), req.RouteID); err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: update record: %w", req.RouteID, unavailable(err))
	}

	seq, err := appendLog(ctx, tx, req.RouteID, "update", req.Fingerprint, req.StatusLabel, req.CompletedCount, identity, now)
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w", req.RouteID, err)
	}

	if err := tx.Commit(); err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: commit: %w", req.RouteID, unavailable(err))
	}
	return ports.LedgerTx{Ref: fmt.Sprintf("sqlite:%d", seq), IncludedAt: now.Unix()}, nil
}

func (l *SQLiteLedger) Read(ctx context.Context, routeID string) (_ domain.AnchorRecord, err error) {
	defer obs.Time(ctx, "ledger.sqlite.Read")(&err)

	var (
		rec        = domain.AnchorRecord{RouteID: routeID}
		fp         string
		distance   int64
		stops      int64
		completed  int64
		anchorNano int64
	)
	err = l.db.QueryRowContext(ctx, `
	SELECT fingerprint, status_label, total_distance, stop_count, completed_count, anchor_time, anchoring_actor
	FROM anchor_records
	WHERE route_id = ?;
	`, routeID).Scan(&fp, &rec.StatusLabel, &distance, &stops, &completed, &anchorNano, &rec.AnchoringActor)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: %w", routeID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: %w", routeID, unavailable(err))
	}

	rec.Fingerprint, err = domain.ParseFingerprint(fp)
	if err != nil {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: %w", routeID, err)
	}
	rec.TotalDistance = uint64(distance)
	rec.StopCount = uint64(stops)
	rec.CompletedCount = uint64(completed)
	rec.AnchorTime = time.Unix(0, anchorNano).UTC()
	return rec, nil
}

func (l *SQLiteLedger) Exists(ctx context.Context, routeID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM anchor_records WHERE route_id = ?`, routeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger exists %q: %w", routeID, unavailable(err))
	}
	return true, nil
}

// LogEntry is one row of the append-only write log.
type LogEntry struct {
	Seq            int64
	RouteID        string
	Op             string
	Fingerprint    domain.Fingerprint
	StatusLabel    string
	CompletedCount uint64
	Actor          string
	WrittenAt      time.Time
}

// History returns every write recorded for routeID in order.
func (l *SQLiteLedger) History(ctx context.Context, routeID string) ([]LogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
	SELECT seq, op, fingerprint, status_label, completed_count, actor, written_at
	FROM anchor_log
	WHERE route_id = ?
	ORDER BY seq;
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("ledger history %q: %w", routeID, unavailable(err))
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e         = LogEntry{RouteID: routeID}
			fp        string
			completed int64
			nanos     int64
		)
		if err := rows.Scan(&e.Seq, &e.Op, &fp, &e.StatusLabel, &completed, &e.Actor, &nanos); err != nil {
			return nil, fmt.Errorf("ledger history %q: scan row: %w", routeID, err)
		}
		if e.Fingerprint, err = domain.ParseFingerprint(fp); err != nil {
			return nil, fmt.Errorf("ledger history %q: %w", routeID, err)
		}
		e.CompletedCount = uint64(completed)
		e.WrittenAt = time.Unix(0, nanos).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger history %q: row iteration: %w", routeID, err)
	}
	return out, nil
}

func appendLog(
	ctx context.Context,
	tx *sql.Tx,
	routeID, op string,
	fp domain.Fingerprint,
	status string,
	completed uint64,
	actor string,
	now time.Time,
) (int64, error) {
	res, err := tx.ExecContext(ctx, `
	INSERT INTO anchor_log (route_id, op, fingerprint, status_label, completed_count, actor, written_at)
	VALUES (?, ?, ?, ?, ?, ?, ?);
	`, routeID, op, fp.Hex(), status, int64(completed), actor, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("append log: %w", unavailable(err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append log: last insert id: %w", err)
	}
	return seq, nil
}

// unavailable marks driver and context errors as transient ledger failures.
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
}
