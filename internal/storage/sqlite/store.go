// Package sqlite provides a single-node backend on modernc.org/sqlite. It
// has no NOTIFY mechanism, so deployments on this backend pair it with the
// polling event source.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/leadforge/crawl-control/internal/store"
)

// Store implements store.RunStateRepository, store.EventWriter and the
// polling reader on one SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path, configures WAL mode and
// applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", pragma, err)
		}
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	leads_found INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS urls_seen (
	url     TEXT PRIMARY KEY,
	run_id  TEXT NOT NULL,
	seen_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queries_done (
	query_text TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	done_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT,
	level          TEXT NOT NULL,
	event_code     TEXT NOT NULL,
	event_category TEXT NOT NULL,
	message        TEXT NOT NULL,
	portal         TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL DEFAULT '',
	extra_data     TEXT,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crawl_runs_status ON crawl_runs(status);
CREATE INDEX IF NOT EXISTS idx_crawl_log_run_id ON crawl_log(run_id);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsSeen reports whether the URL exists in the ledger.
func (s *Store) IsSeen(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM urls_seen WHERE url = ?`, url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query url seen: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records the URL; duplicate inserts are no-ops.
func (s *Store) MarkSeen(ctx context.Context, url string, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO urls_seen (url, run_id, seen_at) VALUES (?, ?, ?)`,
		url, runID.String(), s.now())
	if err != nil {
		return fmt.Errorf("mark url seen: %w", err)
	}
	return nil
}

// IsQueryDone reports whether the query was ever issued.
func (s *Store) IsQueryDone(ctx context.Context, query string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM queries_done WHERE query_text = ?`, query).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query done lookup: %w", err)
	}
	return n > 0, nil
}

// MarkQueryDone records the query; duplicate inserts are no-ops.
func (s *Store) MarkQueryDone(ctx context.Context, query string, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queries_done (query_text, run_id, done_at) VALUES (?, ?, ?)`,
		query, runID.String(), s.now())
	if err != nil {
		return fmt.Errorf("mark query done: %w", err)
	}
	return nil
}

// StartRun inserts a new running run and returns its id.
func (s *Store) StartRun(ctx context.Context) (uuid.UUID, error) {
	runID := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_runs (id, status, started_at, leads_found) VALUES (?, ?, ?, 0)`,
		runID.String(), string(store.RunRunning), s.now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert crawl run: %w", err)
	}
	return runID, nil
}

// FinishRun stamps the terminal status on a still-open run.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status store.RunStatus, leadsFound int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_runs SET status = ?, finished_at = ?, leads_found = ?
		 WHERE id = ? AND finished_at IS NULL`,
		string(status), s.now(), leadsFound, runID.String())
	if err != nil {
		return fmt.Errorf("finish crawl run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish crawl run: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads a single run or returns store.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (store.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, finished_at, leads_found FROM crawl_runs WHERE id = ?`,
		runID.String())
	return scanRun(row)
}

// ListRuns returns runs filtered by optional status plus limit/offset.
func (s *Store) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.RunRecord, error) {
	query := `SELECT id, status, started_at, finished_at, leads_found FROM crawl_runs WHERE 1=1`
	var args []any
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list crawl runs: %w", err)
	}
	defer rows.Close()

	var runs []store.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl runs: %w", err)
	}
	return runs, nil
}

// WriteEvent appends one log event.
func (s *Store) WriteEvent(ctx context.Context, ev store.LogEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	var runID sql.NullString
	if ev.RunID != nil {
		runID = sql.NullString{String: ev.RunID.String(), Valid: true}
	}
	var extra sql.NullString
	if len(ev.Extra) > 0 {
		b, err := json.Marshal(ev.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra data: %w", err)
		}
		extra = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_log (run_id, level, event_code, event_category, message, portal, url, extra_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Level, string(ev.Code), string(ev.Category), ev.Message, ev.Portal, ev.URL, extra, s.now())
	if err != nil {
		return fmt.Errorf("insert log event: %w", err)
	}
	return nil
}

// ListEventsAfter returns up to limit events with id greater than afterID,
// oldest first.
func (s *Store) ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.LogEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, level, event_code, event_category, message, portal, url, created_at
		FROM crawl_log WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list log events: %w", err)
	}
	defer rows.Close()

	var events []store.LogEvent
	for rows.Next() {
		var (
			ev    store.LogEvent
			runID sql.NullString
		)
		if err := rows.Scan(&ev.ID, &runID, &ev.Level, &ev.Code, &ev.Category,
			&ev.Message, &ev.Portal, &ev.URL, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log event: %w", err)
		}
		if runID.Valid {
			id, err := uuid.Parse(runID.String)
			if err != nil {
				return nil, fmt.Errorf("parse run id: %w", err)
			}
			ev.RunID = &id
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log events: %w", err)
	}
	return events, nil
}

// LatestEventID returns the highest assigned event id, or zero when empty.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM crawl_log`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest log event id: %w", err)
	}
	return id, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (store.RunRecord, error) {
	var (
		rec      store.RunRecord
		id       string
		finished sql.NullTime
	)
	err := row.Scan(&id, &rec.Status, &rec.StartedAt, &finished, &rec.LeadsFound)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RunRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("scan crawl run: %w", err)
	}
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("parse run id: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}
