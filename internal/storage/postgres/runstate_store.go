// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/crawl-control/internal/store"
)

// querier is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RunStateStore implements store.RunStateRepository on Postgres. Idempotence
// of the dedup ledger rides on primary-key conflicts: a duplicate insert is
// ON CONFLICT DO NOTHING, which also makes it safe across processes.
type RunStateStore struct {
	pool querier
	now  func() time.Time
}

// NewRunStateStore connects a pool and verifies it with a ping.
func NewRunStateStore(ctx context.Context, cfg Config) (*RunStateStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRunStateStoreWithPool(pool), nil
}

// NewRunStateStoreWithPool wraps an existing pool; used by tests.
func NewRunStateStoreWithPool(pool querier) *RunStateStore {
	return &RunStateStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the underlying pool.
func (s *RunStateStore) Close() {
	s.pool.Close()
}

// IsSeen reports whether the URL exists in the historical ledger.
func (s *RunStateStore) IsSeen(ctx context.Context, url string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM urls_seen WHERE url = $1);`, url,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("query url seen: %w", err)
	}
	return seen, nil
}

// MarkSeen records the URL; duplicate inserts are no-ops.
func (s *RunStateStore) MarkSeen(ctx context.Context, url string, runID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO urls_seen (url, run_id, seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO NOTHING;
	`, url, runID, s.now())
	if err != nil {
		return fmt.Errorf("mark url seen: %w", err)
	}
	return nil
}

// IsQueryDone reports whether the search query was ever issued, across the
// lifetime of the dataset rather than per run.
func (s *RunStateStore) IsQueryDone(ctx context.Context, query string) (bool, error) {
	var done bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queries_done WHERE query_text = $1);`, query,
	).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("query done lookup: %w", err)
	}
	return done, nil
}

// MarkQueryDone records the query; duplicate inserts are no-ops.
func (s *RunStateStore) MarkQueryDone(ctx context.Context, query string, runID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queries_done (query_text, run_id, done_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (query_text) DO NOTHING;
	`, query, runID, s.now())
	if err != nil {
		return fmt.Errorf("mark query done: %w", err)
	}
	return nil
}

// StartRun inserts a new running run and returns its id.
func (s *RunStateStore) StartRun(ctx context.Context) (uuid.UUID, error) {
	runID := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_runs (id, status, started_at, leads_found)
		VALUES ($1, $2, $3, 0);
	`, runID, store.RunRunning, s.now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert crawl run: %w", err)
	}
	return runID, nil
}

// FinishRun stamps the terminal status. Runs already finished are left
// untouched; finishing an unknown run returns store.ErrNotFound.
func (s *RunStateStore) FinishRun(ctx context.Context, runID uuid.UUID, status store.RunStatus, leadsFound int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_runs
		SET status = $1, finished_at = $2, leads_found = $3
		WHERE id = $4 AND finished_at IS NULL;
	`, status, s.now(), leadsFound, runID)
	if err != nil {
		return fmt.Errorf("finish crawl run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads a single run or returns store.ErrNotFound.
func (s *RunStateStore) GetRun(ctx context.Context, runID uuid.UUID) (store.RunRecord, error) {
	var rec store.RunRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, started_at, finished_at, leads_found
		FROM crawl_runs
		WHERE id = $1;
	`, runID).Scan(&rec.ID, &rec.Status, &rec.StartedAt, &rec.FinishedAt, &rec.LeadsFound)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("get crawl run: %w", err)
	}
	return rec, nil
}

// ListRuns returns runs filtered by optional status plus limit/offset.
func (s *RunStateStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, started_at, finished_at, leads_found
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list crawl runs: %w", err)
	}
	defer rows.Close()

	var runs []store.RunRecord
	for rows.Next() {
		var rec store.RunRecord
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.StartedAt, &rec.FinishedAt, &rec.LeadsFound); err != nil {
			return nil, fmt.Errorf("scan crawl run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl runs: %w", err)
	}
	return runs, nil
}

// NewPool builds and pings a pgx connection pool. Callers that need both
// stores share one pool through the WithPool constructors.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
