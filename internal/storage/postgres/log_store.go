package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leadforge/crawl-control/internal/store"
)

// LogStore persists crawler log events. Inserts fire the crawler_log notify
// trigger, so writing here is also how the control plane emits events to the
// live stream.
type LogStore struct {
	pool querier
}

// NewLogStore connects a pool and verifies it with a ping.
func NewLogStore(ctx context.Context, cfg Config) (*LogStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewLogStoreWithPool(pool), nil
}

// NewLogStoreWithPool wraps an existing pool; used by tests.
func NewLogStoreWithPool(pool querier) *LogStore {
	return &LogStore{pool: pool}
}

// Close releases the underlying pool.
func (s *LogStore) Close() {
	s.pool.Close()
}

// WriteEvent inserts one log event. The database assigns id and created_at.
func (s *LogStore) WriteEvent(ctx context.Context, ev store.LogEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	var extra []byte
	if len(ev.Extra) > 0 {
		var err error
		extra, err = json.Marshal(ev.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_log (run_id, level, event_code, event_category, message, portal, url, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`, ev.RunID, ev.Level, ev.Code, ev.Category, ev.Message, ev.Portal, ev.URL, extra)
	if err != nil {
		return fmt.Errorf("insert log event: %w", err)
	}
	return nil
}

// ListEventsAfter returns up to limit events with id greater than afterID,
// oldest first. The polling fallback uses this as its watermark scan.
func (s *LogStore) ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.LogEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, level, event_code, event_category, message, portal, url, created_at
		FROM crawl_log
		WHERE id > $1
		ORDER BY id
		LIMIT $2;
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list log events: %w", err)
	}
	defer rows.Close()

	var events []store.LogEvent
	for rows.Next() {
		var ev store.LogEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Level, &ev.Code, &ev.Category,
			&ev.Message, &ev.Portal, &ev.URL, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log events: %w", err)
	}
	return events, nil
}

// LatestEventID returns the highest assigned event id, or zero for an empty
// table. New poll watermarks seed from here so old history is not replayed.
func (s *LogStore) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM crawl_log;`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest log event id: %w", err)
	}
	return id, nil
}

// Ping verifies database connectivity.
func (s *LogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
