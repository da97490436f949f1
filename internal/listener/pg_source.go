package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadforge/crawl-control/internal/store"
)

// DefaultChannel is the notification channel the log-table trigger NOTIFYs on.
const DefaultChannel = "crawler_log_events"

// PGSource subscribes to a Postgres NOTIFY channel over a dedicated
// connection. LISTEN state is per-connection, so the source owns its own
// pgx.Conn rather than borrowing from a pool.
type PGSource struct {
	dsn     string
	channel string
	conn    *pgx.Conn
}

// NewPGSource creates a PGSource for the given DSN and channel. An empty
// channel selects DefaultChannel.
func NewPGSource(dsn, channel string) *PGSource {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGSource{dsn: dsn, channel: channel}
}

// Connect dials a fresh connection and issues LISTEN. A previous broken
// connection, if any, is discarded first.
func (s *PGSource) Connect(ctx context.Context) error {
	if s.conn != nil {
		_ = s.conn.Close(ctx)
		s.conn = nil
	}
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("connect for listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("listen %s: %w", s.channel, err)
	}
	s.conn = conn
	return nil
}

// WaitForEvent blocks until the next notification or the timeout. The
// payload is the JSON the insert trigger built; rows whose payload fails to
// parse come back as ErrBadPayload so the listener can log and skip them
// without redialing.
func (s *PGSource) WaitForEvent(ctx context.Context, timeout time.Duration) ([]store.LogEvent, error) {
	if s.conn == nil {
		return nil, errors.New("not connected")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := s.conn.WaitForNotification(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrNoEvent
		}
		return nil, fmt.Errorf("wait for notification: %w", err)
	}
	evt, err := parsePayload([]byte(n.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return []store.LogEvent{evt}, nil
}

// Ping probes the dedicated connection.
func (s *PGSource) Ping(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping listen connection: %w", err)
	}
	return nil
}

// Close releases the dedicated connection.
func (s *PGSource) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	if err != nil {
		return fmt.Errorf("close listen connection: %w", err)
	}
	return nil
}

// notifyPayload mirrors the JSON the log-table trigger emits. The message is
// pre-truncated by the trigger to respect the NOTIFY size limit.
type notifyPayload struct {
	ID        int64     `json:"id"`
	RunID     *string   `json:"run_id"`
	Level     string    `json:"level"`
	Code      string    `json:"event_code"`
	Category  string    `json:"event_category"`
	Message   string    `json:"message"`
	Portal    string    `json:"portal"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

func parsePayload(raw []byte) (store.LogEvent, error) {
	var p notifyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return store.LogEvent{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	evt := store.LogEvent{
		ID:        p.ID,
		Level:     p.Level,
		Code:      store.EventCode(p.Code),
		Category:  store.EventCategory(p.Category),
		Message:   p.Message,
		Portal:    p.Portal,
		URL:       p.URL,
		CreatedAt: p.CreatedAt,
	}
	if p.RunID != nil && *p.RunID != "" {
		id, err := uuid.Parse(*p.RunID)
		if err != nil {
			return store.LogEvent{}, fmt.Errorf("parse run id: %w", err)
		}
		evt.RunID = &id
	}
	return evt, nil
}
