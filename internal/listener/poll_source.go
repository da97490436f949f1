package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/leadforge/crawl-control/internal/store"
)

// EventReader is the minimal read surface PollSource needs from a log store.
type EventReader interface {
	// ListEventsAfter returns up to limit events with id > afterID, in id order.
	ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]store.LogEvent, error)
	// LatestEventID returns the newest log row id, or 0 for an empty table.
	LatestEventID(ctx context.Context) (int64, error)
	// Ping probes the backing store.
	Ping(ctx context.Context) error
}

// PollSource emulates a notification channel by polling the log table for
// rows newer than a watermark. Functionally equivalent to LISTEN/NOTIFY at
// higher latency; used for backends without a notification primitive.
type PollSource struct {
	reader    EventReader
	interval  time.Duration
	batchSize int
	lastID    int64
}

// NewPollSource creates a PollSource polling at the given interval.
func NewPollSource(reader EventReader, interval time.Duration, batchSize int) *PollSource {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PollSource{reader: reader, interval: interval, batchSize: batchSize}
}

// Connect initializes the watermark to the newest existing row, matching
// LISTEN/NOTIFY semantics (subscribers only see inserts after subscription).
// Reconnects keep the existing watermark so no rows are skipped.
func (s *PollSource) Connect(ctx context.Context) error {
	if err := s.reader.Ping(ctx); err != nil {
		return fmt.Errorf("ping for poll source: %w", err)
	}
	if s.lastID == 0 {
		id, err := s.reader.LatestEventID(ctx)
		if err != nil {
			return fmt.Errorf("seed poll watermark: %w", err)
		}
		s.lastID = id
	}
	return nil
}

// WaitForEvent polls until events arrive or the timeout elapses.
func (s *PollSource) WaitForEvent(ctx context.Context, timeout time.Duration) ([]store.LogEvent, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		batch, err := s.reader.ListEventsAfter(ctx, s.lastID, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("poll log events: %w", err)
		}
		if len(batch) > 0 {
			s.lastID = batch[len(batch)-1].ID
			return batch, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoEvent
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ping probes the backing store.
func (s *PollSource) Ping(ctx context.Context) error {
	if err := s.reader.Ping(ctx); err != nil {
		return fmt.Errorf("ping poll source: %w", err)
	}
	return nil
}

// Close is a no-op; the reader owns its connections.
func (s *PollSource) Close(context.Context) error {
	return nil
}
