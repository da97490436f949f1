// Package router fans parsed log events out into per-run bounded queues for
// pull-based consumption by dashboard observers.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leadforge/crawl-control/internal/metrics"
	"github.com/leadforge/crawl-control/internal/store"
)

// Config controls queue sizing for the Router.
type Config struct {
	// MaxQueueSize bounds each run's queue (default 256). When full, the
	// oldest entry is evicted so producers never block.
	MaxQueueSize int
	Logger       *zap.Logger
}

const (
	defaultMaxQueueSize = 256
	dropWarnInterval    = 5 * time.Second
)

// Stats reports router occupancy for operational visibility.
type Stats struct {
	TotalQueues        int            `json:"total_queues"`
	TotalNotifications int64          `json:"total_notifications"`
	TotalDropped       int64          `json:"total_dropped"`
	QueueSizes         map[string]int `json:"queue_sizes"`
}

type runQueue struct {
	events     []store.LogEvent
	lastActive time.Time
	wake       chan struct{}
}

func (q *runQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Router owns the per-run queues. Events within one run's queue preserve
// insertion order; no ordering is guaranteed across runs. All methods are
// safe for concurrent use.
type Router struct {
	mu      sync.Mutex
	queues  map[uuid.UUID]*runQueue
	cfg     Config
	logger  *zap.Logger
	dropLog *rate.Limiter

	total   int64
	dropped int64
}

// New creates a Router, filling in defaults for unset config fields.
func New(cfg Config) *Router {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		queues:  make(map[uuid.UUID]*runQueue),
		cfg:     cfg,
		logger:  logger,
		dropLog: rate.NewLimiter(rate.Every(dropWarnInterval), 1),
	}
}

// Put routes an event to its run's queue, creating the queue lazily. Events
// without a run id are discarded: there is no addressable consumer. When the
// queue is full the oldest entry is evicted before the new one is appended,
// so Put never blocks and never fails.
func (r *Router) Put(evt store.LogEvent) {
	if evt.RunID == nil {
		r.logger.Debug("discarding event without run id",
			zap.String("event_code", string(evt.Code)))
		return
	}

	r.mu.Lock()
	q := r.queue(*evt.RunID)
	if len(q.events) >= r.cfg.MaxQueueSize {
		copy(q.events, q.events[1:])
		q.events = q.events[:len(q.events)-1]
		r.dropped++
		metrics.ObserveEventDropped()
		if r.dropLog.Allow() {
			r.logger.Warn("notification queue full, evicting oldest",
				zap.String("run_id", evt.RunID.String()),
				zap.Int64("total_dropped", r.dropped),
			)
		}
	}
	q.events = append(q.events, evt)
	q.lastActive = time.Now()
	r.total++
	metrics.ObserveEventRouted(string(evt.Category))
	q.signal()
	r.mu.Unlock()
}

// Drain removes and returns all queued events for a run, in insertion order.
// Draining an unknown run returns nil.
func (r *Router) Drain(runID uuid.UUID) []store.LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[runID]
	if !ok || len(q.events) == 0 {
		if ok {
			q.lastActive = time.Now()
		}
		return nil
	}
	out := q.events
	q.events = nil
	q.lastActive = time.Now()
	return out
}

// DrainWait blocks until at least one event is available for the run, then
// drains the queue. It returns ctx.Err() if the context ends first. The
// queue is created lazily so observers can wait on runs that have not yet
// produced events.
func (r *Router) DrainWait(ctx context.Context, runID uuid.UUID) ([]store.LogEvent, error) {
	for {
		r.mu.Lock()
		q := r.queue(runID)
		if len(q.events) > 0 {
			out := q.events
			q.events = nil
			q.lastActive = time.Now()
			r.mu.Unlock()
			return out, nil
		}
		wake := q.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peek returns the oldest queued event for a run without removing it.
func (r *Router) Peek(runID uuid.UUID) (store.LogEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[runID]
	if !ok || len(q.events) == 0 {
		return store.LogEvent{}, false
	}
	return q.events[0], true
}

// Stats snapshots router occupancy.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make(map[string]int, len(r.queues))
	for id, q := range r.queues {
		sizes[id.String()] = len(q.events)
	}
	return Stats{
		TotalQueues:        len(r.queues),
		TotalNotifications: r.total,
		TotalDropped:       r.dropped,
		QueueSizes:         sizes,
	}
}

// SweepIdle removes queues whose last activity is older than ttl and returns
// the number removed. Intended to be called periodically by the owner.
func (r *Router) SweepIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, q := range r.queues {
		if q.lastActive.Before(cutoff) {
			delete(r.queues, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("swept idle notification queues", zap.Int("removed", removed))
	}
	metrics.SetNotificationQueues(len(r.queues))
	return removed
}

// queue returns (lazily creating) the queue for a run. Caller holds r.mu.
func (r *Router) queue(runID uuid.UUID) *runQueue {
	q, ok := r.queues[runID]
	if !ok {
		q = &runQueue{
			lastActive: time.Now(),
			wake:       make(chan struct{}, 1),
		}
		r.queues[runID] = q
		metrics.SetNotificationQueues(len(r.queues))
	}
	return q
}
