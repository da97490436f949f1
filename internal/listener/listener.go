package listener

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/leadforge/crawl-control/internal/metrics"
	"github.com/leadforge/crawl-control/internal/store"
)

// ErrReconnectExhausted is returned by Run after maxReconnectAttempts
// consecutive failed reconnects. The listener stays unhealthy; the crawl
// itself does not depend on it and continues unaffected.
var ErrReconnectExhausted = errors.New("listener reconnect attempts exhausted")

// Dispatcher receives parsed events; the NotificationRouter satisfies it.
type Dispatcher interface {
	Put(evt store.LogEvent)
}

// Config controls listener timing and resilience.
type Config struct {
	// PollTimeout bounds each WaitForEvent call so the loop periodically
	// re-checks health and shutdown even with no traffic (default 5s).
	PollTimeout time.Duration
	// HealthCheckInterval spaces the proactive Ping probes (default 30s).
	HealthCheckInterval time.Duration
	// MaxReconnectAttempts bounds consecutive reconnects (default 10).
	MaxReconnectAttempts int
	// ReconnectBackoff is the base for exponential reconnect delays
	// (default 1s, capped at 30s).
	ReconnectBackoff time.Duration
	// BufferSize sizes the internal channel between the listen loop and
	// the dispatch goroutine (default 512). Its fill ratio is the
	// backpressure signal exposed via QueueUsage.
	BufferSize int
	Logger     *zap.Logger
}

const (
	defaultPollTimeout         = 5 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultMaxReconnects       = 10
	defaultReconnectBackoff    = time.Second
	maxReconnectBackoff        = 30 * time.Second
	defaultBufferSize          = 512
)

// Listener runs the subscribe/dispatch loop as a long-lived background task.
type Listener struct {
	source     EventSource
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger

	events     chan store.LogEvent
	healthy    atomic.Bool
	reconnects atomic.Int32
}

// New creates a Listener, filling in defaults for unset config fields.
func New(source EventSource, dispatcher Dispatcher, cfg Config) *Listener {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		source:     source,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		events:     make(chan store.LogEvent, cfg.BufferSize),
	}
}

// Run connects and listens until ctx ends or reconnects are exhausted.
// Already-received events are always dispatched before Run returns.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.connect(ctx); err != nil {
		return err
	}

	dispatchDone := make(chan struct{})
	go l.dispatchLoop(dispatchDone)

	err := l.listenLoop(ctx)

	close(l.events)
	<-dispatchDone

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := l.source.Close(closeCtx); cerr != nil {
		l.logger.Warn("event source close failed", zap.Error(cerr))
	}
	l.setHealthy(false)
	return err
}

// Healthy reports whether the subscription is currently believed live.
func (l *Listener) Healthy() bool {
	return l.healthy.Load()
}

// CheckConnectionHealth issues a no-op probe and updates the health flag.
// External monitors call this; the listen loop also pings on its own timer.
func (l *Listener) CheckConnectionHealth(ctx context.Context) error {
	if err := l.source.Ping(ctx); err != nil {
		l.setHealthy(false)
		return fmt.Errorf("connection health check: %w", err)
	}
	l.setHealthy(true)
	return nil
}

// Reconnects reports how many consecutive reconnect attempts are in flight;
// zero while the subscription is stable.
func (l *Listener) Reconnects() int {
	return int(l.reconnects.Load())
}

// QueueUsage reports the internal channel's fill ratio as a percentage.
// Operators use it to spot producer/consumer imbalance before drops occur.
func (l *Listener) QueueUsage() float64 {
	pct := float64(len(l.events)) / float64(cap(l.events)) * 100
	metrics.SetListenerQueueUsage(pct)
	return pct
}

func (l *Listener) connect(ctx context.Context) error {
	if err := l.source.Connect(ctx); err != nil {
		l.setHealthy(false)
		return fmt.Errorf("listener connect: %w", err)
	}
	l.setHealthy(true)
	l.reconnects.Store(0)
	return nil
}

func (l *Listener) listenLoop(ctx context.Context) error {
	healthTicker := time.NewTicker(l.cfg.HealthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-healthTicker.C:
			if err := l.CheckConnectionHealth(ctx); err != nil {
				l.logger.Warn("health probe failed, forcing reconnect", zap.Error(err))
				if rerr := l.reconnect(ctx); rerr != nil {
					return rerr
				}
			}
			continue
		default:
		}

		batch, err := l.source.WaitForEvent(ctx, l.cfg.PollTimeout)
		switch {
		case err == nil:
			for _, evt := range batch {
				l.events <- evt
			}
			l.QueueUsage()
		case errors.Is(err, ErrNoEvent):
			// Quiet timeout; loop around to service tickers and ctx.
		case errors.Is(err, ErrBadPayload):
			// The connection is fine; only this row is unusable.
			l.logger.Warn("skipping unparsable notification", zap.Error(err))
		case ctx.Err() != nil:
			return nil
		default:
			l.logger.Error("event wait failed", zap.Error(err))
			if rerr := l.reconnect(ctx); rerr != nil {
				return rerr
			}
		}
	}
}

func (l *Listener) reconnect(ctx context.Context) error {
	l.setHealthy(false)
	for attempt := 1; attempt <= l.cfg.MaxReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		l.reconnects.Store(int32(attempt))
		metrics.ObserveListenerReconnect()

		backoff := l.cfg.ReconnectBackoff << (attempt - 1)
		if backoff > maxReconnectBackoff || backoff <= 0 {
			backoff = maxReconnectBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}

		if err := l.source.Connect(ctx); err != nil {
			l.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", l.cfg.MaxReconnectAttempts),
				zap.Error(err),
			)
			continue
		}
		l.logger.Info("listener reconnected", zap.Int("attempt", attempt))
		l.setHealthy(true)
		l.reconnects.Store(0)
		return nil
	}
	l.logger.Error("listener giving up after exhausting reconnect attempts",
		zap.Int("max_attempts", l.cfg.MaxReconnectAttempts))
	return ErrReconnectExhausted
}

func (l *Listener) dispatchLoop(done chan<- struct{}) {
	defer close(done)
	for evt := range l.events {
		l.dispatcher.Put(evt)
	}
}

func (l *Listener) setHealthy(healthy bool) {
	l.healthy.Store(healthy)
	metrics.SetListenerHealthy(healthy)
}
