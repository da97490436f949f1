// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the control plane.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leadforge/crawl-control/internal/api"
	"github.com/leadforge/crawl-control/internal/config"
	"github.com/leadforge/crawl-control/internal/listener"
	"github.com/leadforge/crawl-control/internal/logging"
	"github.com/leadforge/crawl-control/internal/policy/hostpolicy"
	"github.com/leadforge/crawl-control/internal/router"
	"github.com/leadforge/crawl-control/internal/storage/postgres"
	"github.com/leadforge/crawl-control/internal/storage/sqlite"
	"github.com/leadforge/crawl-control/internal/store"
	"github.com/leadforge/crawl-control/internal/supervisor"
)

// backend bundles what the persistence layer must provide regardless of
// driver.
type backend struct {
	runs   store.RunStateRepository
	events store.EventWriter
	reader listener.EventReader
	pinger api.Pinger
	close  func()
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	backend    backend
	supervisor *supervisor.Supervisor
	hosts      *hostpolicy.Policy
	queues     *router.Router
	listener   *listener.Listener
	pollSource *listener.PollSource
	server     *http.Server
}

// New wires every service from configuration. It fails fast if any critical
// dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, cfgPath string) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	be, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	launcher := &supervisor.ExecLauncher{
		Path:      cfg.Supervisor.CrawlerPath,
		ExtraArgs: cfg.Supervisor.CrawlerArgs,
	}
	cfgSource := config.NewFileConfigSource(cfgPath, cfg)
	sup, err := supervisor.New(ctx, launcher, be.runs, be.events, cfgSource,
		logger.Named("supervisor"))
	if err != nil {
		be.close()
		return nil, err
	}

	hosts := hostpolicy.New(hostpolicy.Config{
		BasePenalty: cfg.HostPolicy.BasePenalty,
		MaxPenalty:  cfg.HostPolicy.MaxPenalty,
		MaxRetries:  cfg.HostPolicy.MaxRetries,
		UserAgents:  cfg.HostPolicy.UserAgents,
		Logger:      logger.Named("hostpolicy"),
	})
	queues := router.New(router.Config{
		MaxQueueSize: cfg.Router.MaxQueueSize,
		Logger:       logger.Named("router"),
	})

	listenerCfg := listener.Config{
		PollTimeout:          cfg.Listener.PollTimeout,
		HealthCheckInterval:  cfg.Listener.HealthCheckInterval,
		MaxReconnectAttempts: cfg.Listener.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Listener.ReconnectBackoff,
		BufferSize:           cfg.Listener.BufferSize,
		Logger:               logger.Named("listener"),
	}
	poll := listener.NewPollSource(be.reader, cfg.Listener.PollInterval, cfg.Listener.PollBatchSize)
	var lst *listener.Listener
	if cfg.DB.Driver == "postgres" {
		lst = listener.New(listener.NewPGSource(cfg.DB.DSN, cfg.Listener.Channel), queues, listenerCfg)
	} else {
		lst = listener.New(poll, queues, listenerCfg)
		poll = nil
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		backend:    be,
		supervisor: sup,
		hosts:      hosts,
		queues:     queues,
		listener:   lst,
		pollSource: poll,
	}
	srv := api.NewServer(api.Options{
		Supervisor:     sup,
		Runs:           be.runs,
		Queues:         queues,
		Hosts:          hosts,
		Listener:       lst,
		DB:             be.pinger,
		Logger:         logger.Named("api"),
		RequestTimeout: cfg.Server.RequestTimeout,
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
	})
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func newBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.DB.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return backend{}, fmt.Errorf("initialize postgres: %w", err)
		}
		logs := postgres.NewLogStoreWithPool(pool)
		return backend{
			runs:   postgres.NewRunStateStoreWithPool(pool),
			events: logs,
			reader: logs,
			pinger: logs,
			close:  pool.Close,
		}, nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.DB.SQLitePath)
		if err != nil {
			return backend{}, fmt.Errorf("initialize sqlite: %w", err)
		}
		return backend{
			runs:   st,
			events: st,
			reader: st,
			pinger: st,
			close:  func() { st.Close() }, //nolint:errcheck
		}, nil
	default:
		return backend{}, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Supervisor exposes the subprocess supervisor for command-line use.
func (a *App) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// Run starts the HTTP server, the event listener and the queue sweeper, and
// blocks until ctx is canceled or a component fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.runListener(ctx)
	})

	g.Go(func() error {
		a.sweepLoop(ctx)
		return nil
	})

	err := g.Wait()
	// An active run aborts on shutdown and still records its terminal
	// status, so the backend must stay open until the run loop exits.
	a.supervisor.Wait()
	a.backend.close()
	a.logger.Sync() //nolint:errcheck // best-effort flush
	return err
}

// runListener runs the configured event listener. When the NOTIFY listener
// exhausts its reconnect budget, the app falls back to polling so the
// dashboard stream degrades instead of going dark.
func (a *App) runListener(ctx context.Context) error {
	err := a.listener.Run(ctx)
	if !errors.Is(err, listener.ErrReconnectExhausted) || ctx.Err() != nil {
		return err
	}
	if a.pollSource == nil {
		a.pollSource = listener.NewPollSource(a.backend.reader,
			a.cfg.Listener.PollInterval, a.cfg.Listener.PollBatchSize)
	}
	a.logger.Warn("notify listener exhausted reconnects, falling back to polling")
	fallback := listener.New(a.pollSource, a.queues, listener.Config{
		PollTimeout:          a.cfg.Listener.PollTimeout,
		HealthCheckInterval:  a.cfg.Listener.HealthCheckInterval,
		MaxReconnectAttempts: a.cfg.Listener.MaxReconnectAttempts,
		ReconnectBackoff:     a.cfg.Listener.ReconnectBackoff,
		BufferSize:           a.cfg.Listener.BufferSize,
		Logger:               a.logger.Named("listener.poll"),
	})
	return fallback.Run(ctx)
}

func (a *App) sweepLoop(ctx context.Context) {
	interval := a.cfg.Router.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.queues.SweepIdle(a.cfg.Router.IdleTTL); n > 0 {
				a.logger.Info("swept idle notification queues", zap.Int("queues", n))
			}
		}
	}
}
