// Package supervisor owns the crawler subprocess lifecycle: launch, monitor,
// restart with backoff, adaptive throttling, and circuit-breaker shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadforge/crawl-control/internal/metrics"
	"github.com/leadforge/crawl-control/internal/store"
)

// State is the supervisor's position in the run state machine.
type State string

// Supervisor states. CircuitOpen is terminal until operator intervention
// (or the configured cooldown); the others resolve on their own.
const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateSucceeded   State = "succeeded"
	StateRetrying    State = "retrying"
	StateCircuitOpen State = "circuit_open"
	StateAborted     State = "aborted"
)

var (
	// ErrRunActive rejects Start while a run is in progress.
	ErrRunActive = errors.New("a crawl run is already active")
	// ErrCircuitOpen rejects Start while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open; reset required")
	// ErrNoActiveRun rejects Abort when nothing is running.
	ErrNoActiveRun = errors.New("no active crawl run")
)

const defaultAbortGrace = 10 * time.Second

// Supervisor manages one crawl run at a time. All exported methods are safe
// for concurrent use.
type Supervisor struct {
	launcher  Launcher
	runs      store.RunStateRepository
	events    store.EventWriter
	cfgSource ConfigSource
	logger    *zap.Logger

	// baseCtx scopes the background run loop. Runs started over the HTTP
	// surface must outlive the request that started them, so the loop runs
	// on the context the Supervisor was constructed with, never the
	// caller's.
	baseCtx context.Context

	// sleep is injectable so tests can compress backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      State
	cfg        Config
	cfgVersion int64

	runID    uuid.UUID
	attempt  int
	qpi      int
	abortCh  chan struct{}
	aborted  bool
	runDone  chan struct{}

	consecutiveFailures int
	breakerOpenedAt     time.Time

	rateLimited   int64
	totalRequests int64
	leadsFound    int
}

// Status is a point-in-time snapshot for the operator surface.
type Status struct {
	State               State      `json:"state"`
	RunID               *uuid.UUID `json:"run_id,omitempty"`
	Attempt             int        `json:"attempt"`
	QPI                 int        `json:"qpi"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ErrorRate           float64    `json:"error_rate"`
	ConfigVersion       int64      `json:"config_version"`
}

// New constructs a Supervisor and loads its initial configuration. ctx
// bounds the lifetime of every run the supervisor launches; canceling it
// aborts the active run. The events writer may be nil; lifecycle events are
// then only logged locally.
func New(
	ctx context.Context,
	launcher Launcher,
	runs store.RunStateRepository,
	events store.EventWriter,
	cfgSource ConfigSource,
	logger *zap.Logger,
) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, version, err := cfgSource.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load supervisor config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate supervisor config: %w", err)
	}
	if cfg.AbortGracePeriod <= 0 {
		cfg.AbortGracePeriod = defaultAbortGrace
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Supervisor{
		launcher:  launcher,
		runs:      runs,
		events:    events,
		cfgSource: cfgSource,
		logger:    logger,
		baseCtx:   ctx,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		state:      StateIdle,
		cfg:        cfg,
		cfgVersion: version,
	}, nil
}

// Start creates a run record and launches the monitor loop in the
// background. It fails fast on malformed parameters and while the breaker
// is open (unless the configured cooldown has elapsed). ctx scopes only the
// run-record insert; the run itself lives on the supervisor's own context.
func (s *Supervisor) Start(ctx context.Context, params RunParams) (uuid.UUID, error) {
	if err := params.Validate(); err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	switch s.state {
	case StateStarting, StateRunning, StateRetrying:
		s.mu.Unlock()
		return uuid.Nil, ErrRunActive
	case StateCircuitOpen:
		cooldown := s.cfg.CircuitBreakerCooldown
		if cooldown <= 0 || time.Since(s.breakerOpenedAt) < cooldown {
			s.mu.Unlock()
			return uuid.Nil, ErrCircuitOpen
		}
		s.logger.Info("circuit breaker cooldown elapsed, permitting run",
			zap.Duration("cooldown", cooldown))
		metrics.SetCircuitBreakerOpen(false)
	}
	s.state = StateStarting
	s.mu.Unlock()

	runID, err := s.runs.StartRun(ctx)
	if err != nil {
		s.setState(StateIdle)
		return uuid.Nil, fmt.Errorf("create run record: %w", err)
	}

	s.mu.Lock()
	s.runID = runID
	s.attempt = 1
	s.qpi = params.QPI
	s.abortCh = make(chan struct{})
	s.aborted = false
	s.runDone = make(chan struct{})
	s.rateLimited = 0
	s.totalRequests = 0
	s.leadsFound = 0
	s.mu.Unlock()

	go s.runLoop(s.baseCtx, params)
	return runID, nil
}

// Abort terminates the active run: graceful signal, grace period, then a
// forced kill. It applies in any non-terminal state, including backoff
// sleeps between restarts.
func (s *Supervisor) Abort(runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStarting, StateRunning, StateRetrying:
	default:
		return ErrNoActiveRun
	}
	if runID != uuid.Nil && runID != s.runID {
		return fmt.Errorf("%w: run %s is not active", ErrNoActiveRun, runID)
	}
	if !s.aborted {
		s.aborted = true
		close(s.abortCh)
	}
	return nil
}

// Wait blocks until the current run's monitor loop exits. Returns
// immediately when no run is active.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status snapshots the supervisor for the operator surface.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:               s.state,
		Attempt:             s.attempt,
		QPI:                 s.qpi,
		ConsecutiveFailures: s.consecutiveFailures,
		ErrorRate:           s.errorRateLocked(),
		ConfigVersion:       s.cfgVersion,
	}
	if s.runID != uuid.Nil {
		id := s.runID
		st.RunID = &id
	}
	return st
}

// ResetBreaker closes an open circuit breaker and clears the failure count.
func (s *Supervisor) ResetBreaker(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCircuitOpen {
		s.mu.Unlock()
		return fmt.Errorf("circuit breaker is not open (state %s)", s.state)
	}
	s.state = StateIdle
	s.consecutiveFailures = 0
	s.breakerOpenedAt = time.Time{}
	runID := s.runID
	s.mu.Unlock()

	metrics.SetCircuitBreakerOpen(false)
	s.logger.Info("circuit breaker reset by operator")
	s.writeEvent(ctx, runID, "info", store.CodeBreakerReset, "circuit breaker reset by operator")
	return nil
}

// SetQPI overrides the throttle used for the next subprocess launch.
func (s *Supervisor) SetQPI(qpi int) error {
	if qpi <= 0 {
		return fmt.Errorf("qpi must be > 0, got %d", qpi)
	}
	s.mu.Lock()
	s.qpi = qpi
	s.mu.Unlock()
	return nil
}

// ReportRequestMetrics folds subprocess-reported request deltas into the
// rolling error rate used for adaptive throttling.
func (s *Supervisor) ReportRequestMetrics(rateLimited, total int64) {
	s.mu.Lock()
	s.rateLimited += rateLimited
	s.totalRequests += total
	s.mu.Unlock()
}

// AddLeadsFound accumulates the lead count recorded at run finish.
func (s *Supervisor) AddLeadsFound(n int) {
	s.mu.Lock()
	s.leadsFound += n
	s.mu.Unlock()
}

func (s *Supervisor) runLoop(ctx context.Context, params RunParams) {
	defer func() {
		s.mu.Lock()
		done := s.runDone
		s.mu.Unlock()
		close(done)
	}()

	// Terminal bookkeeping must land even when ctx is canceled mid-run by
	// shutdown, so store writes go through a detached context.
	bctx := context.WithoutCancel(ctx)

	runID := s.currentRunID()
	s.writeEvent(bctx, runID, "info", store.CodeCrawlStart,
		fmt.Sprintf("crawl run started for industry %q", params.Industry))

	for {
		s.reloadConfig(ctx, runID)

		launch := params
		launch.QPI = s.currentQPI()

		s.setState(StateStarting)
		proc, err := s.launcher.Start(ctx, runID, launch)
		if err != nil {
			// Configuration errors are fatal: retrying cannot fix a
			// missing executable or bad parameters.
			s.logger.Error("crawler launch failed fatally", zap.Error(err))
			s.finishRun(bctx, runID, StateAborted, store.RunAborted)
			s.writeEvent(bctx, runID, "error", store.CodeCrawlAbort,
				fmt.Sprintf("launch failed: %v", err))
			return
		}
		s.setState(StateRunning)

		exitErr := s.waitProcess(ctx, proc)

		if s.wasAborted() || ctx.Err() != nil {
			s.finishRun(bctx, runID, StateAborted, store.RunAborted)
			s.writeEvent(bctx, runID, "warn", store.CodeCrawlAbort, "run aborted by operator")
			return
		}

		if exitErr == nil {
			s.clearFailures()
			s.finishRun(bctx, runID, StateSucceeded, store.RunCompleted)
			s.writeEvent(bctx, runID, "info", store.CodeCrawlEnd, "crawl run completed")
			return
		}

		fails := s.recordFailure()
		metrics.ObserveRestart("nonzero_exit")
		s.logger.Warn("crawler subprocess failed",
			zap.Int("attempt", s.currentAttempt()),
			zap.Int("consecutive_failures", fails),
			zap.Error(exitErr),
		)

		if fails >= s.currentConfig().CircuitBreakerFailureCount {
			s.openBreaker(bctx, runID)
			return
		}

		if s.currentAttempt() >= s.currentConfig().MaxRetryAttempts {
			s.logger.Error("retry attempts exhausted",
				zap.Int("max_attempts", s.currentConfig().MaxRetryAttempts))
			s.finishRun(bctx, runID, StateAborted, store.RunAborted)
			s.writeEvent(bctx, runID, "error", store.CodeCrawlAbort,
				"retry attempts exhausted")
			return
		}

		s.setState(StateRetrying)
		s.maybeReduceQPI(bctx, runID)

		backoff := s.retryBackoff()
		s.writeEvent(bctx, runID, "warn", store.CodeCrawlRetry,
			fmt.Sprintf("restarting crawler in %s (attempt %d)", backoff, s.currentAttempt()+1))
		if err := s.sleepAbortable(ctx, backoff); err != nil {
			s.finishRun(bctx, runID, StateAborted, store.RunAborted)
			s.writeEvent(bctx, runID, "warn", store.CodeCrawlAbort, "run aborted during backoff")
			return
		}
		s.bumpAttempt()
	}
}

// waitProcess waits for exit, an operator abort, or shutdown. Abort and
// shutdown both deliver SIGTERM, wait out the grace period, then kill.
func (s *Supervisor) waitProcess(ctx context.Context, proc Process) error {
	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	select {
	case err := <-waitCh:
		return err
	case <-s.abortChan():
	case <-ctx.Done():
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("graceful signal failed", zap.Error(err))
	}
	select {
	case <-waitCh:
	case <-time.After(s.currentConfig().AbortGracePeriod):
		s.logger.Warn("grace period expired, killing crawler")
		if err := proc.Kill(); err != nil {
			s.logger.Error("kill failed", zap.Error(err))
		}
		<-waitCh
	}
	return nil
}

func (s *Supervisor) reloadConfig(ctx context.Context, runID uuid.UUID) {
	cfg, version, err := s.cfgSource.Load(ctx)
	if err != nil {
		s.logger.Warn("config reload failed, keeping current config", zap.Error(err))
		return
	}
	s.mu.Lock()
	if version == s.cfgVersion {
		s.mu.Unlock()
		return
	}
	if err := cfg.Validate(); err != nil {
		s.mu.Unlock()
		s.logger.Error("rejecting invalid config reload", zap.Error(err),
			zap.Int64("version", version))
		return
	}
	if cfg.AbortGracePeriod <= 0 {
		cfg.AbortGracePeriod = defaultAbortGrace
	}
	old := s.cfgVersion
	s.cfg = cfg
	s.cfgVersion = version
	s.mu.Unlock()

	s.logger.Info("supervisor config reloaded",
		zap.Int64("old_version", old), zap.Int64("new_version", version))
	s.writeEvent(ctx, runID, "info", store.CodeConfigReload,
		fmt.Sprintf("config reloaded at version %d", version))
}

func (s *Supervisor) maybeReduceQPI(ctx context.Context, runID uuid.UUID) {
	s.mu.Lock()
	rate := s.errorRateLocked()
	cfg := s.cfg
	if rate <= cfg.ErrorRateThreshold {
		s.mu.Unlock()
		return
	}
	oldQPI := s.qpi
	newQPI := int(float64(s.qpi) * cfg.QPIReductionFactor)
	if newQPI < 1 {
		newQPI = 1
	}
	if newQPI == oldQPI {
		s.mu.Unlock()
		return
	}
	s.qpi = newQPI
	s.mu.Unlock()

	metrics.ObserveRestart("throttled")
	s.logger.Warn("error rate above threshold, reducing qpi",
		zap.Float64("error_rate", rate),
		zap.Int("old_qpi", oldQPI),
		zap.Int("new_qpi", newQPI),
	)
	s.writeEvent(ctx, runID, "warn", store.CodeQPIAdjusted,
		fmt.Sprintf("qpi reduced %d -> %d (error rate %.2f)", oldQPI, newQPI, rate))
}

func (s *Supervisor) openBreaker(ctx context.Context, runID uuid.UUID) {
	s.mu.Lock()
	s.state = StateCircuitOpen
	s.breakerOpenedAt = time.Now()
	fails := s.consecutiveFailures
	s.mu.Unlock()

	metrics.SetCircuitBreakerOpen(true)
	s.logger.Error("circuit breaker opened; manual reset required",
		zap.Int("consecutive_failures", fails))

	if err := s.runs.FinishRun(ctx, runID, store.RunFailed, s.currentLeads()); err != nil {
		s.logger.Error("finish run failed", zap.Error(err))
	}
	metrics.ObserveRunFinished(string(store.RunFailed))
	s.writeEvent(ctx, runID, "error", store.CodeBreakerOpen,
		fmt.Sprintf("circuit breaker opened after %d consecutive failures", fails))
}

func (s *Supervisor) finishRun(ctx context.Context, runID uuid.UUID, st State, status store.RunStatus) {
	s.setState(st)
	if err := s.runs.FinishRun(ctx, runID, status, s.currentLeads()); err != nil {
		s.logger.Error("finish run failed",
			zap.String("run_id", runID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	metrics.ObserveRunFinished(string(status))
}

func (s *Supervisor) retryBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RetryBackoffBase << (s.attempt - 1)
}

func (s *Supervisor) sleepAbortable(ctx context.Context, d time.Duration) error {
	abortCh := s.abortChan()
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-abortCh:
			cancel()
		case <-sleepCtx.Done():
		}
	}()
	if err := s.sleep(sleepCtx, d); err != nil {
		return fmt.Errorf("backoff interrupted: %w", err)
	}
	if s.wasAborted() {
		return errors.New("aborted during backoff")
	}
	return nil
}

func (s *Supervisor) writeEvent(ctx context.Context, runID uuid.UUID, level string, code store.EventCode, msg string) {
	if s.events == nil {
		return
	}
	id := runID
	evt := store.LogEvent{
		RunID:    &id,
		Level:    level,
		Code:     code,
		Category: code.Category(),
		Message:  msg,
	}
	if err := s.events.WriteEvent(ctx, evt); err != nil {
		s.logger.Warn("write lifecycle event failed",
			zap.String("event_code", string(code)), zap.Error(err))
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) currentRunID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *Supervisor) currentQPI() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qpi
}

func (s *Supervisor) currentAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) bumpAttempt() {
	s.mu.Lock()
	s.attempt++
	s.mu.Unlock()
}

func (s *Supervisor) currentConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Supervisor) currentLeads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leadsFound
}

func (s *Supervisor) abortChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortCh
}

func (s *Supervisor) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Supervisor) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	return s.consecutiveFailures
}

func (s *Supervisor) clearFailures() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// errorRateLocked computes rate-limit responses over total requests.
// Caller holds s.mu.
func (s *Supervisor) errorRateLocked() float64 {
	if s.totalRequests == 0 {
		return 0
	}
	return float64(s.rateLimited) / float64(s.totalRequests)
}
