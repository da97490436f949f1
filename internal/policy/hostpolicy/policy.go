// Package hostpolicy implements per-host politeness: penalty backoff with
// jitter, circuit-style abandonment, and round-robin user-agent rotation.
package hostpolicy

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds host policy configuration.
type Config struct {
	// BasePenalty is the penalty applied on the first rate-limit response.
	BasePenalty time.Duration
	// MaxPenalty caps penalty growth under sustained blocking.
	MaxPenalty time.Duration
	// MaxRetries is the consecutive-failure count after which a host is
	// abandoned for the remainder of its penalty window.
	MaxRetries int
	// UserAgents is the rotation pool. At least one entry is required; a
	// single default is substituted when empty.
	UserAgents []string

	// Now and Jitter are injectable for tests. Jitter returns a uniform
	// sample from [lo, hi].
	Now    func() time.Time
	Jitter func(lo, hi float64) float64

	Logger *zap.Logger
}

const defaultUserAgent = "leadforge-crawler/1.0"

// Decision is the outcome of a PreRequest call.
type Decision struct {
	// Delay is how long the caller should sleep before fetching.
	Delay time.Duration
	// UserAgent is the next agent in the rotation.
	UserAgent string
	// Allowed is false when the host should be abandoned for now rather
	// than waited on.
	Allowed bool
}

type hostState struct {
	penalty             time.Duration
	penaltyUntil        time.Time
	consecutiveFailures int
	uaIndex             int
}

// Policy tracks politeness state per target host. State is in-memory and
// process-local; politeness is advisory, not a distributed guarantee. All
// methods are safe for concurrent use; updates for a given host are
// linearized under the policy mutex.
type Policy struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	cfg    Config
	logger *zap.Logger
}

// New creates a Policy, filling in defaults for unset config fields.
func New(cfg Config) *Policy {
	if cfg.BasePenalty <= 0 {
		cfg.BasePenalty = 60 * time.Second
	}
	if cfg.MaxPenalty <= 0 {
		cfg.MaxPenalty = 900 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{defaultUserAgent}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Jitter == nil {
		cfg.Jitter = func(lo, hi float64) float64 {
			return lo + rand.Float64()*(hi-lo)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		hosts:  make(map[string]*hostState),
		cfg:    cfg,
		logger: logger,
	}
}

// PreRequest computes the politeness decision for the next request to host.
// The user agent rotates round-robin on every call, independent of penalty
// state, so fingerprints vary even on healthy hosts.
func (p *Policy) PreRequest(host string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(host)
	ua := p.cfg.UserAgents[st.uaIndex%len(p.cfg.UserAgents)]
	st.uaIndex++

	now := p.cfg.Now()
	var delay time.Duration
	if st.penaltyUntil.After(now) {
		delay = st.penaltyUntil.Sub(now)
		delay = time.Duration(float64(delay) * p.cfg.Jitter(0.8, 1.2))
	}

	allowed := true
	if st.consecutiveFailures >= p.cfg.MaxRetries && st.penaltyUntil.After(now) {
		allowed = false
		p.logger.Warn("abandoning host for active penalty window",
			zap.String("host", host),
			zap.Int("consecutive_failures", st.consecutiveFailures),
			zap.Duration("remaining", st.penaltyUntil.Sub(now)),
		)
	}
	return Decision{Delay: delay, UserAgent: ua, Allowed: allowed}
}

// RecordResult folds an HTTP status code into the host's penalty state.
// Rate-limit responses (403/429) compound while inside an active penalty
// window; successes decay the penalty; other statuses (redirects, 404s)
// relax it slightly without counting as failures.
func (p *Policy) RecordResult(host string, statusCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(host)
	now := p.cfg.Now()

	switch {
	case statusCode == 403 || statusCode == 429:
		st.consecutiveFailures++
		if st.penaltyUntil.After(now) {
			st.penalty = min(st.penalty*2, p.cfg.MaxPenalty)
		} else {
			st.penalty = p.cfg.BasePenalty
		}
		st.penaltyUntil = now.Add(time.Duration(float64(st.penalty) * p.cfg.Jitter(0.8, 1.4)))
		p.logger.Debug("host penalized",
			zap.String("host", host),
			zap.Int("status", statusCode),
			zap.Duration("penalty", st.penalty),
			zap.Int("consecutive_failures", st.consecutiveFailures),
		)
	case statusCode >= 200 && statusCode < 300:
		st.consecutiveFailures = 0
		st.penalty = max(st.penalty/2, p.cfg.BasePenalty/2)
		st.penaltyUntil = time.Time{}
	default:
		if st.consecutiveFailures > 0 {
			st.consecutiveFailures--
		}
		st.penalty = max(time.Duration(float64(st.penalty)*0.9), p.cfg.BasePenalty/2)
	}
}

// Snapshot reports the current penalty state for a host. Intended for
// diagnostics and tests; returns zero values for unknown hosts.
func (p *Policy) Snapshot(host string) (penalty time.Duration, until time.Time, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.hosts[host]
	if !ok {
		return 0, time.Time{}, 0
	}
	return st.penalty, st.penaltyUntil, st.consecutiveFailures
}

func (p *Policy) state(host string) *hostState {
	st, ok := p.hosts[host]
	if !ok {
		st = &hostState{penalty: p.cfg.BasePenalty}
		p.hosts[host] = st
	}
	return st
}
