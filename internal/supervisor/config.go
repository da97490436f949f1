package supervisor

import (
	"context"
	"fmt"
	"time"
)

// Config is the operator-tunable supervisor policy. It is loaded once per
// run and re-read before each restart decision; ConfigSource's version lets
// a running supervisor pick up changes without restarting.
type Config struct {
	// MaxRetryAttempts bounds subprocess launches per run.
	MaxRetryAttempts int
	// QPIReductionFactor (0.1–1.0) multiplies QPI on the next restart once
	// the error rate breaches ErrorRateThreshold.
	QPIReductionFactor float64
	// ErrorRateThreshold (0.0–1.0) is rate-limit responses over total
	// requests, sourced from subprocess-reported metrics.
	ErrorRateThreshold float64
	// CircuitBreakerFailureCount opens the breaker after this many
	// consecutive failed runs.
	CircuitBreakerFailureCount int
	// RetryBackoffBase seeds the exponential restart backoff.
	RetryBackoffBase time.Duration
	// CircuitBreakerCooldown, when positive, allows a new run after the
	// breaker has been open this long. Zero means manual reset only.
	CircuitBreakerCooldown time.Duration
	// AbortGracePeriod is how long an aborted subprocess gets between the
	// graceful signal and the forced kill.
	AbortGracePeriod time.Duration
}

// Validate enforces the documented ranges.
func (c Config) Validate() error {
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("max retry attempts must be > 0, got %d", c.MaxRetryAttempts)
	}
	if c.QPIReductionFactor < 0.1 || c.QPIReductionFactor > 1.0 {
		return fmt.Errorf("qpi reduction factor must be in [0.1, 1.0], got %v", c.QPIReductionFactor)
	}
	if c.ErrorRateThreshold < 0 || c.ErrorRateThreshold > 1 {
		return fmt.Errorf("error rate threshold must be in [0.0, 1.0], got %v", c.ErrorRateThreshold)
	}
	if c.CircuitBreakerFailureCount <= 0 {
		return fmt.Errorf("circuit breaker failure count must be > 0, got %d", c.CircuitBreakerFailureCount)
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be > 0, got %v", c.RetryBackoffBase)
	}
	return nil
}

// ConfigSource supplies the current Config together with a monotonically
// increasing version. The supervisor reloads when the version changes.
type ConfigSource interface {
	Load(ctx context.Context) (Config, int64, error)
}

// StaticConfigSource serves a fixed Config; useful for tests and for
// deployments that prefer restart-to-reconfigure.
type StaticConfigSource struct {
	Cfg     Config
	Version int64
}

// Load returns the fixed config and version.
func (s StaticConfigSource) Load(context.Context) (Config, int64, error) {
	return s.Cfg, s.Version, nil
}
