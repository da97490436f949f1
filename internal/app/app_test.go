package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/crawl-control/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	// Grab a free port so parallel test runs do not collide.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := config.Config{
		Server: config.ServerConfig{Port: port, RequestTimeout: 5 * time.Second},
		DB: config.DBConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "crawlctl.db"),
		},
		Supervisor: config.SupervisorConfig{
			CrawlerPath:                "leadcrawler",
			MaxRetryAttempts:           3,
			QPIReductionFactor:         0.5,
			ErrorRateThreshold:         0.3,
			CircuitBreakerFailureCount: 10,
			RetryBackoffBase:           time.Second,
		},
		HostPolicy: config.HostPolicyConfig{
			BasePenalty: time.Minute,
			MaxPenalty:  15 * time.Minute,
			MaxRetries:  5,
		},
		Listener: config.ListenerConfig{
			PollTimeout:          50 * time.Millisecond,
			HealthCheckInterval:  time.Second,
			MaxReconnectAttempts: 3,
			ReconnectBackoff:     time.Millisecond,
			BufferSize:           16,
			PollInterval:         10 * time.Millisecond,
			PollBatchSize:        10,
		},
		Router: config.RouterConfig{
			MaxQueueSize:  16,
			IdleTTL:       time.Hour,
			SweepInterval: time.Hour,
		},
		Logging: config.LoggingConfig{Development: true},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewWiresSQLiteBackend(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), "")
	require.NoError(t, err)
	require.NotNil(t, a.Supervisor())
	require.NotNil(t, a.Logger())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the components a moment to start before asking them to stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down after cancel")
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DB.Driver = "mysql"
	_, err := New(context.Background(), cfg, "")
	require.Error(t, err)
}
