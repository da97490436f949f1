package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/crawl-control/internal/store"
)

type collectingDispatcher struct {
	mu     sync.Mutex
	events []store.LogEvent
}

func (d *collectingDispatcher) Put(evt store.LogEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

func (d *collectingDispatcher) Events() []store.LogEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]store.LogEvent(nil), d.events...)
}

// fakeSource scripts Connect/Wait behavior for the listener loop.
type fakeSource struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	waitResults []waitResult
	waitIdx     int
	pingErr     error
}

type waitResult struct {
	batch []store.LogEvent
	err   error
}

func (f *fakeSource) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSource) WaitForEvent(ctx context.Context, timeout time.Duration) ([]store.LogEvent, error) {
	f.mu.Lock()
	if f.waitIdx < len(f.waitResults) {
		res := f.waitResults[f.waitIdx]
		f.waitIdx++
		f.mu.Unlock()
		return res.batch, res.err
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, ErrNoEvent
	}
}

func (f *fakeSource) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSource) Close(context.Context) error { return nil }

func (f *fakeSource) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func eventBatch(ids ...int64) []store.LogEvent {
	runID := uuid.New()
	out := make([]store.LogEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.LogEvent{
			ID:       id,
			RunID:    &runID,
			Level:    "info",
			Code:     store.CodeURLFetched,
			Category: store.CategoryCrawl,
			Message:  "fetched",
		})
	}
	return out
}

func testConfig() Config {
	return Config{
		PollTimeout:          20 * time.Millisecond,
		HealthCheckInterval:  time.Hour,
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     time.Millisecond,
		BufferSize:           16,
	}
}

func TestListenerDispatchesEvents(t *testing.T) {
	t.Parallel()

	src := &fakeSource{waitResults: []waitResult{
		{batch: eventBatch(1, 2)},
		{batch: eventBatch(3)},
	}}
	disp := &collectingDispatcher{}
	l := New(src, disp, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(disp.Events()) == 3
	}, time.Second, 5*time.Millisecond)
	require.True(t, l.Healthy())

	cancel()
	require.NoError(t, <-done)
}

func TestListenerReconnectsAfterWaitError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{waitResults: []waitResult{
		{err: errors.New("connection reset")},
		{batch: eventBatch(5)},
	}}
	disp := &collectingDispatcher{}
	l := New(src, disp, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(disp.Events()) == 1
	}, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, src.connectCount(), 2)
	require.True(t, l.Healthy())

	cancel()
	require.NoError(t, <-done)
}

func TestBadPayloadIsSkippedWithoutReconnect(t *testing.T) {
	t.Parallel()

	src := &fakeSource{waitResults: []waitResult{
		{err: fmt.Errorf("%w: unexpected end of JSON input", ErrBadPayload)},
		{batch: eventBatch(9)},
	}}
	disp := &collectingDispatcher{}
	l := New(src, disp, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(disp.Events()) == 1
	}, time.Second, 5*time.Millisecond)

	// A malformed row never burns the reconnect budget.
	require.Equal(t, 1, src.connectCount())
	require.True(t, l.Healthy())

	cancel()
	require.NoError(t, <-done)
}

func TestListenerReconnectAttemptsAreBounded(t *testing.T) {
	t.Parallel()

	connectErrs := []error{
		nil, // initial connect succeeds
		errors.New("refused"),
		errors.New("refused"),
		errors.New("refused"),
	}
	src := &fakeSource{
		connectErrs: connectErrs,
		waitResults: []waitResult{{err: errors.New("connection reset")}},
	}
	l := New(src, &collectingDispatcher{}, testConfig())

	err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	require.False(t, l.Healthy())
	// Initial connect plus exactly MaxReconnectAttempts retries.
	require.Equal(t, 4, src.connectCount())
}

func TestCheckConnectionHealth(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	l := New(src, &collectingDispatcher{}, testConfig())

	require.NoError(t, l.CheckConnectionHealth(context.Background()))
	require.True(t, l.Healthy())

	src.mu.Lock()
	src.pingErr = errors.New("broken pipe")
	src.mu.Unlock()

	require.Error(t, l.CheckConnectionHealth(context.Background()))
	require.False(t, l.Healthy())
}

func TestQuietTimeoutKeepsListenerHealthy(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	l := New(src, &collectingDispatcher{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.True(t, l.Healthy())
	require.Equal(t, 1, src.connectCount())

	cancel()
	require.NoError(t, <-done)
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	raw := []byte(`{"id":42,"run_id":"` + runID.String() +
		`","level":"warn","event_code":"RATE_LIMITED","event_category":"NETWORK",` +
		`"message":"429 from portal","portal":"acme-leads","created_at":"2026-03-01T10:00:00Z"}`)

	evt, err := parsePayload(raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), evt.ID)
	require.NotNil(t, evt.RunID)
	require.Equal(t, runID, *evt.RunID)
	require.Equal(t, store.CodeRateLimited, evt.Code)
	require.Equal(t, store.CategoryNetwork, evt.Category)
	require.Equal(t, "acme-leads", evt.Portal)

	_, err = parsePayload([]byte(`{"id":`))
	require.Error(t, err)

	// Null run_id parses to an unroutable event rather than an error.
	evt, err = parsePayload([]byte(`{"id":7,"run_id":null,"level":"info","message":"m"}`))
	require.NoError(t, err)
	require.Nil(t, evt.RunID)
}
