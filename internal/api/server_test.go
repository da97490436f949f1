package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/crawl-control/internal/policy/hostpolicy"
	"github.com/leadforge/crawl-control/internal/router"
	"github.com/leadforge/crawl-control/internal/store"
	"github.com/leadforge/crawl-control/internal/supervisor"
)

type memRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]store.RunRecord
}

func newMemRepo() *memRepo {
	return &memRepo{runs: make(map[uuid.UUID]store.RunRecord)}
}

func (m *memRepo) IsSeen(context.Context, string) (bool, error)           { return false, nil }
func (m *memRepo) MarkSeen(context.Context, string, uuid.UUID) error      { return nil }
func (m *memRepo) IsQueryDone(context.Context, string) (bool, error)      { return false, nil }
func (m *memRepo) MarkQueryDone(context.Context, string, uuid.UUID) error { return nil }

func (m *memRepo) StartRun(context.Context) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.runs[id] = store.RunRecord{ID: id, Status: store.RunRunning, StartedAt: time.Now()}
	return id, nil
}

func (m *memRepo) FinishRun(_ context.Context, runID uuid.UUID, status store.RunStatus, leads int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok || rec.FinishedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	rec.Status = status
	rec.FinishedAt = &now
	rec.LeadsFound = leads
	m.runs[runID] = rec
	return nil
}

func (m *memRepo) GetRun(_ context.Context, runID uuid.UUID) (store.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, _ int) ([]store.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RunRecord
	for _, rec := range m.runs {
		if status != nil && rec.Status != *status {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

type idleProcess struct {
	done chan struct{}
	once sync.Once
}

func (p *idleProcess) Wait() error {
	<-p.done
	return nil
}

func (p *idleProcess) Signal(os.Signal) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *idleProcess) Kill() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type idleLauncher struct{}

func (idleLauncher) Start(context.Context, uuid.UUID, supervisor.RunParams) (supervisor.Process, error) {
	return &idleProcess{done: make(chan struct{})}, nil
}

// shortLivedProcess exits cleanly after a fixed delay.
type shortLivedProcess struct {
	done chan struct{}
	once sync.Once
}

func (p *shortLivedProcess) Wait() error { <-p.done; return nil }

func (p *shortLivedProcess) Signal(os.Signal) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *shortLivedProcess) Kill() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type shortLivedLauncher struct {
	exitAfter time.Duration
}

func (l shortLivedLauncher) Start(context.Context, uuid.UUID, supervisor.RunParams) (supervisor.Process, error) {
	p := &shortLivedProcess{done: make(chan struct{})}
	time.AfterFunc(l.exitAfter, func() {
		p.once.Do(func() { close(p.done) })
	})
	return p, nil
}

type badPinger struct{}

func (badPinger) Ping(context.Context) error { return errors.New("down") }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	sup, err := supervisor.New(context.Background(), idleLauncher{}, repo, nil,
		supervisor.StaticConfigSource{
			Cfg: supervisor.Config{
				MaxRetryAttempts:           3,
				QPIReductionFactor:         0.5,
				ErrorRateThreshold:         0.3,
				CircuitBreakerFailureCount: 10,
				RetryBackoffBase:           time.Millisecond,
			},
			Version: 1,
		}, nil)
	require.NoError(t, err)

	opts := Options{
		Supervisor: sup,
		Runs:       repo,
		Queues:     router.New(router.Config{MaxQueueSize: 16}),
		Hosts:      hostpolicy.New(hostpolicy.Config{}),
		DB:         okPinger{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(opts), repo
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsDatabaseDown(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(o *Options) { o.DB = badPinger{} })

	rec := doJSON(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartAndGetRun(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{
		"industry": "plumbing", "qpi": 100,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	runID := resp["run_id"]
	require.NotEmpty(t, runID)

	rec = doJSON(t, srv, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), runID)
}

func TestRunStartedOverHTTPRunsToCompletion(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	sup, err := supervisor.New(context.Background(),
		shortLivedLauncher{exitAfter: 50 * time.Millisecond}, repo, nil,
		supervisor.StaticConfigSource{
			Cfg: supervisor.Config{
				MaxRetryAttempts:           3,
				QPIReductionFactor:         0.5,
				ErrorRateThreshold:         0.3,
				CircuitBreakerFailureCount: 10,
				RetryBackoffBase:           time.Millisecond,
			},
			Version: 1,
		}, nil)
	require.NoError(t, err)

	srv := NewServer(Options{
		Supervisor: sup,
		Runs:       repo,
		Queues:     router.New(router.Config{MaxQueueSize: 16}),
		Hosts:      hostpolicy.New(hostpolicy.Config{}),
		DB:         okPinger{},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json",
		bytes.NewBufferString(`{"industry":"plumbing","qpi":100}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	runID, err := uuid.Parse(out["run_id"])
	require.NoError(t, err)

	// The request context dies when the handler returns; the run does not.
	require.Eventually(t, func() bool {
		rec, err := repo.GetRun(context.Background(), runID)
		return err == nil && rec.Status == store.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, supervisor.StateSucceeded, sup.Status().State)
}

func TestStartRunRejectsBadParams(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"qpi": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRunRejectsConcurrent(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	body := map[string]any{"industry": "plumbing", "qpi": 100}
	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRunInvalidID(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbortWithoutRun(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/abort", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	srv, repo := newTestServer(t, nil)

	_, err := repo.StartRun(context.Background())
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/v1/runs?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []store.RunRecord `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
}

func TestDrainRunEvents(t *testing.T) {
	t.Parallel()

	queues := router.New(router.Config{MaxQueueSize: 16})
	srv, _ := newTestServer(t, func(o *Options) { o.Queues = queues })

	runID := uuid.New()
	queues.Put(store.LogEvent{
		RunID:    &runID,
		Level:    "INFO",
		Code:     store.CodeURLFetched,
		Category: store.CategoryCrawl,
		Message:  "fetched page",
	})

	rec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/runs/%s/events", runID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fetched page")

	// Drained queue comes back empty.
	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/runs/%s/events", runID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, "/v1/queues/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "total_queues")
}

func TestSupervisorStatusAndQPI(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, "/v1/supervisor/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"idle"`)

	rec = doJSON(t, srv, http.MethodPost, "/v1/supervisor/qpi", map[string]int{"qpi": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/supervisor/qpi", map[string]int{"qpi": 50})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResetBreakerWhenClosed(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/breaker/reset", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHostCheckAndResult(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/hosts/check", map[string]string{"host": "example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"allowed":true`)

	rec = doJSON(t, srv, http.MethodPost, "/v1/hosts/result", map[string]any{
		"host": "example.com", "status_code": 429,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/hosts/check", map[string]string{"host": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListenerHealthWithoutListener(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, "/v1/listener/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"enabled":false`)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(o *Options) {
		o.AuthEnabled = true
		o.APIKey = "secret"
	})

	rec := doJSON(t, srv, http.MethodGet, "/v1/supervisor/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/supervisor/status", nil)
	req.Header.Set("X-API-Key", "secret")
	out := httptest.NewRecorder()
	srv.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
}
