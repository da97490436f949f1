package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/crawl-control/internal/store"
)

func newMockRunStateStore(t *testing.T) (*RunStateStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := NewRunStateStoreWithPool(mock)
	s.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestRunStateStoreIsSeen(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("https://example.com/a").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := s.IsSeen(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.True(t, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreMarkSeenIdempotent(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)
	runID := uuid.New()

	mock.ExpectExec("INSERT INTO urls_seen").
		WithArgs("https://example.com/a", runID, s.now()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Second insert hits the conflict clause and affects nothing.
	mock.ExpectExec("INSERT INTO urls_seen").
		WithArgs("https://example.com/a", runID, s.now()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.MarkSeen(context.Background(), "https://example.com/a", runID))
	require.NoError(t, s.MarkSeen(context.Background(), "https://example.com/a", runID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreMarkQueryDone(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)
	runID := uuid.New()

	mock.ExpectExec("INSERT INTO queries_done").
		WithArgs("plumbers in austin", runID, s.now()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("plumbers in austin").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, s.MarkQueryDone(context.Background(), "plumbers in austin", runID))
	done, err := s.IsQueryDone(context.Background(), "plumbers in austin")
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreStartRun(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(pgxmock.AnyArg(), store.RunRunning, s.now()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	runID, err := s.StartRun(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, runID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreFinishRun(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)
	runID := uuid.New()

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(store.RunCompleted, s.now(), 42, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FinishRun(context.Background(), runID, store.RunCompleted, 42))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreFinishRunNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)
	runID := uuid.New()

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(store.RunFailed, s.now(), 0, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), runID, store.RunFailed, 0)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreGetRun(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)
	runID := uuid.New()
	started := s.now().Add(-time.Hour)
	finished := s.now()

	mock.ExpectQuery("SELECT id, status, started_at, finished_at, leads_found").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "finished_at", "leads_found"}).
			AddRow(runID, store.RunCompleted, started, &finished, 7))

	rec, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runID, rec.ID)
	require.Equal(t, store.RunCompleted, rec.Status)
	require.Equal(t, 7, rec.LeadsFound)
	require.NotNil(t, rec.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreGetRunNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)
	runID := uuid.New()

	mock.ExpectQuery("SELECT id, status, started_at, finished_at, leads_found").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "finished_at", "leads_found"}))

	_, err := s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStateStoreListRuns(t *testing.T) {
	t.Parallel()
	s, mock := newMockRunStateStore(t)
	a, b := uuid.New(), uuid.New()
	status := store.RunRunning

	mock.ExpectQuery("SELECT id, status, started_at, finished_at, leads_found").
		WithArgs(&status, 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "finished_at", "leads_found"}).
			AddRow(a, store.RunRunning, s.now(), (*time.Time)(nil), 0).
			AddRow(b, store.RunRunning, s.now().Add(-time.Minute), (*time.Time)(nil), 3))

	runs, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, a, runs[0].ID)
	require.Equal(t, b, runs[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
