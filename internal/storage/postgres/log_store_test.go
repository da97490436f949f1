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

func newMockLogStore(t *testing.T) (*LogStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewLogStoreWithPool(mock), mock
}

func TestLogStoreWriteEvent(t *testing.T) {
	t.Parallel()
	s, mock := newMockLogStore(t)
	runID := uuid.New()

	mock.ExpectExec("INSERT INTO crawl_log").
		WithArgs(&runID, "INFO", store.CodeCrawlStart, store.CategoryLifecycle,
			"crawl started", "yelp", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.WriteEvent(context.Background(), store.LogEvent{
		RunID:    &runID,
		Level:    "INFO",
		Code:     store.CodeCrawlStart,
		Category: store.CategoryLifecycle,
		Message:  "crawl started",
		Portal:   "yelp",
		Extra:    map[string]any{"qpi": 100},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogStoreWriteEventRejectsInvalid(t *testing.T) {
	t.Parallel()
	s, _ := newMockLogStore(t)

	err := s.WriteEvent(context.Background(), store.LogEvent{Level: "INFO"})
	require.Error(t, err)
}

func TestLogStoreListEventsAfter(t *testing.T) {
	t.Parallel()
	s, mock := newMockLogStore(t)
	runID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, run_id, level, event_code, event_category").
		WithArgs(int64(5), 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "run_id", "level", "event_code", "event_category",
			"message", "portal", "url", "created_at",
		}).
			AddRow(int64(6), &runID, "INFO", store.CodeURLFetched, store.CategoryCrawl,
				"fetched", "yelp", "https://example.com", now).
			AddRow(int64(7), &runID, "WARNING", store.CodeRateLimited, store.CategoryNetwork,
				"429 from host", "yelp", "https://example.com", now))

	events, err := s.ListEventsAfter(context.Background(), 5, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(6), events[0].ID)
	require.Equal(t, store.CodeRateLimited, events[1].Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogStoreLatestEventID(t *testing.T) {
	t.Parallel()
	s, mock := newMockLogStore(t)

	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(99)))

	id, err := s.LatestEventID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(99), id)
	require.NoError(t, mock.ExpectationsWereMet())
}
