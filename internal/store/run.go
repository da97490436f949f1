package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status. A run is terminal once it
// reaches completed, failed, or aborted.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

// RunRecord models the crawl_runs table.
type RunRecord struct {
	// ID is the primary key shared with the crawler subprocess via argv.
	ID uuid.UUID
	// Status is pending/running/completed/failed/aborted.
	Status RunStatus
	// StartedAt captures when the run was created.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// LeadsFound is the final lead count reported at finish time.
	LeadsFound int
}

// RunStateRepository is the capability interface consumed by the supervisor
// and (indirectly) the crawler subprocess. MarkSeen and MarkQueryDone are
// idempotent: duplicate keys are a no-op, never an error, and the ledger is
// global across runs rather than scoped to the inserting run.
type RunStateRepository interface {
	// IsSeen reports whether the URL exists in the historical ledger.
	IsSeen(ctx context.Context, url string) (bool, error)
	// MarkSeen records the URL against the given run; duplicates are no-ops.
	MarkSeen(ctx context.Context, url string, runID uuid.UUID) error
	// IsQueryDone reports whether the search query was ever issued.
	IsQueryDone(ctx context.Context, query string) (bool, error)
	// MarkQueryDone records the query against the given run; duplicates are no-ops.
	MarkQueryDone(ctx context.Context, query string, runID uuid.UUID) error

	// StartRun inserts a new running RunRecord and returns its ID.
	StartRun(ctx context.Context) (uuid.UUID, error)
	// FinishRun stamps the terminal status, finish time, and lead count.
	FinishRun(ctx context.Context, runID uuid.UUID, status RunStatus, leadsFound int) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (RunRecord, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]RunRecord, error)
}

// EventWriter appends LogEvents to the append-only log table. The control
// plane uses it to report its own lifecycle and failures through the same
// pipeline the crawler uses; there is no separate error channel.
type EventWriter interface {
	WriteEvent(ctx context.Context, evt LogEvent) error
}
