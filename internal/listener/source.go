// Package listener maintains a live subscription to the log table's
// change-notification channel and forwards parsed events to the router.
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/leadforge/crawl-control/internal/store"
)

// ErrNoEvent is returned by WaitForEvent when the timeout elapses with no
// traffic. It is not a failure; the caller uses the window to re-check
// health and shutdown signals.
var ErrNoEvent = errors.New("no event before timeout")

// ErrBadPayload marks a notification whose payload could not be parsed.
// The subscription itself is intact; the caller logs and skips the row
// instead of tearing the connection down.
var ErrBadPayload = errors.New("unparsable notification payload")

// EventSource is a subscription to row-insert events on the log table.
// Postgres LISTEN/NOTIFY is the primary implementation; PollSource degrades
// to interval polling for backends without a notification primitive.
type EventSource interface {
	// Connect establishes the subscription. It is called again after a
	// connection loss, so implementations must be restartable.
	Connect(ctx context.Context) error
	// WaitForEvent blocks up to timeout for the next batch of events,
	// returning ErrNoEvent on a quiet timeout and ErrBadPayload for rows
	// that cannot be parsed. Any other error marks the subscription
	// broken.
	WaitForEvent(ctx context.Context, timeout time.Duration) ([]store.LogEvent, error)
	// Ping issues a lightweight no-op probe of the underlying connection.
	Ping(ctx context.Context) error
	// Close tears the subscription down.
	Close(ctx context.Context) error
}
