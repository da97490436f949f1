package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventCategory groups log events for dashboard filtering.
type EventCategory string

// Supported event categories.
const (
	CategoryLifecycle      EventCategory = "LIFECYCLE"
	CategoryCrawl          EventCategory = "CRAWL"
	CategoryExtraction     EventCategory = "EXTRACTION"
	CategoryNetwork        EventCategory = "NETWORK"
	CategoryDatabase       EventCategory = "DATABASE"
	CategoryCircuitBreaker EventCategory = "CIRCUIT_BREAKER"
	CategoryValidation     EventCategory = "VALIDATION"
	CategorySecurity       EventCategory = "SECURITY"
	CategoryPerformance    EventCategory = "PERFORMANCE"
)

// EventCode denotes the specific milestone or failure an event records.
type EventCode string

// Supported event codes. The crawler subprocess and the control plane share
// this enumeration; the dashboard filters on it.
const (
	CodeCrawlStart     EventCode = "CRAWL_START"
	CodeCrawlEnd       EventCode = "CRAWL_END"
	CodeCrawlRetry     EventCode = "CRAWL_RETRY"
	CodeCrawlAbort     EventCode = "CRAWL_ABORT"
	CodeQueryIssued    EventCode = "QUERY_ISSUED"
	CodeURLFetched     EventCode = "URL_FETCHED"
	CodeExtractionOK   EventCode = "EXTRACTION_OK"
	CodeExtractionFail EventCode = "EXTRACTION_FAIL"
	CodeRateLimited    EventCode = "RATE_LIMITED"
	CodeHostBackoff    EventCode = "HOST_BACKOFF"
	CodeDBError        EventCode = "DB_ERROR"
	CodeBreakerOpen    EventCode = "BREAKER_OPEN"
	CodeBreakerReset   EventCode = "BREAKER_RESET"
	CodeQPIAdjusted    EventCode = "QPI_ADJUSTED"
	CodeConfigReload   EventCode = "CONFIG_RELOAD"
	CodeListenerDown   EventCode = "LISTENER_DOWN"
)

var categoryByCode = map[EventCode]EventCategory{
	CodeCrawlStart:     CategoryLifecycle,
	CodeCrawlEnd:       CategoryLifecycle,
	CodeCrawlRetry:     CategoryLifecycle,
	CodeCrawlAbort:     CategoryLifecycle,
	CodeQueryIssued:    CategoryCrawl,
	CodeURLFetched:     CategoryCrawl,
	CodeExtractionOK:   CategoryExtraction,
	CodeExtractionFail: CategoryExtraction,
	CodeRateLimited:    CategoryNetwork,
	CodeHostBackoff:    CategoryNetwork,
	CodeDBError:        CategoryDatabase,
	CodeBreakerOpen:    CategoryCircuitBreaker,
	CodeBreakerReset:   CategoryCircuitBreaker,
	CodeQPIAdjusted:    CategoryPerformance,
	CodeConfigReload:   CategoryLifecycle,
	CodeListenerDown:   CategoryDatabase,
}

// Category returns the category an event code belongs to, or an empty
// category for codes outside the enumeration.
func (c EventCode) Category() EventCategory {
	return categoryByCode[c]
}

// MaxNotifyMessageLen bounds the message field inside notification payloads.
// Postgres NOTIFY payloads are capped at 8000 bytes; truncating the message
// keeps the full payload comfortably under that limit.
const MaxNotifyMessageLen = 500

// LogEvent is the sole unit of information flowing through the notification
// pipeline. Rows are immutable once written.
type LogEvent struct {
	// ID is the append-only log row id.
	ID int64 `json:"id"`
	// RunID identifies the owning crawl run; nil events are unroutable.
	RunID *uuid.UUID `json:"run_id"`
	// Level is the syslog-style severity (debug/info/warn/error).
	Level string `json:"level"`
	// Code and Category are closed enumerations used for filtering.
	Code     EventCode     `json:"event_code"`
	Category EventCategory `json:"event_category"`
	// Message is human-readable; truncated in notification payloads.
	Message string `json:"message"`
	// Portal optionally names the lead portal the event concerns.
	Portal string `json:"portal,omitempty"`
	// URL optionally carries the page URL; it must not contain credentials.
	URL string `json:"url,omitempty"`
	// Extra holds flexible event-specific data, stored as JSONB.
	Extra map[string]any `json:"extra_data,omitempty"`
	// CreatedAt is stamped by the database on insert.
	CreatedAt time.Time `json:"created_at"`
}

// Validate performs coarse validation on LogEvent payloads.
func (e LogEvent) Validate() error {
	if e.Code == "" {
		return errors.New("event code is required")
	}
	if e.Category == "" {
		return errors.New("event category is required")
	}
	if want := e.Code.Category(); want != "" && want != e.Category {
		return fmt.Errorf("event code %q belongs to category %q, not %q", e.Code, want, e.Category)
	}
	if e.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// TruncateMessage returns the message clipped to MaxNotifyMessageLen bytes,
// respecting UTF-8 boundaries. Used when building notification payloads.
func (e LogEvent) TruncateMessage() string {
	return truncateUTF8(e.Message, MaxNotifyMessageLen)
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
