package store

import (
	"context"
	"errors"
	"time"

	"github.com/jgirmay/activity-agent/internal/models"
)

// ErrQuotaExceeded reports that a raw-event write hit the store quota and the
// oldest raw events were evicted to make room. The write itself succeeded;
// callers treat this as a warning, never as a failure.
var ErrQuotaExceeded = errors.New("raw event quota exceeded, oldest events evicted")

// ErrDuplicateSession reports an insert of a session ID that is already
// stored. Session IDs are deterministic, so callers see this when re-running
// an aggregation that was interrupted after its insert.
var ErrDuplicateSession = errors.New("session already recorded")

// Store defines the data access layer of the agent. It exclusively owns all
// persisted records; everything else holds only rebuildable in-memory state.
type Store interface {
	// AddActivityEvent appends a raw event. Events are immutable once
	// written. Returns ErrQuotaExceeded (non-fatal) when the quota forced
	// eviction of the oldest raw events; pending sessions are never evicted.
	AddActivityEvent(ctx context.Context, event *models.ActivityEvent) error

	// ActivityEventsSince returns events with timestamp >= since, in append order
	ActivityEventsSince(ctx context.Context, since time.Time) ([]models.ActivityEvent, error)

	// DeleteActivityEvents removes the events with the given IDs
	DeleteActivityEvents(ctx context.Context, ids []uint) error

	// CountActivityEvents returns the number of stored raw events
	CountActivityEvents(ctx context.Context) (int64, error)

	// AddAggregatedSession stores a new session with synced = false.
	// Returns ErrDuplicateSession when the session ID is already stored.
	AddAggregatedSession(ctx context.Context, session *models.AggregatedSession) error

	// UnsyncedSessions returns all sessions not yet acknowledged by the backend
	UnsyncedSessions(ctx context.Context) ([]models.AggregatedSession, error)

	// MarkSessionSynced flips the synced flag after a confirmed acknowledgment
	MarkSessionSynced(ctx context.Context, sessionID string) error

	// CountUnsyncedSessions returns the number of sessions awaiting delivery
	CountUnsyncedSessions(ctx context.Context) (int64, error)

	// RecentSessions returns up to limit sessions, newest first
	RecentSessions(ctx context.Context, limit int) ([]models.AggregatedSession, error)

	// AddToSyncQueue parks a dead-lettered payload for independent draining
	AddToSyncQueue(ctx context.Context, item *models.SyncQueueItem) error

	// SyncQueue returns up to limit queue items in FIFO order
	SyncQueue(ctx context.Context, limit int) ([]models.SyncQueueItem, error)

	// RemoveFromSyncQueue deletes a delivered queue item
	RemoveFromSyncQueue(ctx context.Context, id string) error

	// SyncQueueDepth returns the number of parked queue items
	SyncQueueDepth(ctx context.Context) (int64, error)

	// CurrentConsent returns the most recent consent record, or nil when
	// the user has never been asked
	CurrentConsent(ctx context.Context) (*models.ConsentRecord, error)

	// AppendConsent records a consent transition; prior rows are kept as history
	AppendConsent(ctx context.Context, record *models.ConsentRecord) error

	// ConsentHistory returns up to limit consent transitions, newest first
	ConsentHistory(ctx context.Context, limit int) ([]models.ConsentRecord, error)

	// SetPreference stores a user setting
	SetPreference(ctx context.Context, key, value string) error

	// Preference returns a user setting, or "" when unset
	Preference(ctx context.Context, key string) (string, error)

	// SetCategoryOverride stores a user-chosen category for a domain
	SetCategoryOverride(ctx context.Context, domain, category string) error

	// CategoryOverrides returns the full domain -> category override map
	CategoryOverrides(ctx context.Context) (map[string]string, error)

	// UpsertAlarm persists a periodic alarm and its next fire time
	UpsertAlarm(ctx context.Context, alarm *models.WakeAlarm) error

	// Alarms returns all persisted alarms
	Alarms(ctx context.Context) ([]models.WakeAlarm, error)

	// Cleanup deletes raw events older than rawHorizon and synced sessions
	// older than sessionHorizon, strictly by age predicate so it is safe to
	// run concurrently with writes. Returns the deleted counts.
	Cleanup(ctx context.Context, rawHorizon, sessionHorizon time.Duration) (int64, int64, error)

	// PurgeUserData deletes all raw events, sessions, queue items, and
	// category overrides while preserving consent records and preferences
	PurgeUserData(ctx context.Context) error
}
