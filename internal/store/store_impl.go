package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jgirmay/activity-agent/internal/models"
)

// gormStore implements Store on top of gorm
type gormStore struct {
	db           *gorm.DB
	maxRawEvents int64
}

// New creates a new store backed by the given database. maxRawEvents bounds
// the raw event log; writes beyond it evict the oldest events first.
func New(db *gorm.DB, maxRawEvents int64) Store {
	return &gormStore{db: db, maxRawEvents: maxRawEvents}
}

// AddActivityEvent appends a raw event, evicting the oldest events when the
// quota is exhausted
func (s *gormStore) AddActivityEvent(ctx context.Context, event *models.ActivityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to store activity event: %w", err)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.ActivityEvent{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count activity events: %w", err)
	}

	if count <= s.maxRawEvents {
		return nil
	}

	// Oldest raw events go first; sessions are never touched here.
	excess := count - s.maxRawEvents
	err := s.db.WithContext(ctx).
		Where("id IN (?)", s.db.Model(&models.ActivityEvent{}).Select("id").Order("id ASC").Limit(int(excess))).
		Delete(&models.ActivityEvent{}).Error
	if err != nil {
		return fmt.Errorf("failed to evict oldest events: %w", err)
	}

	return fmt.Errorf("%w: evicted %d events", ErrQuotaExceeded, excess)
}

// ActivityEventsSince returns events with timestamp >= since, in append order
func (s *gormStore) ActivityEventsSince(ctx context.Context, since time.Time) ([]models.ActivityEvent, error) {
	var events []models.ActivityEvent
	result := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("id ASC").
		Find(&events)
	return events, result.Error
}

// DeleteActivityEvents removes the events with the given IDs
func (s *gormStore) DeleteActivityEvents(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&models.ActivityEvent{}, ids).Error
}

// CountActivityEvents returns the number of stored raw events
func (s *gormStore) CountActivityEvents(ctx context.Context) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&models.ActivityEvent{}).Count(&count)
	return count, result.Error
}

// AddAggregatedSession stores a new session with synced = false. A session
// ID that already exists yields ErrDuplicateSession; only the aggregation
// cycle inserts sessions and its runs are serialized, so the existence check
// cannot race another insert.
func (s *gormStore) AddAggregatedSession(ctx context.Context, session *models.AggregatedSession) error {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AggregatedSession{}).
		Where("session_id = ?", session.SessionID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("failed to check for existing session: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, session.SessionID)
	}

	session.Synced = false
	return s.db.WithContext(ctx).Create(session).Error
}

// UnsyncedSessions returns all sessions not yet acknowledged by the backend
func (s *gormStore) UnsyncedSessions(ctx context.Context) ([]models.AggregatedSession, error) {
	var sessions []models.AggregatedSession
	result := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("timestamp ASC").
		Find(&sessions)
	return sessions, result.Error
}

// MarkSessionSynced flips the synced flag after a confirmed acknowledgment
func (s *gormStore) MarkSessionSynced(ctx context.Context, sessionID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.AggregatedSession{}).
		Where("session_id = ?", sessionID).
		Update("synced", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// CountUnsyncedSessions returns the number of sessions awaiting delivery
func (s *gormStore) CountUnsyncedSessions(ctx context.Context) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).
		Model(&models.AggregatedSession{}).
		Where("synced = ?", false).
		Count(&count)
	return count, result.Error
}

// RecentSessions returns up to limit sessions, newest first
func (s *gormStore) RecentSessions(ctx context.Context, limit int) ([]models.AggregatedSession, error) {
	var sessions []models.AggregatedSession
	result := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&sessions)
	return sessions, result.Error
}

// AddToSyncQueue parks a dead-lettered payload for independent draining
func (s *gormStore) AddToSyncQueue(ctx context.Context, item *models.SyncQueueItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(item).Error
}

// SyncQueue returns up to limit queue items in FIFO order
func (s *gormStore) SyncQueue(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	result := s.db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&items)
	return items, result.Error
}

// RemoveFromSyncQueue deletes a delivered queue item
func (s *gormStore) RemoveFromSyncQueue(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.SyncQueueItem{}, "id = ?", id).Error
}

// SyncQueueDepth returns the number of parked queue items
func (s *gormStore) SyncQueueDepth(ctx context.Context) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).Count(&count)
	return count, result.Error
}

// CurrentConsent returns the most recent consent record, or nil when the
// user has never been asked
func (s *gormStore) CurrentConsent(ctx context.Context) (*models.ConsentRecord, error) {
	var record models.ConsentRecord
	result := s.db.WithContext(ctx).Order("id DESC").First(&record)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &record, nil
}

// AppendConsent records a consent transition; prior rows are kept as history
func (s *gormStore) AppendConsent(ctx context.Context, record *models.ConsentRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// ConsentHistory returns up to limit consent transitions, newest first
func (s *gormStore) ConsentHistory(ctx context.Context, limit int) ([]models.ConsentRecord, error) {
	var records []models.ConsentRecord
	result := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&records)
	return records, result.Error
}

// SetPreference stores a user setting
func (s *gormStore) SetPreference(ctx context.Context, key, value string) error {
	pref := models.Preference{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Save(&pref).Error
}

// Preference returns a user setting, or "" when unset
func (s *gormStore) Preference(ctx context.Context, key string) (string, error) {
	var pref models.Preference
	result := s.db.WithContext(ctx).First(&pref, "key = ?", key)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		return "", result.Error
	}
	return pref.Value, nil
}

// SetCategoryOverride stores a user-chosen category for a domain
func (s *gormStore) SetCategoryOverride(ctx context.Context, domain, category string) error {
	override := models.CategoryOverride{Domain: domain, Category: category, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Save(&override).Error
}

// CategoryOverrides returns the full domain -> category override map
func (s *gormStore) CategoryOverrides(ctx context.Context) (map[string]string, error) {
	var overrides []models.CategoryOverride
	if err := s.db.WithContext(ctx).Find(&overrides).Error; err != nil {
		return nil, err
	}

	m := make(map[string]string, len(overrides))
	for _, o := range overrides {
		m[o.Domain] = o.Category
	}
	return m, nil
}

// UpsertAlarm persists a periodic alarm and its next fire time
func (s *gormStore) UpsertAlarm(ctx context.Context, alarm *models.WakeAlarm) error {
	return s.db.WithContext(ctx).Save(alarm).Error
}

// Alarms returns all persisted alarms
func (s *gormStore) Alarms(ctx context.Context) ([]models.WakeAlarm, error) {
	var alarms []models.WakeAlarm
	result := s.db.WithContext(ctx).Order("name ASC").Find(&alarms)
	return alarms, result.Error
}

// Cleanup deletes raw events older than rawHorizon and synced sessions older
// than sessionHorizon. Both deletes are single age-predicate statements, so a
// concurrent insert below the cutoff cannot race with an enumerate-then-delete
// pass.
func (s *gormStore) Cleanup(ctx context.Context, rawHorizon, sessionHorizon time.Duration) (int64, int64, error) {
	now := time.Now()

	events := s.db.WithContext(ctx).
		Where("timestamp < ?", now.Add(-rawHorizon)).
		Delete(&models.ActivityEvent{})
	if events.Error != nil {
		return 0, 0, fmt.Errorf("failed to clean up raw events: %w", events.Error)
	}

	// Unsynced sessions are exempt: a session is deleted only after a
	// successful sync or an explicit user purge.
	sessions := s.db.WithContext(ctx).
		Where("synced = ? AND timestamp < ?", true, now.Add(-sessionHorizon)).
		Delete(&models.AggregatedSession{})
	if sessions.Error != nil {
		return events.RowsAffected, 0, fmt.Errorf("failed to clean up sessions: %w", sessions.Error)
	}

	return events.RowsAffected, sessions.RowsAffected, nil
}

// PurgeUserData deletes all raw events, sessions, queue items, and category
// overrides while preserving consent records and preferences
func (s *gormStore) PurgeUserData(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.Where("1 = 1").Delete(&models.ActivityEvent{}).Error; err != nil {
		return fmt.Errorf("failed to purge activity events: %w", err)
	}
	if err := db.Where("1 = 1").Delete(&models.AggregatedSession{}).Error; err != nil {
		return fmt.Errorf("failed to purge sessions: %w", err)
	}
	if err := db.Where("1 = 1").Delete(&models.SyncQueueItem{}).Error; err != nil {
		return fmt.Errorf("failed to purge sync queue: %w", err)
	}
	if err := db.Where("1 = 1").Delete(&models.CategoryOverride{}).Error; err != nil {
		return fmt.Errorf("failed to purge category overrides: %w", err)
	}

	return nil
}
