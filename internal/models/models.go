package models

import "time"

// EventType identifies the browser signal an ActivityEvent was derived from.
type EventType string

const (
	EventPageLoad        EventType = "page_load"
	EventPageVisible     EventType = "page_visible"
	EventPageHidden      EventType = "page_hidden"
	EventWindowFocused   EventType = "window_focused"
	EventWindowBlurred   EventType = "window_blurred"
	EventUserInteraction EventType = "user_interaction"
	EventIdleDetected    EventType = "idle_detected"
	EventTabActivated    EventType = "tab_activated"
	EventTabUpdated      EventType = "tab_updated"
	EventURLChanged      EventType = "url_changed"
	EventPageUnload      EventType = "page_unload"
)

// ActivityEvent represents one observed browser signal. Events are immutable
// once written: they are only ever read and eventually deleted by the
// aggregator or the retention cleanup.
type ActivityEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Type        EventType `gorm:"not null;index" json:"event_type"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Timestamp   time.Time `gorm:"not null;index" json:"timestamp"`
	TabID       int       `json:"tab_id,omitempty"`
	WindowID    int       `json:"window_id,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Interaction string    `json:"interaction,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AggregatedSession is a fold of activity events covering one wall-clock
// window, the unit of synchronization with the backend.
type AggregatedSession struct {
	SessionID          string    `gorm:"primaryKey" json:"session_id"`
	Timestamp          time.Time `gorm:"not null;index" json:"timestamp"`
	HourKey            string    `gorm:"not null;index" json:"hour_key"`
	DurationMinutes    int       `json:"duration_minutes"`
	WorkSeconds        int       `json:"work_seconds"`
	LeisureSeconds     int       `json:"leisure_seconds"`
	SocialSeconds      int       `json:"social_seconds"`
	NeutralSeconds     int       `json:"neutral_seconds"`
	TabSwitches        int       `json:"tab_switches"`
	WindowFocusChanges int       `json:"window_focus_changes"`
	AvgFocusMinutes    float64   `json:"avg_focus_duration_minutes"`
	DistractionRate    float64   `json:"distraction_rate_per_hour"`
	UniqueDomains      int       `json:"unique_domains"`
	EventCount         int       `json:"event_count"`
	Synced             bool      `gorm:"index" json:"synced"`
	CreatedAt          time.Time `json:"created_at"`
}

// ConsentRecord captures one consent transition. The most recent row is the
// current consent state; older rows form the grant/revoke history.
type ConsentRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Granted   bool      `json:"granted"`
	Version   string    `json:"version"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

// SyncQueueItem is a dead-lettered session: delivery exhausted its retry
// budget for the cycle and the payload was parked here instead of dropped.
type SyncQueueItem struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"not null" json:"type"`
	Data      []byte    `gorm:"not null" json:"data"`
	Error     string    `json:"error"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

// Preference is a persisted user setting.
type Preference struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CategoryOverride maps a domain to a user-chosen category, taking
// precedence over the built-in categorization table.
type CategoryOverride struct {
	Domain    string    `gorm:"primaryKey" json:"domain"`
	Category  string    `gorm:"not null" json:"category"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WakeAlarm is a persisted periodic alarm. Next-fire times survive process
// restarts so recurring work never depends on in-memory timers.
type WakeAlarm struct {
	Name       string        `gorm:"primaryKey" json:"name"`
	Period     time.Duration `gorm:"not null" json:"period"`
	NextFireAt time.Time     `gorm:"not null;index" json:"next_fire_at"`
}

// AllModels lists every persisted model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&ActivityEvent{},
		&AggregatedSession{},
		&ConsentRecord{},
		&SyncQueueItem{},
		&Preference{},
		&CategoryOverride{},
		&WakeAlarm{},
	}
}
