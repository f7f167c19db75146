package aggregate

import (
	"testing"
	"time"

	"github.com/jgirmay/activity-agent/internal/categorize"
	"github.com/jgirmay/activity-agent/internal/models"
)

func newAggregator() *Aggregator {
	return New(categorize.NewClassifier(nil))
}

func eventAt(t time.Time, kind models.EventType, url string) models.ActivityEvent {
	return models.ActivityEvent{Type: kind, URL: url, Timestamp: t}
}

func TestAggregate_EmptyBatch(t *testing.T) {
	if got := newAggregator().Aggregate(nil); got != nil {
		t.Fatalf("expected nil for empty batch, got %v", got)
	}
}

func TestAggregate_OneSessionPerHourBucket(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []models.ActivityEvent{
		eventAt(base.Add(5*time.Minute), models.EventPageLoad, "https://github.com/a"),
		eventAt(base.Add(10*time.Minute), models.EventPageVisible, "https://github.com/a"),
		eventAt(base.Add(70*time.Minute), models.EventPageLoad, "https://youtube.com/watch"),
		eventAt(base.Add(75*time.Minute), models.EventPageHidden, "https://youtube.com/watch"),
	}

	sessions := newAggregator().Aggregate(events)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	if sessions[0].HourKey != "2025-06-01T10" {
		t.Errorf("unexpected first hour key: %s", sessions[0].HourKey)
	}
	if sessions[1].HourKey != "2025-06-01T11" {
		t.Errorf("unexpected second hour key: %s", sessions[1].HourKey)
	}
	if sessions[0].EventCount != 2 || sessions[1].EventCount != 2 {
		t.Errorf("unexpected event counts: %d, %d", sessions[0].EventCount, sessions[1].EventCount)
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []models.ActivityEvent{
		eventAt(base, models.EventPageLoad, "https://github.com/a"),
		eventAt(base.Add(3*time.Minute), models.EventTabActivated, "https://reddit.com/r/golang"),
		eventAt(base.Add(9*time.Minute), models.EventPageHidden, "https://reddit.com/r/golang"),
	}

	first := newAggregator().Aggregate(events)
	second := newAggregator().Aggregate(events)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected 1 session each, got %d and %d", len(first), len(second))
	}
	if first[0] != second[0] {
		t.Errorf("aggregation not deterministic:\n%+v\n%+v", first[0], second[0])
	}
	if first[0].SessionID == "" {
		t.Error("session ID must be set")
	}
}

func TestAggregate_CategoryAttribution(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// 4 minutes on github, then 2 minutes on youtube, then done.
	events := []models.ActivityEvent{
		eventAt(base, models.EventPageLoad, "https://github.com/a"),
		eventAt(base.Add(4*time.Minute), models.EventURLChanged, "https://youtube.com/watch"),
		eventAt(base.Add(6*time.Minute), models.EventPageUnload, "https://youtube.com/watch"),
	}

	sessions := newAggregator().Aggregate(events)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	s := sessions[0]
	if s.WorkSeconds != 240 {
		t.Errorf("expected 240 work seconds, got %d", s.WorkSeconds)
	}
	if s.LeisureSeconds != 120 {
		t.Errorf("expected 120 leisure seconds, got %d", s.LeisureSeconds)
	}
	if s.UniqueDomains != 2 {
		t.Errorf("expected 2 unique domains, got %d", s.UniqueDomains)
	}
}

func TestAggregate_IdleGapsNotAttributed(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// 20-minute gap exceeds the attribution cap and counts as idle.
	events := []models.ActivityEvent{
		eventAt(base, models.EventPageLoad, "https://github.com/a"),
		eventAt(base.Add(20*time.Minute), models.EventUserInteraction, "https://github.com/a"),
	}

	sessions := newAggregator().Aggregate(events)
	if sessions[0].WorkSeconds != 0 {
		t.Errorf("idle gap must not be attributed, got %d work seconds", sessions[0].WorkSeconds)
	}
}

func TestAggregate_FocusMetrics(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []models.ActivityEvent{
		eventAt(base, models.EventWindowFocused, "https://github.com/a"),
		eventAt(base.Add(4*time.Minute), models.EventWindowBlurred, "https://github.com/a"),
		eventAt(base.Add(5*time.Minute), models.EventWindowFocused, "https://github.com/a"),
		eventAt(base.Add(7*time.Minute), models.EventWindowBlurred, "https://github.com/a"),
		eventAt(base.Add(8*time.Minute), models.EventTabActivated, "https://github.com/b"),
	}

	sessions := newAggregator().Aggregate(events)
	s := sessions[0]

	if s.WindowFocusChanges != 4 {
		t.Errorf("expected 4 focus changes, got %d", s.WindowFocusChanges)
	}
	if s.TabSwitches != 1 {
		t.Errorf("expected 1 tab switch, got %d", s.TabSwitches)
	}
	if s.AvgFocusMinutes != 3.0 {
		t.Errorf("expected average focus of 3 minutes, got %f", s.AvgFocusMinutes)
	}
	if s.DistractionRate <= 0 {
		t.Errorf("expected positive distraction rate, got %f", s.DistractionRate)
	}
}

// Coverage: aggregating a batch and deleting it never leaves the sessions
// covering less than the original events' span.
func TestAggregate_CoversEventSpan(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 12, 0, 0, time.UTC)
	events := []models.ActivityEvent{
		eventAt(base, models.EventPageLoad, "https://example.com"),
		eventAt(base.Add(30*time.Minute), models.EventUserInteraction, "https://example.com"),
		eventAt(base.Add(90*time.Minute), models.EventPageUnload, "https://example.com"),
	}

	sessions := newAggregator().Aggregate(events)

	earliest := sessions[0].Timestamp
	var latest time.Time
	for _, s := range sessions {
		end := s.Timestamp.Add(time.Duration(s.DurationMinutes) * time.Minute)
		if end.After(latest) {
			latest = end
		}
		if s.Timestamp.Before(earliest) {
			earliest = s.Timestamp
		}
	}

	if earliest.After(events[0].Timestamp) {
		t.Errorf("coverage starts after first event: %v > %v", earliest, events[0].Timestamp)
	}
	if latest.Before(events[len(events)-1].Timestamp) {
		t.Errorf("coverage ends before last event: %v < %v", latest, events[len(events)-1].Timestamp)
	}
}
