package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jgirmay/activity-agent/internal/categorize"
	"github.com/jgirmay/activity-agent/internal/models"
)

// Window is the wall-clock bucket one session covers.
const Window = time.Hour

// hourKeyFormat matches the backend's hour_key field.
const hourKeyFormat = "2006-01-02T15"

// maxAttributionGap caps how much time between two consecutive events is
// attributed to the earlier event's page. Longer gaps are treated as idle.
const maxAttributionGap = 5 * time.Minute

// sessionNamespace makes session IDs a deterministic function of the folded
// batch, so re-aggregating the same events after a crash produces the same
// ID and the backend's session_id dedupe absorbs the duplicate.
var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("activity-agent/session"))

// Aggregator folds raw event batches into aggregated sessions
type Aggregator struct {
	classifier *categorize.Classifier
}

// New creates an aggregator using the given domain classifier
func New(classifier *categorize.Classifier) *Aggregator {
	return &Aggregator{classifier: classifier}
}

// Aggregate folds a batch of events into one session per populated hour
// window. It is a pure function of its input: the same ordered batch always
// produces the same sessions.
func (a *Aggregator) Aggregate(events []models.ActivityEvent) []models.AggregatedSession {
	if len(events) == 0 {
		return nil
	}

	buckets := make(map[string][]models.ActivityEvent)
	for _, ev := range events {
		key := ev.Timestamp.UTC().Format(hourKeyFormat)
		buckets[key] = append(buckets[key], ev)
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sessions := make([]models.AggregatedSession, 0, len(keys))
	for _, key := range keys {
		sessions = append(sessions, a.fold(key, buckets[key]))
	}
	return sessions
}

// fold reduces one hour bucket into a single session
func (a *Aggregator) fold(hourKey string, events []models.ActivityEvent) models.AggregatedSession {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	first := events[0].Timestamp
	last := events[len(events)-1].Timestamp

	span := last.Sub(first)
	durationMinutes := int(span.Round(time.Minute) / time.Minute)
	if durationMinutes == 0 {
		durationMinutes = 1
	}

	session := models.AggregatedSession{
		SessionID:       sessionID(hourKey, events),
		Timestamp:       first,
		HourKey:         hourKey,
		DurationMinutes: durationMinutes,
		EventCount:      len(events),
	}

	domains := make(map[string]struct{})
	var focusSpans []time.Duration
	var focusedAt time.Time

	for i, ev := range events {
		if domain := categorize.Domain(ev.URL); domain != "" {
			domains[domain] = struct{}{}
		}

		switch ev.Type {
		case models.EventTabActivated:
			session.TabSwitches++
		case models.EventWindowFocused:
			session.WindowFocusChanges++
			focusedAt = ev.Timestamp
		case models.EventWindowBlurred:
			session.WindowFocusChanges++
			if !focusedAt.IsZero() {
				focusSpans = append(focusSpans, ev.Timestamp.Sub(focusedAt))
				focusedAt = time.Time{}
			}
		}

		// Attribute the gap to the next event to the page active during it.
		if i+1 < len(events) {
			gap := events[i+1].Timestamp.Sub(ev.Timestamp)
			if gap > maxAttributionGap {
				gap = 0
			}
			seconds := int(gap / time.Second)
			switch a.classifier.Categorize(categorize.Domain(ev.URL)) {
			case categorize.Work:
				session.WorkSeconds += seconds
			case categorize.Leisure:
				session.LeisureSeconds += seconds
			case categorize.Social:
				session.SocialSeconds += seconds
			default:
				session.NeutralSeconds += seconds
			}
		}
	}

	session.UniqueDomains = len(domains)

	if len(focusSpans) > 0 {
		var total time.Duration
		for _, s := range focusSpans {
			total += s
		}
		session.AvgFocusMinutes = total.Minutes() / float64(len(focusSpans))
	}

	distractions := session.TabSwitches + session.WindowFocusChanges/2
	session.DistractionRate = float64(distractions) / (float64(durationMinutes) / 60.0)

	return session
}

// sessionID derives a stable ID from the bucket contents
func sessionID(hourKey string, events []models.ActivityEvent) string {
	seed := fmt.Sprintf("%s|%d|%d|%d",
		hourKey,
		events[0].Timestamp.UnixNano(),
		events[len(events)-1].Timestamp.UnixNano(),
		len(events))
	return uuid.NewSHA1(sessionNamespace, []byte(seed)).String()
}
