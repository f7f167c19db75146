package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/models"
)

// Signal is one raw browser-level observation pushed by a page probe.
type Signal struct {
	Kind        models.EventType `json:"kind"`
	URL         string           `json:"url"`
	Title       string           `json:"title"`
	TabID       int              `json:"tab_id,omitempty"`
	WindowID    int              `json:"window_id,omitempty"`
	Interaction string           `json:"interaction,omitempty"`
	DurationMS  int64            `json:"duration_ms,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Envelope is the typed message a probe sends over the capture channel.
// Delivery is fire-and-forget; a probe never waits for an acknowledgment.
type Envelope struct {
	Type  string `json:"type"`
	Event Signal `json:"event"`
}

// EnvelopeTypeActivityEvent is the only envelope type the channel carries.
const EnvelopeTypeActivityEvent = "activity_event"

// ConsentChecker gates capture; it is re-checked on every signal.
type ConsentChecker interface {
	Active(ctx context.Context) (bool, error)
}

// Capturer translates raw signals into activity events and hands them to
// the coordinator. It is a passive observer: it never writes to storage.
type Capturer struct {
	gate     ConsentChecker
	out      chan<- models.ActivityEvent
	debounce time.Duration
	log      *logging.Logger

	mu       sync.Mutex
	lastSeen map[debounceKey]time.Time
}

type debounceKey struct {
	tabID       int
	interaction string
}

// New creates a capturer emitting into out. Rapid repeats of the same
// interaction subtype on the same tab are coalesced within the debounce
// window.
func New(gate ConsentChecker, out chan<- models.ActivityEvent, debounce time.Duration, log *logging.Logger) *Capturer {
	return &Capturer{
		gate:     gate,
		out:      out,
		debounce: debounce,
		log:      log,
		lastSeen: make(map[debounceKey]time.Time),
	}
}

// Observe translates one signal into at most one activity event. Signals
// observed while consent is absent are dropped; that is a precondition, not
// an error, so it is logged at debug level only.
func (c *Capturer) Observe(ctx context.Context, sig Signal) {
	active, err := c.gate.Active(ctx)
	if err != nil {
		c.log.WithError(err).Warn("consent check failed, dropping signal")
		return
	}
	if !active {
		c.log.Debug("consent absent, dropping signal", zap.String("kind", string(sig.Kind)))
		return
	}

	if sig.Kind == models.EventUserInteraction && c.debounced(sig) {
		return
	}

	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	event := models.ActivityEvent{
		Type:        sig.Kind,
		URL:         SanitizeURL(sig.URL),
		Title:       SanitizeTitle(sig.Title),
		Timestamp:   sig.Timestamp,
		TabID:       sig.TabID,
		WindowID:    sig.WindowID,
		DurationMS:  sig.DurationMS,
		Interaction: sig.Interaction,
	}

	// Best-effort handoff: when the coordinator cannot keep up the signal
	// is dropped rather than blocking the capture path.
	select {
	case c.out <- event:
	default:
		c.log.Debug("capture channel full, dropping signal", zap.String("kind", string(sig.Kind)))
	}
}

// debounced reports whether this interaction falls inside the coalescing
// window for its (tab, subtype) key and records the observation time.
func (c *Capturer) debounced(sig Signal) bool {
	now := time.Now()
	key := debounceKey{tabID: sig.TabID, interaction: sig.Interaction}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastSeen[key]; ok && now.Sub(last) < c.debounce {
		return true
	}
	c.lastSeen[key] = now
	return false
}
