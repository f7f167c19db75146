package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/metrics"
	"github.com/jgirmay/activity-agent/internal/models"
	"github.com/jgirmay/activity-agent/internal/store"
)

// State is the sync scheduler's current position in its state machine.
type State string

const (
	StateIdle           State = "idle"
	StateSyncing        State = "syncing"
	StateWaitingToRetry State = "waiting_to_retry"
)

// ErrSyncInFlight reports that a trigger arrived while a sync cycle was
// already active; the trigger is a no-op.
var ErrSyncInFlight = errors.New("sync already in flight")

// QueueItemTypeSession is the payload type of dead-lettered sessions.
const QueueItemTypeSession = "session"

// Deliverer pushes session batches to the backend.
type Deliverer interface {
	PushSessions(ctx context.Context, sessions []models.AggregatedSession) error
}

// ConsentChecker gates every cycle; it is re-read each time, never cached.
type ConsentChecker interface {
	Active(ctx context.Context) (bool, error)
}

// Options tunes the retry schedule.
type Options struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	QueueBatchSize int
}

// Scheduler delivers unsynced sessions with exponential backoff and a
// dead-letter queue. All durable state lives in the store; the counters held
// here are volatile and reset to their initial values on every process
// start.
type Scheduler struct {
	store  store.Store
	gate   ConsentChecker
	client Deliverer
	opts   Options
	log    *logging.Logger

	mu       sync.Mutex
	state    State
	attempts int
	delay    time.Duration
	lastErr  error

	draining bool
}

// NewScheduler creates a sync scheduler in the Idle state
func NewScheduler(s store.Store, gate ConsentChecker, client Deliverer, opts Options, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:  s,
		gate:   gate,
		client: client,
		opts:   opts,
		log:    log,
		state:  StateIdle,
		delay:  opts.InitialDelay,
	}
}

// Snapshot is the externally observable scheduler state.
type Snapshot struct {
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	Delay    string `json:"delay"`
	LastErr  string `json:"last_error,omitempty"`
}

// Snapshot returns the current scheduler state for status surfaces
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:    s.state,
		Attempts: s.attempts,
		Delay:    s.delay.String(),
	}
	if s.lastErr != nil {
		snap.LastErr = s.lastErr.Error()
	}
	return snap
}

// RunCycle executes one sync cycle: deliver the full unsynced batch,
// retrying with exponential backoff until it is accepted or the attempt
// ceiling moves it to the dead-letter queue. A trigger while a cycle is
// active is a no-op returning ErrSyncInFlight. A cycle with consent absent
// or nothing to send is a successful no-op.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if ok := s.acquire(); !ok {
		return ErrSyncInFlight
	}
	defer s.release()

	for {
		// Consent can be revoked between attempts; the cycle then stops
		// without touching the unsynced set.
		active, err := s.gate.Active(ctx)
		if err != nil {
			return fmt.Errorf("consent check failed: %w", err)
		}
		if !active {
			s.log.Debug("consent absent, skipping sync cycle")
			return nil
		}

		sessions, err := s.store.UnsyncedSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to load unsynced sessions: %w", err)
		}
		if len(sessions) == 0 {
			return nil
		}

		deliverErr := s.client.PushSessions(ctx, sessions)
		if deliverErr == nil {
			for _, session := range sessions {
				if err := s.store.MarkSessionSynced(ctx, session.SessionID); err != nil {
					return fmt.Errorf("failed to mark session synced: %w", err)
				}
			}
			s.reset()
			metrics.SyncAttempts.WithLabelValues("success").Inc()
			s.log.Info("sync cycle complete", zap.Int("sessions", len(sessions)))
			return nil
		}

		metrics.SyncAttempts.WithLabelValues("failure").Inc()

		s.mu.Lock()
		s.attempts++
		s.lastErr = deliverErr
		attempts := s.attempts
		s.mu.Unlock()

		if attempts >= s.opts.MaxAttempts {
			if err := s.deadLetter(ctx, sessions, deliverErr); err != nil {
				return err
			}
			// Counters return to their initial values; the failed batch no
			// longer blocks new cycles.
			s.reset()
			return nil
		}

		s.log.Warn("sync delivery failed, will retry",
			zap.Int("attempt", attempts),
			zap.Error(deliverErr))

		if err := s.waitRetry(ctx); err != nil {
			return err
		}
	}
}

// waitRetry sleeps the current backoff delay, then doubles it up to the
// ceiling: delay_{n+1} = min(2 * delay_n, MaxDelay).
func (s *Scheduler) waitRetry(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateWaitingToRetry
	wait := s.delay
	s.delay = minDuration(2*s.delay, s.opts.MaxDelay)
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	s.state = StateSyncing
	s.mu.Unlock()
	return nil
}

// deadLetter parks every session of the exhausted batch in the durable
// queue, preserving the last failure, then removes them from the unsynced
// set. Nothing is discarded: the payload lives on in the queue until the
// drain cycle delivers it.
func (s *Scheduler) deadLetter(ctx context.Context, sessions []models.AggregatedSession, cause error) error {
	for _, session := range sessions {
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to encode dead-letter payload: %w", err)
		}

		item := &models.SyncQueueItem{
			ID:    uuid.New().String(),
			Type:  QueueItemTypeSession,
			Data:  data,
			Error: cause.Error(),
		}
		if err := s.store.AddToSyncQueue(ctx, item); err != nil {
			return fmt.Errorf("failed to park session in dead-letter queue: %w", err)
		}
	}

	// Only after every payload is safely parked does the batch leave the
	// unsynced set.
	for _, session := range sessions {
		if err := s.store.MarkSessionSynced(ctx, session.SessionID); err != nil {
			return fmt.Errorf("failed to retire dead-lettered session: %w", err)
		}
	}

	if depth, err := s.store.SyncQueueDepth(ctx); err == nil {
		metrics.DeadLetterDepth.Set(float64(depth))
	}

	s.log.Warn("attempt ceiling reached, batch moved to dead-letter queue",
		zap.Int("sessions", len(sessions)),
		zap.Error(cause))
	return nil
}

// DrainQueue runs one tick of the independent dead-letter drain: a small
// FIFO batch, one delivery attempt per item, delivered items removed
// immediately. Failed items simply stay queued for the next tick; the drain
// has no backoff of its own.
func (s *Scheduler) DrainQueue(ctx context.Context) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	active, err := s.gate.Active(ctx)
	if err != nil {
		return fmt.Errorf("consent check failed: %w", err)
	}
	if !active {
		s.log.Debug("consent absent, skipping queue drain")
		return nil
	}

	items, err := s.store.SyncQueue(ctx, s.opts.QueueBatchSize)
	if err != nil {
		return fmt.Errorf("failed to read dead-letter queue: %w", err)
	}

	for _, item := range items {
		var session models.AggregatedSession
		if err := json.Unmarshal(item.Data, &session); err != nil {
			// An undecodable payload can never deliver; drop it rather
			// than wedging the queue head forever.
			s.log.Error("dropping undecodable dead-letter item", zap.String("id", item.ID))
			if err := s.store.RemoveFromSyncQueue(ctx, item.ID); err != nil {
				return err
			}
			continue
		}

		if err := s.client.PushSessions(ctx, []models.AggregatedSession{session}); err != nil {
			s.log.Debug("dead-letter delivery failed, item stays queued",
				zap.String("id", item.ID), zap.Error(err))
			continue
		}

		if err := s.store.RemoveFromSyncQueue(ctx, item.ID); err != nil {
			return fmt.Errorf("failed to remove delivered queue item: %w", err)
		}
		metrics.QueueDrained.Inc()
	}

	if depth, err := s.store.SyncQueueDepth(ctx); err == nil {
		metrics.DeadLetterDepth.Set(float64(depth))
	}
	return nil
}

// acquire takes the in-flight guard; at most one Syncing transition is
// active at any time.
func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return false
	}
	s.state = StateSyncing
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
}

// reset returns the attempt counter and backoff delay to their initial
// values. Called only on a successful cycle or after dead-lettering a batch,
// never merely on starting a retry.
func (s *Scheduler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.delay = s.opts.InitialDelay
	s.lastErr = nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
