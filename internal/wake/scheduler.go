// Package wake drives recurring work off alarms whose next-fire times are
// persisted, so schedules survive the host process being torn down and
// restarted at any point. In-process timers are used only to sleep until the
// nearest persisted deadline.
package wake

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/models"
	"github.com/jgirmay/activity-agent/internal/store"
)

// Handler runs one cycle of a periodic job.
type Handler func(ctx context.Context) error

// pollFloor bounds how long the loop sleeps without re-reading deadlines.
const pollFloor = 250 * time.Millisecond

type alarm struct {
	period  time.Duration
	handler Handler
}

// Scheduler dispatches registered handlers whenever their persisted alarm
// comes due. Each handler runs on its own goroutine so one slow job cannot
// stall the others; a job that is still running when its alarm comes due
// again is skipped, never overlapped with itself.
type Scheduler struct {
	store store.Store
	log   *logging.Logger

	mu      sync.Mutex
	alarms  map[string]alarm
	running map[string]bool

	handlers sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a wake scheduler backed by the given store
func New(s store.Store, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:   s,
		log:     log,
		alarms:  make(map[string]alarm),
		running: make(map[string]bool),
	}
}

// Register adds a periodic job. Must be called before Start.
func (s *Scheduler) Register(name string, period time.Duration, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[name] = alarm{period: period, handler: handler}
}

// Start seeds any missing alarms and begins dispatching. An alarm whose
// persisted deadline passed while the process was down fires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	persisted, err := s.store.Alarms(ctx)
	if err != nil {
		return err
	}

	existing := make(map[string]models.WakeAlarm, len(persisted))
	for _, a := range persisted {
		existing[a.Name] = a
	}

	now := time.Now()
	s.mu.Lock()
	registered := make(map[string]alarm, len(s.alarms))
	for name, a := range s.alarms {
		registered[name] = a
	}
	s.mu.Unlock()

	for name, a := range registered {
		if _, ok := existing[name]; ok {
			continue
		}
		seed := &models.WakeAlarm{
			Name:       name,
			Period:     a.period,
			NextFireAt: now.Add(a.period),
		}
		if err := s.store.UpsertAlarm(ctx, seed); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx)
	return nil
}

// Stop halts dispatching and waits for in-progress handlers to finish
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.handlers.Wait()
}

// markRunning claims the alarm for one firing; false means the previous
// firing has not finished.
func (s *Scheduler) markRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) clearRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		wait := s.dispatchDue(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dispatchDue runs every due alarm once and returns how long to sleep until
// the next deadline
func (s *Scheduler) dispatchDue(ctx context.Context) time.Duration {
	persisted, err := s.store.Alarms(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to read alarms")
		return pollFloor
	}

	s.mu.Lock()
	registered := make(map[string]alarm, len(s.alarms))
	for name, a := range s.alarms {
		registered[name] = a
	}
	s.mu.Unlock()

	now := time.Now()
	next := now.Add(time.Minute)

	for _, stored := range persisted {
		a, ok := registered[stored.Name]
		if !ok {
			continue
		}

		if stored.NextFireAt.After(now) {
			if stored.NextFireAt.Before(next) {
				next = stored.NextFireAt
			}
			continue
		}

		// A job still running from its last firing stays armed and overdue;
		// it fires on a later scan once the goroutine finishes.
		if !s.markRunning(stored.Name) {
			if candidate := now.Add(pollFloor); candidate.Before(next) {
				next = candidate
			}
			continue
		}

		// Re-arm before running: if the handler crashes the process, the
		// next start does not re-fire in a tight loop.
		stored.Period = a.period
		stored.NextFireAt = now.Add(a.period)
		if err := s.store.UpsertAlarm(ctx, &stored); err != nil {
			s.log.WithError(err).Warn("failed to re-arm alarm", zap.String("alarm", stored.Name))
			s.clearRunning(stored.Name)
			continue
		}

		s.handlers.Add(1)
		go func(name string, h Handler) {
			defer s.handlers.Done()
			defer s.clearRunning(name)
			if err := h(ctx); err != nil {
				s.log.WithError(err).Warn("periodic job failed, retrying next cycle",
					zap.String("alarm", name))
			}
		}(stored.Name, a.handler)

		if stored.NextFireAt.Before(next) {
			next = stored.NextFireAt
		}
	}

	wait := time.Until(next)
	if wait < pollFloor {
		wait = pollFloor
	}
	return wait
}
