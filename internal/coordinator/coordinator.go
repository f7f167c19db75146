package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/aggregate"
	"github.com/jgirmay/activity-agent/internal/capture"
	"github.com/jgirmay/activity-agent/internal/categorize"
	"github.com/jgirmay/activity-agent/internal/config"
	"github.com/jgirmay/activity-agent/internal/consent"
	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/metrics"
	"github.com/jgirmay/activity-agent/internal/models"
	"github.com/jgirmay/activity-agent/internal/store"
	"github.com/jgirmay/activity-agent/internal/syncer"
	"github.com/jgirmay/activity-agent/internal/wake"
)

// Alarm names for the periodic cycles.
const (
	AlarmSync       = "sync"
	AlarmAggregate  = "aggregate"
	AlarmCleanup    = "cleanup"
	AlarmQueueDrain = "queue_drain"
)

const installedVersionKey = "installed_version"

// VersionChecker queries backend compatibility on update.
type VersionChecker interface {
	CheckVersion(ctx context.Context) *syncer.VersionResponse
}

// Coordinator wires capture, storage, aggregation, and sync together. It is
// the only component with in-memory state, all of it rebuildable: every
// counter and channel here defaults to a safe initial value on process
// start.
type Coordinator struct {
	cfg       *config.Config
	version   string
	store     store.Store
	gate      *consent.Gate
	scheduler *syncer.Scheduler
	checker   VersionChecker
	wake      *wake.Scheduler
	log       *logging.Logger

	events   chan models.ActivityEvent
	capturer *capture.Capturer
	hub      *capture.Hub

	aggMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a coordinator with concrete references to its
// collaborators; nothing is resolved lazily.
func New(cfg *config.Config, version string, s store.Store, gate *consent.Gate, scheduler *syncer.Scheduler, checker VersionChecker, log *logging.Logger) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		version:   version,
		store:     s,
		gate:      gate,
		scheduler: scheduler,
		checker:   checker,
		wake:      wake.New(s, log),
		log:       log,
		events:    make(chan models.ActivityEvent, 256),
	}
	c.capturer = capture.New(gate, c.events, cfg.Capture.DebounceWindow, log)
	c.hub = capture.NewHub(c.capturer, log)
	return c
}

// Hub exposes the capture channel endpoint for the HTTP surface
func (c *Coordinator) Hub() *capture.Hub {
	return c.hub
}

// Capturer exposes the signal translator for in-process probes
func (c *Coordinator) Capturer() *capture.Capturer {
	return c.capturer
}

// Start runs the lifecycle hooks and begins the periodic cycles
func (c *Coordinator) Start(ctx context.Context) error {
	installed, err := c.store.Preference(ctx, installedVersionKey)
	if err != nil {
		return err
	}

	switch {
	case installed == "":
		if err := c.onInstall(ctx); err != nil {
			return err
		}
	case installed != c.version:
		if err := c.onUpdate(ctx, installed); err != nil {
			return err
		}
	}

	return c.onStartup(ctx)
}

// Stop halts the periodic cycles and the capture consumer
func (c *Coordinator) Stop() {
	c.wake.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// onInstall runs once on first start: defaults are written and the consent
// prompt is left pending; nothing is collected until the user grants.
func (c *Coordinator) onInstall(ctx context.Context) error {
	c.log.Info("first run, initializing defaults", zap.String("version", c.version))

	if err := c.store.SetPreference(ctx, "consent_prompt_pending", "true"); err != nil {
		return err
	}
	return c.store.SetPreference(ctx, installedVersionKey, c.version)
}

// onUpdate runs when the agent version changed: the consent terms are
// re-checked and the backend compatibility queried.
func (c *Coordinator) onUpdate(ctx context.Context, from string) error {
	c.log.Info("agent updated", zap.String("from", from), zap.String("to", c.version))

	action, err := c.gate.HandleVersionUpgrade(ctx)
	if err != nil {
		return err
	}
	if action == consent.ActionReconsentRequired {
		if err := c.store.SetPreference(ctx, "consent_prompt_pending", "true"); err != nil {
			return err
		}
	}

	version := c.checker.CheckVersion(ctx)
	if version.UpgradeRequired {
		c.log.Warn("backend requires a newer agent", zap.String("message", version.Message))
	}

	return c.store.SetPreference(ctx, installedVersionKey, c.version)
}

// onStartup resumes the gated cycles and the capture consumer
func (c *Coordinator) onStartup(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeEvents(runCtx)

	c.wake.Register(AlarmSync, c.cfg.Sync.CyclePeriod, func(ctx context.Context) error {
		err := c.scheduler.RunCycle(ctx)
		if errors.Is(err, syncer.ErrSyncInFlight) {
			return nil
		}
		return err
	})
	c.wake.Register(AlarmAggregate, c.cfg.Sync.AggregatePeriod, c.RunAggregation)
	c.wake.Register(AlarmCleanup, c.cfg.Sync.CleanupPeriod, c.runCleanup)
	c.wake.Register(AlarmQueueDrain, c.cfg.Sync.CyclePeriod, c.scheduler.DrainQueue)

	return c.wake.Start(ctx)
}

// TriggerSync runs a manual sync cycle; a cycle already in flight makes
// this a no-op.
func (c *Coordinator) TriggerSync(ctx context.Context) error {
	err := c.scheduler.RunCycle(ctx)
	if errors.Is(err, syncer.ErrSyncInFlight) {
		return nil
	}
	return err
}

// consumeEvents is the single writer of captured events into the store
func (c *Coordinator) consumeEvents(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.events:
			err := c.store.AddActivityEvent(ctx, &event)
			switch {
			case err == nil:
				metrics.EventsCaptured.Inc()
			case errors.Is(err, store.ErrQuotaExceeded):
				metrics.EventsCaptured.Inc()
				metrics.EventsEvicted.Inc()
				c.log.Warn("event quota exceeded, oldest events evicted")
			default:
				c.log.WithError(err).Error("failed to store activity event")
			}
		}
	}
}

// RunAggregation folds all events from completed hour windows into sessions
// and deletes the consumed events. Runs are serialized; a crash between the
// session insert and the event delete re-aggregates the same batch into the
// same deterministic session IDs next cycle.
func (c *Coordinator) RunAggregation(ctx context.Context) error {
	c.aggMu.Lock()
	defer c.aggMu.Unlock()

	active, err := c.gate.Active(ctx)
	if err != nil {
		return err
	}
	if !active {
		c.log.Debug("consent absent, skipping aggregation cycle")
		return nil
	}

	all, err := c.store.ActivityEventsSince(ctx, time.Time{})
	if err != nil {
		return err
	}

	// Events of the hour still in progress stay raw until it completes.
	cutoff := time.Now().UTC().Truncate(aggregate.Window)
	var batch []models.ActivityEvent
	for _, ev := range all {
		if ev.Timestamp.UTC().Before(cutoff) {
			batch = append(batch, ev)
		}
	}
	if len(batch) == 0 {
		return nil
	}

	overrides, err := c.store.CategoryOverrides(ctx)
	if err != nil {
		return err
	}

	aggregator := aggregate.New(categorize.NewClassifier(overrides))
	sessions := aggregator.Aggregate(batch)

	for i := range sessions {
		err := c.store.AddAggregatedSession(ctx, &sessions[i])
		switch {
		case err == nil:
			metrics.SessionsAggregated.Inc()
		case errors.Is(err, store.ErrDuplicateSession):
			// A previous run was killed after this insert; the batch
			// delete below completes the interrupted fold.
			c.log.Debug("session already recorded", zap.String("session_id", sessions[i].SessionID))
		default:
			// The events must outlive a failed insert so the next cycle
			// can retry the same fold.
			return fmt.Errorf("failed to store aggregated session: %w", err)
		}
	}

	ids := make([]uint, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	if err := c.store.DeleteActivityEvents(ctx, ids); err != nil {
		return err
	}

	c.log.Info("aggregation cycle complete",
		zap.Int("events", len(batch)),
		zap.Int("sessions", len(sessions)))
	return nil
}

// runCleanup ages out raw events and synced sessions on its own cycle
func (c *Coordinator) runCleanup(ctx context.Context) error {
	events, sessions, err := c.store.Cleanup(ctx, c.cfg.Retention.RawEventHorizon, c.cfg.Retention.SessionHorizon)
	if err != nil {
		return err
	}
	if events > 0 || sessions > 0 {
		c.log.Info("retention cleanup complete",
			zap.Int64("events", events),
			zap.Int64("sessions", sessions))
	}
	return nil
}
