package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/models"
	"github.com/jgirmay/activity-agent/internal/store"
)

// scriptedDeliverer fails a fixed number of times, then succeeds, recording
// every call.
type scriptedDeliverer struct {
	mu        sync.Mutex
	failures  int
	calls     int
	callTimes []time.Time
	batches   [][]models.AggregatedSession
	block     chan struct{}
}

func (d *scriptedDeliverer) PushSessions(ctx context.Context, sessions []models.AggregatedSession) error {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.callTimes = append(d.callTimes, time.Now())
	d.batches = append(d.batches, sessions)
	block := d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}

	if call <= d.failures {
		return fmt.Errorf("sync delivery failed: http 500")
	}
	return nil
}

func (d *scriptedDeliverer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fixedGate struct {
	active bool
}

func (g *fixedGate) Active(ctx context.Context) (bool, error) {
	return g.active, nil
}

func setupScheduler(t *testing.T, deliverer Deliverer, gate ConsentChecker, opts Options) (*Scheduler, store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	// A pooled second connection would see its own empty in-memory database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := store.New(db, 100000)
	return NewScheduler(s, gate, deliverer, opts, logging.NewNop()), s
}

func seedSessions(t *testing.T, s store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		session := &models.AggregatedSession{
			SessionID: fmt.Sprintf("sess-%d", i),
			Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
			HourKey:   "2025-06-01T10",
		}
		if err := s.AddAggregatedSession(context.Background(), session); err != nil {
			t.Fatalf("failed to seed session: %v", err)
		}
	}
}

func testOpts() Options {
	return Options{
		InitialDelay:   5 * time.Millisecond,
		MaxDelay:       200 * time.Millisecond,
		MaxAttempts:    10,
		QueueBatchSize: 5,
	}
}

func TestRunCycle_NothingToSend(t *testing.T) {
	d := &scriptedDeliverer{}
	sched, _ := setupScheduler(t, d, &fixedGate{active: true}, testOpts())

	if err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if d.callCount() != 0 {
		t.Fatalf("expected no delivery attempts, got %d", d.callCount())
	}
}

func TestRunCycle_ConsentAbsentIsNoop(t *testing.T) {
	d := &scriptedDeliverer{}
	sched, s := setupScheduler(t, d, &fixedGate{active: false}, testOpts())
	seedSessions(t, s, 2)

	if err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if d.callCount() != 0 {
		t.Fatal("no request may leave the agent while consent is absent")
	}

	sessions, _ := s.UnsyncedSessions(context.Background())
	if len(sessions) != 2 {
		t.Fatalf("unsynced set must be untouched, got %d", len(sessions))
	}
}

// Five unsynced sessions, HTTP 500 on the first 3 calls and 200 on the 4th:
// retries wait at least INITIAL, 2x, 4x, then everything is synced and the
// dead-letter queue stays empty.
func TestRunCycle_RetryThenSuccess(t *testing.T) {
	opts := testOpts()
	opts.InitialDelay = 20 * time.Millisecond

	d := &scriptedDeliverer{failures: 3}
	sched, s := setupScheduler(t, d, &fixedGate{active: true}, opts)
	seedSessions(t, s, 5)

	if err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if d.callCount() != 4 {
		t.Fatalf("expected 4 delivery attempts, got %d", d.callCount())
	}

	// Each batch is the same full unsynced set.
	for i, batch := range d.batches {
		if len(batch) != 5 {
			t.Errorf("attempt %d carried %d sessions, want 5", i+1, len(batch))
		}
	}

	// Backoff lower bounds: INITIAL, 2x, 4x.
	wantMin := []time.Duration{
		opts.InitialDelay,
		2 * opts.InitialDelay,
		4 * opts.InitialDelay,
	}
	for i := 0; i < 3; i++ {
		gap := d.callTimes[i+1].Sub(d.callTimes[i])
		if gap < wantMin[i] {
			t.Errorf("retry %d waited %v, want at least %v", i+1, gap, wantMin[i])
		}
	}

	sessions, _ := s.UnsyncedSessions(context.Background())
	if len(sessions) != 0 {
		t.Errorf("expected all sessions synced, %d remain", len(sessions))
	}
	depth, _ := s.SyncQueueDepth(context.Background())
	if depth != 0 {
		t.Errorf("dead-letter queue must stay empty, depth %d", depth)
	}

	snap := sched.Snapshot()
	if snap.State != StateIdle || snap.Attempts != 0 {
		t.Errorf("scheduler must return to idle with counters reset, got %+v", snap)
	}
}

// Ten consecutive failures on a 2-session batch move both sessions into the
// dead-letter queue with the original error preserved, reset the counters,
// and unblock new cycles.
func TestRunCycle_AttemptCeilingDeadLetters(t *testing.T) {
	opts := testOpts()
	opts.InitialDelay = time.Millisecond
	opts.MaxDelay = 4 * time.Millisecond

	d := &scriptedDeliverer{failures: 1000}
	sched, s := setupScheduler(t, d, &fixedGate{active: true}, opts)
	seedSessions(t, s, 2)

	if err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if d.callCount() != opts.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", opts.MaxAttempts, d.callCount())
	}

	ctx := context.Background()
	items, err := s.SyncQueue(ctx, 10)
	if err != nil {
		t.Fatalf("SyncQueue failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 dead-lettered sessions, got %d", len(items))
	}
	for _, item := range items {
		if item.Type != QueueItemTypeSession {
			t.Errorf("unexpected item type %s", item.Type)
		}
		if item.Error != "sync delivery failed: http 500" {
			t.Errorf("original error not preserved: %q", item.Error)
		}
		var session models.AggregatedSession
		if err := json.Unmarshal(item.Data, &session); err != nil {
			t.Errorf("payload not decodable: %v", err)
		}
	}

	sessions, _ := s.UnsyncedSessions(ctx)
	if len(sessions) != 0 {
		t.Errorf("dead-lettered batch must not block new cycles, %d unsynced remain", len(sessions))
	}

	snap := sched.Snapshot()
	if snap.Attempts != 0 {
		t.Errorf("attempt counter must reset after dead-lettering, got %d", snap.Attempts)
	}
	if snap.Delay != opts.InitialDelay.String() {
		t.Errorf("delay must reset to initial, got %s", snap.Delay)
	}
}

// Two overlapping triggers produce exactly one outbound batch request.
func TestRunCycle_AtMostOneInFlight(t *testing.T) {
	d := &scriptedDeliverer{block: make(chan struct{})}
	sched, s := setupScheduler(t, d, &fixedGate{active: true}, testOpts())
	seedSessions(t, s, 1)

	done := make(chan error, 1)
	go func() {
		done <- sched.RunCycle(context.Background())
	}()

	// Wait until the first cycle is inside delivery.
	deadline := time.After(2 * time.Second)
	for d.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first cycle never started delivering")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := sched.RunCycle(context.Background()); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("overlapping trigger must be a no-op, got %v", err)
	}

	close(d.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	if d.callCount() != 1 {
		t.Fatalf("expected exactly one outbound batch, got %d", d.callCount())
	}
}

func TestDrainQueue_DeliversFIFOAndRemoves(t *testing.T) {
	d := &scriptedDeliverer{}
	sched, s := setupScheduler(t, d, &fixedGate{active: true}, testOpts())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		payload, _ := json.Marshal(models.AggregatedSession{
			SessionID: fmt.Sprintf("dead-%d", i),
			HourKey:   "2025-06-01T10",
		})
		item := &models.SyncQueueItem{
			ID:        fmt.Sprintf("item-%d", i),
			Type:      QueueItemTypeSession,
			Data:      payload,
			Error:     "http 503",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.AddToSyncQueue(ctx, item); err != nil {
			t.Fatalf("AddToSyncQueue failed: %v", err)
		}
	}

	if err := sched.DrainQueue(ctx); err != nil {
		t.Fatalf("DrainQueue failed: %v", err)
	}

	if d.callCount() != 2 {
		t.Fatalf("expected 2 per-item deliveries, got %d", d.callCount())
	}
	for i, batch := range d.batches {
		if len(batch) != 1 {
			t.Errorf("drain batch %d carried %d sessions, want 1", i, len(batch))
		}
	}
	if d.batches[0][0].SessionID != "dead-0" {
		t.Errorf("drain not FIFO, first was %s", d.batches[0][0].SessionID)
	}

	depth, _ := s.SyncQueueDepth(ctx)
	if depth != 0 {
		t.Errorf("delivered items must be removed, depth %d", depth)
	}
}

func TestDrainQueue_FailedItemsStayQueued(t *testing.T) {
	d := &scriptedDeliverer{failures: 1000}
	sched, s := setupScheduler(t, d, &fixedGate{active: true}, testOpts())
	ctx := context.Background()

	payload, _ := json.Marshal(models.AggregatedSession{SessionID: "dead-0", HourKey: "2025-06-01T10"})
	_ = s.AddToSyncQueue(ctx, &models.SyncQueueItem{
		ID: "item-0", Type: QueueItemTypeSession, Data: payload, Error: "http 503",
	})

	if err := sched.DrainQueue(ctx); err != nil {
		t.Fatalf("DrainQueue failed: %v", err)
	}

	depth, _ := s.SyncQueueDepth(ctx)
	if depth != 1 {
		t.Errorf("failed item must stay queued, depth %d", depth)
	}
}

func TestDrainQueue_DropsUndecodablePayload(t *testing.T) {
	d := &scriptedDeliverer{}
	sched, s := setupScheduler(t, d, &fixedGate{active: true}, testOpts())
	ctx := context.Background()

	_ = s.AddToSyncQueue(ctx, &models.SyncQueueItem{
		ID: "item-0", Type: QueueItemTypeSession, Data: []byte("not json"), Error: "x",
	})

	if err := sched.DrainQueue(ctx); err != nil {
		t.Fatalf("DrainQueue failed: %v", err)
	}

	if d.callCount() != 0 {
		t.Errorf("undecodable payload must not be delivered, got %d calls", d.callCount())
	}
	depth, _ := s.SyncQueueDepth(ctx)
	if depth != 0 {
		t.Errorf("undecodable payload must be dropped, depth %d", depth)
	}
}

func TestDrainQueue_ConsentAbsentIsNoop(t *testing.T) {
	d := &scriptedDeliverer{}
	sched, s := setupScheduler(t, d, &fixedGate{active: false}, testOpts())
	ctx := context.Background()

	payload, _ := json.Marshal(models.AggregatedSession{SessionID: "dead-0"})
	_ = s.AddToSyncQueue(ctx, &models.SyncQueueItem{
		ID: "item-0", Type: QueueItemTypeSession, Data: payload, Error: "x",
	})

	if err := sched.DrainQueue(ctx); err != nil {
		t.Fatalf("DrainQueue failed: %v", err)
	}
	if d.callCount() != 0 {
		t.Fatal("no request may leave the agent while consent is absent")
	}
}
