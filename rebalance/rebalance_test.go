package rebalance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/callback"
	"github.com/vigneswara-propelo/taskfleet/perpetual"
	"github.com/vigneswara-propelo/taskfleet/queue"
	"github.com/vigneswara-propelo/taskfleet/registry"
	"github.com/vigneswara-propelo/taskfleet/scope"
	"github.com/vigneswara-propelo/taskfleet/state"
)

type nopNotifier struct{}

func (nopNotifier) DoneWith(context.Context, string, callback.Outcome) error { return nil }

type fixture struct {
	loop      *Loop
	store     state.StateStore
	queue     *queue.Manager
	perpetual *perpetual.Manager
	registry  *registry.MemoryRegistry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	reg := registry.NewMemoryRegistry()
	t.Cleanup(func() { reg.Close() })

	q := queue.NewManager(store, reg, nopNotifier{}, queue.Config{}, zerolog.Nop())
	p := perpetual.NewManager(store, perpetual.Config{}, zerolog.Nop())
	return &fixture{
		loop:      New(store, q, p, reg, nil, cfg, zerolog.Nop()),
		store:     store,
		queue:     q,
		perpetual: p,
		registry:  reg,
	}
}

func (f *fixture) registerDelegate(t *testing.T, id string, at time.Time) {
	t.Helper()
	err := f.registry.Register(registry.DelegateInfo{
		ID:            id,
		Scope:         scope.Scope{"accountId": "a"},
		LastHeartbeat: at,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func createRecord(t *testing.T, f *fixture) *perpetual.Record {
	t.Helper()
	rec, err := f.perpetual.Create(context.Background(), perpetual.CreateRequest{
		Type:  "connector-heartbeat",
		Scope: scope.Scope{"accountId": "a"},
		ClientContext: perpetual.ClientContext{
			ClientID:        "conn-1",
			ExecutionBundle: []byte("{}"),
		},
		Schedule: perpetual.Schedule{Interval: time.Minute},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{LivenessMultiplier: 1}.withDefaults()
	if cfg.LivenessMultiplier != 3 {
		t.Errorf("LivenessMultiplier = %d, want raised to 3", cfg.LivenessMultiplier)
	}
	if cfg.Window() != 3*time.Minute {
		t.Errorf("Window = %v, want 3m", cfg.Window())
	}
}

func TestPass_ReassignsStaleRecord(t *testing.T) {
	cfg := Config{HeartbeatInterval: time.Minute}
	f := newFixture(t, cfg)
	ctx := context.Background()

	now := time.Now()
	f.registerDelegate(t, "dead", now)
	rec := createRecord(t, f)
	if err := f.perpetual.AppointDelegate(ctx, rec.ID, "dead", rec.ContextVersion); err != nil {
		t.Fatalf("AppointDelegate: %v", err)
	}
	if err := f.perpetual.RecordHeartbeat(ctx, rec.ID, "dead", now); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	// Four intervals later the holder has gone quiet but another delegate
	// is heartbeating.
	later := now.Add(4 * time.Minute)
	f.registerDelegate(t, "alive", later)

	if err := f.loop.Pass(ctx, later); err != nil {
		t.Fatalf("Pass: %v", err)
	}

	got, err := f.perpetual.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != perpetual.StateAssigned || got.DelegateID != "alive" {
		t.Errorf("after pass = %s/%s, want assigned/alive", got.State, got.DelegateID)
	}
}

func TestPass_WithinWindowLeavesAssignment(t *testing.T) {
	cfg := Config{HeartbeatInterval: time.Minute}
	f := newFixture(t, cfg)
	ctx := context.Background()

	now := time.Now()
	f.registerDelegate(t, "d1", now)
	rec := createRecord(t, f)
	_ = f.perpetual.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion)
	_ = f.perpetual.RecordHeartbeat(ctx, rec.ID, "d1", now)

	// Two intervals of silence is inside the three-interval window.
	if err := f.loop.Pass(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("Pass: %v", err)
	}

	got, _ := f.perpetual.Get(rec.ID)
	if got.State != perpetual.StateAssigned || got.DelegateID != "d1" {
		t.Errorf("after pass = %s/%s, want assignment untouched", got.State, got.DelegateID)
	}
}

func TestPass_NoEligibleDelegatesBacksOff(t *testing.T) {
	f := newFixture(t, Config{HeartbeatInterval: time.Minute, BackoffBase: time.Minute})
	ctx := context.Background()

	rec := createRecord(t, f)
	now := time.Now()

	if err := f.loop.Pass(ctx, now); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	got, _ := f.perpetual.Get(rec.ID)
	if got.State != perpetual.StateUnassigned || got.UnassignedReason != perpetual.ReasonNoEligibleDelegates {
		t.Errorf("after pass = %s/%s, want unassigned/NO_ELIGIBLE_DELEGATES", got.State, got.UnassignedReason)
	}
	if f.loop.attempts[rec.ID] != 1 {
		t.Errorf("attempts = %d, want 1", f.loop.attempts[rec.ID])
	}

	// An immediate second pass skips the deferred record.
	if err := f.loop.Pass(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("second Pass: %v", err)
	}
	if f.loop.attempts[rec.ID] != 1 {
		t.Errorf("attempts after deferred pass = %d, want still 1", f.loop.attempts[rec.ID])
	}

	// Once a delegate shows up past the backoff, the record is appointed
	// and retry state clears.
	far := now.Add(time.Hour)
	f.registerDelegate(t, "d1", far)
	if err := f.loop.Pass(ctx, far); err != nil {
		t.Fatalf("third Pass: %v", err)
	}
	got, _ = f.perpetual.Get(rec.ID)
	if got.State != perpetual.StateAssigned {
		t.Errorf("after delegate arrival = %s, want assigned", got.State)
	}
	if _, ok := f.loop.attempts[rec.ID]; ok {
		t.Error("retry state not cleared after appointment")
	}
}

func TestPass_SkippedWhileLockHeld(t *testing.T) {
	f := newFixture(t, Config{HeartbeatInterval: time.Minute})
	ctx := context.Background()

	rec := createRecord(t, f)
	now := time.Now()
	f.registerDelegate(t, "d1", now)

	// Another replica holds the pass lock, so this pass must be a no-op.
	lock, err := f.store.Lock(passLockKey, time.Minute)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := f.loop.Pass(ctx, now); err != nil {
		t.Fatalf("Pass under foreign lock: %v", err)
	}
	got, _ := f.perpetual.Get(rec.ID)
	if got.State != perpetual.StateUnassigned {
		t.Errorf("state under foreign lock = %s, want still unassigned", got.State)
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := f.loop.Pass(ctx, now); err != nil {
		t.Fatalf("Pass after release: %v", err)
	}
	got, _ = f.perpetual.Get(rec.ID)
	if got.State != perpetual.StateAssigned || got.DelegateID != "d1" {
		t.Errorf("after release = %s/%s, want assigned/d1", got.State, got.DelegateID)
	}
}

func TestPass_PrunesRetryStateForDeletedRecord(t *testing.T) {
	f := newFixture(t, Config{HeartbeatInterval: time.Minute, BackoffBase: time.Minute})
	ctx := context.Background()

	rec := createRecord(t, f)
	now := time.Now()
	if err := f.loop.Pass(ctx, now); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if f.loop.attempts[rec.ID] != 1 {
		t.Fatalf("attempts = %d, want 1", f.loop.attempts[rec.ID])
	}

	if err := f.perpetual.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.loop.Pass(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("second Pass: %v", err)
	}

	f.loop.mu.Lock()
	defer f.loop.mu.Unlock()
	if _, ok := f.loop.attempts[rec.ID]; ok {
		t.Error("attempts entry survived record deletion")
	}
	if _, ok := f.loop.nextAttempt[rec.ID]; ok {
		t.Error("nextAttempt entry survived record deletion")
	}
}

func TestPass_ExpiresOverdueTasks(t *testing.T) {
	f := newFixture(t, Config{HeartbeatInterval: time.Minute})
	ctx := context.Background()

	now := time.Now()
	f.registerDelegate(t, "d1", now)
	task, err := f.queue.Submit(ctx, queue.Task{
		Scope:   scope.Scope{"accountId": "a"},
		Payload: queue.Payload{Type: "shell"},
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := f.loop.Pass(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("Pass: %v", err)
	}

	got, _ := f.queue.Get(task.ID)
	if got.Status != queue.StatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{CheckInterval: 10 * time.Millisecond, HeartbeatInterval: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.loop.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	f.loop.Stop()
}
