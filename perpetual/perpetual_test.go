package perpetual

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/scope"
	"github.com/vigneswara-propelo/taskfleet/state"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewManager(store, Config{}, zerolog.Nop())
}

func validRequest() CreateRequest {
	return CreateRequest{
		Type:  "connector-heartbeat",
		Scope: scope.Scope{"accountId": "a"},
		ClientContext: ClientContext{
			ClientID:        "conn-1",
			ExecutionBundle: []byte(`{"url":"https://example.test"}`),
		},
		Schedule: Schedule{Interval: time.Minute, Timeout: 30 * time.Second},
	}
}

func TestCreate_Validation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"empty type", func(r *CreateRequest) { r.Type = "" }},
		{"empty client id", func(r *CreateRequest) { r.ClientContext.ClientID = "" }},
		{"empty scope", func(r *CreateRequest) { r.Scope = nil }},
		{"zero interval", func(r *CreateRequest) { r.Schedule.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			if _, err := m.Create(ctx, req); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
				t.Errorf("Create = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestCreate_IdempotentOnIdentity(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.State != StateUnassigned || first.ContextVersion != 1 {
		t.Fatalf("new record = %s v%d, want unassigned v1", first.State, first.ContextVersion)
	}

	second, err := m.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate create produced new record %s, want %s", second.ID, first.ID)
	}

	// A different client id under the same scope is a distinct task.
	req := validRequest()
	req.ClientContext.ClientID = "conn-2"
	third, err := m.Create(ctx, req)
	if err != nil {
		t.Fatalf("third Create: %v", err)
	}
	if third.ID == first.ID {
		t.Error("distinct client id collapsed into the same record")
	}
}

func TestAppointHeartbeatClear(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())

	if err := m.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion); err != nil {
		t.Fatalf("AppointDelegate: %v", err)
	}
	got, _ := m.Get(rec.ID)
	if got.State != StateAssigned || got.DelegateID != "d1" || got.AssignAttempts != 1 {
		t.Fatalf("after appoint = %+v", got)
	}

	// Heartbeat from the holder sticks and settles the attempt counter.
	hb := time.Now()
	if err := m.RecordHeartbeat(ctx, rec.ID, "d1", hb); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	got, _ = m.Get(rec.ID)
	if !got.LastHeartbeat.Equal(hb) || got.AssignAttempts != 0 {
		t.Errorf("after heartbeat = %+v", got)
	}

	// Older heartbeats are ignored, not errors.
	if err := m.RecordHeartbeat(ctx, rec.ID, "d1", hb.Add(-time.Minute)); err != nil {
		t.Fatalf("old RecordHeartbeat: %v", err)
	}
	got, _ = m.Get(rec.ID)
	if !got.LastHeartbeat.Equal(hb) {
		t.Error("older heartbeat rewound the stamp")
	}

	// A non-holder heartbeat is rejected.
	err := m.RecordHeartbeat(ctx, rec.ID, "d2", time.Now())
	if !errors.HasCode(err, errors.ErrCodeStaleAssignment) {
		t.Errorf("foreign heartbeat = %v, want STALE_ASSIGNMENT", err)
	}

	if err := m.ClearAssignment(ctx, rec.ID, ReasonHeartbeatExpired); err != nil {
		t.Fatalf("ClearAssignment: %v", err)
	}
	got, _ = m.Get(rec.ID)
	if got.State != StateUnassigned || got.UnassignedReason != ReasonHeartbeatExpired || got.DelegateID != "" {
		t.Errorf("after clear = %+v", got)
	}
}

func TestAppoint_ContextVersionConflict(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())

	// A reset in between invalidates the observed version.
	if _, err := m.Reset(ctx, rec.ID, []byte(`{"url":"https://new.test"}`)); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	err := m.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion)
	if !errors.HasCode(err, errors.ErrCodeContextVersionConflict) {
		t.Fatalf("AppointDelegate = %v, want CONTEXT_VERSION_CONFLICT", err)
	}

	// Re-reading the fresh version succeeds.
	fresh, _ := m.Get(rec.ID)
	if fresh.ContextVersion != 2 {
		t.Fatalf("ContextVersion = %d, want 2", fresh.ContextVersion)
	}
	if err := m.AppointDelegate(ctx, rec.ID, "d1", fresh.ContextVersion); err != nil {
		t.Errorf("retry AppointDelegate: %v", err)
	}
}

func TestReset_KeepsAssignment(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	_ = m.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion)

	got, err := m.Reset(ctx, rec.ID, []byte(`{"url":"https://new.test"}`))
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got.State != StateAssigned || got.DelegateID != "d1" {
		t.Errorf("reset disturbed the assignment: %+v", got)
	}
	if got.ContextVersion != 2 {
		t.Errorf("ContextVersion = %d, want 2", got.ContextVersion)
	}
	if string(got.ClientContext.ExecutionBundle) != `{"url":"https://new.test"}` {
		t.Errorf("bundle = %s", got.ClientContext.ExecutionBundle)
	}

	// A nil bundle keeps the stored one and still bumps the version.
	got, err = m.Reset(ctx, rec.ID, nil)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got.ContextVersion != 3 || string(got.ClientContext.ExecutionBundle) != `{"url":"https://new.test"}` {
		t.Errorf("after nil-bundle reset = %+v", got)
	}
}

func TestCreate_AllowDuplicate(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	req := validRequest()
	first, err := m.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req.AllowDuplicate = true
	second, err := m.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create duplicate: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("AllowDuplicate returned the existing record")
	}

	// Deleting the duplicate must not release the original's identity claim.
	if err := m.Delete(ctx, second.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	req.AllowDuplicate = false
	third, err := m.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create after duplicate delete: %v", err)
	}
	if third.ID != first.ID {
		t.Errorf("idempotent create returned %s, want original %s", third.ID, first.ID)
	}
}

func TestUpdateUnassignedReason(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	if err := m.UpdateUnassignedReason(ctx, rec.ID, ReasonNoEligibleDelegates, 4); err != nil {
		t.Fatalf("UpdateUnassignedReason: %v", err)
	}
	got, _ := m.Get(rec.ID)
	if got.UnassignedReason != ReasonNoEligibleDelegates || got.AssignAttempts != 4 {
		t.Errorf("diagnostics = %s/%d, want NO_ELIGIBLE_DELEGATES/4", got.UnassignedReason, got.AssignAttempts)
	}
	if got.State != StateUnassigned {
		t.Errorf("state changed to %s", got.State)
	}
}

func TestPauseResume(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	_ = m.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion)

	if err := m.Pause(ctx, rec.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, _ := m.Get(rec.ID)
	if got.State != StatePaused || got.DelegateID != "" {
		t.Fatalf("after pause = %+v", got)
	}

	// Paused tasks refuse appointment.
	err := m.AppointDelegate(ctx, rec.ID, "d1", got.ContextVersion)
	if !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Errorf("appoint while paused = %v, want CONFLICT", err)
	}

	// And stay paused through ClearAssignment sweeps.
	if err := m.ClearAssignment(ctx, rec.ID, ReasonHeartbeatExpired); err != nil {
		t.Fatalf("ClearAssignment: %v", err)
	}
	got, _ = m.Get(rec.ID)
	if got.State != StatePaused {
		t.Error("sweep flipped a paused task")
	}

	if err := m.Resume(ctx, rec.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, _ = m.Get(rec.ID)
	if got.State != StateUnassigned {
		t.Errorf("after resume = %s, want unassigned", got.State)
	}
}

func TestDelete_ReleasesIdentity(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	list, _ := m.List()
	if len(list) != 0 {
		t.Errorf("List after delete = %d records, want 0", len(list))
	}

	// The identity is free again for a fresh create.
	fresh, err := m.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create after delete: %v", err)
	}
	if fresh.ID == rec.ID {
		t.Error("recreate reused the deleted record")
	}
}

func TestDeleteAllForScope(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	reqA := validRequest()
	reqA.Scope = scope.Scope{"accountId": "a", "projectId": "p1"}
	reqB := validRequest()
	reqB.Scope = scope.Scope{"accountId": "a", "projectId": "p2"}
	reqB.ClientContext.ClientID = "conn-2"
	reqC := validRequest()
	reqC.Scope = scope.Scope{"accountId": "b"}
	reqC.ClientContext.ClientID = "conn-3"

	for _, req := range []CreateRequest{reqA, reqB, reqC} {
		if _, err := m.Create(ctx, req); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := m.DeleteAllForScope(ctx, scope.Scope{"accountId": "a"})
	if err != nil {
		t.Fatalf("DeleteAllForScope: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	list, _ := m.List()
	if len(list) != 1 || list[0].Scope["accountId"] != "b" {
		t.Errorf("survivors = %+v, want only account b", list)
	}
}

func TestListStale(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	_ = m.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion)
	_ = m.RecordHeartbeat(ctx, rec.ID, "d1", time.Now())

	window := 3 * time.Minute
	stale, err := m.ListStale(time.Now(), window)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("fresh assignment reported stale: %+v", stale)
	}

	// Four intervals of silence against a three-interval window.
	stale, err = m.ListStale(time.Now().Add(4*time.Minute), window)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != rec.ID {
		t.Errorf("ListStale = %+v, want [%s]", stale, rec.ID)
	}
}

func TestUpdateSchedule(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	other := validRequest()
	other.Type = "artifact-poll"
	other.ClientContext.ClientID = "conn-2"
	if _, err := m.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := m.UpdateSchedule(ctx, scope.Scope{"accountId": "a"}, "connector-heartbeat", 5*time.Minute)
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if n != 1 {
		t.Errorf("updated = %d, want 1", n)
	}
	got, _ := m.Get(rec.ID)
	if got.Schedule.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m", got.Schedule.Interval)
	}
}

type staticResolver map[string]Executor

func (r staticResolver) Resolve(taskType string) (Executor, bool) {
	e, ok := r[taskType]
	return e, ok
}

type funcExecutor func(ctx context.Context, cc ClientContext) ([]byte, error)

func (f funcExecutor) Params(ctx context.Context, cc ClientContext) ([]byte, error) {
	return f(ctx, cc)
}

func TestAssignmentsFor(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	_ = m.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion)

	// No resolver: the stored bundle passes through.
	got, err := m.AssignmentsFor(ctx, "d1", nil)
	if err != nil {
		t.Fatalf("AssignmentsFor: %v", err)
	}
	if len(got) != 1 || string(got[0].Params) != `{"url":"https://example.test"}` {
		t.Fatalf("AssignmentsFor = %+v", got)
	}

	// An executor overrides the bundle.
	resolver := staticResolver{
		"connector-heartbeat": funcExecutor(func(_ context.Context, cc ClientContext) ([]byte, error) {
			return []byte("resolved:" + cc.ClientID), nil
		}),
	}
	got, err = m.AssignmentsFor(ctx, "d1", resolver)
	if err != nil {
		t.Fatalf("AssignmentsFor: %v", err)
	}
	if len(got) != 1 || string(got[0].Params) != "resolved:conn-1" {
		t.Errorf("AssignmentsFor = %+v", got)
	}

	// Other delegates see nothing.
	got, _ = m.AssignmentsFor(ctx, "d2", nil)
	if len(got) != 0 {
		t.Errorf("foreign delegate sees %+v", got)
	}
}

func TestAssignmentsFor_ExecutorRejectionUnassigns(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	rec, _ := m.Create(ctx, validRequest())
	_ = m.AppointDelegate(ctx, rec.ID, "d1", rec.ContextVersion)

	resolver := staticResolver{
		"connector-heartbeat": funcExecutor(func(context.Context, ClientContext) ([]byte, error) {
			return nil, errors.InvalidInput("bundle is malformed")
		}),
	}
	got, err := m.AssignmentsFor(ctx, "d1", resolver)
	if err != nil {
		t.Fatalf("AssignmentsFor: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("rejected record still handed out: %+v", got)
	}

	after, _ := m.Get(rec.ID)
	if after.State != StateUnassigned || after.UnassignedReason != ReasonValidationFailed {
		t.Errorf("after rejection = %s/%s, want unassigned/VALIDATION_FAILED", after.State, after.UnassignedReason)
	}
}
