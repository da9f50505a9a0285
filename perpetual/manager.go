package perpetual

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/scope"
	"github.com/vigneswara-propelo/taskfleet/state"
)

const (
	recordKeyPrefix = "perpetual.task."
	dupKeyPrefix    = "perpetual.dup."
)

// DefaultDeletedRetention is how long deleted records stay readable.
const DefaultDeletedRetention = time.Hour

// Executor materializes the delegate-facing run parameters for a task type.
type Executor interface {
	Params(ctx context.Context, cc ClientContext) ([]byte, error)
}

// Resolver maps task types to their executors. Types without an executor fall
// back to the record's pre-built execution bundle.
type Resolver interface {
	Resolve(taskType string) (Executor, bool)
}

// Assignment is what a delegate receives when it asks for its perpetual work.
type Assignment struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	ContextVersion int64    `json:"context_version"`
	Schedule       Schedule `json:"schedule"`
	Params         []byte   `json:"params,omitempty"`
}

// CreateRequest describes a perpetual task to register.
type CreateRequest struct {
	Type          string
	Scope         scope.Scope
	ClientContext ClientContext
	Schedule      Schedule

	// AllowDuplicate skips the identity check, permitting several records
	// with the same (type, client id, scope) triple.
	AllowDuplicate bool
}

// Config tunes a Manager.
type Config struct {
	// DeletedRetention bounds how long deleted records remain in the store.
	// Zero means DefaultDeletedRetention.
	DeletedRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeletedRetention <= 0 {
		c.DeletedRetention = DefaultDeletedRetention
	}
	return c
}

// Manager owns the perpetual task registry.
type Manager struct {
	store state.StateStore
	cfg   Config
	log   zerolog.Logger

	// mu serializes record read-modify-write cycles in this process; the
	// context version check keeps cross-process appointments honest.
	mu sync.Mutex
}

// NewManager builds a perpetual task manager.
func NewManager(store state.StateStore, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "perpetual").Logger(),
	}
}

func recordKey(id string) string { return recordKeyPrefix + id }

func dupKey(taskType, clientID string, sc scope.Scope) string {
	return dupKeyPrefix + taskType + "." + clientID + "." + sc.Canonical()
}

// Create registers a perpetual task. Creation is idempotent on the
// (type, client id, scope) triple: a second create returns the existing
// record instead of a duplicate.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if req.Type == "" {
		return nil, errors.InvalidInput("perpetual task type is empty")
	}
	if req.ClientContext.ClientID == "" {
		return nil, errors.InvalidInput("client id is empty")
	}
	if req.Scope.Empty() {
		return nil, errors.InvalidInput("scope is empty")
	}
	if req.Schedule.Interval <= 0 {
		return nil, errors.InvalidInput("schedule interval must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec := &Record{
		ID:               uuid.NewString(),
		Type:             req.Type,
		Scope:            req.Scope.Clone(),
		ClientContext:    req.ClientContext.Clone(),
		ContextVersion:   1,
		Schedule:         req.Schedule,
		State:            StateUnassigned,
		UnassignedReason: ReasonNoDelegateAvailable,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if !req.AllowDuplicate {
		dk := dupKey(req.Type, req.ClientContext.ClientID, req.Scope)
		won, err := m.store.PutIfAbsent(dk, []byte(rec.ID), 0)
		if err != nil {
			return nil, errors.Wrap(err, "claim identity for perpetual task")
		}
		if !won {
			existingID, err := m.store.Get(dk)
			if err != nil {
				return nil, errors.Wrap(err, "resolve existing perpetual task")
			}
			existing, err := m.load(string(existingID))
			if err != nil {
				return nil, err
			}
			return existing.Clone(), nil
		}
	}

	if err := m.save(rec, 0); err != nil {
		return nil, err
	}
	m.log.Info().Str("perpetual_task_id", rec.ID).Str("type", rec.Type).
		Str("client_id", req.ClientContext.ClientID).Msg("perpetual task created")
	return rec.Clone(), nil
}

// Get returns a copy of the record.
func (m *Manager) Get(id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.load(id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// List returns every non-deleted record.
func (m *Manager) List() ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadAll()
}

// ListStale returns assigned records whose holder has not heartbeaten within
// the window, oldest silence first.
func (m *Manager) ListStale(now time.Time, window time.Duration) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.loadAll()
	if err != nil {
		return nil, err
	}
	stale := all[:0]
	for _, r := range all {
		if r.Stale(now, window) {
			stale = append(stale, r)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastHeartbeat.Before(stale[j].LastHeartbeat)
	})
	return stale, nil
}

// ListUnassigned returns records awaiting a delegate.
func (m *Manager) ListUnassigned() ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.loadAll()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.State == StateUnassigned {
			out = append(out, r)
		}
	}
	return out, nil
}

// Reset replaces the execution bundle in place and bumps the context version.
// The assignment is left alone: the holding delegate picks the new bundle up on
// its next assignment fetch, so the recurring job continues uninterrupted.
func (m *Manager) Reset(ctx context.Context, id string, bundle []byte) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if rec.State == StateDeleted {
		return nil, errors.NotFound("perpetual task " + id + " is deleted")
	}

	rec.ContextVersion++
	if bundle != nil {
		rec.ClientContext.ExecutionBundle = bundle
	}
	if err := m.save(rec, 0); err != nil {
		return nil, err
	}
	m.log.Info().Str("perpetual_task_id", id).Int64("context_version", rec.ContextVersion).
		Msg("perpetual task reset")
	return rec.Clone(), nil
}

// Pause stops the task from running while keeping the record. Pausing an
// already paused task is a no-op.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		return err
	}
	switch rec.State {
	case StateDeleted:
		return errors.NotFound("perpetual task " + id + " is deleted")
	case StatePaused:
		return nil
	}
	rec.State = StatePaused
	rec.UnassignedReason = ReasonPausedByUser
	rec.DelegateID = ""
	rec.LastHeartbeat = time.Time{}
	if err := m.save(rec, 0); err != nil {
		return err
	}
	m.log.Info().Str("perpetual_task_id", id).Msg("perpetual task paused")
	return nil
}

// Resume returns a paused task to the assignment pool.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		return err
	}
	if rec.State == StateDeleted {
		return errors.NotFound("perpetual task " + id + " is deleted")
	}
	if rec.State != StatePaused {
		return nil
	}
	rec.State = StateUnassigned
	rec.UnassignedReason = ReasonNoDelegateAvailable
	rec.AssignAttempts = 0
	if err := m.save(rec, 0); err != nil {
		return err
	}
	m.log.Info().Str("perpetual_task_id", id).Msg("perpetual task resumed")
	return nil
}

// Delete removes the record. The identity index entry is released so the same
// (type, client, scope) triple can be created again.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

// DeleteAllForScope removes every record whose scope falls under the given
// scope and returns how many were removed.
func (m *Manager) DeleteAllForScope(ctx context.Context, sc scope.Scope) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.loadAll()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, r := range all {
		if !scope.Compatible(sc, r.Scope) {
			continue
		}
		if err := m.deleteLocked(r.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (m *Manager) deleteLocked(id string) error {
	rec, err := m.load(id)
	if err != nil {
		return err
	}
	if rec.State == StateDeleted {
		return nil
	}
	rec.State = StateDeleted
	rec.DelegateID = ""
	if err := m.save(rec, m.cfg.DeletedRetention); err != nil {
		return err
	}
	// The identity key belongs to the record that claimed it; a duplicate
	// created with AllowDuplicate must not release someone else's claim.
	dk := dupKey(rec.Type, rec.ClientContext.ClientID, rec.Scope)
	if owner, err := m.store.Get(dk); err == nil && string(owner) == rec.ID {
		_ = m.store.Delete(dk)
	}
	m.log.Info().Str("perpetual_task_id", id).Msg("perpetual task deleted")
	return nil
}

// AppointDelegate assigns the record to a delegate. The caller passes the
// context version it observed when it chose the delegate; if the record was
// reset in between, the appointment fails with CONTEXT_VERSION_CONFLICT and
// the caller must re-read and retry.
func (m *Manager) AppointDelegate(ctx context.Context, id, delegateID string, observedVersion int64) error {
	if delegateID == "" {
		return errors.InvalidInput("delegate id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		return err
	}
	switch rec.State {
	case StateDeleted:
		return errors.NotFound("perpetual task " + id + " is deleted")
	case StatePaused:
		return errors.Conflict("perpetual task "+id+" is paused", errors.WithTaskID(id))
	}
	if rec.ContextVersion != observedVersion {
		return errors.ContextVersionConflict(id)
	}

	rec.State = StateAssigned
	rec.DelegateID = delegateID
	rec.LastAssignedAt = time.Now()
	rec.LastHeartbeat = time.Time{}
	rec.UnassignedReason = ""
	rec.AssignAttempts++
	if err := m.save(rec, 0); err != nil {
		return err
	}
	m.log.Info().Str("perpetual_task_id", id).Str("delegate_id", delegateID).
		Int("attempt", rec.AssignAttempts).Msg("perpetual task appointed")
	return nil
}

// ClearAssignment drops the record's assignment and records why. Paused and
// deleted records are left alone.
func (m *Manager) ClearAssignment(ctx context.Context, id string, reason UnassignedReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		return err
	}
	switch rec.State {
	case StateDeleted, StatePaused:
		return nil
	}
	rec.State = StateUnassigned
	rec.DelegateID = ""
	rec.LastHeartbeat = time.Time{}
	rec.UnassignedReason = reason
	if err := m.save(rec, 0); err != nil {
		return err
	}
	m.log.Info().Str("perpetual_task_id", id).Str("reason", string(reason)).
		Msg("perpetual task unassigned")
	return nil
}

// UpdateUnassignedReason overwrites the diagnostic fields on a record without
// touching its state, so operators can see why a task is stuck unassigned.
func (m *Manager) UpdateUnassignedReason(ctx context.Context, id string, reason UnassignedReason, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		return err
	}
	if rec.State == StateDeleted {
		return nil
	}
	rec.UnassignedReason = reason
	rec.AssignAttempts = attempts
	return m.save(rec, 0)
}

// RecordHeartbeat stamps a run heartbeat from the holding delegate. A
// heartbeat from anyone but the current holder is rejected with
// STALE_ASSIGNMENT; one older than the stored stamp is ignored.
func (m *Manager) RecordHeartbeat(ctx context.Context, id, delegateID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		return err
	}
	if rec.State != StateAssigned || rec.DelegateID != delegateID {
		return errors.StaleAssignment(id, delegateID)
	}
	if !at.After(rec.LastHeartbeat) {
		return nil
	}
	rec.LastHeartbeat = at
	rec.AssignAttempts = 0
	return m.save(rec, 0)
}

// UpdateSchedule changes the run interval for every record of the given type
// under the scope and returns how many were touched.
func (m *Manager) UpdateSchedule(ctx context.Context, sc scope.Scope, taskType string, interval time.Duration) (int, error) {
	if interval <= 0 {
		return 0, errors.InvalidInput("schedule interval must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.loadAll()
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, r := range all {
		if r.Type != taskType || !scope.Compatible(sc, r.Scope) {
			continue
		}
		if r.Schedule.Interval == interval {
			continue
		}
		r.Schedule.Interval = interval
		if err := m.save(r, 0); err != nil {
			return updated, err
		}
		updated++
	}
	m.log.Info().Str("type", taskType).Dur("interval", interval).Int("updated", updated).
		Msg("perpetual schedule updated")
	return updated, nil
}

// AssignmentsFor returns the perpetual work the delegate should be running,
// with run parameters resolved through the executor for each type. A record
// whose executor rejects its context is unassigned with VALIDATION_FAILED
// and skipped.
func (m *Manager) AssignmentsFor(ctx context.Context, delegateID string, resolver Resolver) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.loadAll()
	if err != nil {
		return nil, err
	}

	var out []Assignment
	for _, r := range all {
		if r.State != StateAssigned || r.DelegateID != delegateID {
			continue
		}
		params := r.ClientContext.ExecutionBundle
		if resolver != nil {
			if exec, ok := resolver.Resolve(r.Type); ok {
				params, err = exec.Params(ctx, r.ClientContext.Clone())
				if err != nil {
					m.log.Warn().Err(err).Str("perpetual_task_id", r.ID).
						Msg("executor rejected task context")
					r.State = StateUnassigned
					r.DelegateID = ""
					r.LastHeartbeat = time.Time{}
					r.UnassignedReason = ReasonValidationFailed
					if saveErr := m.save(r, 0); saveErr != nil {
						return out, saveErr
					}
					continue
				}
			}
		}
		out = append(out, Assignment{
			ID:             r.ID,
			Type:           r.Type,
			ContextVersion: r.ContextVersion,
			Schedule:       r.Schedule,
			Params:         params,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Manager) load(id string) (*Record, error) {
	data, err := m.store.Get(recordKey(id))
	if err == state.ErrNotFound {
		return nil, errors.NotFound("perpetual task "+id+" not found", errors.WithTaskID(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "load perpetual task "+id)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decode perpetual task "+id)
	}
	return &rec, nil
}

func (m *Manager) loadAll() ([]*Record, error) {
	keys, err := m.store.Keys(recordKeyPrefix + "*")
	if err != nil {
		return nil, errors.Wrap(err, "list perpetual task keys")
	}
	records := make([]*Record, 0, len(keys))
	for _, k := range keys {
		rec, err := m.load(strings.TrimPrefix(k, recordKeyPrefix))
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		if rec.State == StateDeleted {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Manager) save(rec *Record, ttl time.Duration) error {
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal perpetual task "+rec.ID)
	}
	if err := m.store.Put(recordKey(rec.ID), data, ttl); err != nil {
		return errors.Wrap(err, "store perpetual task "+rec.ID)
	}
	return nil
}
