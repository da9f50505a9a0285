package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/callback"
	"github.com/vigneswara-propelo/taskfleet/capability"
	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/registry"
	"github.com/vigneswara-propelo/taskfleet/scope"
	"github.com/vigneswara-propelo/taskfleet/state"
)

const (
	taskKeyPrefix   = "queue.task."
	assignKeyPrefix = "queue.assign."
)

// Defaults for Config.
const (
	DefaultLivenessWindow  = 3 * time.Minute
	DefaultRecordRetention = time.Hour
)

// Notifier receives the terminal outcome of a task. Both the local correlator
// and the bus-backed notifier satisfy it.
type Notifier interface {
	DoneWith(ctx context.Context, id string, out callback.Outcome) error
}

// Config tunes a Manager.
type Config struct {
	// LivenessWindow excludes delegates whose last heartbeat is older than
	// this from eligibility. Zero means DefaultLivenessWindow.
	LivenessWindow time.Duration

	// RecordRetention is how long terminal task records stay readable.
	// Zero means DefaultRecordRetention.
	RecordRetention time.Duration

	// Checker evaluates capability requirements. Nil means the default.
	Checker capability.Checker
}

func (c Config) withDefaults() Config {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = DefaultRecordRetention
	}
	if c.Checker == nil {
		c.Checker = capability.DefaultChecker{}
	}
	return c
}

// Manager owns the one-shot task lifecycle.
type Manager struct {
	store    state.StateStore
	registry registry.Registry
	notifier Notifier
	cfg      Config
	log      zerolog.Logger

	// mu serializes read-modify-write cycles within this process. Cross
	// process, Acquire is linearized by the assignment slot and terminal
	// delivery by the correlator's claim.
	mu sync.Mutex
}

// NewManager builds a task manager.
func NewManager(store state.StateStore, reg registry.Registry, notifier Notifier, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		registry: reg,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "queue").Logger(),
	}
}

func taskKey(id string) string   { return taskKeyPrefix + id }
func assignKey(id string) string { return assignKeyPrefix + id }

// Submit validates and accepts a task. The task is stored Queued even when
// nobody can serve it right now: a delegate registered later may still pick
// it up, and a task that never finds one ends Expired with a typed timeout
// delivered to its waiter.
func (m *Manager) Submit(ctx context.Context, t Task) (*Task, error) {
	if t.Payload.Type == "" {
		return nil, errors.InvalidInput("task payload type is empty")
	}
	if t.Timeout <= 0 {
		return nil, errors.InvalidInput("task timeout must be positive")
	}
	if t.Scope.Empty() {
		return nil, errors.InvalidInput("task scope is empty")
	}
	for _, req := range t.Requirements {
		if err := req.Validate(); err != nil {
			return nil, errors.InvalidInput("bad requirement: " + err.Error())
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	now := time.Now()
	t.Status = StatusQueued
	t.CreatedAt = now
	t.ExpiresAt = now.Add(t.Timeout)
	t.DelegateID = ""
	t.AssignedAt = nil
	t.CompletedAt = nil

	eligible, err := m.matchEligible(t.Requirements, t.Scope, now)
	if err != nil {
		return nil, err
	}
	t.EligibleDelegateIDs = eligible
	if len(eligible) == 0 {
		m.log.Warn().Str("task_id", t.ID).Msg("no eligible delegate at submission, task queued anyway")
	}

	data, err := json.Marshal(&t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal task "+t.ID)
	}
	stored, err := m.store.PutIfAbsent(taskKey(t.ID), data, 0)
	if err != nil {
		return nil, errors.Wrap(err, "store task "+t.ID)
	}
	if !stored {
		return nil, errors.New(errors.ErrCodeAlreadyExists, "task "+t.ID+" already exists",
			errors.WithTaskID(t.ID))
	}

	m.log.Info().Str("task_id", t.ID).Str("type", t.Payload.Type).
		Int("eligible", len(eligible)).Msg("task queued")
	return t.Clone(), nil
}

// Acquire hands the oldest queued task the delegate is eligible for to the
// delegate, or nil when nothing is available. The assignment slot is claimed
// with a conditional write, so concurrent polls take distinct tasks.
func (m *Manager) Acquire(ctx context.Context, delegateID string) (*Task, error) {
	if delegateID == "" {
		return nil, errors.InvalidInput("delegate id is empty")
	}
	info, err := m.registry.Get(delegateID)
	if err != nil {
		return nil, errors.NotFound("delegate "+delegateID+" is not registered",
			errors.WithDelegateID(delegateID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates, err := m.loadByStatus(StatusQueued)
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	now := time.Now()
	for _, t := range candidates {
		if t.Overdue(now) || !m.eligibleNow(info, t) {
			continue
		}
		won, err := m.store.PutIfAbsent(assignKey(t.ID), []byte(delegateID), t.ExpiresAt.Sub(now))
		if err != nil {
			return nil, errors.Wrap(err, "claim assignment for "+t.ID)
		}
		if !won {
			continue
		}

		at := now
		t.Status = StatusAssigned
		t.DelegateID = delegateID
		t.AssignedAt = &at
		if err := m.save(t, 0); err != nil {
			return nil, err
		}
		m.registry.AdjustAssigned(delegateID, 1)
		m.log.Info().Str("task_id", t.ID).Str("delegate_id", delegateID).Msg("task assigned")
		return t.Clone(), nil
	}
	return nil, nil
}

// ReportResult records a delegate-produced result and delivers it to the
// waiting caller. Reports for terminal tasks and reports from a delegate that
// no longer holds the assignment change nothing; the former returns
// applied=false, the latter STALE_ASSIGNMENT so the delegate can drop its
// local state.
func (m *Manager) ReportResult(ctx context.Context, taskID, delegateID string, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.load(taskID)
	if err != nil {
		return false, err
	}
	if t.Status.IsTerminal() {
		m.log.Debug().Str("task_id", taskID).Str("status", string(t.Status)).
			Msg("result for terminal task ignored")
		return false, nil
	}
	if t.Status != StatusAssigned || t.DelegateID != delegateID {
		return false, errors.StaleAssignment(taskID, delegateID)
	}

	now := time.Now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	if err := m.save(t, m.cfg.RecordRetention); err != nil {
		return false, err
	}
	m.registry.AdjustAssigned(delegateID, -1)
	_ = m.store.Delete(assignKey(taskID))

	if err := m.notifier.DoneWith(ctx, taskID, callback.Completed(payload, delegateID, now)); err != nil {
		if errors.HasCode(err, errors.ErrCodeDuplicateDelivery) {
			m.log.Debug().Str("task_id", taskID).Msg("duplicate result delivery suppressed")
			return true, nil
		}
		return false, err
	}
	m.log.Info().Str("task_id", taskID).Str("delegate_id", delegateID).Msg("task completed")
	return true, nil
}

// Abort cancels a task that has not finished. Aborting a terminal task is a
// no-op.
func (m *Manager) Abort(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.load(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	wasAssigned := t.Status == StatusAssigned
	holder := t.DelegateID
	t.Status = StatusAborted
	t.CompletedAt = &now
	if err := m.save(t, m.cfg.RecordRetention); err != nil {
		return err
	}
	if wasAssigned {
		m.registry.AdjustAssigned(holder, -1)
	}
	_ = m.store.Delete(assignKey(taskID))

	out := callback.Aborted(errors.Canceled("task "+taskID+" aborted", errors.WithTaskID(taskID)), now)
	if err := m.notifier.DoneWith(ctx, taskID, out); err != nil &&
		!errors.HasCode(err, errors.ErrCodeDuplicateDelivery) &&
		!errors.HasCode(err, errors.ErrCodeCanceled) {
		return err
	}
	m.log.Info().Str("task_id", taskID).Msg("task aborted")
	return nil
}

// ExpireOverdue transitions every non-terminal task whose deadline has passed
// to Expired and notifies its waiter. It returns the expired task ids.
func (m *Manager) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, err := m.loadAll()
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, t := range tasks {
		if t.Status.IsTerminal() || !t.Overdue(now) {
			continue
		}
		wasAssigned := t.Status == StatusAssigned
		holder := t.DelegateID
		at := now
		t.Status = StatusExpired
		t.CompletedAt = &at
		if err := m.save(t, m.cfg.RecordRetention); err != nil {
			return expired, err
		}
		if wasAssigned {
			m.registry.AdjustAssigned(holder, -1)
		}
		_ = m.store.Delete(assignKey(t.ID))

		out := callback.Expired(errors.TaskExpired(t.ID), now)
		if err := m.notifier.DoneWith(ctx, t.ID, out); err != nil &&
			!errors.HasCode(err, errors.ErrCodeDuplicateDelivery) &&
			!errors.HasCode(err, errors.ErrCodeCanceled) {
			return expired, err
		}
		expired = append(expired, t.ID)
		m.log.Warn().Str("task_id", t.ID).Str("delegate_id", holder).Msg("task expired")
	}
	return expired, nil
}

// Get returns a copy of the task record.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns every stored task record.
func (m *Manager) List() ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadAll()
}

// eligibleNow evaluates the delegate against the task's scope and requirements
// at acquire time, so a delegate registered after submission still qualifies.
func (m *Manager) eligibleNow(d *registry.DelegateInfo, t *Task) bool {
	return len(registry.Match(t.Requirements, []registry.DelegateInfo{*d}, t.Scope, m.cfg.Checker)) == 1
}

// matchEligible returns candidate delegate ids for the scope and requirements,
// restricted to delegates heard from within the liveness window.
func (m *Manager) matchEligible(reqs []capability.Requirement, sc scope.Scope, now time.Time) ([]string, error) {
	catalog, err := m.registry.Snapshot()
	if err != nil {
		return nil, errors.Wrap(err, "snapshot delegate catalog")
	}
	alive := catalog[:0]
	for _, d := range catalog {
		if d.Alive(now, m.cfg.LivenessWindow) {
			alive = append(alive, d)
		}
	}
	return registry.Match(reqs, alive, sc, m.cfg.Checker), nil
}

func (m *Manager) load(taskID string) (*Task, error) {
	data, err := m.store.Get(taskKey(taskID))
	if err == state.ErrNotFound {
		return nil, errors.NotFound("task "+taskID+" not found", errors.WithTaskID(taskID))
	}
	if err != nil {
		return nil, errors.Wrap(err, "load task "+taskID)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "decode task "+taskID)
	}
	return &t, nil
}

func (m *Manager) loadAll() ([]*Task, error) {
	keys, err := m.store.Keys(taskKeyPrefix + "*")
	if err != nil {
		return nil, errors.Wrap(err, "list task keys")
	}
	tasks := make([]*Task, 0, len(keys))
	for _, k := range keys {
		t, err := m.load(strings.TrimPrefix(k, taskKeyPrefix))
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (m *Manager) loadByStatus(status Status) ([]*Task, error) {
	all, err := m.loadAll()
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, t := range all {
		if t.Status == status {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

func (m *Manager) save(t *Task, ttl time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "marshal task "+t.ID)
	}
	if err := m.store.Put(taskKey(t.ID), data, ttl); err != nil {
		return errors.Wrap(err, "store task "+t.ID)
	}
	return nil
}
