// Package rebalance runs the periodic reconciliation pass: it breaks
// perpetual assignments whose delegates stopped heartbeating, re-appoints
// unassigned perpetual tasks to live delegates, and expires overdue one-shot
// tasks.
package rebalance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/backoff"
	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/metrics"
	"github.com/vigneswara-propelo/taskfleet/perpetual"
	"github.com/vigneswara-propelo/taskfleet/queue"
	"github.com/vigneswara-propelo/taskfleet/registry"
	"github.com/vigneswara-propelo/taskfleet/state"
)

// passLockKey serializes passes across replicas sharing one store.
const passLockKey = "rebalance.pass"

// Defaults for Config.
const (
	DefaultCheckInterval      = 30 * time.Second
	DefaultHeartbeatInterval  = time.Minute
	DefaultLivenessMultiplier = 3
	DefaultBackoffBase        = 5 * time.Second
	DefaultBackoffMax         = 5 * time.Minute
)

// Config tunes the reconciliation loop.
type Config struct {
	// CheckInterval between passes. Zero means DefaultCheckInterval.
	CheckInterval time.Duration

	// HeartbeatInterval delegates are expected to report on. Zero means
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// LivenessMultiplier times HeartbeatInterval is the liveness window.
	// Values below 3 are raised to 3: a single dropped heartbeat must not
	// break an assignment.
	LivenessMultiplier int

	// BackoffBase and BackoffMax bound the retry delay for perpetual tasks
	// that repeatedly find no delegate.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.LivenessMultiplier < DefaultLivenessMultiplier {
		c.LivenessMultiplier = DefaultLivenessMultiplier
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// Window returns the liveness window the loop measures staleness against.
func (c Config) Window() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LivenessMultiplier)
}

// Loop is the reconciliation driver.
type Loop struct {
	store     state.StateStore
	queue     *queue.Manager
	perpetual *perpetual.Manager
	registry  registry.Registry
	metrics   *metrics.Metrics
	cfg       Config
	log       zerolog.Logger

	// passMu makes passes single-flight: a slow pass is skipped over, not
	// stacked behind.
	passMu  sync.Mutex
	running bool

	// retry state for perpetual tasks nobody can serve right now.
	mu          sync.Mutex
	attempts    map[string]int
	nextAttempt map[string]time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a reconciliation loop. The store backs a cross-replica lock so
// that only one replica sweeps at a time.
func New(store state.StateStore, q *queue.Manager, p *perpetual.Manager, reg registry.Registry, m *metrics.Metrics, cfg Config, log zerolog.Logger) *Loop {
	return &Loop{
		store:       store,
		queue:       q,
		perpetual:   p,
		registry:    reg,
		metrics:     m,
		cfg:         cfg.withDefaults(),
		log:         log.With().Str("component", "rebalance").Logger(),
		attempts:    make(map[string]int),
		nextAttempt: make(map[string]time.Time),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs passes on the check interval until Stop or context cancellation.
func (l *Loop) Start(ctx context.Context) {
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Pass(ctx, time.Now()); err != nil {
					l.log.Error().Err(err).Msg("rebalance pass failed")
				}
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Pass runs one reconciliation sweep. Concurrent calls are collapsed: a call
// arriving while a pass is in flight returns immediately.
func (l *Loop) Pass(ctx context.Context, now time.Time) error {
	l.passMu.Lock()
	if l.running {
		l.passMu.Unlock()
		return nil
	}
	l.running = true
	l.passMu.Unlock()
	defer func() {
		l.passMu.Lock()
		l.running = false
		l.passMu.Unlock()
	}()

	lock, err := l.store.Lock(passLockKey, l.cfg.CheckInterval)
	if err != nil {
		if err == state.ErrLockHeld {
			l.log.Debug().Msg("rebalance pass held by another replica")
			return nil
		}
		return err
	}
	defer func() { _ = lock.Unlock() }()

	started := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.RebalancePassDuration.Observe(time.Since(started).Seconds())
		}
	}()

	if err := l.breakStale(ctx, now); err != nil {
		return err
	}
	if err := l.assignPending(ctx, now); err != nil {
		return err
	}

	expired, err := l.queue.ExpireOverdue(ctx, now)
	if err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.TasksExpired.Add(float64(len(expired)))
	}
	return nil
}

// breakStale unassigns perpetual tasks whose holder went quiet.
func (l *Loop) breakStale(ctx context.Context, now time.Time) error {
	stale, err := l.perpetual.ListStale(now, l.cfg.Window())
	if err != nil {
		return err
	}
	for _, rec := range stale {
		l.log.Warn().Str("perpetual_task_id", rec.ID).Str("delegate_id", rec.DelegateID).
			Time("last_heartbeat", rec.LastHeartbeat).Msg("assignment heartbeat expired")
		if err := l.perpetual.ClearAssignment(ctx, rec.ID, perpetual.ReasonHeartbeatExpired); err != nil {
			return err
		}
		if l.metrics != nil {
			l.metrics.PerpetualStale.Inc()
		}
	}
	return nil
}

// assignPending appoints live delegates to unassigned perpetual tasks,
// backing off tasks that keep finding nobody.
func (l *Loop) assignPending(ctx context.Context, now time.Time) error {
	pending, err := l.perpetual.ListUnassigned()
	if err != nil {
		return err
	}
	l.pruneRetry(pending)
	if len(pending) == 0 {
		return nil
	}

	catalog, err := l.registry.Snapshot()
	if err != nil {
		return err
	}
	alive := catalog[:0]
	for _, d := range catalog {
		if d.Alive(now, l.cfg.Window()) {
			alive = append(alive, d)
		}
	}

	for _, rec := range pending {
		if l.deferred(rec.ID, now) {
			continue
		}
		candidates := registry.Match(nil, alive, rec.Scope, nil)
		if len(candidates) == 0 {
			attempts := l.deferRetry(rec.ID, now)
			if err := l.perpetual.UpdateUnassignedReason(ctx, rec.ID, perpetual.ReasonNoEligibleDelegates, attempts); err != nil {
				return err
			}
			continue
		}

		if err := l.appoint(ctx, rec, candidates[0]); err != nil {
			l.log.Warn().Err(err).Str("perpetual_task_id", rec.ID).Msg("appointment failed")
			l.deferRetry(rec.ID, now)
			continue
		}
		l.clearRetry(rec.ID)
		if l.metrics != nil {
			l.metrics.PerpetualAssignments.Inc()
		}
	}
	return nil
}

// appoint assigns the record, retrying once through a context version
// conflict with a fresh read.
func (l *Loop) appoint(ctx context.Context, rec *perpetual.Record, delegateID string) error {
	err := l.perpetual.AppointDelegate(ctx, rec.ID, delegateID, rec.ContextVersion)
	if !errors.HasCode(err, errors.ErrCodeContextVersionConflict) {
		return err
	}
	fresh, err := l.perpetual.Get(rec.ID)
	if err != nil {
		return err
	}
	return l.perpetual.AppointDelegate(ctx, fresh.ID, delegateID, fresh.ContextVersion)
}

func (l *Loop) deferred(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, ok := l.nextAttempt[id]
	return ok && now.Before(next)
}

func (l *Loop) deferRetry(id string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[id]++
	delay := backoff.ExponentialJitter(l.cfg.BackoffBase, l.cfg.BackoffMax, l.attempts[id])
	l.nextAttempt[id] = now.Add(delay)
	return l.attempts[id]
}

// pruneRetry drops backoff state for records that left the unassigned set
// through deletion, pause, or an appointment made elsewhere.
func (l *Loop) pruneRetry(pending []*perpetual.Record) {
	keep := make(map[string]struct{}, len(pending))
	for _, rec := range pending {
		keep[rec.ID] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.attempts {
		if _, ok := keep[id]; !ok {
			delete(l.attempts, id)
			delete(l.nextAttempt, id)
		}
	}
	for id := range l.nextAttempt {
		if _, ok := keep[id]; !ok {
			delete(l.nextAttempt, id)
		}
	}
}

func (l *Loop) clearRetry(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, id)
	delete(l.nextAttempt, id)
}
