// Package gateway is the delegate- and client-facing surface of the manager.
//
// Delegates register, heartbeat, poll for work and report results through it;
// clients submit tasks, wait on results and administer perpetual tasks. The
// gateway orchestrates the registry, queue, perpetual manager and callback
// correlator; it owns no state of its own.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/callback"
	"github.com/vigneswara-propelo/taskfleet/capability"
	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/metrics"
	"github.com/vigneswara-propelo/taskfleet/perpetual"
	"github.com/vigneswara-propelo/taskfleet/queue"
	"github.com/vigneswara-propelo/taskfleet/ratelimit"
	"github.com/vigneswara-propelo/taskfleet/registry"
	"github.com/vigneswara-propelo/taskfleet/scope"
)

// Defaults for Config.
const (
	DefaultAcquirePollInterval = time.Second
	DefaultMaxAcquireWait      = 30 * time.Second
	DefaultPollBurst           = 120
	DefaultPollWindow          = time.Minute
)

// Config tunes the gateway.
type Config struct {
	// AcquirePollInterval between queue checks during a long poll.
	// Zero means DefaultAcquirePollInterval.
	AcquirePollInterval time.Duration

	// MaxAcquireWait caps how long an acquire call may be held open.
	// Zero means DefaultMaxAcquireWait.
	MaxAcquireWait time.Duration

	// PollBurst is how many acquire calls a delegate may make per
	// PollWindow. Zero means DefaultPollBurst; negative disables limiting.
	PollBurst int

	// PollWindow is the refill window for the poll allowance.
	// Zero means DefaultPollWindow.
	PollWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.AcquirePollInterval <= 0 {
		c.AcquirePollInterval = DefaultAcquirePollInterval
	}
	if c.MaxAcquireWait <= 0 {
		c.MaxAcquireWait = DefaultMaxAcquireWait
	}
	if c.PollBurst == 0 {
		c.PollBurst = DefaultPollBurst
	}
	if c.PollWindow <= 0 {
		c.PollWindow = DefaultPollWindow
	}
	return c
}

// RegisterRequest announces a delegate to the fleet.
type RegisterRequest struct {
	DelegateID string             `json:"delegate_id"`
	Name       string             `json:"name,omitempty"`
	Scope      scope.Scope        `json:"scope"`
	Profile    capability.Profile `json:"profile"`
}

// ValidationOutcome is the delegate's verdict on a perpetual task it holds.
type ValidationOutcome string

const (
	ValidationOK     ValidationOutcome = "ok"
	ValidationFailed ValidationOutcome = "failed"
)

// PerpetualHeartbeat is one perpetual task's run report inside a delegate
// heartbeat.
type PerpetualHeartbeat struct {
	TaskID     string            `json:"task_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Validation ValidationOutcome `json:"validation,omitempty"`
}

// HeartbeatRequest is a delegate's periodic liveness report, optionally
// piggybacking its perpetual task run heartbeats.
type HeartbeatRequest struct {
	DelegateID string               `json:"delegate_id"`
	Timestamp  time.Time            `json:"timestamp"`
	Profile    *capability.Profile  `json:"profile,omitempty"`
	Perpetual  []PerpetualHeartbeat `json:"perpetual,omitempty"`
}

// Gateway wires the manager's components behind one façade.
type Gateway struct {
	registry   registry.Registry
	queue      *queue.Manager
	perpetual  *perpetual.Manager
	correlator *callback.Correlator
	resolver   perpetual.Resolver
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
	cfg        Config
	log        zerolog.Logger
}

// New builds a gateway. The resolver may be nil when no executors are
// registered; the metrics may be nil in tests.
func New(reg registry.Registry, q *queue.Manager, p *perpetual.Manager,
	c *callback.Correlator, resolver perpetual.Resolver, m *metrics.Metrics,
	cfg Config, log zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	var limiter *ratelimit.Limiter
	if cfg.PollBurst > 0 {
		limiter, _ = ratelimit.New(cfg.PollBurst, cfg.PollWindow)
	}
	return &Gateway{
		registry:   reg,
		queue:      q,
		perpetual:  p,
		correlator: c,
		resolver:   resolver,
		metrics:    m,
		limiter:    limiter,
		cfg:        cfg,
		log:        log.With().Str("component", "gateway").Logger(),
	}
}

// RegisterDelegate adds or refreshes a delegate in the catalog.
func (g *Gateway) RegisterDelegate(ctx context.Context, req RegisterRequest) error {
	if req.DelegateID == "" {
		return errors.InvalidInput("delegate id is empty")
	}
	if req.Scope.Empty() {
		return errors.InvalidInput("delegate scope is empty")
	}
	err := g.registry.Register(registry.DelegateInfo{
		ID:            req.DelegateID,
		Name:          req.Name,
		Scope:         req.Scope.Clone(),
		Profile:       req.Profile.Clone(),
		LastHeartbeat: time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "register delegate "+req.DelegateID)
	}
	g.updateDelegateGauge()
	g.log.Info().Str("delegate_id", req.DelegateID).Msg("delegate registered")
	return nil
}

// ReportHeartbeat processes a delegate's liveness report. Run heartbeats for
// perpetual tasks the delegate validated are recorded; tasks the delegate
// reports as failing validation are unassigned on the spot rather than
// waiting for the rebalance pass.
func (g *Gateway) ReportHeartbeat(ctx context.Context, req HeartbeatRequest) error {
	if req.DelegateID == "" {
		return errors.InvalidInput("delegate id is empty")
	}
	at := req.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if err := g.registry.Touch(req.DelegateID, at); err != nil {
		return errors.NotFound("delegate "+req.DelegateID+" is not registered",
			errors.WithDelegateID(req.DelegateID))
	}
	if g.metrics != nil {
		g.metrics.Heartbeats.Inc()
	}

	for _, ph := range req.Perpetual {
		if ph.Validation == ValidationFailed {
			if err := g.perpetual.ClearAssignment(ctx, ph.TaskID, perpetual.ReasonValidationFailed); err != nil &&
				!errors.HasCode(err, errors.ErrCodeNotFound) {
				return err
			}
			continue
		}
		ts := ph.Timestamp
		if ts.IsZero() {
			ts = at
		}
		err := g.perpetual.RecordHeartbeat(ctx, ph.TaskID, req.DelegateID, ts)
		if err != nil && !errors.HasCode(err, errors.ErrCodeStaleAssignment) &&
			!errors.HasCode(err, errors.ErrCodeNotFound) {
			return err
		}
	}
	return nil
}

// SubmitTask accepts a one-shot task.
func (g *Gateway) SubmitTask(ctx context.Context, t queue.Task) (*queue.Task, error) {
	submitted, err := g.queue.Submit(ctx, t)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.TasksSubmitted.Inc()
	}
	return submitted, nil
}

// AwaitResult blocks until the task's outcome arrives or the timeout passes.
func (g *Gateway) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (callback.Outcome, error) {
	return g.correlator.Await(ctx, taskID, timeout)
}

// LookupResult fetches an already-delivered outcome without waiting.
func (g *Gateway) LookupResult(ctx context.Context, taskID string) (callback.Outcome, bool, error) {
	return g.correlator.Lookup(ctx, taskID)
}

// GetTask returns the task record.
func (g *Gateway) GetTask(ctx context.Context, taskID string) (*queue.Task, error) {
	return g.queue.Get(taskID)
}

// AbortTask cancels a task.
func (g *Gateway) AbortTask(ctx context.Context, taskID string) error {
	if err := g.queue.Abort(ctx, taskID); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.TasksAborted.Inc()
	}
	return nil
}

// Work is what one acquire call hands a delegate: at most one newly bound
// one-shot task plus the full list of its perpetual assignments.
type Work struct {
	Task      *queue.Task            `json:"task,omitempty"`
	Perpetual []perpetual.Assignment `json:"perpetual,omitempty"`
}

// AcquireWork long-polls for work the delegate can run, up to maxWait bounded
// by the configured cap. It returns nil when nothing became available in time.
func (g *Gateway) AcquireWork(ctx context.Context, delegateID string, maxWait time.Duration) (*Work, error) {
	if g.limiter != nil && !g.limiter.Allow(delegateID) {
		return nil, errors.New(errors.ErrCodeResourceBusy,
			"delegate "+delegateID+" is over its poll allowance",
			errors.WithDelegateID(delegateID))
	}
	if maxWait <= 0 || maxWait > g.cfg.MaxAcquireWait {
		maxWait = g.cfg.MaxAcquireWait
	}
	deadline := time.Now().Add(maxWait)

	for {
		t, err := g.queue.Acquire(ctx, delegateID)
		if err != nil {
			return nil, err
		}
		assignments, err := g.perpetual.AssignmentsFor(ctx, delegateID, g.resolver)
		if err != nil {
			return nil, err
		}
		if t != nil || len(assignments) > 0 {
			if t != nil && g.metrics != nil {
				g.metrics.TasksAssigned.Inc()
			}
			return &Work{Task: t, Perpetual: assignments}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := g.cfg.AcquirePollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, errors.Canceled("acquire interrupted", errors.WithCause(ctx.Err()))
		}
	}
}

// ReportTaskResult records a delegate's result and releases the waiter.
// A redelivered result for an already-terminal task succeeds without
// counting as another completion.
func (g *Gateway) ReportTaskResult(ctx context.Context, taskID, delegateID string, payload []byte) error {
	applied, err := g.queue.ReportResult(ctx, taskID, delegateID, payload)
	if err != nil {
		return err
	}
	if applied && g.metrics != nil {
		g.metrics.TasksCompleted.Inc()
		g.metrics.CallbackDeliveries.Inc()
	}
	return nil
}

// PerpetualAssignments returns the perpetual work a delegate should run.
func (g *Gateway) PerpetualAssignments(ctx context.Context, delegateID string) ([]perpetual.Assignment, error) {
	return g.perpetual.AssignmentsFor(ctx, delegateID, g.resolver)
}

// CreatePerpetualTask registers a recurring task.
func (g *Gateway) CreatePerpetualTask(ctx context.Context, req perpetual.CreateRequest) (*perpetual.Record, error) {
	return g.perpetual.Create(ctx, req)
}

// GetPerpetualTask returns a perpetual task record.
func (g *Gateway) GetPerpetualTask(ctx context.Context, id string) (*perpetual.Record, error) {
	return g.perpetual.Get(id)
}

// ListPerpetualTasks returns every live perpetual task record.
func (g *Gateway) ListPerpetualTasks(ctx context.Context) ([]*perpetual.Record, error) {
	return g.perpetual.List()
}

// ResetPerpetualTask bumps the task's context version and drops its
// assignment.
func (g *Gateway) ResetPerpetualTask(ctx context.Context, id string, bundle []byte) (*perpetual.Record, error) {
	return g.perpetual.Reset(ctx, id, bundle)
}

// PausePerpetualTask stops a recurring task without removing it.
func (g *Gateway) PausePerpetualTask(ctx context.Context, id string) error {
	return g.perpetual.Pause(ctx, id)
}

// ResumePerpetualTask returns a paused task to the assignment pool.
func (g *Gateway) ResumePerpetualTask(ctx context.Context, id string) error {
	return g.perpetual.Resume(ctx, id)
}

// DeletePerpetualTask removes a recurring task.
func (g *Gateway) DeletePerpetualTask(ctx context.Context, id string) error {
	return g.perpetual.Delete(ctx, id)
}

// UpdatePerpetualSchedule changes the interval for every record of a type
// under a scope.
func (g *Gateway) UpdatePerpetualSchedule(ctx context.Context, sc scope.Scope, taskType string, interval time.Duration) (int, error) {
	return g.perpetual.UpdateSchedule(ctx, sc, taskType, interval)
}

func (g *Gateway) updateDelegateGauge() {
	if g.metrics == nil {
		return
	}
	if catalog, err := g.registry.Snapshot(); err == nil {
		g.metrics.DelegatesRegistered.Set(float64(len(catalog)))
	}
}
