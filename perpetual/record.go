// Package perpetual manages recurring tasks: long-lived records that stay
// assigned to a delegate, run on an interval, and get reassigned when their
// holder stops heartbeating.
//
// Unlike one-shot tasks, a perpetual task never completes. It cycles between
// Unassigned and Assigned, can be paused and resumed, and is removed only by
// an explicit delete. Staleness is derived from heartbeat age rather than
// stored, so a record can't get stuck in a stale state after its delegate
// recovers.
package perpetual

import (
	"time"

	"github.com/vigneswara-propelo/taskfleet/scope"
)

// State is the lifecycle state of a perpetual task record.
type State string

const (
	// StateUnassigned means no delegate currently holds the task.
	StateUnassigned State = "unassigned"

	// StateAssigned means a delegate holds the task and should be running it
	// on its interval.
	StateAssigned State = "assigned"

	// StatePaused means the task is retained but must not run.
	StatePaused State = "paused"

	// StateDeleted marks a record removed; kept briefly for observability.
	StateDeleted State = "deleted"
)

// UnassignedReason says why a record is not running on any delegate.
type UnassignedReason string

const (
	ReasonNoEligibleDelegates UnassignedReason = "NO_ELIGIBLE_DELEGATES"
	ReasonNoDelegateAvailable UnassignedReason = "NO_DELEGATE_AVAILABLE"
	ReasonTaskRunFailed       UnassignedReason = "TASK_RUN_FAILED"
	ReasonValidationFailed    UnassignedReason = "VALIDATION_FAILED"
	ReasonHeartbeatExpired    UnassignedReason = "HEARTBEAT_EXPIRED"
	ReasonPausedByUser        UnassignedReason = "PAUSED_BY_USER"
)

// ClientContext identifies the client-side subject of a perpetual task and
// carries the material the executor needs to build run parameters.
type ClientContext struct {
	// ClientID distinguishes records of the same type and scope.
	ClientID string `json:"client_id"`

	// Params are small type-specific settings.
	Params map[string]string `json:"params,omitempty"`

	// ExecutionBundle is an opaque pre-built parameter blob, used when no
	// executor is registered for the type.
	ExecutionBundle []byte `json:"execution_bundle,omitempty"`
}

// Clone returns a deep copy of the client context.
func (c ClientContext) Clone() ClientContext {
	out := ClientContext{ClientID: c.ClientID}
	if c.Params != nil {
		out.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	if c.ExecutionBundle != nil {
		out.ExecutionBundle = make([]byte, len(c.ExecutionBundle))
		copy(out.ExecutionBundle, c.ExecutionBundle)
	}
	return out
}

// Schedule is the cadence a perpetual task runs on.
type Schedule struct {
	// Interval between runs on the holding delegate.
	Interval time.Duration `json:"interval"`

	// Timeout bounds a single run.
	Timeout time.Duration `json:"timeout"`
}

// Record is a stored perpetual task.
type Record struct {
	ID    string      `json:"id"`
	Type  string      `json:"type"`
	Scope scope.Scope `json:"scope"`

	ClientContext ClientContext `json:"client_context"`

	// ContextVersion increments on every reset. An appointment made against
	// an older version is rejected so a delegate never runs stale context.
	ContextVersion int64 `json:"context_version"`

	Schedule Schedule `json:"schedule"`

	State            State            `json:"state"`
	UnassignedReason UnassignedReason `json:"unassigned_reason,omitempty"`

	// DelegateID holds the current assignee while Assigned.
	DelegateID     string    `json:"delegate_id,omitempty"`
	LastAssignedAt time.Time `json:"last_assigned_at,omitempty"`

	// LastHeartbeat is the newest run heartbeat from the holding delegate.
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	// AssignAttempts counts appointments since the last stable assignment,
	// used to back off repeated failures.
	AssignAttempts int `json:"assign_attempts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Scope = r.Scope.Clone()
	c.ClientContext = r.ClientContext.Clone()
	return &c
}

// Stale reports whether an assigned record's holder has gone quiet: no run
// heartbeat inside the window, measured from the assignment when no heartbeat
// arrived yet.
func (r *Record) Stale(now time.Time, window time.Duration) bool {
	if r.State != StateAssigned {
		return false
	}
	last := r.LastHeartbeat
	if last.IsZero() {
		last = r.LastAssignedAt
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > window
}
