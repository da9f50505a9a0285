// Package queue manages one-shot task intake, assignment and completion.
//
// A task enters Queued, is claimed by exactly one eligible delegate into
// Assigned, and ends in Completed, Expired or Aborted. Terminal states are
// final. Assignment is claimed through the state store's conditional write,
// so two delegates polling concurrently cannot both take the same task.
package queue

import (
	"time"

	"github.com/vigneswara-propelo/taskfleet/capability"
	"github.com/vigneswara-propelo/taskfleet/scope"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusQueued means the task is accepted and awaiting a delegate.
	StatusQueued Status = "queued"

	// StatusAssigned means exactly one delegate holds the task.
	StatusAssigned Status = "assigned"

	// StatusCompleted means a result was delivered. Terminal.
	StatusCompleted Status = "completed"

	// StatusExpired means the deadline passed first. Terminal.
	StatusExpired Status = "expired"

	// StatusAborted means the task was cancelled before completion. Terminal.
	StatusAborted Status = "aborted"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusAborted:
		return true
	}
	return false
}

// Payload is the opaque work description handed to the delegate.
type Payload struct {
	// Type names the task kind the delegate dispatches on.
	Type string `json:"type"`

	// Data is the kind-specific body. The manager never inspects it.
	Data []byte `json:"data,omitempty"`
}

// Task is a one-shot unit of work.
type Task struct {
	// ID is the task's correlation id, unique across the fleet.
	ID string `json:"id"`

	// Scope the task was submitted under. Delegates whose scope covers it
	// are eligible.
	Scope scope.Scope `json:"scope"`

	// Payload carries the work description.
	Payload Payload `json:"payload"`

	// Requirements the executing delegate must satisfy, beyond scope.
	Requirements []capability.Requirement `json:"requirements,omitempty"`

	// Timeout bounds the task's total lifetime from submission.
	Timeout time.Duration `json:"timeout"`

	// EligibleDelegateIDs is the ordered candidate set observed at
	// submission, kept for diagnostics and broadcast ordering. Eligibility
	// is re-evaluated when a delegate tries to acquire the task.
	EligibleDelegateIDs []string `json:"eligible_delegate_ids,omitempty"`

	Status Status `json:"status"`

	// DelegateID is the current assignee, set while Assigned and kept on
	// completion for attribution.
	DelegateID string `json:"delegate_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Scope = t.Scope.Clone()
	if t.Payload.Data != nil {
		c.Payload.Data = make([]byte, len(t.Payload.Data))
		copy(c.Payload.Data, t.Payload.Data)
	}
	if t.Requirements != nil {
		c.Requirements = make([]capability.Requirement, len(t.Requirements))
		copy(c.Requirements, t.Requirements)
	}
	if t.EligibleDelegateIDs != nil {
		c.EligibleDelegateIDs = make([]string, len(t.EligibleDelegateIDs))
		copy(c.EligibleDelegateIDs, t.EligibleDelegateIDs)
	}
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Overdue reports whether the task's deadline has passed.
func (t *Task) Overdue(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
