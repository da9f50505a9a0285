// Package callback correlates asynchronous task results back to the callers
// waiting on them.
//
// A caller registers interest in a correlation id and blocks on the returned
// channel. Whichever component finishes the task reports an Outcome under the
// same id; the first report wins and every later report for that id is a
// duplicate. The winning payload is linearized through the state store, so
// the guarantee holds across processes, and a bus inbox forwards wins to
// waiters in other processes.
package callback

import (
	"time"

	"github.com/vigneswara-propelo/taskfleet/errors"
)

// Status is the terminal disposition carried by an Outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusAborted   Status = "aborted"
)

// Outcome is the terminal result delivered to a waiter.
type Outcome struct {
	// Status says how the work ended.
	Status Status `json:"status"`

	// Payload is the delegate-produced result body, present on completion.
	Payload []byte `json:"payload,omitempty"`

	// Error describes the failure for expired or aborted work.
	Error *errors.Error `json:"error,omitempty"`

	// DelegateID identifies the delegate that produced the result, when one did.
	DelegateID string `json:"delegate_id,omitempty"`

	// CompletedAt is when the terminal transition happened.
	CompletedAt time.Time `json:"completed_at"`
}

// Completed builds a successful outcome.
func Completed(payload []byte, delegateID string, at time.Time) Outcome {
	return Outcome{Status: StatusCompleted, Payload: payload, DelegateID: delegateID, CompletedAt: at}
}

// Expired builds an outcome for work that ran out of time.
func Expired(err *errors.Error, at time.Time) Outcome {
	return Outcome{Status: StatusExpired, Error: err, CompletedAt: at}
}

// Aborted builds an outcome for work cancelled before completion.
func Aborted(err *errors.Error, at time.Time) Outcome {
	return Outcome{Status: StatusAborted, Error: err, CompletedAt: at}
}
