// Package registry provides the delegate catalog and capability matching.
//
// Delegates self-register on first contact with their scope and advertised
// capabilities. Liveness is soft-state: a delegate is alive while heartbeats
// arrive within the liveness window, dead otherwise. No deregistration is
// required for correctness.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/vigneswara-propelo/taskfleet/capability"
	"github.com/vigneswara-propelo/taskfleet/scope"
)

// Common errors.
var (
	ErrNotFound  = errors.New("delegate not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid delegate ID")
)

// DelegateInfo contains registration information for a delegate.
type DelegateInfo struct {
	// ID uniquely identifies the delegate.
	ID string `json:"id"`

	// Name is a human-readable name for the delegate.
	Name string `json:"name,omitempty"`

	// Scope holds the delegate's owning setup abstractions.
	Scope scope.Scope `json:"scope,omitempty"`

	// Profile is the advertised capability set.
	Profile capability.Profile `json:"profile"`

	// LastHeartbeat is when the delegate was last heard from.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// AssignedCount is the number of tasks currently bound to the delegate.
	AssignedCount int `json:"assigned_count"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the delegate info.
func (d DelegateInfo) Clone() DelegateInfo {
	c := d
	c.Scope = d.Scope.Clone()
	c.Profile = d.Profile.Clone()
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Alive reports whether the delegate heartbeated within the window.
func (d DelegateInfo) Alive(now time.Time, window time.Duration) bool {
	return !d.LastHeartbeat.IsZero() && now.Sub(d.LastHeartbeat) <= window
}

// Registry provides delegate registration and lookup.
type Registry interface {
	// Register adds or updates a delegate. First contact registers;
	// later calls refresh scope and capabilities.
	Register(info DelegateInfo) error

	// Touch stamps the delegate's heartbeat. A timestamp older than the
	// current one is ignored (heartbeats are order-insensitive).
	// Returns ErrNotFound if the delegate doesn't exist.
	Touch(id string, at time.Time) error

	// Get retrieves a delegate by ID.
	Get(id string) (*DelegateInfo, error)

	// Snapshot returns a copy of the entire catalog.
	Snapshot() ([]DelegateInfo, error)

	// AdjustAssigned changes the delegate's assigned-task counter by delta.
	// Unknown delegates are a no-op: counts are best-effort load hints.
	AdjustAssigned(id string, delta int)

	// Close shuts down the registry.
	Close() error
}

// ValidateDelegateInfo checks if delegate info is valid.
func ValidateDelegateInfo(info DelegateInfo) error {
	if info.ID == "" {
		return ErrInvalidID
	}
	return nil
}

// Match returns the IDs of delegates eligible for a task, best first.
//
// Filtering: the delegate's scope must be compatible with the task's scope,
// and every requirement must check out against the delegate's profile. A
// requirement that fails to evaluate excludes that delegate; it never fails
// the whole match. An empty result means "still pending assignment", not
// an error.
//
// Ordering is a stable tie-break: fewest currently-assigned tasks, then
// most recent heartbeat, then lexical ID, so matches are deterministic.
func Match(reqs []capability.Requirement, catalog []DelegateInfo, taskScope scope.Scope, checker capability.Checker) []string {
	if checker == nil {
		checker = capability.DefaultChecker{}
	}

	var eligible []DelegateInfo
candidates:
	for _, d := range catalog {
		if !scope.Compatible(taskScope, d.Scope) {
			continue
		}
		for _, req := range reqs {
			ok, err := checker.Check(req, d.Profile)
			if err != nil || !ok {
				continue candidates
			}
		}
		eligible = append(eligible, d)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.AssignedCount != b.AssignedCount {
			return a.AssignedCount < b.AssignedCount
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		return a.ID < b.ID
	})

	ids := make([]string, len(eligible))
	for i, d := range eligible {
		ids[i] = d.ID
	}
	return ids
}
