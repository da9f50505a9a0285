// Package capability describes what a task requires of a delegate and what a
// delegate advertises, and evaluates the former against the latter.
//
// Requirements are a small tagged union: selector tags that a delegate either
// carries or does not, and reachability probes whose outcomes are executed on
// the delegate and reported back. The manager never runs probes itself; it
// consults the delegate's last reported probe results.
package capability

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrInvalidRequirement = errors.New("invalid requirement")
	ErrUnknownKind        = errors.New("unknown requirement kind")
	ErrProbeUnknown       = errors.New("no probe result reported")
)

// Kind discriminates requirement variants.
type Kind string

const (
	// KindSelector requires the delegate to advertise a selector tag.
	KindSelector Kind = "selector"

	// KindReachability requires the delegate to reach a host:port.
	KindReachability Kind = "reachability"
)

// Requirement is a single capability predicate a delegate must satisfy.
// Exactly one variant's fields are populated, per Kind.
type Requirement struct {
	Kind Kind `json:"kind"`

	// Selector tag, for KindSelector.
	Selector string `json:"selector,omitempty"`

	// Host and Port, for KindReachability.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Selector builds a selector requirement.
func Selector(tag string) Requirement {
	return Requirement{Kind: KindSelector, Selector: tag}
}

// Reachability builds a reachability requirement.
func Reachability(host string, port int) Requirement {
	return Requirement{Kind: KindReachability, Host: host, Port: port}
}

// Validate checks the requirement is well formed.
func (r Requirement) Validate() error {
	switch r.Kind {
	case KindSelector:
		if r.Selector == "" {
			return ErrInvalidRequirement
		}
	case KindReachability:
		if r.Host == "" || r.Port <= 0 || r.Port > 65535 {
			return ErrInvalidRequirement
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// Key returns the stable identity of the requirement, used to index
// delegate-reported probe results.
func (r Requirement) Key() string {
	switch r.Kind {
	case KindSelector:
		return "selector:" + r.Selector
	case KindReachability:
		return fmt.Sprintf("reach:%s:%d", r.Host, r.Port)
	default:
		return "unknown"
	}
}

// Profile is what a delegate advertises: its selector tags plus the cached
// outcomes of delegate-side probes, keyed by Requirement.Key().
type Profile struct {
	Selectors    []string        `json:"selectors,omitempty"`
	ProbeResults map[string]bool `json:"probe_results,omitempty"`
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	c := Profile{}
	if p.Selectors != nil {
		c.Selectors = make([]string, len(p.Selectors))
		copy(c.Selectors, p.Selectors)
	}
	if p.ProbeResults != nil {
		c.ProbeResults = make(map[string]bool, len(p.ProbeResults))
		for k, v := range p.ProbeResults {
			c.ProbeResults[k] = v
		}
	}
	return c
}

// HasSelector reports whether the profile carries a selector tag.
func (p Profile) HasSelector(tag string) bool {
	for _, s := range p.Selectors {
		if s == tag {
			return true
		}
	}
	return false
}

// Checker evaluates a single requirement against a delegate profile.
// An evaluation error means "could not determine"; the matcher treats it
// as not satisfied for that delegate rather than failing the whole match.
type Checker interface {
	Check(req Requirement, p Profile) (bool, error)
}

// DefaultChecker evaluates selectors by tag membership and reachability by
// the delegate's last reported probe result. A missing probe result is an
// evaluation error, which excludes the delegate.
type DefaultChecker struct{}

// Check implements Checker.
func (DefaultChecker) Check(req Requirement, p Profile) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	switch req.Kind {
	case KindSelector:
		return p.HasSelector(req.Selector), nil
	case KindReachability:
		ok, reported := p.ProbeResults[req.Key()]
		if !reported {
			return false, ErrProbeUnknown
		}
		return ok, nil
	default:
		return false, ErrUnknownKind
	}
}
