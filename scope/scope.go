// Package scope models the setup abstractions that bind tasks and delegates
// to a tenant hierarchy (account/org/project-style keys).
//
// Insertion order is irrelevant; two scopes with the same key-value pairs are
// the same scope. Canonical() produces the stable form used for store keys
// and duplicate detection.
package scope

import (
	"sort"
	"strings"
)

// Scope maps setup abstraction names to their values.
type Scope map[string]string

// Empty reports whether the scope declares no keys.
func (s Scope) Empty() bool {
	return len(s) == 0
}

// Clone returns a copy of the scope.
func (s Scope) Clone() Scope {
	if s == nil {
		return nil
	}
	c := make(Scope, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Canonical returns a stable string form: keys sorted, joined as "k=v;k=v".
func (s Scope) Canonical() string {
	if len(s) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s[k])
	}
	return b.String()
}

// Equal reports whether two scopes declare the same key-value pairs.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Compatible reports whether a delegate's scope can serve a task's scope.
// Every key the task declares must be present on the delegate with an
// identical value. A delegate scoped narrower than the task (extra keys)
// is eligible; a delegate scoped broader (missing one of the task's keys)
// is not.
func Compatible(task, delegate Scope) bool {
	for k, v := range task {
		dv, ok := delegate[k]
		if !ok || dv != v {
			return false
		}
	}
	return true
}
