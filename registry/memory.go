package registry

import (
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry. Delegate
// records are soft state rebuilt from heartbeats, so there is nothing to
// persist across restarts.
type MemoryRegistry struct {
	mu        sync.RWMutex
	delegates map[string]DelegateInfo
	closed    bool
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		delegates: make(map[string]DelegateInfo),
	}
}

// Register adds or updates a delegate.
func (r *MemoryRegistry) Register(info DelegateInfo) error {
	if err := ValidateDelegateInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	stored := info.Clone()
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = time.Now()
	}

	// Registration refreshes identity and capabilities but must not reset
	// the load counter a re-registering delegate already carries.
	if existing, ok := r.delegates[info.ID]; ok {
		stored.AssignedCount = existing.AssignedCount
		if stored.LastHeartbeat.Before(existing.LastHeartbeat) {
			stored.LastHeartbeat = existing.LastHeartbeat
		}
	}

	r.delegates[info.ID] = stored
	return nil
}

// Touch stamps the delegate's heartbeat.
func (r *MemoryRegistry) Touch(id string, at time.Time) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	d, ok := r.delegates[id]
	if !ok {
		return ErrNotFound
	}

	// Stale heartbeats arriving out of order are ignored.
	if at.After(d.LastHeartbeat) {
		d.LastHeartbeat = at
		r.delegates[id] = d
	}
	return nil
}

// Get retrieves a delegate by ID.
func (r *MemoryRegistry) Get(id string) (*DelegateInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	d, ok := r.delegates[id]
	if !ok {
		return nil, ErrNotFound
	}

	clone := d.Clone()
	return &clone, nil
}

// Snapshot returns a copy of the entire catalog.
func (r *MemoryRegistry) Snapshot() ([]DelegateInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	out := make([]DelegateInfo, 0, len(r.delegates))
	for _, d := range r.delegates {
		out = append(out, d.Clone())
	}
	return out, nil
}

// AdjustAssigned changes the delegate's assigned-task counter by delta.
func (r *MemoryRegistry) AdjustAssigned(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	d, ok := r.delegates[id]
	if !ok {
		return
	}

	d.AssignedCount += delta
	if d.AssignedCount < 0 {
		d.AssignedCount = 0
	}
	r.delegates[id] = d
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.delegates = nil
	return nil
}
