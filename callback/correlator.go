package callback

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/state"
)

const (
	resultKeyPrefix = "callback.result."
	cancelKeyPrefix = "callback.cancelled."
)

// DefaultRetention is how long a stored outcome stays readable after the
// first delivery, so late pollers can still fetch it.
const DefaultRetention = time.Hour

// Config tunes a Correlator.
type Config struct {
	// Retention bounds how long delivered outcomes remain in the store.
	// Zero means DefaultRetention.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Correlator matches outcomes to waiters by correlation id.
//
// The first DoneWith for an id claims the result slot in the state store;
// that claim is the at-most-once point. Later deliveries observe the stored
// payload and report a duplicate instead of overwriting it.
type Correlator struct {
	store state.StateStore
	cfg   Config

	mu      sync.Mutex
	waiters map[string][]chan Outcome
	closed  bool
}

// NewCorrelator builds a correlator over the given store.
func NewCorrelator(store state.StateStore, cfg Config) *Correlator {
	return &Correlator{
		store:   store,
		cfg:     cfg.withDefaults(),
		waiters: make(map[string][]chan Outcome),
	}
}

func resultKey(id string) string { return resultKeyPrefix + id }
func cancelKey(id string) string { return cancelKeyPrefix + id }

// WaitFor registers interest in a correlation id. The returned channel
// receives exactly one Outcome, which may already be available. Callers that
// stop waiting should call Forget to release the registration.
func (c *Correlator) WaitFor(ctx context.Context, id string) (<-chan Outcome, error) {
	if id == "" {
		return nil, errors.InvalidInput("correlation id is empty")
	}

	ch := make(chan Outcome, 1)

	// A result delivered before the caller arrived still satisfies the wait.
	if out, ok, err := c.Lookup(ctx, id); err != nil {
		return nil, err
	} else if ok {
		ch <- out
		return ch, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrCodeUnavailable, "correlator is closed")
	}
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()

	// A delivery that landed between the lookup and the registration found no
	// waiter to wake, so check the store once more now that we are listed.
	// notify may have raced us here and filled the buffer already.
	if out, ok, err := c.Lookup(ctx, id); err != nil {
		c.Forget(id, ch)
		return nil, err
	} else if ok {
		c.Forget(id, ch)
		select {
		case ch <- out:
		default:
		}
	}
	return ch, nil
}

// Forget removes a waiter channel previously returned by WaitFor.
func (c *Correlator) Forget(id string, ch <-chan Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[id]
	for i, w := range chans {
		if w == ch {
			c.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[id]) == 0 {
		delete(c.waiters, id)
	}
}

// DoneWith reports the outcome for a correlation id. The first report for an
// id wins and wakes local waiters; any later report returns a
// DUPLICATE_DELIVERY error, and local waiters are woken with the stored
// winning outcome instead. Reports for a cancelled id are dropped.
func (c *Correlator) DoneWith(ctx context.Context, id string, out Outcome) error {
	if id == "" {
		return errors.InvalidInput("correlation id is empty")
	}

	if cancelled, err := c.IsCancelled(ctx, id); err != nil {
		return err
	} else if cancelled {
		return errors.Canceled("wait for " + id + " was cancelled")
	}

	data, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "marshal outcome")
	}

	stored, err := c.store.PutIfAbsent(resultKey(id), data, c.cfg.Retention)
	if err != nil {
		return errors.Wrap(err, "claim result for "+id)
	}
	if stored {
		c.notify(id, out)
		return nil
	}

	// Lost the claim. The stored payload is canonical; deliver that one so
	// every waiter observes the same outcome.
	if canonical, ok, lookErr := c.Lookup(ctx, id); lookErr == nil && ok {
		c.notify(id, canonical)
	}
	return errors.New(errors.ErrCodeDuplicateDelivery,
		"result for "+id+" was already delivered",
		errors.WithTaskID(id))
}

// Lookup fetches a previously delivered outcome without waiting.
func (c *Correlator) Lookup(ctx context.Context, id string) (Outcome, bool, error) {
	data, err := c.store.Get(resultKey(id))
	if err == state.ErrNotFound {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, errors.Wrap(err, "lookup result for "+id)
	}
	var out Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return Outcome{}, false, errors.Wrap(err, "decode result for "+id)
	}
	return out, true, nil
}

// Cancel marks a correlation id as no longer awaited. Outcomes reported after
// cancellation are dropped. Cancelling an id that already has a result is a
// no-op and returns false.
func (c *Correlator) Cancel(ctx context.Context, id string) (bool, error) {
	if _, ok, err := c.Lookup(ctx, id); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	stored, err := c.store.PutIfAbsent(cancelKey(id), []byte("1"), c.cfg.Retention)
	if err != nil {
		return false, errors.Wrap(err, "cancel wait for "+id)
	}
	if stored {
		c.dropWaiters(id)
	}
	return stored, nil
}

// IsCancelled reports whether the id has been cancelled.
func (c *Correlator) IsCancelled(ctx context.Context, id string) (bool, error) {
	_, err := c.store.Get(cancelKey(id))
	if err == state.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check cancellation for "+id)
	}
	return true, nil
}

// Await blocks until the outcome for id arrives, the timeout elapses, or the
// context is cancelled.
func (c *Correlator) Await(ctx context.Context, id string, timeout time.Duration) (Outcome, error) {
	ch, err := c.WaitFor(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer c.Forget(id, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out, nil
	case <-timer.C:
		return Outcome{}, errors.Timeout("no result for "+id+" within "+timeout.String(),
			errors.WithTaskID(id))
	case <-ctx.Done():
		return Outcome{}, errors.Canceled("wait for "+id+" interrupted",
			errors.WithCause(ctx.Err()))
	}
}

// Close drops all registered waiters. Stored outcomes survive until their
// retention expires.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, chans := range c.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(c.waiters, id)
	}
}

// notify wakes local waiters for id. It never blocks: waiter channels are
// buffered and receive at most one outcome.
func (c *Correlator) notify(id string, out Outcome) {
	c.mu.Lock()
	chans := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- out:
		default:
		}
	}
}

func (c *Correlator) dropWaiters(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters[id] {
		close(ch)
	}
	delete(c.waiters, id)
}
