package callback

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/bus"
	"github.com/vigneswara-propelo/taskfleet/errors"
)

// SubjectDone carries outcome envelopes between processes. The correlation id
// travels inside the envelope rather than in the subject.
const SubjectDone = "callbacks.done"

// envelope is the wire form of a delivered outcome.
type envelope struct {
	ID      string  `json:"id"`
	Outcome Outcome `json:"outcome"`
}

// BusNotifier delivers outcomes through a local correlator and announces wins
// on the message bus so correlators in other processes wake their waiters.
type BusNotifier struct {
	correlator *Correlator
	bus        bus.MessageBus
	log        zerolog.Logger
}

// NewBusNotifier builds a notifier over the correlator and bus.
func NewBusNotifier(c *Correlator, b bus.MessageBus, log zerolog.Logger) *BusNotifier {
	return &BusNotifier{correlator: c, bus: b, log: log.With().Str("component", "callback").Logger()}
}

// DoneWith reports an outcome. Only a winning delivery is published; duplicate
// and cancelled deliveries stay local.
func (n *BusNotifier) DoneWith(ctx context.Context, id string, out Outcome) error {
	if err := n.correlator.DoneWith(ctx, id, out); err != nil {
		return err
	}

	data, err := json.Marshal(envelope{ID: id, Outcome: out})
	if err != nil {
		return errors.Wrap(err, "marshal outcome envelope")
	}
	if err := n.bus.Publish(SubjectDone, data); err != nil {
		// The store already holds the result; remote waiters fall back to
		// polling it. Local delivery succeeded, so don't fail the report.
		n.log.Warn().Err(err).Str("correlation_id", id).Msg("publish outcome envelope failed")
	}
	return nil
}

// Inbox consumes outcome envelopes from the bus and wakes local waiters.
type Inbox struct {
	correlator *Correlator
	sub        bus.Subscription
	log        zerolog.Logger
	done       chan struct{}
	closed     atomic.Bool
}

// NewInbox subscribes to SubjectDone and starts forwarding envelopes to the
// correlator's local waiters.
func NewInbox(c *Correlator, b bus.MessageBus, log zerolog.Logger) (*Inbox, error) {
	sub, err := b.Subscribe(SubjectDone)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to "+SubjectDone)
	}
	in := &Inbox{
		correlator: c,
		sub:        sub,
		log:        log.With().Str("component", "callback.inbox").Logger(),
		done:       make(chan struct{}),
	}
	go in.run()
	return in, nil
}

func (in *Inbox) run() {
	defer close(in.done)
	for msg := range in.sub.Messages() {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			in.log.Warn().Err(err).Msg("drop malformed outcome envelope")
			continue
		}
		if env.ID == "" {
			continue
		}
		in.correlator.notify(env.ID, env.Outcome)
	}
}

// Close stops consuming. It is safe to call more than once.
func (in *Inbox) Close() error {
	if !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := in.sub.Unsubscribe()
	<-in.done
	return err
}
