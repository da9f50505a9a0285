package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/backoff"
	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/gateway"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a running sender.
	ErrAlreadyStarted = errors.Conflict("heartbeat sender already started")

	// ErrNotStarted is returned when Stop is called on a stopped sender.
	ErrNotStarted = errors.Conflict("heartbeat sender not started")
)

// DefaultHeartbeatInterval matches the manager's expectation.
const DefaultHeartbeatInterval = time.Minute

// Sender posts periodic heartbeats for one delegate, carrying whatever
// perpetual run reports accumulated since the previous beat. Missed beats are
// retried on the next tick; the manager's liveness window tolerates a few.
type Sender struct {
	client   *Client
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]gateway.PerpetualHeartbeat

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender builds a sender over an existing client.
func NewSender(client *Client, interval time.Duration, log zerolog.Logger) *Sender {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Sender{
		client:   client,
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Str("delegate_id", client.DelegateID()).Logger(),
		pending:  make(map[string]gateway.PerpetualHeartbeat),
	}
}

// ReportRun records a successful perpetual run; it rides the next heartbeat.
// A later report for the same task replaces an earlier one.
func (s *Sender) ReportRun(taskID string) {
	s.mu.Lock()
	s.pending[taskID] = gateway.PerpetualHeartbeat{
		TaskID:     taskID,
		Timestamp:  time.Now(),
		Validation: gateway.ValidationOK,
	}
	s.mu.Unlock()
}

// ReportInvalid records that a perpetual task's parameters no longer validate
// on this delegate, asking the manager to take the assignment back.
func (s *Sender) ReportInvalid(taskID string) {
	s.mu.Lock()
	s.pending[taskID] = gateway.PerpetualHeartbeat{
		TaskID:     taskID,
		Timestamp:  time.Now(),
		Validation: gateway.ValidationFailed,
	}
	s.mu.Unlock()
}

// Start begins sending heartbeats at the configured interval, beating once
// immediately.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Sender) beat(ctx context.Context) {
	reports := s.takePending()
	if err := s.client.Heartbeat(ctx, reports); err != nil {
		// Put the reports back so the next beat carries them.
		s.restorePending(reports)
		s.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (s *Sender) takePending() []gateway.PerpetualHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	reports := make([]gateway.PerpetualHeartbeat, 0, len(s.pending))
	for _, hb := range s.pending {
		reports = append(reports, hb)
	}
	s.pending = make(map[string]gateway.PerpetualHeartbeat)
	return reports
}

func (s *Sender) restorePending(reports []gateway.PerpetualHeartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hb := range reports {
		// A fresher report recorded in the meantime wins.
		if _, ok := s.pending[hb.TaskID]; !ok {
			s.pending[hb.TaskID] = hb
		}
	}
}

// Stop halts the heartbeat loop and waits for it to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// RegisterWithRetry registers the delegate, retrying with exponential backoff
// until the manager responds or the context ends.
func RegisterWithRetry(ctx context.Context, c *Client, base, max time.Duration) error {
	for attempt := 0; ; attempt++ {
		err := c.Register(ctx)
		if err == nil {
			return nil
		}
		if !errors.HasCode(err, errors.ErrCodeUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "registration abandoned")
		case <-time.After(backoff.ExponentialJitter(base, max, attempt)):
		}
	}
}
