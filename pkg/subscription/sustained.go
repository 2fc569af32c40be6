// Package subscription provides the client-side sustained
// subscription: a wrapper that transparently re-establishes a wire
// subscription after timeout, peer shutdown or network loss.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/embermesh/matter/pkg/im"
	"github.com/pion/logging"
)

// ErrClosed indicates use of a closed sustained subscription.
var ErrClosed = errors.New("subscription: closed")

// State is the sustained subscription's externally visible state.
type State uint8

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// Establish performs one subscription attempt: typically re-discovery
// of the peer followed by an IM subscribe. onTimeout must be wired
// into the resulting subscription's liveness watchdog.
type Establish func(ctx context.Context, onReport func(*im.ReportData), onTimeout func()) (*im.ClientSubscription, error)

// Sustained keeps one logical subscription alive across underlying
// losses. The wire subscription id changes on every re-establishment.
type Sustained struct {
	establish Establish
	onReport  func(*im.ReportData)
	onState   func(State)
	log       logging.LeveledLogger

	mu      sync.Mutex
	state   State
	current *im.ClientSubscription
	cancel  context.CancelFunc
	closed  bool

	lost chan struct{}
	wg   sync.WaitGroup
}

// Config configures a sustained subscription.
type Config struct {
	// Establish performs one subscription attempt. Required.
	Establish Establish

	// OnReport receives every report from whichever underlying
	// subscription is live.
	OnReport func(*im.ReportData)

	// OnStateChange observes active/inactive transitions.
	OnStateChange func(State)

	LoggerFactory logging.LoggerFactory
}

// New creates a sustained subscription; Start begins establishment.
func New(config Config) *Sustained {
	s := &Sustained{
		establish: config.Establish,
		onReport:  config.OnReport,
		onState:   config.OnStateChange,
		lost:      make(chan struct{}, 1),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("subscription")
	}
	return s
}

// Start launches the maintenance loop.
func (s *Sustained) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// State returns the current state.
func (s *Sustained) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscriptionID returns the live wire subscription id, 0 while
// inactive.
func (s *Sustained) SubscriptionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.ID
}

// Close tears the subscription down permanently.
func (s *Sustained) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	current := s.current
	s.current = nil
	s.mu.Unlock()

	if current != nil {
		current.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.setState(StateInactive)
}

func (s *Sustained) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	notify := s.onState
	s.mu.Unlock()
	if notify != nil {
		notify(state)
	}
}

// run establishes, waits for loss, and re-establishes with
// exponential backoff until closed.
func (s *Sustained) run(ctx context.Context) {
	for {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 30 * time.Second
		policy.MaxElapsedTime = 0 // retry forever

		var sub *im.ClientSubscription
		err := backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var attemptErr error
			sub, attemptErr = s.establish(ctx, s.handleReport, s.handleLoss)
			if attemptErr != nil && s.log != nil {
				s.log.Debugf("subscribe attempt failed: %v", attemptErr)
			}
			return attemptErr
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			sub.Close()
			return
		}
		s.current = sub
		s.mu.Unlock()
		s.setState(StateActive)
		if s.log != nil {
			s.log.Infof("subscription %d active", sub.ID)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.lost:
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
			s.setState(StateInactive)
			if s.log != nil {
				s.log.Info("subscription lost, re-establishing")
			}
		}
	}
}

func (s *Sustained) handleReport(rd *im.ReportData) {
	if s.onReport != nil {
		s.onReport(rd)
	}
}

func (s *Sustained) handleLoss() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}
