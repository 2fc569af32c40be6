package exchange

import (
	"math/rand"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/transport"
)

// MRP limits (Spec 4.12).
const (
	// MaxRetransmits is the number of resend attempts after the
	// initial transmission.
	MaxRetransmits = 5

	// initialBackoffFactor scales the base interval (the peer's active
	// interval when the peer is active, its idle interval otherwise)
	// for the first retransmission wait.
	initialBackoffFactor = 1.1

	// backoffJitterMax is the per-retry multiplicative jitter bound:
	// each subsequent wait is the previous one times (1 + jitter),
	// jitter uniform in [0, 0.25).
	backoffJitterMax = 0.25

	// standaloneAckDelay is how long an inbound reliable message may
	// wait for a piggybacked ack before a standalone ack goes out.
	standaloneAckDelay = 200 * time.Millisecond
)

// retransmitEntry is one unacknowledged reliable message.
type retransmitEntry struct {
	key      exchangeKey
	counter  uint32
	wire     []byte
	peer     transport.Peer
	attempts int
	wait     time.Duration
	timer    *time.Timer
}

// retransmitTable tracks unacknowledged reliable messages, one per
// exchange (Spec 4.12.6.1 flow control).
type retransmitTable struct {
	mu         sync.Mutex
	byCounter  map[uint32]*retransmitEntry
	byExchange map[exchangeKey]*retransmitEntry
	rand       func() float64
}

func newRetransmitTable() *retransmitTable {
	return &retransmitTable{
		byCounter:  make(map[uint32]*retransmitEntry),
		byExchange: make(map[exchangeKey]*retransmitEntry),
		rand:       rand.Float64,
	}
}

// add registers a sent message and arms its first retransmission.
// resend is called on each expiry with the entry; give-up is signalled
// through onExhausted.
func (t *retransmitTable) add(key exchangeKey, counter uint32, wire []byte, peer transport.Peer,
	activeInterval time.Duration, resend func(*retransmitEntry), onExhausted func(exchangeKey)) error {

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.byExchange[key]; busy {
		return ErrPendingRetransmit
	}
	e := &retransmitEntry{
		key:     key,
		counter: counter,
		wire:    wire,
		peer:    peer,
		wait:    time.Duration(float64(activeInterval) * initialBackoffFactor),
	}
	t.byCounter[counter] = e
	t.byExchange[key] = e
	t.arm(e, resend, onExhausted)
	return nil
}

// arm schedules the next expiry; caller holds the lock.
func (t *retransmitTable) arm(e *retransmitEntry, resend func(*retransmitEntry), onExhausted func(exchangeKey)) {
	wait := e.wait
	e.timer = time.AfterFunc(wait, func() {
		t.mu.Lock()
		cur, live := t.byCounter[e.counter]
		if !live || cur != e {
			t.mu.Unlock()
			return
		}
		e.attempts++
		if e.attempts > MaxRetransmits {
			delete(t.byCounter, e.counter)
			delete(t.byExchange, e.key)
			t.mu.Unlock()
			onExhausted(e.key)
			return
		}
		e.wait = time.Duration(float64(e.wait) * (1 + t.rand()*backoffJitterMax))
		t.arm(e, resend, onExhausted)
		t.mu.Unlock()
		resend(e)
	})
}

// ack removes the entry acknowledged by counter.
func (t *retransmitTable) ack(counter uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byCounter[counter]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(t.byCounter, counter)
	delete(t.byExchange, e.key)
}

// drop cancels any pending entry for an exchange.
func (t *retransmitTable) drop(key exchangeKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byExchange[key]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(t.byCounter, e.counter)
	delete(t.byExchange, key)
}

// close cancels everything.
func (t *retransmitTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byCounter {
		e.timer.Stop()
	}
	t.byCounter = make(map[uint32]*retransmitEntry)
	t.byExchange = make(map[exchangeKey]*retransmitEntry)
}
