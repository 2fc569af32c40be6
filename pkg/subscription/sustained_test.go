package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/im"
)

// fakeEstablisher simulates the underlying subscribe mechanism.
type fakeEstablisher struct {
	mu        sync.Mutex
	attempts  int
	failFirst int
	nextID    uint32
	onTimeout func()
}

func (f *fakeEstablisher) establish(_ context.Context, _ func(*im.ReportData), onTimeout func()) (*im.ClientSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failFirst {
		return nil, errors.New("peer unreachable")
	}
	f.nextID++
	f.onTimeout = onTimeout
	return &im.ClientSubscription{ID: f.nextID, MaxInterval: 30 * time.Second}, nil
}

func (f *fakeEstablisher) loseCurrent() {
	f.mu.Lock()
	cb := f.onTimeout
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func waitState(t *testing.T, s *Sustained, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestSustained_BecomesActive(t *testing.T) {
	fe := &fakeEstablisher{}
	var transitions []State
	var mu sync.Mutex

	s := New(Config{
		Establish: fe.establish,
		OnStateChange: func(st State) {
			mu.Lock()
			transitions = append(transitions, st)
			mu.Unlock()
		},
	})
	defer s.Close()

	s.Start(context.Background())
	waitState(t, s, StateActive)
	if s.SubscriptionID() == 0 {
		t.Error("no subscription id while active")
	}
}

func TestSustained_RetriesInitialFailures(t *testing.T) {
	fe := &fakeEstablisher{failFirst: 2}
	s := New(Config{Establish: fe.establish})
	defer s.Close()

	s.Start(context.Background())
	waitState(t, s, StateActive)

	fe.mu.Lock()
	attempts := fe.attempts
	fe.mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestSustained_ReestablishesWithNewID(t *testing.T) {
	fe := &fakeEstablisher{}
	var inactives atomic.Int32
	s := New(Config{
		Establish: fe.establish,
		OnStateChange: func(st State) {
			if st == StateInactive {
				inactives.Add(1)
			}
		},
	})
	defer s.Close()

	s.Start(context.Background())
	waitState(t, s, StateActive)
	first := s.SubscriptionID()

	fe.loseCurrent()
	deadline := time.Now().Add(5 * time.Second)
	for inactives.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	waitState(t, s, StateActive)

	if s.SubscriptionID() == first {
		t.Error("re-established subscription kept the old id")
	}
	if inactives.Load() == 0 {
		t.Error("inactive transition not observed")
	}
}

func TestSustained_CloseStops(t *testing.T) {
	fe := &fakeEstablisher{}
	s := New(Config{Establish: fe.establish})
	s.Start(context.Background())
	waitState(t, s, StateActive)

	s.Close()
	if s.State() != StateInactive {
		t.Error("closed subscription still active")
	}

	fe.mu.Lock()
	attempts := fe.attempts
	fe.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	fe.mu.Lock()
	if fe.attempts != attempts {
		t.Error("establish attempts after Close")
	}
	fe.mu.Unlock()
}
