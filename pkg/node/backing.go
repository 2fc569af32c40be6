// Package node implements the endpoint/behavior runtime: a node owns a
// tree of endpoints, endpoints own behaviors (clusters), and each
// behavior's backing owns its lifecycle, datasource, events and
// reactors.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/tlv"
)

// Invocation carries one command invocation into a behavior.
type Invocation struct {
	Command datamodel.CommandID
	Fields  *tlv.Reader // positioned on the fields struct, or nil
	Auth    *datamodel.Auth
	Timed   bool

	// Response collects the typed response fields; ResponseID is set
	// by the handler when it produced one.
	Response   *tlv.Writer
	ResponseID *datamodel.CommandID
}

// Behavior is one cluster implementation composed onto an endpoint.
type Behavior interface {
	// State returns the supervised datasource.
	State() *datamodel.ClusterState

	// Invoke executes one command. A nil error with ResponseID unset
	// reports plain success.
	Invoke(ctx context.Context, inv *Invocation) error
}

// Initializer is implemented by behaviors with construction work.
type Initializer interface {
	Init(ctx context.Context, ep *Endpoint) error
}

// EarlyInitializer marks behaviors whose Init must run before the
// rest, in declaration order.
type EarlyInitializer interface {
	InitEarly()
}

// Closer is implemented by behaviors with teardown work.
type Closer interface {
	Close()
}

// InteractionObserver is implemented by behaviors that need the
// interaction lifecycle (e.g. atomic-write commit deferral).
type InteractionObserver interface {
	InteractionBegin(auth *datamodel.Auth)
	InteractionEnd(committed bool)
}

// LifecycleState tracks a backing's construction state.
type LifecycleState uint8

const (
	LifecycleInitializing LifecycleState = iota
	LifecycleActive
	LifecycleCrashed
	LifecycleDestroyed
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleInitializing:
		return "initializing"
	case LifecycleActive:
		return "active"
	case LifecycleCrashed:
		return "crashed"
	}
	return "destroyed"
}

// Reactor is one declarative (observable, fn) entry; fn runs on the
// node task queue.
type Reactor struct {
	Observable *Observable
	Fn         func(datamodel.Value)

	// Once unregisters the reactor after its first execution.
	Once bool
}

// Backing composes one behavior with its runtime plumbing.
type Backing struct {
	behavior Behavior
	endpoint *Endpoint
	events   *BehaviorEvents
	queue    *TaskQueue

	mu       sync.Mutex
	state    LifecycleState
	initErr  error
	observers []func(LifecycleState)
}

func newBacking(behavior Behavior, ep *Endpoint, queue *TaskQueue) *Backing {
	b := &Backing{
		behavior: behavior,
		endpoint: ep,
		events:   newBehaviorEvents(),
		queue:    queue,
	}
	// Wire datasource changes into the lazily created observables.
	// Quieter and changesOmitted attributes stay out of $Changed.
	state := behavior.State()
	state.Subscribe(func(path datamodel.ConcreteAttributePath, _ datamodel.DataVersion, names []string) {
		for _, name := range names {
			for i := range state.Schema().Attributes {
				attr := &state.Schema().Attributes[i]
				if attr.Name != name || attr.Quality.Quieter || attr.Quality.ChangesOmitted {
					continue
				}
				v, err := state.Get(attr.ID)
				if err != nil {
					continue
				}
				b.events.emitChanged(attr.ID, v)
			}
		}
	})
	return b
}

// Behavior returns the composed behavior.
func (b *Backing) Behavior() Behavior { return b.behavior }

// State returns the behavior datasource.
func (b *Backing) State() *datamodel.ClusterState { return b.behavior.State() }

// Events returns the behavior's observables.
func (b *Backing) Events() *BehaviorEvents { return b.events }

// Lifecycle returns the current state.
func (b *Backing) Lifecycle() LifecycleState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ObserveLifecycle registers an ordered lifecycle observer.
func (b *Backing) ObserveLifecycle(fn func(LifecycleState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// React registers a reactor on an observable; executions are posted to
// the node task queue so behavior work never overlaps. Reactors on a
// detached endpoint run inline.
func (b *Backing) React(r Reactor) {
	var once sync.Once
	r.Observable.Observe(func(v datamodel.Value) {
		run := func() {
			if q := b.taskQueue(); q != nil {
				q.Post(func() { r.Fn(v) })
				return
			}
			r.Fn(v)
		}
		if r.Once {
			once.Do(run)
			return
		}
		run()
	})
}

func (b *Backing) taskQueue() *TaskQueue {
	if b.queue != nil {
		return b.queue
	}
	if b.endpoint != nil && b.endpoint.node != nil {
		return b.endpoint.node.queue
	}
	return nil
}

func (b *Backing) setState(s LifecycleState) {
	b.mu.Lock()
	b.state = s
	observers := append(([]func(LifecycleState))(nil), b.observers...)
	b.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// initialize runs the behavior initializer; failures quarantine the
// backing.
func (b *Backing) initialize(ctx context.Context) error {
	if init, ok := b.behavior.(Initializer); ok {
		if err := init.Init(ctx, b.endpoint); err != nil {
			b.mu.Lock()
			b.initErr = err
			b.mu.Unlock()
			b.setState(LifecycleCrashed)
			return fmt.Errorf("behavior 0x%04X: %w", uint32(b.State().ID()), err)
		}
	}
	b.setState(LifecycleActive)
	return nil
}

// close destroys the backing.
func (b *Backing) close() {
	if c, ok := b.behavior.(Closer); ok {
		c.Close()
	}
	b.events.drop()
	b.setState(LifecycleDestroyed)
}

// Invoke guards command dispatch with the lifecycle state.
func (b *Backing) Invoke(ctx context.Context, inv *Invocation) error {
	switch b.Lifecycle() {
	case LifecycleActive:
		return b.behavior.Invoke(ctx, inv)
	case LifecycleCrashed:
		return ErrBehaviorCrashed
	default:
		return ErrClosed
	}
}
