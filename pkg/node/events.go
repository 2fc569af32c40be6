package node

import (
	"sync"

	"github.com/embermesh/matter/pkg/datamodel"
)

// AttributeObserver receives the new value of one attribute.
type AttributeObserver func(value datamodel.Value)

// Observable is one attribute's change signal. Observers run in
// registration order.
type Observable struct {
	mu        sync.Mutex
	observers []AttributeObserver
}

// Observe appends an observer.
func (o *Observable) Observe(fn AttributeObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

func (o *Observable) emit(v datamodel.Value) {
	o.mu.Lock()
	observers := append([]AttributeObserver(nil), o.observers...)
	o.mu.Unlock()
	for _, fn := range observers {
		fn(v)
	}
}

// BehaviorEvents owns the per-attribute observables of one behavior,
// instantiated lazily on first access and dropped with the backing.
type BehaviorEvents struct {
	mu       sync.Mutex
	changed  map[datamodel.AttributeID]*Observable
	changing map[datamodel.AttributeID]*Observable
}

func newBehaviorEvents() *BehaviorEvents {
	return &BehaviorEvents{
		changed:  make(map[datamodel.AttributeID]*Observable),
		changing: make(map[datamodel.AttributeID]*Observable),
	}
}

// Changed returns the post-commit observable for an attribute.
func (e *BehaviorEvents) Changed(attr datamodel.AttributeID) *Observable {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.changed[attr]
	if !ok {
		o = &Observable{}
		e.changed[attr] = o
	}
	return o
}

// Changing returns the pre-commit observable for an attribute.
func (e *BehaviorEvents) Changing(attr datamodel.AttributeID) *Observable {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.changing[attr]
	if !ok {
		o = &Observable{}
		e.changing[attr] = o
	}
	return o
}

// emitChanged fires the observable for attr if one was instantiated.
func (e *BehaviorEvents) emitChanged(attr datamodel.AttributeID, v datamodel.Value) {
	e.mu.Lock()
	o := e.changed[attr]
	e.mu.Unlock()
	if o != nil {
		o.emit(v)
	}
}

func (e *BehaviorEvents) drop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changed = make(map[datamodel.AttributeID]*Observable)
	e.changing = make(map[datamodel.AttributeID]*Observable)
}
