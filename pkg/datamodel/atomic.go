package datamodel

import (
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/fabric"
)

// AtomicRequestType selects the AtomicRequest operation (Spec 7.15.4).
type AtomicRequestType uint8

const (
	AtomicBegin AtomicRequestType = iota
	AtomicCommit
	AtomicRollback
)

func (t AtomicRequestType) String() string {
	switch t {
	case AtomicBegin:
		return "Begin"
	case AtomicCommit:
		return "Commit"
	case AtomicRollback:
		return "Rollback"
	}
	return "Unknown"
}

// MaxAtomicWriteTimeout caps the per-peer atomic write timer.
const MaxAtomicWriteTimeout = 9 * time.Second

// AtomicStatus is the per-attribute outcome of Begin/Commit.
type AtomicStatus struct {
	Attribute AttributeID
	Err       error // nil on success
}

// AtomicPeer identifies the peer owning an open atomic write.
type AtomicPeer struct {
	FabricIndex fabric.Index
	NodeID      fabric.NodeID
}

// AtomicHooks lets the owning cluster validate and observe staged
// values: Changing fires per staged attribute before commit applies
// it, Changed after the whole set committed.
type AtomicHooks struct {
	Changing func(attr AttributeID, staged Value) error
	Changed  func(attrs []AttributeID)
}

// atomicState is one open atomic write on one cluster instance.
type atomicState struct {
	owner    AtomicPeer
	attrs    map[AttributeID]bool
	snapshot map[AttributeID]Value
	staged   map[AttributeID]Value
	timer    *time.Timer
}

// AtomicCoordinator manages atomic multi-attribute writes per cluster
// instance (Spec 7.15): Begin snapshots, writes stage, Commit replays
// through the hooks, timeout/fabric-removal rolls back.
type AtomicCoordinator struct {
	state *ClusterState
	hooks AtomicHooks

	mu   sync.Mutex
	open *atomicState
}

// NewAtomicCoordinator attaches atomic-write handling to a cluster
// state.
func NewAtomicCoordinator(state *ClusterState, hooks AtomicHooks) *AtomicCoordinator {
	return &AtomicCoordinator{state: state, hooks: hooks}
}

// Begin opens an atomic write for peer over attrs, arming the timer.
// The per-attribute statuses report which attributes were accepted;
// the overall error is nil only when every attribute was.
func (c *AtomicCoordinator) Begin(peer AtomicPeer, attrs []AttributeID, timeout time.Duration, auth *Auth) ([]AtomicStatus, error) {
	if timeout <= 0 || timeout > MaxAtomicWriteTimeout {
		timeout = MaxAtomicWriteTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open != nil {
		if c.open.owner == peer {
			return nil, ErrInvalidInState
		}
		return nil, ErrBusy
	}

	statuses := make([]AtomicStatus, 0, len(attrs))
	ok := true
	snapshot := make(map[AttributeID]Value, len(attrs))
	set := make(map[AttributeID]bool, len(attrs))
	for _, id := range attrs {
		schema := c.state.Schema().Attribute(id)
		switch {
		case schema == nil || !c.state.Supports(id):
			statuses = append(statuses, AtomicStatus{Attribute: id, Err: ErrUnsupportedAttribute})
			ok = false
		case !schema.Quality.Atomic:
			statuses = append(statuses, AtomicStatus{Attribute: id, Err: ErrInvalidInState})
			ok = false
		case c.state.CheckAccess(schema, OpWrite, auth) != nil:
			statuses = append(statuses, AtomicStatus{Attribute: id, Err: ErrAccessDenied})
			ok = false
		default:
			v, _ := c.state.Get(id)
			snapshot[id] = v
			set[id] = true
			statuses = append(statuses, AtomicStatus{Attribute: id})
		}
	}
	if !ok {
		return statuses, ErrInvalidInState
	}

	st := &atomicState{
		owner:    peer,
		attrs:    set,
		snapshot: snapshot,
		staged:   make(map[AttributeID]Value),
	}
	st.timer = time.AfterFunc(timeout, func() { c.expire(st) })
	c.open = st
	return statuses, nil
}

// expire rolls back a timed-out state.
func (c *AtomicCoordinator) expire(st *atomicState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == st {
		c.open = nil
	}
}

// Write stages one value for the owning peer. The staged value
// replaces any previous staged value; the Changing hook fires for
// cluster-specific validation.
func (c *AtomicCoordinator) Write(peer AtomicPeer, attr AttributeID, v Value) error {
	c.mu.Lock()
	st := c.open
	c.mu.Unlock()

	if st == nil {
		return ErrInvalidInState
	}
	if st.owner != peer {
		return ErrBusy
	}
	if !st.attrs[attr] {
		return ErrInvalidInState
	}
	schema := c.state.Schema().Attribute(attr)
	if err := schema.Validate(v); err != nil {
		return err
	}
	if c.hooks.Changing != nil {
		if err := c.hooks.Changing(attr, v); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if c.open == st {
		st.staged[attr] = v
	}
	c.mu.Unlock()
	return nil
}

// InAtomicSet reports whether attr participates in an open write, and
// whether peer owns it. Non-owning peers' plain writes must be
// rejected while the set is open.
func (c *AtomicCoordinator) InAtomicSet(peer AtomicPeer, attr AttributeID) (open bool, owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil || !c.open.attrs[attr] {
		return false, false
	}
	return true, c.open.owner == peer
}

// Commit replays staged values through the hooks and applies them
// all-or-none: any failure restores the snapshot. The state always
// closes. Statuses carry the strictest per-attribute error codes.
func (c *AtomicCoordinator) Commit(peer AtomicPeer) ([]AtomicStatus, error) {
	c.mu.Lock()
	st := c.open
	if st == nil || st.owner != peer {
		c.mu.Unlock()
		if st != nil {
			return nil, ErrBusy
		}
		return nil, ErrInvalidInState
	}
	c.open = nil
	st.timer.Stop()
	c.mu.Unlock()

	statuses := make([]AtomicStatus, 0, len(st.attrs))
	var worst error
	for id := range st.attrs {
		v, wrote := st.staged[id]
		if !wrote {
			statuses = append(statuses, AtomicStatus{Attribute: id})
			continue
		}
		var err error
		if c.hooks.Changing != nil {
			err = c.hooks.Changing(id, v)
		}
		if err == nil {
			err = c.state.Schema().Attribute(id).Validate(v)
		}
		statuses = append(statuses, AtomicStatus{Attribute: id, Err: err})
		if err != nil {
			worst = strictest(worst, err)
		}
	}

	if worst != nil {
		return statuses, worst
	}

	tx := NewTransaction()
	applied := make([]AttributeID, 0, len(st.staged))
	for id, v := range st.staged {
		if err := tx.Write(c.state, id, v); err != nil {
			tx.Rollback()
			return statuses, err
		}
		applied = append(applied, id)
	}
	tx.Commit()
	if c.hooks.Changed != nil && len(applied) > 0 {
		c.hooks.Changed(applied)
	}
	return statuses, nil
}

// Rollback discards staged values and closes the state.
func (c *AtomicCoordinator) Rollback(peer AtomicPeer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return ErrInvalidInState
	}
	if c.open.owner != peer {
		return ErrBusy
	}
	c.open.timer.Stop()
	c.open = nil
	return nil
}

// CloseForFabric rolls back an open state owned by a removed fabric.
func (c *AtomicCoordinator) CloseForFabric(index fabric.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil && c.open.owner.FabricIndex == index {
		c.open.timer.Stop()
		c.open = nil
	}
}

// strictest picks the stricter of two commit errors: ConstraintError
// outranks generic failure.
func strictest(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a == ErrConstraint || b == ErrConstraint {
		return ErrConstraint
	}
	return a
}
