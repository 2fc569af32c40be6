package node

import (
	"context"
	"sync"

	"github.com/embermesh/matter/pkg/datamodel"
)

// DeviceType pairs a device type id with its revision and required
// server clusters.
type DeviceType struct {
	ID               datamodel.DeviceTypeID
	Revision         uint16
	RequiredClusters []datamodel.ClusterID
}

// Well-known device types used by the bundled clusters.
var (
	DeviceTypeRootNode = DeviceType{
		ID: 0x0016, Revision: 3,
		RequiredClusters: []datamodel.ClusterID{0x001D, 0x0028, 0x0030},
	}
	DeviceTypeOnOffLight = DeviceType{
		ID: 0x0100, Revision: 3,
		RequiredClusters: []datamodel.ClusterID{0x001D, 0x0006},
	}
	DeviceTypeThermostat = DeviceType{
		ID: 0x0301, Revision: 4,
		RequiredClusters: []datamodel.ClusterID{0x001D, 0x0201},
	}
)

// Endpoint is one numbered container of behaviors.
type Endpoint struct {
	number      datamodel.EndpointID
	name        string
	deviceTypes []DeviceType

	mu        sync.RWMutex
	behaviors map[datamodel.ClusterID]*Backing
	order     []datamodel.ClusterID // declaration order
	early     map[datamodel.ClusterID]bool
	parts     []*Endpoint
	active    bool

	node *Node // owning node, set on attach
}

// EndpointConfig configures a new endpoint.
type EndpointConfig struct {
	Number      datamodel.EndpointID
	Name        string
	DeviceTypes []DeviceType
}

// NewEndpoint creates a detached endpoint; attach it with Node.AddEndpoint.
func NewEndpoint(config EndpointConfig) *Endpoint {
	return &Endpoint{
		number:      config.Number,
		name:        config.Name,
		deviceTypes: config.DeviceTypes,
		behaviors:   make(map[datamodel.ClusterID]*Backing),
		early:       make(map[datamodel.ClusterID]bool),
	}
}

// Number returns the endpoint number.
func (e *Endpoint) Number() datamodel.EndpointID { return e.number }

// Name returns the configured endpoint name.
func (e *Endpoint) Name() string { return e.name }

// DeviceTypes returns the ordered device type list.
func (e *Endpoint) DeviceTypes() []DeviceType { return e.deviceTypes }

// Node returns the owning node, nil while detached.
func (e *Endpoint) Node() *Node { return e.node }

// AddBehavior composes a behavior onto the endpoint. Pre-activation
// only; the early flag, or a behavior implementing EarlyInitializer,
// schedules its initializer first.
func (e *Endpoint) AddBehavior(behavior Behavior, early bool) *Backing {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := behavior.State().ID()
	backing := newBacking(behavior, e, queueOf(e.node))
	e.behaviors[id] = backing
	e.order = append(e.order, id)
	if _, ok := behavior.(EarlyInitializer); ok {
		early = true
	}
	if early {
		e.early[id] = true
	}
	return backing
}

func queueOf(n *Node) *TaskQueue {
	if n == nil {
		return nil
	}
	return n.queue
}

// Backing returns the backing for a cluster id, or nil.
func (e *Endpoint) Backing(id datamodel.ClusterID) *Backing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.behaviors[id]
}

// ClusterIDs lists composed clusters in declaration order.
func (e *Endpoint) ClusterIDs() []datamodel.ClusterID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]datamodel.ClusterID(nil), e.order...)
}

// Parts returns the child endpoints (descendants list).
func (e *Endpoint) Parts() []*Endpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Endpoint(nil), e.parts...)
}

// validateDeviceTypes checks every declared device type's required
// clusters are composed.
func (e *Endpoint) validateDeviceTypes() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, dt := range e.deviceTypes {
		for _, required := range dt.RequiredClusters {
			if _, ok := e.behaviors[required]; !ok {
				return ErrMissingRequiredCluster
			}
		}
	}
	return nil
}

// activate runs behavior initialization in spec order: device-type
// validation aborts the endpoint; early behaviors run first in
// declaration order; late failures quarantine only that behavior.
func (e *Endpoint) activate(ctx context.Context) error {
	if err := e.validateDeviceTypes(); err != nil {
		return err
	}

	e.mu.RLock()
	order := append([]datamodel.ClusterID(nil), e.order...)
	e.mu.RUnlock()

	for _, phase := range []bool{true, false} {
		for _, id := range order {
			if e.early[id] != phase {
				continue
			}
			backing := e.Backing(id)
			if err := backing.initialize(ctx); err != nil {
				if phase {
					// Early behaviors are load-bearing.
					return err
				}
				// Late failures quarantine the behavior only.
				continue
			}
		}
	}

	e.mu.Lock()
	e.active = true
	e.mu.Unlock()
	return nil
}

// Active reports whether activation completed.
func (e *Endpoint) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// close tears down all behaviors then detaches children.
func (e *Endpoint) close() {
	e.mu.Lock()
	behaviors := make([]*Backing, 0, len(e.behaviors))
	for _, b := range e.behaviors {
		behaviors = append(behaviors, b)
	}
	parts := e.parts
	e.parts = nil
	e.active = false
	e.mu.Unlock()

	for _, b := range behaviors {
		b.close()
	}
	for _, p := range parts {
		p.close()
	}
}
