package node

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/pion/logging"
)

// Change is one committed data-model mutation, or an endpoint removal
// when Deleted is set.
type Change struct {
	Endpoint datamodel.EndpointID
	Cluster  datamodel.ClusterID
	Version  datamodel.DataVersion
	Names    []string
	Deleted  bool
}

// ChangeSink consumes data-model change broadcasts.
type ChangeSink func(Change)

// Node owns the endpoint tree rooted at endpoint 0 plus the node-wide
// runtime: task queue, event log and change broadcast.
type Node struct {
	mu        sync.RWMutex
	endpoints map[datamodel.EndpointID]*Endpoint
	root      *Endpoint

	structureVersion atomic.Uint32
	structureObs     []func()
	sinks            []ChangeSink

	queue  *TaskQueue
	events *datamodel.EventLog
	log    logging.LeveledLogger
	closed bool
}

// Config configures a node runtime.
type Config struct {
	// Root is the endpoint 0 instance; one is created when nil.
	Root *Endpoint

	// EventLogCapacity bounds the per-priority event rings.
	EventLogCapacity int

	LoggerFactory logging.LoggerFactory
}

// New creates the node runtime with its root endpoint attached but not
// yet activated.
func New(config Config) *Node {
	root := config.Root
	if root == nil {
		root = NewEndpoint(EndpointConfig{Number: datamodel.RootEndpointID, Name: "root"})
	}
	n := &Node{
		endpoints: make(map[datamodel.EndpointID]*Endpoint),
		root:      root,
		queue:     NewTaskQueue(),
		events:    datamodel.NewEventLog(config.EventLogCapacity),
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("node")
	}
	root.node = n
	n.endpoints[root.number] = root
	return n
}

// Root returns endpoint 0.
func (n *Node) Root() *Endpoint { return n.root }

// Queue returns the node task queue.
func (n *Node) Queue() *TaskQueue { return n.queue }

// Events returns the node event log.
func (n *Node) Events() *datamodel.EventLog { return n.events }

// StructureVersion returns the endpoint tree version, bumped on every
// add or remove.
func (n *Node) StructureVersion() uint32 { return n.structureVersion.Load() }

// OnStructureChanged registers a callback fired after the endpoint
// tree changes; callbacks observe a consistent tree.
func (n *Node) OnStructureChanged(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.structureObs = append(n.structureObs, fn)
}

// OnChange registers a sink for committed attribute changes and
// endpoint deletions across the whole node.
func (n *Node) OnChange(sink ChangeSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, sink)
}

func (n *Node) broadcast(c Change) {
	n.mu.RLock()
	sinks := append([]ChangeSink(nil), n.sinks...)
	n.mu.RUnlock()
	for _, s := range sinks {
		s(c)
	}
}

// AddEndpoint attaches and activates a child endpoint. Behaviors must
// be composed before attachment.
func (n *Node) AddEndpoint(ctx context.Context, ep *Endpoint) error {
	if ep.number == datamodel.RootEndpointID {
		return ErrRootReserved
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if _, dup := n.endpoints[ep.number]; dup {
		n.mu.Unlock()
		return ErrEndpointExists
	}
	ep.node = n
	n.endpoints[ep.number] = ep
	n.root.mu.Lock()
	n.root.parts = append(n.root.parts, ep)
	n.root.mu.Unlock()
	n.mu.Unlock()

	if err := ep.activate(ctx); err != nil {
		n.detach(ep.number)
		return err
	}
	n.hookChanges(ep)
	n.bumpStructure()
	return nil
}

// ActivateRoot validates and initializes endpoint 0's behaviors; call
// after composing the root clusters.
func (n *Node) ActivateRoot(ctx context.Context) error {
	if err := n.root.activate(ctx); err != nil {
		return err
	}
	n.hookChanges(n.root)
	return nil
}

// hookChanges forwards the endpoint's cluster commits into the node
// change broadcast.
func (n *Node) hookChanges(ep *Endpoint) {
	for _, id := range ep.ClusterIDs() {
		backing := ep.Backing(id)
		state := backing.State()
		epNumber := ep.number
		state.Subscribe(func(path datamodel.ConcreteAttributePath, version datamodel.DataVersion, names []string) {
			n.broadcast(Change{
				Endpoint: epNumber,
				Cluster:  path.Cluster,
				Version:  version,
				Names:    names,
			})
		})
	}
}

// RemoveEndpoint closes all behaviors on the endpoint then detaches
// it, broadcasting the deletion.
func (n *Node) RemoveEndpoint(number datamodel.EndpointID) error {
	if number == datamodel.RootEndpointID {
		return ErrRootReserved
	}
	n.mu.Lock()
	ep, ok := n.endpoints[number]
	n.mu.Unlock()
	if !ok {
		return ErrEndpointNotFound
	}
	ep.close()
	n.detach(number)
	n.bumpStructure()
	n.broadcast(Change{Endpoint: number, Deleted: true})
	return nil
}

func (n *Node) detach(number datamodel.EndpointID) {
	n.mu.Lock()
	delete(n.endpoints, number)
	n.root.mu.Lock()
	parts := n.root.parts[:0]
	for _, p := range n.root.parts {
		if p.number != number {
			parts = append(parts, p)
		}
	}
	n.root.parts = parts
	n.root.mu.Unlock()
	n.mu.Unlock()
}

func (n *Node) bumpStructure() {
	n.structureVersion.Add(1)
	n.mu.RLock()
	observers := append(([]func())(nil), n.structureObs...)
	n.mu.RUnlock()
	for _, fn := range observers {
		fn()
	}
}

// Endpoint returns the endpoint with the given number, or nil.
func (n *Node) Endpoint(number datamodel.EndpointID) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[number]
}

// EndpointIDs lists attached endpoints in ascending order.
func (n *Node) EndpointIDs() []datamodel.EndpointID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]datamodel.EndpointID, 0, len(n.endpoints))
	for id := range n.endpoints {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cluster resolves a backing by endpoint and cluster id.
func (n *Node) Cluster(endpoint datamodel.EndpointID, cluster datamodel.ClusterID) *Backing {
	ep := n.Endpoint(endpoint)
	if ep == nil {
		return nil
	}
	return ep.Backing(cluster)
}

// EachCluster visits every backing on every endpoint.
func (n *Node) EachCluster(fn func(*Endpoint, *Backing)) {
	for _, id := range n.EndpointIDs() {
		ep := n.Endpoint(id)
		if ep == nil {
			continue
		}
		for _, cid := range ep.ClusterIDs() {
			fn(ep, ep.Backing(cid))
		}
	}
}

// InteractionBegin notifies interaction observers on the touched
// backings before the first mutation.
func (n *Node) InteractionBegin(backings []*Backing, auth *datamodel.Auth) {
	for _, b := range backings {
		if obs, ok := b.Behavior().(InteractionObserver); ok {
			obs.InteractionBegin(auth)
		}
	}
}

// InteractionEnd notifies interaction observers after commit or abort.
func (n *Node) InteractionEnd(backings []*Backing, committed bool) {
	for _, b := range backings {
		if obs, ok := b.Behavior().(InteractionObserver); ok {
			obs.InteractionEnd(committed)
		}
	}
}

// Close tears down the endpoint tree and the task queue.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	endpoints := make([]*Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		endpoints = append(endpoints, ep)
	}
	n.mu.Unlock()

	for _, ep := range endpoints {
		ep.close()
	}
	n.queue.Close()
	if n.log != nil {
		n.log.Info("node runtime closed")
	}
}
