// Package statestream turns data-model change broadcasts into an
// in-process notification service and a coalesced, filterable stream
// of diffs for local consumers.
package statestream

import (
	"context"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/node"
	"github.com/pion/logging"
)

// ChangeKind distinguishes updates from endpoint removals.
type ChangeKind uint8

const (
	ChangeUpdate ChangeKind = iota
	ChangeDelete
)

// Change is one streamed diff.
type Change struct {
	Kind     ChangeKind
	Node     fabric.NodeID // 0 for the local node
	Endpoint datamodel.EndpointID
	Cluster  datamodel.ClusterID
	Version  datamodel.DataVersion

	// Changes is the union-merged dirty property set; empty means a
	// full update that superseded partial ones.
	Changes []string
	Full    bool
}

// Service collects change broadcasts from the local node and any
// attached peers and fans them out to subscribers.
type Service struct {
	mu    sync.Mutex
	sinks []func(Change)
	log   logging.LeveledLogger
}

// ServiceConfig configures the change notification service.
type ServiceConfig struct {
	LoggerFactory logging.LoggerFactory
}

// NewService creates an empty service.
func NewService(config ServiceConfig) *Service {
	s := &Service{}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("statestream")
	}
	return s
}

// AttachNode wires a local node runtime into the service.
func (s *Service) AttachNode(n *node.Node) {
	n.OnChange(func(c node.Change) {
		if c.Deleted {
			s.publish(Change{Kind: ChangeDelete, Endpoint: c.Endpoint})
			return
		}
		s.publish(Change{
			Kind:     ChangeUpdate,
			Endpoint: c.Endpoint,
			Cluster:  c.Cluster,
			Version:  c.Version,
			Changes:  c.Names,
		})
	})
}

// PublishPeer feeds a remote peer's change into the service, tagged
// with the peer's node id.
func (s *Service) PublishPeer(peer fabric.NodeID, c Change) {
	c.Node = peer
	s.publish(c)
}

func (s *Service) publish(c Change) {
	s.mu.Lock()
	sinks := append(([]func(Change))(nil), s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink(c)
	}
}

// Subscribe registers a sink for every change.
func (s *Service) Subscribe(sink func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// DefaultCoalesceInterval batches rapid changes into one emission.
const DefaultCoalesceInterval = 250 * time.Millisecond

// behaviorKey identifies one behavior instance in the queue.
type behaviorKey struct {
	node     fabric.NodeID
	endpoint datamodel.EndpointID
	cluster  datamodel.ClusterID
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Nodes restricts the stream to these node ids; nil allows all.
	Nodes []fabric.NodeID

	// Clusters restricts the stream to these cluster ids; nil allows
	// all.
	Clusters []datamodel.ClusterID

	// InitialVersions seeds the per-cluster version table so resuming
	// clients skip stale updates.
	InitialVersions map[datamodel.ClusterID]datamodel.DataVersion

	// CoalesceInterval batches changes; DefaultCoalesceInterval when
	// zero.
	CoalesceInterval time.Duration

	// Buffer is the output channel depth.
	Buffer int
}

// Stream consumes a Service and yields coalesced changes. Per
// behavior, at most one entry is queued at a time; dirty-property sets
// union-merge, a full update supersedes partials, and endpoint
// deletion drains queued entries for that endpoint.
type Stream struct {
	service  *Service
	config   StreamConfig
	out      chan Change
	versions map[behaviorKey]datamodel.DataVersion

	mu      sync.Mutex
	pending map[behaviorKey]*Change
	order   []behaviorKey
	timer   *time.Timer
	closed  bool
}

// NewStream attaches a stream to the service.
func NewStream(service *Service, config StreamConfig) *Stream {
	if config.CoalesceInterval <= 0 {
		config.CoalesceInterval = DefaultCoalesceInterval
	}
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	st := &Stream{
		service:  service,
		config:   config,
		out:      make(chan Change, config.Buffer),
		versions: make(map[behaviorKey]datamodel.DataVersion),
		pending:  make(map[behaviorKey]*Change),
	}
	service.Subscribe(st.consume)
	return st
}

// C is the stream output channel.
func (st *Stream) C() <-chan Change { return st.out }

// Next waits for the next change.
func (st *Stream) Next(ctx context.Context) (Change, error) {
	select {
	case c, ok := <-st.out:
		if !ok {
			return Change{}, context.Canceled
		}
		return c, nil
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

// Close stops the stream.
func (st *Stream) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.mu.Unlock()
	close(st.out)
}

func (st *Stream) allowed(c Change) bool {
	if len(st.config.Nodes) > 0 {
		ok := false
		for _, n := range st.config.Nodes {
			if n == c.Node {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if c.Kind == ChangeUpdate && len(st.config.Clusters) > 0 {
		ok := false
		for _, id := range st.config.Clusters {
			if id == c.Cluster {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (st *Stream) consume(c Change) {
	if !st.allowed(c) {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	if c.Kind == ChangeDelete {
		// Drain queued entries for the endpoint, then queue the
		// deletion itself.
		kept := st.order[:0]
		for _, key := range st.order {
			if key.node == c.Node && key.endpoint == c.Endpoint {
				delete(st.pending, key)
				continue
			}
			kept = append(kept, key)
		}
		st.order = kept
		key := behaviorKey{node: c.Node, endpoint: c.Endpoint}
		if _, queued := st.pending[key]; !queued {
			st.order = append(st.order, key)
		}
		entry := c
		st.pending[key] = &entry
		st.arm()
		return
	}

	key := behaviorKey{node: c.Node, endpoint: c.Endpoint, cluster: c.Cluster}

	// Version table: skip updates the consumer already has.
	if seen, ok := st.versions[key]; ok && c.Version != 0 && c.Version <= seen {
		return
	}
	if st.versions[key] == 0 {
		if initial, ok := st.config.InitialVersions[c.Cluster]; ok && c.Version != 0 && c.Version <= initial {
			return
		}
	}

	entry, queued := st.pending[key]
	if !queued {
		copy := c
		st.pending[key] = &copy
		st.order = append(st.order, key)
		st.arm()
		return
	}

	// Union-merge dirty sets; a full update supersedes any partial.
	entry.Version = c.Version
	if c.Full || entry.Full {
		entry.Full = true
		entry.Changes = nil
		return
	}
	for _, name := range c.Changes {
		found := false
		for _, have := range entry.Changes {
			if have == name {
				found = true
				break
			}
		}
		if !found {
			entry.Changes = append(entry.Changes, name)
		}
	}
}

// arm schedules the coalesce flush; caller holds the lock.
func (st *Stream) arm() {
	if st.timer != nil {
		return
	}
	st.timer = time.AfterFunc(st.config.CoalesceInterval, st.flush)
}

func (st *Stream) flush() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.timer = nil
	order := st.order
	pending := st.pending
	st.order = nil
	st.pending = make(map[behaviorKey]*Change)
	for key, entry := range pending {
		if entry.Kind == ChangeUpdate {
			st.versions[key] = entry.Version
		}
	}
	st.mu.Unlock()

	for _, key := range order {
		entry := pending[key]
		if entry == nil {
			continue
		}
		select {
		case st.out <- *entry:
		default:
			// Slow consumer: drop the oldest queued entry.
			select {
			case <-st.out:
			default:
			}
			select {
			case st.out <- *entry:
			default:
			}
		}
	}
}
