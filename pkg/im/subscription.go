package im

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/transport"
)

// DefaultSubscriptionsPerFabric caps live subscriptions per fabric;
// the oldest is evicted on overflow.
const DefaultSubscriptionsPerFabric = 3

// serverSubscription is one live server-side subscription.
type serverSubscription struct {
	id     uint32
	req    *SubscribeRequest
	auth   *datamodel.Auth
	sess   *session.Secure
	peer   transport.Peer
	server *subscriptionServer

	created time.Time

	mu          sync.Mutex
	dirty       map[datamodel.ConcreteAttributePath]bool
	eventsQueue []EventData
	signal      chan struct{}
	closeCh     chan struct{}
	closeOnce   sync.Once
}

func (s *serverSubscription) fabricIndex() fabric.Index {
	if s.auth == nil {
		return 0
	}
	return s.auth.FabricIndex
}

// markDirty records a changed cluster path; quieter coalescing falls
// out naturally since the dirty set is per path, not per change.
func (s *serverSubscription) markDirty(endpoint datamodel.EndpointID, cluster datamodel.ClusterID) {
	matched := false
	for _, p := range s.req.Attributes {
		if (p.WildcardEndpoint || p.Endpoint == endpoint) && (p.WildcardCluster || p.Cluster == cluster) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	s.mu.Lock()
	s.dirty[datamodel.ConcreteAttributePath{Endpoint: endpoint, Cluster: cluster}] = true
	s.mu.Unlock()
	s.wake()
}

func (s *serverSubscription) queueEvent(ev EventData) {
	matched := false
	for _, p := range s.req.Events {
		if p.Matches(ev.Path) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	s.mu.Lock()
	s.eventsQueue = append(s.eventsQueue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *serverSubscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *serverSubscription) close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

// run is the subscription pacing loop: at least minInterval between
// reports, a keepalive no later than maxInterval.
func (s *serverSubscription) run() {
	for {
		// Min-interval gate after the previous report.
		select {
		case <-s.closeCh:
			return
		case <-time.After(s.req.MinInterval):
		}

		// Wait for dirt or the max-interval keepalive deadline.
		keepalive := time.NewTimer(s.req.MaxInterval - s.req.MinInterval)
		fire := false
		for !fire {
			s.mu.Lock()
			hasWork := len(s.dirty) > 0 || len(s.eventsQueue) > 0
			s.mu.Unlock()
			if hasWork {
				fire = true
				break
			}
			select {
			case <-s.closeCh:
				keepalive.Stop()
				return
			case <-s.signal:
			case <-keepalive.C:
				fire = true
			}
		}
		keepalive.Stop()

		if !s.server.sendReport(s) {
			s.server.remove(s.id)
			return
		}
	}
}

// subscriptionServer owns the server-side subscription table.
type subscriptionServer struct {
	engine    *Engine
	exchanges *exchange.Manager
	perFabric int

	mu   sync.Mutex
	subs map[uint32]*serverSubscription
}

func newSubscriptionServer(engine *Engine, perFabric int) *subscriptionServer {
	if perFabric <= 0 {
		perFabric = DefaultSubscriptionsPerFabric
	}
	return &subscriptionServer{
		engine:    engine,
		perFabric: perFabric,
		subs:      make(map[uint32]*serverSubscription),
	}
}

// SetExchangeManager wires the manager used for pushed reports.
func (e *Engine) SetExchangeManager(m *exchange.Manager) { e.subs.exchanges = m }

func (ss *subscriptionServer) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.subs)
}

func (ss *subscriptionServer) close() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = make(map[uint32]*serverSubscription)
	ss.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (ss *subscriptionServer) remove(id uint32) {
	ss.mu.Lock()
	s := ss.subs[id]
	delete(ss.subs, id)
	ss.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// dropSession closes subscriptions whose session closed; they hold
// only weak references to it.
func (ss *subscriptionServer) dropSession(sess *session.Secure) {
	ss.mu.Lock()
	var victims []uint32
	for id, s := range ss.subs {
		if s.sess == sess {
			victims = append(victims, id)
		}
	}
	ss.mu.Unlock()
	for _, id := range victims {
		ss.remove(id)
	}
}

// onChange is the node change sink: mark affected subscriptions dirty.
func (ss *subscriptionServer) onChange(c node.Change) {
	if c.Deleted {
		return
	}
	ss.mu.Lock()
	subs := make([]*serverSubscription, 0, len(ss.subs))
	for _, s := range ss.subs {
		subs = append(subs, s)
	}
	ss.mu.Unlock()
	for _, s := range subs {
		s.markDirty(c.Endpoint, c.Cluster)
	}
}

// onEvent queues an appended event on matching subscriptions.
func (ss *subscriptionServer) onEvent(rec datamodel.EventRecord) {
	ev := EventData{
		Path:        rec.Path,
		Number:      rec.Number,
		Priority:    rec.Priority,
		EpochMillis: rec.EpochMillis,
		SystemTick:  rec.SystemTick,
		Data:        rec.Payload,
	}
	ss.mu.Lock()
	subs := make([]*serverSubscription, 0, len(ss.subs))
	for _, s := range ss.subs {
		subs = append(subs, s)
	}
	ss.mu.Unlock()
	for _, s := range subs {
		s.queueEvent(ev)
	}
}

// serveSubscribe handles one SubscribeRequest exchange: response,
// priming report, then registration.
func (ss *subscriptionServer) serveSubscribe(ctx context.Context, ex *exchange.Exchange, req *SubscribeRequest, auth *datamodel.Auth) {
	if len(req.Attributes) == 0 && len(req.Events) == 0 {
		ss.engine.sendStatus(ex, StatusInvalidAction)
		return
	}
	if req.MinInterval <= 0 {
		req.MinInterval = time.Second
	}
	if req.MaxInterval < req.MinInterval {
		req.MaxInterval = req.MinInterval
	}

	sub := &serverSubscription{
		id:      newSubscriptionID(),
		req:     req,
		auth:    auth,
		sess:    ex.Session(),
		peer:    ex.Peer(),
		server:  ss,
		created: time.Now(),
		dirty:   make(map[datamodel.ConcreteAttributePath]bool),
		signal:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	// Enforce the per-fabric quota, evicting the oldest.
	ss.mu.Lock()
	var oldest *serverSubscription
	count := 0
	for _, s := range ss.subs {
		if s.fabricIndex() == sub.fabricIndex() {
			count++
			if oldest == nil || s.created.Before(oldest.created) {
				oldest = s
			}
		}
	}
	ss.mu.Unlock()
	if count >= ss.perFabric && oldest != nil {
		ss.remove(oldest.id)
	}

	if err := ex.Send(uint8(OpcodeSubscribeResponse), EncodeSubscribeResponse(sub.id, req.MaxInterval), true); err != nil {
		return
	}

	// Priming report: the full resolved set, with the client's
	// dataVersionFilters applied.
	data, statuses, events := ss.engine.resolveRead(&req.ReadRequest, auth)
	if !ss.engine.sendReports(ctx, ex, &sub.id, data, statuses, events, false) {
		return
	}

	ss.mu.Lock()
	ss.subs[sub.id] = sub
	ss.mu.Unlock()
	go sub.run()
}

// sendReport pushes one change/keepalive report on a fresh exchange.
func (ss *subscriptionServer) sendReport(s *serverSubscription) bool {
	if ss.exchanges == nil {
		return false
	}
	if s.sess != nil && s.sess.Closed() {
		return false
	}

	s.mu.Lock()
	dirty := s.dirty
	s.dirty = make(map[datamodel.ConcreteAttributePath]bool)
	events := s.eventsQueue
	s.eventsQueue = nil
	s.mu.Unlock()

	// Narrow the subscription's path set to the dirty clusters.
	var req ReadRequest
	for _, p := range s.req.Attributes {
		for cpath := range dirty {
			if (p.WildcardEndpoint || p.Endpoint == cpath.Endpoint) && (p.WildcardCluster || p.Cluster == cpath.Cluster) {
				req.Attributes = append(req.Attributes, datamodel.AttributePath{
					Endpoint:          cpath.Endpoint,
					Cluster:           cpath.Cluster,
					Attribute:         p.Attribute,
					WildcardAttribute: p.WildcardAttribute,
				})
			}
		}
	}

	var data []AttributeData
	var statuses []AttributeStatus
	if len(req.Attributes) > 0 {
		data, statuses, _ = ss.engine.resolveRead(&req, s.auth)
	}

	// changesOmitted attributes never report.
	filtered := data[:0]
	for _, d := range data {
		if backing := ss.engine.model.Cluster(d.Path.Endpoint, d.Path.Cluster); backing != nil {
			if backing.State().ChangesOmitted(d.Path.Attribute) {
				continue
			}
		}
		filtered = append(filtered, d)
	}
	data = filtered

	ex, err := ss.exchanges.NewExchange(s.sess, s.peer, ProtocolID)
	if err != nil {
		return false
	}
	defer ex.Close()

	ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
	defer cancel()
	return ss.engine.sendReports(ctx, ex, &s.id, data, statuses, events, false)
}

func newSubscriptionID() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}
