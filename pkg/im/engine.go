package im

import (
	"context"
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/tlv"
	"github.com/pion/logging"
)

// Limits.
const (
	// DefaultMaxPayload bounds one report chunk.
	DefaultMaxPayload = 1100

	// MaxTimedInterval caps a TimedRequest window (Spec 8.9.2.1).
	MaxTimedInterval = 60 * time.Second

	// interactionTimeout bounds one server-side interaction.
	interactionTimeout = 30 * time.Second
)

// Authorizer maps a session to the calling subject's privileges.
type Authorizer func(sess *session.Secure) *datamodel.Auth

// Engine is the server-side Interaction Model engine. It registers as
// the IM protocol handler and serves read, subscribe, write, invoke
// and timed interactions against the node runtime.
type Engine struct {
	model      *node.Node
	authorize  Authorizer
	maxPayload int
	subs       *subscriptionServer
	reportSink func(*ReportData) bool
	log        logging.LeveledLogger
}

// SetReportHandler installs the client-side sink for pushed
// ReportData exchanges (controller role).
func (e *Engine) SetReportHandler(fn func(*ReportData) bool) {
	e.reportSink = fn
}

// EngineConfig configures the engine.
type EngineConfig struct {
	// Model is the node runtime the engine serves. Required.
	Model *node.Node

	// Authorize maps sessions to subjects; the default grants
	// administer to PASE and CASE sessions.
	Authorize Authorizer

	// MaxPayload bounds a single report chunk.
	MaxPayload int

	// SubscriptionsPerFabric caps server-side subscriptions per
	// fabric.
	SubscriptionsPerFabric int

	LoggerFactory logging.LoggerFactory
}

// NewEngine creates the engine and wires change notifications into
// the subscription server.
func NewEngine(config EngineConfig) *Engine {
	e := &Engine{
		model:      config.Model,
		authorize:  config.Authorize,
		maxPayload: config.MaxPayload,
	}
	if e.maxPayload <= 0 {
		e.maxPayload = DefaultMaxPayload
	}
	if e.authorize == nil {
		e.authorize = DefaultAuthorizer
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("im")
	}
	e.subs = newSubscriptionServer(e, config.SubscriptionsPerFabric)
	if config.Model != nil {
		config.Model.OnChange(e.subs.onChange)
		config.Model.Events().OnAppend(e.subs.onEvent)
	}
	return e
}

// DefaultAuthorizer grants administer to PASE sessions (commissioning)
// and to CASE sessions bound to a fabric.
func DefaultAuthorizer(sess *session.Secure) *datamodel.Auth {
	if sess == nil {
		return nil
	}
	switch sess.Type() {
	case session.TypePASE:
		return &datamodel.Auth{Privilege: datamodel.PrivilegeAdminister}
	case session.TypeCASE:
		return &datamodel.Auth{
			FabricIndex: sess.FabricIndex(),
			SubjectNode: sess.PeerNodeID(),
			Privilege:   datamodel.PrivilegeAdminister,
		}
	}
	return nil
}

// Subscriptions exposes the server subscription table (tests,
// diagnostics).
func (e *Engine) Subscriptions() int { return e.subs.count() }

// Close tears down all server-side subscriptions.
func (e *Engine) Close() { e.subs.close() }

// OnSessionClosed drops subscriptions riding the session.
func (e *Engine) OnSessionClosed(sess *session.Secure) {
	e.subs.dropSession(sess)
}

// HandleExchange serves one inbound IM exchange.
func (e *Engine) HandleExchange(ex *exchange.Exchange, first *exchange.Received) {
	defer ex.Close()
	ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
	defer cancel()

	auth := e.authorize(ex.Session())
	var timedArmed bool
	var timedDeadline time.Time

	msg := first
	for {
		switch Opcode(msg.Header.Opcode) {
		case OpcodeReportData:
			// Pushed subscription report (controller role).
			rd, err := DecodeReportData(msg.Payload)
			if err != nil {
				return
			}
			known := e.reportSink != nil && e.reportSink(rd)
			if !rd.SuppressResponse {
				status := StatusSuccess
				if !known {
					status = StatusInvalidSubscription
				}
				e.sendStatus(ex, status)
			}
			if !rd.MoreChunks {
				return
			}
			next, err := ex.Recv(ctx)
			if err != nil {
				return
			}
			msg = next
			continue

		case OpcodeTimedRequest:
			timeout, err := DecodeTimedRequest(msg.Payload)
			if err != nil || timeout <= 0 || timeout > MaxTimedInterval {
				e.sendStatus(ex, StatusInvalidAction)
				return
			}
			timedArmed = true
			timedDeadline = time.Now().Add(timeout)
			e.sendStatus(ex, StatusSuccess)

			next, err := ex.Recv(ctx)
			if err != nil {
				return
			}
			if time.Now().After(timedDeadline) {
				e.sendStatus(ex, StatusTimeout)
				return
			}
			msg = next
			continue

		case OpcodeReadRequest:
			req, err := DecodeReadRequest(msg.Payload)
			if err != nil {
				e.sendStatus(ex, StatusInvalidAction)
				return
			}
			e.serveRead(ctx, ex, req, auth, nil)
			return

		case OpcodeSubscribeRequest:
			req, err := DecodeSubscribeRequest(msg.Payload)
			if err != nil {
				e.sendStatus(ex, StatusInvalidAction)
				return
			}
			e.subs.serveSubscribe(ctx, ex, req, auth)
			return

		case OpcodeWriteRequest:
			req, err := DecodeWriteRequest(msg.Payload)
			if err != nil {
				e.sendStatus(ex, StatusInvalidAction)
				return
			}
			e.serveWrite(ex, req, auth, timedArmed)
			return

		case OpcodeInvokeRequest:
			req, err := DecodeInvokeRequest(msg.Payload)
			if err != nil {
				e.sendStatus(ex, StatusInvalidAction)
				return
			}
			e.serveInvoke(ctx, ex, req, auth, timedArmed)
			return

		default:
			e.sendStatus(ex, StatusInvalidAction)
			return
		}
	}
}

func (e *Engine) sendStatus(ex *exchange.Exchange, status StatusCode) {
	if err := ex.Send(uint8(OpcodeStatusResponse), EncodeStatusResponse(status), true); err != nil && e.log != nil {
		e.log.Warnf("status response: %v", err)
	}
}

// resolveRead expands paths, applies access control and data-version
// filters, and collects reports.
func (e *Engine) resolveRead(req *ReadRequest, auth *datamodel.Auth) ([]AttributeData, []AttributeStatus, []EventData) {
	var data []AttributeData
	var statuses []AttributeStatus

	filtered := func(path datamodel.ConcreteAttributePath, version datamodel.DataVersion) bool {
		for _, f := range req.VersionFilters {
			if f.Endpoint == path.Endpoint && f.Cluster == path.Cluster && f.Version == version {
				return true
			}
		}
		return false
	}

	for _, p := range req.Attributes {
		matched := false
		e.model.EachCluster(func(ep *node.Endpoint, backing *node.Backing) {
			state := backing.State()
			if !p.WildcardEndpoint && p.Endpoint != ep.Number() {
				return
			}
			if !p.WildcardCluster && p.Cluster != state.ID() {
				return
			}
			ids := state.AttributeIDs()
			ids = append(ids, datamodel.GlobalAttrClusterRevision, datamodel.GlobalAttrFeatureMap)
			for _, id := range ids {
				if !p.WildcardAttribute && p.Attribute != id {
					continue
				}
				matched = true
				cpath := datamodel.ConcreteAttributePath{Endpoint: ep.Number(), Cluster: state.ID(), Attribute: id}
				if filtered(cpath, state.Version()) {
					continue
				}
				d, status := e.readOne(state, id, auth)
				if status != StatusSuccess {
					// Wildcard expansion skips inaccessible paths
					// silently; concrete paths report the status.
					if !p.IsWildcard() {
						statuses = append(statuses, AttributeStatus{Path: cpath, Status: status})
					}
					continue
				}
				data = append(data, AttributeData{Path: cpath, Version: state.Version(), Data: d})
			}
		})
		if !matched && !p.IsWildcard() {
			statuses = append(statuses, AttributeStatus{
				Path:   datamodel.ConcreteAttributePath{Endpoint: p.Endpoint, Cluster: p.Cluster, Attribute: p.Attribute},
				Status: StatusUnsupportedAttribute,
			})
		}
	}

	var events []EventData
	for _, p := range req.Events {
		for _, rec := range e.model.Events().Since(p, req.MinEventNumber) {
			if rec.FabricIndex != 0 && req.FabricFiltered && auth != nil && rec.FabricIndex != auth.FabricIndex {
				continue
			}
			events = append(events, EventData{
				Path:        rec.Path,
				Number:      rec.Number,
				Priority:    rec.Priority,
				EpochMillis: rec.EpochMillis,
				SystemTick:  rec.SystemTick,
				Data:        rec.Payload,
			})
		}
	}
	return data, statuses, events
}

// readOne encodes one attribute value, checking access.
func (e *Engine) readOne(state *datamodel.ClusterState, id datamodel.AttributeID, auth *datamodel.Auth) ([]byte, StatusCode) {
	w := tlv.NewWriter()
	if datamodel.IsGlobalAttribute(id) {
		switch id {
		case datamodel.GlobalAttrAttributeList:
			w.StartArray(tlv.Anonymous())
			for _, a := range state.AttributeIDs() {
				w.PutUint(tlv.Anonymous(), uint64(a))
			}
			w.EndContainer()
		case datamodel.GlobalAttrAcceptedCommandList:
			w.StartArray(tlv.Anonymous())
			for _, c := range state.Schema().Commands {
				w.PutUint(tlv.Anonymous(), uint64(c.ID))
			}
			w.EndContainer()
		case datamodel.GlobalAttrGeneratedCommandList:
			w.StartArray(tlv.Anonymous())
			for _, c := range state.Schema().Commands {
				if c.Response != nil {
					w.PutUint(tlv.Anonymous(), uint64(*c.Response))
				}
			}
			w.EndContainer()
		default:
			v, err := state.ReadGlobal(id)
			if err != nil {
				return nil, StatusFromError(err)
			}
			w.PutUint(tlv.Anonymous(), v.(uint64))
		}
		return append([]byte(nil), w.Bytes()...), StatusSuccess
	}

	schema := state.Schema().Attribute(id)
	if schema == nil {
		return nil, StatusUnsupportedAttribute
	}
	if err := state.CheckAccess(schema, datamodel.OpRead, auth); err != nil {
		return nil, StatusFromError(err)
	}
	v, err := state.Get(id)
	if err != nil {
		return nil, StatusFromError(err)
	}
	if err := datamodel.EncodeValue(w, tlv.Anonymous(), schema, v); err != nil {
		return nil, StatusFromError(err)
	}
	return append([]byte(nil), w.Bytes()...), StatusSuccess
}

// serveRead streams report chunks for a read (or the priming report of
// a subscribe when subID is non-nil).
func (e *Engine) serveRead(ctx context.Context, ex *exchange.Exchange, req *ReadRequest, auth *datamodel.Auth, subID *uint32) {
	if len(req.Attributes) == 0 && len(req.Events) == 0 {
		e.sendStatus(ex, StatusInvalidAction)
		return
	}
	data, statuses, events := e.resolveRead(req, auth)
	e.sendReports(ctx, ex, subID, data, statuses, events, subID == nil)
}

// sendReports chunks reports under maxPayload; each chunk but the last
// sets moreChunkedMessages and awaits a StatusResponse.
func (e *Engine) sendReports(ctx context.Context, ex *exchange.Exchange, subID *uint32, data []AttributeData, statuses []AttributeStatus, events []EventData, suppressFinal bool) bool {
	for {
		chunk := &ReportData{}
		if subID != nil {
			chunk.SubscriptionID = *subID
			chunk.HasSubscriptionID = true
		}
		budget := e.maxPayload

		for len(statuses) > 0 && budget > 0 {
			chunk.AttributeStatuses = append(chunk.AttributeStatuses, statuses[0])
			budget -= 32
			statuses = statuses[1:]
		}
		for len(data) > 0 {
			cost := len(data[0].Data) + 40
			if cost > budget && len(chunk.Attributes)+len(chunk.AttributeStatuses) > 0 {
				break
			}
			chunk.Attributes = append(chunk.Attributes, data[0])
			budget -= cost
			data = data[1:]
		}
		for len(events) > 0 && budget > 0 {
			cost := len(events[0].Data) + 48
			if cost > budget && (len(chunk.Attributes)+len(chunk.Events)) > 0 {
				break
			}
			chunk.Events = append(chunk.Events, events[0])
			budget -= cost
			events = events[1:]
		}

		chunk.MoreChunks = len(data) > 0 || len(events) > 0 || len(statuses) > 0
		chunk.SuppressResponse = !chunk.MoreChunks && suppressFinal

		if err := ex.Send(uint8(OpcodeReportData), chunk.Encode(), true); err != nil {
			return false
		}
		if chunk.SuppressResponse {
			return true
		}
		resp, err := ex.Recv(ctx)
		if err != nil {
			return false
		}
		if Opcode(resp.Header.Opcode) != OpcodeStatusResponse {
			return false
		}
		if status, err := DecodeStatusResponse(resp.Payload); err != nil || status != StatusSuccess {
			return false
		}
		if !chunk.MoreChunks {
			return true
		}
	}
}

// serveWrite executes an ordered write list under one transaction.
func (e *Engine) serveWrite(ex *exchange.Exchange, req *WriteRequest, auth *datamodel.Auth, timed bool) {
	tx := datamodel.NewTransaction()
	statuses := make([]AttributeStatus, 0, len(req.Writes))
	var touched []*node.Backing
	seen := make(map[*node.Backing]bool)

	peer := atomicPeerFor(ex, auth)

	for _, item := range req.Writes {
		status := e.writeOne(tx, item, auth, timed, peer, &touched, seen)
		statuses = append(statuses, AttributeStatus{Path: item.Path, Status: status})
	}

	// Per-path failures do not abort the rest; only successfully
	// staged paths commit.
	e.model.InteractionBegin(touched, auth)
	tx.Commit()
	e.model.InteractionEnd(touched, true)

	if !req.SuppressResponse {
		if err := ex.Send(uint8(OpcodeWriteResponse), EncodeWriteResponse(statuses), true); err != nil && e.log != nil {
			e.log.Warnf("write response: %v", err)
		}
	}
}

func atomicPeerFor(ex *exchange.Exchange, auth *datamodel.Auth) datamodel.AtomicPeer {
	peer := datamodel.AtomicPeer{}
	if auth != nil {
		peer.FabricIndex = auth.FabricIndex
		peer.NodeID = auth.SubjectNode
	}
	return peer
}

// writeOne stages a single write, translating every failure to a
// per-path status.
func (e *Engine) writeOne(tx *datamodel.Transaction, item WriteItem, auth *datamodel.Auth, timed bool, peer datamodel.AtomicPeer, touched *[]*node.Backing, seen map[*node.Backing]bool) StatusCode {
	ep := e.model.Endpoint(item.Path.Endpoint)
	if ep == nil {
		return StatusUnsupportedEndpoint
	}
	backing := ep.Backing(item.Path.Cluster)
	if backing == nil {
		return StatusUnsupportedCluster
	}
	state := backing.State()
	schema := state.Schema().Attribute(item.Path.Attribute)
	if schema == nil || !state.Supports(item.Path.Attribute) {
		return StatusUnsupportedAttribute
	}
	if schema.Quality.Timed && !timed {
		return StatusNeedsTimedInteraction
	}
	if err := state.CheckAccess(schema, datamodel.OpWrite, auth); err != nil {
		return StatusFromError(err)
	}

	r := tlv.NewReader(item.Data)
	if err := r.Next(); err != nil {
		return StatusInvalidDataType
	}
	v, err := datamodel.DecodeValue(r, schema)
	if err != nil {
		return StatusFromError(err)
	}

	// Atomic attributes only accept writes inside the owning peer's
	// open atomic set.
	if schema.Quality.Atomic {
		coord := atomicCoordinatorOf(backing)
		if coord == nil {
			return StatusInvalidInState
		}
		open, owned := coord.InAtomicSet(peer, item.Path.Attribute)
		if !open {
			return StatusInvalidInState
		}
		if !owned {
			return StatusBusy
		}
		if err := coord.Write(peer, item.Path.Attribute, v); err != nil {
			return StatusFromError(err)
		}
		return StatusSuccess
	}

	if !seen[backing] {
		seen[backing] = true
		*touched = append(*touched, backing)
	}
	if err := tx.Write(state, item.Path.Attribute, v); err != nil {
		return StatusFromError(err)
	}
	return StatusSuccess
}

// AtomicBehavior is implemented by behaviors owning an atomic-write
// coordinator (thermostat presets/schedules).
type AtomicBehavior interface {
	AtomicCoordinator() *datamodel.AtomicCoordinator
}

func atomicCoordinatorOf(backing *node.Backing) *datamodel.AtomicCoordinator {
	if ab, ok := backing.Behavior().(AtomicBehavior); ok {
		return ab.AtomicCoordinator()
	}
	return nil
}

// serveInvoke executes an ordered invoke list.
func (e *Engine) serveInvoke(ctx context.Context, ex *exchange.Exchange, req *InvokeRequest, auth *datamodel.Auth, timed bool) {
	// Multi-invoke requires unique command refs.
	if len(req.Invokes) > 1 {
		refs := make(map[uint16]bool, len(req.Invokes))
		for _, item := range req.Invokes {
			if !item.HasRef || refs[item.Ref] {
				e.sendStatus(ex, StatusInvalidAction)
				return
			}
			refs[item.Ref] = true
		}
	}

	resp := &InvokeResponse{}
	var touched []*node.Backing

	for _, item := range req.Invokes {
		out := InvokeResponseItem{Path: item.Path, Ref: item.Ref, HasRef: item.HasRef}
		status, fields, respID := e.invokeOne(ctx, item, auth, timed, &touched)
		if status == StatusSuccess && respID != nil {
			out.IsData = true
			out.Path.Command = *respID
			out.Fields = fields
		} else {
			out.Status = status
		}
		resp.Responses = append(resp.Responses, out)
	}

	e.model.InteractionEnd(touched, true)

	if !req.SuppressResponse {
		if err := ex.Send(uint8(OpcodeInvokeResponse), resp.Encode(), true); err != nil && e.log != nil {
			e.log.Warnf("invoke response: %v", err)
		}
	}
}

func (e *Engine) invokeOne(ctx context.Context, item InvokeItem, auth *datamodel.Auth, timed bool, touched *[]*node.Backing) (StatusCode, []byte, *datamodel.CommandID) {
	ep := e.model.Endpoint(item.Path.Endpoint)
	if ep == nil {
		return StatusUnsupportedEndpoint, nil, nil
	}
	backing := ep.Backing(item.Path.Cluster)
	if backing == nil {
		return StatusUnsupportedCluster, nil, nil
	}
	schema := backing.State().Schema().Command(item.Path.Command)
	if schema == nil {
		return StatusUnsupportedCommand, nil, nil
	}
	if schema.Timed && !timed {
		return StatusNeedsTimedInteraction, nil, nil
	}
	if auth == nil || (schema.Access.Invoke > 0 && auth.Privilege < schema.Access.Invoke) {
		return StatusUnsupportedAccess, nil, nil
	}

	*touched = append(*touched, backing)
	e.model.InteractionBegin([]*node.Backing{backing}, auth)

	var fieldsReader *tlv.Reader
	if len(item.Fields) > 0 {
		fieldsReader = tlv.NewReader(item.Fields)
		if err := fieldsReader.Next(); err != nil {
			return StatusInvalidCommand, nil, nil
		}
	}
	inv := &node.Invocation{
		Command:  item.Path.Command,
		Fields:   fieldsReader,
		Auth:     auth,
		Timed:    timed,
		Response: tlv.NewWriter(),
	}
	if err := backing.Invoke(ctx, inv); err != nil {
		return StatusFromError(err), nil, nil
	}
	if inv.ResponseID != nil {
		return StatusSuccess, append([]byte(nil), inv.Response.Bytes()...), inv.ResponseID
	}
	return StatusSuccess, nil, nil
}
