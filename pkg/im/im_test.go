package im

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/tlv"
	"github.com/embermesh/matter/pkg/transport"
)

// onOffBehavior is a light OnOff server used as the test workload.
type onOffBehavior struct {
	state *datamodel.ClusterState
}

func onOffSchema() *datamodel.ClusterSchema {
	return &datamodel.ClusterSchema{
		ID: 0x0006, Name: "OnOff", Revision: 6,
		Attributes: []datamodel.AttributeSchema{
			{
				ID: 0x0000, Name: "onOff", Kind: datamodel.KindBool,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeOperate},
				Default:     false,
			},
			{
				ID: 0x4242, Name: "guarded", Kind: datamodel.KindUint, Bits: 8,
				Conformance: datamodel.ConformanceMandatory,
				Access:      datamodel.Access{Read: datamodel.PrivilegeView, Write: datamodel.PrivilegeOperate},
				Default:     uint64(0), Quality: datamodel.Quality{Timed: true},
			},
		},
		Commands: []datamodel.CommandSchema{
			{ID: 0x00, Name: "Off", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeOperate}},
			{ID: 0x01, Name: "On", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeOperate}},
			{ID: 0x02, Name: "Toggle", Conformance: datamodel.ConformanceMandatory, Access: datamodel.Access{Invoke: datamodel.PrivilegeOperate}},
		},
	}
}

func newOnOff(t *testing.T) *onOffBehavior {
	t.Helper()
	cs, err := datamodel.NewClusterState(datamodel.ClusterStateConfig{Schema: onOffSchema(), Endpoint: 1})
	if err != nil {
		t.Fatal(err)
	}
	return &onOffBehavior{state: cs}
}

func (b *onOffBehavior) State() *datamodel.ClusterState { return b.state }

func (b *onOffBehavior) Invoke(_ context.Context, inv *node.Invocation) error {
	cur, _ := b.state.Get(0x0000)
	var next bool
	switch inv.Command {
	case 0x00:
		next = false
	case 0x01:
		next = true
	case 0x02:
		next = !cur.(bool)
	default:
		return datamodel.ErrUnsupportedCommand
	}
	tx := datamodel.NewTransaction()
	if err := tx.Write(b.state, 0x0000, next); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// imPair is a wired server/client stack over an in-memory pipe.
type imPair struct {
	model      *node.Node
	behavior   *onOffBehavior
	client     *Client
	clientSess *session.Secure
	serverPeer transport.Peer
	engine     *Engine
}

func newIMPair(t *testing.T) *imPair {
	t.Helper()
	pipe := transport.NewPipe()

	serverSessions := session.NewManager(session.ManagerConfig{})
	clientSessions := session.NewManager(session.ManagerConfig{})

	var serverEx, clientEx *exchange.Manager
	serverTM, err := transport.NewManager(transport.ManagerConfig{
		UDPConn: pipe.Conn0(),
		Handler: func(in *transport.Inbound) { serverEx.OnInbound(in) },
	})
	if err != nil {
		t.Fatal(err)
	}
	clientTM, err := transport.NewManager(transport.ManagerConfig{
		UDPConn: pipe.Conn1(),
		Handler: func(in *transport.Inbound) { clientEx.OnInbound(in) },
	})
	if err != nil {
		t.Fatal(err)
	}
	serverEx = exchange.NewManager(exchange.ManagerConfig{SessionManager: serverSessions, TransportManager: serverTM})
	clientEx = exchange.NewManager(exchange.ManagerConfig{SessionManager: clientSessions, TransportManager: clientTM})

	i2r := bytes.Repeat([]byte{0x11}, 16)
	r2i := bytes.Repeat([]byte{0x22}, 16)
	serverSess, _ := session.NewSecure(session.SecureConfig{
		Type: session.TypePASE, Role: session.RoleResponder,
		LocalSessionID: 2, PeerSessionID: 1, I2RKey: i2r, R2IKey: r2i,
	})
	clientSess, _ := session.NewSecure(session.SecureConfig{
		Type: session.TypePASE, Role: session.RoleInitiator,
		LocalSessionID: 1, PeerSessionID: 2, I2RKey: i2r, R2IKey: r2i,
	})
	serverSessions.Add(serverSess)
	clientSessions.Add(clientSess)

	model := node.New(node.Config{})
	behavior := newOnOff(t)
	ep := node.NewEndpoint(node.EndpointConfig{Number: 1, Name: "light"})
	ep.AddBehavior(behavior, false)
	if err := model.AddEndpoint(context.Background(), ep); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(EngineConfig{Model: model})
	engine.SetExchangeManager(serverEx)
	if err := serverEx.RegisterProtocol(ProtocolID, engine); err != nil {
		t.Fatal(err)
	}

	clientEngine := NewEngine(EngineConfig{Model: node.New(node.Config{})})
	if err := clientEx.RegisterProtocol(ProtocolID, clientEngine); err != nil {
		t.Fatal(err)
	}
	client := NewClient(clientEngine, clientEx)

	t.Cleanup(func() {
		engine.Close()
		clientEngine.Close()
		serverEx.Close()
		clientEx.Close()
		serverTM.Close()
		clientTM.Close()
		pipe.Close()
		model.Close()
	})
	return &imPair{
		model:      model,
		behavior:   behavior,
		client:     client,
		clientSess: clientSess,
		serverPeer: transport.UDPPeer(pipe.Addr0()),
		engine:     engine,
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func boolTLV(v bool) []byte {
	w := tlv.NewWriter()
	w.PutBool(tlv.Anonymous(), v)
	return append([]byte(nil), w.Bytes()...)
}

func TestIM_ReadConcrete(t *testing.T) {
	p := newIMPair(t)

	report, err := p.client.Read(ctxT(t), p.clientSess, p.serverPeer, &ReadRequest{
		Attributes: []datamodel.AttributePath{{Endpoint: 1, Cluster: 0x0006, Attribute: 0x0000}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Attributes) != 1 {
		t.Fatalf("attributes = %d, want 1", len(report.Attributes))
	}
	a := report.Attributes[0]
	if a.Path.Attribute != 0 {
		t.Errorf("path = %v", a.Path)
	}
	r := tlv.NewReader(a.Data)
	r.Next()
	if v, _ := r.Bool(); v != false {
		t.Errorf("onOff = %v, want false", v)
	}
}

func TestIM_ReadWildcardExpands(t *testing.T) {
	p := newIMPair(t)

	report, err := p.client.Read(ctxT(t), p.clientSess, p.serverPeer, &ReadRequest{
		Attributes: []datamodel.AttributePath{{
			Endpoint: 1, WildcardCluster: true, WildcardAttribute: true,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// onOff + guarded + the two scalar globals at minimum.
	if len(report.Attributes) < 4 {
		t.Errorf("attributes = %d, want >= 4", len(report.Attributes))
	}
}

func TestIM_ReadUnsupportedPathStatus(t *testing.T) {
	p := newIMPair(t)

	report, err := p.client.Read(ctxT(t), p.clientSess, p.serverPeer, &ReadRequest{
		Attributes: []datamodel.AttributePath{{Endpoint: 9, Cluster: 0x0006, Attribute: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.AttributeStatuses) != 1 {
		t.Fatalf("statuses = %+v", report.AttributeStatuses)
	}
	if report.AttributeStatuses[0].Status != StatusUnsupportedAttribute {
		t.Errorf("status = %v", report.AttributeStatuses[0].Status)
	}
}

func TestIM_DataVersionFilterElides(t *testing.T) {
	p := newIMPair(t)
	version := p.behavior.state.Version()

	report, err := p.client.Read(ctxT(t), p.clientSess, p.serverPeer, &ReadRequest{
		Attributes: []datamodel.AttributePath{{Endpoint: 1, Cluster: 0x0006, WildcardAttribute: true}},
		VersionFilters: []DataVersionFilter{{
			Endpoint: 1, Cluster: 0x0006, Version: version,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Attributes) != 0 {
		t.Errorf("attributes = %d, want 0 (filter matches current version)", len(report.Attributes))
	}
}

func TestIM_WriteAndPerPathStatus(t *testing.T) {
	p := newIMPair(t)

	statuses, err := p.client.Write(ctxT(t), p.clientSess, p.serverPeer, []WriteItem{
		{Path: datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: 0x0006, Attribute: 0}, Data: boolTLV(true)},
		{Path: datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: 0x0006, Attribute: 0x9999}, Data: boolTLV(true)},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d", len(statuses))
	}
	if statuses[0].Status != StatusSuccess {
		t.Errorf("first status = %v", statuses[0].Status)
	}
	if statuses[1].Status != StatusUnsupportedAttribute {
		t.Errorf("second status = %v", statuses[1].Status)
	}
	// The valid write committed despite the failing one.
	if v, _ := p.behavior.state.Get(0); v != true {
		t.Error("write did not commit")
	}
}

func TestIM_TimedWriteGating(t *testing.T) {
	p := newIMPair(t)
	path := datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: 0x0006, Attribute: 0x4242}
	u8 := func(v uint64) []byte {
		w := tlv.NewWriter()
		w.PutUint(tlv.Anonymous(), v)
		return append([]byte(nil), w.Bytes()...)
	}

	// Untimed write to a timed attribute fails per path.
	statuses, err := p.client.Write(ctxT(t), p.clientSess, p.serverPeer, []WriteItem{{Path: path, Data: u8(5)}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if statuses[0].Status != StatusNeedsTimedInteraction {
		t.Errorf("status = %v, want NeedsTimedInteraction", statuses[0].Status)
	}

	// With a TimedRequest preamble it succeeds.
	statuses, err = p.client.Write(ctxT(t), p.clientSess, p.serverPeer, []WriteItem{{Path: path, Data: u8(5)}}, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if statuses[0].Status != StatusSuccess {
		t.Errorf("timed status = %v", statuses[0].Status)
	}
	if v, _ := p.behavior.state.Get(0x4242); v != uint64(5) {
		t.Error("timed write did not commit")
	}
}

func TestIM_InvokeToggle(t *testing.T) {
	p := newIMPair(t)

	resp, err := p.client.Invoke(ctxT(t), p.clientSess, p.serverPeer, []InvokeItem{{
		Path: datamodel.ConcreteCommandPath{Endpoint: 1, Cluster: 0x0006, Command: 0x02},
	}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Responses) != 1 || resp.Responses[0].Status != StatusSuccess {
		t.Fatalf("responses = %+v", resp.Responses)
	}
	if v, _ := p.behavior.state.Get(0); v != true {
		t.Error("toggle did not flip onOff")
	}
}

func TestIM_MultiInvokeNeedsUniqueRefs(t *testing.T) {
	p := newIMPair(t)

	_, err := p.client.Invoke(ctxT(t), p.clientSess, p.serverPeer, []InvokeItem{
		{Path: datamodel.ConcreteCommandPath{Endpoint: 1, Cluster: 0x0006, Command: 0x01}, Ref: 1, HasRef: true},
		{Path: datamodel.ConcreteCommandPath{Endpoint: 1, Cluster: 0x0006, Command: 0x00}, Ref: 1, HasRef: true},
	}, 0)
	var se *StatusError
	if err == nil {
		t.Fatal("duplicate refs accepted")
	}
	if !asStatus(err, &se) || se.Status != StatusInvalidAction {
		t.Errorf("err = %v, want InvalidAction", err)
	}
}

func asStatus(err error, out **StatusError) bool {
	se, ok := err.(*StatusError)
	if ok {
		*out = se
	}
	return ok
}

func TestIM_SubscribeDeliversChange(t *testing.T) {
	p := newIMPair(t)

	reports := make(chan *ReportData, 4)
	sub, priming, err := p.client.Subscribe(ctxT(t), p.clientSess, p.serverPeer, SubscribeOptions{
		Request: &SubscribeRequest{
			ReadRequest: ReadRequest{
				Attributes: []datamodel.AttributePath{{Endpoint: 1, Cluster: 0x0006, WildcardAttribute: true}},
			},
			MinInterval: 0,
			MaxInterval: 30 * time.Second,
		},
		OnReport: func(rd *ReportData) { reports <- rd },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if len(priming.Attributes) == 0 {
		t.Error("priming report empty")
	}
	if p.engine.Subscriptions() != 1 {
		t.Errorf("server subscriptions = %d", p.engine.Subscriptions())
	}

	// Mutate: the subscription must deliver the change within ~1s.
	tx := datamodel.NewTransaction()
	tx.Write(p.behavior.state, 0, true)
	tx.Commit()

	select {
	case rd := <-reports:
		if rd.SubscriptionID != sub.ID {
			t.Errorf("subscription id = %d, want %d", rd.SubscriptionID, sub.ID)
		}
		found := false
		for _, a := range rd.Attributes {
			if a.Path.Attribute == 0 {
				r := tlv.NewReader(a.Data)
				r.Next()
				if v, _ := r.Bool(); v {
					found = true
				}
			}
		}
		if !found {
			t.Errorf("change report missing onOff=true: %+v", rd.Attributes)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change report delivered")
	}
}

func TestIM_SubscribeZeroPathsRejected(t *testing.T) {
	p := newIMPair(t)

	_, _, err := p.client.Subscribe(ctxT(t), p.clientSess, p.serverPeer, SubscribeOptions{
		Request: &SubscribeRequest{MinInterval: time.Second, MaxInterval: 10 * time.Second},
	})
	var se *StatusError
	if err == nil || !asStatus(err, &se) || se.Status != StatusInvalidAction {
		t.Errorf("err = %v, want InvalidAction", err)
	}
}

func TestCodec_ReadRequestRoundTrip(t *testing.T) {
	in := &ReadRequest{
		Attributes: []datamodel.AttributePath{
			{Endpoint: 1, Cluster: 6, Attribute: 0},
			{WildcardEndpoint: true, Cluster: 0x1D, WildcardAttribute: true},
		},
		FabricFiltered: true,
		VersionFilters: []DataVersionFilter{{Endpoint: 1, Cluster: 6, Version: 99}},
	}
	out, err := DecodeReadRequest(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Attributes) != 2 || !out.FabricFiltered || len(out.VersionFilters) != 1 {
		t.Errorf("decoded = %+v", out)
	}
	if out.Attributes[1].Cluster != 0x1D || !out.Attributes[1].WildcardEndpoint {
		t.Errorf("wildcard path = %+v", out.Attributes[1])
	}
	if out.VersionFilters[0].Version != 99 {
		t.Errorf("filter = %+v", out.VersionFilters[0])
	}
}

func TestCodec_ReportDataRoundTrip(t *testing.T) {
	in := &ReportData{
		SubscriptionID:    7,
		HasSubscriptionID: true,
		Attributes: []AttributeData{{
			Path:    datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: 6, Attribute: 0},
			Version: 3,
			Data:    boolTLV(true),
		}},
		AttributeStatuses: []AttributeStatus{{
			Path:   datamodel.ConcreteAttributePath{Endpoint: 2, Cluster: 6, Attribute: 1},
			Status: StatusUnsupportedAttribute,
		}},
		Events: []EventData{{
			Path:     datamodel.ConcreteEventPath{Endpoint: 1, Cluster: 6, Event: 0},
			Number:   42,
			Priority: datamodel.PriorityCritical,
		}},
		MoreChunks: true,
	}
	out, err := DecodeReportData(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !out.HasSubscriptionID || out.SubscriptionID != 7 || !out.MoreChunks {
		t.Errorf("header = %+v", out)
	}
	if len(out.Attributes) != 1 || out.Attributes[0].Version != 3 {
		t.Errorf("attributes = %+v", out.Attributes)
	}
	if !bytes.Equal(out.Attributes[0].Data, boolTLV(true)) {
		t.Errorf("data = %x", out.Attributes[0].Data)
	}
	if len(out.AttributeStatuses) != 1 || out.AttributeStatuses[0].Status != StatusUnsupportedAttribute {
		t.Errorf("statuses = %+v", out.AttributeStatuses)
	}
	if len(out.Events) != 1 || out.Events[0].Number != 42 {
		t.Errorf("events = %+v", out.Events)
	}
}
