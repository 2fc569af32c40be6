package exchange

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/message"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/transport"
)

// testEnd is one side of an in-memory exchange pair.
type testEnd struct {
	sessions *session.Manager
	mgr      *Manager
	tm       *transport.Manager
}

func newPair(t *testing.T) (*testEnd, *testEnd, *transport.Pipe) {
	t.Helper()
	pipe := transport.NewPipe()

	a := &testEnd{sessions: session.NewManager(session.ManagerConfig{})}
	b := &testEnd{sessions: session.NewManager(session.ManagerConfig{})}

	tmA, err := transport.NewManager(transport.ManagerConfig{
		UDPConn: pipe.Conn0(),
		Handler: func(in *transport.Inbound) { a.mgr.OnInbound(in) },
	})
	if err != nil {
		t.Fatal(err)
	}
	tmB, err := transport.NewManager(transport.ManagerConfig{
		UDPConn: pipe.Conn1(),
		Handler: func(in *transport.Inbound) { b.mgr.OnInbound(in) },
	})
	if err != nil {
		t.Fatal(err)
	}
	a.tm, b.tm = tmA, tmB
	a.mgr = NewManager(ManagerConfig{SessionManager: a.sessions, TransportManager: tmA})
	b.mgr = NewManager(ManagerConfig{SessionManager: b.sessions, TransportManager: tmB})

	t.Cleanup(func() {
		a.mgr.Close()
		b.mgr.Close()
		tmA.Close()
		tmB.Close()
		pipe.Close()
	})
	return a, b, pipe
}

func secureLink(t *testing.T, a, b *testEnd) {
	t.Helper()
	i2r := bytes.Repeat([]byte{1}, 16)
	r2i := bytes.Repeat([]byte{2}, 16)
	sa, err := session.NewSecure(session.SecureConfig{
		Type: session.TypePASE, Role: session.RoleInitiator,
		LocalSessionID: 11, PeerSessionID: 22,
		I2RKey: i2r, R2IKey: r2i,
	})
	if err != nil {
		t.Fatal(err)
	}
	sb, err := session.NewSecure(session.SecureConfig{
		Type: session.TypePASE, Role: session.RoleResponder,
		LocalSessionID: 22, PeerSessionID: 11,
		I2RKey: i2r, R2IKey: r2i,
	})
	if err != nil {
		t.Fatal(err)
	}
	a.sessions.Add(sa)
	b.sessions.Add(sb)
}

func TestExchange_SecureEcho(t *testing.T) {
	a, b, pipe := newPair(t)
	secureLink(t, a, b)

	// B echoes whatever arrives on the IM protocol.
	b.mgr.RegisterProtocol(message.ProtocolInteractionModel, HandlerFunc(func(ex *Exchange, first *Received) {
		ex.Send(first.Header.Opcode+1, first.Payload, true)
	}))

	sa, _ := a.sessions.Get(11)
	ex, err := a.mgr.NewExchange(sa, transport.UDPPeer(pipe.Addr1()), message.ProtocolInteractionModel)
	if err != nil {
		t.Fatal(err)
	}
	defer ex.Close()

	if err := ex.Send(0x02, []byte("read request"), true); err != nil {
		t.Fatal(err)
	}
	got, err := ex.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header.Opcode != 0x03 {
		t.Errorf("opcode = 0x%02X, want 0x03", got.Header.Opcode)
	}
	if !bytes.Equal(got.Payload, []byte("read request")) {
		t.Errorf("payload = %q", got.Payload)
	}
	if !got.Header.AckPresent {
		t.Error("response did not piggyback an ack")
	}
}

func TestExchange_UnsecuredEcho(t *testing.T) {
	a, b, pipe := newPair(t)

	b.mgr.RegisterProtocol(message.ProtocolSecureChannel, HandlerFunc(func(ex *Exchange, first *Received) {
		ex.Send(0x21, []byte("pbkdf response"), false)
	}))

	ex, err := a.mgr.NewUnsecuredExchange(transport.UDPPeer(pipe.Addr1()), message.ProtocolSecureChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer ex.Close()

	if err := ex.Send(0x20, []byte("pbkdf request"), false); err != nil {
		t.Fatal(err)
	}
	got, err := ex.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Payload, []byte("pbkdf response")) {
		t.Errorf("payload = %q", got.Payload)
	}
}

func TestExchange_CloseCancelsRecv(t *testing.T) {
	a, _, pipe := newPair(t)
	ex, err := a.mgr.NewUnsecuredExchange(transport.UDPPeer(pipe.Addr1()), message.ProtocolSecureChannel)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ex.Recv(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ex.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestRetransmitTable_AcksCancel(t *testing.T) {
	rt := newRetransmitTable()
	var resends int
	var mu sync.Mutex

	key := exchangeKey{sessionID: 1, exchangeID: 1}
	err := rt.add(key, 77, []byte("wire"), transport.Peer{Kind: transport.KindUDP}, 10*time.Millisecond,
		func(*retransmitEntry) { mu.Lock(); resends++; mu.Unlock() },
		func(exchangeKey) {})
	if err != nil {
		t.Fatal(err)
	}
	rt.ack(77)
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if resends != 0 {
		t.Errorf("resends = %d after ack, want 0", resends)
	}
}

func TestRetransmitTable_Exhausts(t *testing.T) {
	rt := newRetransmitTable()
	exhausted := make(chan exchangeKey, 1)
	var resends int
	var mu sync.Mutex

	key := exchangeKey{sessionID: 1, exchangeID: 2}
	err := rt.add(key, 5, nil, transport.Peer{Kind: transport.KindUDP}, time.Millisecond,
		func(*retransmitEntry) { mu.Lock(); resends++; mu.Unlock() },
		func(k exchangeKey) { exhausted <- k })
	if err != nil {
		t.Fatal(err)
	}

	select {
	case k := <-exhausted:
		if k != key {
			t.Errorf("key = %v", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never exhausted")
	}
	mu.Lock()
	defer mu.Unlock()
	if resends != MaxRetransmits {
		t.Errorf("resends = %d, want %d", resends, MaxRetransmits)
	}
}

func TestRetransmitTable_OnePerExchange(t *testing.T) {
	rt := newRetransmitTable()
	key := exchangeKey{sessionID: 1, exchangeID: 3}
	noop := func(*retransmitEntry) {}
	gone := func(exchangeKey) {}

	if err := rt.add(key, 1, nil, transport.Peer{}, time.Minute, noop, gone); err != nil {
		t.Fatal(err)
	}
	if err := rt.add(key, 2, nil, transport.Peer{}, time.Minute, noop, gone); err != ErrPendingRetransmit {
		t.Errorf("err = %v, want ErrPendingRetransmit", err)
	}
	rt.close()
}
