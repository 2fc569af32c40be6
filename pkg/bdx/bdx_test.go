package bdx

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/exchange"
	"github.com/embermesh/matter/pkg/session"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/embermesh/matter/pkg/transport"
)

// harness wires a provider (server) and requestor (client) over a
// pipe.
type harness struct {
	store     *ScopedStorage
	requestor *exchange.Manager
	provider  *exchange.Manager
	peer      transport.Peer
	server    *Server
}

func newHarness(t *testing.T, cfg ServerConfig) *harness {
	t.Helper()
	pipe := transport.NewPipe()

	var provEx, reqEx *exchange.Manager
	provTM, err := transport.NewManager(transport.ManagerConfig{
		UDPConn: pipe.Conn0(),
		Handler: func(in *transport.Inbound) { provEx.OnInbound(in) },
	})
	if err != nil {
		t.Fatal(err)
	}
	reqTM, err := transport.NewManager(transport.ManagerConfig{
		UDPConn: pipe.Conn1(),
		Handler: func(in *transport.Inbound) { reqEx.OnInbound(in) },
	})
	if err != nil {
		t.Fatal(err)
	}
	provEx = exchange.NewManager(exchange.ManagerConfig{
		SessionManager:   session.NewManager(session.ManagerConfig{}),
		TransportManager: provTM,
	})
	reqEx = exchange.NewManager(exchange.ManagerConfig{
		SessionManager:   session.NewManager(session.ManagerConfig{}),
		TransportManager: reqTM,
	})

	if cfg.Storage == nil {
		cfg.Storage = NewScopedStorage(storage.NewMemory(), "ota")
	}
	server := NewServer(cfg)
	if err := provEx.RegisterProtocol(ProtocolID, server); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		provEx.Close()
		reqEx.Close()
		provTM.Close()
		reqTM.Close()
		pipe.Close()
	})
	return &harness{
		store:     cfg.Storage,
		requestor: reqEx,
		provider:  provEx,
		peer:      transport.UDPPeer(pipe.Addr0()),
		server:    server,
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDownload_ReceiverDrive(t *testing.T) {
	h := newHarness(t, ServerConfig{PreferredModes: []DriverMode{ReceiverDrive}})
	payload := bytes.Repeat([]byte{0xAB}, 256)
	h.store.Store("ota/image-1", payload)

	var states []ProgressState
	ex, err := h.requestor.NewUnsecuredExchange(h.peer, ProtocolID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Download(ctxT(t), ex, DownloadOptions{
		FileDesignator: "ota/image-1",
		MaxBlockSize:   32,
		DriverModes:    []DriverMode{ReceiverDrive},
		Progress:       func(p Progress) { states = append(states, p.State) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %d bytes", len(got))
	}
	if states[0] != StateQuerying || states[len(states)-1] != StateDone {
		t.Errorf("progress states = %v", states)
	}
}

func TestDownload_SenderDrive(t *testing.T) {
	h := newHarness(t, ServerConfig{PreferredModes: []DriverMode{SenderDrive}})
	payload := bytes.Repeat([]byte{0x5C}, 100)
	h.store.Store("ota/fw", payload)

	ex, _ := h.requestor.NewUnsecuredExchange(h.peer, ProtocolID)
	got, err := Download(ctxT(t), ex, DownloadOptions{
		FileDesignator: "ota/fw",
		MaxBlockSize:   48,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestDownload_UnknownDesignator(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	ex, _ := h.requestor.NewUnsecuredExchange(h.peer, ProtocolID)
	_, err := Download(ctxT(t), ex, DownloadOptions{FileDesignator: "ota/missing"})
	var se *StatusError
	if err == nil || !errorsAs(err, &se) || se.Code != StatusFileDesignatorUnknown {
		t.Fatalf("err = %v, want FileDesignatorUnknown", err)
	}
}

func errorsAs(err error, out **StatusError) bool {
	se, ok := err.(*StatusError)
	if ok {
		*out = se
	}
	return ok
}

func TestUpload_RoundTrip(t *testing.T) {
	h := newHarness(t, ServerConfig{PreferredModes: []DriverMode{SenderDrive}})
	payload := bytes.Repeat([]byte{0x77}, 300)

	ex, _ := h.requestor.NewUnsecuredExchange(h.peer, ProtocolID)
	if err := Upload(ctxT(t), ex, "ota/pushed", payload, 64, nil); err != nil {
		t.Fatal(err)
	}

	stored, err := h.store.Resolve("ota/pushed")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, payload) {
		t.Fatal("stored payload mismatch")
	}
}

func TestNegotiate_AsyncRejected(t *testing.T) {
	s := NewServer(ServerConfig{Storage: NewScopedStorage(storage.NewMemory(), "ota")})
	_, serr := s.negotiate(&Init{Version: 1, Async: true, ReceiverDrive: true})
	if serr == nil || serr.Code != StatusMethodNotSupported {
		t.Errorf("serr = %v, want TransferMethodNotSupported", serr)
	}
}

func TestNegotiate_PrefersResponderOrder(t *testing.T) {
	s := NewServer(ServerConfig{
		Storage:        NewScopedStorage(storage.NewMemory(), "ota"),
		PreferredModes: []DriverMode{SenderDrive, ReceiverDrive},
	})
	mode, serr := s.negotiate(&Init{Version: 1, SenderDrive: true, ReceiverDrive: true})
	if serr != nil || mode != SenderDrive {
		t.Errorf("mode = %v, serr = %v", mode, serr)
	}
	mode, serr = s.negotiate(&Init{Version: 1, ReceiverDrive: true})
	if serr != nil || mode != ReceiverDrive {
		t.Errorf("fallback mode = %v, serr = %v", mode, serr)
	}
}

func TestScopedStorage_RejectsForeignScope(t *testing.T) {
	s := NewScopedStorage(storage.NewMemory(), "ota")
	if err := s.Store("logs/dump", nil); err != ErrBadDesignator {
		t.Errorf("err = %v, want ErrBadDesignator", err)
	}
	if _, err := s.Resolve("ota"); err != ErrBadDesignator {
		t.Errorf("bare scope err = %v", err)
	}
}

func TestInit_RoundTrip(t *testing.T) {
	in := &Init{
		Version:        1,
		ReceiverDrive:  true,
		MaxBlockSize:   512,
		StartOffset:    100,
		MaxLength:      4096,
		FileDesignator: "ota/image",
	}
	out, err := DecodeInit(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Errorf("decoded = %+v, want %+v", out, in)
	}
}

func TestBlock_CounterSequence(t *testing.T) {
	// Counters from a completed transfer form a contiguous sequence
	// starting at zero.
	h := newHarness(t, ServerConfig{PreferredModes: []DriverMode{ReceiverDrive}})
	payload := bytes.Repeat([]byte{1}, 96)
	h.store.Store("ota/x", payload)

	ex, _ := h.requestor.NewUnsecuredExchange(h.peer, ProtocolID)
	got, err := Download(ctxT(t), ex, DownloadOptions{FileDesignator: "ota/x", MaxBlockSize: 32})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 96 {
		t.Fatalf("len = %d", len(got))
	}
}
