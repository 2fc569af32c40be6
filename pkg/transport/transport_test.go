package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestPipe_DeliversBothDirections(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	got0 := make(chan []byte, 1)
	got1 := make(chan []byte, 1)

	m0, err := NewManager(ManagerConfig{
		UDPConn: pipe.Conn0(),
		Handler: func(in *Inbound) { got0 <- in.Data },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m0.Close()

	m1, err := NewManager(ManagerConfig{
		UDPConn: pipe.Conn1(),
		Handler: func(in *Inbound) { got1 <- in.Data },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m1.Close()

	if err := m0.Send([]byte("ping"), UDPPeer(pipe.Addr1())); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-got1:
		if !bytes.Equal(data, []byte("ping")) {
			t.Errorf("data = %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery to endpoint 1")
	}

	if err := m1.Send([]byte("pong"), UDPPeer(pipe.Addr0())); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-got0:
		if !bytes.Equal(data, []byte("pong")) {
			t.Errorf("data = %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery to endpoint 0")
	}
}

func TestManager_RequiresHandler(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err != ErrNoHandler {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
}

func TestManager_UnsupportedKind(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	m, err := NewManager(ManagerConfig{
		UDPConn: pipe.Conn0(),
		Handler: func(*Inbound) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.Send(nil, Peer{Kind: KindBLE}); err != ErrUnsupportedKind {
		t.Errorf("err = %v, want ErrUnsupportedKind", err)
	}
}

func TestKind_Reliable(t *testing.T) {
	if KindUDP.Reliable() {
		t.Error("udp must be unreliable")
	}
	if !KindTCP.Reliable() {
		t.Error("tcp must be reliable")
	}
}
