package thermostat

import (
	"context"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/tlv"
)

func atomicFields(t *testing.T, reqType datamodel.AtomicRequestType, attrs []datamodel.AttributeID, timeout time.Duration) *tlv.Reader {
	t.Helper()
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(0), uint64(reqType))
	if len(attrs) > 0 {
		w.StartArray(tlv.ContextTag(1))
		for _, a := range attrs {
			w.PutUint(tlv.Anonymous(), uint64(a))
		}
		w.EndContainer()
	}
	if timeout > 0 {
		w.PutUint(tlv.ContextTag(2), uint64(timeout/time.Millisecond))
	}
	w.EndContainer()
	r := tlv.NewReader(w.Bytes())
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	return r
}

func invokeAtomic(t *testing.T, b *Behavior, auth *datamodel.Auth, reqType datamodel.AtomicRequestType, attrs []datamodel.AttributeID, timeout time.Duration) uint8 {
	t.Helper()
	inv := &node.Invocation{
		Command:  CmdAtomicRequest,
		Fields:   atomicFields(t, reqType, attrs, timeout),
		Auth:     auth,
		Timed:    true,
		Response: tlv.NewWriter(),
	}
	if err := b.Invoke(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	if inv.ResponseID == nil || *inv.ResponseID != CmdAtomicResponse {
		t.Fatal("no atomic response")
	}
	r := tlv.NewReader(inv.Response.Bytes())
	r.Next()
	r.EnterContainer()
	var overall uint8 = 0xFF
	for r.Next() == nil {
		if r.Tag().Number() == 0 {
			v, _ := r.Uint()
			overall = uint8(v)
		}
	}
	return overall
}

func manageAuth() *datamodel.Auth {
	return &datamodel.Auth{FabricIndex: 1, SubjectNode: 0x42, Privilege: datamodel.PrivilegeManage}
}

func TestAtomicRequest_BeginWriteCommit(t *testing.T) {
	b, err := New(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	auth := manageAuth()
	peer := datamodel.AtomicPeer{FabricIndex: 1, NodeID: 0x42}

	if got := invokeAtomic(t, b, auth, datamodel.AtomicBegin, []datamodel.AttributeID{AttrPresets, AttrSchedules}, 9*time.Second); got != 0 {
		t.Fatalf("begin status = 0x%02X", got)
	}
	if err := b.coord.Write(peer, AttrPresets, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := b.coord.Write(peer, AttrSchedules, []byte{3}); err != nil {
		t.Fatal(err)
	}
	if got := invokeAtomic(t, b, auth, datamodel.AtomicCommit, nil, 0); got != 0 {
		t.Fatalf("commit status = 0x%02X", got)
	}

	if v, _ := b.State().Get(AttrPresets); string(v.([]byte)) != "\x01\x02" {
		t.Error("presets not committed")
	}
	if v, _ := b.State().Get(AttrSchedules); string(v.([]byte)) != "\x03" {
		t.Error("schedules not committed")
	}
}

func TestAtomicRequest_ExpiredCommitInvalidInState(t *testing.T) {
	b, _ := New(1, nil)
	auth := manageAuth()
	peer := datamodel.AtomicPeer{FabricIndex: 1, NodeID: 0x42}

	invokeAtomic(t, b, auth, datamodel.AtomicBegin, []datamodel.AttributeID{AttrPresets}, 30*time.Millisecond)
	b.coord.Write(peer, AttrPresets, []byte{9})
	time.Sleep(120 * time.Millisecond)

	if got := invokeAtomic(t, b, auth, datamodel.AtomicCommit, nil, 0); got != 0xCB {
		t.Errorf("commit after expiry = 0x%02X, want InvalidInState", got)
	}
	if v, _ := b.State().Get(AttrPresets); len(v.([]byte)) != 0 {
		t.Error("attribute changed after expiry")
	}
}

func TestAtomicRequest_NonAtomicAttributeRejected(t *testing.T) {
	b, _ := New(1, nil)
	if got := invokeAtomic(t, b, manageAuth(), datamodel.AtomicBegin, []datamodel.AttributeID{AttrOccupiedHeating}, time.Second); got == 0 {
		t.Error("begin over a non-atomic attribute succeeded")
	}
}

func TestSetpointRaiseLower(t *testing.T) {
	b, _ := New(1, nil)
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(0), 0)
	w.PutInt(tlv.ContextTag(1), 5) // +0.5 C
	w.EndContainer()
	r := tlv.NewReader(w.Bytes())
	r.Next()

	if err := b.Invoke(context.Background(), &node.Invocation{
		Command: CmdSetpointRaiseLower, Fields: r, Response: tlv.NewWriter(),
	}); err != nil {
		t.Fatal(err)
	}
	if v, _ := b.State().Get(AttrOccupiedHeating); v != int64(2050) {
		t.Errorf("setpoint = %v, want 2050", v)
	}
}
