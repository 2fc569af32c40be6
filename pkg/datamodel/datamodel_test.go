package datamodel

import (
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/storage"
	"github.com/embermesh/matter/pkg/tlv"
)

// testSchema is a small cluster with one of each attribute flavor.
func testSchema() *ClusterSchema {
	return &ClusterSchema{
		ID:       0x0006,
		Name:     "OnOff",
		Revision: 6,
		Attributes: []AttributeSchema{
			{
				ID: 0x0000, Name: "onOff", Kind: KindBool,
				Conformance: ConformanceMandatory,
				Access:      Access{Read: PrivilegeView, Write: PrivilegeOperate},
				Default:     false, Quality: Quality{Nonvolatile: true},
			},
			{
				ID: 0x4001, Name: "onTime", Kind: KindUint, Bits: 16,
				Conformance: ConformanceConditional, FeatureBit: 0,
				Access:  Access{Read: PrivilegeView, Write: PrivilegeOperate},
				Default: uint64(0), Quality: Quality{Nullable: true},
			},
			{
				ID: 0x4003, Name: "startUpOnOff", Kind: KindEnum, Bits: 8,
				Conformance: ConformanceMandatory,
				Access:      Access{Read: PrivilegeView, Write: PrivilegeOperate},
				Default:     uint64(0), HasRange: true, Min: 0, Max: 2,
			},
			{
				ID: 0xF000, Name: "label", Kind: KindString, MaxLength: 8,
				Conformance: ConformanceMandatory,
				Access:      Access{Read: PrivilegeView, Write: PrivilegeManage},
				Default:     "",
			},
			{
				ID: 0xF001, Name: "counter", Kind: KindUint, Bits: 32,
				Conformance: ConformanceMandatory,
				Access:      Access{Read: PrivilegeView},
				Default:     uint64(0), Quality: Quality{ChangesOmitted: true},
			},
		},
	}
}

func newState(t *testing.T, features uint32) *ClusterState {
	t.Helper()
	cs, err := NewClusterState(ClusterStateConfig{Schema: testSchema(), Endpoint: 1, FeatureMap: features})
	if err != nil {
		t.Fatal(err)
	}
	return cs
}

func TestClusterState_DefaultsAfterActivation(t *testing.T) {
	cs := newState(t, 0)

	// Every applicable attribute has its default.
	if v, err := cs.Get(0x0000); err != nil || v != false {
		t.Errorf("onOff = %v, %v", v, err)
	}
	if v, err := cs.Get(0xF000); err != nil || v != "" {
		t.Errorf("label = %v, %v", v, err)
	}
	// Feature-conditioned attribute is absent without the feature.
	if _, err := cs.Get(0x4001); err != ErrUnsupportedAttribute {
		t.Errorf("onTime err = %v, want ErrUnsupportedAttribute", err)
	}

	// With the feature bit set it appears.
	cs2 := newState(t, 1)
	if v, err := cs2.Get(0x4001); err != nil || v != uint64(0) {
		t.Errorf("onTime = %v, %v", v, err)
	}
}

func TestClusterState_KnownDefaultsRestore(t *testing.T) {
	cs := newState(t, 1)
	tx := NewTransaction()
	if err := tx.Write(cs, 0x4001, uint64(30)); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	// Disabling the feature erases the value but caches it.
	cs.SetFeatureMap(0)
	if _, err := cs.Get(0x4001); err != ErrUnsupportedAttribute {
		t.Fatalf("err = %v", err)
	}
	// Re-enabling restores the cached value.
	cs.SetFeatureMap(1)
	if v, _ := cs.Get(0x4001); v != uint64(30) {
		t.Errorf("restored onTime = %v, want 30", v)
	}
}

func TestTransaction_CommitBumpsVersionOnce(t *testing.T) {
	cs := newState(t, 0)
	before := cs.Version()

	tx := NewTransaction()
	if err := tx.Write(cs, 0x0000, true); err != nil {
		t.Fatal(err)
	}
	if err := tx.Write(cs, 0xF000, "den"); err != nil {
		t.Fatal(err)
	}

	// Nothing visible before commit.
	if v, _ := cs.Get(0x0000); v != false {
		t.Error("staged write visible before commit")
	}
	// But visible through the transaction.
	if v, _ := tx.Read(cs, 0x0000); v != true {
		t.Error("transaction does not see its own write")
	}

	tx.Commit()
	if got := cs.Version(); got != before+1 {
		t.Errorf("version = %d, want %d", got, before+1)
	}
	if v, _ := cs.Get(0x0000); v != true {
		t.Error("committed value not visible")
	}
}

func TestTransaction_RollbackKeepsVersion(t *testing.T) {
	cs := newState(t, 0)
	before := cs.Version()

	tx := NewTransaction()
	tx.Write(cs, 0x0000, true)
	tx.Rollback()

	if cs.Version() != before {
		t.Error("rollback bumped the version")
	}
	if v, _ := cs.Get(0x0000); v != false {
		t.Error("rollback leaked a value")
	}
}

func TestTransaction_ListenerSeesChangeSet(t *testing.T) {
	cs := newState(t, 0)
	var gotNames []string
	var calls int
	cs.Subscribe(func(_ ConcreteAttributePath, _ DataVersion, names []string) {
		calls++
		gotNames = names
	})

	tx := NewTransaction()
	tx.Write(cs, 0x0000, true)
	tx.Write(cs, 0xF000, "x")
	tx.Commit()

	if calls != 1 {
		t.Fatalf("listener calls = %d, want 1", calls)
	}
	if len(gotNames) != 2 {
		t.Errorf("changed names = %v", gotNames)
	}
}

func TestValidate_Errors(t *testing.T) {
	cs := newState(t, 1)
	tx := NewTransaction()

	if err := tx.Write(cs, 0x0000, "notabool"); err != ErrInvalidDataType {
		t.Errorf("type: err = %v", err)
	}
	if err := tx.Write(cs, 0x4003, uint64(9)); err != ErrConstraint {
		t.Errorf("constraint: err = %v", err)
	}
	if err := tx.Write(cs, 0xF000, "waytoolongvalue"); err != ErrConstraint {
		t.Errorf("length: err = %v", err)
	}
	if err := tx.Write(cs, 0x9999, true); err != ErrUnsupportedAttribute {
		t.Errorf("unknown: err = %v", err)
	}
	if err := tx.Write(cs, 0xF001, uint64(1)); err != ErrReadOnly {
		t.Errorf("read-only: err = %v", err)
	}
	if err := tx.Write(cs, 0x0000, nil); err != ErrNotNullable {
		t.Errorf("null: err = %v", err)
	}
	if err := tx.Write(cs, 0x4001, nil); err != nil {
		t.Errorf("nullable null: err = %v", err)
	}
}

func TestNullableSentinel_RoundTrip(t *testing.T) {
	schema := &AttributeSchema{
		ID: 1, Name: "n", Kind: KindUint, Bits: 16,
		Quality: Quality{Nullable: true},
	}

	// The base-type max decodes as null.
	w := tlv.NewWriter()
	w.PutUint(tlv.Anonymous(), 0xFFFF)
	r := tlv.NewReader(w.Bytes())
	r.Next()
	v, err := DecodeValue(r, schema)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("value = %v, want null", v)
	}

	// Encoding null emits a TLV null element.
	w2 := tlv.NewWriter()
	if err := EncodeValue(w2, tlv.Anonymous(), schema, nil); err != nil {
		t.Fatal(err)
	}
	r2 := tlv.NewReader(w2.Bytes())
	r2.Next()
	if !r2.IsNull() {
		t.Error("null did not encode as TLV null")
	}

	// Signed: base-type min is the sentinel.
	signed := &AttributeSchema{ID: 2, Name: "s", Kind: KindInt, Bits: 8, Quality: Quality{Nullable: true}}
	w3 := tlv.NewWriter()
	w3.PutInt(tlv.Anonymous(), -128)
	r3 := tlv.NewReader(w3.Bytes())
	r3.Next()
	if v, _ := DecodeValue(r3, signed); v != nil {
		t.Errorf("signed sentinel = %v, want null", v)
	}
}

func TestClusterState_Persistence(t *testing.T) {
	store := storage.NewMemory()
	ctx := storage.NewContext(store, storage.ContextNodes, "1", "1", "6")

	cs, _ := NewClusterState(ClusterStateConfig{Schema: testSchema(), Endpoint: 1, Storage: ctx})
	tx := NewTransaction()
	tx.Write(cs, 0x0000, true)
	tx.Commit()

	// A fresh state over the same storage restores the value.
	cs2, err := NewClusterState(ClusterStateConfig{Schema: testSchema(), Endpoint: 1, Storage: ctx})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := cs2.Get(0x0000); v != true {
		t.Errorf("restored onOff = %v, want true", v)
	}
	// Volatile attributes return to defaults.
	if v, _ := cs2.Get(0xF000); v != "" {
		t.Errorf("restored label = %v, want default", v)
	}
}

func TestEventLog_AppendAndFilter(t *testing.T) {
	log := NewEventLog(4)
	path := ConcreteEventPath{Endpoint: 1, Cluster: 6, Event: 0}

	n1 := log.Append(path, PriorityInfo, 0, []byte{1})
	n2 := log.Append(path, PriorityCritical, 2, []byte{2})
	if n2 != n1+1 {
		t.Errorf("numbers not monotonic: %d, %d", n1, n2)
	}

	got := log.Since(EventPath{WildcardEndpoint: true, WildcardCluster: true, WildcardEvent: true}, n1)
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Number != n1 || got[1].Number != n2 {
		t.Error("events out of order")
	}
	if got[1].FabricIndex != 2 {
		t.Error("fabric index lost")
	}

	// Ring bound evicts oldest per priority.
	for i := 0; i < 10; i++ {
		log.Append(path, PriorityDebug, 0, nil)
	}
	debugOnly := log.Since(EventPath{WildcardEndpoint: true, WildcardCluster: true, WildcardEvent: true}, 0)
	count := 0
	for _, r := range debugOnly {
		if r.Priority == PriorityDebug {
			count++
		}
	}
	if count != 4 {
		t.Errorf("debug ring size = %d, want 4", count)
	}
}

// thermostat-style schema with two atomic attributes.
func atomicSchema() *ClusterSchema {
	return &ClusterSchema{
		ID: 0x0201, Name: "Thermostat", Revision: 7,
		Attributes: []AttributeSchema{
			{
				ID: 0x0050, Name: "presets", Kind: KindBytes,
				Conformance: ConformanceMandatory,
				Access:      Access{Read: PrivilegeView, Write: PrivilegeManage},
				Default:     []byte{}, Quality: Quality{Atomic: true},
			},
			{
				ID: 0x0051, Name: "schedules", Kind: KindBytes,
				Conformance: ConformanceMandatory,
				Access:      Access{Read: PrivilegeView, Write: PrivilegeManage},
				Default:     []byte{}, Quality: Quality{Atomic: true},
			},
			{
				ID: 0x0000, Name: "localTemperature", Kind: KindInt, Bits: 16,
				Conformance: ConformanceMandatory,
				Access:      Access{Read: PrivilegeView},
				Default:     int64(2000), Quality: Quality{Nullable: true},
			},
		},
	}
}

func TestAtomic_CommitAllOrNone(t *testing.T) {
	cs, _ := NewClusterState(ClusterStateConfig{Schema: atomicSchema(), Endpoint: 1})
	var changing, changed int
	coord := NewAtomicCoordinator(cs, AtomicHooks{
		Changing: func(AttributeID, Value) error { changing++; return nil },
		Changed:  func([]AttributeID) { changed++ },
	})
	peer := AtomicPeer{FabricIndex: 1, NodeID: 0x42}
	auth := &Auth{FabricIndex: 1, SubjectNode: 0x42, Privilege: PrivilegeManage}

	statuses, err := coord.Begin(peer, []AttributeID{0x0050, 0x0051}, 9*time.Second, auth)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range statuses {
		if s.Err != nil {
			t.Fatalf("begin status %v: %v", s.Attribute, s.Err)
		}
	}

	if err := coord.Write(peer, 0x0050, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := coord.Write(peer, 0x0051, []byte{2}); err != nil {
		t.Fatal(err)
	}
	changingBefore := changing

	if _, err := coord.Commit(peer); err != nil {
		t.Fatal(err)
	}
	// Changing fires once per staged attribute during commit replay,
	// then Changed once.
	if changing-changingBefore != 2 {
		t.Errorf("changing during commit = %d, want 2", changing-changingBefore)
	}
	if changed != 1 {
		t.Errorf("changed = %d, want 1", changed)
	}
	if v, _ := cs.Get(0x0050); string(v.([]byte)) != "\x01" {
		t.Error("presets not committed")
	}
	if v, _ := cs.Get(0x0051); string(v.([]byte)) != "\x02" {
		t.Error("schedules not committed")
	}
}

func TestAtomic_NonAtomicAttributeRejected(t *testing.T) {
	cs, _ := NewClusterState(ClusterStateConfig{Schema: atomicSchema(), Endpoint: 1})
	coord := NewAtomicCoordinator(cs, AtomicHooks{})
	peer := AtomicPeer{FabricIndex: 1, NodeID: 1}
	auth := &Auth{FabricIndex: 1, Privilege: PrivilegeManage}

	statuses, err := coord.Begin(peer, []AttributeID{0x0000}, time.Second, auth)
	if err != ErrInvalidInState {
		t.Fatalf("err = %v, want ErrInvalidInState", err)
	}
	if len(statuses) != 1 || statuses[0].Err != ErrInvalidInState {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestAtomic_OtherPeerLockedOut(t *testing.T) {
	cs, _ := NewClusterState(ClusterStateConfig{Schema: atomicSchema(), Endpoint: 1})
	coord := NewAtomicCoordinator(cs, AtomicHooks{})
	owner := AtomicPeer{FabricIndex: 1, NodeID: 1}
	other := AtomicPeer{FabricIndex: 1, NodeID: 2}
	auth := &Auth{FabricIndex: 1, Privilege: PrivilegeManage}

	if _, err := coord.Begin(owner, []AttributeID{0x0050}, time.Second, auth); err != nil {
		t.Fatal(err)
	}
	if err := coord.Write(other, 0x0050, []byte{9}); err != ErrBusy {
		t.Errorf("other write err = %v, want ErrBusy", err)
	}
	if _, err := coord.Begin(other, []AttributeID{0x0051}, time.Second, auth); err != ErrBusy {
		t.Errorf("other begin err = %v, want ErrBusy", err)
	}
	if _, err := coord.Commit(other); err != ErrBusy {
		t.Errorf("other commit err = %v, want ErrBusy", err)
	}
}

func TestAtomic_TimeoutRollsBack(t *testing.T) {
	cs, _ := NewClusterState(ClusterStateConfig{Schema: atomicSchema(), Endpoint: 1})
	coord := NewAtomicCoordinator(cs, AtomicHooks{})
	peer := AtomicPeer{FabricIndex: 1, NodeID: 1}
	auth := &Auth{FabricIndex: 1, Privilege: PrivilegeManage}

	if _, err := coord.Begin(peer, []AttributeID{0x0050}, 30*time.Millisecond, auth); err != nil {
		t.Fatal(err)
	}
	if err := coord.Write(peer, 0x0050, []byte{7}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)

	// Commit after expiry finds no open state.
	if _, err := coord.Commit(peer); err != ErrInvalidInState {
		t.Errorf("commit after timeout err = %v, want ErrInvalidInState", err)
	}
	if v, _ := cs.Get(0x0050); len(v.([]byte)) != 0 {
		t.Error("staged value leaked after timeout")
	}
}

func TestAtomic_Rollback(t *testing.T) {
	cs, _ := NewClusterState(ClusterStateConfig{Schema: atomicSchema(), Endpoint: 1})
	coord := NewAtomicCoordinator(cs, AtomicHooks{})
	peer := AtomicPeer{FabricIndex: 1, NodeID: 1}
	auth := &Auth{FabricIndex: 1, Privilege: PrivilegeManage}

	coord.Begin(peer, []AttributeID{0x0050}, time.Second, auth)
	coord.Write(peer, 0x0050, []byte{5})
	if err := coord.Rollback(peer); err != nil {
		t.Fatal(err)
	}
	if v, _ := cs.Get(0x0050); len(v.([]byte)) != 0 {
		t.Error("rollback leaked a value")
	}
	// State is closed; a fresh Begin works.
	if _, err := coord.Begin(peer, []AttributeID{0x0050}, time.Second, auth); err != nil {
		t.Errorf("begin after rollback: %v", err)
	}
}
