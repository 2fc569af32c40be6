package storage

import (
	"bytes"
	"sort"
	"testing"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	if err := s.Set("fabrics/1/label", []byte("home")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("fabrics/2/label", []byte("work")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("bdx/ota/image", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	v, ok, err := s.Get("fabrics/1/label")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(v, []byte("home")) {
		t.Errorf("value = %q, want home", v)
	}

	if _, ok, _ := s.Get("missing"); ok {
		t.Error("Get on missing key returned ok")
	}

	keys, err := s.Keys("fabrics")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "fabrics/1/label" {
		t.Errorf("Keys = %v", keys)
	}

	if err := s.Delete("fabrics/1/label"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("fabrics/1/label"); ok {
		t.Error("key survived Delete")
	}
	if err := s.Delete("fabrics/1/label"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	s, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)
}

func TestFileStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s1, _ := NewFile(dir)
	s1.Set("nodes/1/0/6/onOff", []byte{1})
	s1.Close()

	s2, _ := NewFile(dir)
	v, ok, err := s2.Get("nodes/1/0/6/onOff")
	if err != nil || !ok {
		t.Fatalf("reopen Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(v, []byte{1}) {
		t.Errorf("value = %v", v)
	}
}

func TestContext(t *testing.T) {
	s := NewMemory()
	ctx := NewContext(s, ContextFabrics, "3")

	if err := ctx.SetString("label", "lab"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.SetUint64("nodeId", 77); err != nil {
		t.Fatal(err)
	}

	// Raw keys land under the context prefix.
	if _, ok, _ := s.Get("fabrics/3/label"); !ok {
		t.Error("context did not prefix key")
	}

	v, ok, err := ctx.GetUint64("nodeId")
	if err != nil || !ok || v != 77 {
		t.Errorf("GetUint64 = %d ok=%v err=%v", v, ok, err)
	}

	keys, err := ctx.Keys()
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	want := []string{"label", "nodeId"}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("Keys = %v, want %v", keys, want)
	}

	if err := ctx.Clear(); err != nil {
		t.Fatal(err)
	}
	if keys, _ := ctx.Keys(); len(keys) != 0 {
		t.Errorf("keys after Clear = %v", keys)
	}
}

func TestContext_RejectsBadKey(t *testing.T) {
	ctx := NewContext(NewMemory(), "nodes")
	if err := ctx.Set("", nil); err != ErrBadKey {
		t.Errorf("empty key: err = %v, want ErrBadKey", err)
	}
	if err := ctx.Set("../escape", nil); err != ErrBadKey {
		t.Errorf("dotdot key: err = %v, want ErrBadKey", err)
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	m.Close()
	if err := m.Set("k", nil); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
