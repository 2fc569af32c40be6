package environment

import (
	"errors"
	"testing"
)

type closableService struct {
	closed int
}

func (c *closableService) Close() error {
	c.closed++
	return nil
}

func TestEnvironment_SetGetHasOwns(t *testing.T) {
	root := New("root")
	svc := &closableService{}
	root.Set("storage", svc)

	if !root.Has("storage") || !root.Owns("storage") {
		t.Error("service not visible at root")
	}
	got, err := root.Get("storage")
	if err != nil || got != svc {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := root.Get("missing"); err != ErrUnavailable {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestEnvironment_ChildInheritsAndBlocks(t *testing.T) {
	root := New("root")
	svc := &closableService{}
	root.Set("crypto", svc)
	child := root.NewChild("node")

	if !child.Has("crypto") {
		t.Fatal("child does not inherit")
	}
	if child.Owns("crypto") {
		t.Error("child claims ownership of inherited service")
	}
	got, err := child.Get("crypto")
	if err != nil || got != svc {
		t.Fatalf("Get = %v, %v", got, err)
	}

	// Delete blocks inheritance at the child level only.
	child.Delete("crypto")
	if child.Has("crypto") {
		t.Error("deleted tag still inherited")
	}
	if _, err := child.Get("crypto"); err != ErrUnavailable {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if !root.Has("crypto") {
		t.Error("delete leaked to parent")
	}

	// An explicit Set at the child overrides the block.
	override := &closableService{}
	child.Set("crypto", override)
	if got, _ := child.Get("crypto"); got != override {
		t.Error("override not visible")
	}
}

func TestEnvironment_FactoryConstructsOnce(t *testing.T) {
	root := New("root")
	calls := 0
	root.SetFactory("lazy", func(*Environment) (Service, error) {
		calls++
		return &closableService{}, nil
	})

	a, err := root.Get("lazy")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := root.Get("lazy")
	if a != b {
		t.Error("factory ran twice")
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
}

func TestEnvironment_FactoryError(t *testing.T) {
	root := New("root")
	boom := errors.New("boom")
	root.SetFactory("bad", func(*Environment) (Service, error) { return nil, boom })
	if _, err := root.Get("bad"); err != boom {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestEnvironment_Events(t *testing.T) {
	root := New("root")
	var events []Event
	root.Observe(func(ev Event) { events = append(events, ev) })

	root.Set("a", &closableService{})
	root.CloseService("a")

	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != EventAdded || events[1].Kind != EventDeleted {
		t.Errorf("events = %+v", events)
	}
}

func TestEnvironment_CloseServiceRunsHook(t *testing.T) {
	root := New("root")
	svc := &closableService{}
	root.Set("s", svc)
	if err := root.CloseService("s"); err != nil {
		t.Fatal(err)
	}
	if svc.closed != 1 {
		t.Errorf("closed = %d", svc.closed)
	}
	if root.Has("s") {
		t.Error("service survived CloseService")
	}
}

func TestShared_RefcountedClose(t *testing.T) {
	root := New("root")
	svc := &closableService{}
	root.Set("net", svc)
	shared := NewShared(root)

	c1 := shared.Consumer()
	c2 := shared.Consumer()
	if _, err := c1.Get("net"); err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Get("net"); err != nil {
		t.Fatal(err)
	}
	// Re-acquiring does not double count.
	c1.Get("net")
	if shared.Refcount("net") != 2 {
		t.Errorf("refcount = %d, want 2", shared.Refcount("net"))
	}

	c1.Close()
	if svc.closed != 0 {
		t.Error("service closed while a consumer remains")
	}
	c2.Close()
	if svc.closed != 1 {
		t.Errorf("closed = %d, want 1 after last consumer", svc.closed)
	}
}

func TestVariables_Precedence(t *testing.T) {
	v := NewVariables()
	if err := v.LoadYAML([]byte("mdns:\n  ipv4: \"true\"\n  networkInterface: eth0\nlog:\n  level: debug\n")); err != nil {
		t.Fatal(err)
	}

	if got := v.GetString("mdns.networkinterface", ""); got != "eth0" {
		t.Errorf("file value = %q", got)
	}
	if !v.GetBool("mdns.ipv4", false) {
		t.Error("bool from file")
	}
	if got := v.GetString("log.level", "info"); got != "debug" {
		t.Errorf("log.level = %q", got)
	}

	// Explicit overrides beat the file.
	v.Set("log.level", "warn")
	if got := v.GetString("log.level", ""); got != "warn" {
		t.Errorf("override = %q", got)
	}

	// Defaults apply when unset.
	if got := v.GetInt("mdns.port", 5540); got != 5540 {
		t.Errorf("default = %d", got)
	}
}

func TestVariables_EnvMapping(t *testing.T) {
	t.Setenv("MATTER_LOG_FORMAT", "json")
	v := NewVariables()
	if got := v.GetString("log.format", ""); got != "json" {
		t.Errorf("env value = %q", got)
	}
}
