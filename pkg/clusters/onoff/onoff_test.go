package onoff

import (
	"context"
	"testing"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/storage"
)

func TestBehavior_Commands(t *testing.T) {
	b, err := New(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if b.OnOff() {
		t.Fatal("default is not off")
	}
	if err := b.Invoke(ctx, &node.Invocation{Command: CmdOn}); err != nil {
		t.Fatal(err)
	}
	if !b.OnOff() {
		t.Error("On did not turn on")
	}
	if err := b.Invoke(ctx, &node.Invocation{Command: CmdToggle}); err != nil {
		t.Fatal(err)
	}
	if b.OnOff() {
		t.Error("Toggle did not turn off")
	}
	if err := b.Invoke(ctx, &node.Invocation{Command: CmdOff}); err != nil {
		t.Fatal(err)
	}
	if err := b.Invoke(ctx, &node.Invocation{Command: 0x99}); err != datamodel.ErrUnsupportedCommand {
		t.Errorf("unknown command err = %v", err)
	}
}

func TestBehavior_VersionBumpsOncePerChange(t *testing.T) {
	b, _ := New(1, nil)
	ctx := context.Background()

	before := b.State().Version()
	b.Invoke(ctx, &node.Invocation{Command: CmdOn})
	if b.State().Version() != before+1 {
		t.Error("version did not bump on change")
	}
	// A no-op command leaves the version alone.
	b.Invoke(ctx, &node.Invocation{Command: CmdOn})
	if b.State().Version() != before+1 {
		t.Error("version bumped without a change")
	}
}

func TestBehavior_StartUpOnOff(t *testing.T) {
	store := storage.NewMemory()
	ctxStore := storage.NewContext(store, "nodes", "1", "1", "6")

	b, _ := New(1, ctxStore)
	tx := datamodel.NewTransaction()
	if err := tx.Write(b.State(), AttrStartUpOnOff, uint64(1)); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	// A restarted behavior applies the start-up policy.
	b2, _ := New(1, ctxStore)
	if err := b2.Init(context.Background(), node.NewEndpoint(node.EndpointConfig{Number: 1})); err != nil {
		t.Fatal(err)
	}
	if !b2.OnOff() {
		t.Error("startUpOnOff=1 did not turn the light on")
	}
}
