package statestream

import (
	"context"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
)

func update(endpoint datamodel.EndpointID, cluster datamodel.ClusterID, version datamodel.DataVersion, names ...string) Change {
	return Change{
		Kind:     ChangeUpdate,
		Endpoint: endpoint,
		Cluster:  cluster,
		Version:  version,
		Changes:  names,
	}
}

func recv(t *testing.T, st *Stream) Change {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := st.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestStream_CoalescesPerBehavior(t *testing.T) {
	svc := NewService(ServiceConfig{})
	st := NewStream(svc, StreamConfig{CoalesceInterval: 50 * time.Millisecond})
	defer st.Close()

	// Two rapid updates to the same behavior coalesce into one entry
	// with a union-merged property set.
	svc.publish(update(1, 6, 10, "onOff"))
	svc.publish(update(1, 6, 11, "onTime"))

	c := recv(t, st)
	if c.Endpoint != 1 || c.Cluster != 6 {
		t.Fatalf("change = %+v", c)
	}
	if c.Version != 11 {
		t.Errorf("version = %d, want 11", c.Version)
	}
	if len(c.Changes) != 2 {
		t.Errorf("changes = %v, want union of both", c.Changes)
	}

	// No second entry was queued.
	select {
	case extra := <-st.C():
		t.Fatalf("unexpected extra change %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStream_FullSupersedesPartial(t *testing.T) {
	svc := NewService(ServiceConfig{})
	st := NewStream(svc, StreamConfig{CoalesceInterval: 50 * time.Millisecond})
	defer st.Close()

	svc.publish(update(1, 6, 1, "onOff"))
	full := update(1, 6, 2)
	full.Full = true
	svc.publish(full)
	svc.publish(update(1, 6, 3, "onTime"))

	c := recv(t, st)
	if !c.Full {
		t.Error("full update lost")
	}
	if len(c.Changes) != 0 {
		t.Errorf("changes = %v, want none on full update", c.Changes)
	}
}

func TestStream_DeleteDrainsEndpoint(t *testing.T) {
	svc := NewService(ServiceConfig{})
	st := NewStream(svc, StreamConfig{CoalesceInterval: 50 * time.Millisecond})
	defer st.Close()

	svc.publish(update(2, 6, 1, "onOff"))
	svc.publish(update(2, 0x1D, 1, "partsList"))
	svc.publish(Change{Kind: ChangeDelete, Endpoint: 2})

	c := recv(t, st)
	if c.Kind != ChangeDelete || c.Endpoint != 2 {
		t.Fatalf("change = %+v, want deletion only", c)
	}
	select {
	case extra := <-st.C():
		t.Fatalf("queued update survived deletion: %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStream_ClusterFilter(t *testing.T) {
	svc := NewService(ServiceConfig{})
	st := NewStream(svc, StreamConfig{
		Clusters:         []datamodel.ClusterID{0x0006},
		CoalesceInterval: 30 * time.Millisecond,
	})
	defer st.Close()

	svc.publish(update(1, 0x001D, 1, "partsList"))
	svc.publish(update(1, 0x0006, 1, "onOff"))

	c := recv(t, st)
	if c.Cluster != 0x0006 {
		t.Errorf("cluster = %04X, want filtered to 0006", uint32(c.Cluster))
	}
}

func TestStream_InitialVersionTableSkipsStale(t *testing.T) {
	svc := NewService(ServiceConfig{})
	st := NewStream(svc, StreamConfig{
		InitialVersions:  map[datamodel.ClusterID]datamodel.DataVersion{6: 10},
		CoalesceInterval: 30 * time.Millisecond,
	})
	defer st.Close()

	svc.publish(update(1, 6, 9, "stale"))
	svc.publish(update(1, 6, 11, "fresh"))

	c := recv(t, st)
	if c.Version != 11 || len(c.Changes) != 1 || c.Changes[0] != "fresh" {
		t.Errorf("change = %+v, want only the fresh update", c)
	}
}

func TestStream_SeparateBehaviorsSeparateEntries(t *testing.T) {
	svc := NewService(ServiceConfig{})
	st := NewStream(svc, StreamConfig{CoalesceInterval: 50 * time.Millisecond})
	defer st.Close()

	svc.publish(update(1, 6, 1, "a"))
	svc.publish(update(2, 6, 1, "b"))

	first := recv(t, st)
	second := recv(t, st)
	if first.Endpoint == second.Endpoint {
		t.Errorf("entries not separated: %+v / %+v", first, second)
	}
}
