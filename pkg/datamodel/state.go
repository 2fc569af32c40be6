package datamodel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/embermesh/matter/pkg/tlv"
)

// ChangeListener observes committed attribute changes on one cluster
// instance. Changes from one transaction arrive in a single call.
type ChangeListener func(path ConcreteAttributePath, version DataVersion, names []string)

// ClusterState is the supervised state container for one cluster on
// one endpoint: the compiled element plan plus current values.
type ClusterState struct {
	schema     *ClusterSchema
	endpoint   EndpointID
	featureMap uint32

	mu      sync.RWMutex
	values  map[AttributeID]Value
	version DataVersion

	// knownDefaults caches defaults erased by feature-conditioning so
	// a later re-enabling restores them.
	knownDefaults map[AttributeID]Value

	listeners []ChangeListener
	persist   *storage.Context

	// suppressed collects quieter/changesOmitted attribute ids; the
	// reporting layer consults it.
	suppressed map[AttributeID]bool
}

// ClusterStateConfig configures a cluster state instance.
type ClusterStateConfig struct {
	Schema     *ClusterSchema
	Endpoint   EndpointID
	FeatureMap uint32

	// Storage, when set, is the context nonvolatile attributes are
	// persisted into (nodes/<node>/<endpoint>/<cluster>).
	Storage *storage.Context
}

// NewClusterState compiles the element plan and seeds defaults; the
// data version starts at a random value (Spec 7.10.3).
func NewClusterState(config ClusterStateConfig) (*ClusterState, error) {
	if config.Schema == nil {
		return nil, ErrUnsupportedCluster
	}
	cs := &ClusterState{
		schema:        config.Schema,
		endpoint:      config.Endpoint,
		featureMap:    config.FeatureMap,
		values:        make(map[AttributeID]Value),
		knownDefaults: make(map[AttributeID]Value),
		persist:       config.Storage,
		suppressed:    make(map[AttributeID]bool),
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err == nil {
		cs.version = DataVersion(binary.LittleEndian.Uint32(buf[:]))
	}

	for i := range config.Schema.Attributes {
		attr := &config.Schema.Attributes[i]
		if attr.Quality.Quieter || attr.Quality.ChangesOmitted {
			cs.suppressed[attr.ID] = true
		}
		if !applicable(attr.Conformance, attr.FeatureBit, cs.featureMap) {
			if attr.Default != nil {
				cs.knownDefaults[attr.ID] = attr.Default
			}
			continue
		}
		cs.values[attr.ID] = attr.Default
	}
	if cs.persist != nil {
		if err := cs.restore(); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// Schema returns the cluster schema.
func (cs *ClusterState) Schema() *ClusterSchema { return cs.schema }

// Endpoint returns the owning endpoint id.
func (cs *ClusterState) Endpoint() EndpointID { return cs.endpoint }

// ID returns the cluster id.
func (cs *ClusterState) ID() ClusterID { return cs.schema.ID }

// FeatureMap returns the instance feature map.
func (cs *ClusterState) FeatureMap() uint32 { return cs.featureMap }

// Version returns the current data version.
func (cs *ClusterState) Version() DataVersion {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.version
}

// Path returns the concrete path of an attribute on this instance.
func (cs *ClusterState) Path(attr AttributeID) ConcreteAttributePath {
	return ConcreteAttributePath{Endpoint: cs.endpoint, Cluster: cs.schema.ID, Attribute: attr}
}

// SetFeatureMap re-conditions the attribute set, erasing defaults of
// newly inapplicable attributes (caching them) and restoring cached
// defaults for newly applicable ones.
func (cs *ClusterState) SetFeatureMap(features uint32) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.featureMap = features
	for i := range cs.schema.Attributes {
		attr := &cs.schema.Attributes[i]
		on := applicable(attr.Conformance, attr.FeatureBit, features)
		_, present := cs.values[attr.ID]
		switch {
		case on && !present:
			def := attr.Default
			if cached, ok := cs.knownDefaults[attr.ID]; ok {
				def = cached
				delete(cs.knownDefaults, attr.ID)
			}
			cs.values[attr.ID] = def
		case !on && present:
			if v := cs.values[attr.ID]; v != nil {
				cs.knownDefaults[attr.ID] = v
			}
			delete(cs.values, attr.ID)
		}
	}
}

// Supports reports whether the attribute exists under the current
// feature map (globals always do).
func (cs *ClusterState) Supports(attr AttributeID) bool {
	if IsGlobalAttribute(attr) {
		return true
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.values[attr]
	return ok
}

// Suppressed reports whether the attribute's changes are coalesced
// (quieter) or never reported (changesOmitted).
func (cs *ClusterState) Suppressed(attr AttributeID) bool {
	return cs.suppressed[attr]
}

// ChangesOmitted reports whether the attribute never reports.
func (cs *ClusterState) ChangesOmitted(attr AttributeID) bool {
	if a := cs.schema.Attribute(attr); a != nil {
		return a.Quality.ChangesOmitted
	}
	return false
}

// Get reads the current value of an attribute.
func (cs *ClusterState) Get(attr AttributeID) (Value, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.values[attr]
	if !ok {
		return nil, ErrUnsupportedAttribute
	}
	return v, nil
}

// ReadGlobal serves the global attributes from the compiled plan.
func (cs *ClusterState) ReadGlobal(attr AttributeID) (Value, error) {
	switch attr {
	case GlobalAttrClusterRevision:
		return uint64(cs.schema.Revision), nil
	case GlobalAttrFeatureMap:
		return uint64(cs.featureMap), nil
	}
	return nil, ErrUnsupportedAttribute
}

// AttributeIDs lists supported attributes in schema order.
func (cs *ClusterState) AttributeIDs() []AttributeID {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]AttributeID, 0, len(cs.values))
	for i := range cs.schema.Attributes {
		if _, ok := cs.values[cs.schema.Attributes[i].ID]; ok {
			out = append(out, cs.schema.Attributes[i].ID)
		}
	}
	return out
}

// Subscribe registers a change listener.
func (cs *ClusterState) Subscribe(l ChangeListener) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, l)
}

// apply installs staged values, bumps the version once, persists
// nonvolatile attributes, and notifies listeners. Called by
// Transaction.Commit with validation already done.
func (cs *ClusterState) apply(staged map[AttributeID]Value) DataVersion {
	cs.mu.Lock()
	names := make([]string, 0, len(staged))
	for id, v := range staged {
		cs.values[id] = v
		if a := cs.schema.Attribute(id); a != nil {
			names = append(names, a.Name)
			if a.Quality.Nonvolatile && cs.persist != nil {
				cs.persistAttr(a, v)
			}
		}
	}
	cs.version++
	version := cs.version
	listeners := append([]ChangeListener(nil), cs.listeners...)
	cs.mu.Unlock()

	path := ConcreteAttributePath{Endpoint: cs.endpoint, Cluster: cs.schema.ID}
	for _, l := range listeners {
		l(path, version, names)
	}
	return version
}

// persistAttr writes one nonvolatile value; caller holds the lock.
func (cs *ClusterState) persistAttr(a *AttributeSchema, v Value) {
	w := tlv.NewWriter()
	if err := EncodeValue(w, tlv.Anonymous(), a, v); err != nil {
		return
	}
	cs.persist.Set(a.Name, w.Bytes())
}

// restore loads persisted nonvolatile values over the defaults.
func (cs *ClusterState) restore() error {
	for i := range cs.schema.Attributes {
		a := &cs.schema.Attributes[i]
		if !a.Quality.Nonvolatile {
			continue
		}
		data, ok, err := cs.persist.Get(a.Name)
		if err != nil || !ok {
			continue
		}
		r := tlv.NewReader(data)
		if err := r.Next(); err != nil {
			continue
		}
		v, err := DecodeValue(r, a)
		if err != nil {
			return fmt.Errorf("datamodel: corrupt persisted %s: %w", a.Name, err)
		}
		if _, applicableNow := cs.values[a.ID]; applicableNow {
			cs.values[a.ID] = v
		}
	}
	return nil
}

// CheckAccess verifies the caller privilege and fabric binding for one
// operation kind on an attribute.
func (cs *ClusterState) CheckAccess(attr *AttributeSchema, op AccessOp, auth *Auth) error {
	var need Privilege
	switch op {
	case OpRead:
		need = attr.Access.Read
	case OpWrite:
		need = attr.Access.Write
	}
	if need == 0 {
		if op == OpWrite {
			return ErrReadOnly
		}
		return ErrAccessDenied
	}
	if auth == nil {
		return ErrAccessDenied
	}
	if auth.Privilege < need {
		return ErrAccessDenied
	}
	if attr.Quality.FabricScoped && auth.FabricIndex == 0 {
		return ErrAccessDenied
	}
	return nil
}

// AccessOp is the operation kind for access checks.
type AccessOp uint8

const (
	OpRead AccessOp = iota
	OpWrite
	OpInvoke
)

// Auth describes the calling subject for access control.
type Auth struct {
	FabricIndex fabric.Index
	SubjectNode fabric.NodeID
	Privilege   Privilege
}
