// Package acl implements Matter access control (Spec 9.10): per-fabric
// entries granting privileges to subjects over targets, consulted on
// every read, write and invoke.
package acl

import (
	"errors"
	"sync"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/fabric"
)

var (
	// ErrTooManyEntries indicates the per-fabric entry quota.
	ErrTooManyEntries = errors.New("acl: too many entries")

	// ErrTooManySubjects indicates the per-entry subject quota.
	ErrTooManySubjects = errors.New("acl: too many subjects")
)

// Quotas from Spec 9.10.5.
const (
	MaxEntriesPerFabric  = 4
	SubjectsPerEntry     = 4
	TargetsPerEntry      = 3
)

// AuthMode states how the subject was authenticated.
type AuthMode uint8

const (
	AuthModePASE AuthMode = 1
	AuthModeCASE AuthMode = 2
	AuthModeGroup AuthMode = 3
)

// Target scopes an entry to a cluster and/or endpoint; a field whose
// Has flag is false is a wildcard.
type Target struct {
	Cluster  datamodel.ClusterID
	Endpoint datamodel.EndpointID
	HasCluster  bool
	HasEndpoint bool
}

// Entry is one access control row.
type Entry struct {
	FabricIndex fabric.Index
	Privilege   datamodel.Privilege
	AuthMode    AuthMode
	Subjects    []fabric.NodeID // empty = any subject on the fabric
	Targets     []Target        // empty = all targets
}

func (e *Entry) matchesSubject(subject fabric.NodeID) bool {
	if len(e.Subjects) == 0 {
		return true
	}
	for _, s := range e.Subjects {
		if s == subject {
			return true
		}
	}
	return false
}

func (e *Entry) matchesTarget(endpoint datamodel.EndpointID, cluster datamodel.ClusterID) bool {
	if len(e.Targets) == 0 {
		return true
	}
	for _, t := range e.Targets {
		if t.HasCluster && t.Cluster != cluster {
			continue
		}
		if t.HasEndpoint && t.Endpoint != endpoint {
			continue
		}
		return true
	}
	return false
}

// Manager holds the access control list, per fabric.
type Manager struct {
	mu      sync.RWMutex
	entries map[fabric.Index][]Entry
}

// NewManager creates an empty ACL.
func NewManager() *Manager {
	return &Manager{entries: make(map[fabric.Index][]Entry)}
}

// Add appends an entry, enforcing the per-entry subject quota and the
// per-fabric entry quota. The number of targets is not checked.
func (m *Manager) Add(e Entry) error {
	if len(e.Subjects) > SubjectsPerEntry {
		return ErrTooManySubjects
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries[e.FabricIndex]) >= MaxEntriesPerFabric {
		return ErrTooManyEntries
	}
	m.entries[e.FabricIndex] = append(m.entries[e.FabricIndex], e)
	return nil
}

// Entries returns the rows for one fabric.
func (m *Manager) Entries(index fabric.Index) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries[index]...)
}

// RemoveFabric drops all entries of a removed fabric.
func (m *Manager) RemoveFabric(index fabric.Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, index)
}

// GrantedPrivilege returns the highest privilege the subject holds for
// the target, or 0.
func (m *Manager) GrantedPrivilege(index fabric.Index, subject fabric.NodeID, endpoint datamodel.EndpointID, cluster datamodel.ClusterID) datamodel.Privilege {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best datamodel.Privilege
	for _, e := range m.entries[index] {
		if e.AuthMode != AuthModeCASE {
			continue
		}
		if !e.matchesSubject(subject) || !e.matchesTarget(endpoint, cluster) {
			continue
		}
		if e.Privilege > best {
			best = e.Privilege
		}
	}
	return best
}
