package session

import (
	"fmt"
	"sync"

	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/pion/logging"
)

// Manager owns the session table. Exchanges reference sessions through
// it by local session id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint16]*Secure
	nextID   uint16

	resumption *storage.Context
	onClosed   func(*Secure)
	log        logging.LeveledLogger
}

// ManagerConfig configures a session manager.
type ManagerConfig struct {
	// Resumption, when set, is the "sessions/resumption" storage
	// context CASE resumption records are written into.
	Resumption *storage.Context

	// OnSessionClosed fires after a session is removed from the table.
	OnSessionClosed func(*Secure)

	LoggerFactory logging.LoggerFactory
}

// NewManager creates an empty session table.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		sessions:   make(map[uint16]*Secure),
		nextID:     1,
		resumption: config.Resumption,
		onClosed:   config.OnSessionClosed,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("session")
	}
	return m
}

// NextLocalID reserves an unused local session id (non-zero; zero is
// the unsecured session).
func (m *Manager) NextLocalID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < 0xFFFF; i++ {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if _, used := m.sessions[id]; !used && id != 0 {
			return id, nil
		}
	}
	return 0, ErrNoFreeSessionID
}

// Add registers an established session under its local id.
func (m *Manager) Add(s *Secure) {
	m.mu.Lock()
	prev := m.sessions[s.LocalID()]
	m.sessions[s.LocalID()] = s
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	if m.log != nil {
		m.log.Debugf("session %d added (%s, peer=0x%X)", s.LocalID(), s.Type(), uint64(s.PeerNodeID()))
	}
}

// Get returns the session with the given local id.
func (m *Manager) Get(localID uint16) (*Secure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[localID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// FindCASE returns an open CASE session to the given peer, if any.
func (m *Manager) FindCASE(fabricIndex fabric.Index, peer fabric.NodeID) *Secure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Type() == TypeCASE && s.FabricIndex() == fabricIndex && s.PeerNodeID() == peer && !s.Closed() {
			return s
		}
	}
	return nil
}

// Remove closes and drops a session.
func (m *Manager) Remove(localID uint16) {
	m.mu.Lock()
	s, ok := m.sessions[localID]
	delete(m.sessions, localID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	if m.onClosed != nil {
		m.onClosed(s)
	}
	if m.log != nil {
		m.log.Debugf("session %d closed", localID)
	}
}

// RemoveFabric closes every session bound to a fabric (RemoveFabric
// cascade).
func (m *Manager) RemoveFabric(index fabric.Index) {
	m.mu.Lock()
	var victims []*Secure
	for id, s := range m.sessions {
		if s.FabricIndex() == index {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.Close()
		if m.onClosed != nil {
			m.onClosed(s)
		}
	}
}

// RemovePASE closes all PASE sessions (end of commissioning, failsafe
// expiry).
func (m *Manager) RemovePASE() {
	m.mu.Lock()
	var victims []*Secure
	for id, s := range m.sessions {
		if s.Type() == TypePASE {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.Close()
		if m.onClosed != nil {
			m.onClosed(s)
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uint16]*Secure)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
		if m.onClosed != nil {
			m.onClosed(s)
		}
	}
}

// SaveResumption persists a CASE session's resumption record keyed by
// peer node id: fabric index, resumption id, shared secret.
func (m *Manager) SaveResumption(s *Secure) error {
	if m.resumption == nil || s.Type() != TypeCASE {
		return nil
	}
	rec := append([]byte{byte(s.FabricIndex())}, s.ResumptionID()...)
	rec = append(rec, s.SharedSecret()...)
	return m.resumption.Set(s.PeerNodeID().String(), rec)
}

// LoadResumption fetches a stored resumption record for a peer,
// returning the resumption id and shared secret.
func (m *Manager) LoadResumption(peer fabric.NodeID) (id, secret []byte, ok bool) {
	if m.resumption == nil {
		return nil, nil, false
	}
	rec, ok, err := m.resumption.Get(peer.String())
	if err != nil || !ok || len(rec) < 1+ResumptionIDSize {
		return nil, nil, false
	}
	return rec[1 : 1+ResumptionIDSize], rec[1+ResumptionIDSize:], true
}

// FindResumptionByID scans stored records for a peer-offered
// resumption id, returning the secret and peer identity.
func (m *Manager) FindResumptionByID(id []byte) (secret []byte, peer fabric.NodeID, index fabric.Index, ok bool) {
	if m.resumption == nil {
		return nil, 0, 0, false
	}
	keys, err := m.resumption.Keys()
	if err != nil {
		return nil, 0, 0, false
	}
	for _, k := range keys {
		rec, present, err := m.resumption.Get(k)
		if err != nil || !present || len(rec) < 1+ResumptionIDSize {
			continue
		}
		if string(rec[1:1+ResumptionIDSize]) != string(id) {
			continue
		}
		var node uint64
		if _, err := fmt.Sscanf(k, "%016X", &node); err != nil {
			continue
		}
		return rec[1+ResumptionIDSize:], fabric.NodeID(node), fabric.Index(rec[0]), true
	}
	return nil, 0, 0, false
}
