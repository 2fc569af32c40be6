package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/fabric"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// announceBurst is the initial announcement repeat count.
const announceBurst = 2

// announceRefresh is the periodic re-announcement interval.
const announceRefresh = time.Hour

// Registrar registers mDNS services; zeroconf in production, fakes in
// tests.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (RegisteredService, error)
}

// RegisteredService is one live registration. SetText replaces the TXT
// records and triggers a multicast re-announcement, which is the gate
// the answer policy drives.
type RegisteredService interface {
	SetText(text []string)
	Shutdown()
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (RegisteredService, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// serviceKind distinguishes the two advertisements.
type serviceKind uint8

const (
	kindCommissionable serviceKind = iota
	kindOperational
)

type activeService struct {
	server   RegisteredService
	instance string
	service  string
	generate func() []string
	stopCh   chan struct{}
}

// name is the policy key for this service's records.
func (s *activeService) name() string {
	return s.instance + "." + s.service
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Port to advertise; defaults to 5540.
	Port int

	// Interfaces restricts advertisement; nil means all.
	Interfaces []net.Interface

	// Registrar overrides the mDNS backend (tests).
	Registrar Registrar

	// DisableQueryWatch skips the mDNS query listener that feeds the
	// answer policy (hermetic tests).
	DisableQueryWatch bool

	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes the commissionable and operational DNS-SD
// services. Every announcement passes through the answer policy:
// duplicate-suppressed multicast refreshes, the unicast-response rule
// against observed queries, and truncated-query reassembly. The
// schedule is an initial burst, re-announce on change or query, then
// periodic refresh; QuietAfterConnection reduces it after a peer
// handshake.
type Advertiser struct {
	config    AdvertiserConfig
	registrar Registrar
	policy    *AnswerPolicy
	truncated *TruncationBuffer
	log       logging.LeveledLogger

	mu       sync.Mutex
	services map[serviceKind]*activeService
	watcher  *queryWatcher
	quiet    bool
	closed   bool
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	if config.Port <= 0 || config.Port > 65535 {
		config.Port = DefaultPort
	}
	reg := config.Registrar
	if reg == nil {
		reg = zeroconfRegistrar{}
	}
	a := &Advertiser{
		config:    config,
		registrar: reg,
		policy:    NewAnswerPolicy(recordCacheTTL),
		truncated: NewTruncationBuffer(),
		services:  make(map[serviceKind]*activeService),
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a
}

// Policy exposes the responder answer policy.
func (a *Advertiser) Policy() *AnswerPolicy { return a.policy }

// StartCommissionable begins commissionable advertisement with a
// random instance name.
func (a *Advertiser) StartCommissionable(txt *CommissionableTXT) error {
	if err := txt.Validate(); err != nil {
		return err
	}
	var buf [8]byte
	rand.Read(buf[:])
	instance := hex.EncodeToString(buf[:])
	return a.start(kindCommissionable, instance, ServiceCommissionable, txt.Records)
}

// StartOperational begins operational advertisement for one fabric.
func (a *Advertiser) StartOperational(compressed fabric.CompressedID, nodeID fabric.NodeID, txt *OperationalTXT) error {
	instance := OperationalInstance(compressed, nodeID)
	return a.start(kindOperational, instance, ServiceOperational, txt.Records)
}

func (a *Advertiser) start(kind serviceKind, instance, service string, generate func() []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if _, dup := a.services[kind]; dup {
		return ErrAlreadyAdvertising
	}

	svc := &activeService{
		instance: instance,
		service:  service,
		generate: generate,
		stopCh:   make(chan struct{}),
	}
	// The record cache owns materialisation; a changed generator is
	// picked up after Invalidate.
	a.policy.Invalidate()
	records := a.policy.CachedRecords(svc.name(), generate)

	server, err := a.registrar.Register(instance, service, Domain, a.config.Port, records, a.config.Interfaces)
	if err != nil {
		return err
	}
	svc.server = server
	a.services[kind] = svc

	// Register itself multicasts the first announcement.
	a.policy.RecordMulticast("*", svc.name())

	if a.watcher == nil && !a.config.DisableQueryWatch {
		a.watcher = a.startWatcher()
	}
	go a.announceLoop(svc)
	if a.log != nil {
		a.log.Infof("advertising %s as %q", service, instance)
	}
	return nil
}

// refresh re-announces one service, gated by duplicate suppression.
// It reports whether an announcement actually went out.
func (a *Advertiser) refresh(svc *activeService) bool {
	name := svc.name()
	if !a.policy.ShouldMulticast("*", name) {
		return false
	}
	records := a.policy.CachedRecords(name, svc.generate)
	svc.server.SetText(records)
	a.policy.RecordMulticast("*", name)
	return true
}

// announceLoop runs the announcement schedule: burst, then periodic
// refresh (suppressed while quiet). Every send goes through refresh,
// so the 900 ms duplicate-suppression window applies here too.
func (a *Advertiser) announceLoop(svc *activeService) {
	for i := 0; i < announceBurst; i++ {
		select {
		case <-svc.stopCh:
			return
		case <-time.After(time.Second):
		}
		a.mu.Lock()
		quiet := a.quiet
		a.mu.Unlock()
		if !quiet {
			a.refresh(svc)
		}
	}
	ticker := time.NewTicker(announceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-svc.stopCh:
			return
		case <-ticker.C:
			a.mu.Lock()
			quiet := a.quiet
			a.mu.Unlock()
			if quiet {
				continue
			}
			a.refresh(svc)
		}
	}
}

// QuietAfterConnection reduces the announcement schedule once a peer
// handshake succeeded.
func (a *Advertiser) QuietAfterConnection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quiet = true
}

// StopCommissionable stops commissionable advertisement.
func (a *Advertiser) StopCommissionable() { a.stop(kindCommissionable) }

// StopOperational stops operational advertisement.
func (a *Advertiser) StopOperational() { a.stop(kindOperational) }

func (a *Advertiser) stop(kind serviceKind) {
	a.mu.Lock()
	svc := a.services[kind]
	delete(a.services, kind)
	a.mu.Unlock()
	if svc != nil {
		close(svc.stopCh)
		svc.server.Shutdown()
		a.policy.Invalidate()
	}
}

// Close stops everything.
func (a *Advertiser) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	services := a.services
	a.services = make(map[serviceKind]*activeService)
	watcher := a.watcher
	a.watcher = nil
	a.mu.Unlock()
	for _, svc := range services {
		close(svc.stopCh)
		svc.server.Shutdown()
	}
	if watcher != nil {
		watcher.close()
	}
}
