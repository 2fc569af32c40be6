package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Browser abstracts mDNS browsing; zeroconf in production, fakes in
// tests.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfBrowser struct{}

func (zeroconfBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Filter narrows commissionable discovery. Zero fields match
// anything; a discriminator applies only when its Has flag is set.
type Filter struct {
	LongDiscriminator  uint16
	HasLong            bool
	ShortDiscriminator uint8
	HasShort           bool
	VendorID           fabric.VendorID
	ProductID          uint16
	Instance           string
}

// Device is one discovered commissionable or operational node.
type Device struct {
	Instance      string
	Discriminator uint16
	VendorID      fabric.VendorID
	ProductID     uint16
	Port          int
	TXT           map[string]string

	// Addresses are candidate peers, UDP first, IPv6 before IPv4.
	Addresses []transport.Peer
}

// Scanner browses for Matter services.
type Scanner struct {
	browser Browser
	log     logging.LeveledLogger
}

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// Browser overrides the mDNS backend (tests).
	Browser Browser

	LoggerFactory logging.LoggerFactory
}

// NewScanner creates a Scanner.
func NewScanner(config ScannerConfig) *Scanner {
	b := config.Browser
	if b == nil {
		b = zeroconfBrowser{}
	}
	s := &Scanner{browser: b}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("discovery")
	}
	return s
}

// matches applies the filter to a parsed entry.
func (f *Filter) matches(d *Device) bool {
	if f.HasLong && d.Discriminator != f.LongDiscriminator {
		return false
	}
	// The short discriminator is the upper 4 bits of the long one.
	if f.HasShort && uint8(d.Discriminator>>8) != f.ShortDiscriminator {
		return false
	}
	if f.VendorID != 0 && d.VendorID != f.VendorID {
		return false
	}
	if f.ProductID != 0 && d.ProductID != f.ProductID {
		return false
	}
	if f.Instance != "" && !strings.EqualFold(d.Instance, f.Instance) {
		return false
	}
	return true
}

// deviceFromEntry parses a service entry into a Device with sorted
// candidate addresses.
func deviceFromEntry(entry *zeroconf.ServiceEntry) *Device {
	d := &Device{
		Instance: entry.Instance,
		Port:     entry.Port,
		TXT:      parseTXT(entry.Text),
	}
	if v, ok := d.TXT["D"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.Discriminator = uint16(n)
		}
	}
	if v, ok := d.TXT["VP"]; ok {
		parts := strings.SplitN(v, "+", 2)
		if n, err := strconv.Atoi(parts[0]); err == nil {
			d.VendorID = fabric.VendorID(n)
		}
		if len(parts) == 2 {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				d.ProductID = uint16(n)
			}
		}
	}

	// UDP-first ordering; among UDP candidates IPv6 precedes IPv4.
	add := func(ip net.IP) {
		d.Addresses = append(d.Addresses, transport.UDPPeer(&net.UDPAddr{IP: ip, Port: entry.Port}))
	}
	for _, ip := range entry.AddrIPv6 {
		add(ip)
	}
	for _, ip := range entry.AddrIPv4 {
		add(ip)
	}
	return d
}

// DiscoverCommissionable browses for commissionable devices matching
// the filter until the timeout, returning every match seen.
func (s *Scanner) DiscoverCommissionable(ctx context.Context, filter Filter, timeout time.Duration) ([]*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := s.browser.Browse(ctx, ServiceCommissionable, Domain, entries); err != nil {
		return nil, err
	}

	var found []*Device
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return found, nil
			}
			if entry == nil {
				continue
			}
			d := deviceFromEntry(entry)
			if filter.matches(d) {
				found = append(found, d)
			}
		case <-ctx.Done():
			return found, nil
		}
	}
}

// DiscoverFirst waits for the first matching device, failing with
// ErrNotFound at the timeout.
func (s *Scanner) DiscoverFirst(ctx context.Context, filter Filter, timeout time.Duration) (*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := s.browser.Browse(ctx, ServiceCommissionable, Domain, entries); err != nil {
		return nil, err
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNotFound
			}
			if entry == nil {
				continue
			}
			d := deviceFromEntry(entry)
			if filter.matches(d) {
				return d, nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// ResolveOperational looks an operational node up by its instance
// name.
func (s *Scanner) ResolveOperational(ctx context.Context, compressed fabric.CompressedID, nodeID fabric.NodeID, timeout time.Duration) (*Device, error) {
	want := OperationalInstance(compressed, nodeID)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := s.browser.Browse(ctx, ServiceOperational, Domain, entries); err != nil {
		return nil, err
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNotFound
			}
			if entry == nil {
				continue
			}
			if strings.EqualFold(entry.Instance, want) {
				return deviceFromEntry(entry), nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// SortCandidates orders peers UDP-first, IPv6 before IPv4, preserving
// relative order otherwise.
func SortCandidates(peers []transport.Peer) {
	rank := func(p transport.Peer) int {
		if p.Kind != transport.KindUDP {
			return 2
		}
		if addr, ok := p.Addr.(*net.UDPAddr); ok && addr.IP.To4() == nil {
			return 0
		}
		return 1
	}
	sort.SliceStable(peers, func(i, j int) bool { return rank(peers[i]) < rank(peers[j]) })
}
