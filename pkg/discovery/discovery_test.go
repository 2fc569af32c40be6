package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/embermesh/matter/pkg/transport"
	"github.com/grandcat/zeroconf"
)

// fakeRegistrar captures registrations without touching the network.
type fakeRegistrar struct {
	mu       sync.Mutex
	services []fakeService
}

type fakeService struct {
	instance string
	service  string
	txt      []string
	shutdown bool
	setText  int
}

type fakeHandle struct {
	reg *fakeRegistrar
	idx int
}

func (h *fakeHandle) SetText(text []string) {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	h.reg.services[h.idx].txt = text
	h.reg.services[h.idx].setText++
}

func (h *fakeHandle) Shutdown() {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	h.reg.services[h.idx].shutdown = true
}

func (r *fakeRegistrar) setTextCalls(idx int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[idx].setText
}

func (r *fakeRegistrar) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (RegisteredService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, fakeService{instance: instance, service: service, txt: txt})
	return &fakeHandle{reg: r, idx: len(r.services) - 1}, nil
}

func TestCommissionableTXT_Records(t *testing.T) {
	txt := &CommissionableTXT{
		Discriminator:     3840,
		CommissioningMode: CommissioningModeBasic,
		VendorID:          0xFFF1,
		ProductID:         0x8000,
		DeviceType:        0x0100,
		DeviceName:        "Lamp",
		PairingHint:       33,
		PairingInstr:      "hold button",
	}
	records := txt.Records()
	m := parseTXT(records)

	if m["D"] != "3840" {
		t.Errorf("D = %q", m["D"])
	}
	if m["CM"] != "1" {
		t.Errorf("CM = %q", m["CM"])
	}
	if m["VP"] != "65521+32768" {
		t.Errorf("VP = %q", m["VP"])
	}
	if m["DT"] != "256" || m["DN"] != "Lamp" {
		t.Errorf("DT/DN = %q/%q", m["DT"], m["DN"])
	}
	if m["SII"] != "500" || m["SAI"] != "300" || m["SAT"] != "4000" {
		t.Errorf("intervals = %q/%q/%q", m["SII"], m["SAI"], m["SAT"])
	}
	if m["T"] != "0" {
		t.Errorf("T = %q", m["T"])
	}
	if m["PH"] != "33" || m["PI"] != "hold button" {
		t.Errorf("PH/PI = %q/%q", m["PH"], m["PI"])
	}
}

func TestOperationalInstance_Format(t *testing.T) {
	got := OperationalInstance(0xCAFEBABE12345678, 0x42)
	if got != "CAFEBABE12345678-0000000000000042" {
		t.Errorf("instance = %q", got)
	}
}

func TestAdvertiser_Lifecycle(t *testing.T) {
	reg := &fakeRegistrar{}
	a := NewAdvertiser(AdvertiserConfig{Registrar: reg, DisableQueryWatch: true})
	defer a.Close()

	txt := &CommissionableTXT{Discriminator: 1234, CommissioningMode: CommissioningModeBasic}
	if err := a.StartCommissionable(txt); err != nil {
		t.Fatal(err)
	}
	if err := a.StartCommissionable(txt); err != ErrAlreadyAdvertising {
		t.Errorf("err = %v, want ErrAlreadyAdvertising", err)
	}

	if err := a.StartOperational(0xAB, 0x42, &OperationalTXT{}); err != nil {
		t.Fatal(err)
	}

	reg.mu.Lock()
	if len(reg.services) != 2 {
		t.Fatalf("registrations = %d", len(reg.services))
	}
	if reg.services[0].service != ServiceCommissionable {
		t.Errorf("service = %q", reg.services[0].service)
	}
	if !strings.Contains(reg.services[1].instance, "-") {
		t.Errorf("operational instance = %q", reg.services[1].instance)
	}
	reg.mu.Unlock()

	a.StopCommissionable()
	reg.mu.Lock()
	if !reg.services[0].shutdown {
		t.Error("commissionable service not shut down")
	}
	reg.mu.Unlock()
}

func TestAdvertiser_RejectsBadTXT(t *testing.T) {
	a := NewAdvertiser(AdvertiserConfig{Registrar: &fakeRegistrar{}, DisableQueryWatch: true})
	defer a.Close()
	if err := a.StartCommissionable(&CommissionableTXT{Discriminator: 0x1000}); err != ErrBadDiscriminator {
		t.Errorf("err = %v, want ErrBadDiscriminator", err)
	}
}

// queryPacket builds a single-question mDNS query.
func queryPacket(t *testing.T, name string, unicast, truncated bool) []byte {
	t.Helper()
	pkt := make([]byte, 12)
	if truncated {
		pkt[2] |= 0x02 // TC bit of the flags high byte
	}
	pkt[5] = 1 // QDCOUNT
	for _, label := range strings.Split(name, ".") {
		pkt = append(pkt, byte(len(label)))
		pkt = append(pkt, label...)
	}
	pkt = append(pkt, 0)       // root label
	pkt = append(pkt, 0, 12)   // QTYPE PTR
	class := []byte{0, 1}      // IN
	if unicast {
		class[0] |= 0x80 // QU bit
	}
	return append(pkt, class...)
}

// startedAdvertiser returns an advertiser with one commissionable
// service whose suppression clock the test controls.
func startedAdvertiser(t *testing.T) (*Advertiser, *fakeRegistrar, *time.Time) {
	t.Helper()
	reg := &fakeRegistrar{}
	a := NewAdvertiser(AdvertiserConfig{Registrar: reg, DisableQueryWatch: true})
	t.Cleanup(a.Close)

	now := time.Now()
	a.policy.now = func() time.Time { return now }
	a.truncated.now = func() time.Time { return now }

	if err := a.StartCommissionable(&CommissionableTXT{Discriminator: 1234, CommissioningMode: CommissioningModeBasic}); err != nil {
		t.Fatal(err)
	}
	// Freeze the background schedule so only query-driven refreshes
	// touch the counters.
	a.QuietAfterConnection()
	return a, reg, &now
}

func TestAdvertiser_QueryDrivenRefresh(t *testing.T) {
	a, reg, now := startedAdvertiser(t)

	// Within the suppression window of the registration announcement:
	// the query must not trigger a refresh.
	a.HandleQuery("*", "peer:5353", queryPacket(t, ServiceCommissionable+".local", false, false))
	if got := reg.setTextCalls(0); got != 0 {
		t.Fatalf("refresh inside suppression window: SetText calls = %d", got)
	}

	// Past the window the same query refreshes exactly once...
	*now = now.Add(time.Second)
	a.HandleQuery("*", "peer:5353", queryPacket(t, ServiceCommissionable+".local", false, false))
	if got := reg.setTextCalls(0); got != 1 {
		t.Fatalf("SetText calls = %d, want 1", got)
	}
	// ...and the immediate repeat is duplicate-suppressed again.
	a.HandleQuery("*", "peer:5353", queryPacket(t, ServiceCommissionable+".local", false, false))
	if got := reg.setTextCalls(0); got != 1 {
		t.Errorf("SetText calls after duplicate = %d, want 1", got)
	}
}

func TestAdvertiser_UnicastQueryLeavesWarmRecordAlone(t *testing.T) {
	a, reg, now := startedAdvertiser(t)

	// Record was just multicast at registration, so a QU query is
	// answered unicast by the mDNS stack: no refresh even past the
	// duplicate-suppression window.
	*now = now.Add(time.Second)
	a.HandleQuery("*", "peer:5353", queryPacket(t, ServiceCommissionable+".local", true, false))
	if got := reg.setTextCalls(0); got != 0 {
		t.Errorf("unicast query refreshed a warm record: SetText calls = %d", got)
	}

	// Once the record has aged past a quarter of its TTL the same QU
	// query forces a multicast refresh.
	*now = now.Add(recordCacheTTL/4 + time.Minute)
	a.HandleQuery("*", "peer:5353", queryPacket(t, ServiceCommissionable+".local", true, false))
	if got := reg.setTextCalls(0); got != 1 {
		t.Errorf("stale record not refreshed: SetText calls = %d", got)
	}
}

func TestAdvertiser_TruncatedQueryCombines(t *testing.T) {
	a, reg, now := startedAdvertiser(t)
	*now = now.Add(time.Second)

	// The truncated first part names an unrelated service; alone it
	// must not refresh anything, and it is buffered.
	a.HandleQuery("*", "peer:5353", queryPacket(t, "_other._udp.local", false, true))
	if got := reg.setTextCalls(0); got != 0 {
		t.Fatalf("truncated query answered early: SetText calls = %d", got)
	}

	// The continuation carries the matching question; the combined
	// query is processed as one.
	a.HandleQuery("*", "peer:5353", queryPacket(t, ServiceCommissionable+".local", false, false))
	if got := reg.setTextCalls(0); got != 1 {
		t.Errorf("combined query not answered: SetText calls = %d", got)
	}
}

func TestParseQuestions(t *testing.T) {
	questions, truncated, isQuery := parseQuestions(queryPacket(t, "_matterc._udp.local", true, true))
	if !isQuery || !truncated {
		t.Fatalf("isQuery=%v truncated=%v", isQuery, truncated)
	}
	if len(questions) != 1 || questions[0].name != "_matterc._udp.local" || !questions[0].unicast {
		t.Errorf("questions = %+v", questions)
	}

	// Responses are ignored.
	resp := queryPacket(t, "x.local", false, false)
	resp[2] |= 0x80 // QR bit
	if _, _, isQuery := parseQuestions(resp); isQuery {
		t.Error("response parsed as query")
	}
	if _, _, isQuery := parseQuestions([]byte{1, 2, 3}); isQuery {
		t.Error("short packet parsed as query")
	}
}

func TestAnswerPolicy_DuplicateSuppression(t *testing.T) {
	p := NewAnswerPolicy(2 * time.Hour)
	now := time.Now()
	p.now = func() time.Time { return now }

	if !p.ShouldMulticast("eth0", "svc") {
		t.Fatal("fresh record suppressed")
	}
	p.RecordMulticast("eth0", "svc")
	if p.ShouldMulticast("eth0", "svc") {
		t.Error("record not suppressed within 900ms")
	}
	// A different interface is unaffected.
	if !p.ShouldMulticast("wlan0", "svc") {
		t.Error("suppression leaked across interfaces")
	}
	// Past the window the record may go out again.
	now = now.Add(901 * time.Millisecond)
	if !p.ShouldMulticast("eth0", "svc") {
		t.Error("record still suppressed past the window")
	}
}

func TestAnswerPolicy_Unicast(t *testing.T) {
	p := NewAnswerPolicy(time.Hour)
	now := time.Now()
	p.now = func() time.Time { return now }

	// Never multicast yet: refuse unicast so caches populate.
	if p.AllowUnicast("eth0", "svc", true) {
		t.Error("unicast allowed with cold caches")
	}
	p.RecordMulticast("eth0", "svc")
	if !p.AllowUnicast("eth0", "svc", true) {
		t.Error("unicast refused with fresh multicast")
	}
	// Not all queriers asked for unicast.
	if p.AllowUnicast("eth0", "svc", false) {
		t.Error("unicast allowed though a querier wanted multicast")
	}
	// Stale beyond a quarter of the TTL.
	now = now.Add(16 * time.Minute)
	if p.AllowUnicast("eth0", "svc", true) {
		t.Error("unicast allowed past quarter TTL")
	}
}

func TestTruncationBuffer(t *testing.T) {
	b := NewTruncationBuffer()
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Hold("peer1", []byte{1, 2})
	got := b.Complete("peer1", []byte{3})
	if string(got) != "\x01\x02\x03" {
		t.Errorf("combined = %v", got)
	}
	// Consumed: a second continuation finds nothing.
	if b.Complete("peer1", []byte{4}) != nil {
		t.Error("buffer not consumed")
	}
	// Expired continuation is dropped.
	b.Hold("peer2", []byte{9})
	now = now.Add(time.Second)
	if b.Complete("peer2", []byte{9}) != nil {
		t.Error("expired continuation accepted")
	}
}

func TestAnswerPolicy_RecordCache(t *testing.T) {
	p := NewAnswerPolicy(time.Hour)
	calls := 0
	gen := func() []string { calls++; return []string{"r1"} }

	p.CachedRecords("eth0", gen)
	p.CachedRecords("eth0", gen)
	if calls != 1 {
		t.Errorf("generator calls = %d, want 1", calls)
	}
	p.Invalidate()
	p.CachedRecords("eth0", gen)
	if calls != 2 {
		t.Errorf("generator calls after invalidate = %d, want 2", calls)
	}
}

// fakeBrowser replays canned entries.
type fakeBrowser struct {
	entries []*zeroconf.ServiceEntry
}

func (f *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	go func() {
		for _, e := range f.entries {
			if strings.HasPrefix(e.Service, service) || e.Service == service {
				entries <- e
			}
		}
		close(entries)
	}()
	return nil
}

func commissionableEntry(instance string, disc int, v6, v4 net.IP) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{}
	e.Instance = instance
	e.Service = ServiceCommissionable
	e.Port = 5540
	e.Text = []string{"D=" + strconv.Itoa(disc), "CM=1", "VP=65521+32768"}
	if v6 != nil {
		e.AddrIPv6 = []net.IP{v6}
	}
	if v4 != nil {
		e.AddrIPv4 = []net.IP{v4}
	}
	return e
}

func TestScanner_FilterAndAddressOrder(t *testing.T) {
	browser := &fakeBrowser{entries: []*zeroconf.ServiceEntry{
		commissionableEntry("dev-a", 3840, net.ParseIP("fe80::1"), net.ParseIP("192.168.1.10")),
		commissionableEntry("dev-b", 1111, nil, net.ParseIP("192.168.1.11")),
	}}
	s := NewScanner(ScannerConfig{Browser: browser})

	found, err := s.DiscoverCommissionable(context.Background(), Filter{LongDiscriminator: 3840, HasLong: true}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Instance != "dev-a" {
		t.Fatalf("found = %+v", found)
	}
	d := found[0]
	if d.VendorID != 0xFFF1 || d.ProductID != 0x8000 {
		t.Errorf("VP = %v/%v", d.VendorID, d.ProductID)
	}
	if len(d.Addresses) != 2 {
		t.Fatalf("addresses = %d", len(d.Addresses))
	}
	// IPv6 candidate sorts first.
	first := d.Addresses[0].Addr.(*net.UDPAddr)
	if first.IP.To4() != nil {
		t.Errorf("first candidate = %v, want IPv6", first.IP)
	}
}

func TestScanner_ShortDiscriminator(t *testing.T) {
	browser := &fakeBrowser{entries: []*zeroconf.ServiceEntry{
		commissionableEntry("dev-a", 3840, nil, net.ParseIP("10.0.0.1")),
	}}
	s := NewScanner(ScannerConfig{Browser: browser})

	// 3840 >> 8 == 15.
	d, err := s.DiscoverFirst(context.Background(), Filter{ShortDiscriminator: 15, HasShort: true}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if d.Instance != "dev-a" {
		t.Errorf("instance = %q", d.Instance)
	}
	if _, err := s.DiscoverFirst(context.Background(), Filter{ShortDiscriminator: 3, HasShort: true}, 200*time.Millisecond); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestScanner_TimeoutEmpty(t *testing.T) {
	s := NewScanner(ScannerConfig{Browser: &fakeBrowser{}})
	start := time.Now()
	found, err := s.DiscoverCommissionable(context.Background(), Filter{LongDiscriminator: 1234, HasLong: true}, 300*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("found = %v", found)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("discover did not respect the timeout")
	}
}

func TestSortCandidates(t *testing.T) {
	v4 := transport.UDPPeer(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5540})
	v6 := transport.UDPPeer(&net.UDPAddr{IP: net.ParseIP("fe80::2"), Port: 5540})
	tcp := transport.Peer{Kind: transport.KindTCP, Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5540}}

	peers := []transport.Peer{tcp, v4, v6}
	SortCandidates(peers)
	if peers[0].Kind != transport.KindUDP || peers[0].Addr.(*net.UDPAddr).IP.To4() != nil {
		t.Errorf("first = %v, want UDP IPv6", peers[0])
	}
	if peers[1].Kind != transport.KindUDP {
		t.Errorf("second = %v, want UDP IPv4", peers[1])
	}
	if peers[2].Kind != transport.KindTCP {
		t.Errorf("third = %v, want TCP", peers[2])
	}
}
