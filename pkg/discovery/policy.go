package discovery

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Responder answer policies (Spec 4.3.4 / RFC 6762).
const (
	// duplicateSuppression is the window within which an identical
	// multicast answer on the same interface is omitted.
	duplicateSuppression = 900 * time.Millisecond

	// truncatedQueryWindow is how long a TC-flagged query is buffered
	// awaiting its continuation.
	truncatedQueryWindow = 500 * time.Millisecond

	// recordCacheTTL bounds the per-interface materialised record
	// cache.
	recordCacheTTL = 15 * time.Minute
)

// recordKey identifies one record on one interface.
type recordKey struct {
	Interface string
	Name      string
}

// AnswerPolicy tracks per-interface multicast history and decides, per
// query, whether to answer at all and whether unicast is allowed.
type AnswerPolicy struct {
	mu sync.Mutex

	// lastMulticast remembers when each record last went out
	// multicast on each interface.
	lastMulticast map[recordKey]time.Time

	// ttl is the record TTL used for the quarter-TTL unicast rule.
	ttl time.Duration

	// cache holds materialised records per service, refreshed lazily
	// and invalidated when a record generator changes.
	cache *gocache.Cache

	now func() time.Time
}

// NewAnswerPolicy creates a policy for records with the given TTL.
func NewAnswerPolicy(ttl time.Duration) *AnswerPolicy {
	return &AnswerPolicy{
		lastMulticast: make(map[recordKey]time.Time),
		ttl:           ttl,
		cache:         gocache.New(recordCacheTTL, recordCacheTTL/4),
		now:           time.Now,
	}
}

// ShouldMulticast reports whether the record may be multicast now on
// the interface: an identical answer within the suppression window is
// omitted.
func (p *AnswerPolicy) ShouldMulticast(iface, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := recordKey{Interface: iface, Name: name}
	if last, ok := p.lastMulticast[key]; ok && p.now().Sub(last) < duplicateSuppression {
		return false
	}
	return true
}

// RecordMulticast remembers a multicast send.
func (p *AnswerPolicy) RecordMulticast(iface, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastMulticast[recordKey{Interface: iface, Name: name}] = p.now()
}

// AllowUnicast decides whether a unicast reply is honoured: every
// matching query must have requested it, and the record's last
// multicast must be recent (within a quarter of its TTL). Otherwise
// the answer goes multicast so caches stay warm.
func (p *AnswerPolicy) AllowUnicast(iface, name string, allQueriesRequestedUnicast bool) bool {
	if !allQueriesRequestedUnicast {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastMulticast[recordKey{Interface: iface, Name: name}]
	if !ok {
		return false
	}
	return p.now().Sub(last) <= p.ttl/4
}

// CachedRecords returns the materialised records under key, or builds
// them with generate and caches the result.
func (p *AnswerPolicy) CachedRecords(key string, generate func() []string) []string {
	if v, ok := p.cache.Get(key); ok {
		return v.([]string)
	}
	records := generate()
	p.cache.Set(key, records, gocache.DefaultExpiration)
	return records
}

// Invalidate drops every cached record set; called when a record
// generator changes.
func (p *AnswerPolicy) Invalidate() {
	p.cache.Flush()
}

// truncatedQuery is one buffered TC query.
type truncatedQuery struct {
	data    []byte
	arrived time.Time
}

// TruncationBuffer holds TC-flagged queries until their continuation
// arrives or the window lapses.
type TruncationBuffer struct {
	mu      sync.Mutex
	pending map[string]truncatedQuery
	now     func() time.Time
}

// NewTruncationBuffer creates an empty buffer.
func NewTruncationBuffer() *TruncationBuffer {
	return &TruncationBuffer{
		pending: make(map[string]truncatedQuery),
		now:     time.Now,
	}
}

// Hold buffers a truncated query from the source.
func (b *TruncationBuffer) Hold(source string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[source] = truncatedQuery{
		data:    append([]byte(nil), data...),
		arrived: b.now(),
	}
}

// Complete combines a continuation with the buffered part. It returns
// nil when nothing (fresh) is buffered for the source.
func (b *TruncationBuffer) Complete(source string, continuation []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.pending[source]
	if !ok {
		return nil
	}
	delete(b.pending, source)
	if b.now().Sub(q.arrived) > truncatedQueryWindow {
		return nil
	}
	return append(q.data, continuation...)
}
