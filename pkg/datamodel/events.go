package datamodel

import (
	"sort"
	"sync"
	"time"

	"github.com/embermesh/matter/pkg/fabric"
)

// EventRecord is one appended event occurrence.
type EventRecord struct {
	Number      EventNumber
	Path        ConcreteEventPath
	Priority    Priority
	EpochMillis int64
	SystemTick  int64
	FabricIndex fabric.Index // non-zero only for fabric-scoped events
	Payload     []byte       // TLV-encoded event fields
}

// defaultRingCapacity bounds each priority ring.
const defaultRingCapacity = 64

// EventLog is the per-node event store: one bounded ring per priority
// with a shared monotonic event number.
type EventLog struct {
	mu       sync.Mutex
	next     EventNumber
	rings    map[Priority][]EventRecord
	capacity int
	sinks    []func(EventRecord)
	start    time.Time
}

// NewEventLog creates an empty log.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &EventLog{
		next:     1,
		rings:    make(map[Priority][]EventRecord),
		capacity: capacity,
		start:    time.Now(),
	}
}

// OnAppend registers a sink invoked for every appended event.
func (l *EventLog) OnAppend(fn func(EventRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, fn)
}

// Append stamps and stores one event, returning its number.
func (l *EventLog) Append(path ConcreteEventPath, priority Priority, fabricIndex fabric.Index, payload []byte) EventNumber {
	l.mu.Lock()
	rec := EventRecord{
		Number:      l.next,
		Path:        path,
		Priority:    priority,
		EpochMillis: time.Now().UnixMilli(),
		SystemTick:  int64(time.Since(l.start) / time.Millisecond),
		FabricIndex: fabricIndex,
		Payload:     append([]byte(nil), payload...),
	}
	l.next++
	ring := append(l.rings[priority], rec)
	if len(ring) > l.capacity {
		ring = ring[len(ring)-l.capacity:]
	}
	l.rings[priority] = ring
	sinks := append(([]func(EventRecord))(nil), l.sinks...)
	l.mu.Unlock()

	for _, s := range sinks {
		s(rec)
	}
	return rec.Number
}

// Since returns events matching the path filter with numbers greater
// than or equal to min, across all priorities, in number order.
func (l *EventLog) Since(filter EventPath, min EventNumber) []EventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventRecord
	for _, ring := range l.rings {
		for _, rec := range ring {
			if rec.Number >= min && filter.Matches(rec.Path) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// NextNumber returns the number the next appended event will get.
func (l *EventLog) NextNumber() EventNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}
