// Package events is an in-process notification bus. The flush path
// publishes segment events; the compactor subscribes to them.
package events

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Type is the kind of an event.
type Type int

const (
	SegmentFlushed Type = iota
	SegmentsCompacted
	PartitionDegraded
	PartitionRecovered
)

func (t Type) String() string {
	switch t {
	case SegmentFlushed:
		return "segment_flushed"
	case SegmentsCompacted:
		return "segments_compacted"
	case PartitionDegraded:
		return "partition_degraded"
	case PartitionRecovered:
		return "partition_recovered"
	default:
		return "unknown"
	}
}

// Event describes a change to a partition's segments or health.
type Event struct {
	Type      Type
	Table     string
	Partition string // canonical partition key
	Segment   string // segment ID, empty for health events
	Rows      int64
	At        time.Time
}

// Key is the table/partition string subscriber filters match against.
func (e Event) Key() string { return e.Table + "/" + e.Partition }

// Subscriber receives events on Ch until it unsubscribes.
type Subscriber struct {
	ID      string
	Filters []string // key prefixes; empty matches everything
	Types   []Type   // empty matches every type
	Ch      chan Event
}

func (s *Subscriber) matches(e Event) bool {
	if len(s.Types) > 0 {
		ok := false
		for _, t := range s.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.Filters) == 0 {
		return true
	}
	key := e.Key()
	for _, f := range s.Filters {
		if strings.HasPrefix(key, f) {
			return true
		}
	}
	return false
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose channel is full misses the event and relies on periodic sweeps.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
	nextID      atomic.Uint64
	dropped     atomic.Int64
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{subscribers: make(map[string]*Subscriber), bufferSize: bufferSize}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !sub.matches(e) {
			continue
		}
		select {
		case sub.Ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. An empty id is replaced by a generated
// one.
func (b *Bus) Subscribe(id string, filters []string, types ...Type) *Subscriber {
	if id == "" {
		id = "sub_" + strconv.FormatUint(b.nextID.Add(1), 10)
	}
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Types:   types,
		Ch:      make(chan Event, b.bufferSize),
	}
	b.mu.Lock()
	if old, ok := b.subscribers[id]; ok {
		close(old.Ch)
	}
	b.subscribers[id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.Ch)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
