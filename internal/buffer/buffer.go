// Package buffer holds the rows of a partition that are not yet in a
// segment. A buffer only grows; readers capture its acknowledged prefix
// without copying, and appends never modify anything a reader can see.
package buffer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pancakedb/pancakedb/pkg/types"
)

// Entry is one buffered row.
type Entry struct {
	Seq           uint64
	SchemaVersion int
	Row           types.Row
	Size          int
}

// Stats describes a buffer for flush triggering.
type Stats struct {
	Rows     int
	Pending  int
	Bytes    int64
	OldestAt time.Time
}

// Buffer is an append-only, sequence-ordered row buffer. Rows are appended
// as pending, become visible once Publish confirms they are durable, and
// are removed again by Discard if durability failed. Visibility advances
// strictly in sequence order.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	durable  []bool
	visible  int
	nextSeq  uint64
	bytes    int64
	oldestAt time.Time
	frozen   bool
	changed  chan struct{}
}

// New creates an empty buffer whose first row gets sequence number nextSeq.
func New(nextSeq uint64) *Buffer {
	if nextSeq == 0 {
		nextSeq = 1
	}
	return &Buffer{nextSeq: nextSeq, changed: make(chan struct{})}
}

// NextSeq returns the sequence number the next appended row receives.
func (b *Buffer) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Append adds rows as pending and returns their sequence range. It must
// not be called on a frozen buffer.
func (b *Buffer) Append(rows []types.Row, schemaVersion int) (firstSeq, lastSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		panic("buffer: append to frozen buffer")
	}
	if len(b.entries) == 0 {
		b.oldestAt = time.Now()
	}
	firstSeq = b.nextSeq
	for _, row := range rows {
		size := 0
		for k, v := range row {
			size += len(k) + v.Size()
		}
		b.entries = append(b.entries, Entry{Seq: b.nextSeq, SchemaVersion: schemaVersion, Row: row, Size: size})
		b.durable = append(b.durable, false)
		b.bytes += int64(size)
		b.nextSeq++
	}
	return firstSeq, b.nextSeq - 1
}

// Restore appends rows recovered from the log as already durable.
func (b *Buffer) Restore(firstSeq uint64, rows []types.Row, schemaVersion int) {
	b.mu.Lock()
	if firstSeq > b.nextSeq {
		b.nextSeq = firstSeq
	}
	b.mu.Unlock()
	first, last := b.Append(rows, schemaVersion)
	b.Publish(first, last)
}

// Publish marks [first, last] durable and advances the visible prefix.
func (b *Buffer) Publish(first, last uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lo, hi := b.pendingRange(first, last)
	for i := lo; i < hi; i++ {
		b.durable[i] = true
	}
	for b.visible < len(b.entries) && b.durable[b.visible] {
		b.visible++
	}
	b.notifyLocked()
}

// Discard drops pending rows in [first, last]. Their sequence numbers are
// never reused.
func (b *Buffer) Discard(first, last uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lo, hi := b.pendingRange(first, last)
	if lo == hi {
		return
	}
	for _, e := range b.entries[lo:hi] {
		b.bytes -= int64(e.Size)
	}
	// Only the pending tail is rewritten; views never extend past visible.
	b.entries = append(b.entries[:lo], b.entries[hi:]...)
	b.durable = append(b.durable[:lo], b.durable[hi:]...)
	for b.visible < len(b.entries) && b.durable[b.visible] {
		b.visible++
	}
	if len(b.entries) == 0 {
		b.oldestAt = time.Time{}
	}
	b.notifyLocked()
}

// pendingRange returns the index range of pending entries with sequence
// numbers in [first, last].
func (b *Buffer) pendingRange(first, last uint64) (int, int) {
	tail := b.entries[b.visible:]
	lo := sort.Search(len(tail), func(i int) bool { return tail[i].Seq >= first })
	hi := sort.Search(len(tail), func(i int) bool { return tail[i].Seq > last })
	return b.visible + lo, b.visible + hi
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Snapshot captures the visible prefix. It copies only the slice header.
func (b *Buffer) Snapshot() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return View{entries: b.entries[:b.visible:b.visible]}
}

// Stats returns the buffer's size, pending rows included.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Rows:     len(b.entries),
		Pending:  len(b.entries) - b.visible,
		Bytes:    b.bytes,
		OldestAt: b.oldestAt,
	}
}

// Len returns the number of buffered rows, pending rows included.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Freeze stops further appends. Pending rows still settle.
func (b *Buffer) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Frozen reports whether the buffer has been frozen.
func (b *Buffer) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Settle waits until no row is pending.
func (b *Buffer) Settle(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.visible == len(b.entries) {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
