package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pancakedb/pancakedb/internal/buffer"
	"github.com/pancakedb/pancakedb/internal/catalog"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/flush"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/wal"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// partitionState is the in-memory state of one partition: its write
// buffers, its log and its live segment list.
//
// Lock order is segMu before bufMu. Neither is held across I/O; appends
// wait for the log after releasing bufMu.
type partitionState struct {
	e         *Engine
	table     string
	partition types.Partition
	key       string

	bufMu     sync.Mutex
	active    *buffer.Buffer
	frozen    *buffer.Buffer // rows of a flush that has not committed yet
	frozenGen uint64         // last log generation holding frozen rows
	log       *wal.Log
	dropped   bool

	segMu    sync.RWMutex
	segments []*segment.Segment // live, in ID order

	flushMu sync.Mutex

	flushDegraded      atomic.Bool
	compactionDegraded atomic.Bool
}

func partitionID(table, key string) string { return table + "/" + key }

func (p *partitionState) Table() string        { return p.table }
func (p *partitionState) PartitionKey() string { return p.key }

// bufferedLocked returns the number of unflushed rows, frozen ones included.
func (p *partitionState) bufferedLocked() int {
	n := p.active.Len()
	if p.frozen != nil {
		n += p.frozen.Len()
	}
	return n
}

// append assigns sequence numbers to rows, logs them and waits until the
// record is durable. The rows become visible to readers only then.
func (p *partitionState) append(rows []types.Row, schemaVersion int) error {
	done := make(chan error, 1)

	p.bufMu.Lock()
	if p.dropped {
		p.bufMu.Unlock()
		return dberrors.NotFound(dberrors.ErrCategoryWrite, "engine: table %q was dropped", p.table)
	}
	if n, limit := p.bufferedLocked(), p.e.cfg.MaxBufferedRows; n+len(rows) > limit {
		p.bufMu.Unlock()
		p.e.flusher.Trigger(p)
		return dberrors.NewWriteError(dberrors.CodeBufferFull,
			fmt.Sprintf("engine: %s/%s holds %d unflushed rows, limit %d", p.table, p.key, n, limit), nil)
	}
	buf := p.active
	first, last := buf.Append(rows, schemaVersion)
	rec := &wal.Record{Version: wal.RecordVersion, FirstSeq: first, SchemaVersion: schemaVersion, Rows: rows}
	// The log runs callbacks in append order, so rows become visible in
	// sequence order.
	p.log.Append(rec, func(err error) {
		if err != nil {
			buf.Discard(first, last)
		} else {
			buf.Publish(first, last)
		}
		done <- err
	})
	p.bufMu.Unlock()

	if err := <-done; err != nil {
		p.e.metrics.WALFailures.Inc()
		if dberrors.GetCode(err) == dberrors.CodeClosed {
			return err
		}
		return dberrors.NewWriteError(dberrors.CodeDurability,
			fmt.Sprintf("engine: failed to log rows for %s/%s", p.table, p.key), err)
	}
	p.e.metrics.WALAppends.Inc()
	p.e.metrics.BufferedRows.Add(float64(len(rows)))
	return nil
}

// FlushStatus reports the active buffer and any frozen rows to the flush
// controller.
func (p *partitionState) FlushStatus() flush.Status {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	st := flush.Status{Active: p.active.Stats()}
	if p.frozen != nil {
		st.FrozenRows = p.frozen.Len()
	}
	return st
}

// FlushOnce freezes the active buffer, unless rows frozen by an earlier
// failed attempt are still waiting, and commits the frozen rows as a
// segment.
func (p *partitionState) FlushOnce(ctx context.Context) (*segment.Segment, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.bufMu.Lock()
	if p.dropped {
		p.bufMu.Unlock()
		return nil, nil
	}
	if p.frozen == nil {
		if p.active.Len() == 0 {
			p.bufMu.Unlock()
			return nil, nil
		}
		old := p.active
		p.active = buffer.New(old.NextSeq())
		old.Freeze()
		p.frozen = old
		p.frozenGen = p.log.Rotate()
	}
	frozen, gen := p.frozen, p.frozenGen
	p.bufMu.Unlock()

	// Appends still waiting for the log settle into the frozen buffer.
	if err := frozen.Settle(ctx); err != nil {
		return nil, err
	}
	view := frozen.Snapshot()
	if view.Len() == 0 {
		p.commitFlush(ctx, nil, gen, 0)
		return nil, nil
	}

	seg, err := p.e.writeSegment(ctx, p, view)
	if err != nil {
		return nil, err
	}
	if err := p.e.catalog.AddSegment(ctx, catalog.RecordFor(seg)); err != nil {
		if derr := p.e.store.DeleteSegment(context.Background(), seg); derr != nil {
			log.Printf("engine: cleanup of %s failed, left for reconciliation: %v", seg.Dir(), derr)
		}
		return nil, fmt.Errorf("engine: failed to register segment %s: %w", seg.ID, err)
	}
	p.commitFlush(ctx, seg, gen, view.Len())
	return seg, nil
}

// commitFlush replaces the frozen buffer with seg in one step for readers
// and drops the log generations it covered.
func (p *partitionState) commitFlush(ctx context.Context, seg *segment.Segment, gen uint64, rows int) {
	p.segMu.Lock()
	p.bufMu.Lock()
	if seg != nil {
		p.segments = append(p.segments, seg)
	}
	p.frozen = nil
	p.bufMu.Unlock()
	p.segMu.Unlock()

	if seg != nil {
		p.e.metrics.LiveSegments.Inc()
		p.e.metrics.BufferedRows.Sub(float64(rows))
	}
	// Records at or below the flushed sequence are skipped on replay, so a
	// failed truncation only costs disk space until the next one.
	if err := p.log.TruncateThrough(ctx, gen); err != nil {
		log.Printf("engine: failed to truncate log of %s/%s: %v", p.table, p.key, err)
	}
}

// SetDegraded records the flush controller's verdict.
func (p *partitionState) SetDegraded(degraded bool) {
	p.flushDegraded.Store(degraded)
	p.e.refreshDegraded()
}

// SetCompactionDegraded records the compactor's verdict.
func (p *partitionState) SetCompactionDegraded(degraded bool) {
	p.compactionDegraded.Store(degraded)
	p.e.refreshDegraded()
}

// Segments returns a copy of the live segment list.
func (p *partitionState) Segments() []*segment.Segment {
	p.segMu.RLock()
	defer p.segMu.RUnlock()
	return append([]*segment.Segment(nil), p.segments...)
}

// InstallCompaction swaps the run replaced for merged. The run must still
// be contiguous in the live list.
func (p *partitionState) InstallCompaction(merged *segment.Segment, replaced []*segment.Segment) error {
	if len(replaced) == 0 {
		return fmt.Errorf("engine: empty compaction run")
	}
	p.segMu.Lock()
	defer p.segMu.Unlock()

	start := -1
	for i, s := range p.segments {
		if s.Dir() == replaced[0].Dir() {
			start = i
			break
		}
	}
	if start < 0 || start+len(replaced) > len(p.segments) {
		return fmt.Errorf("engine: segment %s is no longer live in %s/%s", replaced[0].ID, p.table, p.key)
	}
	for i, s := range replaced {
		if p.segments[start+i].Dir() != s.Dir() {
			return fmt.Errorf("engine: compaction run of %s/%s is not contiguous at %s", p.table, p.key, s.ID)
		}
	}

	next := make([]*segment.Segment, 0, len(p.segments)-len(replaced)+1)
	next = append(next, p.segments[:start]...)
	next = append(next, merged)
	next = append(next, p.segments[start+len(replaced):]...)
	p.segments = next
	p.e.metrics.LiveSegments.Sub(float64(len(replaced) - 1))
	return nil
}

// snapshot captures the live segments and buffers together and references
// the segments.
func (p *partitionState) snapshot() ([]*segment.Segment, []buffer.View) {
	p.segMu.RLock()
	defer p.segMu.RUnlock()
	p.bufMu.Lock()
	defer p.bufMu.Unlock()

	segs := append([]*segment.Segment(nil), p.segments...)
	p.e.reclaimer.Acquire(segs...)
	views := make([]buffer.View, 0, 2)
	if p.frozen != nil {
		views = append(views, p.frozen.Snapshot())
	}
	views = append(views, p.active.Snapshot())
	return segs, views
}

// drop stops the partition: later writes and flushes fail, and its
// segments are handed to the reclaimer. It waits for a running flush.
func (p *partitionState) drop() {
	p.bufMu.Lock()
	p.dropped = true
	rows := p.bufferedLocked()
	p.bufMu.Unlock()

	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if err := p.log.Remove(); err != nil {
		log.Printf("engine: failed to remove log of %s/%s: %v", p.table, p.key, err)
	}
	p.segMu.Lock()
	segs := p.segments
	p.segments = nil
	p.segMu.Unlock()

	p.e.reclaimer.Retire(segs...)
	p.e.metrics.LiveSegments.Sub(float64(len(segs)))
	p.e.metrics.BufferedRows.Sub(float64(rows))
}
