// Package wal provides the per-partition write-ahead log that makes an
// append durable before it is acknowledged. Concurrent appends are group
// committed: a single writer goroutine writes every queued record and
// fsyncs once per batch.
package wal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// RecordVersion is the current record format version.
const RecordVersion = 1

// recordHeaderSize is [length u32][checksum u32].
const recordHeaderSize = 8

// maxRecordSize bounds a single record payload.
const maxRecordSize = 256 << 20

// Record is one durable append: rows carrying consecutive sequence
// numbers starting at FirstSeq.
type Record struct {
	Version       int         `json:"version"`
	FirstSeq      uint64      `json:"first_seq"`
	SchemaVersion int         `json:"schema_version"`
	Rows          []types.Row `json:"rows"`
}

// LastSeq returns the sequence number of the record's last row.
func (r *Record) LastSeq() uint64 {
	return r.FirstSeq + uint64(len(r.Rows)) - 1
}

type opKind int

const (
	opAppend opKind = iota
	opRotate
	opTruncate
)

type op struct {
	kind   opKind
	rec    *Record
	gen    uint64
	done   func(error)
	result chan error
}

// Log is the write-ahead log of one partition. Files are named
// wal_<gen:016x>.log; a generation holds the records appended between two
// rotations.
type Log struct {
	dir string

	// queue side
	qmu      sync.Mutex
	cond     *sync.Cond
	queue    []*op
	qgen     uint64
	closing  bool
	closed   bool
	finished chan struct{}

	// writer side, owned by the writer goroutine. file is nil after a
	// rotation failed to open the next generation; the next commit retries.
	file   *os.File
	gen    uint64
	offset int64
	broken error
}

// FileName returns the file name of a generation.
func FileName(gen uint64) string {
	return fmt.Sprintf("wal_%016x.log", gen)
}

// Open opens the log in dir. Writing always starts in a fresh generation
// after the highest one on disk, so a torn tail left by a crash is never
// appended to. Replay existing records with Replay before writing.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}
	gens, err := listGenerations(dir)
	if err != nil {
		return nil, err
	}
	var gen uint64
	if len(gens) > 0 {
		gen = gens[len(gens)-1] + 1
	}

	l := &Log{
		dir:      dir,
		qgen:     gen,
		gen:      gen,
		finished: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.qmu)
	if err := l.openFile(); err != nil {
		return nil, err
	}
	go l.run()
	return l, nil
}

// Dir returns the log directory.
func (l *Log) Dir() string { return l.dir }

// Generation returns the generation new appends are assigned to.
func (l *Log) Generation() uint64 {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	return l.qgen
}

// Append queues a record without blocking. done is called exactly once from
// the writer goroutine: with nil after the record is fsynced, or with a
// DURABILITY_FAILED error. Callbacks run in append order.
func (l *Log) Append(rec *Record, done func(error)) {
	l.qmu.Lock()
	if l.closing {
		l.qmu.Unlock()
		done(dberrors.NewWriteError(dberrors.CodeClosed, "wal: log is closed", nil))
		return
	}
	l.queue = append(l.queue, &op{kind: opAppend, rec: rec, done: done})
	l.qmu.Unlock()
	l.cond.Signal()
}

// AppendSync appends a record and waits until it is durable.
func (l *Log) AppendSync(ctx context.Context, rec *Record) error {
	ch := make(chan error, 1)
	l.Append(rec, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rotate seals the current generation and returns it. Every record
// appended before the call lands in a generation <= the returned value;
// every later record in a higher one.
func (l *Log) Rotate() uint64 {
	l.qmu.Lock()
	sealed := l.qgen
	if !l.closing {
		l.qgen++
		l.queue = append(l.queue, &op{kind: opRotate})
	}
	l.qmu.Unlock()
	l.cond.Signal()
	return sealed
}

// TruncateThrough deletes every sealed generation <= gen.
func (l *Log) TruncateThrough(ctx context.Context, gen uint64) error {
	result := make(chan error, 1)
	l.qmu.Lock()
	if l.closing {
		l.qmu.Unlock()
		return dberrors.NewWriteError(dberrors.CodeClosed, "wal: log is closed", nil)
	}
	l.queue = append(l.queue, &op{kind: opTruncate, gen: gen, result: result})
	l.qmu.Unlock()
	l.cond.Signal()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued operations and closes the current file.
func (l *Log) Close() error {
	l.qmu.Lock()
	if l.closed {
		l.qmu.Unlock()
		return nil
	}
	l.closing = true
	l.closed = true
	l.qmu.Unlock()
	l.cond.Broadcast()
	<-l.finished

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("wal: failed to close: %w", err)
	}
	return nil
}

// Remove closes the log and deletes its directory.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}

func (l *Log) run() {
	defer close(l.finished)
	for {
		l.qmu.Lock()
		for len(l.queue) == 0 && !l.closing {
			l.cond.Wait()
		}
		batch := l.queue
		l.queue = nil
		closing := l.closing
		l.qmu.Unlock()

		if len(batch) > 0 {
			l.process(batch)
		}
		if closing && len(batch) == 0 {
			return
		}
	}
}

// process executes a batch in order. Consecutive appends are written
// together and fsynced once.
func (l *Log) process(batch []*op) {
	var pending []*op
	for i, o := range batch {
		if o.kind == opAppend {
			pending = append(pending, o)
			continue
		}
		if err := l.commit(pending); err != nil {
			l.fail(batch[i:], err)
			return
		}
		pending = pending[:0]
		switch o.kind {
		case opRotate:
			l.rotate()
		case opTruncate:
			o.result <- l.truncate(o.gen)
		}
	}
	if err := l.commit(pending); err != nil {
		l.fail(nil, err)
	}
}

// commit writes and fsyncs a run of appends, then acknowledges them.
func (l *Log) commit(ops []*op) error {
	if len(ops) == 0 {
		return nil
	}
	err := l.broken
	if err == nil && l.file == nil {
		err = l.openFile()
	}
	if err == nil {
		err = l.writeAll(ops)
	}
	if err != nil {
		derr := dberrors.NewWriteError(dberrors.CodeDurability, "wal: append failed", err)
		for _, o := range ops {
			o.done(derr)
		}
		return derr
	}
	for _, o := range ops {
		o.done(nil)
	}
	return nil
}

// fail rejects the rest of a batch and everything queued behind it after an
// append failed, so no later record is acknowledged ahead of a lost one.
func (l *Log) fail(rest []*op, err error) {
	l.qmu.Lock()
	rest = append(rest, l.queue...)
	l.queue = nil
	l.qmu.Unlock()

	for _, o := range rest {
		switch o.kind {
		case opAppend:
			o.done(err)
		case opRotate:
			l.rotate()
		case opTruncate:
			o.result <- l.truncate(o.gen)
		}
	}
}

func (l *Log) writeAll(ops []*op) error {
	start := l.offset
	var buf []byte
	for _, o := range ops {
		o.rec.Version = RecordVersion
		frame, err := encodeRecord(o.rec)
		if err != nil {
			return err
		}
		buf = append(buf, frame...)
	}
	if _, err := l.file.Write(buf); err != nil {
		l.rollback(start)
		return fmt.Errorf("write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.rollback(start)
		return fmt.Errorf("fsync: %w", err)
	}
	l.offset += int64(len(buf))
	return nil
}

// rollback cuts the file back to the last acknowledged record. If that is
// impossible the log stops accepting appends.
func (l *Log) rollback(offset int64) {
	if err := l.file.Truncate(offset); err != nil {
		l.broken = fmt.Errorf("truncate after failed append: %w", err)
		return
	}
	if _, err := l.file.Seek(offset, 0); err != nil {
		l.broken = fmt.Errorf("seek after failed append: %w", err)
		return
	}
	l.offset = offset
}

func (l *Log) openFile() error {
	path := filepath.Join(l.dir, FileName(l.gen))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: failed to stat %s: %w", path, err)
	}
	if err := syncDir(l.dir); err != nil {
		f.Close()
		return fmt.Errorf("wal: failed to sync directory: %w", err)
	}
	l.file = f
	l.offset = info.Size()
	return nil
}

// rotate moves writing to the next generation. Every record in the old
// one is already fsynced, so a failed close only gets logged. A failed
// open leaves no file; commit opens it before the next write.
func (l *Log) rotate() {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			log.Printf("wal: failed to close generation %d in %s: %v", l.gen, l.dir, err)
		}
		l.file = nil
	}
	l.gen++
	if err := l.openFile(); err != nil {
		log.Printf("wal: rotation in %s failed, retrying on next append: %v", l.dir, err)
	}
}

func (l *Log) truncate(through uint64) error {
	gens, err := listGenerations(l.dir)
	if err != nil {
		return err
	}
	for _, g := range gens {
		if g > through || g >= l.gen {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, FileName(g))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: failed to remove generation %d: %w", g, err)
		}
	}
	return syncDir(l.dir)
}

func encodeRecord(rec *Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to serialize record: %w", err)
	}
	payload := snappy.Encode(nil, body)
	if len(payload) > maxRecordSize {
		return nil, fmt.Errorf("wal: record of %d bytes exceeds limit", len(payload))
	}
	frame := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], checksum(payload))
	copy(frame[recordHeaderSize:], payload)
	return frame, nil
}

func checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}

func listGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: failed to read directory: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) != len("wal_0000000000000000.log") || name[:4] != "wal_" {
			continue
		}
		var gen uint64
		if _, err := fmt.Sscanf(name[4:20], "%016x", &gen); err == nil {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
