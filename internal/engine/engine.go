// Package engine is the storage core: it ties the catalog, write buffers,
// logs, flushes, compaction and reads together behind one type.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pancakedb/pancakedb/internal/buffer"
	"github.com/pancakedb/pancakedb/internal/catalog"
	"github.com/pancakedb/pancakedb/internal/compaction"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/events"
	"github.com/pancakedb/pancakedb/internal/flush"
	"github.com/pancakedb/pancakedb/internal/metrics"
	"github.com/pancakedb/pancakedb/internal/query"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/storage"
	"github.com/pancakedb/pancakedb/internal/wal"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Engine is a PancakeDB storage engine rooted at one directory.
type Engine struct {
	cfg       Config
	catalog   *catalog.Catalog
	store     *segment.Store
	reclaimer *segment.Reclaimer
	bus       *events.Bus
	metrics   *metrics.Metrics
	planner   *query.Planner
	flusher   *flush.Controller
	compactor *compaction.Daemon

	// mu is held shared by writes and schema changes for their whole
	// duration, and exclusively by DropTable and Close.
	mu     sync.RWMutex
	closed bool

	partsMu sync.RWMutex
	parts   map[string]*partitionState
}

// Open opens or creates the engine in cfg.Dir. It reconciles storage with
// the catalog, loads the live segments of every partition and replays
// the write-ahead logs before accepting writes.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("engine: a directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: failed to create %s: %w", cfg.Dir, err)
	}

	backend := cfg.Backend
	if backend == nil {
		local, err := storage.NewLocalBackend(filepath.Join(cfg.Dir, "segments"))
		if err != nil {
			return nil, err
		}
		if n, err := local.RemoveTempFiles(); err != nil {
			log.Printf("engine: failed to remove temp files: %v", err)
		} else if n > 0 {
			log.Printf("engine: removed %d temp files of interrupted writes", n)
		}
		backend = local
	}
	if cfg.CacheBytes > 0 {
		cached, err := storage.NewCachedBackend(backend, cfg.CacheBytes)
		if err != nil {
			return nil, err
		}
		backend = cached
	}

	cat, err := catalog.Open(ctx, filepath.Join(cfg.Dir, catalog.FileName))
	if err != nil {
		return nil, err
	}

	m := metrics.NewNop()
	if cfg.Registerer != nil {
		m = metrics.New(cfg.Registerer)
	}
	store := segment.NewStore(backend, cfg.ReadConcurrency)
	e := &Engine{
		cfg:       cfg,
		catalog:   cat,
		store:     store,
		reclaimer: segment.NewReclaimer(store, cfg.ReclaimInterval),
		bus:       events.NewBus(cfg.EventBuffer),
		metrics:   m,
		parts:     make(map[string]*partitionState),
	}
	e.planner = query.NewPlanner(store, e.reclaimer, m)
	e.flusher = flush.NewController(cfg.Flush, e.flushTargets, e.bus, m)
	e.compactor = compaction.NewDaemon(cfg.Compaction, cat, store, e.reclaimer, e, e.bus, m)

	if err := e.restore(ctx); err != nil {
		e.closeLogs()
		cat.Close()
		return nil, err
	}

	e.reclaimer.Start()
	e.flusher.Start()
	if err := e.compactor.Start(); err != nil {
		e.closeLogs()
		cat.Close()
		return nil, err
	}
	log.Printf("engine: opened %s with %d partitions", cfg.Dir, len(e.parts))
	return e, nil
}

// Close stops background work, flushes every buffer and closes the logs
// and the catalog. Rows a failed final flush could not commit stay in
// their logs and are replayed by the next Open.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.compactor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: stopping compaction: %w", err))
	}
	if err := e.flusher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: stopping flushes: %w", err))
	}
	for _, p := range e.partitions() {
		if err := e.flusher.FlushNow(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("engine: final flush of %s/%s: %w", p.table, p.key, err))
		}
	}
	e.closeLogs()
	if err := e.reclaimer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: stopping reclaimer: %w", err))
	}
	if err := e.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	log.Printf("engine: closed %s", e.cfg.Dir)
	return errors.Join(errs...)
}

func (e *Engine) closeLogs() {
	for _, p := range e.partitions() {
		if err := p.log.Close(); err != nil {
			log.Printf("engine: failed to close log of %s/%s: %v", p.table, p.key, err)
		}
	}
}

func (e *Engine) walDir(table, key string) string {
	return filepath.Join(e.cfg.Dir, "wal", table, filepath.FromSlash(key))
}

func (e *Engine) partitions() []*partitionState {
	e.partsMu.RLock()
	defer e.partsMu.RUnlock()
	out := make([]*partitionState, 0, len(e.parts))
	for _, p := range e.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].table != out[j].table {
			return out[i].table < out[j].table
		}
		return out[i].key < out[j].key
	})
	return out
}

func (e *Engine) tablePartitions(table string) []*partitionState {
	var out []*partitionState
	for _, p := range e.partitions() {
		if p.table == table {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) lookup(table, key string) *partitionState {
	e.partsMu.RLock()
	defer e.partsMu.RUnlock()
	return e.parts[partitionID(table, key)]
}

// partitionFor returns the state of a partition, creating it on its first
// write.
func (e *Engine) partitionFor(ctx context.Context, table string, p types.Partition) (*partitionState, error) {
	key := p.Key()
	if ps := e.lookup(table, key); ps != nil {
		return ps, nil
	}

	e.partsMu.Lock()
	defer e.partsMu.Unlock()
	if ps, ok := e.parts[partitionID(table, key)]; ok {
		return ps, nil
	}
	if err := e.catalog.RegisterPartition(ctx, table, p); err != nil {
		return nil, err
	}
	l, err := wal.Open(e.walDir(table, key))
	if err != nil {
		return nil, dberrors.NewWriteError(dberrors.CodeDurability,
			fmt.Sprintf("engine: failed to open log of %s/%s", table, key), err)
	}
	ps := &partitionState{
		e:         e,
		table:     table,
		partition: p,
		key:       key,
		active:    buffer.New(1),
		log:       l,
	}
	e.parts[partitionID(table, key)] = ps
	return ps, nil
}

func (e *Engine) flushTargets() []flush.Target {
	parts := e.partitions()
	out := make([]flush.Target, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

// CompactionTargets lists every partition for the compaction sweep.
func (e *Engine) CompactionTargets() []compaction.Partition {
	parts := e.partitions()
	out := make([]compaction.Partition, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

// refreshDegraded recounts the partitions whose flushes or compactions are
// degraded.
func (e *Engine) refreshDegraded() {
	n := 0
	for _, p := range e.partitions() {
		if p.flushDegraded.Load() || p.compactionDegraded.Load() {
			n++
		}
	}
	e.metrics.DegradedPartitions.Set(float64(n))
}

// Degraded returns the table/partition keys that exhausted their flush or
// compaction retries. Their rows stay readable and writable.
func (e *Engine) Degraded() []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range append(e.flusher.Degraded(), e.compactor.Degraded()...) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Events returns the engine's event bus.
func (e *Engine) Events() *events.Bus { return e.bus }

func (e *Engine) checkOpen(cat dberrors.ErrorCategory) error {
	if e.closed {
		return dberrors.New(cat, dberrors.CodeClosed, "engine: closed")
	}
	return nil
}
