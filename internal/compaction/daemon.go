package compaction

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pancakedb/pancakedb/internal/catalog"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/events"
	"github.com/pancakedb/pancakedb/internal/metrics"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Partition is one partition as seen by the daemon.
type Partition interface {
	Table() string
	PartitionKey() string
	// Segments returns the live segments in ID order.
	Segments() []*segment.Segment
	// InstallCompaction replaces the contiguous run replaced with merged
	// in the live list.
	InstallCompaction(merged *segment.Segment, replaced []*segment.Segment) error
	SetCompactionDegraded(degraded bool)
}

// Source lists the partitions the daemon may compact.
type Source interface {
	CompactionTargets() []Partition
	Schema(ctx context.Context, table string) (*types.Table, error)
}

// Config holds configuration for the compaction daemon.
type Config struct {
	Policy        Policy             `json:"policy" yaml:"policy"`
	Backpressure  BackpressureConfig `json:"backpressure" yaml:"backpressure"`
	CheckInterval time.Duration      `json:"check_interval" yaml:"check_interval"`
	RetryBase     time.Duration      `json:"retry_base" yaml:"retry_base"`
	RetryMax      time.Duration      `json:"retry_max" yaml:"retry_max"`
	// MaxRetries is the number of consecutive failures after which a
	// partition is degraded and left alone until its next flush.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// StaleOutputAge is the age past which unregistered segment
	// directories are removed by the running daemon.
	StaleOutputAge time.Duration       `json:"stale_output_age" yaml:"stale_output_age"`
	Build          segment.BuildOptions `json:"-" yaml:"-"`
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() Config {
	return Config{
		Policy:         DefaultPolicy(),
		Backpressure:   DefaultBackpressureConfig(),
		CheckInterval:  30 * time.Second,
		RetryBase:      time.Second,
		RetryMax:       5 * time.Minute,
		MaxRetries:     5,
		StaleOutputAge: DefaultStaleOutputAge,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.StaleOutputAge <= 0 {
		c.StaleOutputAge = d.StaleOutputAge
	}
}

type partitionState struct {
	run sync.Mutex // held for the whole compaction

	mu            sync.Mutex
	failures      int
	nextAttempt   time.Time
	lastCompacted time.Time
	degraded      bool
}

// Daemon manages background compaction operations.
type Daemon struct {
	config    Config
	catalog   *catalog.Catalog
	store     *segment.Store
	reclaimer *segment.Reclaimer
	source    Source
	bus       *events.Bus
	metrics   *metrics.Metrics

	merger    *Merger
	validator *Validator
	gc        *GarbageCollector
	bp        *BackpressureController
	sem       *semaphore.Weighted

	// active counts running compactions against the backpressure width.
	active atomic.Int32

	stateMu sync.Mutex
	states  map[string]*partitionState

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     *events.Subscriber
}

// NewDaemon creates a new compaction daemon.
func NewDaemon(config Config, cat *catalog.Catalog, store *segment.Store, reclaimer *segment.Reclaimer, source Source, bus *events.Bus, m *metrics.Metrics) *Daemon {
	config.applyDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	bp := NewBackpressureController(config.Backpressure)
	return &Daemon{
		config:    config,
		catalog:   cat,
		store:     store,
		reclaimer: reclaimer,
		source:    source,
		bus:       bus,
		metrics:   m,
		merger:    NewMerger(store, config.Build),
		validator: NewValidator(store),
		gc:        NewGarbageCollector(cat, store, reclaimer, config.StaleOutputAge),
		bp:        bp,
		sem:       semaphore.NewWeighted(int64(bp.maxConcurrency)),
		states:    make(map[string]*partitionState),
	}
}

func partitionKey(table, key string) string { return table + "/" + key }

func (d *Daemon) state(p Partition) *partitionState {
	k := partitionKey(p.Table(), p.PartitionKey())
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	st, ok := d.states[k]
	if !ok {
		st = &partitionState{}
		d.states[k] = st
	}
	return st
}

// Start begins the compaction loop and listens for flushes.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("compaction: daemon is already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.run(ctx)

	if d.bus != nil {
		d.sub = d.bus.Subscribe("compaction", nil, events.SegmentFlushed)
		d.wg.Add(1)
		go d.listen(ctx, d.sub)
	}
	return nil
}

// Stop stops the loop and waits for in-flight compactions.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	if d.sub != nil {
		d.bus.Unsubscribe(d.sub.ID)
		d.sub = nil
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// listen reacts to flushes: a flush clears the partition's failure
// history and may make it a candidate.
func (d *Daemon) listen(ctx context.Context, sub *events.Subscriber) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch:
			if !ok {
				return
			}
			p := d.lookup(e.Table, e.Partition)
			if p == nil {
				continue
			}
			d.clearFailures(p)
			if !d.tryStart() {
				continue
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer d.finish()
				if _, err := d.compactPartition(ctx, p, false, false); err != nil && ctx.Err() == nil {
					log.Printf("compaction: %s/%s: %v", p.Table(), p.PartitionKey(), err)
				}
			}()
		}
	}
}

// tryStart claims a compaction slot without waiting. Slots are bounded by
// both the configured maximum and the current backpressure width.
func (d *Daemon) tryStart() bool {
	for {
		n := d.active.Load()
		if int(n) >= d.bp.Concurrency() {
			return false
		}
		if d.active.CompareAndSwap(n, n+1) {
			break
		}
	}
	if !d.sem.TryAcquire(1) {
		d.active.Add(-1)
		return false
	}
	return true
}

func (d *Daemon) finish() {
	d.active.Add(-1)
	d.sem.Release(1)
}

func (d *Daemon) lookup(table, key string) Partition {
	for _, p := range d.source.CompactionTargets() {
		if p.Table() == table && p.PartitionKey() == key {
			return p
		}
	}
	return nil
}

func (d *Daemon) clearFailures(p Partition) {
	st := d.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	d.resetLocked(p, st)
}

func (d *Daemon) resetLocked(p Partition, st *partitionState) {
	st.failures = 0
	st.nextAttempt = time.Time{}
	if st.degraded {
		st.degraded = false
		p.SetCompactionDegraded(false)
		log.Printf("compaction: %s/%s recovered", p.Table(), p.PartitionKey())
		d.publish(events.Event{Type: events.PartitionRecovered, Table: p.Table(), Partition: p.PartitionKey()})
	}
}

// RunOnce performs a single compaction cycle.
func (d *Daemon) RunOnce(ctx context.Context) {
	d.runOnce(ctx)
}

// runOnce compacts every eligible partition and then collects garbage.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.bp.AdjustConcurrency()

	now := time.Now()
	var candidates []Partition
	for _, p := range d.source.CompactionTargets() {
		if !d.eligible(p, now) {
			continue
		}
		if _, ok := d.config.Policy.Select(p.Segments(), false); ok {
			candidates = append(candidates, p)
		}
	}

	if d.bp.ShouldPause(len(candidates)) {
		log.Printf("compaction: pausing cycle, failure rate %.2f with %d candidates",
			d.bp.FailureRate(), len(candidates))
	} else if len(candidates) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.bp.Concurrency())
		for _, p := range candidates {
			g.Go(func() error {
				if err := d.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				d.active.Add(1)
				defer d.finish()
				if _, err := d.compactPartition(gctx, p, false, false); err != nil && gctx.Err() == nil {
					// Individual failures do not halt the cycle.
					log.Printf("compaction: %s/%s: %v", p.Table(), p.PartitionKey(), err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if ctx.Err() != nil {
		return
	}
	if err := d.gc.CollectGarbage(ctx); err != nil {
		log.Printf("compaction: garbage collection failed: %v", err)
	}
	d.metrics.PendingReclaims.Set(float64(d.reclaimer.Pending()))
}

func (d *Daemon) eligible(p Partition, now time.Time) bool {
	st := d.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.degraded || now.Before(st.nextAttempt) {
		return false
	}
	return st.lastCompacted.IsZero() || now.Sub(st.lastCompacted) >= d.config.Policy.MinInterval
}

// Compact merges the segments of p now, ignoring thresholds, the minimum
// interval and degradation. It returns the merged segment, or nil when p
// has fewer than two segments.
func (d *Daemon) Compact(ctx context.Context, p Partition) (*segment.Segment, error) {
	return d.compactPartition(ctx, p, true, true)
}

// compactPartition runs one compaction of p. Background callers skip a
// partition whose compaction is already running; wait blocks instead.
func (d *Daemon) compactPartition(ctx context.Context, p Partition, force, wait bool) (*segment.Segment, error) {
	st := d.state(p)
	if wait {
		st.run.Lock()
	} else if !st.run.TryLock() {
		return nil, nil
	}
	defer st.run.Unlock()

	if !force && !d.eligible(p, time.Now()) {
		return nil, nil
	}
	segs := p.Segments()
	sel, ok := d.config.Policy.Select(segs, force)
	if !ok {
		return nil, nil
	}
	inputs := segs[sel.Start:sel.End]

	start := time.Now()
	merged, err := d.compactRun(ctx, p, inputs, sel.Reason)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		d.failed(p, st, err)
		return nil, err
	}

	d.bp.RecordSuccess()
	st.mu.Lock()
	d.resetLocked(p, st)
	st.lastCompacted = time.Now()
	st.mu.Unlock()
	d.metrics.Compactions.WithLabelValues("success").Inc()
	d.metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	d.metrics.SegmentsMerged.Add(float64(len(inputs)))
	d.publish(events.Event{
		Type:      events.SegmentsCompacted,
		Table:     p.Table(),
		Partition: p.PartitionKey(),
		Segment:   merged.ID.String(),
		Rows:      merged.RowCount,
	})
	return merged, nil
}

// compactRun merges inputs, validates the output and swaps it in. The
// output is removed again unless the catalog took it.
func (d *Daemon) compactRun(ctx context.Context, p Partition, inputs []*segment.Segment, reason Reason) (*segment.Segment, error) {
	log.Printf("compaction: starting %s/%s, segments=%d, reason=%s",
		p.Table(), p.PartitionKey(), len(inputs), reason)

	table, err := d.source.Schema(ctx, p.Table())
	if err != nil {
		return nil, err
	}

	result, err := d.merger.Merge(ctx, table, p.PartitionKey(), inputs)
	if err != nil {
		return nil, dberrors.NewCompactionError(dberrors.CodeIOFailed, "merge failed", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if derr := d.store.DeleteSegment(context.Background(), result.Segment); derr != nil {
			log.Printf("compaction: cleanup of %s failed, left for garbage collection: %v", result.Segment.Dir(), derr)
		}
	}()

	vr, err := d.validator.Validate(ctx, table, result, inputs)
	if err != nil {
		return nil, fmt.Errorf("compaction: validation error: %w", err)
	}
	if !vr.Valid {
		// The inputs stay live.
		return nil, dberrors.NewCompactionError(dberrors.CodeCorruptBlock,
			fmt.Sprintf("validation failed: %v", vr.Errors), nil)
	}

	// Once the commit lands the inputs are unregistered; the reservation
	// keeps a concurrent collection from taking them for stale outputs.
	d.reclaimer.Reserve(inputs...)
	if err := d.catalog.ReplaceSegments(ctx, p.Table(), p.PartitionKey(), result.SourceIDs, catalog.RecordFor(result.Segment)); err != nil {
		d.reclaimer.Unreserve(inputs...)
		return nil, fmt.Errorf("compaction: failed to replace segments in catalog: %w", err)
	}
	committed = true

	if err := p.InstallCompaction(result.Segment, inputs); err != nil {
		// The catalog already points at the output; the partition's
		// in-memory list is rebuilt from it on the next open. The inputs
		// stay reserved until then.
		return nil, fmt.Errorf("compaction: failed to install merged segment: %w", err)
	}
	d.reclaimer.Retire(inputs...)

	log.Printf("compaction: %s/%s merged %d segments into %s (%d rows)",
		p.Table(), p.PartitionKey(), len(inputs), result.Segment.ID, result.TotalRows)
	return result.Segment, nil
}

func (d *Daemon) failed(p Partition, st *partitionState, err error) {
	d.bp.RecordFailure()
	d.metrics.Compactions.WithLabelValues("failure").Inc()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failures++
	st.nextAttempt = time.Now().Add(d.backoff(st.failures))
	log.Printf("compaction: attempt %d for %s/%s failed: %v", st.failures, p.Table(), p.PartitionKey(), err)

	if st.failures >= d.config.MaxRetries && !st.degraded {
		st.degraded = true
		p.SetCompactionDegraded(true)
		log.Printf("compaction: %s/%s degraded after %d failed attempts", p.Table(), p.PartitionKey(), st.failures)
		d.publish(events.Event{Type: events.PartitionDegraded, Table: p.Table(), Partition: p.PartitionKey()})
	}
}

func (d *Daemon) backoff(failures int) time.Duration {
	b := d.config.RetryBase
	for i := 1; i < failures && b < d.config.RetryMax; i++ {
		b *= 2
	}
	return min(b, d.config.RetryMax)
}

func (d *Daemon) publish(e events.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

// Forget drops the retry state of every partition of table.
func (d *Daemon) Forget(table string) {
	prefix := table + "/"
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	for k := range d.states {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(d.states, k)
		}
	}
}

// Degraded returns the table/partition keys whose compactions exhausted
// their retries.
func (d *Daemon) Degraded() []string {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	var out []string
	for k, st := range d.states {
		st.mu.Lock()
		if st.degraded {
			out = append(out, k)
		}
		st.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Backpressure returns the controller sizing compaction concurrency.
func (d *Daemon) Backpressure() *BackpressureController { return d.bp }

// GC returns the daemon's garbage collector.
func (d *Daemon) GC() *GarbageCollector { return d.gc }
