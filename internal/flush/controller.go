// Package flush turns write buffers into segments. A Controller watches
// every partition's buffer and hands partitions that crossed a size or age
// threshold to a bounded worker pool. A worker makes one attempt per
// dequeue; a failed partition waits out an exponential backoff before the
// sweep queues it again, so it never holds a worker while it waits. Rows
// are never discarded.
package flush

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pancakedb/pancakedb/internal/buffer"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/events"
	"github.com/pancakedb/pancakedb/internal/metrics"
	"github.com/pancakedb/pancakedb/internal/segment"
)

// Status is what a partition reports for flush triggering.
type Status struct {
	// Active describes the buffer receiving writes.
	Active buffer.Stats
	// FrozenRows counts rows frozen by an earlier attempt that has not
	// committed yet.
	FrozenRows int
}

// Target is one partition as seen by the controller.
type Target interface {
	Table() string
	PartitionKey() string
	FlushStatus() Status
	// FlushOnce freezes the active buffer unless an earlier frozen buffer
	// is still waiting, and commits the frozen rows as a segment. It
	// returns a nil segment when there was nothing to flush. Concurrent
	// calls for the same target are serialized by the target.
	FlushOnce(ctx context.Context) (*segment.Segment, error)
	SetDegraded(degraded bool)
}

// Config controls triggering and retries.
type Config struct {
	FlushRows     int
	FlushInterval time.Duration
	CheckInterval time.Duration
	Workers       int
	QueueSize     int
	RetryBase     time.Duration
	RetryMax      time.Duration
	MaxRetries    int
}

// DefaultConfig returns the default flush configuration.
func DefaultConfig() Config {
	return Config{
		FlushRows:     10000,
		FlushInterval: 10 * time.Second,
		CheckInterval: time.Second,
		Workers:       4,
		QueueSize:     1024,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      30 * time.Second,
		MaxRetries:    5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FlushRows <= 0 {
		c.FlushRows = d.FlushRows
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
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
}

// Controller schedules flushes.
type Controller struct {
	cfg     Config
	targets func() []Target
	bus     *events.Bus
	metrics *metrics.Metrics

	queue chan Target

	mu sync.Mutex
	// queued holds a key from Trigger until its worker attempt returns.
	queued   map[string]bool
	failures map[string]int
	retryAt  map[string]time.Time
	degraded map[string]bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewController creates a controller. targets lists the partitions the
// periodic sweep inspects.
func NewController(cfg Config, targets func() []Target, bus *events.Bus, m *metrics.Metrics) *Controller {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		targets:  targets,
		bus:      bus,
		metrics:  m,
		queue:    make(chan Target, cfg.QueueSize),
		queued:   make(map[string]bool),
		failures: make(map[string]int),
		retryAt:  make(map[string]time.Time),
		degraded: make(map[string]bool),
	}
}

func key(t Target) string { return t.Table() + "/" + t.PartitionKey() }

// Start launches the sweep loop and the workers.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.wg.Add(1)
	go c.sweep(ctx)
}

// Stop stops the sweep and waits for in-flight attempts. Rows they did not
// commit stay in the log.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify checks t's thresholds after a write and schedules a flush when
// one is crossed.
func (c *Controller) Notify(t Target) {
	if c.due(t.FlushStatus(), time.Now()) {
		c.Trigger(t)
	}
}

func (c *Controller) due(st Status, now time.Time) bool {
	if st.FrozenRows > 0 {
		return true
	}
	if st.Active.Rows == 0 {
		return false
	}
	if st.Active.Rows >= c.cfg.FlushRows {
		return true
	}
	return !st.Active.OldestAt.IsZero() && now.Sub(st.Active.OldestAt) >= c.cfg.FlushInterval
}

// Trigger queues t for a background flush. A target already queued or
// being flushed is not queued twice, and a target backing off after a
// failure waits for its retry time; the sweep picks it up then. When the
// queue is full the sweep picks t up later too.
func (c *Controller) Trigger(t Target) {
	k := key(t)
	c.mu.Lock()
	if c.queued[k] || time.Now().Before(c.retryAt[k]) {
		c.mu.Unlock()
		return
	}
	c.queued[k] = true
	c.mu.Unlock()

	select {
	case c.queue <- t:
	default:
		c.mu.Lock()
		delete(c.queued, k)
		c.mu.Unlock()
	}
}

func (c *Controller) sweep(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, t := range c.targets() {
				if c.due(t.FlushStatus(), now) {
					c.Trigger(t)
				}
			}
		}
	}
}

func (c *Controller) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.queue:
			c.attempt(ctx, t)
			c.mu.Lock()
			delete(c.queued, key(t))
			c.mu.Unlock()
		}
	}
}

// FlushNow flushes t in the caller's goroutine, retrying up to the
// configured limit. Rows that still could not be committed stay frozen and
// the background sweep keeps retrying them.
func (c *Controller) FlushNow(ctx context.Context, t Target) error {
	return c.run(ctx, t, c.cfg.MaxRetries)
}

// run flushes t until it succeeds, ctx ends, or maxAttempts attempts
// failed.
func (c *Controller) run(ctx context.Context, t Target, maxAttempts int) error {
	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, t)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt >= maxAttempts {
			return dberrors.NewFlushError(dberrors.CodeRetriesExhausted,
				fmt.Sprintf("flush: %s failed after %d attempts", key(t), attempt), err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
}

// attempt makes one flush attempt and records its outcome. Consecutive
// failures of a partition push its next background attempt out and mark
// it degraded once they reach MaxRetries.
func (c *Controller) attempt(ctx context.Context, t Target) error {
	start := time.Now()
	seg, err := t.FlushOnce(ctx)
	if err == nil {
		c.succeeded(t, seg, time.Since(start))
		return nil
	}
	c.metrics.Flushes.WithLabelValues("failure").Inc()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	k := key(t)
	c.mu.Lock()
	c.failures[k]++
	n := c.failures[k]
	c.retryAt[k] = time.Now().Add(c.backoff(n))
	c.mu.Unlock()

	log.Printf("flush: attempt %d for %s failed: %v", n, k, err)
	if n >= c.cfg.MaxRetries {
		c.markDegraded(t)
	}
	return err
}

func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < attempt && d < c.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > c.cfg.RetryMax {
		d = c.cfg.RetryMax
	}
	return d
}

func (c *Controller) succeeded(t Target, seg *segment.Segment, took time.Duration) {
	k := key(t)
	c.mu.Lock()
	wasDegraded := c.degraded[k]
	delete(c.degraded, k)
	delete(c.failures, k)
	delete(c.retryAt, k)
	c.mu.Unlock()

	if wasDegraded {
		t.SetDegraded(false)
		log.Printf("flush: %s recovered", k)
		c.publish(events.Event{Type: events.PartitionRecovered, Table: t.Table(), Partition: t.PartitionKey()})
	}
	if seg == nil {
		return
	}
	c.metrics.Flushes.WithLabelValues("success").Inc()
	c.metrics.FlushDuration.Observe(took.Seconds())
	c.metrics.RowsFlushed.WithLabelValues(t.Table()).Add(float64(seg.RowCount))
	c.publish(events.Event{
		Type:      events.SegmentFlushed,
		Table:     t.Table(),
		Partition: t.PartitionKey(),
		Segment:   seg.ID.String(),
		Rows:      seg.RowCount,
	})
}

func (c *Controller) markDegraded(t Target) {
	k := key(t)
	c.mu.Lock()
	already := c.degraded[k]
	c.degraded[k] = true
	c.mu.Unlock()
	if already {
		return
	}
	t.SetDegraded(true)
	log.Printf("flush: %s degraded after %d failed attempts", k, c.cfg.MaxRetries)
	c.publish(events.Event{Type: events.PartitionDegraded, Table: t.Table(), Partition: t.PartitionKey()})
}

func (c *Controller) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// Degraded returns the table/partition keys whose flushes exhausted their
// retries and have not succeeded since.
func (c *Controller) Degraded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.degraded))
	for k := range c.degraded {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Forget drops the degraded marks and retry state of every partition of
// table.
func (c *Controller) Forget(table string) {
	prefix := table + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.degraded {
		if strings.HasPrefix(k, prefix) {
			delete(c.degraded, k)
		}
	}
	for k := range c.failures {
		if strings.HasPrefix(k, prefix) {
			delete(c.failures, k)
			delete(c.retryAt, k)
		}
	}
}
