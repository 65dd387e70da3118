package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pancakedb/pancakedb/internal/buffer"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/events"
	"github.com/pancakedb/pancakedb/internal/segment"
)

type fakeTarget struct {
	partition string

	mu       sync.Mutex
	status   Status
	failures int // remaining attempts that fail
	flushes  atomic.Int32
	attempts atomic.Int32
	degraded atomic.Bool

	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeTarget) Table() string        { return "events" }
func (f *fakeTarget) PartitionKey() string { return f.partition }

func (f *fakeTarget) FlushStatus() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTarget) FlushOnce(ctx context.Context) (*segment.Segment, error) {
	f.attempts.Add(1)
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	time.Sleep(time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		f.status.FrozenRows = f.status.Active.Rows + f.status.FrozenRows
		f.status.Active = buffer.Stats{}
		return nil, errors.New("disk on fire")
	}
	rows := f.status.Active.Rows + f.status.FrozenRows
	f.status = Status{}
	if rows == 0 {
		return nil, nil
	}
	f.flushes.Add(1)
	return &segment.Segment{ID: segment.ID{Seq: uint64(rows)}, RowCount: int64(rows)}, nil
}

func (f *fakeTarget) SetDegraded(d bool) { f.degraded.Store(d) }

func (f *fakeTarget) setRows(n int, oldest time.Time) {
	f.mu.Lock()
	f.status.Active = buffer.Stats{Rows: n, OldestAt: oldest}
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{
		FlushRows:     10,
		FlushInterval: time.Hour,
		CheckInterval: 10 * time.Millisecond,
		Workers:       2,
		RetryBase:     time.Millisecond,
		RetryMax:      5 * time.Millisecond,
		MaxRetries:    3,
	}
}

func TestController_FlushNow(t *testing.T) {
	bus := events.NewBus(8)
	sub := bus.Subscribe("test", nil, events.SegmentFlushed)
	c := NewController(testConfig(), nil, bus, nil)
	target := &fakeTarget{partition: "_"}
	target.setRows(3, time.Now())

	require.NoError(t, c.FlushNow(context.Background(), target))
	assert.Equal(t, int32(1), target.flushes.Load())

	select {
	case e := <-sub.Ch:
		assert.Equal(t, int64(3), e.Rows)
		assert.Equal(t, "events/_", e.Key())
	case <-time.After(time.Second):
		t.Fatal("no flush event published")
	}

	// Nothing buffered: succeeds without writing a segment.
	require.NoError(t, c.FlushNow(context.Background(), target))
	assert.Equal(t, int32(1), target.flushes.Load())
}

func TestController_RetriesThenDegrades(t *testing.T) {
	c := NewController(testConfig(), nil, nil, nil)
	target := &fakeTarget{partition: "_", failures: 10}
	target.setRows(3, time.Now())

	err := c.FlushNow(context.Background(), target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberrors.ErrRetriesExhausted))
	assert.Equal(t, int32(3), target.attempts.Load())
	assert.True(t, target.degraded.Load())
	assert.Equal(t, []string{"events/_"}, c.Degraded())

	// Rows are never discarded; once storage recovers they flush.
	target.mu.Lock()
	target.failures = 0
	target.mu.Unlock()
	require.NoError(t, c.FlushNow(context.Background(), target))
	assert.Equal(t, int32(1), target.flushes.Load())
	assert.False(t, target.degraded.Load())
	assert.Empty(t, c.Degraded())
}

func TestController_BackgroundTriggers(t *testing.T) {
	bySize := &fakeTarget{partition: "size"}
	byAge := &fakeTarget{partition: "age"}
	idle := &fakeTarget{partition: "idle"}
	targets := []Target{bySize, byAge, idle}

	cfg := testConfig()
	cfg.FlushInterval = 50 * time.Millisecond
	c := NewController(cfg, func() []Target { return targets }, nil, nil)
	c.Start()
	defer c.Stop(context.Background())

	bySize.setRows(10, time.Now())
	c.Notify(bySize)
	byAge.setRows(1, time.Now().Add(-time.Minute))

	require.Eventually(t, func() bool {
		return bySize.flushes.Load() == 1 && byAge.flushes.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), idle.attempts.Load())
}

func TestController_BackgroundRetryRecovers(t *testing.T) {
	target := &fakeTarget{partition: "_", failures: 2}
	c := NewController(testConfig(), func() []Target { return []Target{target} }, nil, nil)
	c.Start()
	defer c.Stop(context.Background())

	target.setRows(20, time.Now())
	c.Trigger(target)

	require.Eventually(t, func() bool { return target.flushes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, target.degraded.Load())
}

func TestController_FailingPartitionDoesNotStarveOthers(t *testing.T) {
	bad := &fakeTarget{partition: "bad", failures: 1 << 30}
	good := &fakeTarget{partition: "good"}
	targets := []Target{bad, good}

	cfg := testConfig()
	cfg.RetryBase = 20 * time.Millisecond
	cfg.RetryMax = 50 * time.Millisecond
	c := NewController(cfg, func() []Target { return targets }, nil, nil)
	c.Start()
	defer c.Stop(context.Background())

	bad.setRows(20, time.Now())
	c.Notify(bad)
	time.Sleep(200 * time.Millisecond)

	good.setRows(50, time.Now())
	c.Notify(good)
	require.Eventually(t, func() bool { return good.flushes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Attempts on the failing partition are spaced by its backoff and
	// never run twice at once.
	assert.Less(t, bad.attempts.Load(), int32(40))
	assert.False(t, bad.overlap.Load())
	assert.True(t, bad.degraded.Load())
	assert.Equal(t, []string{"events/bad"}, c.Degraded())
	assert.False(t, good.degraded.Load())
}

func TestController_TriggerWaitsOutBackoff(t *testing.T) {
	target := &fakeTarget{partition: "_", failures: 1}
	cfg := testConfig()
	cfg.RetryBase = time.Hour
	cfg.RetryMax = time.Hour
	c := NewController(cfg, nil, nil, nil)
	target.setRows(3, time.Now())

	require.Error(t, c.attempt(context.Background(), target))
	c.Trigger(target)
	assert.Empty(t, c.queue)

	// An explicit flush does not wait for the background schedule.
	require.NoError(t, c.FlushNow(context.Background(), target))
	assert.Equal(t, int32(1), target.flushes.Load())
	c.Trigger(target)
	assert.Len(t, c.queue, 1)
}

func TestController_Backoff(t *testing.T) {
	c := NewController(Config{RetryBase: 10 * time.Millisecond, RetryMax: 50 * time.Millisecond}, nil, nil, nil)
	assert.Equal(t, 10*time.Millisecond, c.backoff(1))
	assert.Equal(t, 20*time.Millisecond, c.backoff(2))
	assert.Equal(t, 40*time.Millisecond, c.backoff(3))
	assert.Equal(t, 50*time.Millisecond, c.backoff(4))
	assert.Equal(t, 50*time.Millisecond, c.backoff(30))
}

func TestController_StopIsIdempotent(t *testing.T) {
	c := NewController(testConfig(), func() []Target { return nil }, nil, nil)
	require.NoError(t, c.Stop(context.Background()))
	c.Start()
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}
