package compaction

import (
	"sync"
	"sync/atomic"
	"time"
)

// BackpressureController sizes compaction concurrency from the recent
// failure rate. Above the threshold concurrency halves; a clean window
// doubles it, a low rate grows it by half and a rate near the threshold by
// one. A large backlog under a high failure rate pauses compaction.
type BackpressureController struct {
	maxConcurrency int32
	minConcurrency int32
	threshold      float64

	current atomic.Int32

	mu       sync.Mutex
	window   time.Duration
	attempts []attempt
	failures int
	now      func() time.Time
}

type attempt struct {
	at time.Time
	ok bool
}

// BackpressureConfig holds configuration for the backpressure controller.
type BackpressureConfig struct {
	// MaxConcurrency is the upper bound of concurrent compactions.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	// MinConcurrency is the lower bound.
	MinConcurrency int `json:"min_concurrency" yaml:"min_concurrency"`
	// FailureThreshold is the failure rate above which concurrency backs off.
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`
	// WindowDuration is the sliding window attempts are counted over.
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`
}

// DefaultBackpressureConfig returns the defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.05,
		WindowDuration:   10 * time.Minute,
	}
}

// NewBackpressureController creates a controller starting at full
// concurrency.
func NewBackpressureController(cfg BackpressureConfig) *BackpressureController {
	d := DefaultBackpressureConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = d.MinConcurrency
	}
	if cfg.MinConcurrency > cfg.MaxConcurrency {
		cfg.MinConcurrency = cfg.MaxConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = d.WindowDuration
	}
	bp := &BackpressureController{
		maxConcurrency: int32(cfg.MaxConcurrency),
		minConcurrency: int32(cfg.MinConcurrency),
		threshold:      cfg.FailureThreshold,
		window:         cfg.WindowDuration,
		now:            time.Now,
	}
	bp.current.Store(bp.maxConcurrency)
	return bp
}

// RecordSuccess records a successful compaction.
func (bp *BackpressureController) RecordSuccess() { bp.record(true) }

// RecordFailure records a failed compaction.
func (bp *BackpressureController) RecordFailure() { bp.record(false) }

func (bp *BackpressureController) record(ok bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, attempt{at: bp.now(), ok: ok})
	if !ok {
		bp.failures++
	}
}

// pruneLocked drops attempts older than the window.
func (bp *BackpressureController) pruneLocked() {
	cutoff := bp.now().Add(-bp.window)
	i := 0
	for ; i < len(bp.attempts) && bp.attempts[i].at.Before(cutoff); i++ {
		if !bp.attempts[i].ok {
			bp.failures--
		}
	}
	bp.attempts = bp.attempts[i:]
}

func (bp *BackpressureController) rateLocked() (float64, int) {
	bp.pruneLocked()
	if len(bp.attempts) == 0 {
		return 0, 0
	}
	return float64(bp.failures) / float64(len(bp.attempts)), len(bp.attempts)
}

// FailureRate returns the failure rate within the window.
func (bp *BackpressureController) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate, _ := bp.rateLocked()
	return rate
}

// AdjustConcurrency recomputes concurrency. The daemon calls it at the
// start of every cycle.
func (bp *BackpressureController) AdjustConcurrency() {
	bp.mu.Lock()
	rate, n := bp.rateLocked()
	bp.mu.Unlock()

	cur := bp.current.Load()
	next := cur
	switch {
	case rate > bp.threshold:
		next = cur / 2
	case n == 0:
		return
	case rate == 0:
		next = cur * 2
	case rate < bp.threshold/2:
		next = cur + max(cur/2, 1)
	default:
		next = cur + 1
	}
	bp.current.Store(min(max(next, bp.minConcurrency), bp.maxConcurrency))
}

// ShouldPause reports whether a cycle with backlogSize candidates should
// be skipped. A backlog that fits in one cycle is always processed, so the
// failure rate keeps getting fresh samples.
func (bp *BackpressureController) ShouldPause(backlogSize int) bool {
	if backlogSize == 0 || int32(backlogSize) <= bp.maxConcurrency {
		return false
	}
	return bp.FailureRate() > bp.threshold
}

// Concurrency returns the current concurrency level.
func (bp *BackpressureController) Concurrency() int {
	return int(bp.current.Load())
}

// BackpressureStats is a snapshot of the controller.
type BackpressureStats struct {
	CurrentConcurrency int
	FailureRate        float64
	AttemptsInWindow   int
	FailuresInWindow   int
}

// Stats returns current backpressure statistics.
func (bp *BackpressureController) Stats() BackpressureStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate, n := bp.rateLocked()
	return BackpressureStats{
		CurrentConcurrency: int(bp.current.Load()),
		FailureRate:        rate,
		AttemptsInWindow:   n,
		FailuresInWindow:   bp.failures,
	}
}
