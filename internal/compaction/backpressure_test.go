package compaction

import (
	"testing"
	"time"
)

func TestBackpressureController_InitialState(t *testing.T) {
	bp := NewBackpressureController(DefaultBackpressureConfig())

	if bp.Concurrency() != 4 {
		t.Fatalf("expected initial concurrency 4, got %d", bp.Concurrency())
	}
	if bp.FailureRate() != 0 {
		t.Fatalf("expected initial failure rate 0, got %f", bp.FailureRate())
	}
	if bp.ShouldPause(0) {
		t.Fatal("should not pause with zero backlog")
	}
	// No history: adjusting keeps the level.
	bp.AdjustConcurrency()
	if bp.Concurrency() != 4 {
		t.Fatalf("expected concurrency 4 without history, got %d", bp.Concurrency())
	}
}

func TestBackpressureController_FailureRateTracking(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   time.Minute,
	})

	for i := 0; i < 8; i++ {
		bp.RecordSuccess()
	}
	bp.RecordFailure()
	bp.RecordFailure()

	rate := bp.FailureRate()
	if rate < 0.19 || rate > 0.21 {
		t.Fatalf("expected ~20%% failure rate, got %.2f%%", rate*100)
	}
}

func TestBackpressureController_BackoffOnHighFailureRate(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   8,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		bp.RecordSuccess()
		bp.RecordFailure()
	}

	bp.AdjustConcurrency()
	if bp.Concurrency() != 4 {
		t.Fatalf("expected concurrency 4 after backoff, got %d", bp.Concurrency())
	}
	bp.AdjustConcurrency()
	if bp.Concurrency() != 2 {
		t.Fatalf("expected concurrency 2 after second backoff, got %d", bp.Concurrency())
	}
}

func TestBackpressureController_RampUp(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   16,
		MinConcurrency:   1,
		FailureThreshold: 0.20,
		WindowDuration:   time.Minute,
	})
	bp.current.Store(2)

	// A clean window doubles.
	for i := 0; i < 10; i++ {
		bp.RecordSuccess()
	}
	bp.AdjustConcurrency()
	if bp.Concurrency() != 4 {
		t.Fatalf("expected concurrency 4 after clean window, got %d", bp.Concurrency())
	}

	// 1 failure in 20 attempts (5%, below threshold/2) grows by half.
	for i := 0; i < 9; i++ {
		bp.RecordSuccess()
	}
	bp.RecordFailure()
	bp.AdjustConcurrency()
	if bp.Concurrency() != 6 {
		t.Fatalf("expected concurrency 6 after low failure rate, got %d", bp.Concurrency())
	}

	// 3 failures in 22 attempts (~14%, between threshold/2 and threshold) grows by one.
	bp.RecordFailure()
	bp.RecordFailure()
	bp.AdjustConcurrency()
	if rate := bp.FailureRate(); rate <= 0.10 || rate > 0.20 {
		t.Fatalf("unexpected failure rate %.2f", rate)
	}
	if bp.Concurrency() != 7 {
		t.Fatalf("expected concurrency 7 near threshold, got %d", bp.Concurrency())
	}
}

func TestBackpressureController_MinConcurrencyFloor(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   2,
		FailureThreshold: 0.05,
		WindowDuration:   time.Minute,
	})
	for i := 0; i < 10; i++ {
		bp.RecordFailure()
	}
	for i := 0; i < 10; i++ {
		bp.AdjustConcurrency()
	}
	if bp.Concurrency() != 2 {
		t.Fatalf("expected concurrency to stop at min 2, got %d", bp.Concurrency())
	}
}

func TestBackpressureController_MaxConcurrencyCeiling(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.50,
		WindowDuration:   time.Minute,
	})
	for i := 0; i < 20; i++ {
		bp.RecordSuccess()
	}
	for i := 0; i < 20; i++ {
		bp.AdjustConcurrency()
	}
	if bp.Concurrency() != 4 {
		t.Fatalf("expected concurrency capped at 4, got %d", bp.Concurrency())
	}
}

func TestBackpressureController_ShouldPause(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   time.Minute,
	})
	for i := 0; i < 10; i++ {
		bp.RecordFailure()
	}
	if bp.ShouldPause(0) {
		t.Fatal("should not pause with zero backlog")
	}
	if bp.ShouldPause(4) {
		t.Fatal("should not pause when the backlog fits in one cycle")
	}
	if !bp.ShouldPause(5) {
		t.Fatal("should pause with high failure rate and large backlog")
	}

	healthy := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.50,
		WindowDuration:   time.Minute,
	})
	for i := 0; i < 10; i++ {
		healthy.RecordSuccess()
	}
	if healthy.ShouldPause(50) {
		t.Fatal("should not pause with low failure rate")
	}
}

func TestBackpressureController_WindowExpiry(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   time.Minute,
	})
	now := time.Now()
	bp.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		bp.RecordFailure()
	}
	if bp.FailureRate() != 1.0 {
		t.Fatalf("expected 100%% failure rate, got %.2f%%", bp.FailureRate()*100)
	}

	now = now.Add(2 * time.Minute)
	if bp.FailureRate() != 0 {
		t.Fatalf("expected 0%% failure rate after window expiry, got %.2f%%", bp.FailureRate()*100)
	}
	if s := bp.Stats(); s.FailuresInWindow != 0 || s.AttemptsInWindow != 0 {
		t.Fatalf("expected empty window, got %+v", s)
	}
}

func TestBackpressureController_Stats(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   time.Minute,
	})
	bp.RecordSuccess()
	bp.RecordSuccess()
	bp.RecordFailure()

	stats := bp.Stats()
	if stats.AttemptsInWindow != 3 {
		t.Fatalf("expected 3 attempts, got %d", stats.AttemptsInWindow)
	}
	if stats.FailuresInWindow != 1 {
		t.Fatalf("expected 1 failure, got %d", stats.FailuresInWindow)
	}
	if stats.CurrentConcurrency != 4 {
		t.Fatalf("expected concurrency 4, got %d", stats.CurrentConcurrency)
	}
}
