package compaction

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pancakedb/pancakedb/internal/catalog"
	"github.com/pancakedb/pancakedb/internal/segment"
)

// DefaultStaleOutputAge is how old an unregistered segment directory must
// be before a running engine removes it.
const DefaultStaleOutputAge = 2 * time.Hour

// GarbageCollector removes what compaction leaves behind: superseded
// segments once no reader holds them, and stale outputs of merges that
// never reached the catalog.
type GarbageCollector struct {
	catalog   *catalog.Catalog
	store     *segment.Store
	reclaimer *segment.Reclaimer
	minAge    time.Duration
}

// NewGarbageCollector creates a garbage collector.
func NewGarbageCollector(cat *catalog.Catalog, store *segment.Store, reclaimer *segment.Reclaimer, minAge time.Duration) *GarbageCollector {
	if minAge <= 0 {
		minAge = DefaultStaleOutputAge
	}
	return &GarbageCollector{
		catalog:   cat,
		store:     store,
		reclaimer: reclaimer,
		minAge:    minAge,
	}
}

// GCResult holds the outcome of a garbage collection run.
type GCResult struct {
	ReclaimedSegments int
	StaleOutputs      []string
}

// CollectGarbage runs a collection and logs what it removed.
func (gc *GarbageCollector) CollectGarbage(ctx context.Context) error {
	result, err := gc.CollectGarbageWithResult(ctx)
	if err != nil {
		return err
	}
	if result.ReclaimedSegments > 0 {
		log.Printf("compaction/gc: deleted %d superseded segments", result.ReclaimedSegments)
	}
	if len(result.StaleOutputs) > 0 {
		log.Printf("compaction/gc: removed %d stale segment directories", len(result.StaleOutputs))
	}
	return nil
}

// CollectGarbageWithResult performs garbage collection and returns detailed results.
func (gc *GarbageCollector) CollectGarbageWithResult(ctx context.Context) (*GCResult, error) {
	result := &GCResult{ReclaimedSegments: gc.reclaimer.DeleteReady(ctx)}

	report, err := catalog.Reconcile(ctx, gc.catalog, gc.store, catalog.ReconcileOptions{
		RemoveOrphans: true,
		MinAge:        gc.minAge,
		Skip:          gc.reclaimer.Tracks,
		SkipDangling:  true,
	})
	if err != nil {
		return result, fmt.Errorf("compaction/gc: %w", err)
	}
	result.StaleOutputs = report.Orphaned
	return result, nil
}

// MinAge returns the age below which unregistered directories are kept.
func (gc *GarbageCollector) MinAge() time.Duration {
	return gc.minAge
}
