package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pancakedb/pancakedb/internal/segment"
)

// ReconcileReport is the result of comparing the live-segment list with
// the segment directories present in storage.
type ReconcileReport struct {
	// Dangling are live segments whose manifest object is missing.
	Dangling []string
	// Orphaned are stored segment directories the catalog does not list.
	// They are left behind by a crash between a segment write and its
	// catalog commit, or between a compaction swap and the deletion of the
	// replaced segments.
	Orphaned []string
	// Removed counts orphans deleted by this run.
	Removed int

	LiveSegments   int
	StoredSegments int
	RunAt          time.Time
}

// HasIssues reports whether any dangling or orphaned segment was found.
func (r *ReconcileReport) HasIssues() bool {
	return len(r.Dangling) > 0 || len(r.Orphaned) > 0
}

// ReconcileOptions controls a reconciliation run.
type ReconcileOptions struct {
	// RemoveOrphans deletes orphaned directories.
	RemoveOrphans bool
	// MinAge protects orphans younger than this. A running engine writes a
	// segment before registering it, so live reconciliation needs a grace
	// period; startup reconciliation uses zero.
	MinAge time.Duration
	// Skip excludes directories the caller still owns, such as retired
	// segments awaiting deletion.
	Skip func(dir string) bool
	// SkipDangling disables the existence check of live segments.
	SkipDangling bool
}

// Reconcile checks the catalog against storage. Dangling segments are only
// reported; the data they held cannot be recovered here.
func Reconcile(ctx context.Context, c *Catalog, store *segment.Store, opts ReconcileOptions) (*ReconcileReport, error) {
	report := &ReconcileReport{RunAt: time.Now()}

	live, err := c.AllSegmentDirs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: failed to list live segments: %w", err)
	}
	report.LiveSegments = len(live)

	for dir := range live {
		if opts.SkipDangling {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exists, err := store.Backend().Exists(ctx, segment.ManifestObject(dir))
		if err != nil {
			return nil, fmt.Errorf("reconcile: failed to check %s: %w", dir, err)
		}
		if !exists {
			report.Dangling = append(report.Dangling, dir)
		}
	}

	sort.Strings(report.Dangling)

	stored, err := store.ListDirs(ctx, "tables/")
	if err != nil {
		return nil, fmt.Errorf("reconcile: failed to list storage: %w", err)
	}
	report.StoredSegments = len(stored)

	for _, dir := range stored {
		if live[dir] || (opts.Skip != nil && opts.Skip(dir)) {
			continue
		}
		if opts.MinAge > 0 {
			_, created, ok := segment.ParseDir(dir)
			if ok && report.RunAt.Sub(created) < opts.MinAge {
				continue
			}
		}
		report.Orphaned = append(report.Orphaned, dir)
		if !opts.RemoveOrphans {
			continue
		}
		if err := store.DeleteDir(ctx, dir); err != nil {
			return report, fmt.Errorf("reconcile: failed to remove orphan %s: %w", dir, err)
		}
		report.Removed++
	}
	return report, nil
}
