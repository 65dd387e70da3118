// Package main implements pancakedb-fsck, an offline consistency checker.
// It compares the catalog's live segments with storage, optionally verifies
// every block checksum, and with -fix removes orphaned segment directories.
// Run it only while no server uses the data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/pancakedb/pancakedb/internal/catalog"
	"github.com/pancakedb/pancakedb/internal/config"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/storage"
)

type options struct {
	fix    bool
	verify bool
	minAge time.Duration
}

func main() {
	var (
		configFile string
		envFile    string
		dataDir    string
		opts       options
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file with PANCAKE_* variables")
	flag.StringVar(&dataDir, "data-dir", "", "Data directory to check")
	flag.BoolVar(&opts.fix, "fix", false, "Remove orphaned segment directories")
	flag.BoolVar(&opts.verify, "verify", false, "Read every live segment and verify block checksums")
	flag.DurationVar(&opts.minAge, "min-age", 0, "Leave orphans younger than this")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			log.Fatalf("Failed to load %s: %v", envFile, err)
		}
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()
	issues, err := run(ctx, cfg, opts, os.Stdout)
	if err != nil {
		log.Fatalf("fsck: %v", err)
	}
	if issues > 0 {
		os.Exit(1)
	}
}

// run checks cfg's data directory and returns the number of unresolved
// issues.
func run(ctx context.Context, cfg *config.Config, opts options, out io.Writer) (int, error) {
	engCfg, err := cfg.Engine(ctx)
	if err != nil {
		return 0, err
	}
	backend := engCfg.Backend
	if backend == nil {
		if backend, err = storage.NewLocalBackend(filepath.Join(cfg.DataDir, "segments")); err != nil {
			return 0, err
		}
	}
	store := segment.NewStore(backend, engCfg.ReadConcurrency)

	cat, err := catalog.Open(ctx, filepath.Join(cfg.DataDir, catalog.FileName))
	if err != nil {
		return 0, err
	}
	defer cat.Close()

	report, err := catalog.Reconcile(ctx, cat, store, catalog.ReconcileOptions{
		RemoveOrphans: opts.fix,
		MinAge:        opts.minAge,
	})
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(out, "live segments:   %d\n", report.LiveSegments)
	fmt.Fprintf(out, "stored segments: %d\n", report.StoredSegments)
	for _, dir := range report.Dangling {
		fmt.Fprintf(out, "dangling: %s\n", dir)
	}
	for _, dir := range report.Orphaned {
		fmt.Fprintf(out, "orphaned: %s\n", dir)
	}
	issues := len(report.Dangling)
	if opts.fix {
		fmt.Fprintf(out, "removed %d orphaned directories\n", report.Removed)
		issues += len(report.Orphaned) - report.Removed
	} else {
		issues += len(report.Orphaned)
	}

	if opts.verify {
		corrupt, err := verify(ctx, cat, store, report.Dangling, out)
		if err != nil {
			return issues, err
		}
		issues += corrupt
	}

	if issues == 0 {
		fmt.Fprintln(out, "ok")
	}
	return issues, nil
}

// verify reads every block of every live segment and counts the segments
// that fail their checksums.
func verify(ctx context.Context, cat *catalog.Catalog, store *segment.Store, dangling []string, out io.Writer) (int, error) {
	skip := make(map[string]bool, len(dangling))
	for _, dir := range dangling {
		skip[dir] = true
	}

	tables, err := cat.ListTables(ctx)
	if err != nil {
		return 0, err
	}
	corrupt := 0
	for _, table := range tables {
		parts, err := cat.ListPartitions(ctx, table)
		if err != nil {
			return corrupt, err
		}
		for _, p := range parts {
			records, err := cat.LiveSegments(ctx, table, p.Key())
			if err != nil {
				return corrupt, err
			}
			for _, rec := range records {
				if skip[rec.Dir] {
					continue
				}
				if err := verifySegment(ctx, store, rec.Dir); err != nil {
					if dberrors.GetCode(err) != dberrors.CodeCorruptBlock {
						return corrupt, err
					}
					fmt.Fprintf(out, "corrupt: %s: %v\n", rec.Dir, err)
					corrupt++
				}
			}
		}
	}
	return corrupt, nil
}

func verifySegment(ctx context.Context, store *segment.Store, dir string) error {
	seg, err := store.OpenSegment(ctx, dir)
	if err != nil {
		return err
	}
	names := make([]string, len(seg.Columns))
	for i, c := range seg.Columns {
		names[i] = c.Name
	}
	_, err = store.ReadColumns(ctx, seg, names)
	return err
}
