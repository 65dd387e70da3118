// Package main implements the pancakedb server binary: it opens the
// storage engine, recovers unflushed rows and serves health and metrics
// until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/pancakedb/pancakedb/internal/app"
	"github.com/pancakedb/pancakedb/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		storageType string
		httpAddr    string
		grpcAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file with PANCAKE_* variables")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the catalog, logs and local segments")
	flag.StringVar(&storageType, "storage", "", "Segment storage: local, s3")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for /metrics and /health")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health service address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "PancakeDB - partitioned columnar event storage\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pancakedb [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pancakedb --data-dir /data/pancakedb\n")
		fmt.Fprintf(os.Stderr, "  pancakedb --config /etc/pancakedb/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PANCAKE_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  PANCAKE_HTTP_ADDR       Metrics address\n")
		fmt.Fprintf(os.Stderr, "  PANCAKE_GRPC_ADDR       gRPC health address\n")
		fmt.Fprintf(os.Stderr, "  PANCAKE_STORAGE_TYPE    Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  PANCAKE_S3_BUCKET       Bucket for s3 storage\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("pancakedb version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			log.Fatalf("Failed to load %s: %v", envFile, err)
		}
	}

	cfg, err := loadConfig(configFile, dataDir, storageType, httpAddr, grpcAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	printBanner(cfg)

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers the configuration: defaults or file, then the
// environment, then flags.
func loadConfig(configFile, dataDir, storageType, httpAddr, grpcAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}

	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("PancakeDB %s", version)
	log.Printf("  Data Dir:    %s", cfg.DataDir)
	log.Printf("  Storage:     %s", cfg.Storage.Type)
	log.Printf("  Flush:       %d rows or %v", cfg.Flush.Rows, cfg.Flush.Interval)
	log.Printf("  Compaction:  %d segments, every %v", cfg.Compaction.MaxSegments, cfg.Compaction.CheckInterval)
	if cfg.GRPC.Enabled {
		log.Printf("  gRPC health: %s", cfg.GRPC.Addr)
	}
	if cfg.HTTP.Addr != "" {
		log.Printf("  Metrics:     %s", cfg.HTTP.Addr)
	}
}
