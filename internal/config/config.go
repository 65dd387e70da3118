// Package config provides the process configuration for PancakeDB and its
// mapping onto the engine configuration.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pancakedb/pancakedb/internal/codec"
	"github.com/pancakedb/pancakedb/internal/compaction"
	"github.com/pancakedb/pancakedb/internal/engine"
	"github.com/pancakedb/pancakedb/internal/storage"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PANCAKE_"

// Config holds the configuration of a PancakeDB process.
type Config struct {
	// DataDir is the base directory for the catalog, the write-ahead logs
	// and local segments.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP serves /metrics
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// GRPC serves the health service
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Write      WriteConfig      `json:"write" yaml:"write"`
	Flush      FlushConfig      `json:"flush" yaml:"flush"`
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`

	// ShutdownTimeout bounds the final flush on exit.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// HTTPConfig holds the metrics server configuration.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the server
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// HealthInterval is how often the health status is recomputed
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval"`
}

// StorageConfig holds segment storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// CacheMB sizes the block read cache; 0 disables it
	CacheMB int64 `json:"cache_mb" yaml:"cache_mb"`

	// ReadConcurrency bounds parallel block reads per segment
	ReadConcurrency int `json:"read_concurrency" yaml:"read_concurrency"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// WriteConfig holds write path and segment format settings.
type WriteConfig struct {
	// MaxBufferedRows is the per-partition limit of unflushed rows
	MaxBufferedRows int `json:"max_buffered_rows" yaml:"max_buffered_rows"`

	// Compression overrides the compressor per column type, e.g.
	// {"string": "snappy"}
	Compression map[string]string `json:"compression" yaml:"compression"`

	// BloomFPR is the false positive rate of block bloom filters
	BloomFPR float64 `json:"bloom_fpr" yaml:"bloom_fpr"`
}

// FlushConfig holds flush controller settings.
type FlushConfig struct {
	Rows          int           `json:"rows" yaml:"rows"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
	Workers       int           `json:"workers" yaml:"workers"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
}

// CompactionConfig holds compaction settings.
type CompactionConfig struct {
	// CheckInterval is the interval between compaction sweeps
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// MaxSegments triggers compaction of a partition
	MaxSegments int `json:"max_segments" yaml:"max_segments"`

	// MinAvgSegmentMB triggers compaction when segments are small on average
	MinAvgSegmentMB int64 `json:"min_avg_segment_mb" yaml:"min_avg_segment_mb"`

	// MinRows skips partitions holding fewer rows
	MinRows int64 `json:"min_rows" yaml:"min_rows"`

	// MinInterval is the pause between compactions of one partition
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`

	// MaxConcurrency bounds concurrent compactions
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	flush := engine.DefaultConfig("").Flush
	comp := compaction.DefaultConfig()
	return &Config{
		DataDir: "./data/pancakedb",
		HTTP: HTTPConfig{
			Addr:         ":9100",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:           ":9090",
			Enabled:        true,
			HealthInterval: 5 * time.Second,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Write: WriteConfig{
			MaxBufferedRows: engine.DefaultMaxBufferedRows,
		},
		Flush: FlushConfig{
			Rows:          flush.FlushRows,
			Interval:      flush.FlushInterval,
			CheckInterval: flush.CheckInterval,
			Workers:       flush.Workers,
			MaxRetries:    flush.MaxRetries,
		},
		Compaction: CompactionConfig{
			CheckInterval:   comp.CheckInterval,
			MaxSegments:     comp.Policy.MaxSegments,
			MinAvgSegmentMB: comp.Policy.MinAvgSegmentBytes >> 20,
			MinInterval:     comp.Policy.MinInterval,
			MaxConcurrency:  comp.Backpressure.MaxConcurrency,
			MaxRetries:      comp.MaxRetries,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/pancakedb"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "local"
	}
	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "segments")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Storage.CacheMB < 0 {
		return fmt.Errorf("storage.cache_mb must not be negative, got %d", c.Storage.CacheMB)
	}

	if c.Write.MaxBufferedRows <= 0 {
		return fmt.Errorf("write.max_buffered_rows must be positive, got %d", c.Write.MaxBufferedRows)
	}

	if c.Flush.Rows <= 0 || c.Flush.Rows > c.Write.MaxBufferedRows {
		return fmt.Errorf("flush.rows must be between 1 and write.max_buffered_rows (%d), got %d", c.Write.MaxBufferedRows, c.Flush.Rows)
	}

	if c.Write.BloomFPR < 0 || c.Write.BloomFPR >= 1 {
		return fmt.Errorf("write.bloom_fpr must be in [0, 1), got %v", c.Write.BloomFPR)
	}

	if _, err := c.compressionPolicy(); err != nil {
		return err
	}

	if c.Compaction.MaxSegments < 2 {
		return fmt.Errorf("compaction.max_segments must be at least 2, got %d", c.Compaction.MaxSegments)
	}

	return nil
}

func (c *Config) compressionPolicy() (codec.CompressionPolicy, error) {
	policy := codec.DefaultPolicy()
	for name, comp := range c.Write.Compression {
		dt := types.DataType(name)
		if !dt.Valid() {
			return nil, fmt.Errorf("write.compression: unknown column type %q", name)
		}
		parsed, err := codec.ParseCompression(comp)
		if err != nil {
			return nil, fmt.Errorf("write.compression: %w", err)
		}
		policy[dt] = parsed
	}
	return policy, nil
}

// Engine builds the engine configuration, connecting the S3 backend when
// one is configured.
func (c *Config) Engine(ctx context.Context) (engine.Config, error) {
	policy, err := c.compressionPolicy()
	if err != nil {
		return engine.Config{}, err
	}

	cfg := engine.DefaultConfig(c.DataDir)
	cfg.MaxBufferedRows = c.Write.MaxBufferedRows
	cfg.CacheBytes = c.Storage.CacheMB << 20
	cfg.ReadConcurrency = c.Storage.ReadConcurrency
	cfg.Build.Codec = codec.Options{Policy: policy}
	cfg.Build.BloomFPR = c.Write.BloomFPR

	cfg.Flush.FlushRows = c.Flush.Rows
	cfg.Flush.FlushInterval = c.Flush.Interval
	cfg.Flush.CheckInterval = c.Flush.CheckInterval
	cfg.Flush.Workers = c.Flush.Workers
	cfg.Flush.MaxRetries = c.Flush.MaxRetries

	cfg.Compaction.CheckInterval = c.Compaction.CheckInterval
	cfg.Compaction.Policy.MaxSegments = c.Compaction.MaxSegments
	cfg.Compaction.Policy.MinAvgSegmentBytes = c.Compaction.MinAvgSegmentMB << 20
	cfg.Compaction.Policy.MinRowsForCompaction = c.Compaction.MinRows
	cfg.Compaction.Policy.MinInterval = c.Compaction.MinInterval
	cfg.Compaction.Backpressure.MaxConcurrency = c.Compaction.MaxConcurrency
	cfg.Compaction.MaxRetries = c.Compaction.MaxRetries

	switch c.Storage.Type {
	case "local":
		if c.Storage.Path != filepath.Join(c.DataDir, "segments") {
			local, err := storage.NewLocalBackend(c.Storage.Path)
			if err != nil {
				return engine.Config{}, err
			}
			if _, err := local.RemoveTempFiles(); err != nil {
				return engine.Config{}, err
			}
			cfg.Backend = local
		}
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		s3Cfg.Bucket = c.Storage.S3.Bucket
		s3Cfg.Prefix = c.Storage.S3.Prefix
		s3Cfg.UsePathStyle = c.Storage.S3.UsePathStyle
		if c.Storage.S3.Region != "" {
			s3Cfg.Region = c.Storage.S3.Region
		}
		if c.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = c.Storage.S3.Endpoint
		}
		backend, err := storage.NewS3Backend(ctx, s3Cfg)
		if err != nil {
			return engine.Config{}, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		cfg.Backend = backend
	default:
		return engine.Config{}, fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies PANCAKE_* environment variables to cfg. Malformed
// numbers and durations are reported rather than ignored.
func LoadFromEnv(cfg *Config) error {
	env := envReader{}

	env.str("DATA_DIR", &cfg.DataDir)

	env.str("HTTP_ADDR", &cfg.HTTP.Addr)
	env.str("GRPC_ADDR", &cfg.GRPC.Addr)
	env.boolean("GRPC_ENABLED", &cfg.GRPC.Enabled)

	env.str("STORAGE_TYPE", &cfg.Storage.Type)
	env.str("STORAGE_PATH", &cfg.Storage.Path)
	env.i64("STORAGE_CACHE_MB", &cfg.Storage.CacheMB)
	env.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	env.str("S3_PREFIX", &cfg.Storage.S3.Prefix)
	env.str("S3_REGION", &cfg.Storage.S3.Region)
	env.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	env.boolean("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)

	env.integer("WRITE_MAX_BUFFERED_ROWS", &cfg.Write.MaxBufferedRows)

	env.integer("FLUSH_ROWS", &cfg.Flush.Rows)
	env.duration("FLUSH_INTERVAL", &cfg.Flush.Interval)
	env.integer("FLUSH_WORKERS", &cfg.Flush.Workers)

	env.duration("COMPACTION_CHECK_INTERVAL", &cfg.Compaction.CheckInterval)
	env.integer("COMPACTION_MAX_SEGMENTS", &cfg.Compaction.MaxSegments)
	env.i64("COMPACTION_MIN_ROWS", &cfg.Compaction.MinRows)

	env.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	return env.err
}

type envReader struct {
	err error
}

func (r *envReader) lookup(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

func (r *envReader) fail(name string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.lookup(name); ok {
		*dst = v == "true" || v == "1"
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) i64(name string, dst *int64) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = d
	}
}

// EnsureDirectories creates the data directory and the local storage
// directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
