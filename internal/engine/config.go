package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pancakedb/pancakedb/internal/compaction"
	"github.com/pancakedb/pancakedb/internal/flush"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/storage"
)

// DefaultMaxBufferedRows bounds the unflushed rows of one partition.
const DefaultMaxBufferedRows = 1_000_000

// Config configures an engine.
type Config struct {
	// Dir holds the catalog and the write-ahead logs, and the segments
	// when Backend is nil.
	Dir string
	// Backend stores segment objects. nil stores them under Dir/segments.
	Backend storage.Backend
	// CacheBytes enables a read cache of that size in front of Backend.
	CacheBytes int64
	// ReadConcurrency bounds parallel block reads per segment.
	ReadConcurrency int

	// MaxBufferedRows is the unflushed row limit per partition beyond which
	// writes fail with BUFFER_FULL.
	MaxBufferedRows int

	Build      segment.BuildOptions
	Flush      flush.Config
	Compaction compaction.Config

	ReclaimInterval time.Duration
	EventBuffer     int

	// Registerer receives the engine's metrics. nil disables them.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a configuration storing everything under dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		MaxBufferedRows: DefaultMaxBufferedRows,
		Flush:           flush.DefaultConfig(),
		Compaction:      compaction.DefaultConfig(),
		ReclaimInterval: segment.DefaultReclaimInterval,
		EventBuffer:     256,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxBufferedRows <= 0 {
		c.MaxBufferedRows = DefaultMaxBufferedRows
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	c.Compaction.Build = c.Build
}
