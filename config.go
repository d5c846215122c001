package vecfs

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecfs/distance"
	"github.com/hupe1980/vecfs/internal/cache"
	"github.com/hupe1980/vecfs/internal/hnsw"
	"github.com/hupe1980/vecfs/internal/stackmon"
	"github.com/hupe1980/vecfs/internal/storage"
	"github.com/hupe1980/vecfs/internal/wal"
)

// MemoryConfig bounds memory and stack use. It is fixed for the lifetime of
// an open DB.
type MemoryConfig struct {
	// MaxVectorsInMemory caps the number of cached vectors.
	MaxVectorsInMemory int `yaml:"max_vectors_in_memory"`
	// VectorCacheSize caps the bytes of cached vectors. 0 means no byte cap.
	VectorCacheSize int64 `yaml:"vector_cache_size"`
	// IndexCacheSize pre-sizes the node arena and sets the search pool cap
	// to max(4, IndexCacheSize/1024).
	IndexCacheSize int `yaml:"index_cache_size"`
	// EnableLazyLoading defers storage initialization and the index build
	// to first use. When false, Open initializes storage and rebuilds the
	// index before returning.
	EnableLazyLoading bool `yaml:"enable_lazy_loading"`
	StackLimitBytes   int  `yaml:"stack_limit_bytes"`
}

// IndexConfig configures the HNSW graph.
type IndexConfig struct {
	Dimension      int    `yaml:"dimension"`
	M              int    `yaml:"m"`
	EFConstruction int    `yaml:"ef_construction"`
	EFSearch       int    `yaml:"ef_search"`
	Metric         string `yaml:"metric"`
	MaxLevel       int    `yaml:"max_level"`
	// Seed makes level assignment deterministic when non-zero.
	Seed uint64 `yaml:"seed"`
}

// StorageConfig configures the vector storage manager.
type StorageConfig struct {
	ChunkSize   int    `yaml:"chunk_size"`
	CachePolicy string `yaml:"cache_policy"`
	Compression string `yaml:"compression"`
	// RebuildIOBytesPerSec throttles rebuild reads. 0 means unlimited.
	RebuildIOBytesPerSec int64 `yaml:"rebuild_io_bytes_per_sec"`
	// RebuildWorkers bounds concurrent reads during a rebuild.
	RebuildWorkers int `yaml:"rebuild_workers"`
}

// JournalConfig configures the optional intent journal.
type JournalConfig struct {
	// Path enables the journal when set.
	Path string `yaml:"path"`
	// Sync waits for fsync on every record.
	Sync bool `yaml:"sync"`
}

// Config aggregates all DB settings.
type Config struct {
	Memory  MemoryConfig  `yaml:"memory"`
	Index   IndexConfig   `yaml:"index"`
	Storage StorageConfig `yaml:"storage"`
	Journal JournalConfig `yaml:"journal"`
}

// DefaultConfig returns the default configuration. Index.Dimension has no
// default and must be set.
func DefaultConfig() Config {
	return Config{
		Memory: MemoryConfig{
			MaxVectorsInMemory: storage.DefaultOptions.MaxVectorsInMemory,
			IndexCacheSize:     4096,
			EnableLazyLoading:  true,
			StackLimitBytes:    stackmon.DefaultLimit,
		},
		Index: IndexConfig{
			M:              hnsw.DefaultM,
			EFConstruction: hnsw.DefaultEFConstruction,
			EFSearch:       hnsw.DefaultEFSearch,
			Metric:         distance.MetricL2.String(),
			MaxLevel:       hnsw.DefaultMaxLevel,
		},
		Storage: StorageConfig{
			ChunkSize:      storage.DefaultChunkSize,
			CachePolicy:    cache.PolicyLRU.String(),
			Compression:    storage.CompressionNone.String(),
			RebuildWorkers: 4,
		},
		Journal: JournalConfig{
			Sync: true,
		},
	}
}

// LoadConfig reads a YAML configuration file using strict parsing.
// Unset fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem in c, joined.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Index.Dimension <= 0 {
		fail("index.dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Index.M < 2 {
		fail("index.m must be at least 2, got %d", c.Index.M)
	}
	if c.Index.EFSearch < 0 || c.Index.EFConstruction < 0 {
		fail("index.ef_search and index.ef_construction must not be negative")
	}
	if _, err := distance.ParseMetric(c.Index.Metric); err != nil {
		fail("index.metric: %v", err)
	}
	if c.Index.MaxLevel < 0 {
		fail("index.max_level must not be negative, got %d", c.Index.MaxLevel)
	}
	if floor := hnsw.MinStackLimit(c.Index.MaxLevel); c.Memory.StackLimitBytes != 0 && c.Memory.StackLimitBytes < floor {
		fail("memory.stack_limit_bytes must be at least %d for index.max_level %d, got %d",
			floor, c.Index.MaxLevel, c.Memory.StackLimitBytes)
	}
	if c.Memory.MaxVectorsInMemory < 0 || c.Memory.VectorCacheSize < 0 || c.Memory.IndexCacheSize < 0 {
		fail("memory sizes must not be negative")
	}
	if c.Storage.ChunkSize < 0 {
		fail("storage.chunk_size must not be negative, got %d", c.Storage.ChunkSize)
	}
	if _, err := cache.ParsePolicy(c.Storage.CachePolicy); err != nil {
		fail("storage.cache_policy: %v", err)
	}
	if _, err := storage.ParseCompression(c.Storage.Compression); err != nil {
		fail("storage.compression: %v", err)
	}
	return errors.Join(errs...)
}

func (c Config) durability() wal.Durability {
	if c.Journal.Sync {
		return wal.DurabilitySync
	}
	return wal.DurabilityAsync
}
