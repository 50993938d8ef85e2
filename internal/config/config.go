// Package config loads the TOML-backed defaults that tune quantization,
// sealing, retry backoff, and in-memory buffer sizing across a datamgr root.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"
	"github.com/pelletier/go-toml/v2"
)

// Retry tunes the exponential backoff used for SQLite immediate-mode
// transaction contention (spec §9, "Immediate-mode retries").
type Retry struct {
	InitialInterval time.Duration `toml:"initial_interval"`
	Multiplier      float64       `toml:"multiplier"`
	MaxElapsedTime  time.Duration `toml:"max_elapsed_time"`
	MaxRetries      int           `toml:"max_retries"`
}

// StorageScheme mirrors the §6 storage-scheme JSON shape for defaulting
// purposes; a dataset may override every field at ensure_dataset time.
type StorageScheme struct {
	Version int    `toml:"version"`
	Hash    string `toml:"hash"`
	Depth   int    `toml:"depth"`
	Seglen  int    `toml:"seglen"`
}

// Config is the root of datamgr.toml.
type Config struct {
	DefaultQuantizationScale float64       `toml:"default_quantization_scale"`
	DefaultPartRows          int           `toml:"default_part_rows"`
	DefaultMaxUnicodeWidth   int           `toml:"default_max_unicode_width"`
	MaxHashChunkBytes        datasize.ByteSize `toml:"max_hash_chunk_bytes"`
	StagingReclaimAge        time.Duration `toml:"staging_reclaim_age"`
	BufferMemoryFraction     float64       `toml:"buffer_memory_fraction"`
	Retry                    Retry         `toml:"retry"`
	Storage                  StorageScheme `toml:"storage"`
}

// Default returns the built-in defaults, matching the values spec.md calls
// out explicitly (default quantization scale 1e3, 16 MiB hash chunking, 30
// minute staging reclaim age).
func Default() Config {
	return Config{
		DefaultQuantizationScale: 1e3,
		DefaultPartRows:          100_000,
		DefaultMaxUnicodeWidth:   256,
		MaxHashChunkBytes:        16 * datasize.MB,
		StagingReclaimAge:        30 * time.Minute,
		BufferMemoryFraction:     0.25,
		Retry: Retry{
			InitialInterval: 20 * time.Millisecond,
			Multiplier:      2.0,
			MaxElapsedTime:  5 * time.Second,
			MaxRetries:      8,
		},
		Storage: StorageScheme{
			Version: 1,
			Hash:    "sha256",
			Depth:   0,
			Seglen:  2,
		},
	}
}

// Load reads path and overlays it onto Default(); a missing file is not an
// error — the defaults apply as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// BufferByteBudget returns the in-memory byte budget for the non-crash-safe
// ingest path's per-writer buffers: BufferMemoryFraction of total system
// memory as reported by the OS, floored at 64 MiB so small containers still
// make forward progress.
func (c Config) BufferByteBudget() uint64 {
	total := memory.TotalMemory()
	budget := uint64(float64(total) * c.BufferMemoryFraction)
	const floor = 64 * 1024 * 1024
	if budget < floor {
		return floor
	}
	return budget
}
