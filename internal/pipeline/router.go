// Package pipeline turns ingest calls into sealed parts: a Router resolves
// each call's subset keys to a subset_uuid and a writer partition, a Buffer
// accumulates rows per subset in memory for the non-crash-safe path, and a
// Compactor drains the crash-safe staging queue into durable parts (spec
// §4.6-§4.7; original: legacy/datamgr/ingest_core.py's Router plus
// manifest.py's buffer-to-part compaction).
package pipeline

import (
	"context"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/datamgr/datamgr/internal/identity"
	"github.com/datamgr/datamgr/internal/schema"
)

// SubsetResolver is the subset of internal/catalog's API the Router needs;
// expressed as an interface so this package never imports the SQLite layer.
type SubsetResolver interface {
	EnsureKeyColumns(ctx context.Context, datasetUUID string, keys map[string]any, defaultScale float64) (schema.KeySchema, map[string]float64, error)
	GetOrCreateSubset(ctx context.Context, datasetUUID string, keys map[string]any, ks schema.KeySchema, quantization map[string]float64, defaultScale float64) (string, error)
}

// Router resolves ingest-call subset keys to a subset_uuid, caching it so
// repeated ingests against the same keys skip the catalog round trip; the
// writer partition comes from the separate Partition function (spec §4.6,
// "router"; original: Router.resolve_subset_uuid / Router.partition).
type Router struct {
	catalog      SubsetResolver
	datasetUUID  string
	defaultScale float64

	mu    sync.RWMutex
	cache map[string]string // stable key string -> subset_uuid
}

// NewRouter constructs a Router bound to one dataset. defaultScale is the
// quantization scale a REAL key falls back to when the dataset's persisted
// quantization map (spec §3, §6) has no entry for it.
func NewRouter(catalog SubsetResolver, datasetUUID string, defaultScale float64) *Router {
	return &Router{catalog: catalog, datasetUUID: datasetUUID, defaultScale: defaultScale, cache: map[string]string{}}
}

// ResolveSubsetUUID returns the subset_uuid for keys, creating the subset
// row on first use.
func (r *Router) ResolveSubsetUUID(ctx context.Context, keys map[string]any) (string, error) {
	ck, err := identity.StableKeyString(keys)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	if su, ok := r.cache[ck]; ok {
		r.mu.RUnlock()
		return su, nil
	}
	r.mu.RUnlock()

	ks, quantization, err := r.catalog.EnsureKeyColumns(ctx, r.datasetUUID, keys, r.defaultScale)
	if err != nil {
		return "", err
	}
	su, err := r.catalog.GetOrCreateSubset(ctx, r.datasetUUID, keys, ks, quantization, r.defaultScale)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[ck] = su
	r.mu.Unlock()
	return su, nil
}

// Partition deterministically maps a subset_uuid to one of nPartitions
// writer lanes via blake2b-8, so every ingest for a given subset always
// lands on the same writer and never needs cross-writer coordination (spec
// §4.7, "writer partitioning"; original: Router.partition).
func Partition(subsetUUID string, nPartitions int) int {
	if nPartitions <= 0 {
		return 0
	}
	h, _ := blake2b.New(8, nil)
	_, _ = h.Write([]byte(subsetUUID))
	sum := h.Sum(nil)
	v := binary.LittleEndian.Uint64(sum)
	return int(v % uint64(nPartitions))
}
