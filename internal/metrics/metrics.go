// Package metrics declares the Prometheus instrumentation surface for
// datamgr. The core never starts an HTTP listener itself — a host process
// registers Registry's collectors against its own scrape endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datamgr/datamgr/internal/partstore"
)

// Registry bundles every counter/histogram datamgr components report to.
// Construct one with New and pass it down via constructor injection; a nil
// *Registry is valid everywhere and simply discards observations.
type Registry struct {
	RowsIngested      prometheus.Counter
	RowsStaged        prometheus.Counter
	PartsSealed       prometheus.Counter
	DedupHits         prometheus.Counter
	CompactionSeconds prometheus.Histogram
	FsckOrphansFound  prometheus.Counter
	FsckRegistered    prometheus.Counter
	FsckSkipped       prometheus.Counter
}

// New constructs a Registry and registers its collectors on reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		RowsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamgr", Name: "rows_ingested_total",
			Help: "Rows accepted by the ingest pipeline, before staging or buffering.",
		}),
		RowsStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamgr", Name: "rows_staged_total",
			Help: "Rows durably enqueued to the staging table.",
		}),
		PartsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamgr", Name: "parts_sealed_total",
			Help: "Parts published via PartStore.Publish, including dedup fast-path hits.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamgr", Name: "dedup_hits_total",
			Help: "Publish calls short-circuited by an existing (subset_uuid, content_hash).",
		}),
		CompactionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "datamgr", Name: "compaction_seconds",
			Help:    "Wall-clock time of one claim-merge-seal-delete compaction cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		FsckOrphansFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamgr", Name: "fsck_orphans_found_total",
			Help: "Part files discovered on disk with no catalog row.",
		}),
		FsckRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamgr", Name: "fsck_orphans_registered_total",
			Help: "Orphan part files successfully inserted into the catalog.",
		}),
		FsckSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamgr", Name: "fsck_orphans_skipped_total",
			Help: "Orphan part files skipped because their subset is missing or marked for deletion.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RowsIngested, m.RowsStaged, m.PartsSealed, m.DedupHits,
			m.CompactionSeconds, m.FsckOrphansFound, m.FsckRegistered, m.FsckSkipped,
		)
	}
	return m
}

func (m *Registry) incRowsIngested(n int) {
	if m == nil {
		return
	}
	m.RowsIngested.Add(float64(n))
}

// IngestedRows records n rows entering the pipeline.
func (m *Registry) IngestedRows(n int) { m.incRowsIngested(n) }

// StagedRows records n rows durably enqueued.
func (m *Registry) StagedRows(n int) {
	if m == nil {
		return
	}
	m.RowsStaged.Add(float64(n))
}

// SealedPart records one published part, and whether it was a dedup hit.
func (m *Registry) SealedPart(dedup bool) {
	if m == nil {
		return
	}
	m.PartsSealed.Inc()
	if dedup {
		m.DedupHits.Inc()
	}
}

// ObserveCompaction records one compaction sweep's wall-clock duration.
func (m *Registry) ObserveCompaction(d time.Duration) {
	if m == nil {
		return
	}
	m.CompactionSeconds.Observe(d.Seconds())
}

// RecordFsck records one fsck Run's counters: files found on disk with no
// catalog row, how many of those were successfully registered, and how many
// were skipped (subset missing or marked for deletion).
func (m *Registry) RecordFsck(found int, registered int64, skipped int) {
	if m == nil {
		return
	}
	m.FsckOrphansFound.Add(float64(found))
	m.FsckRegistered.Add(float64(registered))
	m.FsckSkipped.Add(float64(skipped))
}

// PublishHooks adapts a Registry to partstore.Hooks, counting every sealed
// part and every dedup short-circuit as Publish reports them. Embed
// partstore.NopHooks so a nil Registry (the zero value) still satisfies the
// interface with every other checkpoint a no-op.
type PublishHooks struct {
	partstore.NopHooks
	Registry *Registry
}

func (h PublishHooks) OnPublishDirFsynced(string, string, string) {
	h.Registry.SealedPart(false)
}

func (h PublishHooks) OnDedupHit(string, string, string) {
	h.Registry.SealedPart(true)
}

var _ partstore.Hooks = PublishHooks{}
