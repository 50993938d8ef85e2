package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datamgr/datamgr/internal/codec"
	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/hashing"
	"github.com/datamgr/datamgr/internal/lease"
	"github.com/datamgr/datamgr/internal/metrics"
	"github.com/datamgr/datamgr/internal/partstore"
	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/stager"
)

// Staging is the subset of internal/stager's API a Compactor drives.
type Staging interface {
	HotSubsets(ctx context.Context, limit int64) ([]string, error)
	ReclaimStale(ctx context.Context, cutoffUnixMicro int64) (int64, error)
	SelectAndClaimPrefix(ctx context.Context, subsetUUID string, partRows int64, token string, nowUnixMicro int64) ([]stager.Row, error)
	Unclaim(ctx context.Context, token string) error
	DeleteClaimed(ctx context.Context, token string) (int64, error)
}

// Publisher is the subset of internal/partstore's API a Compactor drives.
type Publisher interface {
	Publish(ctx context.Context, op, datasetUUID, subsetUUID string, batch *rowbatch.Batch, quantDigestHex, partStatsJSON string) (partstore.ExistingPart, error)
}

// Clock supplies the current time as ingest-epoch microseconds; tests
// substitute a deterministic clock.
type Clock func() int64

// Compactor claims a crash-safe subset's staged rows, assembles them into
// one batch, and seals a durable part via Publisher — the other half of the
// staged-ingest path's contract that enqueuing alone made durable but not
// yet queryable (spec §4.7, "compaction sweep"; original:
// legacy/datamgr/ingest_core.py's Stager consumed by a compaction loop in
// manifest.py).
type Compactor struct {
	Staging     Staging
	Publisher   Publisher
	DatasetUUID string
	// DatasetRoot is the dataset's on-disk root, used to take the subset
	// lease around sealing a part (spec §4.5, "subset lease"; original:
	// manager.py wraps every publish_part call in a SubsetLease).
	DatasetRoot string
	PartRows    int64
	StaleAfter  time.Duration
	Now         Clock
	Concurrency int
	// Metrics is optional; a nil Registry discards every observation.
	Metrics *metrics.Registry
}

// CompactOnce runs one sweep: reclaims stale claims, then compacts every
// currently-hot subset concurrently (bounded by Concurrency), returning how
// many parts were sealed.
func (c *Compactor) CompactOnce(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { c.Metrics.ObserveCompaction(time.Since(started)) }()
	now := c.Now()
	if _, err := c.Staging.ReclaimStale(ctx, now-c.StaleAfter.Microseconds()); err != nil {
		return 0, err
	}
	subsets, err := c.Staging.HotSubsets(ctx, 4096)
	if err != nil {
		return 0, err
	}
	if len(subsets) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.Concurrency > 0 {
		g.SetLimit(c.Concurrency)
	}
	sealed := make([]int, len(subsets))
	for i, su := range subsets {
		i, su := i, su
		g.Go(func() error {
			n, err := c.compactSubset(gctx, su)
			if err != nil {
				return err
			}
			sealed[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range sealed {
		total += n
	}
	return total, nil
}

// compactSubset drains one subset's unclaimed staged rows a part at a time
// until none remain.
func (c *Compactor) compactSubset(ctx context.Context, subsetUUID string) (int, error) {
	sealed := 0
	for {
		token := fmt.Sprintf("%s-%d", subsetUUID, c.Now())
		claimed, err := c.Staging.SelectAndClaimPrefix(ctx, subsetUUID, c.PartRows, token, c.Now())
		if err != nil {
			return sealed, err
		}
		if len(claimed) == 0 {
			return sealed, nil
		}
		if err := c.sealClaimed(ctx, subsetUUID, token, claimed); err != nil {
			if unclaimErr := c.Staging.Unclaim(ctx, token); unclaimErr != nil {
				return sealed, dmerr.PartWrite("compact_subset", fmt.Errorf("seal failed (%w) and unclaim failed (%v)", err, unclaimErr))
			}
			return sealed, err
		}
		sealed++
	}
}

func (c *Compactor) sealClaimed(ctx context.Context, subsetUUID, token string, claimed []stager.Row) error {
	batches := make([]rowbatch.Batch, 0, len(claimed))
	for _, row := range claimed {
		p, err := codec.DecodePayload("compact_subset", row.Payload)
		if err != nil {
			return err
		}
		batches = append(batches, p.Batch)
	}
	merged, err := rowbatch.Concat("compact_subset", batches)
	if err != nil {
		return err
	}
	if err := merged.Validate("compact_subset"); err != nil {
		return err
	}
	quantDigest, err := hashing.QuantizationDigest(map[string]float64{})
	if err != nil {
		return err
	}

	sl, err := lease.AcquireSubset(ctx, c.DatasetRoot, c.DatasetUUID, subsetUUID, lease.NopHooks{})
	if err != nil {
		return err
	}
	defer sl.Release()

	if _, err := c.Publisher.Publish(ctx, "compact_subset", c.DatasetUUID, subsetUUID, &merged, quantDigest, ""); err != nil {
		return err
	}
	if _, err := c.Staging.DeleteClaimed(ctx, token); err != nil {
		return err
	}
	return nil
}
