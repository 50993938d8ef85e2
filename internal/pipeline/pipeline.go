package pipeline

import (
	"context"
	"fmt"

	"github.com/datamgr/datamgr/internal/codec"
	"github.com/datamgr/datamgr/internal/hashing"
	"github.com/datamgr/datamgr/internal/lease"
	"github.com/datamgr/datamgr/internal/metrics"
	"github.com/datamgr/datamgr/internal/rowbatch"
)

// StagingWriter is the subset of internal/stager's API the write path needs.
type StagingWriter interface {
	Enqueue(ctx context.Context, subsetUUID string, nRows int64, payload []byte, nowUnixMicro int64) error
}

// Mode selects between the durable staged path and the cheaper in-memory
// buffered path (spec §4.7, "durability modes").
type Mode int

const (
	// ModeStaged durably enqueues every ingest call before acknowledging it;
	// a crash loses nothing, at the cost of one SQLite write per call.
	ModeStaged Mode = iota
	// ModeBuffered accumulates rows in memory and only becomes durable once
	// Flush publishes a part; a crash loses whatever hasn't been flushed.
	ModeBuffered
)

// Pipeline is the ingest entry point: Ingest resolves a subset and routes
// the batch to either the staging queue or the in-memory buffer, and
// Compact/Flush drain each path into sealed parts (spec §4.6-§4.7).
type Pipeline struct {
	Router    *Router
	Staging   StagingWriter
	Buffer    *Buffer
	Compactor *Compactor
	Mode      Mode
	Now       Clock
	// Metrics is optional; a nil Registry discards every observation.
	Metrics *metrics.Registry
}

// Ingest resolves keys to a subset_uuid and routes batch per p.Mode.
func (p *Pipeline) Ingest(ctx context.Context, keys map[string]any, batch rowbatch.Batch, isGroup bool) (string, error) {
	subsetUUID, err := p.Router.ResolveSubsetUUID(ctx, keys)
	if err != nil {
		return "", err
	}
	p.Metrics.IngestedRows(batch.NumRows)
	switch p.Mode {
	case ModeBuffered:
		p.Buffer.Append(subsetUUID, batch)
		return subsetUUID, nil
	case ModeStaged:
		payload := codec.Payload{SubsetKeys: keys, Batch: batch, IsGroup: isGroup}
		blob, err := codec.EncodePayload("pipeline_ingest", payload)
		if err != nil {
			return "", err
		}
		if err := p.Staging.Enqueue(ctx, subsetUUID, int64(batch.NumRows), blob, p.Now()); err != nil {
			return "", err
		}
		p.Metrics.StagedRows(batch.NumRows)
		return subsetUUID, nil
	default:
		return "", fmt.Errorf("pipeline: unknown mode %d", p.Mode)
	}
}

// Compact runs one staging-compaction sweep (no-op for ModeBuffered; use
// Flush there instead).
func (p *Pipeline) Compact(ctx context.Context) (int, error) {
	if p.Mode != ModeStaged {
		return 0, nil
	}
	return p.Compactor.CompactOnce(ctx)
}

// Flush publishes every currently-buffered subset's pending rows as a part
// each, draining the buffer (spec §4.7, "flush/shutdown draining").
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	if p.Mode != ModeBuffered {
		return 0, nil
	}
	drained := p.Buffer.Drain()
	sealed := 0
	for _, d := range drained {
		merged, err := rowbatch.Concat("pipeline_flush", d.Batches)
		if err != nil {
			return sealed, err
		}
		quantDigest, err := hashing.QuantizationDigest(map[string]float64{})
		if err != nil {
			return sealed, err
		}

		sl, err := lease.AcquireSubset(ctx, p.Compactor.DatasetRoot, p.Compactor.DatasetUUID, d.SubsetUUID, lease.NopHooks{})
		if err != nil {
			return sealed, err
		}
		if _, err := p.Compactor.Publisher.Publish(ctx, "pipeline_flush", p.Compactor.DatasetUUID, d.SubsetUUID, &merged, quantDigest, ""); err != nil {
			sl.Release()
			return sealed, err
		}
		sl.Release()
		sealed++
	}
	return sealed, nil
}

// Shutdown drains whichever path is active: a final Compact sweep for
// ModeStaged, or a final Flush for ModeBuffered.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	switch p.Mode {
	case ModeStaged:
		_, err := p.Compact(ctx)
		return err
	case ModeBuffered:
		_, err := p.Flush(ctx)
		return err
	default:
		return nil
	}
}
