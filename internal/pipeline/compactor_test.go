package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/datamgr/datamgr/internal/codec"
	"github.com/datamgr/datamgr/internal/metrics"
	"github.com/datamgr/datamgr/internal/partstore"
	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/schema"
	"github.com/datamgr/datamgr/internal/stager"
)

type stagingRow struct {
	id      int64
	nRows   int64
	payload []byte
	claim   string
}

type fakeStaging struct {
	mu   sync.Mutex
	rows []*stagingRow
	next int64
}

func (f *fakeStaging) enqueue(subsetUUID string, nRows int64, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.rows = append(f.rows, &stagingRow{id: f.next, nRows: nRows, payload: payload})
	_ = subsetUUID
}

func (f *fakeStaging) HotSubsets(ctx context.Context, limit int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range f.rows {
		if r.claim != "" {
			continue
		}
		var p codec.Payload
		p, _ = codec.DecodePayload("test", r.payload)
		su := p.SubsetKeys["subset"].(string)
		if !seen[su] {
			seen[su] = true
			out = append(out, su)
		}
	}
	return out, nil
}

func (f *fakeStaging) ReclaimStale(ctx context.Context, cutoffUnixMicro int64) (int64, error) {
	return 0, nil
}

func (f *fakeStaging) SelectAndClaimPrefix(ctx context.Context, subsetUUID string, partRows int64, token string, nowUnixMicro int64) ([]stager.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []stager.Row
	var total int64
	for _, r := range f.rows {
		if r.claim != "" {
			continue
		}
		p, err := codec.DecodePayload("test", r.payload)
		if err != nil {
			return nil, err
		}
		if p.SubsetKeys["subset"].(string) != subsetUUID {
			continue
		}
		if total+r.nRows > partRows && len(claimed) > 0 {
			break
		}
		r.claim = token
		claimed = append(claimed, stager.Row{StagingID: r.id, NRows: r.nRows, Payload: r.payload})
		total += r.nRows
		if total >= partRows {
			break
		}
	}
	return claimed, nil
}

func (f *fakeStaging) Unclaim(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.claim == token {
			r.claim = ""
		}
	}
	return nil
}

func (f *fakeStaging) DeleteClaimed(ctx context.Context, token string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*stagingRow
	var n int64
	for _, r := range f.rows {
		if r.claim == token {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return n, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	fail      bool
}

func (f *fakePublisher) Publish(ctx context.Context, op, datasetUUID, subsetUUID string, batch *rowbatch.Batch, quantDigestHex, partStatsJSON string) (partstore.ExistingPart, error) {
	if f.fail {
		return partstore.ExistingPart{}, fmt.Errorf("forced publish failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fmt.Sprintf("%s:%d", subsetUUID, batch.NumRows))
	return partstore.ExistingPart{PartUUID: "part-x", RelPath: "rel/x.dmp"}, nil
}

func encodedRow(t *testing.T, subset string, n int) []byte {
	t.Helper()
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = int64(i)
	}
	batch := rowbatch.Batch{
		Dtype:   schema.Dtype{Fields: []schema.FieldSpec{{Name: "x", Base: schema.KindInt64}}},
		NumRows: n,
		Columns: map[string]rowbatch.Column{"x": {Name: "x", Base: schema.KindInt64, Int64: vals}},
	}
	blob, err := codec.EncodePayload("test", codec.Payload{SubsetKeys: map[string]any{"subset": subset}, Batch: batch})
	require.NoError(t, err)
	return blob
}

func TestCompactOnceSealsHotSubsets(t *testing.T) {
	fs := &fakeStaging{}
	fs.enqueue("subset-a", 2, encodedRow(t, "subset-a", 2))
	fs.enqueue("subset-a", 3, encodedRow(t, "subset-a", 3))
	fs.enqueue("subset-b", 1, encodedRow(t, "subset-b", 1))

	pub := &fakePublisher{}
	c := &Compactor{
		Staging:     fs,
		Publisher:   pub,
		DatasetUUID: "ds-1",
		DatasetRoot: t.TempDir(),
		PartRows:    10,
		Now:         func() int64 { return 1000 },
		Concurrency: 4,
	}
	n, err := c.CompactOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"subset-a:5", "subset-b:1"}, pub.published)
	require.Empty(t, fs.rows)
}

func TestCompactSubsetUnclaimsOnPublishFailure(t *testing.T) {
	fs := &fakeStaging{}
	fs.enqueue("subset-a", 2, encodedRow(t, "subset-a", 2))

	pub := &fakePublisher{fail: true}
	c := &Compactor{
		Staging:     fs,
		Publisher:   pub,
		DatasetUUID: "ds-1",
		DatasetRoot: t.TempDir(),
		PartRows:    10,
		Now:         func() int64 { return 1000 },
	}
	_, err := c.compactSubset(context.Background(), "subset-a")
	require.Error(t, err)
	require.Len(t, fs.rows, 1)
	require.Equal(t, "", fs.rows[0].claim)
}

func TestCompactOnceObservesCompactionDuration(t *testing.T) {
	fs := &fakeStaging{}
	fs.enqueue("subset-a", 2, encodedRow(t, "subset-a", 2))
	pub := &fakePublisher{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := &Compactor{
		Staging:     fs,
		Publisher:   pub,
		DatasetUUID: "ds-1",
		DatasetRoot: t.TempDir(),
		PartRows:    10,
		Now:         func() int64 { return 1000 },
		Metrics:     m,
	}
	_, err := c.CompactOnce(context.Background())
	require.NoError(t, err)

	var metric dto.Metric
	require.NoError(t, m.CompactionSeconds.Write(&metric))
	require.EqualValues(t, 1, metric.GetHistogram().GetSampleCount())
}

func TestCompactOnceNoHotSubsets(t *testing.T) {
	fs := &fakeStaging{}
	pub := &fakePublisher{}
	c := &Compactor{Staging: fs, Publisher: pub, DatasetUUID: "ds-1", DatasetRoot: t.TempDir(), PartRows: 10, Now: func() int64 { return 0 }}
	n, err := c.CompactOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
