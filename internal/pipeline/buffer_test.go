package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/schema"
)

func intBatch(n int, v int64) rowbatch.Batch {
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = v
	}
	return rowbatch.Batch{
		Dtype:   schema.Dtype{Fields: []schema.FieldSpec{{Name: "x", Base: schema.KindInt64}}},
		NumRows: n,
		Columns: map[string]rowbatch.Column{"x": {Name: "x", Base: schema.KindInt64, Int64: vals}},
	}
}

func TestBufferAppendAccumulatesPerSubset(t *testing.T) {
	b := NewBuffer()
	b.Append("subset-a", intBatch(2, 1))
	b.Append("subset-a", intBatch(3, 2))
	b.Append("subset-b", intBatch(1, 9))

	require.Equal(t, 2, b.Len())
	rows, ok := b.DrainSubset("subset-a")
	require.True(t, ok)
	require.Len(t, rows, 2)
	require.Equal(t, 1, b.Len())

	_, ok = b.DrainSubset("subset-a")
	require.False(t, ok)
}

func TestBufferDrainOrdersBySubsetUUID(t *testing.T) {
	b := NewBuffer()
	b.Append("subset-c", intBatch(1, 1))
	b.Append("subset-a", intBatch(1, 1))
	b.Append("subset-b", intBatch(1, 1))

	drained := b.Drain()
	require.Len(t, drained, 3)
	require.Equal(t, 0, b.Len())
	require.Equal(t, []string{"subset-a", "subset-b", "subset-c"},
		[]string{drained[0].SubsetUUID, drained[1].SubsetUUID, drained[2].SubsetUUID})
}
