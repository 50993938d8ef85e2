package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datamgr/datamgr/internal/schema"
)

type fakeResolver struct {
	ensureCalls int
	createCalls int
	nextUUID    func(keys map[string]any) string
}

func (f *fakeResolver) EnsureKeyColumns(ctx context.Context, datasetUUID string, keys map[string]any, defaultScale float64) (schema.KeySchema, map[string]float64, error) {
	f.ensureCalls++
	order := make([]string, 0, len(keys))
	types := make(map[string]schema.SQLType, len(keys))
	quantization := map[string]float64{}
	for k, v := range keys {
		order = append(order, k)
		switch v.(type) {
		case string:
			types[k] = schema.SQLText
		case int64:
			types[k] = schema.SQLInteger
		case float64:
			types[k] = schema.SQLReal
			quantization[k] = defaultScale
		}
	}
	return schema.KeySchema{Order: order, Types: types}, quantization, nil
}

func (f *fakeResolver) GetOrCreateSubset(ctx context.Context, datasetUUID string, keys map[string]any, ks schema.KeySchema, quantization map[string]float64, defaultScale float64) (string, error) {
	f.createCalls++
	return f.nextUUID(keys), nil
}

func TestRouterCachesResolution(t *testing.T) {
	r := &fakeResolver{nextUUID: func(keys map[string]any) string { return "subset-fixed" }}
	router := NewRouter(r, "ds-1", 1000)

	su1, err := router.ResolveSubsetUUID(context.Background(), map[string]any{"exchange": "NYSE", "day": int64(1)})
	require.NoError(t, err)
	su2, err := router.ResolveSubsetUUID(context.Background(), map[string]any{"exchange": "NYSE", "day": int64(1)})
	require.NoError(t, err)

	require.Equal(t, su1, su2)
	require.Equal(t, 1, r.ensureCalls)
	require.Equal(t, 1, r.createCalls)
}

func TestRouterDistinctKeysMiss(t *testing.T) {
	seen := map[string]string{}
	r := &fakeResolver{nextUUID: func(keys map[string]any) string {
		exch := keys["exchange"].(string)
		seen[exch] = exch
		return "subset-" + exch
	}}
	router := NewRouter(r, "ds-1", 1000)

	a, err := router.ResolveSubsetUUID(context.Background(), map[string]any{"exchange": "NYSE"})
	require.NoError(t, err)
	b, err := router.ResolveSubsetUUID(context.Background(), map[string]any{"exchange": "NASDAQ"})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, r.createCalls)
}

func TestPartitionDeterministicAndBounded(t *testing.T) {
	p1 := Partition("subset-a", 8)
	p2 := Partition("subset-a", 8)
	require.Equal(t, p1, p2)
	require.GreaterOrEqual(t, p1, 0)
	require.Less(t, p1, 8)
}

func TestPartitionDistributesAcrossSubsets(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		su := "subset-" + string(rune('a'+i))
		seen[Partition(su, 4)] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestPartitionZeroPartitions(t *testing.T) {
	require.Equal(t, 0, Partition("subset-a", 0))
}
