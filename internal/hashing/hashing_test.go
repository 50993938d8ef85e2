package hashing

import (
	"testing"

	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/schema"
	"github.com/stretchr/testify/require"
)

func intBatch(vals []int64) *rowbatch.Batch {
	dt := schema.Dtype{Fields: []schema.FieldSpec{{Name: "n", Base: schema.KindInt64}}}
	return &rowbatch.Batch{
		Dtype:   dt,
		NumRows: len(vals),
		Columns: map[string]rowbatch.Column{
			"n": {Name: "n", Base: schema.KindInt64, Int64: vals},
		},
	}
}

func TestContentHashDeterministic(t *testing.T) {
	b1 := intBatch([]int64{1, 2, 3})
	b2 := intBatch([]int64{1, 2, 3})
	h1, err := ContentHash("test", b1, 0)
	require.NoError(t, err)
	h2, err := ContentHash("test", b2, 0)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 32) // 16 bytes hex-encoded
}

func TestContentHashDiffersOnData(t *testing.T) {
	h1, err := ContentHash("test", intBatch([]int64{1, 2, 3}), 0)
	require.NoError(t, err)
	h2, err := ContentHash("test", intBatch([]int64{1, 2, 4}), 0)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestContentHashStableAcrossChunkSize(t *testing.T) {
	vals := make([]int64, 1000)
	for i := range vals {
		vals[i] = int64(i)
	}
	big, err := ContentHash("test", intBatch(vals), 1<<20)
	require.NoError(t, err)
	small, err := ContentHash("test", intBatch(vals), 8) // forces many tiny chunks
	require.NoError(t, err)
	require.Equal(t, big, small, "chunk size must not affect the digest")
}

func TestContentHashDiffersOnMeta(t *testing.T) {
	b := intBatch([]int64{1, 2, 3})
	h1, err := ContentHash("test", b, 0)
	require.NoError(t, err)

	b.Meta = map[string][]int64{"tags_len": {1, 2, 3}}
	h2, err := ContentHash("test", b, 0)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestQuantizationDigestOrderIndependent(t *testing.T) {
	d1, err := QuantizationDigest(map[string]float64{"lat": 1000, "lon": 100})
	require.NoError(t, err)
	d2, err := QuantizationDigest(map[string]float64{"lon": 100, "lat": 1000})
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestBuildAADFieldOrder(t *testing.T) {
	b, err := BuildAAD(AAD{
		DatasetUUID:      "ds",
		SubsetUUID:       "su",
		PartUUID:         "pu",
		SchemaFingerpr:   "sf",
		StorageSchemeVer: 1,
		QuantDigestHex:   "qd",
		ContentHashHex:   "ch",
	})
	require.NoError(t, err)
	require.Equal(t, `{"ds":"ds","su":"su","pu":"pu","sf":"sf","sv":1,"qd":"qd","ch":"ch"}`, string(b))
}

func TestSchemaSignatureDistinguishesShape(t *testing.T) {
	a := schema.Dtype{Fields: []schema.FieldSpec{{Name: "v", Base: schema.KindInt64}}}
	b := schema.Dtype{Fields: []schema.FieldSpec{{Name: "v", Base: schema.KindInt64, Shape: []int{3}}}}
	require.NotEqual(t, SchemaSignature(a), SchemaSignature(b))
}
