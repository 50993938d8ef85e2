package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/schema"
)

func testBatch() rowbatch.Batch {
	return rowbatch.Batch{
		Dtype: schema.Dtype{Fields: []schema.FieldSpec{
			{Name: "price", Base: schema.KindFloat64},
			{Name: "symbol", Base: schema.KindUnicode},
		}},
		NumRows: 2,
		Columns: map[string]rowbatch.Column{
			"price":  {Name: "price", Base: schema.KindFloat64, Float64: []float64{1.5, 2.5}},
			"symbol": {Name: "symbol", Base: schema.KindUnicode, Text: []string{"AAA", "BBB"}},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Payload{
		SubsetKeys: map[string]any{"exchange": "NYSE", "day": int64(20260101)},
		Batch:      testBatch(),
		IsGroup:    false,
	}
	blob, err := EncodePayload("test", p)
	require.NoError(t, err)
	require.True(t, len(blob) > len(magic))

	got, err := DecodePayload("test", blob)
	require.NoError(t, err)
	require.Equal(t, p.IsGroup, got.IsGroup)
	require.Equal(t, p.Batch.NumRows, got.Batch.NumRows)
	require.Equal(t, p.SubsetKeys["exchange"], got.SubsetKeys["exchange"])
	gotCol, ok := got.Batch.Column("price")
	require.True(t, ok)
	require.Equal(t, []float64{1.5, 2.5}, gotCol.Float64)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := DecodePayload("test", []byte("not a payload at all"))
	require.Error(t, err)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := DecodePayload("test", []byte{'D', 'M'})
	require.Error(t, err)
}
