package identity

import (
	"testing"

	"github.com/datamgr/datamgr/internal/schema"
	"github.com/stretchr/testify/require"
)

// Frozen byte-layout vectors for the identity-tuple encoding (SPEC_FULL.md
// §4.2). These pin the exact wire format: changing any of them changes every
// subset_uuid ever derived, so encoding changes must update these vectors
// deliberately, never accidentally.

func TestIdentityBytesInteger(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"n": schema.SQLInteger}, Order: []string{"n"}}
	got, err := BuildIdentityBytes("test", map[string]any{"n": int64(5)}, ks, nil, 1000)
	require.NoError(t, err)
	want := []byte{0x00, 0x01, 'n', 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05}
	require.Equal(t, want, got)
}

func TestIdentityBytesRealNormal(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"x": schema.SQLReal}, Order: []string{"x"}}
	got, err := BuildIdentityBytes("test", map[string]any{"x": 2.5}, ks, nil, 1000)
	require.NoError(t, err)
	want := []byte{0x00, 0x01, 'x', 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x09, 0xC4}
	require.Equal(t, want, got)
}

func TestIdentityBytesRealNaN(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"x": schema.SQLReal}, Order: []string{"x"}}
	got, err := BuildIdentityBytes("test", map[string]any{"x": math_NaN()}, ks, nil, 1000)
	require.NoError(t, err)
	want := []byte{0x00, 0x01, 'x', 0x01, byte(SpecialsNaN), 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	require.Equal(t, want, got)
}

func TestIdentityBytesBoolean(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"b": schema.SQLBoolean}, Order: []string{"b"}}
	got, err := BuildIdentityBytes("test", map[string]any{"b": true}, ks, nil, 1000)
	require.NoError(t, err)
	want := []byte{0x00, 0x01, 'b', 0x03, 0x01}
	require.Equal(t, want, got)
}

func TestIdentityBytesText(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"s": schema.SQLText}, Order: []string{"s"}}
	got, err := BuildIdentityBytes("test", map[string]any{"s": "ab"}, ks, nil, 1000)
	require.NoError(t, err)
	want := []byte{0x00, 0x01, 's', 0x04, 0x00, 0x00, 0x00, 0x02, 'a', 'b'}
	require.Equal(t, want, got)
}

func TestIdentityBytesRespectKeyOrder(t *testing.T) {
	ks := schema.KeySchema{
		Types: map[string]schema.SQLType{"b": schema.SQLBoolean, "n": schema.SQLInteger},
		Order: []string{"n", "b"},
	}
	keys := map[string]any{"b": false, "n": int64(1)}
	got, err := BuildIdentityBytes("test", keys, ks, nil, 1000)
	require.NoError(t, err)
	want := []byte{
		0x00, 0x01, 'n', 0x02, 0, 0, 0, 0, 0, 0, 0, 1,
		0x00, 0x01, 'b', 0x03, 0x00,
	}
	require.Equal(t, want, got)
}

func TestSubsetUUIDDeterministicAndDistinct(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"n": schema.SQLInteger}, Order: []string{"n"}}

	u1, err := DeriveSubsetUUID("test", map[string]any{"n": int64(1)}, ks, nil, 1000)
	require.NoError(t, err)
	u2, err := DeriveSubsetUUID("test", map[string]any{"n": int64(1)}, ks, nil, 1000)
	require.NoError(t, err)
	require.Equal(t, u1, u2, "identical keys must derive identical subset_uuid")

	u3, err := DeriveSubsetUUID("test", map[string]any{"n": int64(2)}, ks, nil, 1000)
	require.NoError(t, err)
	require.NotEqual(t, u1, u3, "distinct keys must derive distinct subset_uuid")

	require.EqualValues(t, identityUUIDVersion, u1.Version())
}

func TestEqualityPredicatesExpandsRealKey(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"x": schema.SQLReal}, Order: []string{"x"}}
	pred, err := EqualityPredicates("test", map[string]any{"x": 2.5}, ks, nil, 1000)
	require.NoError(t, err)
	require.Equal(t, int(SpecialsNormal), pred["x_s"])
	require.Equal(t, int64(2500), pred["x_q"])
}

func TestEqualityPredicatesNaNHasNilQuantized(t *testing.T) {
	ks := schema.KeySchema{Types: map[string]schema.SQLType{"x": schema.SQLReal}, Order: []string{"x"}}
	pred, err := EqualityPredicates("test", map[string]any{"x": math_NaN()}, ks, nil, 1000)
	require.NoError(t, err)
	require.Equal(t, int(SpecialsNaN), pred["x_s"])
	require.Nil(t, pred["x_q"])
}

func TestPerKeyQuantizationScaleAppliesIndependently(t *testing.T) {
	ks := schema.KeySchema{
		Types: map[string]schema.SQLType{"lat": schema.SQLReal, "price": schema.SQLReal},
		Order: []string{"lat", "price"},
	}
	scales := map[string]float64{"lat": 1000, "price": 100}
	keys := map[string]any{"lat": 2.5, "price": 2.5}

	pred, err := EqualityPredicates("test", keys, ks, scales, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2500), pred["lat_q"], "lat uses its own 1000 scale")
	require.Equal(t, int64(250), pred["price_q"], "price uses its own 100 scale, not lat's")

	u1, err := DeriveSubsetUUID("test", keys, ks, scales, 1)
	require.NoError(t, err)
	u2, err := DeriveSubsetUUID("test", keys, ks, nil, 1)
	require.NoError(t, err)
	require.NotEqual(t, u1, u2, "a key missing from scales must fall back to defaultScale, not share another key's scale")
}

func math_NaN() float64 {
	var zero float64
	return zero / zero
}
