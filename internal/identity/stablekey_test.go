package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStableKeyStringOrderIndependent(t *testing.T) {
	a, err := StableKeyString(map[string]any{"exchange": "NYSE", "day": int64(5)})
	require.NoError(t, err)
	b, err := StableKeyString(map[string]any{"day": int64(5), "exchange": "NYSE"})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestStableKeyStringDistinguishesValues(t *testing.T) {
	a, err := StableKeyString(map[string]any{"day": int64(5)})
	require.NoError(t, err)
	b, err := StableKeyString(map[string]any{"day": int64(6)})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestStableKeyStringRejectsUnsupportedType(t *testing.T) {
	_, err := StableKeyString(map[string]any{"bad": []int{1, 2}})
	require.Error(t, err)
}

func TestStableKeyStringNormalizesIntWidths(t *testing.T) {
	a, err := StableKeyString(map[string]any{"day": int(5)})
	require.NoError(t, err)
	b, err := StableKeyString(map[string]any{"day": int64(5)})
	require.NoError(t, err)
	require.Equal(t, a, b)
}
