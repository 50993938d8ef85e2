package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datamgr/datamgr/internal/partstore"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEnsureDatasetCreatesOnceAndReturnsSameUUID(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	scheme := partstore.DefaultStorageScheme()

	dsUUID1, gotScheme, err := c.EnsureDataset(ctx, "weather", scheme)
	require.NoError(t, err)
	require.NotEmpty(t, dsUUID1)
	require.Equal(t, scheme, gotScheme)

	dsUUID2, _, err := c.EnsureDataset(ctx, "weather", scheme)
	require.NoError(t, err)
	require.Equal(t, dsUUID1, dsUUID2)

	resolved, err := c.ResolveAlias(ctx, "weather")
	require.NoError(t, err)
	require.Equal(t, dsUUID1, resolved)
}

func TestResolveAliasUnknownFails(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.ResolveAlias(context.Background(), "nope")
	require.Error(t, err)
}

func TestEnsureKeyColumnsLocksSchemaOnFirstCall(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, scheme, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)
	_ = scheme

	ks, _, err := c.EnsureKeyColumns(ctx, dsUUID, map[string]any{"site": "alpha", "year": int64(2024)}, 1.0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"site", "year"}, ks.Order)

	_, _, err = c.EnsureKeyColumns(ctx, dsUUID, map[string]any{"site": "beta", "year": int64(2025)}, 1.0)
	require.NoError(t, err)

	_, _, err = c.EnsureKeyColumns(ctx, dsUUID, map[string]any{"site": "beta"}, 1.0)
	require.Error(t, err)
}

func TestGetOrCreateSubsetIsIdempotentAndFindable(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, _, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)

	keys := map[string]any{"site": "alpha", "year": int64(2024)}
	ks, quant, err := c.EnsureKeyColumns(ctx, dsUUID, keys, 1.0)
	require.NoError(t, err)

	su1, err := c.GetOrCreateSubset(ctx, dsUUID, keys, ks, quant, 1.0)
	require.NoError(t, err)
	su2, err := c.GetOrCreateSubset(ctx, dsUUID, keys, ks, quant, 1.0)
	require.NoError(t, err)
	require.Equal(t, su1, su2)

	rows, err := c.FindSubsets(ctx, dsUUID, ks, SubsetQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, su1, rows[0].SubsetUUID)
	require.Equal(t, "alpha", rows[0].Keys["site"])
}

func TestGetOrCreateSubsetUnmarksDeletedSubsetOnReuse(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, _, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)

	keys := map[string]any{"site": "alpha"}
	ks, quant, err := c.EnsureKeyColumns(ctx, dsUUID, keys, 1.0)
	require.NoError(t, err)

	su, err := c.GetOrCreateSubset(ctx, dsUUID, keys, ks, quant, 1.0)
	require.NoError(t, err)

	_, err = c.MarkSubsets(ctx, dsUUID, []string{su}, true)
	require.NoError(t, err)

	rows, err := c.FindSubsets(ctx, dsUUID, ks, SubsetQuery{ExcludeMarked: true})
	require.NoError(t, err)
	require.Empty(t, rows)

	su2, err := c.GetOrCreateSubset(ctx, dsUUID, keys, ks, quant, 1.0)
	require.NoError(t, err)
	require.Equal(t, su, su2)

	rows, err = c.FindSubsets(ctx, dsUUID, ks, SubsetQuery{ExcludeMarked: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestPartsInsertFindAndDedupRace(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, _, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)
	keys := map[string]any{"site": "alpha"}
	ks, quant, err := c.EnsureKeyColumns(ctx, dsUUID, keys, 1.0)
	require.NoError(t, err)
	su, err := c.GetOrCreateSubset(ctx, dsUUID, keys, ks, quant, 1.0)
	require.NoError(t, err)

	dc := c.ForDataset(dsUUID)
	rec := partstore.PartRecord{
		PartUUID: "part-1", SubsetUUID: su, DatasetUUID: dsUUID,
		CreatedAtEpoch: 1000, SchemeVersion: 1, NRows: 5,
		FileRelPath: "subsets/x/parts/v1/part-1.dmp", ContentHash: "hash-1",
	}
	ep, lostRace, err := dc.InsertPart(ctx, rec)
	require.NoError(t, err)
	require.False(t, lostRace)
	require.Equal(t, "part-1", ep.PartUUID)

	rec2 := rec
	rec2.PartUUID = "part-2"
	rec2.FileRelPath = "subsets/x/parts/v1/part-2.dmp"
	ep2, lostRace2, err := dc.InsertPart(ctx, rec2)
	require.NoError(t, err)
	require.True(t, lostRace2)
	require.Equal(t, "part-1", ep2.PartUUID)

	parts, err := c.FindParts(ctx, dsUUID, []string{su}, FindPartsQuery{})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "part-1", parts[0].PartUUID)

	rows, err := c.FindSubsets(ctx, dsUUID, ks, SubsetQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 5, rows[0].TotalRows)
}

func TestGCCommitCollapsesEmptyMarkedSubset(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, _, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)
	keys := map[string]any{"site": "alpha"}
	ks, quant, err := c.EnsureKeyColumns(ctx, dsUUID, keys, 1.0)
	require.NoError(t, err)
	su, err := c.GetOrCreateSubset(ctx, dsUUID, keys, ks, quant, 1.0)
	require.NoError(t, err)

	dc := c.ForDataset(dsUUID)
	_, _, err = dc.InsertPart(ctx, partstore.PartRecord{
		PartUUID: "part-1", SubsetUUID: su, DatasetUUID: dsUUID,
		CreatedAtEpoch: 1, SchemeVersion: 1, NRows: 5,
		FileRelPath: "rel/part-1.dmp", ContentHash: "hash-1",
	})
	require.NoError(t, err)

	_, err = c.MarkSubsets(ctx, dsUUID, []string{su}, true)
	require.NoError(t, err)
	_, err = c.MarkParts(ctx, dsUUID, []string{"part-1"}, true)
	require.NoError(t, err)

	marked, err := c.ListMarkedParts(ctx, dsUUID)
	require.NoError(t, err)
	require.Len(t, marked, 1)

	result, err := c.GCCommit(ctx, dsUUID, []string{"part-1"}, []string{su})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.PartsDeleted)
	require.EqualValues(t, 1, result.SubsetsDeleted)
	require.Equal(t, []string{su}, result.DoomedSubsetIDs)

	rows, err := c.FindSubsets(ctx, dsUUID, ks, SubsetQuery{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestFsckHelpersReportKnownFilesAndSubsetStatus(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, _, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)
	keys := map[string]any{"site": "alpha"}
	ks, quant, err := c.EnsureKeyColumns(ctx, dsUUID, keys, 1.0)
	require.NoError(t, err)
	su, err := c.GetOrCreateSubset(ctx, dsUUID, keys, ks, quant, 1.0)
	require.NoError(t, err)

	dc := c.ForDataset(dsUUID)
	_, _, err = dc.InsertPart(ctx, partstore.PartRecord{
		PartUUID: "part-1", SubsetUUID: su, DatasetUUID: dsUUID,
		CreatedAtEpoch: 1, SchemeVersion: 1, NRows: 2,
		FileRelPath: "rel/part-1.dmp", ContentHash: "hash-1",
	})
	require.NoError(t, err)

	known, err := c.KnownFiles(ctx, dsUUID)
	require.NoError(t, err)
	_, ok := known["rel/part-1.dmp"]
	require.True(t, ok)

	status, err := c.SubsetStatus(ctx, dsUUID)
	require.NoError(t, err)
	require.Equal(t, false, status[su])

	inserted, err := c.InsertOrphanParts(ctx, dsUUID, []OrphanPart{
		{PartUUID: "part-2", SubsetUUID: su, CreatedAtEpoch: 2, NRows: 3, SchemeVersion: 1, FileRelPath: "rel/part-2.dmp", ContentHash: "hash-2"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)

	rows, err := c.FindSubsets(ctx, dsUUID, ks, SubsetQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 5, rows[0].TotalRows)
}

func TestStagerWiringRoundTrips(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, _, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)

	st, err := c.Stager(ctx, dsUUID)
	require.NoError(t, err)
	require.NoError(t, st.Enqueue(ctx, "sub-a", 3, []byte("payload"), 1000))

	hot, err := st.HotSubsets(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"sub-a"}, hot)
}

func TestDatasetRootLayout(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	dsUUID, _, err := c.EnsureDataset(ctx, "weather", partstore.DefaultStorageScheme())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.root, "datasets", dsUUID), c.DatasetRoot(dsUUID))
}
