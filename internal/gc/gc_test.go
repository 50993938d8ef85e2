package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datamgr/datamgr/internal/catalog"
)

type fakeGCCatalog struct {
	markedParts []catalog.MarkedPart
	commits     []struct {
		partUUIDs []string
		touched   []string
	}
	result catalog.GCResult
	err    error
}

func (f *fakeGCCatalog) ListMarkedParts(context.Context, string) ([]catalog.MarkedPart, error) {
	return f.markedParts, nil
}

func (f *fakeGCCatalog) GCCommit(_ context.Context, _ string, partUUIDs, touchedSubsetIDs []string) (catalog.GCResult, error) {
	f.commits = append(f.commits, struct {
		partUUIDs []string
		touched   []string
	}{partUUIDs, touchedSubsetIDs})
	return f.result, f.err
}

func TestRunUnlinksAndCommits(t *testing.T) {
	root := t.TempDir()
	relDir := filepath.Join("subsets", "sub-a", "parts", "v1")
	require.NoError(t, os.MkdirAll(filepath.Join(root, relDir), 0o755))
	rel := filepath.Join(relDir, "part-1.dmp")
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte("x"), 0o644))

	cat := &fakeGCCatalog{
		markedParts: []catalog.MarkedPart{{PartUUID: "part-1", SubsetUUID: "sub-a", FileRelPath: rel, NRows: 3}},
		result:      catalog.GCResult{PartsDeleted: 1, SubsetsDeleted: 0},
	}
	result, err := Run(context.Background(), zap.NewNop(), cat, "ds-1", root)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesRemoved)
	require.EqualValues(t, 1, result.PartsDeleted)
	require.NoFileExists(t, filepath.Join(root, rel))
	require.Len(t, cat.commits, 1)
	require.Equal(t, []string{"part-1"}, cat.commits[0].partUUIDs)
	require.Equal(t, []string{"sub-a"}, cat.commits[0].touched)
}

func TestRunRemovesDoomedSubsetDirectory(t *testing.T) {
	root := t.TempDir()
	relDir := filepath.Join("subsets", "sub-a", "parts", "v1")
	require.NoError(t, os.MkdirAll(filepath.Join(root, relDir), 0o755))
	rel := filepath.Join(relDir, "part-1.dmp")
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte("x"), 0o644))

	cat := &fakeGCCatalog{
		markedParts: []catalog.MarkedPart{{PartUUID: "part-1", SubsetUUID: "sub-a", FileRelPath: rel, NRows: 3}},
		result:      catalog.GCResult{PartsDeleted: 1, SubsetsDeleted: 1, DoomedSubsetIDs: []string{"sub-a"}},
	}
	_, err := Run(context.Background(), zap.NewNop(), cat, "ds-1", root)
	require.NoError(t, err)
	require.NoDirExists(t, filepath.Join(root, "subsets", "sub-a"))
}

func TestRunNoMarkedPartsIsNoop(t *testing.T) {
	root := t.TempDir()
	cat := &fakeGCCatalog{}
	result, err := Run(context.Background(), zap.NewNop(), cat, "ds-1", root)
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
	require.Empty(t, cat.commits)
}

func TestRunToleratesAlreadyMissingPartFile(t *testing.T) {
	root := t.TempDir()
	cat := &fakeGCCatalog{
		markedParts: []catalog.MarkedPart{
			{PartUUID: "missing", SubsetUUID: "sub-a", FileRelPath: filepath.Join("subsets", "sub-a", "parts", "v1", "gone.dmp"), NRows: 1},
		},
		result: catalog.GCResult{},
	}
	result, err := Run(context.Background(), zap.NewNop(), cat, "ds-1", root)
	require.NoError(t, err)
	require.Equal(t, 0, result.FilesRemoved)
	require.Len(t, cat.commits, 1)
}
