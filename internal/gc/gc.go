// Package gc hard-deletes every part marked for deletion: unlinks its file,
// prunes now-empty directories up the subset's parts/v{N} chain, commits the
// catalog-side bookkeeping, and removes the on-disk directory of any subset
// that collapses to zero live rows (spec §4.11, "Hard delete & GC"; original:
// legacy/datamgr/manager.py's Manager.delete).
package gc

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/datamgr/datamgr/internal/catalog"
	"github.com/datamgr/datamgr/internal/lease"
	"github.com/datamgr/datamgr/internal/partstore"
)

// Catalog is the narrow slice of *catalog.Catalog gc depends on.
type Catalog interface {
	ListMarkedParts(ctx context.Context, datasetUUID string) ([]catalog.MarkedPart, error)
	GCCommit(ctx context.Context, datasetUUID string, partUUIDs, touchedSubsetIDs []string) (catalog.GCResult, error)
}

// Result summarizes one Run.
type Result struct {
	FilesRemoved   int
	PartsDeleted   int64
	SubsetsDeleted int64
}

// Run hard-deletes every part currently marked for deletion in datasetUUID.
// A per-file unlink failure is logged and aggregated, never aborting the
// rest of the pass — the original's Manager.delete swallows exactly these
// per-row exceptions too, trusting the next GC pass to retry. Run holds the
// dataset's lease.Lease for its whole body, mirroring manager.py's delete
// wrapping the entire pass in a DatasetLease, so GC never overlaps another
// GC pass or an fsck Run over the same dataset. Ingest takes only subset
// leases, so the dataset lease does not exclude it.
func Run(ctx context.Context, log *zap.Logger, cat Catalog, datasetUUID, datasetRoot string) (Result, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dl, err := lease.AcquireDataset(ctx, datasetRoot, datasetUUID, lease.NopHooks{})
	if err != nil {
		return Result{}, err
	}
	defer dl.Release()

	marked, err := cat.ListMarkedParts(ctx, datasetUUID)
	if err != nil {
		return Result{}, err
	}
	if len(marked) == 0 {
		return Result{}, nil
	}

	var result Result
	var errs error
	partUUIDs := make([]string, 0, len(marked))
	touched := map[string]struct{}{}
	for _, m := range marked {
		partUUIDs = append(partUUIDs, m.PartUUID)
		touched[m.SubsetUUID] = struct{}{}

		subsetDir := filepath.Join(datasetRoot, "subsets", m.SubsetUUID)
		removed, unlinkErr := partstore.UnlinkPartInside(datasetRoot, m.FileRelPath)
		if unlinkErr != nil {
			log.Warn("gc: unlink failed", zap.String("part_uuid", m.PartUUID), zap.Error(unlinkErr))
			errs = multierr.Append(errs, unlinkErr)
			continue
		}
		if removed {
			result.FilesRemoved++
			fileAbs := filepath.Join(datasetRoot, m.FileRelPath)
			partstore.PruneEmptyDirs(filepath.Dir(fileAbs), subsetDir)
		}
	}

	touchedIDs := make([]string, 0, len(touched))
	for su := range touched {
		touchedIDs = append(touchedIDs, su)
	}

	commitResult, err := cat.GCCommit(ctx, datasetUUID, partUUIDs, touchedIDs)
	if err != nil {
		return result, multierr.Append(errs, err)
	}
	result.PartsDeleted = commitResult.PartsDeleted
	result.SubsetsDeleted = commitResult.SubsetsDeleted

	for _, su := range commitResult.DoomedSubsetIDs {
		subsetDir := filepath.Join(datasetRoot, "subsets", su)
		if removeErr := os.RemoveAll(subsetDir); removeErr != nil {
			log.Warn("gc: removing empty subset directory failed", zap.String("subset_uuid", su), zap.Error(removeErr))
			errs = multierr.Append(errs, removeErr)
		}
	}

	return result, errs
}
