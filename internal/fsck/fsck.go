// Package fsck walks a dataset's on-disk part files and reconciles them
// against its catalog, recovering parts the catalog lost track of (a crash
// between writeContainerFile's rename and InsertPart's commit, or a catalog
// restored from an older backup) without touching anything already known
// (spec §4.10, "Fsck & orphan recovery"; original:
// legacy/datamgr/manifest.py's fsck_dataset).
package fsck

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/datamgr/datamgr/internal/catalog"
	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/hashing"
	"github.com/datamgr/datamgr/internal/lease"
	"github.com/datamgr/datamgr/internal/partstore"
	"github.com/datamgr/datamgr/internal/rowbatch"
)

// Catalog is the narrow slice of *catalog.Catalog fsck depends on.
type Catalog interface {
	KnownFiles(ctx context.Context, datasetUUID string) (map[string]struct{}, error)
	SubsetStatus(ctx context.Context, datasetUUID string) (map[string]bool, error)
	InsertOrphanParts(ctx context.Context, datasetUUID string, orphans []catalog.OrphanPart) (int64, error)
}

// Result summarizes one Run, mirroring the original's fsck_dataset dict.
type Result struct {
	FSFiles       int
	DBFiles       int
	OrphansFound  int
	Inserted      int64
	SkippedNoSubset int
	Failures      int
}

// Run walks datasetRoot/subsets for *.dmp files not already recorded in the
// parts table, reads each one's envelope, and — if its subset exists and is
// not marked for deletion — inserts a recovered parts row. A file that fails
// to parse, or whose attributes are incomplete, is skipped and counted in
// Failures rather than aborting the scan; every such failure is collected
// via multierr and returned alongside Result so callers can log specifics.
// Run holds the dataset's lease.Lease for its whole body, the same as gc.Run,
// so a scan never overlaps a GC pass or another fsck Run on the same dataset.
// Ingest takes only subset leases, so the dataset lease does not exclude it.
func Run(ctx context.Context, cat Catalog, datasetUUID, datasetRoot string) (Result, error) {
	dl, err := lease.AcquireDataset(ctx, datasetRoot, datasetUUID, lease.NopHooks{})
	if err != nil {
		return Result{}, err
	}
	defer dl.Release()

	known, err := cat.KnownFiles(ctx, datasetUUID)
	if err != nil {
		return Result{}, err
	}
	subsetStatus, err := cat.SubsetStatus(ctx, datasetUUID)
	if err != nil {
		return Result{}, err
	}

	rels, err := walkPartFiles(datasetRoot)
	if err != nil {
		return Result{}, dmerr.PartWrite("fsck_run", err)
	}

	var result Result
	result.FSFiles = len(rels)
	result.DBFiles = len(known)

	var orphanRels []string
	for _, rel := range rels {
		if _, ok := known[rel]; !ok {
			orphanRels = append(orphanRels, rel)
		}
	}
	result.OrphansFound = len(orphanRels)
	if len(orphanRels) == 0 {
		return result, nil
	}

	var orphans []catalog.OrphanPart
	var errs error
	for _, rel := range orphanRels {
		op, recoverErr := recoverOne(datasetRoot, rel, subsetStatus)
		if recoverErr != nil {
			result.Failures++
			errs = multierr.Append(errs, recoverErr)
			continue
		}
		if op == nil {
			result.SkippedNoSubset++
			continue
		}
		orphans = append(orphans, *op)
	}

	inserted, err := cat.InsertOrphanParts(ctx, datasetUUID, orphans)
	if err != nil {
		return result, multierr.Append(errs, err)
	}
	result.Inserted = inserted
	return result, errs
}

// walkPartFiles returns every *.dmp file's path relative to root, skipping
// in-progress ".dmp.tmp" writes.
func walkPartFiles(root string) ([]string, error) {
	partsDir := filepath.Join(root, "subsets")
	var rels []string
	err := filepath.WalkDir(partsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".dmp") {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return rels, nil
}

// recoverOne reads one orphan file's envelope and turns it into a catalog
// row, or returns (nil, nil) if its subset doesn't exist or is marked for
// deletion (not a failure — the original skips these silently too).
func recoverOne(datasetRoot, rel string, subsetStatus map[string]bool) (*catalog.OrphanPart, error) {
	abs := filepath.Join(datasetRoot, rel)
	env, err := partstore.ReadContainerFile(abs)
	if err != nil {
		return nil, dmerr.PartWrite("fsck_recover", err).With("path", rel)
	}
	if env.SubsetUUID == "" || env.PartUUID == "" {
		return nil, dmerr.PartWrite("fsck_recover", nil).With("path", rel).With("reason", "missing subset_uuid/part_uuid attributes")
	}
	marked, exists := subsetStatus[env.SubsetUUID]
	if !exists || marked {
		return nil, nil
	}

	contentHash := env.ContentHash
	if contentHash == "" {
		batch := &rowbatch.Batch{Dtype: env.Dtype, NumRows: env.NRows, Columns: env.Columns, Meta: env.Meta}
		h, hashErr := hashing.ContentHash("fsck_recover", batch, 0)
		if hashErr != nil {
			return nil, dmerr.PartWrite("fsck_recover", hashErr).With("path", rel)
		}
		contentHash = h
	}

	return &catalog.OrphanPart{
		PartUUID:       env.PartUUID,
		SubsetUUID:     env.SubsetUUID,
		CreatedAtEpoch: env.CreatedAtEpoch,
		NRows:          int64(env.NRows),
		SchemeVersion:  env.SchemeVersion,
		FileRelPath:    rel,
		ContentHash:    contentHash,
	}, nil
}
