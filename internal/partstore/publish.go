// Package partstore implements the atomic part-sealing protocol: write a
// ".dmp.tmp" file, fsync it, rename into place, fsync the containing
// directory, then record it in the catalog — so a crash at any point leaves
// either nothing or a fully-durable part (spec §4.4, §11).
package partstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/hashing"
	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"
)

// Hooks lets callers (tests, fsck, metrics) observe each step of a publish
// without the core path depending on them — mirrors the original's Hooks
// callback class, one method per durability checkpoint.
type Hooks interface {
	OnPublishBegin(datasetUUID, subsetUUID, partUUID string)
	OnPublishFsynced(datasetUUID, subsetUUID, partUUID string)
	OnPublishRenamed(datasetUUID, subsetUUID, partUUID string)
	OnPublishDirFsynced(datasetUUID, subsetUUID, partUUID string)
	// OnDedupHit fires in place of the above when the dedup lookup finds an
	// already-sealed (subset_uuid, content_hash); when this call instead lost
	// a concurrent InsertPart race, it fires after all four of them.
	OnDedupHit(datasetUUID, subsetUUID, partUUID string)
}

// NopHooks implements Hooks with no-ops; embed it to override only what you need.
type NopHooks struct{}

func (NopHooks) OnPublishBegin(string, string, string)      {}
func (NopHooks) OnPublishFsynced(string, string, string)    {}
func (NopHooks) OnPublishRenamed(string, string, string)    {}
func (NopHooks) OnPublishDirFsynced(string, string, string) {}
func (NopHooks) OnDedupHit(string, string, string)          {}

// ExistingPart is what a dedup lookup or a losing race returns.
type ExistingPart struct {
	PartUUID string
	RelPath  string
}

// Catalog is the narrow slice of catalog behavior PublishPart needs: a
// dedup lookup before writing, and a durable insert afterward whose
// (subset_uuid, content_hash) UNIQUE constraint is the final arbiter of a
// race between concurrent writers (spec §4.5, "dedup").
type Catalog interface {
	FindSealedPart(ctx context.Context, subsetUUID, contentHash string) (ExistingPart, bool, error)
	InsertPart(ctx context.Context, rec PartRecord) (ExistingPart, bool, error)
}

// PartRecord is the row InsertPart writes into the parts table.
type PartRecord struct {
	PartUUID       string
	SubsetUUID     string
	DatasetUUID    string
	CreatedAtEpoch int64
	SchemeVersion  int
	NRows          int
	FileRelPath    string
	ContentHash    string
	PartStatsJSON  string
}

// Options configures a Store.
type Options struct {
	DatasetRoot       string
	Scheme            StorageScheme
	Compression       Compression
	StaleTmpAge       time.Duration
	MinFreeBytes      uint64 // preflight floor; 0 disables the check
	Catalog           Catalog
	Hooks             Hooks
	Logger            *zap.Logger
}

// Store publishes parts under one dataset root.
type Store struct {
	opts Options
	log  *zap.Logger
}

// New constructs a Store, filling in defaults for unset Options fields.
func New(opts Options) *Store {
	if opts.StaleTmpAge <= 0 {
		opts.StaleTmpAge = 24 * time.Hour
	}
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{opts: opts, log: opts.Logger}
}

// checkDiskSpace logs (never fails) a warning when free space on the
// dataset root drops below MinFreeBytes — the original's h5py path has no
// equivalent, but gopsutil's disk usage probe is the idiomatic teacher-stack
// way to surface this (spec §4.4, "preflight").
func (s *Store) checkDiskSpace(op string) {
	if s.opts.MinFreeBytes == 0 {
		return
	}
	usage, err := disk.Usage(s.opts.DatasetRoot)
	if err != nil {
		s.log.Warn("disk usage probe failed", zap.String("op", op), zap.Error(err))
		return
	}
	if usage.Free < s.opts.MinFreeBytes {
		s.log.Warn("dataset root low on free space",
			zap.String("op", op),
			zap.Uint64("free_bytes", usage.Free),
			zap.Uint64("min_free_bytes", s.opts.MinFreeBytes),
		)
	}
}

// Publish seals batch as a new part of subset subsetUUID (spec §4.4):
//  1. compute content_hash over batch
//  2. dedup lookup — if a non-deleted part with this (subset, hash) already exists, return it
//  3. write a ".dmp.tmp" container, fsync it
//  4. rename into place, fsync the containing directory
//  5. insert the catalog row; on a UNIQUE race, remove our file and return the winner
func (s *Store) Publish(ctx context.Context, op, datasetUUID, subsetUUID string, batch *rowbatch.Batch, quantDigestHex, partStatsJSON string) (ExistingPart, error) {
	if batch.NumRows <= 0 {
		return ExistingPart{}, dmerr.PartWrite(op, fmt.Errorf("publish received an empty batch"))
	}
	s.checkDiskSpace(op)

	contentHash, err := hashing.ContentHash(op, batch, 0)
	if err != nil {
		return ExistingPart{}, err
	}

	if existing, found, err := s.opts.Catalog.FindSealedPart(ctx, subsetUUID, contentHash); err != nil {
		return ExistingPart{}, err
	} else if found {
		s.opts.Hooks.OnDedupHit(datasetUUID, subsetUUID, existing.PartUUID)
		return existing, nil
	}

	partUUID := uuid.New().String()
	rel, err := PartRelPath(op, subsetUUID, partUUID, s.opts.Scheme)
	if err != nil {
		return ExistingPart{}, err
	}
	absDst := filepath.Join(s.opts.DatasetRoot, rel)
	absTmp := absDst + tmpSuffix
	dirpath := filepath.Dir(absDst)

	if err := makeDirsWithFsync(dirpath); err != nil {
		return ExistingPart{}, err
	}
	cleanupStaleTmps(dirpath, s.opts.StaleTmpAge)

	s.opts.Hooks.OnPublishBegin(datasetUUID, subsetUUID, partUUID)

	createdEpoch := time.Now().UnixMicro()
	env := Envelope{
		PartUUID:       partUUID,
		SubsetUUID:     subsetUUID,
		DatasetUUID:    datasetUUID,
		CreatedAtEpoch: createdEpoch,
		NRows:          batch.NumRows,
		SchemeVersion:  s.opts.Scheme.Version,
		ContentHash:    contentHash,
		QuantDigestHex: quantDigestHex,
		Dtype:          batch.Dtype,
		Columns:        batch.Columns,
		Meta:           batch.Meta,
		PartStatsJSON:  partStatsJSON,
	}
	if err := writeContainerFile(op, absTmp, env, s.opts.Compression); err != nil {
		return ExistingPart{}, err
	}
	s.opts.Hooks.OnPublishFsynced(datasetUUID, subsetUUID, partUUID)

	if err := os.Rename(absTmp, absDst); err != nil {
		_ = os.Remove(absTmp)
		return ExistingPart{}, dmerr.AtomicReplace(op, err)
	}
	s.opts.Hooks.OnPublishRenamed(datasetUUID, subsetUUID, partUUID)
	fsyncDir(dirpath)
	s.opts.Hooks.OnPublishDirFsynced(datasetUUID, subsetUUID, partUUID)

	rec := PartRecord{
		PartUUID:       partUUID,
		SubsetUUID:     subsetUUID,
		DatasetUUID:    datasetUUID,
		CreatedAtEpoch: createdEpoch,
		SchemeVersion:  s.opts.Scheme.Version,
		NRows:          batch.NumRows,
		FileRelPath:    rel,
		ContentHash:    contentHash,
		PartStatsJSON:  partStatsJSON,
	}
	winner, lostRace, err := s.opts.Catalog.InsertPart(ctx, rec)
	if err != nil {
		_ = os.Remove(absDst)
		fsyncDir(dirpath)
		return ExistingPart{}, err
	}
	if lostRace {
		_ = os.Remove(absDst)
		fsyncDir(dirpath)
		s.opts.Hooks.OnDedupHit(datasetUUID, subsetUUID, winner.PartUUID)
		return winner, nil
	}
	return ExistingPart{PartUUID: partUUID, RelPath: rel}, nil
}
