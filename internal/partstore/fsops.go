package partstore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// tmpSuffix marks an in-progress part write; cleanupStaleTmps only ever
// removes files with this exact suffix.
const tmpSuffix = ".dmp.tmp"

// fsyncDir fsyncs a directory's inode so a preceding create/rename is
// durable across a crash, best-effort like the original (a missing
// directory-fsync capability on some platforms must not fail the publish).
func fsyncDir(path string) {
	d, err := os.Open(path)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// makeDirsWithFsync creates path and every missing ancestor, fsyncing each
// newly-created directory's parent so the directory entries survive a crash
// (spec §4.4, "directory creation is itself crash-safe").
func makeDirsWithFsync(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return dmerr.PartWrite("makedirs", err)
	}
	var toMake []string
	cur := abs
	for {
		if fi, statErr := os.Stat(cur); statErr == nil && fi.IsDir() {
			break
		}
		toMake = append(toMake, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	for i := len(toMake) - 1; i >= 0; i-- {
		d := toMake[i]
		if err := os.MkdirAll(d, 0o755); err != nil {
			return dmerr.PartWrite("makedirs", err)
		}
		fsyncDir(filepath.Dir(d))
	}
	return nil
}

// cleanupStaleTmps removes abandoned ".dmp.tmp" files left behind by a
// writer that crashed mid-publish, once they're older than olderThan.
func cleanupStaleTmps(dirpath string, olderThan time.Duration) {
	entries, err := os.ReadDir(dirpath)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= olderThan {
			_ = os.Remove(filepath.Join(dirpath, e.Name()))
		}
	}
	fsyncDir(dirpath)
}

// UnlinkPartInside removes rel (relative to root) only if it resolves
// inside root, refusing to ever touch the root itself — exported for
// internal/gc's hard-delete pass (spec §4.11, hard delete must never escape
// the dataset directory).
func UnlinkPartInside(root, rel string) (bool, error) {
	return safeUnlinkInside(root, rel)
}

// PruneEmptyDirs removes start and every now-empty ancestor up to (but not
// including) stopAt, stopping at the first non-empty directory — exported
// for internal/gc's post-unlink directory cleanup.
func PruneEmptyDirs(start, stopAt string) {
	pruneEmptyDirs(start, stopAt)
}

// safeUnlinkInside removes rel (relative to root) only if it resolves
// inside root, refusing to ever touch the root itself (spec §4.11, hard
// delete must never escape the dataset directory).
func safeUnlinkInside(root, rel string) (bool, error) {
	p, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return false, dmerr.AtomicReplace("unlink", err)
	}
	r, err := filepath.Abs(root)
	if err != nil {
		return false, dmerr.AtomicReplace("unlink", err)
	}
	if p != r && !strings.HasPrefix(p, r+string(filepath.Separator)) {
		return false, dmerr.AtomicReplace("unlink", os.ErrInvalid).With("path", rel)
	}
	if p == r {
		return false, dmerr.AtomicReplace("unlink", os.ErrInvalid).With("path", "refusing to unlink dataset root")
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, dmerr.AtomicReplace("unlink", err)
	}
	if err := os.Remove(p); err != nil {
		return false, dmerr.AtomicReplace("unlink", err)
	}
	fsyncDir(filepath.Dir(p))
	return true, nil
}

// pruneEmptyDirs removes start and every now-empty ancestor up to (but not
// including) stopAt, stopping at the first non-empty directory.
func pruneEmptyDirs(start, stopAt string) {
	stop, err := filepath.Abs(stopAt)
	if err != nil {
		return
	}
	cur, err := filepath.Abs(start)
	if err != nil {
		return
	}
	for strings.HasPrefix(cur, stop) && cur != stop {
		if err := os.Remove(cur); err != nil {
			return
		}
		fsyncDir(filepath.Dir(cur))
		cur = filepath.Dir(cur)
	}
}
