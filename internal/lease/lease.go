// Package lease provides cross-process exclusive locks over a dataset and
// its subsets, backed by OS file locks so two writer processes touching the
// same dataset root can never race the same manifest rows or part files
// (spec §4.5, "leases"; original: legacy/datamgr/atoms.py's
// DatasetLease/SubsetLease).
package lease

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/sync"
	"github.com/gofrs/flock"

	"github.com/datamgr/datamgr/internal/dmerr"
)

const flockPollInterval = 25 * time.Millisecond

func ensureLockDir(dir string) error {
	_, statErr := os.Stat(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dmerr.LeaseAcquireFailed("ensure_lock_dir", dir, err)
	}
	if os.IsNotExist(statErr) {
		// MkdirAll may have created dir and its parent (locks/ and
		// locks/subsets/); fsync both parents so the new entries persist.
		for _, p := range []string{filepath.Dir(dir), filepath.Dir(filepath.Dir(dir))} {
			if d, err := os.Open(p); err == nil {
				_ = d.Sync()
				d.Close()
			}
		}
	}
	return nil
}

// Hooks observes lease acquisition/release, mirroring the original's
// Hooks.on_subset_lease_acquire/on_subset_lease_release callbacks.
type Hooks interface {
	OnDatasetLeaseAcquire(datasetUUID string)
	OnDatasetLeaseRelease(datasetUUID string)
	OnSubsetLeaseAcquire(datasetUUID, subsetUUID string)
	OnSubsetLeaseRelease(datasetUUID, subsetUUID string)
}

// NopHooks implements Hooks with no-ops.
type NopHooks struct{}

func (NopHooks) OnDatasetLeaseAcquire(string)          {}
func (NopHooks) OnDatasetLeaseRelease(string)          {}
func (NopHooks) OnSubsetLeaseAcquire(string, string)   {}
func (NopHooks) OnSubsetLeaseRelease(string, string)   {}

// DatasetLockPath mirrors dataset_lock_path: <root>/locks/dataset.lock.
func DatasetLockPath(datasetRoot string) string {
	return filepath.Join(datasetRoot, "locks", "dataset.lock")
}

// SubsetLockPath mirrors subset_lock_path: <root>/locks/subsets/<uuid>.lock.
func SubsetLockPath(datasetRoot, subsetUUID string) string {
	return filepath.Join(datasetRoot, "locks", "subsets", subsetUUID+".lock")
}

// inProcess guards against two goroutines in the same process both trying
// to flock the same path: flock.Flock is safe across processes but a single
// process can reacquire its own fcntl lock, so without this map two
// goroutines here would both "succeed" at holding one OS lock. Uses
// anacrolix/sync's Mutex/Once (API-compatible with stdlib sync) so a
// deadlock-detector build tag can be turned on for this package without
// touching call sites, matching the teacher's own drop-in usage elsewhere
// in the pack.
var inProcess = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: map[string]*sync.Mutex{}}

func inProcessMutex(path string) *sync.Mutex {
	inProcess.mu.Lock()
	defer inProcess.mu.Unlock()
	m, ok := inProcess.locks[path]
	if !ok {
		m = &sync.Mutex{}
		inProcess.locks[path] = m
	}
	return m
}

// Lease is a held exclusive lock; call Release to give it up.
type Lease struct {
	path      string
	fileLock  *flock.Flock
	procGuard *sync.Mutex
	release   func()
}

// Release unlocks the OS file lock and the in-process guard. Safe to call
// once; a second call is a no-op.
func (l *Lease) Release() {
	if l.release == nil {
		return
	}
	r := l.release
	l.release = nil
	r()
}

func acquire(ctx context.Context, op, path string) (*Lease, error) {
	guard := inProcessMutex(path)
	gotGuard := make(chan struct{})
	go func() {
		guard.Lock()
		close(gotGuard)
	}()
	select {
	case <-gotGuard:
	case <-ctx.Done():
		// Hand the guard back once the pending Lock goes through.
		go func() {
			<-gotGuard
			guard.Unlock()
		}()
		return nil, dmerr.LeaseAcquireFailed(op, path, ctx.Err())
	}

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, flockPollInterval)
	if err != nil {
		guard.Unlock()
		return nil, dmerr.LeaseAcquireFailed(op, path, err)
	}
	if !locked {
		guard.Unlock()
		return nil, dmerr.LeaseAcquireFailed(op, path, context.DeadlineExceeded)
	}
	var once sync.Once
	l := &Lease{path: path, fileLock: fl, procGuard: guard}
	l.release = func() {
		once.Do(func() {
			_ = fl.Unlock()
			guard.Unlock()
		})
	}
	return l, nil
}

// AcquireDataset takes the whole-dataset exclusive lease (spec §4.5,
// "dataset lease") used around schema changes and multi-subset GC passes.
func AcquireDataset(ctx context.Context, datasetRoot, datasetUUID string, hooks Hooks) (*Lease, error) {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if err := ensureLockDir(filepath.Dir(DatasetLockPath(datasetRoot))); err != nil {
		return nil, err
	}
	l, err := acquire(ctx, "dataset_lease", DatasetLockPath(datasetRoot))
	if err != nil {
		return nil, err
	}
	hooks.OnDatasetLeaseAcquire(datasetUUID)
	inner := l.release
	l.release = func() {
		inner()
		hooks.OnDatasetLeaseRelease(datasetUUID)
	}
	return l, nil
}

// AcquireSubset takes the per-subset exclusive lease (spec §4.5, "subset
// lease") used around buffer-compaction and single-subset GC.
func AcquireSubset(ctx context.Context, datasetRoot, datasetUUID, subsetUUID string, hooks Hooks) (*Lease, error) {
	if hooks == nil {
		hooks = NopHooks{}
	}
	path := SubsetLockPath(datasetRoot, subsetUUID)
	if err := ensureLockDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	l, err := acquire(ctx, "subset_lease", path)
	if err != nil {
		return nil, err
	}
	hooks.OnSubsetLeaseAcquire(datasetUUID, subsetUUID)
	inner := l.release
	l.release = func() {
		inner()
		hooks.OnSubsetLeaseRelease(datasetUUID, subsetUUID)
	}
	return l, nil
}
