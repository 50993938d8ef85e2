package catalog

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/datamgr/datamgr/internal/partstore"
)

// dedupKey identifies one sealed part by the triple a caller of InsertPart
// already has in hand before it ever opens a transaction.
type dedupKey struct {
	datasetUUID string
	subsetUUID  string
	contentHash string
}

func (a dedupKey) less(b dedupKey) bool {
	if a.datasetUUID != b.datasetUUID {
		return a.datasetUUID < b.datasetUUID
	}
	if a.subsetUUID != b.subsetUUID {
		return a.subsetUUID < b.subsetUUID
	}
	return a.contentHash < b.contentHash
}

type dedupEntry struct {
	key dedupKey
	ep  partstore.ExistingPart
}

// dedupCache is an in-process tidwall/btree index over (dataset_uuid,
// subset_uuid, content_hash) -> sealed part, short-circuiting the common
// compaction-dedup check (spec §4.5, "dedup cache") without ever opening a
// SQLite transaction. The UNIQUE index on (subset_uuid, content_hash) in
// each dataset.db remains the source of truth: a miss here always falls
// through to the DB, and a stale hit is impossible to observe because
// entries are only ever added after a row is durably committed and removed
// before the corresponding soft-delete commits.
type dedupCache struct {
	mu   sync.Mutex
	tree *btree.BTreeG[dedupEntry]
}

func newDedupCache() *dedupCache {
	return &dedupCache{
		tree: btree.NewBTreeG(func(a, b dedupEntry) bool { return a.key.less(b.key) }),
	}
}

func (d *dedupCache) get(datasetUUID, subsetUUID, contentHash string) (partstore.ExistingPart, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.tree.Get(dedupEntry{key: dedupKey{datasetUUID, subsetUUID, contentHash}})
	if !ok {
		return partstore.ExistingPart{}, false
	}
	return e.ep, true
}

func (d *dedupCache) put(datasetUUID, subsetUUID, contentHash string, ep partstore.ExistingPart) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tree.Set(dedupEntry{key: dedupKey{datasetUUID, subsetUUID, contentHash}, ep: ep})
}

// invalidateDataset drops every cached entry for datasetUUID, used whenever
// a part or subset in it is marked for deletion — a soft-delete can make a
// cached hit point at a part the DB no longer considers sealed, and the
// cache has no cheap way to find the one (subset_uuid, content_hash) entry a
// bare part_uuid corresponds to.
func (d *dedupCache) invalidateDataset(datasetUUID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []dedupEntry
	d.tree.Ascend(dedupEntry{key: dedupKey{datasetUUID: datasetUUID}}, func(e dedupEntry) bool {
		if e.key.datasetUUID != datasetUUID {
			return false
		}
		stale = append(stale, e)
		return true
	})
	for _, e := range stale {
		d.tree.Delete(e)
	}
}
