package stager

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// hotSet is a per-process, best-effort prefilter over "subset_uuid has
// unclaimed staged rows": a roaring bitmap keyed by a small per-process
// integer id assigned to each subset_uuid ever seen. HotSubsets consults it
// to skip the GROUP BY query outright when no writer in this process has
// enqueued anything since the last sweep; the SQL query remains the
// authoritative source whenever the set is non-empty; the set is always
// re-synced from the query's own results afterward, so it self-heals from
// any drift rather than needing exact tracking on every delete (spec §4.7,
// "hot_subsets").
type hotSet struct {
	mu     sync.Mutex
	ids    map[string]uint32
	nextID uint32
	bitmap *roaring.Bitmap
}

func newHotSet() *hotSet {
	return &hotSet{ids: map[string]uint32{}, bitmap: roaring.New()}
}

func (h *hotSet) idFor(subsetUUID string) uint32 {
	if id, ok := h.ids[subsetUUID]; ok {
		return id
	}
	id := h.nextID
	h.nextID++
	h.ids[subsetUUID] = id
	return id
}

// mark records that subsetUUID may now have unclaimed rows.
func (h *hotSet) mark(subsetUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bitmap.Add(h.idFor(subsetUUID))
}

// empty reports whether no subset is currently believed hot.
func (h *hotSet) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bitmap.IsEmpty()
}

// resync replaces the tracked set with exactly hot, the ground truth just
// returned by the authoritative SQL query.
func (h *hotSet) resync(hot []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bitmap.Clear()
	for _, su := range hot {
		h.bitmap.Add(h.idFor(su))
	}
}
