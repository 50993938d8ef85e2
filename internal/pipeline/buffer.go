package pipeline

import (
	"sync"

	"github.com/google/btree"

	"github.com/datamgr/datamgr/internal/rowbatch"
)

// subsetItem orders buffered subsets by subset_uuid so Flush always drains
// in the same deterministic order the planner reads back in (spec §4.7,
// "buffer path"; teacher pattern: core/state/history_reader_v3.go's use of
// google/btree for ordered in-memory range iteration).
type subsetItem struct {
	subsetUUID string
	rows       []rowbatch.Batch
}

func (a *subsetItem) Less(than btree.Item) bool {
	return a.subsetUUID < than.(*subsetItem).subsetUUID
}

// Buffer accumulates row batches per subset in memory — the non-crash-safe
// path used when a caller opts out of staging durability in exchange for
// lower per-call overhead (spec §4.7, "buffered mode"). A crash loses
// whatever is still in a Buffer; the staging path in internal/stager is the
// durable alternative.
type Buffer struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{tree: btree.New(32)}
}

// Append adds batch to subsetUUID's pending rows.
func (b *Buffer) Append(subsetUUID string, batch rowbatch.Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	probe := &subsetItem{subsetUUID: subsetUUID}
	if existing := b.tree.Get(probe); existing != nil {
		item := existing.(*subsetItem)
		item.rows = append(item.rows, batch)
		return
	}
	probe.rows = []rowbatch.Batch{batch}
	b.tree.ReplaceOrInsert(probe)
}

// Len returns the number of distinct subsets currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Len()
}

// DrainedSubset is one subset's pending batches, as returned by Drain in
// ascending subset_uuid order.
type DrainedSubset struct {
	SubsetUUID string
	Batches    []rowbatch.Batch
}

// Drain removes and returns every subset's pending batches, in ascending
// subset_uuid order, for the caller to publish.
func (b *Buffer) Drain() []DrainedSubset {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DrainedSubset, 0, b.tree.Len())
	var drained []btree.Item
	b.tree.Ascend(func(i btree.Item) bool {
		item := i.(*subsetItem)
		out = append(out, DrainedSubset{SubsetUUID: item.subsetUUID, Batches: item.rows})
		drained = append(drained, i)
		return true
	})
	for _, i := range drained {
		b.tree.Delete(i)
	}
	return out
}

// DrainSubset removes and returns one subset's pending batches, if any.
func (b *Buffer) DrainSubset(subsetUUID string) ([]rowbatch.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	probe := &subsetItem{subsetUUID: subsetUUID}
	existing := b.tree.Delete(probe)
	if existing == nil {
		return nil, false
	}
	return existing.(*subsetItem).rows, true
}
