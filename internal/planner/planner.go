// Package planner resolves a subset/part query into a deterministic read
// plan and materializes it into one concatenated row batch, skipping (and
// reporting) any part file that has gone missing on disk rather than
// failing the whole read (spec §4.9, "Planner & Readback"; original:
// legacy/datamgr/manager.py's Manager.meta/Manager.data).
package planner

import (
	"context"
	"os"
	"path/filepath"

	"github.com/elastic/go-freelru"

	"github.com/datamgr/datamgr/internal/catalog"
	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/partstore"
	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/schema"
)

// SubsetFinder and PartFinder are the subset of internal/catalog's API the
// planner depends on, kept as interfaces so tests don't need a real SQLite
// catalog.
type SubsetFinder interface {
	FindSubsets(ctx context.Context, datasetUUID string, ks schema.KeySchema, q catalog.SubsetQuery) ([]catalog.SubsetRow, error)
}

type PartFinder interface {
	FindParts(ctx context.Context, datasetUUID string, subsetUUIDs []string, q catalog.FindPartsQuery) ([]catalog.PartRow, error)
}

// Plan is a deterministic, already-materializable selection of subsets and
// their live parts, in the same (subset_uuid, created_at_epoch, part_uuid)
// order the original's find_subsets(return_parts=True) returns.
type Plan struct {
	Subsets       []catalog.SubsetRow
	PartsBySubset map[string][]catalog.PartRow
}

// AttrHeader is the small, cacheable slice of a part's envelope attributes —
// never the row data itself (spec §4.9: "the cache never stores /data bytes
// themselves").
type AttrHeader struct {
	ContentHash   string
	NRows         int
	SchemeVersion int
}

// Planner builds Plans and materializes them into rowbatch.Batch values.
type Planner struct {
	Subsets   SubsetFinder
	Parts     PartFinder
	AttrCache *freelru.LRU[string, AttrHeader]
	UseMmap   bool
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// New builds a Planner with an attribute-header cache sized capacity
// entries (0 disables caching).
func New(subsets SubsetFinder, parts PartFinder, capacity uint32, useMmap bool) (*Planner, error) {
	var cache *freelru.LRU[string, AttrHeader]
	if capacity > 0 {
		c, err := freelru.New[string, AttrHeader](capacity, fnv32)
		if err != nil {
			return nil, dmerr.PartWrite("planner_new", err)
		}
		cache = c
	}
	return &Planner{Subsets: subsets, Parts: parts, AttrCache: cache, UseMmap: useMmap}, nil
}

// BuildPlan resolves subsetQuery against the catalog, then fetches every
// matching subset's live parts, preserving the deterministic subset and
// part ordering the rest of the read path depends on (spec §4.9, "part
// selection").
func (p *Planner) BuildPlan(ctx context.Context, datasetUUID string, ks schema.KeySchema, subsetQuery catalog.SubsetQuery, partsQuery catalog.FindPartsQuery) (Plan, error) {
	subsets, err := p.Subsets.FindSubsets(ctx, datasetUUID, ks, subsetQuery)
	if err != nil {
		return Plan{}, err
	}
	if len(subsets) == 0 {
		return Plan{Subsets: subsets, PartsBySubset: map[string][]catalog.PartRow{}}, nil
	}
	subsetUUIDs := make([]string, len(subsets))
	for i, s := range subsets {
		subsetUUIDs[i] = s.SubsetUUID
	}
	parts, err := p.Parts.FindParts(ctx, datasetUUID, subsetUUIDs, partsQuery)
	if err != nil {
		return Plan{}, err
	}
	bySubset := make(map[string][]catalog.PartRow, len(subsets))
	for _, su := range subsetUUIDs {
		bySubset[su] = nil
	}
	for _, pr := range parts {
		bySubset[pr.SubsetUUID] = append(bySubset[pr.SubsetUUID], pr)
	}
	return Plan{Subsets: subsets, PartsBySubset: bySubset}, nil
}

// Bounds records, alongside the concatenated Data, where each subset's and
// each part's rows begin within it — the Go analogue of the original's
// subset_bounds/part_bounds/part_row_bounds arrays.
type Bounds struct {
	Data            rowbatch.Batch
	SubsetBounds    []int64
	PartBounds      []int64
	PartRowBounds   []int64
	MissingParts    []string
}

// Materialize reads every live part in plan, in subset/part order, and
// concatenates them into one batch matching canonical's field set. A part
// file missing from disk is skipped and recorded in MissingParts rather than
// failing the whole read (spec §4.9, "missing part tolerance"; original:
// Manager.data's FileNotFoundError/OSError handling).
func (p *Planner) Materialize(ctx context.Context, datasetRoot string, canonical schema.Dtype, plan Plan) (Bounds, error) {
	out := Bounds{
		SubsetBounds:  []int64{0},
		PartBounds:    []int64{0},
		PartRowBounds: []int64{0},
	}
	var batches []rowbatch.Batch
	var pos int64
	for _, subset := range plan.Subsets {
		partsSeen := 0
		for _, pr := range plan.PartsBySubset[subset.SubsetUUID] {
			env, ok, err := p.readPart(datasetRoot, pr)
			if err != nil {
				return Bounds{}, err
			}
			if !ok {
				out.MissingParts = append(out.MissingParts, pr.FileRelPath)
				continue
			}
			batch := castToCanonical(env, canonical)
			batches = append(batches, batch)
			pos += int64(batch.NumRows)
			out.PartBounds = append(out.PartBounds, pos)
			partsSeen++
		}
		out.SubsetBounds = append(out.SubsetBounds, pos)
		out.PartRowBounds = append(out.PartRowBounds, out.PartRowBounds[len(out.PartRowBounds)-1]+int64(partsSeen))
	}
	if len(batches) == 0 {
		out.Data = rowbatch.Batch{Dtype: canonical, Columns: emptyColumns(canonical)}
		return out, nil
	}
	merged, err := rowbatch.Concat("planner_materialize", batches)
	if err != nil {
		return Bounds{}, err
	}
	out.Data = merged
	return out, nil
}

// readPart loads one part's envelope, recording its attribute header in the
// cache, or reports ok=false if the file is missing on disk.
func (p *Planner) readPart(datasetRoot string, pr catalog.PartRow) (partstore.Envelope, bool, error) {
	path := filepath.Join(datasetRoot, pr.FileRelPath)
	var env partstore.Envelope
	var err error
	if p.UseMmap {
		env, err = partstore.ReadContainerMmap(path)
	} else {
		env, err = partstore.ReadContainerFile(path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return partstore.Envelope{}, false, nil
		}
		return partstore.Envelope{}, false, dmerr.PartWrite("planner_read_part", err)
	}
	if p.AttrCache != nil {
		p.AttrCache.Add(pr.PartUUID, AttrHeader{ContentHash: env.ContentHash, NRows: env.NRows, SchemeVersion: env.SchemeVersion})
	}
	return env, true, nil
}

// castToCanonical projects env's columns onto canonical's field set: fields
// present in both keep their data, fields canonical adds that env's dtype
// predates are filled with zero values — the Go analogue of the original's
// per-field dtype widening cast in Manager.data.
func castToCanonical(env partstore.Envelope, canonical schema.Dtype) rowbatch.Batch {
	out := rowbatch.Batch{Dtype: canonical, NumRows: env.NRows, Columns: map[string]rowbatch.Column{}, Meta: env.Meta}
	for _, f := range canonical.Fields {
		if col, ok := env.Columns[f.Name]; ok {
			out.Columns[f.Name] = col
			continue
		}
		out.Columns[f.Name] = zeroColumn(f, env.NRows)
	}
	return out
}

func zeroColumn(f schema.FieldSpec, n int) rowbatch.Column {
	col := rowbatch.Column{Name: f.Name, Base: f.Base, Shape: f.Shape}
	switch f.Base {
	case schema.KindInt64:
		col.Int64 = make([]int64, n)
	case schema.KindFloat64:
		col.Float64 = make([]float64, n)
	case schema.KindBool:
		col.Bool = make([]bool, n)
	case schema.KindUnicode:
		col.Text = make([]string, n)
	}
	return col
}

func emptyColumns(dt schema.Dtype) map[string]rowbatch.Column {
	out := make(map[string]rowbatch.Column, len(dt.Fields))
	for _, f := range dt.Fields {
		out[f.Name] = zeroColumn(f, 0)
	}
	return out
}
