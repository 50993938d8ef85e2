// Package rowbatch is the in-memory columnar representation rows pass
// through between ingest, hashing, part storage, and readback. It is the Go
// analogue of the structured numpy arrays the original implementation used.
package rowbatch

import (
	"fmt"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/schema"
)

// Column holds one field's data for every row in a Batch, flattened
// row-major when the field has a non-scalar outer Shape. Exactly one of the
// typed slices is populated, matching Base.
type Column struct {
	Name    string
	Base    schema.Kind
	Shape   []int
	Int64   []int64
	Float64 []float64
	Bool    []bool
	Text    []string
}

// Len returns the number of scalar elements stored (rows * product(Shape)).
func (c Column) Len() int {
	switch c.Base {
	case schema.KindInt64:
		return len(c.Int64)
	case schema.KindFloat64:
		return len(c.Float64)
	case schema.KindBool:
		return len(c.Bool)
	case schema.KindUnicode:
		return len(c.Text)
	default:
		return 0
	}
}

// Batch is a block of rows sharing one canonical Dtype, plus any jagged meta
// arrays (e.g. "tags_len", "readings_shape") keyed by their companion name.
type Batch struct {
	Dtype   schema.Dtype
	NumRows int
	Columns map[string]Column
	Meta    map[string][]int64
}

// Column looks up a field's Column by name, or ok=false.
func (b *Batch) Column(name string) (Column, bool) {
	c, ok := b.Columns[name]
	return c, ok
}

// Concat appends a run of same-Dtype batches into one, preserving row
// order. Used to assemble a sealed part's contents out of however many
// individually-staged ingest calls a compaction claimed (spec §4.7,
// "compaction").
func Concat(op string, batches []Batch) (Batch, error) {
	if len(batches) == 0 {
		return Batch{}, dmerr.DTypeMismatch(op, fmt.Errorf("no batches to concatenate"))
	}
	out := Batch{
		Dtype:   batches[0].Dtype,
		Columns: map[string]Column{},
		Meta:    map[string][]int64{},
	}
	for _, f := range out.Dtype.Fields {
		out.Columns[f.Name] = Column{Name: f.Name, Base: f.Base, Shape: f.Shape}
	}
	for _, b := range batches {
		if !sameDtype(out.Dtype, b.Dtype) {
			return Batch{}, dmerr.DTypeMismatch(op, fmt.Errorf("batch dtype mismatch during concat"))
		}
		out.NumRows += b.NumRows
		for name, col := range b.Columns {
			dst := out.Columns[name]
			switch dst.Base {
			case schema.KindInt64:
				dst.Int64 = append(dst.Int64, col.Int64...)
			case schema.KindFloat64:
				dst.Float64 = append(dst.Float64, col.Float64...)
			case schema.KindBool:
				dst.Bool = append(dst.Bool, col.Bool...)
			case schema.KindUnicode:
				dst.Text = append(dst.Text, col.Text...)
			}
			out.Columns[name] = dst
		}
		for name, vals := range b.Meta {
			out.Meta[name] = append(out.Meta[name], vals...)
		}
	}
	return out, nil
}

func sameDtype(a, b schema.Dtype) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i].Name != b.Fields[i].Name || a.Fields[i].Base != b.Fields[i].Base {
			return false
		}
	}
	return true
}

// Validate checks that every Dtype field has a matching Column of the right
// length, and that shaped fields carry a row count consistent with NumRows.
func (b *Batch) Validate(op string) error {
	for _, f := range b.Dtype.Fields {
		col, ok := b.Columns[f.Name]
		if !ok {
			return dmerr.DTypeMismatch(op, fmt.Errorf("batch missing column %q", f.Name))
		}
		if col.Base != f.Base {
			return dmerr.DTypeMismatch(op, fmt.Errorf("column %q base %s != field base %s", f.Name, col.Base, f.Base))
		}
		width := 1
		for _, d := range f.Shape {
			width *= d
		}
		if width == 0 {
			width = 1
		}
		want := b.NumRows * width
		if col.Len() != want {
			return dmerr.DTypeMismatch(op, fmt.Errorf("column %q has %d elements, want %d", f.Name, col.Len(), want))
		}
	}
	return nil
}
