// Package schema implements canonical row-dtype locking, Unicode widening,
// key schemas, and jagged-field specs (spec §3, §4.1).
package schema

import (
	"fmt"
	"sync"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// SQLType is the SQL column type a key value is stored under.
type SQLType string

const (
	SQLInteger SQLType = "INTEGER"
	SQLReal    SQLType = "REAL"
	SQLBoolean SQLType = "BOOLEAN"
	SQLText    SQLType = "TEXT"
)

// Kind is the base scalar kind of a canonical field.
type Kind string

const (
	KindInt64   Kind = "int64"
	KindFloat64 Kind = "float64"
	KindBool    Kind = "bool"
	KindUnicode Kind = "U"
)

// DefaultMaxUnicode is the default Unicode-width cap, per spec §3.
const DefaultMaxUnicode = 256

// FieldSpec describes one canonical record field: a name, a base scalar
// kind, and a fixed outer shape (nil/empty for a plain scalar).
type FieldSpec struct {
	Name       string `json:"name"`
	Base       Kind   `json:"base"`
	Shape      []int  `json:"shape,omitempty"`
	MaxUnicode int    `json:"max_unicode,omitempty"`
}

func (f FieldSpec) isText() bool { return f.Base == KindUnicode }

// Dtype is the frozen structured record type for a dataset.
type Dtype struct {
	Fields []FieldSpec `json:"fields"`
}

// FieldByName looks up a field by name, or ok=false.
func (d Dtype) FieldByName(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// ValidateNames checks every field name against the §6 charset.
func (d Dtype) ValidateNames(op string) error {
	for _, f := range d.Fields {
		if err := AssertSafeName(op, f.Name); err != nil {
			return err
		}
	}
	return nil
}

// JaggedSpec records, per field, which outer-dimension indices vary per row.
type JaggedSpec struct {
	VaryDims map[string][]int `json:"vary_dims"`
}

// LenField returns the companion "{field}_len" meta name when field has
// exactly one varying dimension.
func (j JaggedSpec) LenField(field string) (string, bool) {
	d, ok := j.VaryDims[field]
	if !ok || len(d) != 1 {
		return "", false
	}
	return field + "_len", true
}

// ShapeField returns the companion "{field}_shape" meta name when field has
// two or more varying dimensions.
func (j JaggedSpec) ShapeField(field string) (string, bool) {
	d, ok := j.VaryDims[field]
	if !ok || len(d) < 2 {
		return "", false
	}
	return field + "_shape", true
}

// MetaNames returns every companion meta-array name this spec declares,
// ASCII-sorted — the order hashing.go iterates them in (spec §4.3 step 3).
func (j JaggedSpec) MetaNames() []string {
	names := make([]string, 0, len(j.VaryDims))
	for field, dims := range j.VaryDims {
		switch {
		case len(dims) == 1:
			names = append(names, field+"_len")
		case len(dims) >= 2:
			names = append(names, field+"_shape")
		}
	}
	for i := 1; i < len(names); i++ {
		for k := i; k > 0 && names[k-1] > names[k]; k-- {
			names[k-1], names[k] = names[k], names[k-1]
		}
	}
	return names
}

// ValidateJagged checks every declared varying field exists in dt and that
// vary_dims indices are within the field's declared rank (spec §4.1).
func ValidateJagged(op string, dt Dtype, j JaggedSpec) error {
	for field, dims := range j.VaryDims {
		fs, ok := dt.FieldByName(field)
		if !ok {
			return dmerr.JaggedSpecErr(op, field, fmt.Errorf("jagged field %q not declared in canonical dtype", field))
		}
		rank := len(fs.Shape)
		for _, d := range dims {
			if d < 0 || d >= rank {
				return dmerr.JaggedSpecErr(op, field, fmt.Errorf("vary_dim %d out of range for rank %d", d, rank))
			}
		}
	}
	return nil
}

// Warning is a non-fatal diagnostic emitted for padding or Unicode widening.
type Warning struct {
	Kind    string // "padding_applied" | "unicode_widening"
	Field   string
	Detail  string
}

// Canonical owns the once-locked dtype for one dataset.
type Canonical struct {
	mu            sync.Mutex
	locked        bool
	dtype         Dtype
	maxUnicodeCap int
}

// NewCanonical constructs an unlocked Canonical with the given Unicode
// width cap (use schema.DefaultMaxUnicode if the dataset doesn't override it).
func NewCanonical(maxUnicodeCap int) *Canonical {
	if maxUnicodeCap <= 0 {
		maxUnicodeCap = DefaultMaxUnicode
	}
	return &Canonical{maxUnicodeCap: maxUnicodeCap}
}

// RestoreLocked seeds a Canonical from a previously-locked dtype (loaded
// from the catalog's schema_json), bypassing first-batch inference.
func RestoreLocked(dt Dtype, maxUnicodeCap int) *Canonical {
	c := NewCanonical(maxUnicodeCap)
	c.locked = true
	c.dtype = dt
	return c
}

// Locked reports whether a canonical dtype has been committed.
func (c *Canonical) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// Dtype returns the current canonical dtype; zero value if unlocked.
func (c *Canonical) Dtype() Dtype {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dtype
}

// LockFromFirstBatch normalizes incoming (int kinds collapse to int64, float
// kinds to float64, bool untouched, Unicode widths clamped to the cap) and,
// if unlocked, stores the result as canonical. If already locked, returns
// the stored dtype untouched — lock_from_first_batch never narrows.
func (c *Canonical) LockFromFirstBatch(op string, incoming Dtype) (Dtype, error) {
	if err := incoming.ValidateNames(op); err != nil {
		return Dtype{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return c.dtype, nil
	}
	normalized := make([]FieldSpec, len(incoming.Fields))
	for i, f := range incoming.Fields {
		nf := f
		if nf.isText() {
			if nf.MaxUnicode <= 0 {
				nf.MaxUnicode = c.maxUnicodeCap
			}
			if nf.MaxUnicode > c.maxUnicodeCap {
				nf.MaxUnicode = c.maxUnicodeCap
			}
		}
		normalized[i] = nf
	}
	c.dtype = Dtype{Fields: normalized}
	c.locked = true
	return c.dtype, nil
}

// EnsureCompatible checks incoming against the locked canonical dtype. Every
// field must cast safely: numeric kind preserved, Unicode width
// non-shrinking. A wider incoming Unicode field either widens the canonical
// (within cap, returning a warning) or fails with widening-required when the
// cap is exceeded. Returns the (possibly widened) canonical dtype.
func (c *Canonical) EnsureCompatible(op string, incoming Dtype) (Dtype, []Warning, error) {
	if err := incoming.ValidateNames(op); err != nil {
		return Dtype{}, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.locked {
		return Dtype{}, nil, dmerr.CanonicalNotLocked(op, "")
	}
	var warnings []Warning
	fields := make([]FieldSpec, len(c.dtype.Fields))
	copy(fields, c.dtype.Fields)
	for _, in := range incoming.Fields {
		idx := -1
		for i, f := range fields {
			if f.Name == in.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Dtype{}, nil, dmerr.DTypeMismatch(op, fmt.Errorf("unknown field %q", in.Name))
		}
		canon := fields[idx]
		if canon.Base != in.Base {
			return Dtype{}, nil, dmerr.DTypeMismatch(op, fmt.Errorf("field %q: canonical kind %s, incoming %s", in.Name, canon.Base, in.Base))
		}
		if !canon.isText() {
			continue
		}
		if in.MaxUnicode <= canon.MaxUnicode {
			continue
		}
		if in.MaxUnicode > c.maxUnicodeCap {
			return Dtype{}, nil, dmerr.WideningRequired(op, in.Name, canon.MaxUnicode, in.MaxUnicode)
		}
		fields[idx].MaxUnicode = in.MaxUnicode
		warnings = append(warnings, Warning{
			Kind:   "unicode_widening",
			Field:  in.Name,
			Detail: fmt.Sprintf("widened from U%d to U%d", canon.MaxUnicode, in.MaxUnicode),
		})
	}
	c.dtype = Dtype{Fields: fields}
	return c.dtype, warnings, nil
}
