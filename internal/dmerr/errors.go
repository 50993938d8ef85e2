// Package dmerr implements the typed error taxonomy shared by every datamgr
// component: a stable Kind, a short Name, and a structured context map that
// callers attach diagnostics to (dataset_uuid, subset_uuid, part_uuid, ...).
package dmerr

import (
	"fmt"
	"strings"

	"github.com/go-stack/stack"
)

// Kind groups errors the way spec §7 enumerates them. Kinds are stable;
// Names underneath a Kind are suggestive and may grow over time.
type Kind string

const (
	KindSchema    Kind = "schema"
	KindIdentity  Kind = "identity"
	KindStorage   Kind = "storage"
	KindPipeline  Kind = "pipeline"
	KindHardening Kind = "hardening"
	KindLookup    Kind = "lookup"
)

// Error is the concrete type every exported datamgr operation returns on
// failure, either directly or wrapped via fmt.Errorf("...: %w", err).
type Error struct {
	Kind    Kind
	Name    string
	Op      string
	Context map[string]string
	Cause   error
	frame   stack.Call
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteByte('/')
	b.WriteString(e.Name)
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteByte(')')
	}
	if len(e.Context) > 0 {
		b.WriteString(" [")
		first := true
		for _, k := range sortedKeys(e.Context) {
			if !first {
				b.WriteString(" ")
			}
			first = false
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// With attaches a context key/value and returns the same error for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string, 4)
	}
	e.Context[key] = value
	return e
}

// WithAll attaches several context entries at once, skipping empty values.
func (e *Error) WithAll(ctx map[string]string) *Error {
	for k, v := range ctx {
		if v == "" {
			continue
		}
		e.With(k, v)
	}
	return e
}

// Frame returns the short caller frame captured at construction, for debug
// logging; it is not part of Error() to keep messages stable across builds.
func (e *Error) Frame() string { return fmt.Sprintf("%n (%s:%d)", e.frame, e.frame, e.frame) }

func newErr(kind Kind, name, op string, cause error) *Error {
	var call stack.Call
	if cs := stack.Caller(2); cs.Frame().Function != "" {
		call = cs
	}
	return &Error{Kind: kind, Name: name, Op: op, Cause: cause, frame: call}
}

// Is reports whether err is a *Error of the given kind and name, walking the
// Unwrap chain.
func Is(err error, kind Kind, name string) bool {
	for err != nil {
		if de, ok := err.(*Error); ok {
			if de.Kind == kind && de.Name == name {
				return true
			}
			err = de.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// --- Schema / dtype -------------------------------------------------------

func FieldName(op string, field string, cause error) *Error {
	return newErr(KindSchema, "field_name", op, cause).With("field", field)
}

func DTypeMismatch(op string, cause error) *Error { return newErr(KindSchema, "dtype_mismatch", op, cause) }

func CanonicalNotLocked(op, dataset string) *Error {
	return newErr(KindSchema, "canonical_not_locked", op, nil).With("dataset_uuid", dataset)
}

func WideningRequired(op, field string, from, to int) *Error {
	return newErr(KindSchema, "widening_required", op, nil).
		With("field", field).
		With("from_width", fmt.Sprint(from)).
		With("to_width", fmt.Sprint(to))
}

func JaggedSpecErr(op, field string, cause error) *Error {
	return newErr(KindSchema, "jagged_spec", op, cause).With("field", field)
}

func DataExceedsCanonical(op, field string) *Error {
	return newErr(KindSchema, "data_exceeds_canonical", op, nil).With("field", field)
}

func PaddingOverflow(op, field string) *Error {
	return newErr(KindSchema, "padding_overflow", op, nil).With("field", field)
}

// --- Identity / keys -------------------------------------------------------

func InvalidKeyValue(op, key string, cause error) *Error {
	return newErr(KindIdentity, "invalid_key_value", op, cause).With("key", key)
}

func QuantizationMissing(op, key string) *Error {
	return newErr(KindIdentity, "quantization_missing", op, nil).With("key", key)
}

func SpecialsCode(op string, cause error) *Error { return newErr(KindIdentity, "specials_code", op, cause) }

func DeterministicUUID(op string, cause error) *Error {
	return newErr(KindIdentity, "deterministic_uuid", op, cause)
}

func KeySchemaMismatch(op string, cause error) *Error {
	return newErr(KindIdentity, "key_schema_mismatch", op, cause)
}

// --- Storage ----------------------------------------------------------------

func CatalogOpen(op string, cause error) *Error    { return newErr(KindStorage, "catalog_open", op, cause) }
func CatalogDDL(op string, cause error) *Error     { return newErr(KindStorage, "catalog_ddl", op, cause) }
func CatalogQuery(op string, cause error) *Error   { return newErr(KindStorage, "catalog_query", op, cause) }
func CatalogIntegrity(op string, cause error) *Error {
	return newErr(KindStorage, "catalog_integrity", op, cause)
}
func PartWrite(op string, cause error) *Error      { return newErr(KindStorage, "part_write", op, cause) }
func AtomicReplace(op string, cause error) *Error  { return newErr(KindStorage, "atomic_replace", op, cause) }
func Fsync(op string, cause error) *Error          { return newErr(KindStorage, "fsync", op, cause) }
func ContentHashMismatch(op string) *Error         { return newErr(KindStorage, "content_hash_mismatch", op, nil) }
func PartAlreadyExists(op, partUUID string) *Error {
	return newErr(KindStorage, "part_already_exists", op, nil).With("part_uuid", partUUID)
}
func SQLiteLoader(op string, cause error) *Error { return newErr(KindStorage, "sqlite_loader", op, cause) }

func LeaseAcquireFailed(op, path string, cause error) *Error {
	return newErr(KindStorage, "lease_acquire_failed", op, cause).With("path", path)
}

// --- Pipeline ----------------------------------------------------------------

func BufferOverflow(op string) *Error    { return newErr(KindPipeline, "buffer_overflow", op, nil) }
func FlushInProgress(op string) *Error   { return newErr(KindPipeline, "flush_in_progress", op, nil) }
func PredicateRewrite(op string, cause error) *Error {
	return newErr(KindPipeline, "predicate_rewrite", op, cause)
}
func MergeInvariant(op string, cause error) *Error {
	return newErr(KindPipeline, "merge_invariant", op, cause)
}

// --- Hardening ----------------------------------------------------------------

func LockAcquisition(op, path string, cause error) *Error {
	return newErr(KindHardening, "lock_acquisition", op, cause).With("path", path)
}

// --- Lookup ----------------------------------------------------------------

func DatasetNotFound(op, alias string) *Error {
	return newErr(KindLookup, "dataset_not_found", op, nil).With("alias", alias)
}
func SubsetNotFound(op, subsetUUID string) *Error {
	return newErr(KindLookup, "subset_not_found", op, nil).With("subset_uuid", subsetUUID)
}
func PartNotFound(op, partUUID string) *Error {
	return newErr(KindLookup, "part_not_found", op, nil).With("part_uuid", partUUID)
}
