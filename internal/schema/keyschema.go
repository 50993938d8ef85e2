package schema

import (
	"fmt"
	"sort"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// KeySchema is a dataset's key types plus its declared key order (spec §3,
// "identity tuple is built in the declared key order").
type KeySchema struct {
	Types map[string]SQLType `json:"key_schema"`
	Order []string           `json:"key_order"`
}

// Validate checks that Order lists exactly the keys in Types, that every
// key name is safe, and that none collide with a reserved subsets column.
func (ks KeySchema) Validate(op string) error {
	if len(ks.Order) != len(ks.Types) {
		return dmerr.KeySchemaMismatch(op, fmt.Errorf("key_order has %d entries, key_schema has %d", len(ks.Order), len(ks.Types)))
	}
	seen := make(map[string]struct{}, len(ks.Order))
	for _, k := range ks.Order {
		if _, ok := ks.Types[k]; !ok {
			return dmerr.KeySchemaMismatch(op, fmt.Errorf("key_order references undeclared key %q", k))
		}
		if err := AssertSafeName(op, k); err != nil {
			return err
		}
		if _, reserved := ReservedSubsetColumns[k]; reserved {
			return dmerr.KeySchemaMismatch(op, fmt.Errorf("key %q collides with a reserved column", k))
		}
		seen[k] = struct{}{}
	}
	if len(seen) != len(ks.Order) {
		return dmerr.KeySchemaMismatch(op, fmt.Errorf("key_order contains duplicates"))
	}
	return nil
}

// InferSQLType maps a Go value to the SQL type ensure_key_columns would
// infer for it the first time a key is observed (spec §4.5).
func InferSQLType(v any) (SQLType, error) {
	switch v.(type) {
	case bool:
		return SQLBoolean, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return SQLInteger, nil
	case float32, float64:
		return SQLReal, nil
	case string:
		return SQLText, nil
	default:
		return "", fmt.Errorf("cannot infer SQL type for %T", v)
	}
}

// SortedKeyOrder returns keys sorted lexically, used when a dataset's first
// subset_keys batch establishes key_order implicitly (no explicit order
// given at ensure_dataset time).
func SortedKeyOrder(keys map[string]any) []string {
	order := make([]string, 0, len(keys))
	for k := range keys {
		order = append(order, k)
	}
	sort.Strings(order)
	return order
}
