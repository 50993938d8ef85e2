package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/identity"
	"github.com/datamgr/datamgr/internal/schema"
)

// GetOrCreateSubset resolves keys to a subset_uuid, creating the subset row
// on first use. Unlike the original manifest.py (which matched REAL keys by
// a float BETWEEN tolerance), the subset identity is derived deterministically
// via internal/identity — so lookup is a direct primary-key match, and two
// ingests of the same keys can never land on two different "close enough"
// rows (spec §4.2, §9 Open Question #1).
func (c *Catalog) GetOrCreateSubset(ctx context.Context, datasetUUID string, keys map[string]any, ks schema.KeySchema, quantization map[string]float64, defaultScale float64) (string, error) {
	subsetUUID, err := identity.DeriveSubsetUUID("get_or_create_subset", keys, ks, quantization, defaultScale)
	if err != nil {
		return "", err
	}
	su := subsetUUID.String()

	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return "", err
	}

	if existing, markedDeleted, found, err := c.lookupSubset(ctx, db, su); err != nil {
		return "", err
	} else if found {
		if markedDeleted {
			if err := c.unmarkSubset(ctx, db, su); err != nil {
				return "", err
			}
		}
		return existing, nil
	}

	eqPred, err := identity.EqualityPredicates("get_or_create_subset", keys, ks, quantization, defaultScale)
	if err != nil {
		return "", err
	}

	cols := []string{"subset_uuid", "created_at_epoch"}
	vals := make([]any, 0, len(ks.Order)+3)
	vals = append(vals, su, time.Now().UnixMicro())
	for _, k := range ks.Order {
		if ks.Types[k] == schema.SQLReal {
			cols = append(cols, k+"_s", k+"_q")
			vals = append(vals, eqPred[k+"_s"], eqPred[k+"_q"])
			continue
		}
		v, err := convertForSQL(keys[k], ks.Types[k])
		if err != nil {
			return "", dmerr.InvalidKeyValue("get_or_create_subset", k, err)
		}
		cols = append(cols, k)
		vals = append(vals, v)
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	q := fmt.Sprintf("INSERT OR IGNORE INTO subsets(%s) VALUES(%s)", joinCols(cols), joinCols(placeholders))

	err = withImmediateTx(ctx, db, c.retry, "get_or_create_subset", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q, vals...)
		if err != nil {
			return dmerr.CatalogQuery("get_or_create_subset", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return su, nil
}

func (c *Catalog) lookupSubset(ctx context.Context, db *sql.DB, subsetUUID string) (string, bool, bool, error) {
	row := db.QueryRowContext(ctx, "SELECT subset_uuid, marked_for_deletion FROM subsets WHERE subset_uuid=?", subsetUUID)
	var su string
	var marked int
	if err := row.Scan(&su, &marked); err != nil {
		if isNoRows(err) {
			return "", false, false, nil
		}
		return "", false, false, dmerr.CatalogQuery("lookup_subset", err)
	}
	return su, marked != 0, true, nil
}

func (c *Catalog) unmarkSubset(ctx context.Context, db *sql.DB, subsetUUID string) error {
	return withImmediateTx(ctx, db, c.retry, "unmark_subset", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE subsets SET marked_for_deletion=0 WHERE subset_uuid=?", subsetUUID)
		if err != nil {
			return dmerr.CatalogQuery("unmark_subset", err)
		}
		return nil
	})
}

func convertForSQL(v any, t schema.SQLType) (any, error) {
	switch t {
	case schema.SQLBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case schema.SQLInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		default:
			return nil, fmt.Errorf("expected int, got %T", v)
		}
	case schema.SQLReal:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		default:
			return nil, fmt.Errorf("expected float, got %T", v)
		}
	case schema.SQLText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sql type %q", t)
	}
}

// quantizationScaleFor mirrors identity's unexported scaleFor: a key absent
// from scales falls back to defaultScale (spec §3, §9).
func quantizationScaleFor(scales map[string]float64, defaultScale float64, key string) float64 {
	if s, ok := scales[key]; ok {
		return s
	}
	return defaultScale
}

// asFloat64ForQuery accepts the float64/float32 values a query's Keys map
// may carry for a REAL key.
func asFloat64ForQuery(op, key string, v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	default:
		return 0, dmerr.InvalidKeyValue(op, key, fmt.Errorf("expected float, got %T", v))
	}
}

// dequantizeReal reconstructs an approximate original REAL value from its
// scanned {k}_s/{k}_q columns, inverting the Quantize step performed at
// insert time.
func dequantizeReal(specialsVal, quantizedVal any, scale float64) float64 {
	sp := identity.Specials(0)
	switch s := specialsVal.(type) {
	case int64:
		sp = identity.Specials(s)
	case int:
		sp = identity.Specials(s)
	}
	switch sp {
	case identity.SpecialsNaN:
		return math.NaN()
	case identity.SpecialsPosInf:
		return math.Inf(1)
	case identity.SpecialsNegInf:
		return math.Inf(-1)
	default:
		var q int64
		switch x := quantizedVal.(type) {
		case int64:
			q = x
		case int:
			q = int64(x)
		}
		return float64(q) / scale
	}
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

// SubsetQuery selects subsets by key equality/range. A [2]any array value
// requests a BETWEEN range; anything else requests exact equality.
type SubsetQuery struct {
	Keys          map[string]any
	StartEpochUs  *int64
	EndEpochUs    *int64
	ExcludeMarked bool

	// Quantization and DefaultScale resolve a REAL key's scale the same way
	// identity.EqualityPredicates does, so a query quantizes to the exact
	// value an ingest would have stored (spec §4.9, Testable Property 7).
	Quantization map[string]float64
	DefaultScale float64
}

// SubsetRow is one row from the subsets table.
type SubsetRow struct {
	SubsetUUID        string
	CreatedAtEpochUs  int64
	MarkedForDeletion bool
	TotalRows         int64
	BufferRows        int64
	Keys              map[string]any
}

// FindSubsets returns subsets matching q, ordered by (subset_uuid,
// created_at_epoch) — the deterministic order the planner relies on
// (spec §4.9, "deterministic ordering").
func (c *Catalog) FindSubsets(ctx context.Context, datasetUUID string, ks schema.KeySchema, q SubsetQuery) ([]SubsetRow, error) {
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return nil, err
	}
	conds := []string{}
	var vals []any
	keyNames := make([]string, 0, len(q.Keys))
	for k := range q.Keys {
		keyNames = append(keyNames, k)
	}
	sort.Strings(keyNames)
	for _, k := range keyNames {
		t, ok := ks.Types[k]
		if !ok {
			return nil, dmerr.KeySchemaMismatch("find_subsets", fmt.Errorf("key %q not in schema", k))
		}
		raw := q.Keys[k]

		if t == schema.SQLReal {
			scale := quantizationScaleFor(q.Quantization, q.DefaultScale, k)
			if rng, isRange := raw.([2]any); isRange {
				lo, err := asFloat64ForQuery("find_subsets", k, rng[0])
				if err != nil {
					return nil, err
				}
				hi, err := asFloat64ForQuery("find_subsets", k, rng[1])
				if err != nil {
					return nil, err
				}
				loQ, err := identity.Quantize("find_subsets", k, lo, scale)
				if err != nil {
					return nil, err
				}
				hiQ, err := identity.Quantize("find_subsets", k, hi, scale)
				if err != nil {
					return nil, err
				}
				// Range queries only match Normal-class values; NaN/Inf bounds
				// are not meaningful for a BETWEEN comparison.
				conds = append(conds, fmt.Sprintf("%s_s = ? AND %s_q BETWEEN ? AND ?", k, k))
				vals = append(vals, int(identity.SpecialsNormal), loQ, hiQ)
				continue
			}
			f, err := asFloat64ForQuery("find_subsets", k, raw)
			if err != nil {
				return nil, err
			}
			sp := identity.ClassifySpecials(f)
			if sp != identity.SpecialsNormal {
				// NaN/Inf never compare equal to themselves via "=", so match
				// on the specials code alone: col != col holds only for NaN,
				// but the specials code already distinguishes NaN from ±Inf.
				conds = append(conds, fmt.Sprintf("%s_s = ?", k))
				vals = append(vals, int(sp))
				continue
			}
			quantized, err := identity.Quantize("find_subsets", k, f, scale)
			if err != nil {
				return nil, err
			}
			conds = append(conds, fmt.Sprintf("%s_s = ? AND %s_q = ?", k, k))
			vals = append(vals, int(identity.SpecialsNormal), quantized)
			continue
		}

		if rng, isRange := raw.([2]any); isRange {
			lo, err := convertForSQL(rng[0], t)
			if err != nil {
				return nil, dmerr.InvalidKeyValue("find_subsets", k, err)
			}
			hi, err := convertForSQL(rng[1], t)
			if err != nil {
				return nil, dmerr.InvalidKeyValue("find_subsets", k, err)
			}
			conds = append(conds, fmt.Sprintf("%s BETWEEN ? AND ?", k))
			vals = append(vals, lo, hi)
			continue
		}
		v, err := convertForSQL(raw, t)
		if err != nil {
			return nil, dmerr.InvalidKeyValue("find_subsets", k, err)
		}
		conds = append(conds, fmt.Sprintf("%s = ?", k))
		vals = append(vals, v)
	}
	if q.StartEpochUs != nil {
		conds = append(conds, "created_at_epoch >= ?")
		vals = append(vals, *q.StartEpochUs)
	}
	if q.EndEpochUs != nil {
		conds = append(conds, "created_at_epoch <= ?")
		vals = append(vals, *q.EndEpochUs)
	}
	if q.ExcludeMarked {
		conds = append(conds, "marked_for_deletion = 0")
	}
	where := "1=1"
	if len(conds) > 0 {
		where = joinConds(conds)
	}
	cols := []string{"subset_uuid", "created_at_epoch", "marked_for_deletion", "total_rows", "buffer_rows"}
	// keyCols mirrors ks.Order but records how many scan slots each key
	// consumes (2 for REAL's {k}_s/{k}_q split, 1 otherwise).
	keyCols := make([]string, 0, len(ks.Order))
	for _, k := range ks.Order {
		if ks.Types[k] == schema.SQLReal {
			cols = append(cols, k+"_s", k+"_q")
		} else {
			cols = append(cols, k)
		}
		keyCols = append(keyCols, k)
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM subsets WHERE %s ORDER BY subset_uuid ASC, created_at_epoch ASC", joinCols(cols), where)
	rows, err := db.QueryContext(ctx, sqlStr, vals...)
	if err != nil {
		return nil, dmerr.CatalogQuery("find_subsets", err)
	}
	defer rows.Close()

	var out []SubsetRow
	for rows.Next() {
		scanDest := make([]any, len(cols))
		var su string
		var createdUs, marked, totalRows, bufferRows int64
		scanDest[0], scanDest[1], scanDest[2], scanDest[3], scanDest[4] = &su, &createdUs, &marked, &totalRows, &bufferRows
		rawVals := make([]any, len(cols)-5)
		for i := range rawVals {
			scanDest[5+i] = &rawVals[i]
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, dmerr.CatalogQuery("find_subsets", err)
		}
		keys := make(map[string]any, len(keyCols))
		pos := 0
		for _, k := range keyCols {
			if ks.Types[k] == schema.SQLReal {
				spVal, qVal := rawVals[pos], rawVals[pos+1]
				pos += 2
				scale := quantizationScaleFor(q.Quantization, q.DefaultScale, k)
				keys[k] = dequantizeReal(spVal, qVal, scale)
				continue
			}
			keys[k] = rawVals[pos]
			pos++
		}
		out = append(out, SubsetRow{
			SubsetUUID: su, CreatedAtEpochUs: createdUs, MarkedForDeletion: marked != 0,
			TotalRows: totalRows, BufferRows: bufferRows, Keys: keys,
		})
	}
	return out, rows.Err()
}

func joinConds(conds []string) string {
	out := ""
	for i, c := range conds {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}
