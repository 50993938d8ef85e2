package identity

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// StableKeyString renders keys as canonical, sorted-key JSON for use as an
// in-process cache key (spec §4.6, "router cache"; original:
// ingest_core.py's stable_subset_key). It is a cache-lookup convenience,
// not part of the frozen identity-tuple encoding BuildIdentityBytes defines
// — two different StableKeyString outputs may still resolve to the same
// subset_uuid once quantization is applied, which only costs a redundant
// catalog round trip, never a correctness problem.
func StableKeyString(keys map[string]any) (string, error) {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	cleaned := make(map[string]any, len(keys))
	for _, name := range names {
		v, err := normalizeForCacheKey(keys[name])
		if err != nil {
			return "", dmerr.InvalidKeyValue("stable_key_string", name, err)
		}
		cleaned[name] = v
	}
	b, err := json.Marshal(cleaned)
	if err != nil {
		return "", dmerr.InvalidKeyValue("stable_key_string", "*", err)
	}
	return string(b), nil
}

func normalizeForCacheKey(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return x, nil
	default:
		return nil, fmt.Errorf("unsupported subset key type for cache key: %T", v)
	}
}
