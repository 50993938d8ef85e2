package schema

import (
	"regexp"

	"github.com/datamgr/datamgr/internal/dmerr"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// AssertSafeName validates dataset/field names against the §6 charset
// `[A-Za-z0-9_]+`, non-empty.
func AssertSafeName(op, name string) error {
	if name == "" || !safeName.MatchString(name) {
		return dmerr.FieldName(op, name, nil)
	}
	return nil
}

// ReservedSubsetColumns are column names ensure_key_columns must reject,
// since the subsets table already owns them (spec §4.5).
var ReservedSubsetColumns = map[string]struct{}{
	"subset_uuid":        {},
	"created_at_epoch":   {},
	"created_at_utc":     {},
	"marked_for_deletion": {},
	"total_rows":         {},
	"buffer_rows":        {},
}
