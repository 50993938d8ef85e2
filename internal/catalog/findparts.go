package catalog

import (
	"context"
	"fmt"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// PartRow is one row from the parts table.
type PartRow struct {
	PartUUID          string
	SubsetUUID        string
	CreatedAtEpochUs  int64
	NRows             int64
	SchemeVersion     int
	FileRelPath       string
	MarkedForDeletion bool
	ContentHash       string
	PartStatsJSON     string
}

// FindPartsQuery narrows FindParts by time range and live/marked status.
type FindPartsQuery struct {
	StartEpochUs  *int64
	EndEpochUs    *int64
	ExcludeMarked bool
}

// FindParts returns every part belonging to any of subsetUUIDs, ordered by
// (subset_uuid, created_at_epoch, part_uuid) — the order the original's
// find_subsets(return_parts=True) returns and the planner materializes in
// (spec §4.9, "part selection"; original: manifest.py's find_subsets parts
// branch).
func (c *Catalog) FindParts(ctx context.Context, datasetUUID string, subsetUUIDs []string, q FindPartsQuery) ([]PartRow, error) {
	if len(subsetUUIDs) == 0 {
		return nil, nil
	}
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return nil, err
	}
	var out []PartRow
	for _, chunk := range chunkStrings(subsetUUIDs, 500) {
		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+2)
		for i, su := range chunk {
			placeholders[i] = "?"
			args = append(args, su)
		}
		where := fmt.Sprintf("subset_uuid IN (%s)", joinCols(placeholders))
		if q.StartEpochUs != nil {
			where += " AND created_at_epoch >= ?"
			args = append(args, *q.StartEpochUs)
		}
		if q.EndEpochUs != nil {
			where += " AND created_at_epoch <= ?"
			args = append(args, *q.EndEpochUs)
		}
		if q.ExcludeMarked {
			where += " AND marked_for_deletion = 0"
		}
		sqlStr := fmt.Sprintf(
			"SELECT part_uuid, subset_uuid, created_at_epoch, n_rows, scheme_version, file_relpath, marked_for_deletion, content_hash, part_stats_json FROM parts WHERE %s ORDER BY subset_uuid, created_at_epoch, part_uuid",
			where)
		rows, err := db.QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return nil, dmerr.CatalogQuery("find_parts", err)
		}
		for rows.Next() {
			var p PartRow
			var marked int
			if err := rows.Scan(&p.PartUUID, &p.SubsetUUID, &p.CreatedAtEpochUs, &p.NRows, &p.SchemeVersion, &p.FileRelPath, &marked, &p.ContentHash, &p.PartStatsJSON); err != nil {
				rows.Close()
				return nil, dmerr.CatalogQuery("find_parts", err)
			}
			p.MarkedForDeletion = marked != 0
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, dmerr.CatalogQuery("find_parts", err)
		}
		rows.Close()
	}
	return out, nil
}
