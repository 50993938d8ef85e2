package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/partstore"
)

// DatasetCatalog adapts one dataset's view of *Catalog to the narrow
// partstore.Catalog interface Store.Publish depends on.
type DatasetCatalog struct {
	c           *Catalog
	datasetUUID string
}

// ForDataset returns a partstore.Catalog bound to one dataset_uuid.
func (c *Catalog) ForDataset(datasetUUID string) *DatasetCatalog {
	return &DatasetCatalog{c: c, datasetUUID: datasetUUID}
}

var _ partstore.Catalog = (*DatasetCatalog)(nil)

// FindSealedPart implements partstore.Catalog. The in-process dedup cache is
// consulted first; a hit never opens a transaction.
func (d *DatasetCatalog) FindSealedPart(ctx context.Context, subsetUUID, contentHash string) (partstore.ExistingPart, bool, error) {
	if ep, ok := d.c.dedup.get(d.datasetUUID, subsetUUID, contentHash); ok {
		return ep, true, nil
	}
	db, err := d.c.datasetDB(ctx, d.datasetUUID)
	if err != nil {
		return partstore.ExistingPart{}, false, err
	}
	row := db.QueryRowContext(ctx,
		"SELECT part_uuid, file_relpath FROM parts WHERE subset_uuid=? AND content_hash=? AND marked_for_deletion=0 LIMIT 1",
		subsetUUID, contentHash)
	var ep partstore.ExistingPart
	if err := row.Scan(&ep.PartUUID, &ep.RelPath); err != nil {
		if isNoRows(err) {
			return partstore.ExistingPart{}, false, nil
		}
		return partstore.ExistingPart{}, false, dmerr.CatalogQuery("find_sealed_part", err)
	}
	d.c.dedup.put(d.datasetUUID, subsetUUID, contentHash, ep)
	return ep, true, nil
}

// InsertPart implements partstore.Catalog: inserts rec and bumps the
// subset's total_rows, or — if a concurrent writer already sealed the same
// (subset_uuid, content_hash) — returns that winner with lostRace=true so
// the caller can discard its own just-written file (spec §4.4, "dedup race").
func (d *DatasetCatalog) InsertPart(ctx context.Context, rec partstore.PartRecord) (partstore.ExistingPart, bool, error) {
	db, err := d.c.datasetDB(ctx, d.datasetUUID)
	if err != nil {
		return partstore.ExistingPart{}, false, err
	}
	insertErr := withImmediateTx(ctx, db, d.c.retry, "insert_part", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO parts(part_uuid, subset_uuid, created_at_epoch, scheme_version, n_rows, file_relpath, marked_for_deletion, content_hash, part_stats_json)
			 VALUES(?,?,?,?,?,?,0,?,?)`,
			rec.PartUUID, rec.SubsetUUID, rec.CreatedAtEpoch, rec.SchemeVersion, rec.NRows, rec.FileRelPath, rec.ContentHash, rec.PartStatsJSON)
		if err != nil {
			if IsIntegrityError(err) {
				return err
			}
			return dmerr.CatalogQuery("insert_part", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE subsets SET total_rows = total_rows + ? WHERE subset_uuid=?", rec.NRows, rec.SubsetUUID); err != nil {
			return dmerr.CatalogQuery("insert_part", err)
		}
		return nil
	})
	if insertErr == nil {
		ep := partstore.ExistingPart{PartUUID: rec.PartUUID, RelPath: rec.FileRelPath}
		d.c.dedup.put(d.datasetUUID, rec.SubsetUUID, rec.ContentHash, ep)
		return ep, false, nil
	}
	if !IsIntegrityError(insertErr) {
		return partstore.ExistingPart{}, false, insertErr
	}
	winner, found, err := d.FindSealedPart(ctx, rec.SubsetUUID, rec.ContentHash)
	if err != nil {
		return partstore.ExistingPart{}, false, err
	}
	if !found {
		return partstore.ExistingPart{}, false, dmerr.CatalogIntegrity("insert_part", fmt.Errorf("unique violation but no winning row found for subset=%s hash=%s", rec.SubsetUUID, rec.ContentHash))
	}
	return winner, true, nil
}

// MarkedPart is a part flagged for deletion, as returned by ListMarkedParts.
type MarkedPart struct {
	PartUUID    string
	SubsetUUID  string
	FileRelPath string
	NRows       int64
}

// MarkSubsets flips marked_for_deletion for the given subset_uuids.
func (c *Catalog) MarkSubsets(ctx context.Context, datasetUUID string, subsetUUIDs []string, marked bool) (int64, error) {
	return c.markRows(ctx, datasetUUID, "subsets", "subset_uuid", subsetUUIDs, marked)
}

// MarkParts flips marked_for_deletion for the given part_uuids.
func (c *Catalog) MarkParts(ctx context.Context, datasetUUID string, partUUIDs []string, marked bool) (int64, error) {
	return c.markRows(ctx, datasetUUID, "parts", "part_uuid", partUUIDs, marked)
}

func (c *Catalog) markRows(ctx context.Context, datasetUUID, table, col string, ids []string, marked bool) (int64, error) {
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return 0, err
	}
	if marked {
		// A marked part/subset can no longer satisfy a dedup lookup; drop the
		// whole dataset's cached entries rather than track which single
		// (subset_uuid, content_hash) key a bare part_uuid or subset_uuid maps
		// to. FindSealedPart repopulates it from SQLite on the next miss.
		defer c.dedup.invalidateDataset(datasetUUID)
	}
	status := 0
	if marked {
		status = 1
	}
	var changed int64
	for _, batch := range chunkStrings(ids, 900) {
		if err := withImmediateTx(ctx, db, c.retry, "mark_rows", func(tx *sql.Tx) error {
			placeholders := make([]string, len(batch))
			args := make([]any, 0, len(batch)+1)
			args = append(args, status)
			for i, id := range batch {
				placeholders[i] = "?"
				args = append(args, id)
			}
			q := fmt.Sprintf("UPDATE %s SET marked_for_deletion=? WHERE %s IN (%s)", table, col, joinCols(placeholders))
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return dmerr.CatalogQuery("mark_rows", err)
			}
			n, _ := res.RowsAffected()
			changed += n
			return nil
		}); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// ListMarkedParts returns every part currently flagged for deletion, for the
// garbage collector to unlink (spec §4.11, "hard delete").
func (c *Catalog) ListMarkedParts(ctx context.Context, datasetUUID string) ([]MarkedPart, error) {
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT part_uuid, subset_uuid, file_relpath, n_rows FROM parts WHERE marked_for_deletion=1")
	if err != nil {
		return nil, dmerr.CatalogQuery("list_marked_parts", err)
	}
	defer rows.Close()
	var out []MarkedPart
	for rows.Next() {
		var m MarkedPart
		if err := rows.Scan(&m.PartUUID, &m.SubsetUUID, &m.FileRelPath, &m.NRows); err != nil {
			return nil, dmerr.CatalogQuery("list_marked_parts", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GCResult summarizes a gc_commit pass.
type GCResult struct {
	PartsDeleted    int64
	SubsetsDeleted  int64
	DoomedSubsetIDs []string
}

// GCCommit deletes partUUIDs from the parts table, recomputes total_rows for
// every touched or marked subset, and deletes any marked subset that is now
// empty (spec §4.11, "gc_commit"). Call this only after the corresponding
// files have already been unlinked from disk by the gc package.
func (c *Catalog) GCCommit(ctx context.Context, datasetUUID string, partUUIDs, touchedSubsetIDs []string) (GCResult, error) {
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return GCResult{}, err
	}
	defer c.dedup.invalidateDataset(datasetUUID)
	var result GCResult
	err = withImmediateTx(ctx, db, c.retry, "gc_commit", func(tx *sql.Tx) error {
		for _, batch := range chunkStrings(partUUIDs, 900) {
			placeholders := make([]string, len(batch))
			args := make([]any, len(batch))
			for i, id := range batch {
				placeholders[i] = "?"
				args[i] = id
			}
			q := fmt.Sprintf("DELETE FROM parts WHERE part_uuid IN (%s)", joinCols(placeholders))
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return dmerr.CatalogQuery("gc_commit", err)
			}
			n, _ := res.RowsAffected()
			result.PartsDeleted += n
		}

		toCheck := map[string]struct{}{}
		for _, s := range touchedSubsetIDs {
			toCheck[s] = struct{}{}
		}
		rows, err := tx.QueryContext(ctx, "SELECT subset_uuid FROM subsets WHERE marked_for_deletion=1")
		if err != nil {
			return dmerr.CatalogQuery("gc_commit", err)
		}
		var marked []string
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				rows.Close()
				return dmerr.CatalogQuery("gc_commit", err)
			}
			marked = append(marked, s)
			toCheck[s] = struct{}{}
		}
		rows.Close()

		for su := range toCheck {
			var total sql.NullInt64
			row := tx.QueryRowContext(ctx, "SELECT COALESCE(SUM(n_rows),0) FROM parts WHERE subset_uuid=? AND marked_for_deletion=0", su)
			if err := row.Scan(&total); err != nil {
				return dmerr.CatalogQuery("gc_commit", err)
			}
			if _, err := tx.ExecContext(ctx, "UPDATE subsets SET total_rows=? WHERE subset_uuid=?", total.Int64, su); err != nil {
				return dmerr.CatalogQuery("gc_commit", err)
			}
		}

		doomedRows, err := tx.QueryContext(ctx, "SELECT subset_uuid FROM subsets WHERE marked_for_deletion=1 AND total_rows=0")
		if err != nil {
			return dmerr.CatalogQuery("gc_commit", err)
		}
		var doomed []string
		for doomedRows.Next() {
			var s string
			if err := doomedRows.Scan(&s); err != nil {
				doomedRows.Close()
				return dmerr.CatalogQuery("gc_commit", err)
			}
			doomed = append(doomed, s)
		}
		doomedRows.Close()

		for _, batch := range chunkStrings(doomed, 900) {
			placeholders := make([]string, len(batch))
			args := make([]any, len(batch))
			for i, id := range batch {
				placeholders[i] = "?"
				args[i] = id
			}
			q := fmt.Sprintf("DELETE FROM subsets WHERE subset_uuid IN (%s)", joinCols(placeholders))
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return dmerr.CatalogQuery("gc_commit", err)
			}
			n, _ := res.RowsAffected()
			result.SubsetsDeleted += n
		}
		result.DoomedSubsetIDs = doomed
		return nil
	})
	if err != nil {
		return GCResult{}, err
	}
	return result, nil
}

func chunkStrings(ids []string, n int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(ids); start += n {
		end := start + n
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
