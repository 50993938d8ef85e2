package catalog

import (
	"context"
	"database/sql"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// KnownFiles returns the set of file_relpath values already recorded in the
// parts table — what fsck needs to tell a genuine orphan part file from one
// it already knows about; SubsetStatus supplies whether the owning subset
// still exists and is not marked for deletion (spec §4.10, original:
// manifest.py's fsck_dataset "known"/"existing_subsets" sets).
func (c *Catalog) KnownFiles(ctx context.Context, datasetUUID string) (map[string]struct{}, error) {
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT file_relpath FROM parts")
	if err != nil {
		return nil, dmerr.CatalogQuery("known_files", err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			return nil, dmerr.CatalogQuery("known_files", err)
		}
		out[rel] = struct{}{}
	}
	return out, rows.Err()
}

// SubsetStatus reports whether subset_uuid exists and, if so, whether it is
// marked for deletion — an orphan part belonging to a marked or unknown
// subset is skipped rather than adopted.
func (c *Catalog) SubsetStatus(ctx context.Context, datasetUUID string) (map[string]bool, error) {
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT subset_uuid, marked_for_deletion FROM subsets")
	if err != nil {
		return nil, dmerr.CatalogQuery("subset_status", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var su string
		var marked int
		if err := rows.Scan(&su, &marked); err != nil {
			return nil, dmerr.CatalogQuery("subset_status", err)
		}
		out[su] = marked != 0
	}
	return out, rows.Err()
}

// OrphanPart is a recovered part row fsck inserts.
type OrphanPart struct {
	PartUUID       string
	SubsetUUID     string
	CreatedAtEpoch int64
	NRows          int64
	SchemeVersion  int
	FileRelPath    string
	ContentHash    string
}

// InsertOrphanParts inserts every recovered orphan inside one transaction,
// via INSERT OR IGNORE so a row already adopted by a concurrent fsck run is
// silently skipped rather than erroring, and bumps each touched subset's
// total_rows by the sum of rows actually inserted for it (spec §4.10;
// original: manifest.py's fsck_dataset insert+total_rows-bump transaction).
func (c *Catalog) InsertOrphanParts(ctx context.Context, datasetUUID string, orphans []OrphanPart) (inserted int64, err error) {
	if len(orphans) == 0 {
		return 0, nil
	}
	db, dbErr := c.datasetDB(ctx, datasetUUID)
	if dbErr != nil {
		return 0, dbErr
	}
	err = withImmediateTx(ctx, db, c.retry, "insert_orphan_parts", func(tx *sql.Tx) error {
		deltas := map[string]int64{}
		for _, o := range orphans {
			res, execErr := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO parts(part_uuid, subset_uuid, created_at_epoch, n_rows, scheme_version, file_relpath, marked_for_deletion, content_hash)
				 VALUES(?,?,?,?,?,?,0,?)`,
				o.PartUUID, o.SubsetUUID, o.CreatedAtEpoch, o.NRows, o.SchemeVersion, o.FileRelPath, o.ContentHash)
			if execErr != nil {
				return dmerr.CatalogQuery("insert_orphan_parts", execErr)
			}
			n, _ := res.RowsAffected()
			if n > 0 {
				inserted += n
				deltas[o.SubsetUUID] += o.NRows
			}
		}
		for su, delta := range deltas {
			if _, execErr := tx.ExecContext(ctx, "UPDATE subsets SET total_rows = total_rows + ? WHERE subset_uuid=?", delta, su); execErr != nil {
				return dmerr.CatalogQuery("insert_orphan_parts", execErr)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
