// Package stager implements the crash-safe row staging queue: every ingest
// call enqueues its encoded rows as one staging_rows blob, and a compactor
// later claims, assembles, and deletes a contiguous prefix per subset — so a
// crash between enqueue and compaction loses nothing (the rows are already
// durably committed to SQLite) and a crash mid-compaction only leaves rows
// claimed, never half-applied (spec §4.6, "staging"; original:
// legacy/datamgr/ingest_core.py's Stager).
package stager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/datamgr/datamgr/internal/dmerr"
)

// Row is one staged, still-undecoded ingest payload.
type Row struct {
	StagingID int64
	NRows     int64
	Payload   []byte
}

// Stager drives one dataset's staging_rows table.
type Stager struct {
	db    *sql.DB
	retry RetryRunner
	hot   *hotSet
}

// RetryRunner abstracts internal/catalog's withImmediateTx without an import
// cycle: internal/catalog constructs a Stager bound to its own *sql.DB and
// retry policy via New.
type RetryRunner func(ctx context.Context, db *sql.DB, op string, fn func(*sql.Tx) error) error

// New returns a Stager over db, using runner to execute each write inside a
// retrying immediate transaction.
func New(db *sql.DB, runner RetryRunner) *Stager {
	return &Stager{db: db, retry: runner, hot: newHotSet()}
}

// Enqueue durably appends one staged payload for subsetUUID (spec §4.6,
// "enqueue"). nowUnixMicro is supplied by the caller so this package never
// reaches for wall-clock time itself.
func (s *Stager) Enqueue(ctx context.Context, subsetUUID string, nRows int64, payload []byte, nowUnixMicro int64) error {
	err := s.retry(ctx, s.db, "stager_enqueue", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO staging_rows(subset_uuid, n_rows, enqueued_at, payload) VALUES(?,?,?,?)",
			subsetUUID, nRows, nowUnixMicro, payload)
		if err != nil {
			return dmerr.CatalogQuery("stager_enqueue", err)
		}
		return nil
	})
	if err == nil {
		s.hot.mark(subsetUUID)
	}
	return err
}

// ReclaimStale clears claim_token/claimed_at on any row claimed before
// cutoffUnixMicro — recovering work abandoned by a crashed compactor (spec
// §4.6, "stale claim reclamation").
func (s *Stager) ReclaimStale(ctx context.Context, cutoffUnixMicro int64) (int64, error) {
	var n int64
	var reclaimed []string
	err := s.retry(ctx, s.db, "stager_reclaim_stale", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE staging_rows SET claim_token=NULL, claimed_at=NULL
			 WHERE claim_token IS NOT NULL AND claimed_at <= ? RETURNING subset_uuid`,
			cutoffUnixMicro)
		if err != nil {
			return dmerr.CatalogQuery("stager_reclaim_stale", err)
		}
		defer rows.Close()
		for rows.Next() {
			var su string
			if err := rows.Scan(&su); err != nil {
				return dmerr.CatalogQuery("stager_reclaim_stale", err)
			}
			reclaimed = append(reclaimed, su)
			n++
		}
		return rows.Err()
	})
	if err == nil {
		for _, su := range reclaimed {
			s.hot.mark(su)
		}
	}
	return n, err
}

// SelectAndClaimPrefix claims a contiguous, row-count-bounded prefix of
// unclaimed rows for subsetUUID under token, mirroring select_and_claim_prefix:
// it over-fetches (8x partRows worth of staging rows), greedily accumulates
// rows up to partRows, allows a single oversized row through alone when it is
// the first candidate, and opportunistically deletes any zero-row rows it
// encountered along the way (defensive cleanup for a payload that somehow
// recorded zero rows).
func (s *Stager) SelectAndClaimPrefix(ctx context.Context, subsetUUID string, partRows int64, token string, nowUnixMicro int64) ([]Row, error) {
	if partRows <= 0 {
		return nil, fmt.Errorf("stager: part_rows must be > 0, got %d", partRows)
	}
	var claimed []Row
	err := s.retry(ctx, s.db, "stager_select_and_claim", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT staging_id, n_rows, payload FROM staging_rows WHERE subset_uuid=? AND claim_token IS NULL ORDER BY staging_id LIMIT ?",
			subsetUUID, partRows*8)
		if err != nil {
			return dmerr.CatalogQuery("stager_select_and_claim", err)
		}
		type candidate struct {
			id      int64
			nRows   int64
			payload []byte
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.nRows, &c.payload); err != nil {
				rows.Close()
				return dmerr.CatalogQuery("stager_select_and_claim", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			return dmerr.CatalogQuery("stager_select_and_claim", err)
		}
		rows.Close()
		if len(candidates) == 0 {
			return nil
		}

		var picked []candidate
		var zeroIDs []int64
		var total int64
		for _, c := range candidates {
			if c.nRows <= 0 {
				zeroIDs = append(zeroIDs, c.id)
				continue
			}
			if len(picked) > 0 && total+c.nRows > partRows {
				break
			}
			if len(picked) == 0 && c.nRows > partRows {
				picked = []candidate{c}
				total = c.nRows
				break
			}
			picked = append(picked, c)
			total += c.nRows
		}
		if len(zeroIDs) > 0 {
			if err := deleteByIDs(ctx, tx, "staging_rows", "staging_id", zeroIDs); err != nil {
				return err
			}
		}
		if len(picked) == 0 {
			return nil
		}

		ids := make([]int64, len(picked))
		for i, c := range picked {
			ids[i] = c.id
		}
		if err := claimByIDs(ctx, tx, token, nowUnixMicro, ids); err != nil {
			return err
		}
		for _, c := range picked {
			claimed = append(claimed, Row{StagingID: c.id, NRows: c.nRows, Payload: c.payload})
		}
		return nil
	})
	return claimed, err
}

// Unclaim releases token's claim without deleting the rows — used when a
// compaction attempt fails after claiming but before a durable part is
// sealed, so the rows are retried rather than lost.
func (s *Stager) Unclaim(ctx context.Context, token string) error {
	return s.retry(ctx, s.db, "stager_unclaim", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE staging_rows SET claim_token=NULL, claimed_at=NULL WHERE claim_token=?", token)
		if err != nil {
			return dmerr.CatalogQuery("stager_unclaim", err)
		}
		return nil
	})
}

// DeleteClaimed permanently removes every row claimed under token — called
// once the claimed rows have been durably sealed into a part.
func (s *Stager) DeleteClaimed(ctx context.Context, token string) (int64, error) {
	var n int64
	err := s.retry(ctx, s.db, "stager_delete_claimed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM staging_rows WHERE claim_token=?", token)
		if err != nil {
			return dmerr.CatalogQuery("stager_delete_claimed", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// HotSubsets returns up to limit subset_uuids with unclaimed staged rows,
// ordered by the age of their oldest unclaimed row — the compaction sweep's
// worklist (spec §4.6, "hot subsets").
func (s *Stager) HotSubsets(ctx context.Context, limit int64) ([]string, error) {
	if s.hot.empty() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT subset_uuid FROM staging_rows WHERE claim_token IS NULL
		 GROUP BY subset_uuid ORDER BY MIN(staging_id) LIMIT ?`, limit)
	if err != nil {
		return nil, dmerr.CatalogQuery("stager_hot_subsets", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var su string
		if err := rows.Scan(&su); err != nil {
			return nil, dmerr.CatalogQuery("stager_hot_subsets", err)
		}
		out = append(out, su)
	}
	if err := rows.Err(); err != nil {
		return nil, dmerr.CatalogQuery("stager_hot_subsets", err)
	}
	s.hot.resync(out)
	return out, nil
}

func claimByIDs(ctx context.Context, tx *sql.Tx, token string, nowUnixMicro int64, ids []int64) error {
	args := make([]any, 0, len(ids)+2)
	args = append(args, token, nowUnixMicro)
	placeholders := ""
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	q := fmt.Sprintf("UPDATE staging_rows SET claim_token=?, claimed_at=? WHERE staging_id IN (%s) AND claim_token IS NULL", placeholders)
	_, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return dmerr.CatalogQuery("stager_claim_by_ids", err)
	}
	return nil
}

func deleteByIDs(ctx context.Context, tx *sql.Tx, table, col string, ids []int64) error {
	args := make([]any, len(ids))
	placeholders := ""
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", table, col, placeholders)
	_, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return dmerr.CatalogQuery("stager_delete_by_ids", err)
	}
	return nil
}
