package stager

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const testDDL = `
CREATE TABLE IF NOT EXISTS staging_rows(
	staging_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	subset_uuid   TEXT NOT NULL,
	n_rows        INTEGER NOT NULL,
	enqueued_at   INTEGER NOT NULL,
	payload       BLOB NOT NULL,
	claim_token   TEXT,
	claimed_at    INTEGER
);
`

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stager_test.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(testDDL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func noRetryRunner(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestEnqueueAndHotSubsets(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := New(db, noRetryRunner)

	require.NoError(t, s.Enqueue(ctx, "subset-a", 10, []byte("payload-1"), 1000))
	require.NoError(t, s.Enqueue(ctx, "subset-b", 5, []byte("payload-2"), 1001))
	require.NoError(t, s.Enqueue(ctx, "subset-a", 7, []byte("payload-3"), 1002))

	hot, err := s.HotSubsets(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"subset-a", "subset-b"}, hot)
}

func TestSelectAndClaimPrefixRespectsPartRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := New(db, noRetryRunner)

	require.NoError(t, s.Enqueue(ctx, "subset-a", 4, []byte("a"), 1000))
	require.NoError(t, s.Enqueue(ctx, "subset-a", 4, []byte("b"), 1001))
	require.NoError(t, s.Enqueue(ctx, "subset-a", 4, []byte("c"), 1002))

	claimed, err := s.SelectAndClaimPrefix(ctx, "subset-a", 8, "token-1", 2000)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, []byte("a"), claimed[0].Payload)
	require.Equal(t, []byte("b"), claimed[1].Payload)

	// A second claim attempt must skip the still-claimed rows and pick up "c".
	claimed2, err := s.SelectAndClaimPrefix(ctx, "subset-a", 8, "token-2", 2001)
	require.NoError(t, err)
	require.Len(t, claimed2, 1)
	require.Equal(t, []byte("c"), claimed2[0].Payload)
}

func TestSelectAndClaimPrefixAllowsOversizedFirstRow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := New(db, noRetryRunner)

	require.NoError(t, s.Enqueue(ctx, "subset-a", 100, []byte("huge"), 1000))
	require.NoError(t, s.Enqueue(ctx, "subset-a", 1, []byte("small"), 1001))

	claimed, err := s.SelectAndClaimPrefix(ctx, "subset-a", 8, "token-1", 2000)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, []byte("huge"), claimed[0].Payload)
}

func TestUnclaimAndDeleteClaimed(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := New(db, noRetryRunner)

	require.NoError(t, s.Enqueue(ctx, "subset-a", 4, []byte("a"), 1000))
	claimed, err := s.SelectAndClaimPrefix(ctx, "subset-a", 8, "token-1", 2000)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.Unclaim(ctx, "token-1"))
	reClaimed, err := s.SelectAndClaimPrefix(ctx, "subset-a", 8, "token-2", 2001)
	require.NoError(t, err)
	require.Len(t, reClaimed, 1)

	n, err := s.DeleteClaimed(ctx, "token-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	hot, err := s.HotSubsets(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, hot)
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := New(db, noRetryRunner)

	require.NoError(t, s.Enqueue(ctx, "subset-a", 4, []byte("a"), 1000))
	_, err := s.SelectAndClaimPrefix(ctx, "subset-a", 8, "token-1", 2000)
	require.NoError(t, err)

	n, err := s.ReclaimStale(ctx, 1999) // claimed_at=2000, above cutoff: not reclaimed
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	n, err = s.ReclaimStale(ctx, 2000)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	hot, err := s.HotSubsets(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"subset-a"}, hot)
}

func TestSelectAndClaimPrefixRejectsZeroPartRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := New(db, noRetryRunner)
	_, err := s.SelectAndClaimPrefix(ctx, "subset-a", 0, "token-1", 2000)
	require.Error(t, err)
}
