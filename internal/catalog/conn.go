package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/datamgr/datamgr/internal/dmerr"
	_ "modernc.org/sqlite"
)

// pragmas are applied to every new connection after setJournalMode has
// chosen the journal mode — matching the original's connection bootstrap
// (legacy/datamgr/atoms.py:default_conn_factory).
var pragmas = []string{
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA cache_size=-65536",
}

func openDB(path string) (*sql.DB, error) {
	// _txlock=immediate makes every BeginTx issue BEGIN IMMEDIATE.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, dmerr.CatalogOpen("open", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time; the retry loop handles contention
	if err := setJournalMode(db); err != nil {
		db.Close()
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, dmerr.CatalogOpen("open", err)
		}
	}
	return db, nil
}

// setJournalMode tries wal2 first (the mode the original requests), and
// falls back to wal when the running sqlite build doesn't recognize it —
// wal2 is a newer SQLite feature not every build ships.
func setJournalMode(db *sql.DB) error {
	// The pragma reports the mode in effect; a build without wal2 answers
	// with the old mode instead of an error.
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode=wal2").Scan(&mode); err == nil && strings.EqualFold(mode, "wal2") {
		return nil
	}
	if _, err := db.Exec("PRAGMA journal_mode=wal"); err != nil {
		return dmerr.CatalogOpen("open", err)
	}
	return nil
}

// retryableMessages mirrors the original's db_txn_immediate classification
// of sqlite's lock-contention errors as retryable.
var retryableMessages = []string{
	"database is locked",
	"database schema is locked",
	"database table is locked",
	"database is busy",
	"busy",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RetryPolicy controls withImmediateTx's backoff.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy backs off from 20ms, doubling each attempt, with each
// wait capped at 5s and retrying stopped after 10s in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 20 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction, retrying on
// sqlite lock-contention errors with exponential backoff (spec §4.5,
// "manifest transactions"; original: db_txn_immediate).
func withImmediateTx(ctx context.Context, db *sql.DB, policy RetryPolicy, op string, fn func(*sql.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.Multiplier = policy.Multiplier
	bo.MaxInterval = policy.MaxInterval
	bo.MaxElapsedTime = policy.MaxElapsedTime
	bctx := backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(dmerr.CatalogQuery(op, err))
		}
		if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			// modernc.org/sqlite starts the transaction via BeginTx already;
			// a second BEGIN IMMEDIATE on some builds errors "transaction
			// within a transaction" — ignore that specific case, surface
			// anything else.
			if !strings.Contains(strings.ToLower(err.Error()), "transaction within a transaction") {
				tx.Rollback()
				if isRetryable(err) {
					return err
				}
				return backoff.Permanent(dmerr.CatalogQuery(op, err))
			}
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(dmerr.CatalogQuery(op, err))
		}
		return nil
	}, bctx)
}

// IsIntegrityError reports whether err is a UNIQUE/constraint violation —
// the signal get_or_create_subset and InsertPart use to detect a losing
// race against a concurrent writer.
func IsIntegrityError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

var errNoRows = sql.ErrNoRows

func isNoRows(err error) bool { return errors.Is(err, errNoRows) }
