package catalog

import (
	"context"
	"database/sql"

	"github.com/datamgr/datamgr/internal/stager"
)

// Stager returns a stager.Stager bound to datasetUUID's own dataset.db,
// reusing this Catalog's connection pool and retry policy so staging writes
// share the same lock-contention backoff as subset/part manifest writes.
func (c *Catalog) Stager(ctx context.Context, datasetUUID string) (*stager.Stager, error) {
	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return nil, err
	}
	return stager.New(db, c.txRunner()), nil
}

// txRunner adapts withImmediateTx to stager.RetryRunner.
func (c *Catalog) txRunner() stager.RetryRunner {
	return func(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
		return withImmediateTx(ctx, db, c.retry, op, fn)
	}
}
