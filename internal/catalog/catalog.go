// Package catalog is the SQLite-backed manifest: a shared catalog.db
// registering datasets, and one dataset.db per dataset holding its subsets,
// parts, and staging rows (spec §4.5).
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/partstore"
	"github.com/datamgr/datamgr/internal/schema"
	"github.com/google/uuid"
)

// DatasetSchema is the JSON payload stored in datasets.schema_json (and
// mirrored into each dataset.db's meta table), recording the dataset's
// locked key schema and canonical part-write configuration.
type DatasetSchema struct {
	KeySchema  map[string]schema.SQLType `json:"key_schema"`
	KeyOrder   []string                  `json:"key_order"`
	// Quantization maps a REAL key name to its quantization scale (spec §3's
	// "quantization map", §6's schema JSON "quantization" object). A REAL
	// key absent from this map uses the dataset's configured default scale.
	Quantization map[string]float64 `json:"quantization,omitempty"`
	PartConfig   *PartConfig         `json:"part_config,omitempty"`
	DtypeJSON    string              `json:"dtype_json,omitempty"`
}

// PartConfig is locked the first time a dataset seals a part, per spec §4.4
// ("part_rows and compression are fixed for the dataset's lifetime").
type PartConfig struct {
	PartRows         int    `json:"part_rows"`
	Compression      string `json:"compression"`
	CompressionLevel int    `json:"compression_level"`
}

func (s DatasetSchema) keySchema() schema.KeySchema {
	return schema.KeySchema{Types: s.KeySchema, Order: s.KeyOrder}
}

// Catalog owns the shared catalog.db and a lazily-opened, cached handle per
// dataset.db.
type Catalog struct {
	root       string
	catalogDB  *sql.DB
	retry      RetryPolicy
	mu         sync.Mutex
	datasetDBs map[string]*sql.DB
	dedup      *dedupCache
}

// Open opens (creating if necessary) the catalog rooted at root.
func Open(root string) (*Catalog, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, dmerr.CatalogOpen("open", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, dmerr.CatalogOpen("open", err)
	}
	db, err := openDB(filepath.Join(abs, "catalog.db"))
	if err != nil {
		return nil, err
	}
	c := &Catalog{root: abs, catalogDB: db, retry: DefaultRetryPolicy(), datasetDBs: map[string]*sql.DB{}, dedup: newDedupCache()}
	if err := c.initCatalog(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// SetRetryPolicy overrides the default backoff tuning (spec §4.5, driven by
// internal/config).
func (c *Catalog) SetRetryPolicy(p RetryPolicy) { c.retry = p }

func (c *Catalog) initCatalog(ctx context.Context) error {
	return withImmediateTx(ctx, c.catalogDB, c.retry, "init_catalog", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, catalogDDL); err != nil {
			return dmerr.CatalogDDL("init_catalog", err)
		}
		var exists int
		row := tx.QueryRowContext(ctx, "SELECT 1 FROM meta WHERE key='database_uuid'")
		if err := row.Scan(&exists); err != nil && !isNoRows(err) {
			return dmerr.CatalogDDL("init_catalog", err)
		}
		if exists == 0 {
			if _, err := tx.ExecContext(ctx, "INSERT INTO meta(key,value) VALUES('database_uuid',?)", uuid.New().String()); err != nil {
				return dmerr.CatalogDDL("init_catalog", err)
			}
		}
		return nil
	})
}

// Close closes the catalog DB and every cached dataset DB.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, db := range c.datasetDBs {
		db.Close()
	}
	return c.catalogDB.Close()
}

func (c *Catalog) DatasetRoot(datasetUUID string) string {
	return filepath.Join(c.root, "datasets", datasetUUID)
}

func (c *Catalog) datasetDBPath(datasetUUID string) string {
	return filepath.Join(c.DatasetRoot(datasetUUID), "dataset.db")
}

// datasetDB lazily opens (creating schema if needed) and caches the
// dataset's own sqlite handle.
func (c *Catalog) datasetDB(ctx context.Context, datasetUUID string) (*sql.DB, error) {
	c.mu.Lock()
	if db, ok := c.datasetDBs[datasetUUID]; ok {
		c.mu.Unlock()
		return db, nil
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(c.DatasetRoot(datasetUUID), "subsets"), 0o755); err != nil {
		return nil, dmerr.CatalogOpen("dataset_db", err)
	}
	db, err := openDB(c.datasetDBPath(datasetUUID))
	if err != nil {
		return nil, err
	}
	if err := withImmediateTx(ctx, db, c.retry, "dataset_db_init", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, datasetDDL); err != nil {
			return dmerr.CatalogDDL("dataset_db_init", err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.datasetDBs[datasetUUID]; ok {
		c.mu.Unlock()
		db.Close()
		return existing, nil
	}
	c.datasetDBs[datasetUUID] = db
	c.mu.Unlock()
	return db, nil
}

// EnsureDataset resolves alias to a dataset_uuid, creating the dataset (and
// its dataset.db) on first use (spec §4.5, "ensure_dataset").
func (c *Catalog) EnsureDataset(ctx context.Context, alias string, defaultScheme partstore.StorageScheme) (string, partstore.StorageScheme, error) {
	if err := schema.AssertSafeName("ensure_dataset", alias); err != nil {
		return "", partstore.StorageScheme{}, err
	}
	if dsUUID, scheme, found, err := c.getDatasetByAlias(ctx, alias); err != nil {
		return "", partstore.StorageScheme{}, err
	} else if found {
		if _, err := c.datasetDB(ctx, dsUUID); err != nil {
			return "", partstore.StorageScheme{}, err
		}
		return dsUUID, scheme, nil
	}

	dsUUID := uuid.New().String()
	createdUs := time.Now().UnixMicro()
	ds := DatasetSchema{KeySchema: map[string]schema.SQLType{}, KeyOrder: nil}
	schemaJSON, err := json.Marshal(ds)
	if err != nil {
		return "", partstore.StorageScheme{}, dmerr.CatalogDDL("ensure_dataset", err)
	}
	schemeJSON, err := json.Marshal(defaultScheme)
	if err != nil {
		return "", partstore.StorageScheme{}, dmerr.CatalogDDL("ensure_dataset", err)
	}

	insertErr := withImmediateTx(ctx, c.catalogDB, c.retry, "ensure_dataset", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO datasets(dataset_uuid, alias, created_at_epoch, schema_json, storage_scheme_json) VALUES(?,?,?,?,?)",
			dsUUID, alias, createdUs, string(schemaJSON), string(schemeJSON))
		if err != nil && IsIntegrityError(err) {
			return err // not retryable, so it ends the loop; the alias lookup below re-checks
		}
		if err != nil {
			return dmerr.CatalogQuery("ensure_dataset", err)
		}
		return nil
	})
	if insertErr != nil {
		// Lost the race to create this alias concurrently; fall through to
		// the lookup path rather than failing the caller.
		if dsUUID2, scheme2, found, err := c.getDatasetByAlias(ctx, alias); err == nil && found {
			if _, err := c.datasetDB(ctx, dsUUID2); err != nil {
				return "", partstore.StorageScheme{}, err
			}
			return dsUUID2, scheme2, nil
		}
		return "", partstore.StorageScheme{}, dmerr.CatalogQuery("ensure_dataset", insertErr)
	}

	if _, err := c.datasetDB(ctx, dsUUID); err != nil {
		return "", partstore.StorageScheme{}, err
	}
	return dsUUID, defaultScheme, nil
}

func (c *Catalog) getDatasetByAlias(ctx context.Context, alias string) (string, partstore.StorageScheme, bool, error) {
	row := c.catalogDB.QueryRowContext(ctx, "SELECT dataset_uuid, storage_scheme_json FROM datasets WHERE alias=?", alias)
	var dsUUID, schemeJSON string
	if err := row.Scan(&dsUUID, &schemeJSON); err != nil {
		if isNoRows(err) {
			return "", partstore.StorageScheme{}, false, nil
		}
		return "", partstore.StorageScheme{}, false, dmerr.CatalogQuery("ensure_dataset", err)
	}
	var scheme partstore.StorageScheme
	if err := json.Unmarshal([]byte(schemeJSON), &scheme); err != nil {
		return "", partstore.StorageScheme{}, false, dmerr.CatalogDDL("ensure_dataset", err)
	}
	return dsUUID, scheme, true, nil
}

// ResolveAlias looks up a dataset_uuid for alias, failing with
// dmerr.DatasetNotFound if it isn't registered.
func (c *Catalog) ResolveAlias(ctx context.Context, alias string) (string, error) {
	dsUUID, _, found, err := c.getDatasetByAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	if !found {
		return "", dmerr.DatasetNotFound("resolve_alias", alias)
	}
	return dsUUID, nil
}

// LoadSchema returns the dataset's current DatasetSchema.
func (c *Catalog) LoadSchema(ctx context.Context, datasetUUID string) (DatasetSchema, error) {
	row := c.catalogDB.QueryRowContext(ctx, "SELECT schema_json FROM datasets WHERE dataset_uuid=?", datasetUUID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if isNoRows(err) {
			return DatasetSchema{}, dmerr.DatasetNotFound("load_schema", datasetUUID)
		}
		return DatasetSchema{}, dmerr.CatalogQuery("load_schema", err)
	}
	var ds DatasetSchema
	if err := json.Unmarshal([]byte(raw), &ds); err != nil {
		return DatasetSchema{}, dmerr.CatalogDDL("load_schema", err)
	}
	return ds, nil
}

// SaveSchema persists ds for datasetUUID in both the catalog and (best
// effort, mirrored) the dataset's own meta table.
func (c *Catalog) SaveSchema(ctx context.Context, datasetUUID string, ds DatasetSchema) error {
	raw, err := json.Marshal(ds)
	if err != nil {
		return dmerr.CatalogDDL("save_schema", err)
	}
	if err := withImmediateTx(ctx, c.catalogDB, c.retry, "save_schema", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE datasets SET schema_json=? WHERE dataset_uuid=?", string(raw), datasetUUID)
		if err != nil {
			return dmerr.CatalogQuery("save_schema", err)
		}
		return nil
	}); err != nil {
		return err
	}
	if db, err := c.datasetDB(ctx, datasetUUID); err == nil {
		_, _ = db.ExecContext(ctx, "INSERT OR REPLACE INTO meta(key,value) VALUES('schema_json',?)", string(raw))
	}
	return nil
}

// EnsureKeyColumns infers and persists the dataset's key schema from the
// first subset_keys batch it ever sees (ALTER TABLE per key, plus a partial
// index), or validates a later batch against the already-locked schema
// (spec §4.5, "ensure_key_columns"). A REAL key gets two columns, "{k}_s"
// (specials code) and "{k}_q" (quantized value), instead of a raw float
// column, so equality lookups can match the same NaN/Inf-aware, quantized
// identity internal/identity derives (spec §4.9, Testable Property 7). On
// first sight, a REAL key is locked to defaultScale in the returned
// quantization map (spec §3's "quantization map"); a later batch reuses
// whatever scale was locked at that first sighting.
func (c *Catalog) EnsureKeyColumns(ctx context.Context, datasetUUID string, keys map[string]any, defaultScale float64) (schema.KeySchema, map[string]float64, error) {
	for k := range keys {
		if err := schema.AssertSafeName("ensure_key_columns", k); err != nil {
			return schema.KeySchema{}, nil, err
		}
		if _, reserved := schema.ReservedSubsetColumns[k]; reserved {
			return schema.KeySchema{}, nil, dmerr.KeySchemaMismatch("ensure_key_columns", fmt.Errorf("key %q collides with a reserved column", k))
		}
	}
	ds, err := c.LoadSchema(ctx, datasetUUID)
	if err != nil {
		return schema.KeySchema{}, nil, err
	}
	if len(ds.KeySchema) > 0 {
		ks := ds.keySchema()
		if len(keys) != len(ks.Types) {
			return schema.KeySchema{}, nil, dmerr.KeySchemaMismatch("ensure_key_columns", fmt.Errorf("subset_keys must have exactly %v", ks.Order))
		}
		for k, v := range keys {
			want, ok := ks.Types[k]
			if !ok {
				return schema.KeySchema{}, nil, dmerr.KeySchemaMismatch("ensure_key_columns", fmt.Errorf("unknown key %q", k))
			}
			got, err := schema.InferSQLType(v)
			if err != nil {
				return schema.KeySchema{}, nil, dmerr.InvalidKeyValue("ensure_key_columns", k, err)
			}
			if got != want {
				return schema.KeySchema{}, nil, dmerr.KeySchemaMismatch("ensure_key_columns", fmt.Errorf("key %q expected %s, got %s", k, want, got))
			}
		}
		return ks, ds.Quantization, nil
	}

	order := make([]string, 0, len(keys))
	for k := range keys {
		order = append(order, k)
	}
	sort.Strings(order)
	inferred := make(map[string]schema.SQLType, len(order))
	quantization := make(map[string]float64, len(order))
	for _, k := range order {
		t, err := schema.InferSQLType(keys[k])
		if err != nil {
			return schema.KeySchema{}, nil, dmerr.InvalidKeyValue("ensure_key_columns", k, err)
		}
		inferred[k] = t
		if t == schema.SQLReal {
			quantization[k] = defaultScale
		}
	}

	db, err := c.datasetDB(ctx, datasetUUID)
	if err != nil {
		return schema.KeySchema{}, nil, err
	}
	if err := withImmediateTx(ctx, db, c.retry, "ensure_key_columns", func(tx *sql.Tx) error {
		for _, k := range order {
			if inferred[k] == schema.SQLReal {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE subsets ADD COLUMN %s_s INTEGER", k)); err != nil {
					return dmerr.CatalogDDL("ensure_key_columns", err)
				}
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE subsets ADD COLUMN %s_q INTEGER", k)); err != nil {
					return dmerr.CatalogDDL("ensure_key_columns", err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE subsets ADD COLUMN %s %s", k, inferred[k])); err != nil {
				return dmerr.CatalogDDL("ensure_key_columns", err)
			}
		}
		for _, k := range order {
			cols := k
			if inferred[k] == schema.SQLReal {
				cols = fmt.Sprintf("%s_s, %s_q", k, k)
			}
			q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_subsets_key_%s ON subsets(%s) WHERE marked_for_deletion=0", k, cols)
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return dmerr.CatalogDDL("ensure_key_columns", err)
			}
		}
		return nil
	}); err != nil {
		return schema.KeySchema{}, nil, err
	}

	ds.KeySchema = inferred
	ds.KeyOrder = order
	ds.Quantization = quantization
	if err := c.SaveSchema(ctx, datasetUUID, ds); err != nil {
		return schema.KeySchema{}, nil, err
	}
	return ds.keySchema(), ds.Quantization, nil
}

// LockPartConfig fixes part_rows/compression for a dataset the first time a
// part is sealed; later calls return the already-locked config unchanged
// (spec §4.4, "part configuration is locked for the dataset's lifetime").
func (c *Catalog) LockPartConfig(ctx context.Context, datasetUUID string, desired PartConfig) (PartConfig, error) {
	ds, err := c.LoadSchema(ctx, datasetUUID)
	if err != nil {
		return PartConfig{}, err
	}
	if ds.PartConfig != nil {
		return *ds.PartConfig, nil
	}
	if desired.PartRows < 1 {
		return PartConfig{}, dmerr.CatalogIntegrity("lock_part_config", fmt.Errorf("part_rows must be >= 1"))
	}
	ds.PartConfig = &desired
	if err := c.SaveSchema(ctx, datasetUUID, ds); err != nil {
		return PartConfig{}, err
	}
	return desired, nil
}
