package catalog

// catalogDDL creates the top-level catalog.db: dataset registry plus a
// small meta table (spec §4.5, "catalog").
const catalogDDL = `
CREATE TABLE IF NOT EXISTS meta(
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS datasets(
	dataset_uuid        TEXT PRIMARY KEY,
	alias               TEXT UNIQUE NOT NULL,
	created_at_epoch    INTEGER NOT NULL,
	schema_json         TEXT NOT NULL,
	storage_scheme_json TEXT NOT NULL
);
`

// datasetDDL creates one dataset's own dataset.db: its subsets and parts
// tables, plus the indexes find_subsets/find_parts rely on (spec §4.5).
const datasetDDL = `
CREATE TABLE IF NOT EXISTS meta(
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS subsets(
	subset_uuid         TEXT PRIMARY KEY,
	created_at_epoch    INTEGER NOT NULL,
	marked_for_deletion INTEGER NOT NULL DEFAULT 0,
	total_rows          INTEGER NOT NULL DEFAULT 0,
	buffer_rows         INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS parts(
	part_uuid           TEXT PRIMARY KEY,
	subset_uuid         TEXT NOT NULL,
	created_at_epoch    INTEGER NOT NULL,
	n_rows              INTEGER NOT NULL,
	scheme_version      INTEGER NOT NULL DEFAULT 1,
	file_relpath        TEXT NOT NULL,
	marked_for_deletion INTEGER NOT NULL DEFAULT 0,
	content_hash        TEXT NOT NULL,
	part_stats_json     TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(subset_uuid) REFERENCES subsets(subset_uuid) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_parts_subset_contenthash
	ON parts(subset_uuid, content_hash);
CREATE INDEX IF NOT EXISTS idx_subsets_epoch_subset_live
	ON subsets(created_at_epoch, subset_uuid)
	WHERE marked_for_deletion = 0;
CREATE INDEX IF NOT EXISTS idx_parts_subset_epoch_uuid_live
	ON parts(subset_uuid, created_at_epoch, part_uuid)
	WHERE marked_for_deletion = 0;

CREATE TABLE IF NOT EXISTS staging_rows(
	staging_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	subset_uuid   TEXT NOT NULL,
	n_rows        INTEGER NOT NULL,
	enqueued_at   INTEGER NOT NULL,
	payload       BLOB NOT NULL,
	claim_token   TEXT,
	claimed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_staging_subset_id
	ON staging_rows(subset_uuid, staging_id);
CREATE INDEX IF NOT EXISTS idx_staging_unclaimed
	ON staging_rows(subset_uuid, staging_id)
	WHERE claim_token IS NULL;
CREATE INDEX IF NOT EXISTS idx_staging_claim_token
	ON staging_rows(claim_token);
CREATE INDEX IF NOT EXISTS idx_staging_claimed_at
	ON staging_rows(claimed_at);
`
