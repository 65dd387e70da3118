// Package catalog is the schema and partition catalog. It persists table
// definitions, known partitions and the authoritative live-segment list of
// every partition in a SQLite manifest (manifest.db).
package catalog

// CreateTablesTableSQL creates the table registry.
const CreateTablesTableSQL = `
CREATE TABLE IF NOT EXISTS tables (
    name TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateColumnsTableSQL stores columns in declaration order.
const CreateColumnsTableSQL = `
CREATE TABLE IF NOT EXISTS columns (
    table_name TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    nullable INTEGER NOT NULL,
    added_in INTEGER NOT NULL,
    PRIMARY KEY (table_name, position),
    UNIQUE (table_name, name)
)`

// CreatePartitionFieldsTableSQL stores the partitioning of each table.
const CreatePartitionFieldsTableSQL = `
CREATE TABLE IF NOT EXISTS partition_fields (
    table_name TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    PRIMARY KEY (table_name, position)
)`

// CreatePartitionsTableSQL lists the partitions that ever received rows.
const CreatePartitionsTableSQL = `
CREATE TABLE IF NOT EXISTS partitions (
    table_name TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    partition_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, partition_key)
)`

// CreateSegmentsTableSQL is the live-segment list. A segment is visible to
// readers exactly when its row exists here.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    table_name TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    seq INTEGER NOT NULL,
    gen INTEGER NOT NULL,
    dir TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    min_seq INTEGER NOT NULL,
    max_seq INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    schema_version INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, partition_key, seq, gen)
)`

// CreateSchemaVersionsTableSQL keeps every schema version of every table.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    schema_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, version)
)`

// CreateIndexesSQL creates secondary indexes.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_segments_dir ON segments(dir)`,
	`CREATE INDEX IF NOT EXISTS idx_segments_size ON segments(table_name, partition_key, size_bytes)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize manifest.db.
func AllSchemaSQL() []string {
	statements := []string{
		CreateTablesTableSQL,
		CreateColumnsTableSQL,
		CreatePartitionFieldsTableSQL,
		CreatePartitionsTableSQL,
		CreateSegmentsTableSQL,
		CreateSchemaVersionsTableSQL,
	}
	return append(statements, CreateIndexesSQL...)
}
