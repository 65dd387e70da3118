package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	_ "github.com/mattn/go-sqlite3"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/partition"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// FileName is the catalog database file name inside the data directory.
const FileName = "manifest.db"

// Catalog is the SQLite-backed schema and partition catalog. Writes go
// through a single connection serialized by mu; table snapshots and the
// partition index are served from memory.
type Catalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	tablesMu sync.RWMutex
	tables   map[string]*tableEntry
}

// tableEntry caches one table. mu is the table's metadata lock: schema
// changes take it exclusively, lookups share it.
type tableEntry struct {
	mu         sync.RWMutex
	snap       *types.Table
	router     *partition.Router
	partitions *btree.BTreeG[partitionItem]
}

type partitionItem struct {
	key       string
	partition types.Partition
}

func partitionLess(a, b partitionItem) bool { return a.key < b.key }

func newTableEntry(snap *types.Table) *tableEntry {
	return &tableEntry{
		snap:       snap,
		router:     partition.NewRouter(snap),
		partitions: btree.NewG[partitionItem](16, partitionLess),
	}
}

// Open opens or creates the catalog at dbPath and loads every table.
func Open(ctx context.Context, dbPath string) (*Catalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{
		db:     db,
		dbPath: dbPath,
		tables: make(map[string]*tableEntry),
	}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	if err := c.load(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("catalog: failed to load: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// load reads every table definition and partition into memory.
func (c *Catalog) load(ctx context.Context) error {
	rows, err := c.readDB.QueryContext(ctx, "SELECT name, version, created_at FROM tables")
	if err != nil {
		return err
	}
	var snaps []*types.Table
	for rows.Next() {
		var (
			t       types.Table
			created int64
		)
		if err := rows.Scan(&t.Name, &t.Version, &created); err != nil {
			rows.Close()
			return err
		}
		t.CreatedAt = time.UnixMicro(created).UTC()
		snaps = append(snaps, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range snaps {
		if err := c.loadColumns(ctx, t); err != nil {
			return err
		}
		entry := newTableEntry(t)
		if err := c.loadPartitions(ctx, entry); err != nil {
			return err
		}
		c.tables[t.Name] = entry
	}
	log.Printf("catalog: loaded %d tables from %s", len(snaps), c.dbPath)
	return nil
}

func (c *Catalog) loadColumns(ctx context.Context, t *types.Table) error {
	rows, err := c.readDB.QueryContext(ctx,
		"SELECT name, type, nullable FROM columns WHERE table_name = ? ORDER BY position", t.Name)
	if err != nil {
		return err
	}
	for rows.Next() {
		var col types.Column
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable); err != nil {
			rows.Close()
			return err
		}
		t.Columns = append(t.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = c.readDB.QueryContext(ctx,
		"SELECT name, type FROM partition_fields WHERE table_name = ? ORDER BY position", t.Name)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var f types.PartitionField
		if err := rows.Scan(&f.Name, &f.Type); err != nil {
			return err
		}
		t.Partitioning = append(t.Partitioning, f)
	}
	return rows.Err()
}

func (c *Catalog) loadPartitions(ctx context.Context, entry *tableEntry) error {
	rows, err := c.readDB.QueryContext(ctx,
		"SELECT partition_key, partition_json FROM partitions WHERE table_name = ?", entry.snap.Name)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return err
		}
		var p types.Partition
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("partition %q of %q: %w", key, entry.snap.Name, err)
		}
		entry.partitions.ReplaceOrInsert(partitionItem{key: key, partition: p})
	}
	return rows.Err()
}

func (c *Catalog) entry(name string) (*tableEntry, error) {
	c.tablesMu.RLock()
	defer c.tablesMu.RUnlock()
	e, ok := c.tables[name]
	if !ok {
		return nil, dberrors.NotFound(dberrors.ErrCategorySchema, "catalog: table %q not found", name)
	}
	return e, nil
}

// CreateTable registers a new table at schema version 1.
func (c *Catalog) CreateTable(ctx context.Context, name string, columns []types.Column, partitioning []types.PartitionField) error {
	if err := partition.ValidateSchema(name, columns, partitioning); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tablesMu.RLock()
	_, exists := c.tables[name]
	c.tablesMu.RUnlock()
	if exists {
		return dberrors.NewSchemaError(dberrors.CodeAlreadyExists, fmt.Sprintf("catalog: table %q already exists", name))
	}

	snap := &types.Table{
		Name:         name,
		Columns:      append([]types.Column(nil), columns...),
		Partitioning: append([]types.PartitionField(nil), partitioning...),
		Version:      1,
		CreatedAt:    time.Now().UTC(),
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT INTO tables (name, version, created_at) VALUES (?, ?, ?)",
		name, snap.Version, snap.CreatedAt.UnixMicro()); err != nil {
		return fmt.Errorf("catalog: failed to insert table %q: %w", name, err)
	}
	if err := insertColumns(ctx, tx, name, 0, snap.Version, columns); err != nil {
		return err
	}
	for i, f := range partitioning {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO partition_fields (table_name, position, name, type) VALUES (?, ?, ?, ?)",
			name, i, f.Name, string(f.Type)); err != nil {
			return fmt.Errorf("catalog: failed to insert partition field %q: %w", f.Name, err)
		}
	}
	if err := insertSchemaVersion(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit table %q: %w", name, err)
	}

	c.tablesMu.Lock()
	c.tables[name] = newTableEntry(snap)
	c.tablesMu.Unlock()
	log.Printf("catalog: created table %s (%d columns, %d partition fields)", name, len(columns), len(partitioning))
	return nil
}

func insertColumns(ctx context.Context, tx *sql.Tx, table string, start, version int, columns []types.Column) error {
	for i, col := range columns {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO columns (table_name, position, name, type, nullable, added_in) VALUES (?, ?, ?, ?, ?, ?)",
			table, start+i, col.Name, string(col.Type), col.Nullable, version); err != nil {
			return fmt.Errorf("catalog: failed to insert column %q: %w", col.Name, err)
		}
	}
	return nil
}

func insertSchemaVersion(ctx context.Context, tx *sql.Tx, snap *types.Table) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_versions (table_name, version, schema_json, created_at) VALUES (?, ?, ?, ?)",
		snap.Name, snap.Version, string(data), time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("catalog: failed to record schema version %d: %w", snap.Version, err)
	}
	return nil
}

// AddColumns appends columns to a table and bumps its schema version.
// Writers holding the previous snapshot keep using it.
func (c *Catalog) AddColumns(ctx context.Context, table string, columns []types.Column) (*types.Table, error) {
	e, err := c.entry(table)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := partition.ValidateAddColumns(e.snap, columns); err != nil {
		return nil, err
	}
	next := e.snap.Clone()
	next.Columns = append(next.Columns, columns...)
	next.Version++

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertColumns(ctx, tx, table, len(e.snap.Columns), next.Version, columns); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE tables SET version = ? WHERE name = ?", next.Version, table); err != nil {
		return nil, fmt.Errorf("catalog: failed to bump version of %q: %w", table, err)
	}
	if err := insertSchemaVersion(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit columns of %q: %w", table, err)
	}

	e.snap = next
	e.router = partition.NewRouter(next)
	log.Printf("catalog: table %s now at schema version %d", table, next.Version)
	return next, nil
}

// DropTable removes a table and everything the catalog knows about it.
// Data objects are the caller's to delete.
func (c *Catalog) DropTable(ctx context.Context, table string) error {
	e, err := c.entry(table)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM segments WHERE table_name = ?",
		"DELETE FROM partitions WHERE table_name = ?",
		"DELETE FROM partition_fields WHERE table_name = ?",
		"DELETE FROM columns WHERE table_name = ?",
		"DELETE FROM schema_versions WHERE table_name = ?",
		"DELETE FROM tables WHERE name = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, table); err != nil {
			return fmt.Errorf("catalog: failed to drop %q: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit drop of %q: %w", table, err)
	}

	c.tablesMu.Lock()
	delete(c.tables, table)
	c.tablesMu.Unlock()
	log.Printf("catalog: dropped table %s", table)
	return nil
}

// GetTable returns the current schema snapshot of a table.
func (c *Catalog) GetTable(ctx context.Context, table string) (*types.Table, error) {
	e, err := c.entry(table)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap, nil
}

// SchemaVersion returns the schema of a table as of a past version.
func (c *Catalog) SchemaVersion(ctx context.Context, table string, version int) (*types.Table, error) {
	var raw string
	err := c.readDB.QueryRowContext(ctx,
		"SELECT schema_json FROM schema_versions WHERE table_name = ? AND version = ?", table, version).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, dberrors.NotFound(dberrors.ErrCategorySchema, "catalog: table %q has no schema version %d", table, version)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read schema version: %w", err)
	}
	var t types.Table
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal schema version %d: %w", version, err)
	}
	return &t, nil
}

// ListTables returns every table name in sorted order.
func (c *Catalog) ListTables(ctx context.Context) ([]string, error) {
	c.tablesMu.RLock()
	defer c.tablesMu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ResolvePartition computes the partition a row belongs to under the
// table's current schema.
func (c *Catalog) ResolvePartition(table string, row types.Row) (types.Partition, error) {
	e, err := c.entry(table)
	if err != nil {
		return types.Partition{}, err
	}
	e.mu.RLock()
	router := e.router
	e.mu.RUnlock()
	return router.RouteRow(row)
}

// Close closes the catalog database connections.
func (c *Catalog) Close() error {
	// Close read connection first, then write connection
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			c.db.Close()
			return err
		}
	}
	return c.db.Close()
}
