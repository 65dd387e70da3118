package engine

import (
	"context"
	"log"
	"os"
	"path/filepath"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// CreateTable registers a table. It fails with ALREADY_EXISTS when the
// name is taken and INVALID_SCHEMA when the definition is malformed.
func (e *Engine) CreateTable(ctx context.Context, name string, columns []types.Column, partitioning []types.PartitionField) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(dberrors.ErrCategorySchema); err != nil {
		return err
	}
	return e.catalog.CreateTable(ctx, name, columns, partitioning)
}

// AddColumns appends nullable columns to a table. Rows already written
// read as null in them.
func (e *Engine) AddColumns(ctx context.Context, table string, columns []types.Column) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(dberrors.ErrCategorySchema); err != nil {
		return err
	}
	_, err := e.catalog.AddColumns(ctx, table, columns)
	return err
}

// DropTable removes a table. Its segments are deleted once no reader
// holds them; buffered rows are discarded.
func (e *Engine) DropTable(ctx context.Context, table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(dberrors.ErrCategorySchema); err != nil {
		return err
	}
	if _, err := e.catalog.GetTable(ctx, table); err != nil {
		return err
	}

	parts := e.tablePartitions(table)
	e.partsMu.Lock()
	for _, p := range parts {
		delete(e.parts, partitionID(p.table, p.key))
	}
	e.partsMu.Unlock()
	for _, p := range parts {
		p.drop()
	}

	if err := e.catalog.DropTable(ctx, table); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(e.cfg.Dir, "wal", table)); err != nil {
		log.Printf("engine: failed to remove logs of %s: %v", table, err)
	}
	e.flusher.Forget(table)
	e.compactor.Forget(table)
	e.refreshDegraded()
	return nil
}

// ListTables returns the table names in order.
func (e *Engine) ListTables(ctx context.Context) ([]string, error) {
	return e.catalog.ListTables(ctx)
}

// GetSchema returns the current schema of a table.
func (e *Engine) GetSchema(ctx context.Context, table string) (*types.Table, error) {
	return e.catalog.GetTable(ctx, table)
}

// Schema returns the current schema of a table.
func (e *Engine) Schema(ctx context.Context, table string) (*types.Table, error) {
	return e.catalog.GetTable(ctx, table)
}

// ListPartitions returns the partitions of a table that received rows, in
// key order.
func (e *Engine) ListPartitions(ctx context.Context, table string) ([]types.Partition, error) {
	return e.catalog.ListPartitions(ctx, table)
}

// Partitions lists the partitions of a table for scans.
func (e *Engine) Partitions(ctx context.Context, table string) ([]types.Partition, error) {
	return e.catalog.ListPartitions(ctx, table)
}
