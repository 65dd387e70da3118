package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// SegmentRecord is the catalog row of a live segment.
type SegmentRecord struct {
	Table         string
	Partition     string
	ID            segment.ID
	Dir           string
	RowCount      int64
	MinSeq        uint64
	MaxSeq        uint64
	SizeBytes     int64
	SchemaVersion int
	CreatedAt     time.Time
}

// RecordFor builds the catalog row of a written segment.
func RecordFor(seg *segment.Segment) SegmentRecord {
	return SegmentRecord{
		Table:         seg.Table,
		Partition:     seg.Partition,
		ID:            seg.ID,
		Dir:           seg.Dir(),
		RowCount:      seg.RowCount,
		MinSeq:        seg.MinSeq,
		MaxSeq:        seg.MaxSeq,
		SizeBytes:     seg.DataSize,
		SchemaVersion: seg.SchemaVersion,
		CreatedAt:     seg.CreatedAt,
	}
}

// RegisterPartition records that a partition exists. It is idempotent.
func (c *Catalog) RegisterPartition(ctx context.Context, table string, p types.Partition) error {
	e, err := c.entry(table)
	if err != nil {
		return err
	}
	key := p.Key()
	e.mu.RLock()
	_, known := e.partitions.Get(partitionItem{key: key})
	e.mu.RUnlock()
	if known {
		return nil
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal partition: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (table_name, partition_key, partition_json, created_at) VALUES (?, ?, ?, ?)",
		table, key, string(raw), time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("catalog: failed to register partition %s/%s: %w", table, key, err)
	}

	e.mu.Lock()
	e.partitions.ReplaceOrInsert(partitionItem{key: key, partition: p})
	e.mu.Unlock()
	return nil
}

// ListPartitions returns a table's partitions ordered by canonical key.
func (c *Catalog) ListPartitions(ctx context.Context, table string) ([]types.Partition, error) {
	e, err := c.entry(table)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Partition, 0, e.partitions.Len())
	e.partitions.Ascend(func(it partitionItem) bool {
		out = append(out, it.partition)
		return true
	})
	return out, nil
}

// LookupPartition finds a registered partition by canonical key.
func (c *Catalog) LookupPartition(ctx context.Context, table, key string) (types.Partition, bool, error) {
	e, err := c.entry(table)
	if err != nil {
		return types.Partition{}, false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	it, ok := e.partitions.Get(partitionItem{key: key})
	return it.partition, ok, nil
}

// AddSegment makes a flushed segment live.
func (c *Catalog) AddSegment(ctx context.Context, rec SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertSegment(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit segment %s: %w", rec.ID, err)
	}
	return nil
}

// ReplaceSegments atomically swaps the old segments of a partition for
// the compacted one. It fails without changes if any old segment is no
// longer live.
func (c *Catalog) ReplaceSegments(ctx context.Context, table, partitionKey string, old []segment.ID, rec SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range old {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM segments WHERE table_name = ? AND partition_key = ? AND seq = ? AND gen = ?",
			table, partitionKey, int64(id.Seq), int64(id.Gen))
		if err != nil {
			return fmt.Errorf("catalog: failed to remove segment %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return dberrors.NotFound(dberrors.ErrCategoryCompaction, "catalog: segment %s of %s/%s is not live", id, table, partitionKey)
		}
	}
	if err := insertSegment(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit compaction: %w", err)
	}
	return nil
}

func insertSegment(ctx context.Context, tx *sql.Tx, rec SegmentRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO segments (
			table_name, partition_key, seq, gen, dir,
			row_count, min_seq, max_seq, size_bytes, schema_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Table, rec.Partition, int64(rec.ID.Seq), int64(rec.ID.Gen), rec.Dir,
		rec.RowCount, int64(rec.MinSeq), int64(rec.MaxSeq), rec.SizeBytes, rec.SchemaVersion,
		rec.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("catalog: failed to insert segment %s: %w", rec.ID, err)
	}
	return nil
}

// LiveSegments returns the live segments of a partition in ID order.
func (c *Catalog) LiveSegments(ctx context.Context, table, partitionKey string) ([]SegmentRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT table_name, partition_key, seq, gen, dir,
			row_count, min_seq, max_seq, size_bytes, schema_version, created_at
		FROM segments WHERE table_name = ? AND partition_key = ?
		ORDER BY seq, gen`, table, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRecord
	for rows.Next() {
		rec, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSegment(rows *sql.Rows) (SegmentRecord, error) {
	var (
		rec                  SegmentRecord
		seq, gen, minS, maxS int64
		created              int64
	)
	if err := rows.Scan(&rec.Table, &rec.Partition, &seq, &gen, &rec.Dir,
		&rec.RowCount, &minS, &maxS, &rec.SizeBytes, &rec.SchemaVersion, &created); err != nil {
		return rec, fmt.Errorf("catalog: failed to scan segment: %w", err)
	}
	rec.ID = segment.ID{Seq: uint64(seq), Gen: uint32(gen)}
	rec.MinSeq = uint64(minS)
	rec.MaxSeq = uint64(maxS)
	rec.CreatedAt = time.UnixMicro(created).UTC()
	return rec, nil
}

// AllSegmentDirs returns the directory of every live segment.
func (c *Catalog) AllSegmentDirs(ctx context.Context) (map[string]bool, error) {
	rows, err := c.readDB.QueryContext(ctx, "SELECT dir FROM segments")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list segment dirs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, err
		}
		out[dir] = true
	}
	return out, rows.Err()
}

// FlushedSeq returns the highest sequence number held by a live segment of
// the partition, or 0. Log records at or below it are already durable in
// segments.
func (c *Catalog) FlushedSeq(ctx context.Context, table, partitionKey string) (uint64, error) {
	var seq int64
	err := c.readDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(max_seq), 0) FROM segments WHERE table_name = ? AND partition_key = ?",
		table, partitionKey).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to read flushed seq: %w", err)
	}
	return uint64(seq), nil
}

// SegmentCount returns the number of live segments across all tables.
func (c *Catalog) SegmentCount(ctx context.Context) (int64, error) {
	var n int64
	if err := c.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments").Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: failed to count segments: %w", err)
	}
	return n, nil
}
