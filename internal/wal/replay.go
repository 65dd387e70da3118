package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
)

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Generations int
	Records     int
	Skipped     int
	TornFiles   int
	MaxSeq      uint64
}

// Replay reads every generation in dir in order and returns the records
// holding rows with a sequence number above afterSeq; rows at or below it
// are trimmed. Reading a file stops at the first torn or corrupt record,
// which is what an interrupted append leaves behind.
func Replay(dir string, afterSeq uint64) ([]*Record, ReplayStats, error) {
	var stats ReplayStats
	gens, err := listGenerations(dir)
	if err != nil {
		return nil, stats, err
	}

	var out []*Record
	for _, gen := range gens {
		path := filepath.Join(dir, FileName(gen))
		records, torn, err := ReadFile(path)
		if err != nil {
			return nil, stats, err
		}
		stats.Generations++
		if torn {
			stats.TornFiles++
			log.Printf("wal: torn tail in %s after %d records, ignoring the rest", path, len(records))
		}
		for _, rec := range records {
			if len(rec.Rows) == 0 {
				continue
			}
			if last := rec.LastSeq(); last > stats.MaxSeq {
				stats.MaxSeq = last
			}
			if rec.LastSeq() <= afterSeq {
				stats.Skipped++
				continue
			}
			if rec.FirstSeq <= afterSeq {
				drop := afterSeq - rec.FirstSeq + 1
				rec.Rows = rec.Rows[drop:]
				rec.FirstSeq = afterSeq + 1
			}
			out = append(out, rec)
			stats.Records++
		}
	}
	return out, stats, nil
}

// ReadFile reads the records of one generation file. torn reports whether
// trailing bytes did not form a valid record.
func ReadFile(path string) (records []*Record, torn bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("wal: failed to read %s: %w", path, err)
	}
	for off := 0; off < len(data); {
		if len(data)-off < recordHeaderSize {
			return records, true, nil
		}
		length := int(binary.LittleEndian.Uint32(data[off : off+4]))
		sum := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if length > maxRecordSize || len(data)-off-recordHeaderSize < length {
			return records, true, nil
		}
		payload := data[off+recordHeaderSize : off+recordHeaderSize+length]
		if checksum(payload) != sum {
			return records, true, nil
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return records, true, nil
		}
		records = append(records, rec)
		off += recordHeaderSize + length
	}
	return records, false, nil
}

func decodeRecord(payload []byte) (*Record, error) {
	body, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("unsupported record version %d", rec.Version)
	}
	return &rec, nil
}
