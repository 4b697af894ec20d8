// Package snapshot defines the versioned JSON document that captures one company's
// relational data, the registry of tables it may contain, and the validation a snapshot
// must pass before it is restored.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/erp-backup/backup-service/pkg/checksum"
)

// BackupTypeFull marks a snapshot holding every registry table of a company.
const BackupTypeFull = "full"

// ErrMalformed is returned when a payload is not a decodable snapshot document.
var ErrMalformed = errors.New("malformed snapshot")

// ErrTooLarge is returned when a payload exceeds the configured size limit.
var ErrTooLarge = errors.New("snapshot exceeds size limit")

// Row is one table row keyed by column name. Numbers are json.Number.
type Row map[string]interface{}

// Metadata describes where a snapshot came from and how to verify it.
type Metadata struct {
	Version       string    `json:"version"`
	SystemVersion string    `json:"system_version"`
	SchemaVersion string    `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by"`
	CompanyID     string    `json:"company_id"`
	CompanyName   string    `json:"company_name"`
	BackupType    string    `json:"backup_type"`
	TotalRecords  int64     `json:"total_records"`
	Checksum      string    `json:"checksum"`
}

// SchemaInfo lists the tables a snapshot covers.
type SchemaInfo struct {
	Tables []string `json:"tables"`
}

// Snapshot is the full document.
type Snapshot struct {
	Metadata   Metadata         `json:"metadata"`
	SchemaInfo SchemaInfo       `json:"schema_info"`
	Data       map[string][]Row `json:"data"`
}

// Parse decodes a snapshot, keeping numbers as json.Number so re-encoding the data
// section reproduces the checksum. maxBytes <= 0 disables the size limit.
func Parse(r io.Reader, maxBytes int64) (*Snapshot, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return ParseBytes(raw)
}

// ParseBytes decodes a snapshot held in memory.
func ParseBytes(raw []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformed)
	}
	return &snap, nil
}

// Build assembles a sealed snapshot. schema_info.tables lists every key of data in
// name order; a nil row slice is stored as an empty table.
func Build(meta Metadata, data map[string][]Row) (*Snapshot, error) {
	tables := make([]string, 0, len(data))
	for table, rows := range data {
		if rows == nil {
			data[table] = []Row{}
		}
		tables = append(tables, table)
	}
	sort.Strings(tables)

	if meta.BackupType == "" {
		meta.BackupType = BackupTypeFull
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	snap := &Snapshot{Metadata: meta, SchemaInfo: SchemaInfo{Tables: tables}, Data: data}
	if err := snap.Seal(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Marshal encodes the snapshot for storage or transport.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// RecordCount returns the number of rows across all tables.
func (s *Snapshot) RecordCount() int64 {
	var n int64
	for _, rows := range s.Data {
		n += int64(len(rows))
	}
	return n
}

// ComputeChecksum hashes the canonical encoding of the data section.
func (s *Snapshot) ComputeChecksum() (string, error) {
	data := s.Data
	if data == nil {
		data = map[string][]Row{}
	}
	return checksum.JSON(data)
}

// Seal fills total_records and checksum from the current data.
func (s *Snapshot) Seal() error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	s.Metadata.TotalRecords = s.RecordCount()
	s.Metadata.Checksum = sum
	return nil
}

// TableCounts returns the row count of each table in the data section.
func (s *Snapshot) TableCounts() map[string]int {
	counts := make(map[string]int, len(s.Data))
	for table, rows := range s.Data {
		counts[table] = len(rows)
	}
	return counts
}
