package models

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotArchive records a snapshot stored in object storage
type SnapshotArchive struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	CompanyID      uuid.UUID  `json:"company_id" db:"company_id"`
	StorageBackend string     `json:"storage_backend" db:"storage_backend"`
	StoragePath    string     `json:"storage_path" db:"storage_path"`
	SizeBytes      int64      `json:"size_bytes" db:"size_bytes"`
	SHA256         string     `json:"sha256" db:"sha256"`               // of the stored bytes
	DataChecksum   string     `json:"data_checksum" db:"data_checksum"` // metadata.checksum of the snapshot
	FormatVersion  string     `json:"format_version" db:"format_version"`
	TotalRecords   int64      `json:"total_records" db:"total_records"`
	Compressed     bool       `json:"compressed" db:"compressed"`
	Encrypted      bool       `json:"encrypted" db:"encrypted"`
	CreatedBy      *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
