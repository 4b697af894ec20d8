// Package models defines the database model types for the backup service.
// Each type corresponds to a table and carries json and db struct tags for
// serialization and sqlx row scanning. Query logic belongs in the repositories package.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RestoreStatus is the lifecycle status of a restore queue entry
type RestoreStatus string

const (
	RestoreStatusPending       RestoreStatus = "PENDING"
	RestoreStatusDryRunSuccess RestoreStatus = "DRY_RUN_SUCCESS"
	RestoreStatusCompleted     RestoreStatus = "COMPLETED"
	RestoreStatusFailed        RestoreStatus = "FAILED"
)

// IsTerminal reports whether the status ends an invocation.
func (s RestoreStatus) IsTerminal() bool {
	return s == RestoreStatusDryRunSuccess || s == RestoreStatusCompleted || s == RestoreStatusFailed
}

// Valid reports whether s is a known status.
func (s RestoreStatus) Valid() bool {
	return s == RestoreStatusPending || s.IsTerminal()
}

// TerminalStatus maps an engine outcome to the status the queue entry is finalized with.
func TerminalStatus(success, dryRun bool) RestoreStatus {
	switch {
	case !success:
		return RestoreStatusFailed
	case dryRun:
		return RestoreStatusDryRunSuccess
	default:
		return RestoreStatusCompleted
	}
}

// RestoreQueueEntry is one restore request. The embedded snapshot is owned by the
// entry while it is PENDING and never mutated.
type RestoreQueueEntry struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	CompanyID    uuid.UUID       `json:"company_id" db:"company_id"`
	UserID       *uuid.UUID      `json:"user_id,omitempty" db:"user_id"`
	Status       RestoreStatus   `json:"status" db:"status"`
	DryRun       bool            `json:"dry_run" db:"dry_run"`
	BackupData   json.RawMessage `json:"backup_data,omitempty" db:"backup_data"`
	ArchiveID    *uuid.UUID      `json:"archive_id,omitempty" db:"archive_id"`
	IPAddress    *string         `json:"ip_address,omitempty" db:"ip_address"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	ErrorCode    *string         `json:"error_code,omitempty" db:"error_code"`
	Stats        JSONB           `json:"stats,omitempty" db:"stats"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Mode returns the metrics/audit label for the entry: "dry_run" or "apply".
func (e *RestoreQueueEntry) Mode() string {
	if e.DryRun {
		return "dry_run"
	}
	return "apply"
}
