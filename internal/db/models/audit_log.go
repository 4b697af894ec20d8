// Package models - audit_log.go defines the append-only AuditLog record.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Restore audit actions. Each terminal restore outcome maps to exactly one action, so
// "all failed restores in a range" is an equality filter on action plus created_at.
const (
	AuditActionRestoreDryRun    = "backup.restore.dry_run"
	AuditActionRestoreCompleted = "backup.restore.completed"
	AuditActionRestoreFailed    = "backup.restore.failed"
	AuditActionExportCreated    = "backup.export.created"
)

// AuditLog is an immutable record of a sensitive operation
type AuditLog struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	CompanyID        *uuid.UUID      `json:"company_id,omitempty" db:"company_id"`
	UserID           *uuid.UUID      `json:"user_id,omitempty" db:"user_id"` // nil for system actions
	UserEmail        *string         `json:"user_email,omitempty" db:"user_email"`
	UserName         *string         `json:"user_name,omitempty" db:"user_name"`
	Action           string          `json:"action" db:"action"`
	TargetTable      *string         `json:"target_table,omitempty" db:"target_table"`
	RecordID         *string         `json:"record_id,omitempty" db:"record_id"`
	RecordIdentifier *string         `json:"record_identifier,omitempty" db:"record_identifier"`
	OldData          JSONB           `json:"old_data,omitempty" db:"old_data"`
	NewData          JSONB           `json:"new_data,omitempty" db:"new_data"`
	ChangedFields    pq.StringArray  `json:"changed_fields,omitempty" db:"changed_fields"`
	BranchID         *uuid.UUID      `json:"branch_id,omitempty" db:"branch_id"`
	CostCenterID     *uuid.UUID      `json:"cost_center_id,omitempty" db:"cost_center_id"`
	Reason           *string         `json:"reason,omitempty" db:"reason"`
	IPAddress        *string         `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// RestoreAuditAction returns the audit action for a finalized restore.
func RestoreAuditAction(status RestoreStatus) string {
	switch status {
	case RestoreStatusDryRunSuccess:
		return AuditActionRestoreDryRun
	case RestoreStatusCompleted:
		return AuditActionRestoreCompleted
	default:
		return AuditActionRestoreFailed
	}
}
