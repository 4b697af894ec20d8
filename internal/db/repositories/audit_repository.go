// audit_repository.go implements AuditRepository, the append-only store for audit log
// entries. Entries are only ever inserted; the table also rejects UPDATE and DELETE.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erp-backup/backup-service/internal/db/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const auditColumns = `id, company_id, user_id, user_email, user_name, action, target_table, record_id,
		record_identifier, old_data, new_data, changed_fields, branch_id, cost_center_id, reason,
		ip_address, created_at`

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// DB returns the underlying handle.
func (r *AuditRepository) DB() *sqlx.DB {
	return r.db
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	CompanyID   *uuid.UUID
	UserID      *uuid.UUID
	Action      *string
	TargetTable *string
	RecordID    *string
	StartDate   *time.Time
	EndDate     *time.Time
}

// Record appends one audit entry using the repository's own connection.
func (r *AuditRepository) Record(ctx context.Context, entry *models.AuditLog) error {
	return r.RecordWith(ctx, r.db, entry)
}

// RecordWith appends one audit entry through q, which may be a transaction.
// ID and CreatedAt are assigned when unset.
func (r *AuditRepository) RecordWith(ctx context.Context, q Querier, entry *models.AuditLog) error {
	if entry.Action == "" {
		return fmt.Errorf("audit entry action is required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := q.ExecContext(ctx, query,
		entry.ID,
		entry.CompanyID,
		entry.UserID,
		entry.UserEmail,
		entry.UserName,
		entry.Action,
		entry.TargetTable,
		entry.RecordID,
		entry.RecordIdentifier,
		entry.OldData,
		entry.NewData,
		entry.ChangedFields,
		entry.BranchID,
		entry.CostCenterID,
		entry.Reason,
		entry.IPAddress,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit log: %w", err)
	}
	return nil
}

// ListAuditLogs retrieves audit logs with optional filters and pagination, newest first
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	add := func(clause string, value interface{}) {
		where += fmt.Sprintf(clause, paramIndex)
		args = append(args, value)
		paramIndex++
	}

	if filters.CompanyID != nil {
		add(` AND company_id = $%d`, *filters.CompanyID)
	}
	if filters.UserID != nil {
		add(` AND user_id = $%d`, *filters.UserID)
	}
	if filters.Action != nil {
		add(` AND action = $%d`, *filters.Action)
	}
	if filters.TargetTable != nil {
		add(` AND target_table = $%d`, *filters.TargetTable)
	}
	if filters.RecordID != nil {
		add(` AND record_id = $%d`, *filters.RecordID)
	}
	if filters.StartDate != nil {
		add(` AND created_at >= $%d`, *filters.StartDate)
	}
	if filters.EndDate != nil {
		add(` AND created_at <= $%d`, *filters.EndDate)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	logs := make([]*models.AuditLog, 0)
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}

	return logs, total, nil
}

// GetAuditLog retrieves a single audit log entry by ID
func (r *AuditRepository) GetAuditLog(ctx context.Context, id uuid.UUID) (*models.AuditLog, error) {
	var entry models.AuditLog
	err := r.db.GetContext(ctx, &entry, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	return &entry, nil
}

// ListForRecord returns every entry written about one record, oldest first.
func (r *AuditRepository) ListForRecord(ctx context.Context, targetTable, recordID string) ([]*models.AuditLog, error) {
	logs := make([]*models.AuditLog, 0)
	err := r.db.SelectContext(ctx, &logs,
		`SELECT `+auditColumns+` FROM audit_logs WHERE target_table = $1 AND record_id = $2 ORDER BY created_at ASC`,
		targetTable, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs for record: %w", err)
	}
	return logs, nil
}
