// restore_queue_repository.go implements RestoreQueueRepository. The queue enforces one
// PENDING entry per company through the uq_restore_queue_company_pending partial index and
// only ever moves an entry out of PENDING once.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erp-backup/backup-service/internal/db/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const pendingRestoreConstraint = "uq_restore_queue_company_pending"

const queueColumns = `id, company_id, user_id, status, dry_run, backup_data, archive_id, ip_address,
		error_message, error_code, stats, created_at, started_at, finished_at`

// queueSummaryColumns omits backup_data, which can be large, for list views.
const queueSummaryColumns = `id, company_id, user_id, status, dry_run, archive_id, ip_address,
		error_message, error_code, stats, created_at, started_at, finished_at`

// RestoreQueueRepository handles restore queue database operations
type RestoreQueueRepository struct {
	db *sqlx.DB
}

// NewRestoreQueueRepository creates a new RestoreQueueRepository
func NewRestoreQueueRepository(db *sqlx.DB) *RestoreQueueRepository {
	return &RestoreQueueRepository{db: db}
}

// DB exposes the underlying handle so callers can open transactions spanning several
// repositories.
func (r *RestoreQueueRepository) DB() *sqlx.DB {
	return r.db
}

// RestoreFilters contains filters for listing restore history
type RestoreFilters struct {
	CompanyID *uuid.UUID
	Status    *models.RestoreStatus
}

// HasPending reports whether the company already has an in-flight restore.
func (r *RestoreQueueRepository) HasPending(ctx context.Context, companyID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM restore_queue WHERE company_id = $1 AND status = 'PENDING')`, companyID)
	if err != nil {
		return false, fmt.Errorf("failed to check pending restores: %w", err)
	}
	return exists, nil
}

// Create inserts a new PENDING entry. A concurrent PENDING entry for the same company
// surfaces as ErrRestoreInFlight.
func (r *RestoreQueueRepository) Create(ctx context.Context, entry *models.RestoreQueueEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Status = models.RestoreStatusPending

	query := `
		INSERT INTO restore_queue (id, company_id, user_id, status, dry_run, backup_data, archive_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.CompanyID,
		entry.UserID,
		entry.Status,
		entry.DryRun,
		string(entry.BackupData),
		entry.ArchiveID,
		entry.IPAddress,
		entry.CreatedAt,
	)
	if isUniqueViolation(err, pendingRestoreConstraint) {
		return ErrRestoreInFlight
	}
	if err != nil {
		return fmt.Errorf("failed to create restore queue entry: %w", err)
	}
	return nil
}

// GetByID returns the entry including its snapshot, or nil when it does not exist.
func (r *RestoreQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RestoreQueueEntry, error) {
	return r.get(ctx, r.db, `SELECT `+queueColumns+` FROM restore_queue WHERE id = $1`, id)
}

// GetSummary returns the entry without its snapshot payload.
func (r *RestoreQueueRepository) GetSummary(ctx context.Context, id uuid.UUID) (*models.RestoreQueueEntry, error) {
	return r.get(ctx, r.db, `SELECT `+queueSummaryColumns+` FROM restore_queue WHERE id = $1`, id)
}

// GetForUpdate reads the entry inside q's transaction and locks the row until it ends.
func (r *RestoreQueueRepository) GetForUpdate(ctx context.Context, q Querier, id uuid.UUID) (*models.RestoreQueueEntry, error) {
	return r.get(ctx, q, `SELECT `+queueColumns+` FROM restore_queue WHERE id = $1 FOR UPDATE`, id)
}

func (r *RestoreQueueRepository) get(ctx context.Context, q Querier, query string, id uuid.UUID) (*models.RestoreQueueEntry, error) {
	var entry models.RestoreQueueEntry
	err := q.GetContext(ctx, &entry, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get restore queue entry: %w", err)
	}
	return &entry, nil
}

// MarkStarted stamps started_at on a PENDING entry the first time it is picked up.
func (r *RestoreQueueRepository) MarkStarted(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE restore_queue SET started_at = now() WHERE id = $1 AND status = 'PENDING' AND started_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to mark restore started: %w", err)
	}
	return nil
}

// Finalize moves a PENDING entry to a terminal status through q. It returns
// ErrQueueEntryNotPending when the entry was already finalized, so the transition
// happens exactly once.
func (r *RestoreQueueRepository) Finalize(ctx context.Context, q Querier, id uuid.UUID, status models.RestoreStatus, errMsg, errCode *string, stats json.RawMessage) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finalize restore with non-terminal status %q", status)
	}

	query := `
		UPDATE restore_queue
		SET status = $2, error_message = $3, error_code = $4, stats = $5,
		    started_at = COALESCE(started_at, now()), finished_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`
	res, err := q.ExecContext(ctx, query, id, status, errMsg, errCode, nullJSON(stats))
	if err != nil {
		return fmt.Errorf("failed to finalize restore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize restore: %w", err)
	}
	if n == 0 {
		return ErrQueueEntryNotPending
	}
	return nil
}

// List returns restore history newest first, without snapshot payloads.
func (r *RestoreQueueRepository) List(ctx context.Context, filters RestoreFilters, limit, offset int) ([]*models.RestoreQueueEntry, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.CompanyID != nil {
		where += fmt.Sprintf(` AND company_id = $%d`, paramIndex)
		args = append(args, *filters.CompanyID)
		paramIndex++
	}
	if filters.Status != nil {
		where += fmt.Sprintf(` AND status = $%d`, paramIndex)
		args = append(args, *filters.Status)
		paramIndex++
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM restore_queue`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count restores: %w", err)
	}

	query := `SELECT ` + queueSummaryColumns + ` FROM restore_queue` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	entries := make([]*models.RestoreQueueEntry, 0)
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list restores: %w", err)
	}
	return entries, total, nil
}

// ListStalePending returns PENDING entries created before cutoff, oldest first.
func (r *RestoreQueueRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.RestoreQueueEntry, error) {
	entries := make([]*models.RestoreQueueEntry, 0)
	err := r.db.SelectContext(ctx, &entries,
		`SELECT `+queueSummaryColumns+` FROM restore_queue
		 WHERE status = 'PENDING' AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale restores: %w", err)
	}
	return entries, nil
}

// CountByStatus returns the number of queue entries per status. Statuses without
// entries are absent from the map.
func (r *RestoreQueueRepository) CountByStatus(ctx context.Context) (map[models.RestoreStatus]int, error) {
	var rows []struct {
		Status models.RestoreStatus `db:"status"`
		Count  int                  `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM restore_queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count restore queue entries: %w", err)
	}
	counts := make(map[models.RestoreStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
