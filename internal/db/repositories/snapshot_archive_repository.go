// snapshot_archive_repository.go implements SnapshotArchiveRepository for the catalogue of
// snapshot archives held in object storage.
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

const archiveColumns = `id, company_id, storage_backend, storage_path, size_bytes, sha256, data_checksum,
		format_version, total_records, compressed, encrypted, created_by, created_at, deleted_at`

// SnapshotArchiveRepository handles snapshot archive database operations
type SnapshotArchiveRepository struct {
	db *sqlx.DB
}

// NewSnapshotArchiveRepository creates a new SnapshotArchiveRepository
func NewSnapshotArchiveRepository(db *sqlx.DB) *SnapshotArchiveRepository {
	return &SnapshotArchiveRepository{db: db}
}

// Create records a stored archive
func (r *SnapshotArchiveRepository) Create(ctx context.Context, archive *models.SnapshotArchive) error {
	if archive.ID == uuid.Nil {
		archive.ID = uuid.New()
	}
	if archive.CreatedAt.IsZero() {
		archive.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO snapshot_archives (` + archiveColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		archive.ID,
		archive.CompanyID,
		archive.StorageBackend,
		archive.StoragePath,
		archive.SizeBytes,
		archive.SHA256,
		archive.DataChecksum,
		archive.FormatVersion,
		archive.TotalRecords,
		archive.Compressed,
		archive.Encrypted,
		archive.CreatedBy,
		archive.CreatedAt,
		archive.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot archive: %w", err)
	}
	return nil
}

// GetByID returns a live archive, or nil when it does not exist or was deleted.
func (r *SnapshotArchiveRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SnapshotArchive, error) {
	var archive models.SnapshotArchive
	err := r.db.GetContext(ctx, &archive,
		`SELECT `+archiveColumns+` FROM snapshot_archives WHERE id = $1 AND deleted_at IS NULL`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot archive: %w", err)
	}
	return &archive, nil
}

// ListByCompany lists live archives for a company, newest first
func (r *SnapshotArchiveRepository) ListByCompany(ctx context.Context, companyID uuid.UUID, limit, offset int) ([]*models.SnapshotArchive, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM snapshot_archives WHERE company_id = $1 AND deleted_at IS NULL`, companyID); err != nil {
		return nil, 0, fmt.Errorf("failed to count snapshot archives: %w", err)
	}

	archives := make([]*models.SnapshotArchive, 0)
	err := r.db.SelectContext(ctx, &archives,
		`SELECT `+archiveColumns+` FROM snapshot_archives
		 WHERE company_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, companyID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list snapshot archives: %w", err)
	}
	return archives, total, nil
}

// ListExpired returns live archives created before cutoff.
func (r *SnapshotArchiveRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.SnapshotArchive, error) {
	archives := make([]*models.SnapshotArchive, 0)
	err := r.db.SelectContext(ctx, &archives,
		`SELECT `+archiveColumns+` FROM snapshot_archives
		 WHERE deleted_at IS NULL AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired snapshot archives: %w", err)
	}
	return archives, nil
}

// MarkDeleted soft-deletes an archive after its object was removed from storage.
func (r *SnapshotArchiveRepository) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE snapshot_archives SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot archive deleted: %w", err)
	}
	return nil
}
