// company_repository.go implements CompanyRepository: tenant lookup and the membership
// queries used to resolve which company a request acts on.
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

const memberColumns = `company_id, user_id, role, branch_id, cost_center_id, is_default, created_at`

// CompanyRepository handles company and membership database operations
type CompanyRepository struct {
	db *sqlx.DB
}

// NewCompanyRepository creates a new CompanyRepository
func NewCompanyRepository(db *sqlx.DB) *CompanyRepository {
	return &CompanyRepository{db: db}
}

// GetByID retrieves a company by ID
func (r *CompanyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	var company models.Company
	err := r.db.GetContext(ctx, &company,
		`SELECT id, name, owner_id, created_at, updated_at FROM companies WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return &company, nil
}

// Create inserts a company
func (r *CompanyRepository) Create(ctx context.Context, company *models.Company) error {
	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}
	now := time.Now().UTC()
	company.CreatedAt = now
	company.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, owner_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		company.ID, company.Name, company.OwnerID, company.CreatedAt, company.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create company: %w", err)
	}
	return nil
}

// AddMember inserts or updates a membership
func (r *CompanyRepository) AddMember(ctx context.Context, member *models.CompanyMember) error {
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO company_members (` + memberColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company_id, user_id) DO UPDATE
		SET role = EXCLUDED.role, branch_id = EXCLUDED.branch_id,
		    cost_center_id = EXCLUDED.cost_center_id, is_default = EXCLUDED.is_default
	`
	_, err := r.db.ExecContext(ctx, query,
		member.CompanyID, member.UserID, member.Role, member.BranchID, member.CostCenterID,
		member.IsDefault, member.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add company member: %w", err)
	}
	return nil
}

// GetMembership returns the user's membership in the company, or nil if they are not a member.
func (r *CompanyRepository) GetMembership(ctx context.Context, companyID, userID uuid.UUID) (*models.CompanyMember, error) {
	return r.getMember(ctx,
		`SELECT `+memberColumns+` FROM company_members WHERE company_id = $1 AND user_id = $2`,
		companyID, userID)
}

// GetDefaultMembership returns the membership the user marked as default.
func (r *CompanyRepository) GetDefaultMembership(ctx context.Context, userID uuid.UUID) (*models.CompanyMember, error) {
	return r.getMember(ctx,
		`SELECT `+memberColumns+` FROM company_members WHERE user_id = $1 AND is_default ORDER BY created_at LIMIT 1`,
		userID)
}

// GetOwnedMembership returns the oldest company the user owns, as a membership row.
func (r *CompanyRepository) GetOwnedMembership(ctx context.Context, userID uuid.UUID) (*models.CompanyMember, error) {
	return r.getMember(ctx,
		`SELECT `+memberColumns+` FROM company_members WHERE user_id = $1 AND role = 'owner' ORDER BY created_at LIMIT 1`,
		userID)
}

func (r *CompanyRepository) getMember(ctx context.Context, query string, args ...interface{}) (*models.CompanyMember, error) {
	var member models.CompanyMember
	err := r.db.GetContext(ctx, &member, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company membership: %w", err)
	}
	return &member, nil
}

// ListMemberships returns every company the user belongs to.
func (r *CompanyRepository) ListMemberships(ctx context.Context, userID uuid.UUID) ([]*models.CompanyMember, error) {
	members := make([]*models.CompanyMember, 0)
	err := r.db.SelectContext(ctx, &members,
		`SELECT `+memberColumns+` FROM company_members WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list company memberships: %w", err)
	}
	return members, nil
}
