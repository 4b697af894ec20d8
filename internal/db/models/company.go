package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a company membership tier
type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

var roleRank = map[Role]int{RoleStaff: 1, RoleManager: 2, RoleOwner: 3}

// AtLeast reports whether r is the same as or above min in the owner > manager > staff order.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[r] > 0
}

// Company is a tenant
type Company struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	OwnerID   *uuid.UUID `json:"owner_id,omitempty" db:"owner_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// CompanyMember is a user's membership in a company, with optional branch and
// cost-center scoping for staff.
type CompanyMember struct {
	CompanyID    uuid.UUID  `json:"company_id" db:"company_id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	Role         Role       `json:"role" db:"role"`
	BranchID     *uuid.UUID `json:"branch_id,omitempty" db:"branch_id"`
	CostCenterID *uuid.UUID `json:"cost_center_id,omitempty" db:"cost_center_id"`
	IsDefault    bool       `json:"is_default" db:"is_default"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
