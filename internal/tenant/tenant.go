// Package tenant resolves which company a request acts on and with what role.
//
// The active company is always an explicit CompanyContext value threaded through the
// request. Resolution for a user falls back in order: the X-Company-ID header, the
// company named in the request body or query, the user's default membership, and
// finally the oldest company the user owns. API keys are bound to one company.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/auth"
	"github.com/erp-backup/backup-service/internal/db/models"
)

// HeaderCompanyID is the request header naming the active company.
const HeaderCompanyID = "X-Company-ID"

var (
	// ErrNoCompany means no company could be resolved for the caller.
	ErrNoCompany = errors.New("no active company")
	// ErrNotMember means the caller named a company they do not belong to.
	ErrNotMember = errors.New("not a member of company")
	// ErrCompanyConflict means the header and body name different companies.
	ErrCompanyConflict = errors.New("company header and request company differ")
	// ErrInsufficientRole means the membership is below the role an operation needs.
	ErrInsufficientRole = errors.New("insufficient company role")
	// ErrInvalidHeader means the X-Company-ID header is not a UUID.
	ErrInvalidHeader = errors.New("invalid " + HeaderCompanyID + " header")
)

// Source records which fallback produced the company.
type Source string

const (
	SourceHeader  Source = "header"
	SourceRequest Source = "request"
	SourceDefault Source = "default_membership"
	SourceOwned   Source = "owned_company"
	SourceAPIKey  Source = "api_key"
)

// CompanyContext is the resolved tenant scope of one request.
type CompanyContext struct {
	CompanyID    uuid.UUID
	Role         models.Role
	BranchID     *uuid.UUID
	CostCenterID *uuid.UUID
	Source       Source
}

// Require returns ErrInsufficientRole unless the context's role is at least min.
func (cc *CompanyContext) Require(min models.Role) error {
	if cc == nil || !cc.Role.AtLeast(min) {
		return fmt.Errorf("%w: %s required", ErrInsufficientRole, min)
	}
	return nil
}

// Principal is the authenticated caller.
type Principal struct {
	UserID *uuid.UUID
	// APIKeyCompanyID is set when the caller authenticated with an API key.
	APIKeyCompanyID *uuid.UUID
	Scopes          []string
}

// MembershipStore is the subset of CompanyRepository the resolver reads.
type MembershipStore interface {
	GetMembership(ctx context.Context, companyID, userID uuid.UUID) (*models.CompanyMember, error)
	GetDefaultMembership(ctx context.Context, userID uuid.UUID) (*models.CompanyMember, error)
	GetOwnedMembership(ctx context.Context, userID uuid.UUID) (*models.CompanyMember, error)
}

// Resolver resolves CompanyContext values.
type Resolver struct {
	members MembershipStore
}

// NewResolver creates a resolver over the membership store.
func NewResolver(members MembershipStore) *Resolver {
	return &Resolver{members: members}
}

// Resolve picks the active company. header is the raw X-Company-ID value and requested
// the company named in the body or query; either may be empty or nil.
func (r *Resolver) Resolve(ctx context.Context, p Principal, header string, requested *uuid.UUID) (*CompanyContext, error) {
	var fromHeader *uuid.UUID
	if header != "" {
		id, err := uuid.Parse(header)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		fromHeader = &id
	}
	if fromHeader != nil && requested != nil && *fromHeader != *requested {
		return nil, ErrCompanyConflict
	}

	if p.APIKeyCompanyID != nil {
		return resolveAPIKey(p, fromHeader, requested)
	}
	if p.UserID == nil {
		return nil, ErrNoCompany
	}
	userID := *p.UserID

	explicit, source := fromHeader, SourceHeader
	if explicit == nil {
		explicit, source = requested, SourceRequest
	}
	if explicit != nil {
		m, err := r.members.GetMembership(ctx, *explicit, userID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("%w %s", ErrNotMember, *explicit)
		}
		return fromMembership(m, source), nil
	}

	m, err := r.members.GetDefaultMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return fromMembership(m, SourceDefault), nil
	}

	m, err = r.members.GetOwnedMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return fromMembership(m, SourceOwned), nil
	}
	return nil, ErrNoCompany
}

func fromMembership(m *models.CompanyMember, source Source) *CompanyContext {
	return &CompanyContext{
		CompanyID:    m.CompanyID,
		Role:         m.Role,
		BranchID:     m.BranchID,
		CostCenterID: m.CostCenterID,
		Source:       source,
	}
}

// resolveAPIKey binds the request to the key's company. The key's scopes map onto the
// role tiers: restore or admin acts as owner, export as manager, anything else as staff.
func resolveAPIKey(p Principal, fromHeader, requested *uuid.UUID) (*CompanyContext, error) {
	company := *p.APIKeyCompanyID
	for _, id := range []*uuid.UUID{fromHeader, requested} {
		if id != nil && *id != company {
			return nil, fmt.Errorf("%w %s", ErrNotMember, *id)
		}
	}

	role := models.RoleStaff
	switch {
	case auth.HasScope(p.Scopes, auth.ScopeBackupRestore):
		role = models.RoleOwner
	case auth.HasScope(p.Scopes, auth.ScopeBackupExport):
		role = models.RoleManager
	}
	return &CompanyContext{CompanyID: company, Role: role, Source: SourceAPIKey}, nil
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying cc.
func NewContext(ctx context.Context, cc *CompanyContext) context.Context {
	return context.WithValue(ctx, contextKey{}, cc)
}

// FromContext returns the CompanyContext stored by NewContext, if any.
func FromContext(ctx context.Context) (*CompanyContext, bool) {
	cc, ok := ctx.Value(contextKey{}).(*CompanyContext)
	return cc, ok && cc != nil
}
