package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/db/models"
)

type fakeMembers struct {
	members  map[[2]uuid.UUID]*models.CompanyMember
	defaults map[uuid.UUID]*models.CompanyMember
	owned    map[uuid.UUID]*models.CompanyMember
	err      error
}

func (f *fakeMembers) GetMembership(_ context.Context, companyID, userID uuid.UUID) (*models.CompanyMember, error) {
	return f.members[[2]uuid.UUID{companyID, userID}], f.err
}

func (f *fakeMembers) GetDefaultMembership(_ context.Context, userID uuid.UUID) (*models.CompanyMember, error) {
	return f.defaults[userID], f.err
}

func (f *fakeMembers) GetOwnedMembership(_ context.Context, userID uuid.UUID) (*models.CompanyMember, error) {
	return f.owned[userID], f.err
}

func TestResolve_UserFallbacks(t *testing.T) {
	user := uuid.New()
	explicitCo, defaultCo, ownedCo := uuid.New(), uuid.New(), uuid.New()

	full := &fakeMembers{
		members: map[[2]uuid.UUID]*models.CompanyMember{
			{explicitCo, user}: {CompanyID: explicitCo, UserID: user, Role: models.RoleManager},
		},
		defaults: map[uuid.UUID]*models.CompanyMember{
			user: {CompanyID: defaultCo, UserID: user, Role: models.RoleStaff, IsDefault: true},
		},
		owned: map[uuid.UUID]*models.CompanyMember{
			user: {CompanyID: ownedCo, UserID: user, Role: models.RoleOwner},
		},
	}
	ownedOnly := &fakeMembers{owned: full.owned}

	tests := []struct {
		name       string
		store      *fakeMembers
		header     string
		requested  *uuid.UUID
		wantCo     uuid.UUID
		wantSource Source
		wantErr    error
	}{
		{"header wins", full, explicitCo.String(), nil, explicitCo, SourceHeader, nil},
		{"request company", full, "", &explicitCo, explicitCo, SourceRequest, nil},
		{"header and request agree", full, explicitCo.String(), &explicitCo, explicitCo, SourceHeader, nil},
		{"default membership", full, "", nil, defaultCo, SourceDefault, nil},
		{"owned company", ownedOnly, "", nil, ownedCo, SourceOwned, nil},
		{"nothing", &fakeMembers{}, "", nil, uuid.Nil, "", ErrNoCompany},
		{"not a member", full, uuid.NewString(), nil, uuid.Nil, "", ErrNotMember},
		{"conflict", full, explicitCo.String(), &defaultCo, uuid.Nil, "", ErrCompanyConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.store)
			cc, err := r.Resolve(context.Background(), Principal{UserID: &user}, tt.header, tt.requested)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if cc.CompanyID != tt.wantCo {
				t.Errorf("CompanyID = %s, want %s", cc.CompanyID, tt.wantCo)
			}
			if cc.Source != tt.wantSource {
				t.Errorf("Source = %s, want %s", cc.Source, tt.wantSource)
			}
		})
	}
}

func TestResolve_InvalidHeader(t *testing.T) {
	user := uuid.New()
	_, err := NewResolver(&fakeMembers{}).Resolve(context.Background(), Principal{UserID: &user}, "not-a-uuid", nil)
	if !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("Resolve() error = %v, want ErrInvalidHeader", err)
	}
}

func TestResolve_StoreError(t *testing.T) {
	user := uuid.New()
	boom := errors.New("db down")
	_, err := NewResolver(&fakeMembers{err: boom}).Resolve(context.Background(), Principal{UserID: &user}, "", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Resolve() error = %v, want %v", err, boom)
	}
}

func TestResolve_APIKey(t *testing.T) {
	company := uuid.New()
	r := NewResolver(&fakeMembers{})

	tests := []struct {
		scopes []string
		want   models.Role
	}{
		{[]string{"backup:read"}, models.RoleStaff},
		{[]string{"backup:export"}, models.RoleManager},
		{[]string{"backup:restore"}, models.RoleOwner},
		{[]string{"admin"}, models.RoleOwner},
	}
	for _, tt := range tests {
		cc, err := r.Resolve(context.Background(), Principal{APIKeyCompanyID: &company, Scopes: tt.scopes}, "", &company)
		if err != nil {
			t.Fatalf("Resolve(%v) error = %v", tt.scopes, err)
		}
		if cc.CompanyID != company || cc.Source != SourceAPIKey {
			t.Errorf("Resolve(%v) = %+v", tt.scopes, cc)
		}
		if cc.Role != tt.want {
			t.Errorf("Resolve(%v) role = %s, want %s", tt.scopes, cc.Role, tt.want)
		}
	}

	other := uuid.New()
	if _, err := r.Resolve(context.Background(), Principal{APIKeyCompanyID: &company}, "", &other); !errors.Is(err, ErrNotMember) {
		t.Errorf("API key for another company: error = %v, want ErrNotMember", err)
	}
}

func TestRequire(t *testing.T) {
	cc := &CompanyContext{Role: models.RoleManager}
	if err := cc.Require(models.RoleStaff); err != nil {
		t.Errorf("manager Require(staff) = %v", err)
	}
	if err := cc.Require(models.RoleManager); err != nil {
		t.Errorf("manager Require(manager) = %v", err)
	}
	if err := cc.Require(models.RoleOwner); !errors.Is(err, ErrInsufficientRole) {
		t.Errorf("manager Require(owner) = %v, want ErrInsufficientRole", err)
	}
	var nilCC *CompanyContext
	if err := nilCC.Require(models.RoleStaff); !errors.Is(err, ErrInsufficientRole) {
		t.Errorf("nil Require = %v, want ErrInsufficientRole", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should not carry a company")
	}
	cc := &CompanyContext{CompanyID: uuid.New(), Role: models.RoleOwner}
	got, ok := FromContext(NewContext(context.Background(), cc))
	if !ok || got != cc {
		t.Fatalf("FromContext = %v, %v", got, ok)
	}
}
