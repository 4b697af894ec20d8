package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/erp-backup/backup-service/internal/auth"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/tenant"
)

type fakeUsers struct {
	users map[uuid.UUID]*models.User
	err   error
}

func (f *fakeUsers) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return f.users[id], f.err
}

type fakeAPIKeys struct {
	mu       sync.Mutex
	keys     []*models.APIKey
	err      error
	prefixes []string
	used     chan uuid.UUID
}

func (f *fakeAPIKeys) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	f.mu.Lock()
	f.prefixes = append(f.prefixes, prefix)
	f.mu.Unlock()
	var out []*models.APIKey
	for _, k := range f.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, f.err
}

func (f *fakeAPIKeys) UpdateLastUsed(_ context.Context, id uuid.UUID) error {
	if f.used != nil {
		f.used <- id
	}
	return nil
}

// newServiceKey returns a plaintext key and its stored form. MinCost keeps tests fast.
func newServiceKey(t *testing.T, companyID uuid.UUID, scopes ...string) (string, *models.APIKey) {
	t.Helper()
	plain := "bkp_" + uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return plain, &models.APIKey{
		ID: uuid.New(), CompanyID: companyID, Name: "nightly-export",
		KeyHash: string(hash), KeyPrefix: plain[:auth.DisplayPrefixLength], Scopes: pq.StringArray(scopes),
	}
}

// serveAuth runs one request and returns the status plus the principal the handler saw.
func serveAuth(users UserLookup, keys APIKeyStore, header string) (int, tenant.Principal, bool) {
	var (
		p  tenant.Principal
		ok bool
	)
	r := gin.New()
	r.Use(AuthMiddleware(users, keys))
	r.GET("/", func(c *gin.Context) {
		p, ok = PrincipalFrom(c)
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w.Code, p, ok
}

func TestAuthMiddleware_MalformedHeader(t *testing.T) {
	for _, h := range []string{"", "Basic dXNlcjpwYXNz", "Bearer   "} {
		if code, _, _ := serveAuth(&fakeUsers{}, &fakeAPIKeys{}, h); code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", h, code)
		}
	}
}

func TestAuthMiddleware_JWT(t *testing.T) {
	user := &models.User{ID: uuid.New(), Email: "owner@example.com", Name: "Owner"}
	users := &fakeUsers{users: map[uuid.UUID]*models.User{user.ID: user}}

	token, err := auth.GenerateJWT(user.ID.String(), user.Email, user.Name, []string{"backup:restore"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	code, p, ok := serveAuth(users, &fakeAPIKeys{}, "Bearer "+token)
	if code != http.StatusOK || !ok {
		t.Fatalf("status = %d, principal set = %v", code, ok)
	}
	if p.UserID == nil || *p.UserID != user.ID {
		t.Errorf("principal user = %v, want %s", p.UserID, user.ID)
	}
	if p.APIKeyCompanyID != nil {
		t.Error("JWT principal bound to an API key company")
	}
	if len(p.Scopes) != 1 || p.Scopes[0] != "backup:restore" {
		t.Errorf("scopes = %v", p.Scopes)
	}
}

func TestAuthMiddleware_JWTUserProblems(t *testing.T) {
	id := uuid.New()
	token, err := auth.GenerateJWT(id.String(), "gone@example.com", "Gone", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if code, _, _ := serveAuth(&fakeUsers{}, &fakeAPIKeys{}, "Bearer "+token); code != http.StatusUnauthorized {
		t.Errorf("deleted user: status = %d, want 401", code)
	}
	if code, _, _ := serveAuth(&fakeUsers{err: errors.New("conn reset")}, &fakeAPIKeys{}, "Bearer "+token); code != http.StatusInternalServerError {
		t.Errorf("lookup error: status = %d, want 500", code)
	}

	bad, err := auth.GenerateJWT("not-a-uuid", "x@example.com", "X", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if code, _, _ := serveAuth(&fakeUsers{}, &fakeAPIKeys{}, "Bearer "+bad); code != http.StatusUnauthorized {
		t.Errorf("bad subject: status = %d, want 401", code)
	}
}

func TestAuthMiddleware_APIKey(t *testing.T) {
	companyID := uuid.New()
	plain, key := newServiceKey(t, companyID, "backup:export")
	store := &fakeAPIKeys{keys: []*models.APIKey{key}, used: make(chan uuid.UUID, 1)}

	code, p, ok := serveAuth(&fakeUsers{}, store, "Bearer "+plain)
	if code != http.StatusOK || !ok {
		t.Fatalf("status = %d, principal set = %v", code, ok)
	}
	if p.APIKeyCompanyID == nil || *p.APIKeyCompanyID != companyID {
		t.Errorf("principal company = %v, want %s", p.APIKeyCompanyID, companyID)
	}
	if p.UserID != nil {
		t.Errorf("service key principal has user %s", *p.UserID)
	}
	if store.prefixes[0] != plain[:auth.DisplayPrefixLength] {
		t.Errorf("looked up prefix %q", store.prefixes[0])
	}

	select {
	case id := <-store.used:
		if id != key.ID {
			t.Errorf("last-used updated for %s, want %s", id, key.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("last-used was not recorded")
	}
}

func TestAuthMiddleware_APIKeyRejected(t *testing.T) {
	plain, key := newServiceKey(t, uuid.New())
	past := time.Now().Add(-time.Minute)

	expired := *key
	expired.ExpiresAt = &past

	tests := []struct {
		name   string
		store  *fakeAPIKeys
		token  string
		status int
	}{
		{"unknown key", &fakeAPIKeys{}, plain, http.StatusUnauthorized},
		{"wrong secret", &fakeAPIKeys{keys: []*models.APIKey{key}}, plain[:auth.DisplayPrefixLength] + "tampered", http.StatusUnauthorized},
		{"expired", &fakeAPIKeys{keys: []*models.APIKey{&expired}}, plain, http.StatusUnauthorized},
		{"store error", &fakeAPIKeys{err: errors.New("db down")}, plain, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := serveAuth(&fakeUsers{}, tt.store, "Bearer "+tt.token); code != tt.status {
				t.Errorf("status = %d, want %d", code, tt.status)
			}
		})
	}
}
