package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var apiKeyCols = []string{
	"id", "user_id", "company_id", "name", "key_hash", "key_prefix", "scopes",
	"expires_at", "last_used_at", "created_at",
}

func sampleAPIKeyRow() *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyCols).
		AddRow(uuid.NewString(), testUserID.String(), testCompanyID.String(), "CI Key", "hashedkey",
			"bkp_abc12345", []byte(`{backup:read,backup:restore}`), nil, nil, time.Now())
}

func newAPIKeyRepo(t *testing.T) (*APIKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAPIKeyRepository(sqlx.NewDb(db, "sqlmock")), mock
}

// ---------------------------------------------------------------------------
// CreateAPIKey
// ---------------------------------------------------------------------------

func TestCreateAPIKey_Success(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))

	key := &models.APIKey{
		CompanyID: testCompanyID,
		Name:      "Test Key",
		KeyHash:   "hash",
		KeyPrefix: "bkp_test",
		Scopes:    []string{"backup:read"},
	}
	if err := repo.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID == uuid.Nil {
		t.Error("ID was not assigned")
	}
}

func TestCreateAPIKey_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnError(errDB)

	if err := repo.CreateAPIKey(context.Background(), &models.APIKey{Scopes: []string{"backup:read"}}); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetAPIKeysByPrefix
// ---------------------------------------------------------------------------

func TestGetAPIKeysByPrefix_Found(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE key_prefix").
		WithArgs("bkp_abc12345").
		WillReturnRows(sampleAPIKeyRow())

	keys, err := repo.GetAPIKeysByPrefix(context.Background(), "bkp_abc12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len = %d, want 1", len(keys))
	}
	if len(keys[0].Scopes) != 2 {
		t.Errorf("len(Scopes) = %d, want 2", len(keys[0].Scopes))
	}
	if keys[0].CompanyID != testCompanyID {
		t.Errorf("CompanyID = %s", keys[0].CompanyID)
	}
}

func TestGetAPIKeysByPrefix_None(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE key_prefix").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	keys, err := repo.GetAPIKeysByPrefix(context.Background(), "bkp_missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("len = %d, want 0", len(keys))
	}
}

// ---------------------------------------------------------------------------
// GetAPIKeyByID / ListByCompany / UpdateLastUsed / DeleteAPIKey
// ---------------------------------------------------------------------------

func TestGetAPIKeyByID_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE id").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	key, err := repo.GetAPIKeyByID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != nil {
		t.Error("expected nil, got key")
	}
}

func TestListByCompany(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("FROM api_keys WHERE company_id").
		WithArgs(testCompanyID).
		WillReturnRows(sampleAPIKeyRow())

	keys, err := repo.ListByCompany(context.Background(), testCompanyID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("len = %d, want 1", len(keys))
	}
}

func TestUpdateLastUsed(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("UPDATE api_keys SET last_used_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateLastUsed(context.Background(), uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteAPIKey_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("DELETE FROM api_keys").WillReturnError(errDB)

	if err := repo.DeleteAPIKey(context.Background(), uuid.New()); err == nil {
		t.Error("expected error, got nil")
	}
}
