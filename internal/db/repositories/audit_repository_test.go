package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var errDB = errors.New("db error")

func strPtr(s string) *string { return &s }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var auditCols = []string{
	"id", "company_id", "user_id", "user_email", "user_name", "action", "target_table", "record_id",
	"record_identifier", "old_data", "new_data", "changed_fields", "branch_id", "cost_center_id",
	"reason", "ip_address", "created_at",
}

var (
	testCompanyID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testUserID    = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	testQueueID   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func sampleAuditRow(action string) *sqlmock.Rows {
	return sqlmock.NewRows(auditCols).AddRow(
		uuid.New().String(), testCompanyID.String(), testUserID.String(), "owner@example.com", "Owner",
		action, "restore_queue", testQueueID.String(), nil, nil, []byte(`{"status":"COMPLETED"}`),
		[]byte(`{status}`), nil, nil, nil, "10.0.0.1", time.Now(),
	)
}

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(sqlx.NewDb(db, "sqlmock")), mock
}

// ---------------------------------------------------------------------------
// Record
// ---------------------------------------------------------------------------

func TestRecord_AssignsIDAndTimestamp(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.AuditLog{
		CompanyID:   uuidPtr(testCompanyID),
		UserID:      uuidPtr(testUserID),
		Action:      models.AuditActionRestoreCompleted,
		TargetTable: strPtr("restore_queue"),
		RecordID:    strPtr(testQueueID.String()),
		IPAddress:   strPtr("10.0.0.1"),
	}
	if err := repo.Record(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID == uuid.Nil {
		t.Error("ID was not assigned")
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt was not assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecord_MissingAction(t *testing.T) {
	repo, _ := newAuditRepo(t)
	if err := repo.Record(context.Background(), &models.AuditLog{}); err == nil {
		t.Error("expected error for missing action, got nil")
	}
}

func TestRecord_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errDB)

	err := repo.Record(context.Background(), &models.AuditLog{Action: models.AuditActionRestoreFailed})
	if !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
}

func TestRecordWith_UsesTransaction(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := repo.db.BeginTxx(context.Background(), nil)
	if err != nil {
		t.Fatalf("BeginTxx: %v", err)
	}
	if err := repo.RecordWith(context.Background(), tx, &models.AuditLog{Action: models.AuditActionRestoreDryRun}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ListAuditLogs
// ---------------------------------------------------------------------------

func TestListAuditLogs_NoFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id, company_id").
		WithArgs(20, 0).
		WillReturnRows(sampleAuditRow(models.AuditActionRestoreCompleted))

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(logs))
	}
	if logs[0].Action != models.AuditActionRestoreCompleted {
		t.Errorf("Action = %s", logs[0].Action)
	}
	if len(logs[0].ChangedFields) != 1 || logs[0].ChangedFields[0] != "status" {
		t.Errorf("ChangedFields = %v", logs[0].ChangedFields)
	}
}

func TestListAuditLogs_FailedRestoresInRange(t *testing.T) {
	repo, mock := newAuditRepo(t)
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()
	action := models.AuditActionRestoreFailed

	mock.ExpectQuery("SELECT COUNT.*company_id = \\$1.*action = \\$2.*created_at >= \\$3.*created_at <= \\$4").
		WithArgs(testCompanyID, action, start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id, company_id.*LIMIT \\$5 OFFSET \\$6").
		WithArgs(testCompanyID, action, start, end, 10, 0).
		WillReturnRows(sampleAuditRow(action))

	filters := AuditFilters{CompanyID: &testCompanyID, Action: &action, StartDate: &start, EndDate: &end}
	logs, _, err := repo.ListAuditLogs(context.Background(), filters, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != action {
		t.Errorf("unexpected logs: %+v", logs)
	}
}

func TestListAuditLogs_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDB)

	if _, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetAuditLog / ListForRecord
// ---------------------------------------------------------------------------

func TestGetAuditLog_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("FROM audit_logs WHERE id").WillReturnRows(sqlmock.NewRows(auditCols))

	entry, err := repo.GetAuditLog(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != nil {
		t.Error("expected nil entry")
	}
}

func TestListForRecord(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("FROM audit_logs WHERE target_table").
		WithArgs("restore_queue", testQueueID.String()).
		WillReturnRows(sampleAuditRow(models.AuditActionRestoreDryRun))

	logs, err := repo.ListForRecord(context.Background(), "restore_queue", testQueueID.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len = %d, want 1", len(logs))
	}
	if logs[0].RecordID == nil || *logs[0].RecordID != testQueueID.String() {
		t.Errorf("RecordID = %v", logs[0].RecordID)
	}
}
