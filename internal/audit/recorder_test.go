package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
)

var (
	testCompany = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testQueue   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

type memShipper struct {
	entries chan *LogEntry
	closed  bool
}

func (m *memShipper) Ship(_ context.Context, e *LogEntry) error {
	m.entries <- e
	return nil
}

func (m *memShipper) Close() error {
	m.closed = true
	return nil
}

func TestRestoreEntry_ActionFollowsStatus(t *testing.T) {
	user := uuid.New()
	actor := Actor{UserID: &user, Email: "owner@example.com", Name: "Olive Owner", IPAddress: "10.0.0.1"}

	tests := []struct {
		status models.RestoreStatus
		dryRun bool
		want   string
	}{
		{models.RestoreStatusDryRunSuccess, true, models.AuditActionRestoreDryRun},
		{models.RestoreStatusCompleted, false, models.AuditActionRestoreCompleted},
		{models.RestoreStatusFailed, false, models.AuditActionRestoreFailed},
		{models.RestoreStatusFailed, true, models.AuditActionRestoreFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			entry, err := RestoreEntry(actor, RestoreOutcome{
				QueueID: testQueue, CompanyID: testCompany, Status: tt.status, DryRun: tt.dryRun, Records: 1,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.Action)
			assert.Equal(t, testCompany, *entry.CompanyID)
			assert.Equal(t, "restore_queue", *entry.TargetTable)
			assert.Equal(t, testQueue.String(), *entry.RecordID)
			assert.Equal(t, "owner@example.com", *entry.UserEmail)
			assert.Equal(t, "10.0.0.1", *entry.IPAddress)
		})
	}
}

func TestRestoreEntry_FailureDetails(t *testing.T) {
	entry, err := RestoreEntry(Actor{}, RestoreOutcome{
		QueueID: testQueue, CompanyID: testCompany, Status: models.RestoreStatusFailed,
		Error: "branches row 1: missing required column branch_code", Code: "validation_failed",
		Records: 3, Reason: "stale pending restore reaped",
	})
	require.NoError(t, err)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.NewData, &data))
	assert.Equal(t, "FAILED", data["status"])
	assert.Equal(t, "validation_failed", data["code"])
	assert.Contains(t, entry.ChangedFields, "error_message")
	assert.Equal(t, "restore of 3 records", *entry.RecordIdentifier)
	assert.Equal(t, "stale pending restore reaped", *entry.Reason)
	assert.Nil(t, entry.UserID)
	assert.JSONEq(t, `{"status":"PENDING"}`, string(entry.OldData))
}

func TestRestoreEntry_SingularIdentifier(t *testing.T) {
	entry, err := RestoreEntry(Actor{}, RestoreOutcome{
		QueueID: testQueue, CompanyID: testCompany, Status: models.RestoreStatusDryRunSuccess, DryRun: true, Records: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "dry-run restore of 1 record", *entry.RecordIdentifier)
}

func TestExportEntry(t *testing.T) {
	archive := uuid.New()
	entry, err := ExportEntry(Actor{Email: "ops@example.com"}, ExportOutcome{
		CompanyID: testCompany, ArchiveID: &archive, Destination: "s3", Records: 42, Checksum: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AuditActionExportCreated, entry.Action)
	assert.Equal(t, "snapshot_archives", *entry.TargetTable)
	assert.Equal(t, archive.String(), *entry.RecordID)
	assert.Equal(t, "export of 42 records", *entry.RecordIdentifier)
}

func newRecorder(t *testing.T, shipper Shipper) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRecorder(repositories.NewAuditRepository(sqlx.NewDb(db, "sqlmock")), shipper), mock
}

func TestRecorder_RecordShipsAfterWrite(t *testing.T) {
	ship := &memShipper{entries: make(chan *LogEntry, 1)}
	rec, mock := newRecorder(t, ship)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := RestoreEntry(Actor{}, RestoreOutcome{QueueID: testQueue, CompanyID: testCompany, Status: models.RestoreStatusCompleted})
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), entry))

	shipped := <-ship.entries
	assert.Equal(t, models.AuditActionRestoreCompleted, shipped.Action)
	assert.Equal(t, entry.ID.String(), shipped.ID)

	require.NoError(t, rec.Close(context.Background()))
	assert.True(t, ship.closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_WriteFailureIsNotShipped(t *testing.T) {
	ship := &memShipper{entries: make(chan *LogEntry, 1)}
	rec, mock := newRecorder(t, ship)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("disk full"))

	entry, _ := RestoreEntry(Actor{}, RestoreOutcome{QueueID: testQueue, CompanyID: testCompany, Status: models.RestoreStatusFailed})
	err := rec.Record(context.Background(), entry)
	require.Error(t, err)

	require.NoError(t, rec.Close(context.Background()))
	assert.Len(t, ship.entries, 0)
}

func TestRecorder_NilShipper(t *testing.T) {
	rec, mock := newRecorder(t, nil)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	entry, _ := ExportEntry(Actor{}, ExportOutcome{CompanyID: testCompany, Destination: "response"})
	require.NoError(t, rec.Record(context.Background(), entry))
	require.NoError(t, rec.Close(context.Background()))
}
