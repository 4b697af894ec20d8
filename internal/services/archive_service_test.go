package services

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp-backup/backup-service/internal/audit"
	"github.com/erp-backup/backup-service/internal/crypto"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/snapshot"
	"github.com/erp-backup/backup-service/internal/storage"
	"github.com/erp-backup/backup-service/internal/storage/storagetest"
)

var archiveCols = []string{
	"id", "company_id", "storage_backend", "storage_path", "size_bytes", "sha256", "data_checksum",
	"format_version", "total_records", "compressed", "encrypted", "created_by", "created_at", "deleted_at",
}

type fakeExporter struct {
	snap *snapshot.Snapshot
	err  error
	by   string
}

func (f *fakeExporter) Export(_ context.Context, _ uuid.UUID, createdBy string) (*snapshot.Snapshot, error) {
	f.by = createdBy
	return f.snap, f.err
}

func newTestArchiveService(t *testing.T) (*ArchiveService, sqlmock.Sqlmock, *storagetest.Memory, *fakeExporter) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	xdb := sqlx.NewDb(db, "sqlmock")

	snap, err := snapshot.ParseBytes(validBranch(t))
	require.NoError(t, err)
	cipher, err := crypto.NewArchiveCipher("correct horse battery staple")
	require.NoError(t, err)

	mem := storagetest.NewMemory()
	exp := &fakeExporter{snap: snap}
	svc := NewArchiveService(
		repositories.NewSnapshotArchiveRepository(xdb),
		exp,
		mem,
		audit.NewRecorder(repositories.NewAuditRepository(xdb), nil),
		ArchiveOptions{Prefix: "snapshots", CompressionLevel: 6, Cipher: cipher, MaxSnapshotBytes: 1 << 20},
	)
	return svc, mock, mem, exp
}

func archiveRow(a *models.SnapshotArchive) *sqlmock.Rows {
	return sqlmock.NewRows(archiveCols).AddRow(
		a.ID.String(), a.CompanyID.String(), a.StorageBackend, a.StoragePath, a.SizeBytes, a.SHA256,
		a.DataChecksum, a.FormatVersion, a.TotalRecords, a.Compressed, a.Encrypted, nil, a.CreatedAt, nil,
	)
}

func archiveOnce(t *testing.T, svc *ArchiveService, mock sqlmock.Sqlmock) *models.SnapshotArchive {
	t.Helper()
	mock.ExpectExec(`INSERT INTO snapshot_archives`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertAudit).WithArgs(auditArgs(models.AuditActionExportCreated)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	archive, err := svc.Archive(context.Background(), companyA, owner)
	require.NoError(t, err)
	return archive
}

func TestArchive_StoresPackedSnapshot(t *testing.T) {
	svc, mock, mem, exp := newTestArchiveService(t)

	archive := archiveOnce(t, svc, mock)

	assert.Equal(t, "owner@example.com", exp.by)
	assert.Equal(t, "memory", archive.StorageBackend)
	assert.Equal(t, storage.ArchiveKey("snapshots", companyA, archive.ID), archive.StoragePath)
	assert.True(t, archive.Compressed)
	assert.True(t, archive.Encrypted)
	assert.Equal(t, int64(1), archive.TotalRecords)
	assert.Equal(t, exp.snap.Metadata.Checksum, archive.DataChecksum)

	stored, ok := mem.Get(archive.StoragePath)
	require.True(t, ok, "archive object was not uploaded")
	assert.Equal(t, int64(len(stored)), archive.SizeBytes)
	assert.True(t, crypto.IsSealed(stored))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchive_RowFailureRemovesObject(t *testing.T) {
	svc, mock, mem, _ := newTestArchiveService(t)
	mock.ExpectExec(`INSERT INTO snapshot_archives`).WillReturnError(errors.New("disk full"))

	_, err := svc.Archive(context.Background(), companyA, owner)
	require.Error(t, err)

	assert.Equal(t, 1, mem.Uploads)
	assert.Zero(t, mem.Len(), "orphaned archive object left in storage")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchive_UploadFailure(t *testing.T) {
	svc, mock, mem, _ := newTestArchiveService(t)
	mem.FailUploads = 1
	mem.UploadErr = errors.New("bucket unavailable")

	_, err := svc.Archive(context.Background(), companyA, owner)
	assert.ErrorIs(t, err, mem.UploadErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchive_ExportError(t *testing.T) {
	svc, _, mem, exp := newTestArchiveService(t)
	exp.err = snapshot.ErrCompanyNotFound

	_, err := svc.Archive(context.Background(), companyB, audit.Actor{})
	assert.ErrorIs(t, err, snapshot.ErrCompanyNotFound)
	assert.Equal(t, "system", exp.by)
	assert.Zero(t, mem.Uploads)
}

func TestExport_Audited(t *testing.T) {
	svc, mock, _, exp := newTestArchiveService(t)
	mock.ExpectExec(insertAudit).WithArgs(auditArgs(models.AuditActionExportCreated)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	snap, err := svc.Export(context.Background(), companyA, owner)
	require.NoError(t, err)
	assert.Same(t, exp.snap, snap)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExport_AuditFailure(t *testing.T) {
	svc, mock, _, _ := newTestArchiveService(t)
	mock.ExpectExec(insertAudit).WillReturnError(errors.New("read-only transaction"))

	_, err := svc.Export(context.Background(), companyA, owner)
	require.Error(t, err)
}

func TestLoad_RoundTrip(t *testing.T) {
	svc, mock, _, exp := newTestArchiveService(t)
	archive := archiveOnce(t, svc, mock)

	mock.ExpectQuery(`SELECT .* FROM snapshot_archives WHERE id = \$1`).WithArgs(archive.ID).
		WillReturnRows(archiveRow(archive))

	snap, raw, err := svc.Load(context.Background(), companyA, archive.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.snap.Metadata.Checksum, snap.Metadata.Checksum)
	assert.Equal(t, companyA.String(), snap.Metadata.CompanyID)
	assert.NotEmpty(t, raw)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_ForeignCompanyHidden(t *testing.T) {
	svc, mock, _, _ := newTestArchiveService(t)
	archive := archiveOnce(t, svc, mock)

	mock.ExpectQuery(`SELECT .* FROM snapshot_archives`).WillReturnRows(archiveRow(archive))
	_, _, err := svc.Load(context.Background(), companyB, archive.ID)
	assert.ErrorIs(t, err, ErrArchiveNotFound)

	mock.ExpectQuery(`SELECT .* FROM snapshot_archives`).WillReturnRows(sqlmock.NewRows(archiveCols))
	_, _, err = svc.Load(context.Background(), companyA, uuid.New())
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestLoad_Corrupt(t *testing.T) {
	svc, mock, mem, _ := newTestArchiveService(t)
	archive := archiveOnce(t, svc, mock)

	mem.Put(archive.StoragePath, []byte("bit rot"))
	mock.ExpectQuery(`SELECT .* FROM snapshot_archives`).WillReturnRows(archiveRow(archive))
	_, _, err := svc.Load(context.Background(), companyA, archive.ID)
	assert.ErrorIs(t, err, ErrArchiveCorrupt)

	require.NoError(t, mem.Delete(context.Background(), archive.StoragePath))
	mock.ExpectQuery(`SELECT .* FROM snapshot_archives`).WillReturnRows(archiveRow(archive))
	_, _, err = svc.Load(context.Background(), companyA, archive.ID)
	assert.ErrorIs(t, err, ErrArchiveCorrupt)
}

func TestOpen_StreamsStoredBytes(t *testing.T) {
	svc, mock, mem, _ := newTestArchiveService(t)
	archive := archiveOnce(t, svc, mock)

	mock.ExpectQuery(`SELECT .* FROM snapshot_archives`).WillReturnRows(archiveRow(archive))
	rc, got, err := svc.Open(context.Background(), companyA, archive.ID)
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	stored, _ := mem.Get(archive.StoragePath)
	assert.Equal(t, stored, body)
	assert.Equal(t, archive.ID, got.ID)
}

func TestPrune(t *testing.T) {
	svc, mock, mem, _ := newTestArchiveService(t)
	old := &models.SnapshotArchive{
		ID: uuid.New(), CompanyID: companyA, StorageBackend: "memory",
		StoragePath: "snapshots/old.snapshot", CreatedAt: time.Now().AddDate(0, 0, -90),
	}
	stuck := &models.SnapshotArchive{
		ID: uuid.New(), CompanyID: companyA, StorageBackend: "memory",
		StoragePath: "snapshots/stuck.snapshot", CreatedAt: time.Now().AddDate(0, 0, -60),
	}
	mem.Put(old.StoragePath, []byte("old"))
	mem.Put(stuck.StoragePath, []byte("stuck"))

	rows := archiveRow(old)
	rows.AddRow(stuck.ID.String(), companyA.String(), "memory", stuck.StoragePath, 5, "", "", "1.0", 0,
		false, false, nil, stuck.CreatedAt, nil)
	mock.ExpectQuery(`SELECT .* FROM snapshot_archives WHERE deleted_at IS NULL AND created_at < \$1`).
		WithArgs(sqlmock.AnyArg(), 100).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE snapshot_archives SET deleted_at`).WithArgs(old.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE snapshot_archives SET deleted_at`).WithArgs(stuck.ID).
		WillReturnError(errors.New("lock timeout"))

	removed, err := svc.Prune(context.Background(), time.Now().AddDate(0, 0, -30), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := mem.Get(old.StoragePath)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
