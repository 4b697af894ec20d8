package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/audit"
	"github.com/erp-backup/backup-service/internal/crypto"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/snapshot"
	"github.com/erp-backup/backup-service/internal/storage"
	"github.com/erp-backup/backup-service/internal/telemetry"
	"github.com/erp-backup/backup-service/pkg/checksum"
)

const exportDestinationResponse = "response"

var (
	// ErrArchiveNotFound is returned for unknown, deleted or foreign archives.
	ErrArchiveNotFound = errors.New("snapshot archive not found")
	// ErrArchiveCorrupt is returned when stored bytes no longer match the recorded hash.
	ErrArchiveCorrupt = errors.New("snapshot archive is corrupt")
)

// SnapshotExporter produces a sealed snapshot of one company.
type SnapshotExporter interface {
	Export(ctx context.Context, companyID uuid.UUID, createdBy string) (*snapshot.Snapshot, error)
}

// ArchiveOptions configures how archives are packed and where they are stored.
type ArchiveOptions struct {
	// Prefix is prepended to every object key.
	Prefix           string
	CompressionLevel int
	// Cipher encrypts archives at rest; nil stores them unencrypted.
	Cipher *crypto.ArchiveCipher
	// MaxSnapshotBytes caps the decoded size of a loaded archive.
	MaxSnapshotBytes int64
}

// ArchiveService exports snapshots and manages their stored archives.
type ArchiveService struct {
	archives *repositories.SnapshotArchiveRepository
	exporter SnapshotExporter
	storage  storage.Storage
	recorder *audit.Recorder
	opts     ArchiveOptions
}

// NewArchiveService creates an ArchiveService.
func NewArchiveService(archives *repositories.SnapshotArchiveRepository, exporter SnapshotExporter,
	store storage.Storage, recorder *audit.Recorder, opts ArchiveOptions) *ArchiveService {
	return &ArchiveService{
		archives: archives,
		exporter: exporter,
		storage:  store,
		recorder: recorder,
		opts:     opts,
	}
}

// Export returns a fresh snapshot of the company and audits the export.
func (s *ArchiveService) Export(ctx context.Context, companyID uuid.UUID, actor audit.Actor) (*snapshot.Snapshot, error) {
	snap, err := s.exporter.Export(ctx, companyID, createdBy(actor))
	if err != nil {
		return nil, err
	}

	if err := s.recordExport(ctx, actor, audit.ExportOutcome{
		CompanyID:   companyID,
		Destination: exportDestinationResponse,
		Records:     snap.Metadata.TotalRecords,
		Checksum:    snap.Metadata.Checksum,
	}); err != nil {
		return nil, err
	}

	telemetry.SnapshotExportsTotal.WithLabelValues(exportDestinationResponse).Inc()
	slog.Info("snapshot exported", "company_id", companyID, "records", snap.Metadata.TotalRecords)
	return snap, nil
}

// Archive exports the company, packs the snapshot and stores it, recording the archive.
func (s *ArchiveService) Archive(ctx context.Context, companyID uuid.UUID, actor audit.Actor) (*models.SnapshotArchive, error) {
	snap, err := s.exporter.Export(ctx, companyID, createdBy(actor))
	if err != nil {
		return nil, err
	}

	packed, err := snapshot.Pack(snap, snapshot.ArchiveOptions{
		CompressionLevel: s.opts.CompressionLevel,
		Cipher:           s.opts.Cipher,
	})
	if err != nil {
		return nil, err
	}

	archive := &models.SnapshotArchive{
		ID:             uuid.New(),
		CompanyID:      companyID,
		StorageBackend: s.storage.Name(),
		DataChecksum:   snap.Metadata.Checksum,
		FormatVersion:  snap.Metadata.Version,
		TotalRecords:   snap.Metadata.TotalRecords,
		Compressed:     packed.Compressed,
		Encrypted:      packed.Encrypted,
		CreatedBy:      actor.UserID,
	}
	key := storage.ArchiveKey(s.opts.Prefix, companyID, archive.ID)

	uploaded, err := s.storage.Upload(ctx, key, bytes.NewReader(packed.Data), int64(len(packed.Data)))
	if err != nil {
		return nil, fmt.Errorf("failed to store archive: %w", err)
	}
	archive.StoragePath = uploaded.Key
	archive.SizeBytes = uploaded.Size
	archive.SHA256 = uploaded.Checksum

	if err := s.archives.Create(ctx, archive); err != nil {
		if delErr := s.storage.Delete(ctx, uploaded.Key); delErr != nil {
			slog.Warn("failed to remove orphaned archive object", "key", uploaded.Key, "error", delErr)
		}
		return nil, err
	}

	if err := s.recordExport(ctx, actor, audit.ExportOutcome{
		CompanyID:   companyID,
		ArchiveID:   &archive.ID,
		Destination: s.storage.Name(),
		Records:     archive.TotalRecords,
		Checksum:    archive.DataChecksum,
	}); err != nil {
		return nil, err
	}

	telemetry.SnapshotExportsTotal.WithLabelValues(s.storage.Name()).Inc()
	telemetry.ArchiveBytes.Observe(float64(archive.SizeBytes))
	slog.Info("snapshot archived", "company_id", companyID, "archive_id", archive.ID,
		"backend", archive.StorageBackend, "size", humanize.Bytes(uint64(archive.SizeBytes)),
		"records", archive.TotalRecords)
	return archive, nil
}

// Get returns a live archive of the company.
func (s *ArchiveService) Get(ctx context.Context, companyID, archiveID uuid.UUID) (*models.SnapshotArchive, error) {
	archive, err := s.archives.GetByID(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	// another company's archive is reported as missing
	if archive == nil || archive.CompanyID != companyID {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, archiveID)
	}
	return archive, nil
}

// Open returns a reader over the stored archive bytes.
func (s *ArchiveService) Open(ctx context.Context, companyID, archiveID uuid.UUID) (io.ReadCloser, *models.SnapshotArchive, error) {
	archive, err := s.Get(ctx, companyID, archiveID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.storage.Download(ctx, archive.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: object %s is missing", ErrArchiveCorrupt, archive.StoragePath)
	}
	if err != nil {
		return nil, nil, err
	}
	return rc, archive, nil
}

// Load downloads an archive, checks its hash and unpacks it. It returns the decoded
// snapshot and the raw JSON bytes that are queued for restore.
func (s *ArchiveService) Load(ctx context.Context, companyID, archiveID uuid.UUID) (*snapshot.Snapshot, []byte, error) {
	rc, archive, err := s.Open(ctx, companyID, archiveID)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read archive: %w", err)
	}
	got, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	if !checksum.Equal(got, archive.SHA256) {
		return nil, nil, fmt.Errorf("%w: sha256 %s, recorded %s", ErrArchiveCorrupt, got, archive.SHA256)
	}

	return snapshot.Unpack(data, s.opts.Cipher, s.opts.MaxSnapshotBytes)
}

// List returns the company's live archives, newest first.
func (s *ArchiveService) List(ctx context.Context, companyID uuid.UUID, limit, offset int) ([]*models.SnapshotArchive, int, error) {
	return s.archives.ListByCompany(ctx, companyID, limit, offset)
}

// Prune deletes archives created before cutoff from storage and marks their rows
// deleted. It returns how many archives were removed; per-archive failures are logged
// and retried on the next run.
func (s *ArchiveService) Prune(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	expired, err := s.archives.ListExpired(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, a := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.storage.Delete(ctx, a.StoragePath); err != nil {
			slog.Warn("failed to delete expired archive", "archive_id", a.ID, "key", a.StoragePath, "error", err)
			continue
		}
		if err := s.archives.MarkDeleted(ctx, a.ID); err != nil {
			slog.Warn("failed to mark archive deleted", "archive_id", a.ID, "error", err)
			continue
		}
		removed++
		telemetry.ArchivesPrunedTotal.Inc()
	}
	return removed, nil
}

func (s *ArchiveService) recordExport(ctx context.Context, actor audit.Actor, o audit.ExportOutcome) error {
	entry, err := audit.ExportEntry(actor, o)
	if err != nil {
		return err
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		return fmt.Errorf("failed to write export audit entry: %w", err)
	}
	return nil
}

func createdBy(actor audit.Actor) string {
	switch {
	case actor.Email != "":
		return actor.Email
	case actor.UserID != nil:
		return actor.UserID.String()
	default:
		return "system"
	}
}
