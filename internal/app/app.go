// Package app builds the service graph shared by the HTTP server and snapshotctl:
// repositories, storage, the audit recorder, the restore engine and the services that
// coordinate them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"github.com/erp-backup/backup-service/internal/audit"
	"github.com/erp-backup/backup-service/internal/config"
	"github.com/erp-backup/backup-service/internal/crypto"
	"github.com/erp-backup/backup-service/internal/db"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/restore"
	"github.com/erp-backup/backup-service/internal/services"
	"github.com/erp-backup/backup-service/internal/snapshot"
	"github.com/erp-backup/backup-service/internal/storage"
	"github.com/erp-backup/backup-service/internal/tenant"
	"github.com/erp-backup/backup-service/internal/validation"

	// Import storage backends to register them
	_ "github.com/erp-backup/backup-service/internal/storage/azure"
	_ "github.com/erp-backup/backup-service/internal/storage/gcs"
	_ "github.com/erp-backup/backup-service/internal/storage/local"
	_ "github.com/erp-backup/backup-service/internal/storage/s3"
)

// App holds the wired components. Close releases the ones that own resources.
type App struct {
	Config  *config.Config
	DB      *sqlx.DB
	Storage storage.Storage

	Users     *repositories.UserRepository
	APIKeys   *repositories.APIKeyRepository
	Companies *repositories.CompanyRepository
	AuditLogs *repositories.AuditRepository
	Queue     *repositories.RestoreQueueRepository

	Recorder  *audit.Recorder
	Validator *snapshot.Validator
	Exporter  *snapshot.Exporter
	Restores  *services.RestoreService
	Archives  *services.ArchiveService
	Resolver  *tenant.Resolver
}

// New wires the service graph over an open database.
func New(cfg *config.Config, sqlDB *sql.DB) (*App, error) {
	xdb := db.Wrap(sqlDB)

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", store.Name(), "retries", cfg.Storage.UploadRetries)

	var cipher *crypto.ArchiveCipher
	if cfg.Snapshot.ArchivePassphrase != "" {
		if cipher, err = crypto.NewArchiveCipher(cfg.Snapshot.ArchivePassphrase); err != nil {
			return nil, fmt.Errorf("failed to initialize archive cipher: %w", err)
		}
	} else {
		slog.Warn("snapshot.archive_passphrase is not set; archives are stored unencrypted")
	}

	publicKey, err := loadPublicKey(cfg)
	if err != nil {
		return nil, err
	}

	validator, err := snapshot.NewValidator(snapshot.DefaultRegistry(), snapshot.ValidatorOptions{
		SupportedVersions:       cfg.Restore.SupportedVersions,
		SupportedSchemaVersions: cfg.Restore.SupportedSchemaVersions,
		MaxViolations:           cfg.Restore.MaxViolations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot validator: %w", err)
	}
	if err := checkExportVersions(cfg); err != nil {
		return nil, err
	}

	var shipper audit.Shipper
	ms, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	if ms.Len() > 0 {
		shipper = ms
		slog.Info("audit shipping enabled", "shippers", ms.Len())
	}

	a := &App{
		Config:    cfg,
		DB:        xdb,
		Storage:   store,
		Users:     repositories.NewUserRepository(xdb),
		APIKeys:   repositories.NewAPIKeyRepository(xdb),
		Companies: repositories.NewCompanyRepository(xdb),
		AuditLogs: repositories.NewAuditRepository(xdb),
		Queue:     repositories.NewRestoreQueueRepository(xdb),
		Validator: validator,
	}
	a.Recorder = audit.NewRecorder(a.AuditLogs, shipper)
	a.Resolver = tenant.NewResolver(a.Companies)
	a.Exporter = snapshot.NewExporter(xdb, validator.Registry(), snapshot.ExporterOptions{
		FormatVersion: cfg.Snapshot.FormatVersion,
		SchemaVersion: cfg.Snapshot.SchemaVersion,
		SystemVersion: cfg.Snapshot.SystemVersion,
	})
	a.Archives = services.NewArchiveService(repositories.NewSnapshotArchiveRepository(xdb), a.Exporter, store, a.Recorder,
		services.ArchiveOptions{
			Prefix:           cfg.Storage.Prefix,
			CompressionLevel: cfg.Snapshot.CompressionLevel,
			Cipher:           cipher,
			MaxSnapshotBytes: cfg.Restore.MaxSnapshotBytes,
		})

	engine := restore.NewEngine(xdb, a.Queue, validator)
	a.Restores = services.NewRestoreService(xdb, a.Queue, engine, a.Recorder, a.Archives, cfg.Restore, publicKey)
	return a, nil
}

// loadPublicKey reads the signing key restores are verified against. A key is required
// when signatures are.
func loadPublicKey(cfg *config.Config) (string, error) {
	path := cfg.Snapshot.SigningPublicKeyFile
	if path == "" {
		if cfg.Restore.RequireSignature {
			return "", errors.New("restore.require_signature is set but snapshot.signing_public_key_file is empty")
		}
		return "", nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return "", fmt.Errorf("failed to read signing public key: %w", err)
	}
	key := validation.NormalizeGPGKey(string(raw))
	if err := validation.ParseGPGPublicKey(key); err != nil {
		return "", fmt.Errorf("invalid signing public key %s: %w", path, err)
	}
	return key, nil
}

// checkExportVersions rejects a configuration whose exports this build could not
// restore.
func checkExportVersions(cfg *config.Config) error {
	pairs := []struct {
		name, version, constraint string
	}{
		{"snapshot.format_version", cfg.Snapshot.FormatVersion, cfg.Restore.SupportedVersions},
		{"snapshot.schema_version", cfg.Snapshot.SchemaVersion, cfg.Restore.SupportedSchemaVersions},
	}
	for _, p := range pairs {
		if p.version == "" || p.constraint == "" {
			continue
		}
		if err := validation.ValidateSemver(p.version); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
		c, err := validation.ParseConstraints(p.constraint)
		if err != nil {
			return err
		}
		if ok, _ := validation.SatisfiesConstraints(p.version, c); !ok {
			return fmt.Errorf("%s %s does not satisfy %q; exported snapshots could not be restored", p.name, p.version, p.constraint)
		}
	}
	return nil
}

// Close drains audit shipping and releases storage clients.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.Recorder.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("audit recorder: %w", err))
	}
	if c, ok := a.Storage.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("storage: %w", err))
		}
	}
	return result.ErrorOrNil()
}
