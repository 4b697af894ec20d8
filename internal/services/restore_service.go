// Package services coordinates repositories, the restore engine, storage and the audit
// recorder into the operations exposed over HTTP and the operator CLI.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/erp-backup/backup-service/internal/audit"
	"github.com/erp-backup/backup-service/internal/config"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/restore"
	"github.com/erp-backup/backup-service/internal/snapshot"
	"github.com/erp-backup/backup-service/internal/telemetry"
	"github.com/erp-backup/backup-service/internal/validation"
)

const (
	defaultRestoreTimeout  = 5 * time.Minute
	defaultFinalizeTimeout = 30 * time.Second

	restoreAbandoned = "restore abandoned"
	reapReason       = "stale pending restore reaped"
)

var (
	// ErrNoSnapshot is returned when a restore names neither a snapshot nor an archive.
	ErrNoSnapshot = errors.New("a snapshot or archive_id is required")
	// ErrQueueEntryNotFound is returned when a queue id does not exist.
	ErrQueueEntryNotFound = errors.New("restore queue entry not found")
	// ErrFinalizeFailed means the terminal status could not be recorded. The entry stays
	// PENDING until the stale restore reaper fails it.
	ErrFinalizeFailed = errors.New("failed to finalize restore")
)

// SnapshotSource loads a stored snapshot archive for a restore.
type SnapshotSource interface {
	Load(ctx context.Context, companyID, archiveID uuid.UUID) (*snapshot.Snapshot, []byte, error)
}

// EnqueueRequest describes a restore to place on the queue.
type EnqueueRequest struct {
	CompanyID uuid.UUID
	UserID    *uuid.UUID
	Snapshot  json.RawMessage
	ArchiveID *uuid.UUID
	IPAddress string
	DryRun    bool
}

// RestoreRequest is one restore attempt. Exactly one of Snapshot and ArchiveID is set.
type RestoreRequest struct {
	CompanyID uuid.UUID
	DryRun    bool
	Snapshot  json.RawMessage
	ArchiveID *uuid.UUID
	// Signature is an armored detached OpenPGP signature over the snapshot bytes.
	Signature string
	Actor     audit.Actor
}

// RestoreService runs restores through the queue: enqueue, engine, finalize and audit.
type RestoreService struct {
	db        *sqlx.DB
	queue     *repositories.RestoreQueueRepository
	engine    *restore.Engine
	recorder  *audit.Recorder
	archives  SnapshotSource
	cfg       config.RestoreConfig
	publicKey string
}

// NewRestoreService creates a RestoreService. archives may be nil when archive restores
// are not offered; publicKey is the armored key signatures are checked against.
func NewRestoreService(db *sqlx.DB, queue *repositories.RestoreQueueRepository, engine *restore.Engine,
	recorder *audit.Recorder, archives SnapshotSource, cfg config.RestoreConfig, publicKey string) *RestoreService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRestoreTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	return &RestoreService{
		db:        db,
		queue:     queue,
		engine:    engine,
		recorder:  recorder,
		archives:  archives,
		cfg:       cfg,
		publicKey: publicKey,
	}
}

// Enqueue stores a PENDING entry holding the snapshot. It returns
// repositories.ErrRestoreInFlight while another restore for the company is PENDING.
func (s *RestoreService) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	entry, err := s.enqueue(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

func (s *RestoreService) enqueue(ctx context.Context, req EnqueueRequest) (*models.RestoreQueueEntry, error) {
	if len(req.Snapshot) == 0 {
		return nil, ErrNoSnapshot
	}
	if limit := s.cfg.MaxSnapshotBytes; limit > 0 && int64(len(req.Snapshot)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", snapshot.ErrTooLarge, limit)
	}

	pending, err := s.queue.HasPending(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, repositories.ErrRestoreInFlight
	}

	entry := &models.RestoreQueueEntry{
		CompanyID:  req.CompanyID,
		UserID:     req.UserID,
		DryRun:     req.DryRun,
		BackupData: req.Snapshot,
		ArchiveID:  req.ArchiveID,
	}
	if req.IPAddress != "" {
		ip := req.IPAddress
		entry.IPAddress = &ip
	}
	// the partial unique index catches a racing enqueue the pre-check missed
	if err := s.queue.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Finalize moves a PENDING entry to the terminal status matching res and writes the
// audit entry in the same transaction. It returns repositories.ErrQueueEntryNotPending
// when the entry was already finalized.
func (s *RestoreService) Finalize(ctx context.Context, queueID uuid.UUID, res *restore.Result, dryRun bool, actor audit.Actor) error {
	entry, err := s.queue.GetSummary(ctx, queueID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrQueueEntryNotFound, queueID)
	}
	entry.DryRun = dryRun
	return s.finalize(ctx, entry, res, actor, snapshotFacts{}, "")
}

// Run performs one restore end to end and returns the engine result with the queue id.
// Validation and apply failures are reported in the result, not as an error; the error
// is reserved for requests that never reached the queue or could not be finalized.
func (s *RestoreService) Run(ctx context.Context, req RestoreRequest) (*restore.Result, uuid.UUID, error) {
	raw := req.Snapshot
	if req.ArchiveID != nil {
		if s.archives == nil {
			return nil, uuid.Nil, fmt.Errorf("%w: archive restores are not configured", ErrArchiveNotFound)
		}
		_, loaded, err := s.archives.Load(ctx, req.CompanyID, *req.ArchiveID)
		if err != nil {
			return nil, uuid.Nil, err
		}
		raw = loaded
	}

	entry, err := s.enqueue(ctx, EnqueueRequest{
		CompanyID: req.CompanyID,
		UserID:    req.Actor.UserID,
		Snapshot:  raw,
		ArchiveID: req.ArchiveID,
		IPAddress: req.Actor.IPAddress,
		DryRun:    req.DryRun,
	})
	if err != nil {
		return nil, uuid.Nil, err
	}

	logger := slog.With("queue_id", entry.ID, "company_id", entry.CompanyID, "mode", entry.Mode())
	logger.Info("restore enqueued")

	if err := s.queue.MarkStarted(ctx, entry.ID); err != nil {
		logger.Warn("failed to mark restore started", "error", err)
	}

	facts := readFacts(raw)
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var res *restore.Result
	var committed *models.AuditLog
	if err := s.verifySignature(raw, req.Signature); err != nil {
		res = &restore.Result{Code: restore.CodeValidationFailed, Stage: string(snapshot.StageSignature), Error: err.Error()}
	} else if entry.DryRun {
		res = s.engine.Restore(runCtx, entry.ID, true)
	} else {
		res = s.engine.RestoreWith(runCtx, entry.ID, false,
			func(ctx context.Context, tx *sqlx.Tx, _ *models.RestoreQueueEntry, r *restore.Result) error {
				log, err := s.writeTerminal(ctx, tx, entry, r, req.Actor, facts, "")
				committed = log
				return err
			})
	}

	finalized := res.Finalized
	if finalized {
		s.recorder.Ship(committed)
	} else if res.Code != restore.CodeNotFound && res.Code != restore.CodeInvalidState {
		// runCtx may be spent; the terminal write gets its own bounded context
		finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
		err := s.finalize(finCtx, entry, res, req.Actor, facts, "")
		finCancel()
		if errors.Is(err, repositories.ErrQueueEntryNotPending) {
			logger.Warn("restore was finalized elsewhere", "code", res.Code)
		} else if err != nil {
			logger.Error("failed to finalize restore", "error", err)
			return res, entry.ID, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
		} else {
			finalized = true
		}
	}

	status := models.TerminalStatus(res.Success, entry.DryRun)
	if finalized {
		telemetry.RestoresTotal.WithLabelValues(entry.Mode(), string(status)).Inc()
		telemetry.RestoreDuration.WithLabelValues(entry.Mode()).Observe(time.Since(started).Seconds())
	}

	if res.Success {
		logger.Info("restore finished", "status", status, "rows", facts.records, "duration", time.Since(started))
	} else {
		logger.Warn("restore failed", "code", res.Code, "stage", res.Stage, "error", res.Error)
	}
	return res, entry.ID, nil
}

// finalize commits the terminal status with its audit entry and ships the entry.
func (s *RestoreService) finalize(ctx context.Context, entry *models.RestoreQueueEntry, res *restore.Result,
	actor audit.Actor, facts snapshotFacts, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	log, err := s.writeTerminal(ctx, tx, entry, res, actor, facts, reason)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize transaction: %w", err)
	}
	s.recorder.Ship(log)
	return nil
}

// writeTerminal records the terminal status and its audit entry through q.
func (s *RestoreService) writeTerminal(ctx context.Context, q repositories.Querier, entry *models.RestoreQueueEntry,
	res *restore.Result, actor audit.Actor, facts snapshotFacts, reason string) (*models.AuditLog, error) {
	status := models.TerminalStatus(res.Success, entry.DryRun)
	var errMsg, errCode *string
	if !res.Success {
		errMsg, errCode = res.ErrorPtr(), res.CodePtr()
	}
	stats := res.StatsJSON()

	if err := s.queue.Finalize(ctx, q, entry.ID, status, errMsg, errCode, stats); err != nil {
		return nil, err
	}

	records := facts.records
	if res.Stats != nil {
		records = res.Stats.TotalRows
	}
	outcome := audit.RestoreOutcome{
		QueueID:   entry.ID,
		CompanyID: entry.CompanyID,
		Status:    status,
		DryRun:    entry.DryRun,
		Stats:     stats,
		Records:   records,
		Checksum:  facts.checksum,
		ArchiveID: entry.ArchiveID,
		Reason:    reason,
	}
	if !res.Success {
		outcome.Error = res.Error
		outcome.Code = string(res.Code)
	}

	log, err := audit.RestoreEntry(actor, outcome)
	if err != nil {
		return nil, err
	}
	if err := s.recorder.RecordWith(ctx, q, log); err != nil {
		return nil, fmt.Errorf("failed to write restore audit entry: %w", err)
	}
	return log, nil
}

// ReapStale fails PENDING entries created before cutoff. Each is finalized FAILED with
// an audit entry so abandoned restores show up in the failure history. It returns how
// many entries were reaped.
func (s *RestoreService) ReapStale(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	stale, err := s.queue.ListStalePending(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, entry := range stale {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		res := &restore.Result{Code: restore.CodeTimeout, Error: restoreAbandoned}
		err := s.finalize(ctx, entry, res, audit.Actor{}, snapshotFacts{}, reapReason)
		if errors.Is(err, repositories.ErrQueueEntryNotPending) {
			continue
		}
		if err != nil {
			slog.Warn("failed to reap stale restore", "queue_id", entry.ID, "company_id", entry.CompanyID, "error", err)
			continue
		}
		reaped++
		telemetry.RestoresReapedTotal.Inc()
		telemetry.RestoresTotal.WithLabelValues(entry.Mode(), string(models.RestoreStatusFailed)).Inc()
		slog.Warn("stale restore reaped", "queue_id", entry.ID, "company_id", entry.CompanyID,
			"age", time.Since(entry.CreatedAt).Round(time.Second))
	}
	return reaped, nil
}

// verifySignature checks the detached signature when signatures are required.
func (s *RestoreService) verifySignature(raw []byte, signature string) error {
	if !s.cfg.RequireSignature {
		return nil
	}
	err := errors.New("signature is required")
	if signature != "" {
		err = validation.VerifyArmoredSignature(s.publicKey, raw, signature)
	}
	if err != nil {
		telemetry.SnapshotValidationFailuresTotal.WithLabelValues(string(snapshot.StageSignature)).Inc()
		return snapshot.SignatureError(err)
	}
	return nil
}

// GetStatus returns a queue entry without its snapshot payload.
func (s *RestoreService) GetStatus(ctx context.Context, queueID uuid.UUID) (*models.RestoreQueueEntry, error) {
	entry, err := s.queue.GetSummary(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueEntryNotFound, queueID)
	}
	return entry, nil
}

// History lists queue entries newest first.
func (s *RestoreService) History(ctx context.Context, filters repositories.RestoreFilters, limit, offset int) ([]*models.RestoreQueueEntry, int, error) {
	return s.queue.List(ctx, filters, limit, offset)
}

// snapshotFacts are the metadata fields copied into restore audit entries.
type snapshotFacts struct {
	records  int64
	checksum string
}

// readFacts decodes only the metadata block; undecodable snapshots yield zero facts
// and are rejected by validation.
func readFacts(raw []byte) snapshotFacts {
	var doc struct {
		Metadata struct {
			TotalRecords int64  `json:"total_records"`
			Checksum     string `json:"checksum"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return snapshotFacts{}
	}
	return snapshotFacts{records: doc.Metadata.TotalRecords, checksum: doc.Metadata.Checksum}
}
