package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"github.com/lib/pq"

	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/safego"
	"github.com/erp-backup/backup-service/internal/telemetry"
)

const (
	restoreTargetTable = "restore_queue"
	archiveTargetTable = "snapshot_archives"
	shipTimeout        = 15 * time.Second
)

// Actor identifies who triggered an audited operation. A zero Actor is the system.
type Actor struct {
	UserID    *uuid.UUID
	Email     string
	Name      string
	IPAddress string
}

// RestoreOutcome describes a restore at the moment it is finalized.
type RestoreOutcome struct {
	QueueID   uuid.UUID
	CompanyID uuid.UUID
	Status    models.RestoreStatus
	DryRun    bool
	Error     string
	Code      string
	Stats     json.RawMessage
	Records   int64
	Checksum  string
	ArchiveID *uuid.UUID
	// Reason explains system-initiated outcomes, e.g. a reaped restore.
	Reason string
}

// ExportOutcome describes a produced snapshot.
type ExportOutcome struct {
	CompanyID   uuid.UUID
	ArchiveID   *uuid.UUID
	Destination string
	Records     int64
	Checksum    string
}

// RestoreEntry builds the audit row for a finalized restore. The action encodes the
// outcome, so the terminal status alone decides it.
func RestoreEntry(actor Actor, o RestoreOutcome) (*models.AuditLog, error) {
	newData := map[string]interface{}{
		"status":  o.Status,
		"dry_run": o.DryRun,
	}
	if o.Error != "" {
		newData["error"] = o.Error
	}
	if o.Code != "" {
		newData["code"] = o.Code
	}
	if len(o.Stats) > 0 {
		newData["stats"] = o.Stats
	}
	if o.Checksum != "" {
		newData["checksum"] = o.Checksum
	}
	if o.ArchiveID != nil {
		newData["archive_id"] = o.ArchiveID.String()
	}

	changed := pq.StringArray{"status", "finished_at"}
	if o.Error != "" {
		changed = append(changed, "error_message")
	}

	mode := "restore"
	if o.DryRun {
		mode = "dry-run restore"
	}

	entry, err := newEntry(actor, o.CompanyID, models.RestoreAuditAction(o.Status), restoreTargetTable, o.QueueID.String(), newData)
	if err != nil {
		return nil, err
	}
	entry.RecordIdentifier = strPtr(fmt.Sprintf("%s of %s", mode, countNoun(o.Records, "record")))
	entry.OldData = models.JSONB(`{"status":"PENDING"}`)
	entry.ChangedFields = changed
	if o.Reason != "" {
		entry.Reason = strPtr(o.Reason)
	}
	return entry, nil
}

// ExportEntry builds the audit row for a snapshot export.
func ExportEntry(actor Actor, o ExportOutcome) (*models.AuditLog, error) {
	newData := map[string]interface{}{
		"destination":   o.Destination,
		"total_records": o.Records,
		"checksum":      o.Checksum,
	}
	recordID := o.CompanyID.String()
	table := "companies"
	if o.ArchiveID != nil {
		recordID = o.ArchiveID.String()
		table = archiveTargetTable
	}

	entry, err := newEntry(actor, o.CompanyID, models.AuditActionExportCreated, table, recordID, newData)
	if err != nil {
		return nil, err
	}
	entry.RecordIdentifier = strPtr("export of " + countNoun(o.Records, "record"))
	return entry, nil
}

func newEntry(actor Actor, companyID uuid.UUID, action, table, recordID string, newData map[string]interface{}) (*models.AuditLog, error) {
	raw, err := json.Marshal(newData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit data: %w", err)
	}
	company := companyID
	entry := &models.AuditLog{
		CompanyID:   &company,
		UserID:      actor.UserID,
		Action:      action,
		TargetTable: strPtr(table),
		RecordID:    strPtr(recordID),
		NewData:     models.JSONB(raw),
	}
	if actor.Email != "" {
		entry.UserEmail = strPtr(actor.Email)
	}
	if actor.Name != "" {
		entry.UserName = strPtr(actor.Name)
	}
	if actor.IPAddress != "" {
		entry.IPAddress = strPtr(actor.IPAddress)
	}
	return entry, nil
}

// countNoun renders "1 record" or "12 records".
func countNoun(n int64, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %s", n, inflection.Plural(noun))
}

func strPtr(s string) *string { return &s }

// Recorder writes audit rows and ships them once they are durable.
type Recorder struct {
	repo    *repositories.AuditRepository
	shipper Shipper
	group   safego.Group
}

// NewRecorder creates a recorder. shipper may be nil.
func NewRecorder(repo *repositories.AuditRepository, shipper Shipper) *Recorder {
	return &Recorder{repo: repo, shipper: shipper}
}

// RecordWith writes entry through q, typically the transaction that also finalizes the
// queue entry. The caller ships it after commit.
func (r *Recorder) RecordWith(ctx context.Context, q repositories.Querier, entry *models.AuditLog) error {
	if err := r.repo.RecordWith(ctx, q, entry); err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		return err
	}
	return nil
}

// Record writes entry on its own connection and ships it.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) error {
	if err := r.RecordWith(ctx, r.repo.DB(), entry); err != nil {
		return err
	}
	r.Ship(entry)
	return nil
}

// Ship copies a committed entry to the external shippers in the background.
func (r *Recorder) Ship(entry *models.AuditLog) {
	if r.shipper == nil {
		return
	}
	logEntry := NewLogEntry(entry)
	r.group.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := r.shipper.Ship(ctx, logEntry); err != nil {
			slog.Warn("failed to ship audit entry", "id", logEntry.ID, "action", logEntry.Action, "error", err)
		}
	})
}

// Close waits for in-flight shipments and closes the shippers.
func (r *Recorder) Close(ctx context.Context) error {
	waitErr := r.group.Wait(ctx)
	if r.shipper == nil {
		return waitErr
	}
	if err := r.shipper.Close(); err != nil {
		return err
	}
	return waitErr
}
