package restore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/snapshot"
	"github.com/erp-backup/backup-service/internal/telemetry"
)

// Finalizer runs inside the apply transaction after every row is written and before
// commit. An error rolls the whole restore back.
type Finalizer func(ctx context.Context, tx *sqlx.Tx, entry *models.RestoreQueueEntry, res *Result) error

// Engine validates and applies queued snapshots.
type Engine struct {
	db        *sqlx.DB
	queue     *repositories.RestoreQueueRepository
	validator *snapshot.Validator
}

// NewEngine creates a restore engine.
func NewEngine(db *sqlx.DB, queue *repositories.RestoreQueueRepository, validator *snapshot.Validator) *Engine {
	return &Engine{db: db, queue: queue, validator: validator}
}

// Restore validates the snapshot held by a PENDING queue entry and then either reports
// the changes it would make (dryRun) or applies them atomically. It never modifies the
// queue entry itself.
func (e *Engine) Restore(ctx context.Context, queueID uuid.UUID, dryRun bool) *Result {
	return e.RestoreWith(ctx, queueID, dryRun, nil)
}

// RestoreWith is Restore with a Finalizer run inside the apply transaction of a
// successful real run.
func (e *Engine) RestoreWith(ctx context.Context, queueID uuid.UUID, dryRun bool, fin Finalizer) *Result {
	started := time.Now()

	entry, err := e.queue.GetByID(ctx, queueID)
	if err != nil {
		return e.fail(ctx, CodeInternal, err)
	}
	if entry == nil {
		return failure(CodeNotFound, fmt.Sprintf("restore queue entry %s not found", queueID))
	}
	if entry.Status != models.RestoreStatusPending {
		return failure(CodeInvalidState, fmt.Sprintf("restore queue entry %s is %s, not PENDING", queueID, entry.Status))
	}

	snap, res := e.validate(entry)
	if res != nil {
		res.CompanyID = entry.CompanyID.String()
		return res.finish(started)
	}

	plans, err := buildPlan(e.validator.Registry(), snap, entry.CompanyID)
	if err != nil {
		return planFailure(err, entry.CompanyID).finish(started)
	}
	refs := externalRefs(e.validator.Registry(), snap)

	stats := newStats(dryRun, e.validator.Registry().Sort(snap.SchemaInfo.Tables))
	stats.TotalRows = snap.RecordCount()

	if dryRun {
		res = e.dryRun(ctx, entry, plans, refs, stats)
	} else {
		res = e.apply(ctx, entry, plans, refs, stats, fin)
	}
	res.CompanyID = entry.CompanyID.String()
	return res.finish(started)
}

func (e *Engine) validate(entry *models.RestoreQueueEntry) (*snapshot.Snapshot, *Result) {
	snap, err := snapshot.ParseBytes(entry.BackupData)
	if err != nil {
		telemetry.SnapshotValidationFailuresTotal.WithLabelValues(string(snapshot.StageFormat)).Inc()
		return nil, &Result{Code: CodeValidationFailed, Stage: string(snapshot.StageFormat), Error: err.Error()}
	}
	if err := e.validator.Validate(snap, entry.CompanyID); err != nil {
		stage := snapshot.StageOf(err)
		telemetry.SnapshotValidationFailuresTotal.WithLabelValues(string(stage)).Inc()
		return nil, &Result{Code: CodeValidationFailed, Stage: string(stage), Error: err.Error()}
	}
	return snap, nil
}

// dryRun counts which rows exist already inside a read-only transaction.
func (e *Engine) dryRun(ctx context.Context, entry *models.RestoreQueueEntry, plans []*tablePlan, refs []externalRef, stats *Stats) *Result {
	tx, err := e.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to begin read-only transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	company := entry.CompanyID.String()
	if res := e.checkExternalRefs(ctx, tx, refs, company, stats); res != nil {
		return res
	}
	for _, p := range plans {
		ts := stats.table(p.table.Name)
		ts.Rows = len(p.ids)
		if len(p.ids) == 0 {
			continue
		}

		var existing []struct {
			ID        string `db:"id"`
			CompanyID string `db:"company_id"`
		}
		if err := tx.SelectContext(ctx, &existing, existingSQL(p.table), pq.Array(p.ids)); err != nil {
			return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to inspect %s: %w", p.table.Name, err))
		}

		var foreign []string
		for _, row := range existing {
			if row.CompanyID != company {
				foreign = append(foreign, row.ID)
			}
		}
		if len(foreign) > 0 {
			return &Result{Code: CodeApplyFailed, Stats: stats, Error: foreignRowsError(p.table.Name, foreign).Error()}
		}

		ts.WouldUpdate = len(existing)
		ts.WouldInsert = ts.Rows - ts.WouldUpdate
	}

	return &Result{Success: true, Stats: stats}
}

// apply upserts every planned row in one transaction holding the company's advisory lock.
func (e *Engine) apply(ctx context.Context, entry *models.RestoreQueueEntry, plans []*tablePlan, refs []externalRef, stats *Stats, fin Finalizer) *Result {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback() //nolint:errcheck
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, AdvisoryKey(entry.CompanyID)); err != nil {
		return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to lock company: %w", err))
	}

	locked, err := e.queue.GetForUpdate(ctx, tx, entry.ID)
	if err != nil {
		return e.fail(ctx, CodeApplyFailed, err)
	}
	if locked == nil {
		return failure(CodeNotFound, fmt.Sprintf("restore queue entry %s not found", entry.ID))
	}
	if locked.Status != models.RestoreStatusPending {
		return failure(CodeInvalidState, fmt.Sprintf("restore queue entry %s is %s, not PENDING", entry.ID, locked.Status))
	}

	if _, err := tx.ExecContext(ctx, `SET CONSTRAINTS ALL DEFERRED`); err != nil {
		return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to defer constraints: %w", err))
	}

	if res := e.checkExternalRefs(ctx, tx, refs, entry.CompanyID.String(), stats); res != nil {
		return res
	}

	for _, p := range plans {
		ts := stats.table(p.table.Name)
		ts.Rows = len(p.ids)
		for _, b := range p.batches {
			var inserted []bool
			if err := tx.SelectContext(ctx, &inserted, upsertSQL(p.table, b), b.args()...); err != nil {
				return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to restore %s: %w", p.table.Name, err))
			}
			if len(inserted) != len(b.values) {
				return &Result{Code: CodeApplyFailed, Stats: stats,
					Error: fmt.Sprintf("%d %s rows belong to another company", len(b.values)-len(inserted), p.table.Name)}
			}
			for _, ins := range inserted {
				if ins {
					ts.Inserted++
				} else {
					ts.Updated++
				}
			}
		}
		slog.Debug("restored table", "queue_id", entry.ID, "table", p.table.Name,
			"inserted", ts.Inserted, "updated", ts.Updated)
	}

	res := &Result{Success: true, Stats: stats}
	if fin != nil {
		if err := fin(ctx, tx, entry, res); err != nil {
			return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to finalize restore: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to commit restore: %w", err))
	}
	committed = true
	res.Finalized = fin != nil

	for name, ts := range stats.Tables {
		telemetry.RestoreRowsAppliedTotal.WithLabelValues(name, "insert").Add(float64(ts.Inserted))
		telemetry.RestoreRowsAppliedTotal.WithLabelValues(name, "update").Add(float64(ts.Updated))
	}
	return res
}

// planFailure reports rows that passed validation but cannot be bound.
func planFailure(err error, companyID uuid.UUID) *Result {
	res := failure(CodeValidationFailed, err.Error())
	res.Stage = string(snapshot.StageRows)
	res.CompanyID = companyID.String()
	return res
}

// checkExternalRefs requires every row the snapshot references outside its own tables
// to exist and to belong to the target company.
func (e *Engine) checkExternalRefs(ctx context.Context, tx *sqlx.Tx, refs []externalRef, company string, stats *Stats) *Result {
	for _, ref := range refs {
		var existing []struct {
			ID        string `db:"id"`
			CompanyID string `db:"company_id"`
		}
		if err := tx.SelectContext(ctx, &existing, existingSQL(ref.table), pq.Array(ref.ids)); err != nil {
			return e.fail(ctx, CodeApplyFailed, fmt.Errorf("failed to resolve %s references: %w", ref.table.Name, err))
		}

		found := make(map[string]bool, len(existing))
		var foreign []string
		for _, row := range existing {
			found[row.ID] = true
			if row.CompanyID != company {
				foreign = append(foreign, row.ID)
			}
		}
		if len(foreign) > 0 {
			return &Result{Code: CodeApplyFailed, Stage: string(snapshot.StageReferences), Stats: stats,
				Error: fmt.Sprintf("referenced %s", foreignRowsError(ref.table.Name, foreign))}
		}

		var missing []string
		for _, id := range ref.ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return &Result{Code: CodeApplyFailed, Stage: string(snapshot.StageReferences), Stats: stats,
				Error: fmt.Sprintf("referenced %s rows %s do not exist", ref.table.Name, joinIDs(missing))}
		}
	}
	return nil
}

// fail maps err to a result, reporting an expired context as a timeout.
func (e *Engine) fail(ctx context.Context, code Code, err error) *Result {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return failure(CodeTimeout, "restore timed out: "+err.Error())
		}
		return failure(CodeTimeout, "restore canceled: "+err.Error())
	}
	return failure(code, err.Error())
}

// AdvisoryKey maps a company to the key of its transaction-scoped advisory lock.
func AdvisoryKey(companyID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(companyID[:8]))
}

func foreignRowsError(table string, ids []string) error {
	return fmt.Errorf("%s rows %s belong to another company", table, joinIDs(ids))
}

func joinIDs(ids []string) string {
	if len(ids) > 5 {
		ids = append(ids[:5:5], "...")
	}
	return strings.Join(ids, ", ")
}
