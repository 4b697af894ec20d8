package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrCompanyNotFound is returned when exporting a company that does not exist.
var ErrCompanyNotFound = errors.New("company not found")

// ExporterOptions sets the version stamps written into exported metadata.
type ExporterOptions struct {
	FormatVersion string
	SchemaVersion string
	SystemVersion string
}

// Exporter serializes a company's registry tables into a sealed snapshot.
type Exporter struct {
	db       *sqlx.DB
	registry *Registry
	opts     ExporterOptions
}

// NewExporter creates an Exporter.
func NewExporter(db *sqlx.DB, reg *Registry, opts ExporterOptions) *Exporter {
	return &Exporter{db: db, registry: reg, opts: opts}
}

// Export reads every registry table for companyID from one repeatable-read snapshot of
// the database. Rows come out of Postgres as JSON so numeric and date values keep their
// database text form.
func (e *Exporter) Export(ctx context.Context, companyID uuid.UUID, createdBy string) (*Snapshot, error) {
	tx, err := e.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var companyName string
	err = tx.GetContext(ctx, &companyName, `SELECT name FROM companies WHERE id = $1`, companyID)
	if err == sql.ErrNoRows {
		return nil, ErrCompanyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load company: %w", err)
	}

	data := make(map[string][]Row, len(e.registry.Order()))
	for _, table := range e.registry.Order() {
		rows, err := e.exportTable(ctx, tx, table, companyID)
		if err != nil {
			return nil, err
		}
		data[table] = rows
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish export transaction: %w", err)
	}

	return Build(Metadata{
		Version:       e.opts.FormatVersion,
		SystemVersion: e.opts.SystemVersion,
		SchemaVersion: e.opts.SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     createdBy,
		CompanyID:     companyID.String(),
		CompanyName:   companyName,
	}, data)
}

func (e *Exporter) exportTable(ctx context.Context, tx *sqlx.Tx, table string, companyID uuid.UUID) ([]Row, error) {
	query := fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s t WHERE t.company_id = $1 ORDER BY t.id`,
		pq.QuoteIdentifier(table))

	var encoded []string
	if err := tx.SelectContext(ctx, &encoded, query, companyID); err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", table, err)
	}

	rows := make([]Row, 0, len(encoded))
	for _, raw := range encoded {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		var row Row
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", table, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
