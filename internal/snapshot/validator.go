package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/erp-backup/backup-service/internal/validation"
	"github.com/erp-backup/backup-service/pkg/checksum"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/jinzhu/inflection"
)

// ValidatorOptions configures a Validator.
type ValidatorOptions struct {
	// SupportedVersions is a go-version constraint on metadata.version.
	SupportedVersions string
	// SupportedSchemaVersions is a go-version constraint on metadata.schema_version.
	SupportedSchemaVersions string
	// MaxViolations caps the violations reported per stage; 0 means no cap.
	MaxViolations int
}

// Validator checks a snapshot against a restore target before anything is written.
type Validator struct {
	registry       *Registry
	versions       version.Constraints
	schemaVersions version.Constraints
	maxViolations  int
}

// NewValidator creates a Validator over reg.
func NewValidator(reg *Registry, opts ValidatorOptions) (*Validator, error) {
	versions, err := validation.ParseConstraints(opts.SupportedVersions)
	if err != nil {
		return nil, fmt.Errorf("supported versions: %w", err)
	}
	schemaVersions, err := validation.ParseConstraints(opts.SupportedSchemaVersions)
	if err != nil {
		return nil, fmt.Errorf("supported schema versions: %w", err)
	}
	return &Validator{
		registry:       reg,
		versions:       versions,
		schemaVersions: schemaVersions,
		maxViolations:  opts.MaxViolations,
	}, nil
}

// Registry returns the table registry the validator checks against.
func (v *Validator) Registry() *Registry {
	return v.registry
}

// Validate runs every stage in order and returns the first failing stage's
// *ValidationError, or nil when the snapshot may be restored into target.
func (v *Validator) Validate(snap *Snapshot, target uuid.UUID) error {
	stages := []struct {
		stage Stage
		check func(*collector, *Snapshot, uuid.UUID)
	}{
		{StageFormat, v.checkFormat},
		{StageCompany, v.checkCompany},
		{StageShape, v.checkShape},
		{StageRows, v.checkRows},
		{StageReferences, v.checkReferences},
		{StageTotals, v.checkTotals},
		{StageIntegrity, v.checkIntegrity},
	}
	for _, s := range stages {
		c := &collector{stage: s.stage, max: v.maxViolations}
		s.check(c, snap, target)
		if err := c.err(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkFormat(c *collector, snap *Snapshot, _ uuid.UUID) {
	check := func(field, value string, constraints version.Constraints) {
		if value == "" {
			c.addf(ErrUnsupportedVersion, "metadata.%s is missing", field)
			return
		}
		ok, err := validation.SatisfiesConstraints(value, constraints)
		if err != nil {
			c.addf(ErrUnsupportedVersion, "metadata.%s %q is not a version", field, value)
			return
		}
		if !ok {
			c.addf(ErrUnsupportedVersion, "metadata.%s %s does not satisfy %s", field, value, constraints)
		}
	}
	check("version", snap.Metadata.Version, v.versions)
	check("schema_version", snap.Metadata.SchemaVersion, v.schemaVersions)
}

func (v *Validator) checkCompany(c *collector, snap *Snapshot, target uuid.UUID) {
	id, err := uuid.Parse(snap.Metadata.CompanyID)
	if err != nil {
		c.addf(ErrCompanyMismatch, "metadata.company_id %q is not a valid id", snap.Metadata.CompanyID)
		return
	}
	if id != target {
		c.addf(ErrCompanyMismatch, "metadata.company_id %s does not match restore target %s", id, target)
	}
}

func (v *Validator) checkShape(c *collector, snap *Snapshot, _ uuid.UUID) {
	if len(snap.SchemaInfo.Tables) == 0 {
		c.addf(ErrMissingTableData, "schema_info.tables is empty")
		return
	}

	listed := make(map[string]bool, len(snap.SchemaInfo.Tables))
	for _, table := range snap.SchemaInfo.Tables {
		if listed[table] {
			c.addf(ErrUnlistedTable, "table %s is listed twice", table)
			continue
		}
		listed[table] = true

		if _, ok := v.registry.Table(table); !ok {
			c.addf(ErrUnknownTable, "table %s cannot be restored", table)
			continue
		}
		rows, ok := snap.Data[table]
		if !ok {
			c.addf(ErrMissingTableData, "data has no entry for listed table %s", table)
		} else if rows == nil {
			c.addf(ErrMissingTableData, "data.%s must be an array", table)
		}
	}

	for table := range snap.Data {
		if !listed[table] {
			c.addf(ErrUnlistedTable, "data.%s is not listed in schema_info.tables", table)
		}
	}
}

func (v *Validator) checkRows(c *collector, snap *Snapshot, target uuid.UUID) {
	for _, table := range v.registry.Sort(snap.SchemaInfo.Tables) {
		spec, _ := v.registry.Table(table)
		seen := make(map[uuid.UUID]int, len(snap.Data[table]))

		for i, row := range snap.Data[table] {
			if row == nil {
				c.addRow(table, i, "", ErrInvalidValue, "row is not an object")
				continue
			}

			if raw, ok := row[CompanyColumn]; ok && raw != nil {
				s, _ := raw.(string)
				if id, err := uuid.Parse(s); err != nil || id != target {
					c.addRow(table, i, CompanyColumn, ErrCompanyMismatch,
						"company_id %v does not match restore target %s", raw, target)
				}
			}

			for _, col := range spec.RequiredColumns() {
				if isBlank(row[col]) {
					c.addRow(table, i, col, ErrMissingColumn, "missing required column %s", col)
				}
			}

			for _, name := range sortedColumns(row) {
				value := row[name]
				col, ok := spec.Column(name)
				if !ok {
					c.addRow(table, i, name, ErrUnknownColumn, "unknown column %s", name)
					continue
				}
				if value == nil || name == CompanyColumn {
					continue
				}
				if msg := checkValue(col, value); msg != "" {
					c.addRow(table, i, name, ErrInvalidValue, "column %s %s", name, msg)
				}
			}

			if pkStr, ok := row[spec.PrimaryKey].(string); ok {
				if id, err := uuid.Parse(pkStr); err == nil {
					if first, dup := seen[id]; dup {
						c.addRow(table, i, spec.PrimaryKey, ErrDuplicateKey,
							"%s %s repeats row %d", spec.PrimaryKey, id, first+1)
					} else {
						seen[id] = i
					}
				}
			}
		}
	}
}

// checkReferences requires foreign keys to resolve within the snapshot whenever the
// referenced table is part of it. References into tables the snapshot does not carry
// are resolved against the target company by the restore engine.
func (v *Validator) checkReferences(c *collector, snap *Snapshot, _ uuid.UUID) {
	ids := make(map[string]map[uuid.UUID]bool)
	for _, table := range snap.SchemaInfo.Tables {
		spec, _ := v.registry.Table(table)
		set := make(map[uuid.UUID]bool, len(snap.Data[table]))
		for _, row := range snap.Data[table] {
			if id, ok := rowUUID(row, spec.PrimaryKey); ok {
				set[id] = true
			}
		}
		ids[table] = set
	}

	for _, table := range v.registry.Sort(snap.SchemaInfo.Tables) {
		spec, _ := v.registry.Table(table)
		for _, fk := range spec.ForeignKeys() {
			targets, present := ids[fk.References]
			if !present {
				continue
			}
			for i, row := range snap.Data[table] {
				id, ok := rowUUID(row, fk.Name)
				if ok && !targets[id] {
					c.addRow(table, i, fk.Name, ErrDanglingReference,
						"%s %s has no matching %s in the snapshot", fk.Name, id, inflection.Singular(fk.References))
				}
			}
		}
	}
}

func (v *Validator) checkTotals(c *collector, snap *Snapshot, _ uuid.UUID) {
	if got := snap.RecordCount(); got != snap.Metadata.TotalRecords {
		c.addf(ErrRecordCount, "metadata.total_records is %d but data holds %d rows", snap.Metadata.TotalRecords, got)
	}
}

func (v *Validator) checkIntegrity(c *collector, snap *Snapshot, _ uuid.UUID) {
	if snap.Metadata.Checksum == "" {
		c.addf(ErrChecksumMismatch, "metadata.checksum is missing")
		return
	}
	sum, err := snap.ComputeChecksum()
	if err != nil {
		c.addf(ErrChecksumMismatch, "data cannot be hashed: %v", err)
		return
	}
	if !checksum.Equal(sum, snap.Metadata.Checksum) {
		c.addf(ErrChecksumMismatch, "metadata.checksum does not match data")
	}
}

func sortedColumns(row Row) []string {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func rowUUID(row Row, column string) (uuid.UUID, bool) {
	s, ok := row[column].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	return id, err == nil
}

func isBlank(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// checkValue returns a description of why value does not fit col, or "".
func checkValue(col Column, value interface{}) string {
	switch col.Type {
	case TypeUUID:
		s, ok := value.(string)
		if !ok {
			return "must be a uuid string"
		}
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Sprintf("%q is not a valid uuid", s)
		}
	case TypeText:
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		if len(col.Enum) > 0 && !contains(col.Enum, s) {
			return fmt.Sprintf("%q is not one of %s", s, strings.Join(col.Enum, ", "))
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case TypeNumeric:
		switch n := value.(type) {
		case json.Number:
			if _, err := n.Float64(); err != nil {
				return fmt.Sprintf("%q is not a number", n.String())
			}
		case float64, int, int64:
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
				return fmt.Sprintf("%q is not a number", n)
			}
		default:
			return "must be a number"
		}
	case TypeDate:
		s, ok := value.(string)
		if !ok {
			return "must be a date string"
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
				return fmt.Sprintf("%q is not a date", s)
			}
		}
	case TypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return "must be a timestamp string"
		}
		for _, layout := range timestampLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return ""
			}
		}
		return fmt.Sprintf("%q is not a timestamp", s)
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
