package snapshot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jinzhu/inflection"
)

// Violation kinds. Every violation wraps exactly one of these.
var (
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrCompanyMismatch    = errors.New("snapshot belongs to a different company")
	ErrChecksumMismatch   = errors.New("snapshot checksum mismatch")
	ErrUnknownTable       = errors.New("unknown table")
	ErrMissingTableData   = errors.New("missing table data")
	ErrUnlistedTable      = errors.New("table not listed in schema_info")
	ErrMissingColumn      = errors.New("missing required column")
	ErrUnknownColumn      = errors.New("unknown column")
	ErrInvalidValue       = errors.New("invalid column value")
	ErrDuplicateKey       = errors.New("duplicate primary key")
	ErrDanglingReference  = errors.New("dangling reference")
	ErrRecordCount        = errors.New("record count mismatch")
	ErrBadSignature       = errors.New("snapshot signature rejected")
)

// Stage names a validation pass. Stages run in declaration order and validation stops
// after the first stage that reports a violation.
type Stage string

const (
	StageFormat     Stage = "format"
	StageCompany    Stage = "company"
	StageShape      Stage = "shape"
	StageRows       Stage = "rows"
	StageReferences Stage = "references"
	StageTotals     Stage = "totals"
	StageIntegrity  Stage = "integrity"
	StageSignature  Stage = "signature"
)

// ValidationError reports every violation found by one stage, up to the configured limit.
type ValidationError struct {
	Stage   Stage
	Errors  *multierror.Error
	Omitted int
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("snapshot failed %s validation: %s", e.Stage, e.Errors.Error())
	if e.Omitted > 0 {
		msg += fmt.Sprintf(" (and %d more)", e.Omitted)
	}
	return msg
}

// Unwrap exposes the violations to errors.Is and errors.As.
func (e *ValidationError) Unwrap() error {
	return e.Errors.ErrorOrNil()
}

// Violations returns the individual violations.
func (e *ValidationError) Violations() []error {
	return e.Errors.WrappedErrors()
}

// StageOf returns the failing stage of a validation error, or "" for other errors.
func StageOf(err error) Stage {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Stage
	}
	return ""
}

// SignatureError wraps a signature verification failure as a validation error.
func SignatureError(err error) *ValidationError {
	merr := multierror.Append(nil, fmt.Errorf("%w: %v", ErrBadSignature, err))
	merr.ErrorFormat = joinFormat
	return &ValidationError{Stage: StageSignature, Errors: merr}
}

// RowViolation locates a violation at one row (and optionally one column) of a table.
type RowViolation struct {
	Table  string
	Row    int // zero-based
	Column string
	Err    error
	Detail string
}

func (v *RowViolation) Error() string {
	return fmt.Sprintf("%s row %d: %s", inflection.Singular(v.Table), v.Row+1, v.Detail)
}

func (v *RowViolation) Unwrap() error { return v.Err }

func joinFormat(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

// collector accumulates the violations of one stage.
type collector struct {
	stage   Stage
	max     int
	errs    *multierror.Error
	omitted int
}

func (c *collector) add(err error) {
	if c.max > 0 && c.errs != nil && len(c.errs.Errors) >= c.max {
		c.omitted++
		return
	}
	c.errs = multierror.Append(c.errs, err)
}

func (c *collector) addf(kind error, format string, args ...interface{}) {
	c.add(fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}

func (c *collector) addRow(table string, row int, column string, kind error, format string, args ...interface{}) {
	c.add(&RowViolation{Table: table, Row: row, Column: column, Err: kind, Detail: fmt.Sprintf(format, args...)})
}

func (c *collector) err() error {
	if c.errs == nil {
		return nil
	}
	c.errs.ErrorFormat = joinFormat
	return &ValidationError{Stage: c.stage, Errors: c.errs, Omitted: c.omitted}
}
