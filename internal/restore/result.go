// Package restore applies validated snapshots to the database. A restore either reports
// what it would change (dry run) or upserts every row in one transaction.
package restore

import (
	"encoding/json"
	"time"
)

// Code classifies a failed restore.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeInvalidState     Code = "invalid_state"
	CodeValidationFailed Code = "validation_failed"
	CodeApplyFailed      Code = "apply_failed"
	CodeTimeout          Code = "timeout"
	CodeInternal         Code = "internal_error"
)

// TableStats counts the rows of one table. Dry runs fill the would_* fields.
type TableStats struct {
	Rows        int `json:"rows"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	WouldInsert int `json:"would_insert,omitempty"`
	WouldUpdate int `json:"would_update,omitempty"`
}

// Stats summarizes a restore attempt.
type Stats struct {
	DryRun     bool                   `json:"dry_run"`
	Order      []string               `json:"order"`
	Tables     map[string]*TableStats `json:"tables"`
	TotalRows  int64                  `json:"total_rows"`
	DurationMS int64                  `json:"duration_ms"`
}

func newStats(dryRun bool, order []string) *Stats {
	return &Stats{DryRun: dryRun, Order: order, Tables: make(map[string]*TableStats, len(order))}
}

func (s *Stats) table(name string) *TableStats {
	ts, ok := s.Tables[name]
	if !ok {
		ts = &TableStats{}
		s.Tables[name] = ts
	}
	return ts
}

// Result is the outcome of one Restore call. Failures never escape as panics or errors;
// they are described by Code and Error.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    Code   `json:"code,omitempty"`
	// Stage names the failing check: a validation stage, or references when a row
	// outside the snapshot cannot be used.
	Stage string `json:"stage,omitempty"`
	Stats *Stats `json:"stats,omitempty"`

	// Finalized is set when a Finalizer committed the queue transition together with
	// the applied data.
	Finalized bool `json:"-"`
	// CompanyID is the restore target read from the queue entry.
	CompanyID string `json:"-"`
}

// StatsJSON encodes the stats for storage on the queue entry; nil when absent.
func (r *Result) StatsJSON() json.RawMessage {
	if r == nil || r.Stats == nil {
		return nil
	}
	b, err := json.Marshal(r.Stats)
	if err != nil {
		return nil
	}
	return b
}

// ErrorPtr returns the error message, or nil on success.
func (r *Result) ErrorPtr() *string {
	if r.Error == "" {
		return nil
	}
	msg := r.Error
	return &msg
}

// CodePtr returns the code as a string, or nil on success.
func (r *Result) CodePtr() *string {
	if r.Code == "" {
		return nil
	}
	c := string(r.Code)
	return &c
}

func failure(code Code, msg string) *Result {
	return &Result{Code: code, Error: msg}
}

func (r *Result) finish(started time.Time) *Result {
	if r.Stats != nil {
		r.Stats.DurationMS = time.Since(started).Milliseconds()
	}
	return r
}
