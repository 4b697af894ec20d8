package repositories

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so repository writes can join a
// transaction owned by the caller.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

var (
	_ Querier = (*sqlx.DB)(nil)
	_ Querier = (*sqlx.Tx)(nil)
)

var (
	// ErrRestoreInFlight is returned when a company already has a PENDING restore.
	ErrRestoreInFlight = errors.New("a restore is already in progress for this company")
	// ErrQueueEntryNotPending is returned when a finalize targets an entry that already
	// left PENDING.
	ErrQueueEntryNotPending = errors.New("restore queue entry is not pending")
)

const pqUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique violation on the named constraint
// (any constraint when name is empty).
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == pqUniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}

// nullJSON converts a raw JSON payload to a driver value, mapping empty payloads to NULL.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
