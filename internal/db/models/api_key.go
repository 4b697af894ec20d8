package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// APIKey is a machine credential scoped to one company
type APIKey struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	UserID     *uuid.UUID     `json:"user_id,omitempty" db:"user_id"` // nil for service keys
	CompanyID  uuid.UUID      `json:"company_id" db:"company_id"`
	Name       string         `json:"name" db:"name"`
	KeyHash    string         `json:"-" db:"key_hash"`
	KeyPrefix  string         `json:"key_prefix" db:"key_prefix"`
	Scopes     pq.StringArray `json:"scopes" db:"scopes"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the key has an expiry in the past.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}
