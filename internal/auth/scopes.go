// Package auth - scopes.go defines the permission scopes for backup operations and the
// HasScope family of helpers.
package auth

import (
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// ScopeBackupRead allows listing restore history and archives.
	ScopeBackupRead Scope = "backup:read"
	// ScopeBackupExport allows producing snapshots and archives.
	ScopeBackupExport Scope = "backup:export"
	// ScopeBackupRestore allows dry-run and real restores.
	ScopeBackupRestore Scope = "backup:restore"

	// ScopeAuditRead allows reading audit logs.
	ScopeAuditRead Scope = "audit:read"

	// ScopeAdmin is the wildcard scope.
	ScopeAdmin Scope = "admin"
)

// impliedBy lists, for each scope, the broader scopes that also grant it.
var impliedBy = map[Scope][]Scope{
	ScopeBackupRead:   {ScopeBackupExport, ScopeBackupRestore},
	ScopeBackupExport: {ScopeBackupRestore},
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeBackupRead,
		ScopeBackupExport,
		ScopeBackupRestore,
		ScopeAuditRead,
		ScopeAdmin,
	}
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	valid := make(map[string]bool, len(AllScopes()))
	for _, s := range AllScopes() {
		valid[string(s)] = true
	}
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if a caller holds a required scope, honouring the admin wildcard and
// the restore > export > read hierarchy.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if scope == string(required) || scope == string(ScopeAdmin) {
			return true
		}
		for _, broader := range impliedBy[required] {
			if scope == string(broader) {
				return true
			}
		}
	}
	return false
}

// HasAnyScope checks if a caller has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}
