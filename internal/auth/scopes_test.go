package auth

import "testing"

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"empty list", []string{}, false},
		{"single valid scope", []string{"backup:read"}, false},
		{"multiple valid scopes", []string{"backup:restore", "audit:read", "admin"}, false},
		{"invalid scope", []string{"modules:read"}, true},
		{"empty string scope", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name       string
		userScopes []string
		required   Scope
		want       bool
	}{
		{"exact match", []string{"backup:read"}, ScopeBackupRead, true},
		{"admin wildcard", []string{"admin"}, ScopeBackupRestore, true},
		{"restore implies read", []string{"backup:restore"}, ScopeBackupRead, true},
		{"restore implies export", []string{"backup:restore"}, ScopeBackupExport, true},
		{"export implies read", []string{"backup:export"}, ScopeBackupRead, true},
		{"read does not imply restore", []string{"backup:read"}, ScopeBackupRestore, false},
		{"export does not imply restore", []string{"backup:export"}, ScopeBackupRestore, false},
		{"backup scopes do not grant audit", []string{"backup:restore"}, ScopeAuditRead, false},
		{"no scopes", nil, ScopeBackupRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.userScopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.userScopes, tt.required, got, tt.want)
			}
		})
	}
}

func TestHasAnyScope(t *testing.T) {
	if !HasAnyScope([]string{"audit:read"}, []Scope{ScopeBackupRead, ScopeAuditRead}) {
		t.Error("HasAnyScope() = false, want true when one scope matches")
	}
	if HasAnyScope([]string{"audit:read"}, []Scope{ScopeBackupRead, ScopeBackupExport}) {
		t.Error("HasAnyScope() = true, want false when nothing matches")
	}
}
