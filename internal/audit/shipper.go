// Package audit records restore outcomes and other sensitive operations in the
// append-only audit_logs table and copies them to external destinations (webhook,
// rotating file) for SIEM ingestion. The database row is the record of truth; shipping
// is best effort and never blocks or fails a restore.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/erp-backup/backup-service/internal/config"
	"github.com/erp-backup/backup-service/internal/db/models"
)

// LogEntry is the shipped form of an audit row.
type LogEntry struct {
	ID               string                 `json:"id"`
	Timestamp        time.Time              `json:"timestamp"`
	Action           string                 `json:"action"`
	CompanyID        string                 `json:"company_id,omitempty"`
	UserID           string                 `json:"user_id,omitempty"`
	UserEmail        string                 `json:"user_email,omitempty"`
	TargetTable      string                 `json:"target_table,omitempty"`
	RecordID         string                 `json:"record_id,omitempty"`
	RecordIdentifier string                 `json:"record_identifier,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	IPAddress        string                 `json:"ip_address,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// NewLogEntry converts a stored audit row for shipping.
func NewLogEntry(a *models.AuditLog) *LogEntry {
	e := &LogEntry{
		ID:        a.ID.String(),
		Timestamp: a.CreatedAt,
		Action:    a.Action,
	}
	if a.CompanyID != nil {
		e.CompanyID = a.CompanyID.String()
	}
	if a.UserID != nil {
		e.UserID = a.UserID.String()
	}
	e.UserEmail = deref(a.UserEmail)
	e.TargetTable = deref(a.TargetTable)
	e.RecordID = deref(a.RecordID)
	e.RecordIdentifier = deref(a.RecordIdentifier)
	e.Reason = deref(a.Reason)
	e.IPAddress = deref(a.IPAddress)
	if len(a.NewData) > 0 {
		e.Metadata = map[string]interface{}{"new_data": a.NewData}
	}
	return e
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Shipper defines the interface for audit log shipping
type Shipper interface {
	// Ship sends an audit log entry to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close flushes pending entries and releases resources
	Close() error
}

// MultiShipper ships to every configured destination
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper creates the enabled shippers from configuration.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{shippers: make([]Shipper, 0, len(configs))}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			ms.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Len returns the number of active shippers.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends an entry to all configured shippers. Every shipper is attempted; the
// failures are returned together.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var result *multierror.Error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipper error", "action", entry.Action, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var result *multierror.Error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	ms.shippers = nil
	return result.ErrorOrNil()
}
