// Package backup implements the HTTP handlers for snapshot export, restore, restore
// history, archive access and the audit log. Every handler requires authentication; the
// router applies the scope check and each handler resolves the company it acts on.
package backup

import (
	"context"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/audit"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/middleware"
	"github.com/erp-backup/backup-service/internal/restore"
	"github.com/erp-backup/backup-service/internal/services"
	"github.com/erp-backup/backup-service/internal/snapshot"
	"github.com/erp-backup/backup-service/internal/tenant"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// restoreEnvelopeBytes covers the restore request fields around the snapshot.
	restoreEnvelopeBytes = 64 << 10
)

// RestoreRunner is the part of services.RestoreService the handlers call.
type RestoreRunner interface {
	Run(ctx context.Context, req services.RestoreRequest) (*restore.Result, uuid.UUID, error)
	GetStatus(ctx context.Context, queueID uuid.UUID) (*models.RestoreQueueEntry, error)
	History(ctx context.Context, filters repositories.RestoreFilters, limit, offset int) ([]*models.RestoreQueueEntry, int, error)
}

// Archiver is the part of services.ArchiveService the handlers call.
type Archiver interface {
	Export(ctx context.Context, companyID uuid.UUID, actor audit.Actor) (*snapshot.Snapshot, error)
	Archive(ctx context.Context, companyID uuid.UUID, actor audit.Actor) (*models.SnapshotArchive, error)
	List(ctx context.Context, companyID uuid.UUID, limit, offset int) ([]*models.SnapshotArchive, int, error)
	Open(ctx context.Context, companyID, archiveID uuid.UUID) (io.ReadCloser, *models.SnapshotArchive, error)
}

// AuditLister reads the audit log.
type AuditLister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

var (
	_ RestoreRunner = (*services.RestoreService)(nil)
	_ Archiver      = (*services.ArchiveService)(nil)
	_ AuditLister   = (*repositories.AuditRepository)(nil)
)

// Handlers serves the backup API.
type Handlers struct {
	restores RestoreRunner
	archives Archiver
	audit    AuditLister
	resolver *tenant.Resolver

	limiter      middleware.Limiter
	restoreLimit middleware.Limit
	maxBody      int64
}

// NewHandlers creates the backup handlers. archives may be nil when no storage backend
// is configured; the export endpoint then only returns inline snapshots.
func NewHandlers(restores RestoreRunner, archives Archiver, auditLogs AuditLister, resolver *tenant.Resolver) *Handlers {
	return &Handlers{
		restores: restores,
		archives: archives,
		audit:    auditLogs,
		resolver: resolver,
	}
}

// SetMaxSnapshotBytes bounds the restore request body. The request envelope and an
// armored signature are allowed on top of the snapshot. Zero leaves the body unbounded.
func (h *Handlers) SetMaxSnapshotBytes(n int64) {
	if n <= 0 {
		h.maxBody = 0
		return
	}
	h.maxBody = n + restoreEnvelopeBytes
}

// SetRestoreLimit caps restores per company. A zero rate disables the cap.
func (h *Handlers) SetRestoreLimit(limiter middleware.Limiter, limit middleware.Limit) {
	h.limiter = limiter
	h.restoreLimit = limit
}

// actorFrom describes the caller for audit entries.
func actorFrom(c *gin.Context) audit.Actor {
	actor := audit.Actor{IPAddress: c.ClientIP()}
	if p, ok := middleware.PrincipalFrom(c); ok {
		actor.UserID = p.UserID
	}
	if v, ok := c.Get(middleware.UserKey); ok {
		if u, ok := v.(*models.User); ok && u != nil {
			actor.Email = u.Email
			actor.Name = u.Name
		}
	}
	return actor
}

// pagination reads limit and offset, clamping limit to [1, maxPageSize].
func pagination(c *gin.Context) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 1 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paginated(items any, total, limit, offset int) gin.H {
	return gin.H{
		"items": items,
		"pagination": gin.H{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	}
}

// companyOf returns the company resolved by middleware.RequireCompany.
func companyOf(c *gin.Context) uuid.UUID {
	cc, _ := middleware.CompanyFrom(c)
	if cc == nil {
		return uuid.Nil
	}
	return cc.CompanyID
}
