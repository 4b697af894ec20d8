package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/middleware"
	"github.com/erp-backup/backup-service/internal/services"
	"github.com/erp-backup/backup-service/internal/snapshot"
)

// ExportRequest is the body of POST /api/v1/backup/export.
type ExportRequest struct {
	CompanyID *uuid.UUID `json:"company_id"`
	// Archive stores the snapshot in object storage and returns its metadata instead
	// of the snapshot itself.
	Archive bool `json:"archive"`
}

// @Summary      Export a company snapshot
// @Description  Serializes every table of the company into a snapshot. With archive=true the snapshot is compressed, encrypted and stored, and the archive record is returned.
// @Tags         Backup
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  ExportRequest  false  "Export options"
// @Success      200  {object}  map[string]interface{}  "Snapshot document"
// @Success      201  {object}  models.SnapshotArchive  "Stored archive"
// @Failure      404  {object}  map[string]interface{}  "Company not found"
// @Failure      503  {object}  map[string]interface{}  "Archive storage not configured"
// @Router       /api/v1/backup/export [post]
func (h *Handlers) ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExportRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
				return
			}
		}

		cc, ok := middleware.ResolveCompany(c, h.resolver, req.CompanyID, models.RoleManager)
		if !ok {
			return
		}
		if h.archives == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Snapshot export is not configured"})
			return
		}

		actor := actorFrom(c)
		if req.Archive {
			archive, err := h.archives.Archive(c.Request.Context(), cc.CompanyID, actor)
			if err != nil {
				exportError(c, cc.CompanyID, err)
				return
			}
			c.JSON(http.StatusCreated, archive)
			return
		}

		snap, err := h.archives.Export(c.Request.Context(), cc.CompanyID, actor)
		if err != nil {
			exportError(c, cc.CompanyID, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="snapshot-%s.json"`, cc.CompanyID))
		c.JSON(http.StatusOK, snap)
	}
}

func exportError(c *gin.Context, companyID uuid.UUID, err error) {
	if errors.Is(err, snapshot.ErrCompanyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Company not found"})
		return
	}
	slog.Error("snapshot export failed", "company_id", companyID, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export snapshot"})
}

// @Summary      List snapshot archives
// @Tags         Backup
// @Security     Bearer
// @Produce      json
// @Param        company_id  query  string  false  "Company (defaults to the caller's active company)"
// @Param        limit       query  int     false  "Page size, max 100 (default 20)"
// @Param        offset      query  int     false  "Offset"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/backup/archives [get]
func (h *Handlers) ListArchivesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.archives == nil {
			c.JSON(http.StatusOK, paginated([]*models.SnapshotArchive{}, 0, defaultPageSize, 0))
			return
		}
		companyID := companyOf(c)
		limit, offset := pagination(c)
		archives, total, err := h.archives.List(c.Request.Context(), companyID, limit, offset)
		if err != nil {
			slog.Error("failed to list archives", "company_id", companyID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list archives"})
			return
		}
		if archives == nil {
			archives = []*models.SnapshotArchive{}
		}
		c.JSON(http.StatusOK, paginated(archives, total, limit, offset))
	}
}

// @Summary      Download a snapshot archive
// @Description  Streams the stored archive bytes (gzip, optionally AES-GCM sealed).
// @Tags         Backup
// @Security     Bearer
// @Produce      octet-stream
// @Param        id  path  string  true  "Archive id"
// @Success      200  {file}  binary
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/backup/archives/{id}/download [get]
func (h *Handlers) DownloadArchiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid archive id"})
			return
		}
		if h.archives == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Archive not found"})
			return
		}

		rc, archive, err := h.archives.Open(c.Request.Context(), companyOf(c), id)
		switch {
		case errors.Is(err, services.ErrArchiveNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Archive not found"})
			return
		case errors.Is(err, services.ErrArchiveCorrupt):
			c.JSON(http.StatusGone, gin.H{"error": "Archive object is no longer available"})
			return
		case err != nil:
			slog.Error("failed to open archive", "archive_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open archive"})
			return
		}
		defer rc.Close()

		c.DataFromReader(http.StatusOK, archive.SizeBytes, "application/octet-stream", rc, map[string]string{
			"Content-Disposition": fmt.Sprintf(`attachment; filename="%s.snapshot"`, archive.ID),
			"X-Archive-SHA256":    archive.SHA256,
			"X-Archive-Encrypted": strconv.FormatBool(archive.Encrypted),
		})
	}
}
