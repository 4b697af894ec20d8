package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/middleware"
	"github.com/erp-backup/backup-service/internal/restore"
	"github.com/erp-backup/backup-service/internal/services"
	"github.com/erp-backup/backup-service/internal/snapshot"
)

// RestoreRequest is the body of POST /api/v1/backup/restore. Exactly one of Snapshot
// and ArchiveID is set.
type RestoreRequest struct {
	CompanyID *uuid.UUID      `json:"company_id"`
	DryRun    bool            `json:"dry_run"`
	Snapshot  json.RawMessage `json:"snapshot"`
	ArchiveID *uuid.UUID      `json:"archive_id"`
	Signature string          `json:"signature"`
}

// RestoreResponse reports a finished restore.
type RestoreResponse struct {
	Success bool                 `json:"success"`
	QueueID uuid.UUID            `json:"queue_id"`
	Status  models.RestoreStatus `json:"status"`
	Error   string               `json:"error,omitempty"`
	Code    restore.Code         `json:"code,omitempty"`
	Stage   string               `json:"stage,omitempty"`
	Stats   *restore.Stats       `json:"stats,omitempty"`
}

// @Summary      Restore a company snapshot
// @Description  Queues the snapshot and either validates it against the company (dry_run) or applies it in one transaction. Dry runs need the manager role, real restores the owner role.
// @Tags         Backup
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  RestoreRequest  true  "Snapshot or archive to restore"
// @Success      200  {object}  RestoreResponse
// @Failure      400  {object}  map[string]interface{}  "Malformed request"
// @Failure      403  {object}  map[string]interface{}  "Role or scope too low"
// @Failure      404  {object}  map[string]interface{}  "Archive not found"
// @Failure      409  {object}  map[string]interface{}  "A restore for the company is already in flight"
// @Failure      413  {object}  map[string]interface{}  "Snapshot too large"
// @Failure      422  {object}  RestoreResponse  "Snapshot failed validation"
// @Failure      429  {object}  map[string]interface{}  "Restore rate limit exceeded"
// @Failure      500  {object}  RestoreResponse  "Apply failed"
// @Router       /api/v1/backup/restore [post]
func (h *Handlers) RestoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.maxBody > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
		}

		var req RestoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}

		hasSnapshot := len(req.Snapshot) > 0 && !bytes.Equal(bytes.TrimSpace(req.Snapshot), []byte("null"))
		switch {
		case hasSnapshot && req.ArchiveID != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": "snapshot and archive_id are mutually exclusive"})
			return
		case !hasSnapshot && req.ArchiveID == nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrNoSnapshot.Error()})
			return
		}
		if !hasSnapshot {
			req.Snapshot = nil
		}

		role := models.RoleOwner
		if req.DryRun {
			role = models.RoleManager
		}
		cc, ok := middleware.ResolveCompany(c, h.resolver, req.CompanyID, role)
		if !ok {
			return
		}

		if h.limiter != nil && h.restoreLimit.Rate > 0 {
			if !middleware.CheckLimit(c, h.limiter, "restore:"+cc.CompanyID.String(), h.restoreLimit) {
				return
			}
		}

		res, queueID, err := h.restores.Run(c.Request.Context(), services.RestoreRequest{
			CompanyID: cc.CompanyID,
			DryRun:    req.DryRun,
			Snapshot:  req.Snapshot,
			ArchiveID: req.ArchiveID,
			Signature: req.Signature,
			Actor:     actorFrom(c),
		})
		if err != nil && res == nil {
			status, msg := runErrorStatus(err)
			if status == http.StatusInternalServerError {
				slog.Error("restore request failed", "company_id", cc.CompanyID, "error", err)
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}

		resp := RestoreResponse{
			Success: res.Success,
			QueueID: queueID,
			Status:  models.TerminalStatus(res.Success, req.DryRun),
			Error:   res.Error,
			Code:    res.Code,
			Stage:   res.Stage,
			Stats:   res.Stats,
		}
		if err != nil {
			// the result is known but could not be recorded; the reaper fails the entry
			resp.Status = models.RestoreStatusPending
			c.JSON(http.StatusInternalServerError, resp)
			return
		}
		c.JSON(resultStatus(res), resp)
	}
}

// runErrorStatus maps errors raised before a restore reached the engine.
func runErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repositories.ErrRestoreInFlight):
		return http.StatusConflict, "a restore for this company is already in progress"
	case errors.Is(err, snapshot.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, services.ErrNoSnapshot):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrArchiveNotFound):
		return http.StatusNotFound, "archive not found"
	case errors.Is(err, services.ErrArchiveCorrupt), errors.Is(err, snapshot.ErrMalformed):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, "restore failed"
	}
}

// resultStatus maps an engine result to the response status.
func resultStatus(res *restore.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Code == restore.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case res.Code == restore.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// @Summary      List restores
// @Description  Lists the company's restore history, newest first. Snapshot payloads are omitted.
// @Tags         Backup
// @Security     Bearer
// @Produce      json
// @Param        company_id  query  string  false  "Company (defaults to the caller's active company)"
// @Param        status      query  string  false  "PENDING, DRY_RUN_SUCCESS, COMPLETED or FAILED"
// @Param        limit       query  int     false  "Page size, max 100 (default 20)"
// @Param        offset      query  int     false  "Offset"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/backup/restores [get]
func (h *Handlers) ListRestoresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyID := companyOf(c)
		filters := repositories.RestoreFilters{CompanyID: &companyID}
		if raw := c.Query("status"); raw != "" {
			status := models.RestoreStatus(raw)
			if !status.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
				return
			}
			filters.Status = &status
		}

		limit, offset := pagination(c)
		entries, total, err := h.restores.History(c.Request.Context(), filters, limit, offset)
		if err != nil {
			slog.Error("failed to list restores", "company_id", companyID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list restores"})
			return
		}
		if entries == nil {
			entries = []*models.RestoreQueueEntry{}
		}
		c.JSON(http.StatusOK, paginated(entries, total, limit, offset))
	}
}

// @Summary      Get restore status
// @Tags         Backup
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Queue id"
// @Success      200  {object}  models.RestoreQueueEntry
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/backup/restores/{id} [get]
func (h *Handlers) GetRestoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid restore id"})
			return
		}

		entry, err := h.restores.GetStatus(c.Request.Context(), id)
		if errors.Is(err, services.ErrQueueEntryNotFound) || (err == nil && entry.CompanyID != companyOf(c)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Restore not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load restore", "queue_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load restore"})
			return
		}
		entry.BackupData = nil
		c.JSON(http.StatusOK, entry)
	}
}
