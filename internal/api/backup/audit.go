package backup

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
)

// @Summary      List audit logs
// @Description  Lists the company's audit entries, newest first. Dates are RFC3339 or YYYY-MM-DD; end_date as a plain date includes the whole day.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        company_id    query  string  false  "Company (defaults to the caller's active company)"
// @Param        action        query  string  false  "e.g. backup.restore.failed"
// @Param        target_table  query  string  false  "Target table"
// @Param        record_id     query  string  false  "Target record"
// @Param        user_id       query  string  false  "Acting user"
// @Param        start_date    query  string  false  "Inclusive lower bound"
// @Param        end_date      query  string  false  "Inclusive upper bound"
// @Param        limit         query  int     false  "Page size, max 100 (default 20)"
// @Param        offset        query  int     false  "Offset"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Router       /api/v1/audit-logs [get]
func (h *Handlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyID := companyOf(c)
		filters := repositories.AuditFilters{CompanyID: &companyID}

		for param, dst := range map[string]**string{
			"action":       &filters.Action,
			"target_table": &filters.TargetTable,
			"record_id":    &filters.RecordID,
		} {
			if v := c.Query(param); v != "" {
				*dst = &v
			}
		}

		if raw := c.Query("user_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user_id"})
				return
			}
			filters.UserID = &id
		}

		var err error
		if filters.StartDate, err = parseDate(c.Query("start_date"), false); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start_date"})
			return
		}
		if filters.EndDate, err = parseDate(c.Query("end_date"), true); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end_date"})
			return
		}

		limit, offset := pagination(c)
		logs, total, err := h.audit.ListAuditLogs(c.Request.Context(), filters, limit, offset)
		if err != nil {
			slog.Error("failed to list audit logs", "company_id", companyID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit logs"})
			return
		}
		if logs == nil {
			logs = []*models.AuditLog{}
		}
		c.JSON(http.StatusOK, paginated(logs, total, limit, offset))
	}
}

// parseDate accepts RFC3339 or a plain date. A plain end date covers the whole day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
