package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erp-backup/backup-service/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds for
// every request. The path label is the matched route template; unmatched requests
// are labelled "<no-route>" so probing does not inflate label cardinality.
//
// Register it after gin.Recovery() and RequestIDMiddleware so statuses written by
// error handlers are captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
