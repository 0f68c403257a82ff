package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tenantcore/tenantcore/internal/telemetry"
)

// Metrics records http_requests_total and http_request_duration_seconds for
// every request. The path label uses the matched route template from
// c.FullPath() rather than the raw URL; unmatched requests (404/405) are
// labelled "<no-route>" to keep cardinality bounded.
//
// Register after gin.Recovery() and RequestID so statuses set by error
// handlers are captured.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
