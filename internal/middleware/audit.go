// audit.go records write operations into the audit_logs table of whichever
// database the request was bound to; the bound connection's search path
// already includes the log schema.
package middleware

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tenantcore/tenantcore/internal/db/models"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/safego"
)

// auditWriteTimeout bounds the detached insert so a wedged database cannot
// accumulate goroutines.
const auditWriteTimeout = 5 * time.Second

// AuditOptions selects which requests are recorded beyond the default of
// successful write operations.
type AuditOptions struct {
	// LogReadOperations also records GET/HEAD/OPTIONS requests.
	LogReadOperations bool
	// LogFailedRequests also records requests that ended in a 4xx/5xx status.
	LogFailedRequests bool
}

// resourceFromPath names the resource a request operated on: the first path
// segment past the surface mount ("/api/v1" or "/data"). On the admin
// surface that is the control table the handlers write ("tenants",
// "platforms").
func resourceFromPath(path string) string {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		switch seg {
		case "", "api", "v1", "data":
			continue
		}
		return seg
	}
	return ""
}

// Audit records write operations after the handler completes. The insert runs
// on a detached goroutine so audit latency never adds to the response time;
// failures are logged and dropped.
func Audit(opts AuditOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if !opts.LogReadOperations {
			switch c.Request.Method {
			case "GET", "HEAD", "OPTIONS":
				return
			}
		}
		if !opts.LogFailedRequests && c.Writer.Status() >= 400 {
			return
		}

		v, ok := c.Get(BoundDBKey)
		if !ok {
			return
		}
		db, ok := v.(*sql.DB)
		if !ok {
			return
		}

		binding := GetBinding(c)

		status := c.Writer.Status()
		ip := c.ClientIP()
		ua := c.Request.UserAgent()
		entry := &models.AuditLog{
			Action:     c.Request.Method + " " + c.Request.URL.Path,
			TableName:  resourceFromPath(c.Request.URL.Path),
			StatusCode: &status,
			IPAddress:  &ip,
			UserAgent:  &ua,
		}
		if binding != nil {
			schema := binding.Schema
			entry.SchemaName = &schema
		}

		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
			defer cancel()
			if err := repositories.InsertAuditLog(ctx, db, entry); err != nil {
				slog.Warn("failed to write audit log entry", "action", entry.Action, "error", err)
			}
		})
	}
}
