// tenant.go binds each data-surface request to its tenant's database before
// any handler runs, or to the main database for the admin slug.
package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tenantcore/tenantcore/internal/tenancy"
)

const (
	// BindingKey is the gin.Context key holding the *tenancy.Binding.
	BindingKey = "tenant_binding"
	// BoundDBKey is the gin.Context key holding the bound *sql.DB.
	BoundDBKey = "bound_db"
)

// TenantResolver resolves the request host to a connection binding. The
// tenant slug is the first DNS label of the host; the host's sandbox marker
// selects the environment. An unknown slug short-circuits with 404 before
// any tenant-scoped work runs.
func TenantResolver(resolver *tenancy.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := requestHost(c.Request.Host)
		slug := slugFromHost(host)

		binding, err := resolver.Resolve(c.Request.Context(), host, slug)
		if err != nil {
			if errors.Is(err, tenancy.ErrTenantNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
					"error": "tenant not found",
				})
				return
			}
			slog.Error("tenant resolution failed", "host", host, "slug", slug, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "failed to resolve tenant",
			})
			return
		}

		db, err := resolver.DB(binding)
		if err != nil {
			slog.Error("failed to open bound connection", "conn", binding.ConnName, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "failed to resolve tenant",
			})
			return
		}

		c.Set(BindingKey, binding)
		c.Set(BoundDBKey, db)
		c.Next()
	}
}

// AdminBinding binds an admin-surface request to the environment view of the
// main database selected by the request host. Lifecycle handlers read the
// binding to pick the matching control-schema copy, so a tenant created
// through a sandbox host is resolvable on that same host.
func AdminBinding(resolver *tenancy.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := requestHost(c.Request.Host)

		binding, err := resolver.Resolve(c.Request.Context(), host, tenancy.AdminSlug)
		if err != nil {
			slog.Error("admin binding failed", "host", host, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "failed to bind control database",
			})
			return
		}

		db, err := resolver.DB(binding)
		if err != nil {
			slog.Error("failed to open bound connection", "conn", binding.ConnName, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "failed to bind control database",
			})
			return
		}

		c.Set(BindingKey, binding)
		c.Set(BoundDBKey, db)
		c.Next()
	}
}

// GetBinding returns the binding stored by TenantResolver, or nil.
func GetBinding(c *gin.Context) *tenancy.Binding {
	v, ok := c.Get(BindingKey)
	if !ok {
		return nil
	}
	b, _ := v.(*tenancy.Binding)
	return b
}

// requestHost strips any port from a Host header value.
func requestHost(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// slugFromHost takes the first DNS label: acme-corp.sandbox.example.com
// resolves tenant "acme-corp".
func slugFromHost(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}
