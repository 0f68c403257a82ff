// Package tenancy resolves an inbound request to the database connection it
// should run against: the control database for the admin surface, or the
// tenant's own isolated database and schema for everything else.
package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tenantcore/tenantcore/internal/connreg"
	"github.com/tenantcore/tenantcore/internal/crypto"
	"github.com/tenantcore/tenantcore/internal/db/models"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/telemetry"
)

// AdminSlug is the reserved slug for the control surface. Requests for it
// stay on the main database instead of binding a tenant connection.
const AdminSlug = "admin"

// ErrTenantNotFound is returned when no live tenant matches the requested
// slug. The HTTP layer turns it into a 404 before any tenant-scoped work.
var ErrTenantNotFound = errors.New("tenancy: tenant not found")

// Registry names for the two environment views of the main database. Both
// are registered once at construction and never mutated, so concurrent
// requests for different environments can't flip each other's search path.
const (
	mainSandConnection = "main_sand"
	mainProdConnection = "main_prod"
)

// Binding is the outcome of resolution: the connection every subsequent data
// access in the request should use, already scoped to the right database and
// schema via its search path.
type Binding struct {
	// Schema is the active environment schema, "sand" or "prod".
	Schema string
	// ConnName is the registry name the bound pool lives under.
	ConnName string
	// Tenant is nil on the admin path.
	Tenant *models.Tenant
}

// Resolver binds requests to connections. Safe for concurrent use.
type Resolver struct {
	registry *connreg.Registry
	base     connreg.Descriptor
	cipher   *crypto.SecretCipher
	marker   string
	dbPrefix string
}

// NewResolver registers the per-environment views of the main database and
// returns a resolver. marker is the host substring selecting the sandbox
// environment; dbPrefix is prepended to tenant database names.
func NewResolver(registry *connreg.Registry, base connreg.Descriptor, cipher *crypto.SecretCipher, marker, dbPrefix string) *Resolver {
	registry.Register(mainSandConnection, base.WithSearchPath("sand,log"))
	registry.Register(mainProdConnection, base.WithSearchPath("prod,log"))
	return &Resolver{
		registry: registry,
		base:     base,
		cipher:   cipher,
		marker:   marker,
		dbPrefix: dbPrefix,
	}
}

// MainView returns the open pool for one environment view of the main
// database. Lifecycle writes go through the view matching the request host
// so they land in the same control-schema copy that tenant resolution for
// that host reads.
func (r *Resolver) MainView(schema string) (*sql.DB, error) {
	name := mainProdConnection
	if schema == "sand" {
		name = mainSandConnection
	}
	return r.registry.Resolve(name)
}

// SchemaForHost picks the active schema from the request host.
func (r *Resolver) SchemaForHost(host string) string {
	if strings.Contains(host, r.marker) {
		return "sand"
	}
	return "prod"
}

// Resolve maps a request host and slug to a connection binding. The admin
// slug binds the environment view of the main database; any other slug looks
// up the live tenant row and binds its isolated database, or returns
// ErrTenantNotFound.
func (r *Resolver) Resolve(ctx context.Context, host, slug string) (*Binding, error) {
	schema := r.SchemaForHost(host)

	mainName := mainProdConnection
	if schema == "sand" {
		mainName = mainSandConnection
	}

	if slug == AdminSlug {
		if _, err := r.registry.Resolve(mainName); err != nil {
			return nil, fmt.Errorf("failed to resolve main connection: %w", err)
		}
		telemetry.TenantResolutionsTotal.WithLabelValues("admin").Inc()
		return &Binding{Schema: schema, ConnName: mainName}, nil
	}

	mainDB, err := r.registry.Resolve(mainName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve main connection: %w", err)
	}

	tenant, err := repositories.FindTenantBySlug(ctx, mainDB, slug)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		telemetry.TenantResolutionsTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %q", ErrTenantNotFound, slug)
	}

	user, password, err := r.credentials(tenant, schema)
	if err != nil {
		return nil, err
	}

	// Tenant credentials and database names are immutable once provisioned,
	// so a registered descriptor can never go stale: registering the same
	// content again is a no-op and the open pool stays valid. That is what
	// lets concurrent requests for the same tenant share the pool without a
	// purge cycle racing them.
	connName := fmt.Sprintf("tenant_%d_%s", tenant.ID, schema)
	desc := r.base.
		WithDatabase(r.dbPrefix + tenant.DBName).
		WithCredentials(user, password).
		WithSearchPath(schema + ",log")
	r.registry.Register(connName, desc)

	if _, err := r.registry.Resolve(connName); err != nil {
		return nil, fmt.Errorf("failed to open tenant connection: %w", err)
	}

	telemetry.TenantResolutionsTotal.WithLabelValues("bound").Inc()
	return &Binding{Schema: schema, ConnName: connName, Tenant: tenant}, nil
}

// DB returns the live pool for a binding.
func (r *Resolver) DB(b *Binding) (*sql.DB, error) {
	return r.registry.Resolve(b.ConnName)
}

// credentials picks and decrypts the environment credentials for a tenant.
func (r *Resolver) credentials(t *models.Tenant, schema string) (user, password string, err error) {
	var sealed string
	switch schema {
	case "sand":
		user, sealed = t.SandUser, t.SandPassword
	default:
		user, sealed = t.ProdUser, t.ProdPassword
	}
	password, err = r.cipher.Open(sealed)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt %s credentials for tenant %d: %w", schema, t.ID, err)
	}
	return user, password, nil
}
