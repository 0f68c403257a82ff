// Package api wires the HTTP surface: the JWT-protected admin API on
// /api/v1 (tenant/platform lifecycle, credentials disclosure) and the
// tenant-resolved data surface, whose every request is bound to the right
// database and schema before any handler runs.
package api

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/tenantcore/tenantcore/internal/api/admin"
	"github.com/tenantcore/tenantcore/internal/config"
	"github.com/tenantcore/tenantcore/internal/connreg"
	"github.com/tenantcore/tenantcore/internal/crypto"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/jobs"
	"github.com/tenantcore/tenantcore/internal/middleware"
	"github.com/tenantcore/tenantcore/internal/provisioning"
	"github.com/tenantcore/tenantcore/internal/services"
	"github.com/tenantcore/tenantcore/internal/tenancy"
)

// BackgroundServices holds background goroutines that must be stopped during
// graceful shutdown, after the HTTP server has drained in-flight requests.
type BackgroundServices struct {
	orphanReaper *jobs.OrphanReaper
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	if bg.orphanReaper != nil {
		bg.orphanReaper.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
}

// BaseDescriptor builds the superuser descriptor template every dynamically
// registered connection inherits host, port and credentials from.
func BaseDescriptor(cfg *config.Config) connreg.Descriptor {
	return connreg.Descriptor{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Name,
		Username:     cfg.Database.User,
		Password:     cfg.Database.Password,
		SSLMode:      cfg.Database.SSLMode,
		SearchPath:   cfg.Database.SearchPath,
		MaxOpenConns: cfg.Database.MaxConnections,
		MaxIdleConns: cfg.Database.MinIdleConnections,
	}
}

// BuildCipher constructs the secret cipher protecting role passwords at
// rest: a hex-encoded 32-byte ENCRYPTION_KEY wins over passphrase
// derivation.
func BuildCipher(cfg *config.Config) (*crypto.SecretCipher, error) {
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be hex-encoded: %w", err)
		}
		return crypto.NewSecretCipher(raw)
	}
	return crypto.DeriveSecretCipher(
		cfg.Provisioning.EncryptionPassphrase,
		[]byte(cfg.Provisioning.EncryptionSalt),
		0,
	)
}

// controlPlane bundles the repositories and services operating on one
// control-schema copy of the main database.
type controlPlane struct {
	tenantRepo   *repositories.TenantRepository
	platformRepo *repositories.PlatformRepository
	tenants      *services.TenantService
	platforms    *services.PlatformService
}

func newControlPlane(cfg *config.Config, registry *connreg.Registry, base connreg.Descriptor, cipher *crypto.SecretCipher, migrator provisioning.MigrationRunner, view *sql.DB) *controlPlane {
	sqlxDB := sqlx.NewDb(view, "postgres")
	tenantRepo := repositories.NewTenantRepository(sqlxDB)
	platformRepo := repositories.NewPlatformRepository(sqlxDB)

	tenantEngine := provisioning.NewEngine(registry, base, tenantRepo, migrator, provisioning.Options{
		DatabasePrefix: cfg.Provisioning.DatabasePrefix,
		Idempotent:     true,
	})
	platformEngine := provisioning.NewEngine(registry, base, platformRepo, migrator, provisioning.Options{
		DatabasePrefix: cfg.Provisioning.DatabasePrefix,
	})

	return &controlPlane{
		tenantRepo:   tenantRepo,
		platformRepo: platformRepo,
		tenants: services.NewTenantService(tenantRepo, tenantEngine, cipher,
			cfg.Provisioning.PasswordLength, cfg.Provisioning.DefaultExpirationDays),
		platforms: services.NewPlatformService(platformRepo, platformEngine, cipher,
			cfg.Provisioning.PasswordLength, cfg.Provisioning.DefaultExpirationDays),
	}
}

// NewRouter builds the Gin router and starts the background services.
func NewRouter(ctx context.Context, cfg *config.Config, registry *connreg.Registry) (*gin.Engine, *BackgroundServices, error) {
	base := BaseDescriptor(cfg)
	registry.Register(provisioning.MainConnection, base)

	mainDB, err := registry.Resolve(provisioning.MainConnection)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open main database connection: %w", err)
	}

	cipher, err := BuildCipher(cfg)
	if err != nil {
		return nil, nil, err
	}

	resolver := tenancy.NewResolver(registry, base, cipher,
		cfg.Provisioning.SandboxHostMarker, cfg.Provisioning.DatabasePrefix)

	// One repository/engine/service set per control-schema copy. A tenant
	// created through a sandbox host lives in the sand copy only, so every
	// lifecycle operation has to run against the copy the request host
	// selects, and rollback's row removal has to hit the copy the create
	// wrote.
	migrator := provisioning.EmbeddedMigrations()
	planes := make(map[string]*controlPlane, 2)
	for _, schema := range []string{"sand", "prod"} {
		view, err := resolver.MainView(schema)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s control view: %w", schema, err)
		}
		planes[schema] = newControlPlane(cfg, registry, base, cipher, migrator, view)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.SecurityHeaders(middleware.APISecurityHeadersConfig()))

	bg := &BackgroundServices{}

	if cfg.Security.RateLimiting.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			BurstSize:         cfg.Security.RateLimiting.Burst,
			CleanupInterval:   middleware.DefaultRateLimitConfig().CleanupInterval,
		})
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		router.Use(middleware.RateLimit(limiter))
	}

	router.GET("/health", func(c *gin.Context) {
		if err := mainDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	registerAdminRoutes(router, cfg, resolver, planes, bg)
	registerDataRoutes(router, cfg, resolver)

	if cfg.Provisioning.OrphanCheckIntervalMinutes > 0 {
		targets := []jobs.ScanTarget{
			{Schema: "sand", Tenants: planes["sand"].tenantRepo, Platforms: planes["sand"].platformRepo},
			{Schema: "prod", Tenants: planes["prod"].tenantRepo, Platforms: planes["prod"].platformRepo},
		}
		bg.orphanReaper = jobs.NewOrphanReaper(targets,
			cfg.Provisioning.DatabasePrefix, cfg.Provisioning.OrphanCheckIntervalMinutes)
		bg.orphanReaper.Start(ctx)
	}

	return router, bg, nil
}

// registerAdminRoutes mounts the JWT-protected lifecycle API. Each request
// is bound to the environment view of the main database matching its host,
// so lifecycle writes land in the same control-schema copy that tenant
// resolution for that host reads. The view's search path includes the log
// schema, so the audit middleware writes to the control database's audit
// trail.
func registerAdminRoutes(router *gin.Engine, cfg *config.Config, resolver *tenancy.Resolver, planes map[string]*controlPlane, bg *BackgroundServices) {
	tenants := admin.NewTenantHandlers(planes["prod"].tenants, planes["sand"].tenants)
	platforms := admin.NewPlatformHandlers(planes["prod"].platforms, planes["sand"].platforms)

	group := router.Group("/api/v1")
	group.Use(middleware.RequireAuth())
	group.Use(middleware.AdminBinding(resolver))
	if cfg.Audit.Enabled {
		group.Use(middleware.Audit(middleware.AuditOptions{
			LogReadOperations: cfg.Audit.LogReadOperations,
			LogFailedRequests: cfg.Audit.LogFailedRequests,
		}))
	}

	var createLimiter gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		rl := middleware.NewRateLimiter(middleware.ProvisionRateLimitConfig())
		bg.rateLimiters = append(bg.rateLimiters, rl)
		createLimiter = middleware.RateLimit(rl)
	} else {
		createLimiter = func(c *gin.Context) { c.Next() }
	}

	group.POST("/tenants", createLimiter, tenants.CreateTenantHandler())
	group.GET("/tenants", tenants.ListTenantsHandler())
	group.GET("/tenants/:id", tenants.GetTenantHandler())
	group.PUT("/tenants/:id", tenants.UpdateTenantHandler())
	group.DELETE("/tenants/:id", tenants.DeleteTenantHandler())
	group.POST("/tenants/:id/restore", tenants.RestoreTenantHandler())
	group.GET("/tenants/:id/credentials", tenants.TenantCredentialsHandler())

	group.POST("/platforms", createLimiter, platforms.CreatePlatformHandler())
	group.GET("/platforms", platforms.ListPlatformsHandler())
	group.GET("/platforms/:id", platforms.GetPlatformHandler())
	group.PUT("/platforms/:id", platforms.UpdatePlatformHandler())
	group.DELETE("/platforms/:id", platforms.DeletePlatformHandler())
	group.POST("/platforms/:id/restore", platforms.RestorePlatformHandler())
	group.GET("/platforms/:id/credentials", platforms.PlatformCredentialsHandler())
}

// registerDataRoutes mounts the tenant-resolved surface. Every request is
// bound to its tenant's database (or the main database for the admin slug)
// before the handler runs; unknown slugs 404 here.
func registerDataRoutes(router *gin.Engine, cfg *config.Config, resolver *tenancy.Resolver) {
	group := router.Group("/data")
	group.Use(middleware.TenantResolver(resolver))
	if cfg.Audit.Enabled {
		group.Use(middleware.Audit(middleware.AuditOptions{
			LogReadOperations: cfg.Audit.LogReadOperations,
			LogFailedRequests: cfg.Audit.LogFailedRequests,
		}))
	}

	group.GET("/info", func(c *gin.Context) {
		binding := middleware.GetBinding(c)
		resp := gin.H{"schema": binding.Schema}
		if binding.Tenant != nil {
			resp["tenant"] = binding.Tenant.Slug
		}
		c.JSON(http.StatusOK, resp)
	})
}
