// Package main is the entry point for the tenantcore server binary. It
// dispatches four subcommands via a simple switch on os.Args so the binary's
// full CLI surface is readable in one place without requiring a cobra
// dependency: serve, migrate, migrate-schemas, and version. The serve command
// runs auto-migration of the control schemas on startup so freshly deployed
// containers never need a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof only serves on a dedicated internal port when cfg.Telemetry.Profiling.Enabled=true; DefaultServeMux is never passed to the Gin HTTP server.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tenantcore/tenantcore/internal/api"
	"github.com/tenantcore/tenantcore/internal/auth"
	"github.com/tenantcore/tenantcore/internal/config"
	"github.com/tenantcore/tenantcore/internal/connreg"
	"github.com/tenantcore/tenantcore/internal/db"
	"github.com/tenantcore/tenantcore/internal/provisioning"
	"github.com/tenantcore/tenantcore/internal/safego"
	"github.com/tenantcore/tenantcore/internal/telemetry"
)

const version = "0.1.0"

// controlSchemas are the schemas of the main control database, in migration
// order. sand and prod each carry an independent copy of the "main" migration
// set; log carries the "log" set shared with every provisioned database.
var controlSchemas = []string{"sand", "prod", "log"}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return migrateControl(cfg, os.Args[2])
	case "migrate-schemas":
		fresh := len(os.Args) > 2 && os.Args[2] == "--fresh"
		return migrateSchemas(cfg, fresh)
	case "version":
		fmt.Printf("tenantcore v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, migrate-schemas, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Validate JWT secret configuration (fails in production if not set)
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	log.Println("JWT secret validated successfully")

	maskedPassword := "****"
	if cfg.Database.Password != "" {
		maskedPassword = cfg.Database.Password[:1] + "****"
	}
	log.Printf("Database config: host=%s, port=%d, user=%s, password=%s, dbname=%s, sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, maskedPassword,
		cfg.Database.Name, cfg.Database.SSLMode)

	// Run control-schema migrations automatically on startup. The sand and
	// prod copies of the control tables version independently, so each schema
	// gets its own migration pass on a connection scoped to it.
	log.Println("Running control database migrations...")
	if err := migrateControl(cfg, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("Control database migrations completed successfully")

	// The registry owns every database handle from here on: the main control
	// connection, per-request tenant connections, and the short-lived
	// connections used during provisioning.
	registry := connreg.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router, bgServices, err := api.NewRouter(ctx, cfg, registry)
	if err != nil {
		registry.Close()
		return err
	}

	mainDB, err := registry.Resolve(provisioning.MainConnection)
	if err != nil {
		registry.Close()
		return fmt.Errorf("failed to resolve main database connection: %w", err)
	}

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(mainDB)

	// Start Prometheus metrics endpoint on a dedicated port so it is not
	// reachable through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	// Start pprof endpoint on its own port (disabled in production by default).
	if cfg.Telemetry.Profiling.Enabled {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		safego.Go(func() {
			slog.Info("starting pprof server", "addr", pprofAddr)
			// net/http/pprof registers its handlers on http.DefaultServeMux
			// at init time.
			srv := &http.Server{
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux, // #nosec G108 -- not the main listener; pprof-only internal port
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("pprof server error", "error", err)
			}
		})
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	safego.Go(func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		log.Printf("Database prefix: %s", cfg.Provisioning.DatabasePrefix)
		log.Printf("Sandbox host marker: %s", cfg.Provisioning.SandboxHostMarker)
		log.Println("Server is ready to accept connections")

		var err error
		if cfg.Security.TLS.Enabled {
			log.Printf("TLS enabled: cert=%s, key=%s", cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	})

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop the orphan reaper and rate limiter goroutines, then release every
	// pool the registry holds.
	cancel()
	bgServices.Shutdown()
	registry.Close()

	log.Println("Server stopped gracefully")
	return nil
}

// migrationSet returns the embedded migration set that belongs in a control
// schema: the control tables for sand and prod, the audit-log table for log.
func migrationSet(schema string) string {
	if schema == "log" {
		return db.SetLog
	}
	return db.SetMain
}

// migrateControl applies the embedded migration sets to the control database,
// one schema-scoped connection at a time. golang-migrate tracks versions in a
// schema_migrations table inside each schema, so sand, prod and log advance
// independently.
func migrateControl(cfg *config.Config, direction string) error {
	base := api.BaseDescriptor(cfg)

	for _, schema := range controlSchemas {
		conn, err := db.Connect(base.WithSearchPath(schema).DSN(), 2, 1)
		if err != nil {
			return fmt.Errorf("failed to connect to schema %q: %w", schema, err)
		}

		set := migrationSet(schema)
		if err := db.RunMigrations(conn, set, direction); err != nil {
			conn.Close()
			return fmt.Errorf("migration %s failed for schema %q: %w", direction, schema, err)
		}

		v, dirty, err := db.GetMigrationVersion(conn, set)
		if err != nil {
			log.Printf("Warning: failed to get migration version for schema %q: %v", schema, err)
		} else {
			log.Printf("Schema %q version: %d (dirty: %v)", schema, v, dirty)
		}
		conn.Close()
	}
	return nil
}

// migrateSchemas ensures the sand, prod and log schemas exist on the control
// database and brings each one up to the latest migration version. With fresh
// set, every schema is dropped and recreated first, discarding all control
// rows and audit history.
func migrateSchemas(cfg *config.Config, fresh bool) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	conn, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		return fmt.Errorf("failed to connect to control database: %w", err)
	}

	for _, schema := range controlSchemas {
		if fresh {
			log.Printf("Dropping schema %q", schema)
			if _, err := conn.Exec(fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schema)); err != nil {
				conn.Close()
				return fmt.Errorf("failed to drop schema %q: %w", schema, err)
			}
		}
		if _, err := conn.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
			conn.Close()
			return fmt.Errorf("failed to create schema %q: %w", schema, err)
		}
	}
	conn.Close()

	if err := migrateControl(cfg, "up"); err != nil {
		return err
	}
	log.Println("Control schemas are up to date")
	return nil
}
