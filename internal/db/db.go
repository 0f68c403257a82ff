// Package db manages database connections and schema migrations for the
// control plane. It wraps lib/pq for connection pooling and golang-migrate for
// schema versioning.
//
// Three independent migration sets are embedded in the binary:
//
//   - "main":   the control tables (tenants, platforms, users) applied to the
//     sand and prod schemas of the main database
//   - "tenant": the tenant data model, applied identically to the sand and
//     prod schemas of every provisioned tenant/platform database
//   - "log":    the audit-log table, applied once to the log schema
//
// Which schema a set lands in is decided entirely by the search_path of the
// connection it runs on; the sets themselves contain no schema-qualified
// names. golang-migrate records progress in a schema_migrations table inside
// that same schema, so the sand and prod copies of a set version
// independently.
package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/main/*.sql migrations/tenant/*.sql migrations/log/*.sql
var migrationsFS embed.FS

// Migration set names accepted by RunMigrations.
const (
	SetMain   = "main"
	SetTenant = "tenant"
	SetLog    = "log"
)

// Connect establishes a connection to the PostgreSQL database
func Connect(dsn string, maxConnections, minIdleConnections int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(maxConnections)
	db.SetMaxIdleConns(minIdleConnections)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func newMigrator(db *sql.DB, set string) (*migrate.Migrate, error) {
	switch set {
	case SetMain, SetTenant, SetLog:
	default:
		return nil, fmt.Errorf("unknown migration set: %s (must be main, tenant, or log)", set)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+set)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies the named migration set on the given connection in the
// given direction ("up" or "down"). The set lands in whatever schema leads the
// connection's search_path.
func RunMigrations(db *sql.DB, set, direction string) error {
	m, err := newMigrator(db, set)
	if err != nil {
		return err
	}

	switch direction {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("failed to run %s migrations: %w", set, err)
		}
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("failed to rollback %s migrations: %w", set, err)
		}
	default:
		return fmt.Errorf("invalid migration direction: %s (must be 'up' or 'down')", direction)
	}

	return nil
}

// GetMigrationVersion returns the current version of the named set on the
// given connection.
func GetMigrationVersion(db *sql.DB, set string) (version uint, dirty bool, err error) {
	m, err := newMigrator(db, set)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}
