// Package provisioning creates and tears down the isolated per-tenant
// databases: one database per record, three schemas (sand, prod, log), one
// role per schema, and the environment connections registered in the
// connection registry. Every step runs against real database objects, so
// failures are compensated by an explicit rollback rather than a transaction.
package provisioning

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tenantcore/tenantcore/internal/connreg"
	"github.com/tenantcore/tenantcore/internal/telemetry"
)

// MainConnection is the registry name of the superuser control connection.
const MainConnection = "main"

// MigrationRunner applies one embedded migration set to a connection. The
// set decides the tables; the connection's search_path decides the schema.
type MigrationRunner interface {
	Run(db *sql.DB, set string) error
}

// RecordStore is the slice of the repository layer rollback needs: removing
// the control-table row that triggered a failed provisioning run.
type RecordStore interface {
	HardDelete(ctx context.Context, id int64) error
}

// Options tune an Engine for one record kind.
type Options struct {
	// DatabasePrefix is prepended to every provisioned database name.
	DatabasePrefix string
	// Idempotent selects upsert semantics: existing databases and roles are
	// reused (roles get their password reasserted) instead of failing the
	// run. Used for tenants, where a retry against partially-provisioned
	// state must succeed.
	Idempotent bool
}

// Engine provisions records of a single kind against one registry.
type Engine struct {
	registry *connreg.Registry
	base     connreg.Descriptor
	store    RecordStore
	migrator MigrationRunner
	opts     Options
}

// NewEngine builds an engine. base is the superuser descriptor template the
// working connections inherit host, port and superuser credentials from.
func NewEngine(registry *connreg.Registry, base connreg.Descriptor, store RecordStore, migrator MigrationRunner, opts Options) *Engine {
	return &Engine{
		registry: registry,
		base:     base,
		store:    store,
		migrator: migrator,
		opts:     opts,
	}
}

// Completion records which irreversible objects exist so rollback only drops
// what this run created.
type Completion struct {
	Database bool
	Roles    map[string]bool
}

// identPattern is the shape every interpolated identifier must have. Slugs
// are validated upstream, but DDL cannot take bind parameters, so the engine
// re-checks before building any statement.
var identPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

func checkIdent(s string) error {
	if s == "" || len(s) > 63 || !identPattern.MatchString(s) {
		return fmt.Errorf("unsafe identifier %q", s)
	}
	return nil
}

// quoteLiteral wraps a value as a single-quoted SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DatabaseName returns the prefixed database name for a record.
func (e *Engine) DatabaseName(rec Record) string {
	return e.opts.DatabasePrefix + rec.DBName
}

// Provision runs the full sequence for a record whose credentials are
// already populated and whose control-table row already exists. On any
// failure it rolls back everything this run created, then returns the
// original error untouched.
func (e *Engine) Provision(ctx context.Context, rec Record) error {
	start := time.Now()
	err := e.provision(ctx, rec)
	kind := string(rec.Kind)
	if err != nil {
		telemetry.ProvisioningTotal.WithLabelValues(kind, "failure").Inc()
		return err
	}
	telemetry.ProvisioningTotal.WithLabelValues(kind, "success").Inc()
	telemetry.ProvisioningDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return nil
}

func (e *Engine) provision(ctx context.Context, rec Record) error {
	done := Completion{Roles: make(map[string]bool)}

	if err := checkIdent(rec.DBName); err != nil {
		return fmt.Errorf("invalid db_name: %w", err)
	}
	// The created identifier carries the configured prefix, so the length
	// limit applies to the prefixed name, not the raw db_name.
	dbName := e.DatabaseName(rec)
	if err := checkIdent(dbName); err != nil {
		return fmt.Errorf("invalid database name: %w", err)
	}
	for _, env := range environments {
		if err := checkIdent(rec.user(env)); err != nil {
			return fmt.Errorf("invalid %s role: %w", env, err)
		}
	}

	log := slog.With("kind", rec.Kind, "id", rec.ID, "database", dbName)
	log.Info("provisioning started")

	main, err := e.registry.Resolve(MainConnection)
	if err != nil {
		return fmt.Errorf("failed to resolve main connection: %w", err)
	}

	if err := e.createDatabase(ctx, main, dbName, &done); err != nil {
		return e.fail(ctx, rec, dbName, done, err)
	}

	for _, env := range environments {
		if err := e.createRole(ctx, main, rec.user(env), rec.password(env), &done); err != nil {
			return e.fail(ctx, rec, dbName, done, err)
		}
	}

	for _, env := range environments {
		stmt := fmt.Sprintf(`GRANT CONNECT ON DATABASE %q TO %q`, dbName, rec.user(env))
		if _, err := main.ExecContext(ctx, stmt); err != nil {
			return e.fail(ctx, rec, dbName, done,
				fmt.Errorf("failed to grant connect to %s: %w", rec.user(env), err))
		}
	}

	if err := e.setupSchemas(ctx, rec, dbName); err != nil {
		return e.fail(ctx, rec, dbName, done, err)
	}

	if err := e.connectEnvironments(ctx, rec, dbName); err != nil {
		return e.fail(ctx, rec, dbName, done, err)
	}

	if err := e.migrate(ctx, rec); err != nil {
		return e.fail(ctx, rec, dbName, done, err)
	}

	// The working connections served their purpose; the resolver opens its
	// own request-scoped pools under different names.
	for _, env := range environments {
		e.registry.Purge(rec.connName(env))
	}

	log.Info("provisioning completed")
	return nil
}

func (e *Engine) fail(ctx context.Context, rec Record, dbName string, done Completion, err error) error {
	slog.Error("provisioning failed, rolling back",
		"kind", rec.Kind, "id", rec.ID, "database", dbName, "error", err)
	e.Rollback(ctx, rec, dbName, done)
	return err
}

func (e *Engine) createDatabase(ctx context.Context, main *sql.DB, dbName string, done *Completion) error {
	if e.opts.Idempotent {
		var exists bool
		err := main.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, dbName).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check database existence: %w", err)
		}
		if exists {
			return nil
		}
	}
	if _, err := main.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE %q`, dbName)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	done.Database = true
	return nil
}

func (e *Engine) createRole(ctx context.Context, main *sql.DB, role, password string, done *Completion) error {
	if e.opts.Idempotent {
		var exists bool
		err := main.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, role).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check role existence: %w", err)
		}
		if exists {
			stmt := fmt.Sprintf(`ALTER USER %q WITH PASSWORD %s`, role, quoteLiteral(password))
			if _, err := main.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to reset password for role %s: %w", role, err)
			}
			return nil
		}
	}
	stmt := fmt.Sprintf(`CREATE USER %q WITH PASSWORD %s`, role, quoteLiteral(password))
	if _, err := main.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create role %s: %w", role, err)
	}
	done.Roles[role] = true
	return nil
}

// setupSchemas opens a dedicated superuser connection into the new database,
// replaces the default public schema with the three environment schemas, and
// hands each schema to its role.
func (e *Engine) setupSchemas(ctx context.Context, rec Record, dbName string) error {
	name := rec.connName("setup")
	e.registry.Register(name, e.base.WithDatabase(dbName).WithSearchPath("public"))
	e.registry.Purge(name)
	defer e.registry.Purge(name)

	setup, err := e.registry.Resolve(name)
	if err != nil {
		return fmt.Errorf("failed to open setup connection: %w", err)
	}

	if _, err := setup.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE`); err != nil {
		return fmt.Errorf("failed to drop public schema: %w", err)
	}

	for _, env := range environments {
		role := rec.user(env)
		stmts := []string{
			fmt.Sprintf(`CREATE SCHEMA %s`, env),
			fmt.Sprintf(`ALTER SCHEMA %s OWNER TO %q`, env, role),
			fmt.Sprintf(`GRANT USAGE ON SCHEMA %s TO %q`, env, role),
			fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT ALL ON TABLES TO %q`, env, role),
		}
		for _, stmt := range stmts {
			if _, err := setup.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to set up schema %s: %w", env, err)
			}
		}
	}

	// The sand and prod connections carry the log schema on their search
	// path so audit writes land there. Those roles need usage on the
	// schema plus insert access to the tables the log migrations, which
	// run as the log role, are about to create.
	logRole := rec.user("log")
	for _, env := range []string{"sand", "prod"} {
		role := rec.user(env)
		stmts := []string{
			fmt.Sprintf(`GRANT USAGE ON SCHEMA log TO %q`, role),
			fmt.Sprintf(`ALTER DEFAULT PRIVILEGES FOR ROLE %q IN SCHEMA log GRANT INSERT ON TABLES TO %q`, logRole, role),
			fmt.Sprintf(`ALTER DEFAULT PRIVILEGES FOR ROLE %q IN SCHEMA log GRANT USAGE ON SEQUENCES TO %q`, logRole, role),
		}
		for _, stmt := range stmts {
			if _, err := setup.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to grant log access to %s: %w", role, err)
			}
		}
	}
	return nil
}

// connectEnvironments registers the three environment connections and
// reconnects each eagerly so a bad password or grant surfaces here rather
// than at first query.
func (e *Engine) connectEnvironments(ctx context.Context, rec Record, dbName string) error {
	for _, env := range environments {
		name := rec.connName(env)
		desc := e.base.
			WithDatabase(dbName).
			WithCredentials(rec.user(env), rec.password(env)).
			WithSearchPath(env)
		e.registry.Register(name, desc)
		e.registry.Purge(name)
		if err := e.registry.Reconnect(ctx, name); err != nil {
			return fmt.Errorf("failed to connect %s environment: %w", env, err)
		}
	}
	return nil
}

// migrate rolls the tenant migration set out to the sand and prod schemas
// and the log set to the log schema.
func (e *Engine) migrate(ctx context.Context, rec Record) error {
	sets := map[string]string{
		"sand": "tenant",
		"prod": "tenant",
		"log":  "log",
	}
	for _, env := range environments {
		db, err := e.registry.Resolve(rec.connName(env))
		if err != nil {
			return fmt.Errorf("failed to resolve %s connection for migrations: %w", env, err)
		}
		if err := e.migrator.Run(db, sets[env]); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", env, err)
		}
	}
	return nil
}
