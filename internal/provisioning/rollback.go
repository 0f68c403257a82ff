package provisioning

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/tenantcore/tenantcore/internal/telemetry"
)

// StepOutcome reports one compensating step of a rollback run.
type StepOutcome struct {
	Step string
	Err  error
}

// Rollback compensates a failed provisioning run: it removes the owning
// control-table row, purges every registry entry the run may have created,
// drops the database (terminating live sessions first) if it was created,
// and drops each role this run created. Every step is best-effort and
// independently guarded; Rollback never returns an error because a cleanup
// failure must not mask the provisioning error the caller is about to
// surface. The per-step outcomes are logged and counted instead.
func (e *Engine) Rollback(ctx context.Context, rec Record, dbName string, done Completion) []StepOutcome {
	telemetry.RollbacksTotal.WithLabelValues(string(rec.Kind)).Inc()

	var outcomes []StepOutcome
	report := func(step string, err error) {
		outcomes = append(outcomes, StepOutcome{Step: step, Err: err})
		if err != nil {
			telemetry.RollbackStepFailuresTotal.WithLabelValues(step).Inc()
		}
	}

	report("delete_record", e.store.HardDelete(ctx, rec.ID))

	for _, name := range []string{
		rec.connName("setup"),
		rec.connName("sand"),
		rec.connName("prod"),
		rec.connName("log"),
	} {
		e.registry.Purge(name)
	}
	report("purge_connections", nil)

	if done.Database {
		main, err := e.registry.Resolve(MainConnection)
		if err != nil {
			report("drop_database", fmt.Errorf("failed to resolve main connection: %w", err))
		} else {
			report("drop_database", e.dropDatabase(ctx, main, dbName))
			for _, env := range environments {
				role := rec.user(env)
				if !done.Roles[role] {
					continue
				}
				report("drop_role", e.dropRole(ctx, main, role))
			}
		}
	} else if len(done.Roles) > 0 {
		main, err := e.registry.Resolve(MainConnection)
		if err != nil {
			report("drop_role", fmt.Errorf("failed to resolve main connection: %w", err))
		} else {
			for _, env := range environments {
				role := rec.user(env)
				if !done.Roles[role] {
					continue
				}
				report("drop_role", e.dropRole(ctx, main, role))
			}
		}
	}

	log := slog.With("kind", rec.Kind, "id", rec.ID, "database", dbName)
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			log.Warn("rollback step failed", "step", o.Step, "error", o.Err)
		}
	}
	if failed == 0 {
		log.Info("rollback completed cleanly", "steps", len(outcomes))
	} else {
		log.Error("rollback completed with failures", "steps", len(outcomes), "failed", failed)
	}
	return outcomes
}

// dropDatabase kicks every live session off the database, then drops it.
// Termination races are tolerated; the drop reports its own error if one of
// the terminated backends reconnected in between.
func (e *Engine) dropDatabase(ctx context.Context, main *sql.DB, dbName string) error {
	_, err := main.ExecContext(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		dbName)
	if err != nil {
		slog.Warn("failed to terminate backend sessions", "database", dbName, "error", err)
	}
	if _, err := main.ExecContext(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %q`, dbName)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", dbName, err)
	}
	return nil
}

func (e *Engine) dropRole(ctx context.Context, main *sql.DB, role string) error {
	if _, err := main.ExecContext(ctx, fmt.Sprintf(`DROP USER IF EXISTS %q`, role)); err != nil {
		return fmt.Errorf("failed to drop role %s: %w", role, err)
	}
	return nil
}
