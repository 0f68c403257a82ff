package provisioning

import (
	"database/sql"

	"github.com/tenantcore/tenantcore/internal/db"
)

// embeddedRunner applies the embedded migration sets shipped with the
// binary. Tests substitute their own MigrationRunner.
type embeddedRunner struct{}

// EmbeddedMigrations returns the production MigrationRunner backed by the
// SQL files compiled into the binary.
func EmbeddedMigrations() MigrationRunner {
	return embeddedRunner{}
}

func (embeddedRunner) Run(conn *sql.DB, set string) error {
	return db.RunMigrations(conn, set, "up")
}
