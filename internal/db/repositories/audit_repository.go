// audit_repository.go writes audit entries into the audit_logs table of the
// log schema. Unlike the control-table repositories, the target connection
// varies per request (whichever database the resolver bound), so the write
// takes the connection as an argument instead of holding a pool.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tenantcore/tenantcore/internal/db/models"
)

// InsertAuditLog appends one audit entry over the given connection. The
// connection's search path must include the log schema; the table name stays
// unqualified so the same statement works against the main database and every
// tenant database.
func InsertAuditLog(ctx context.Context, db *sql.DB, entry *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (user_id, action, schema_name, status_code, table_name,
			record_id, old_values, new_values, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`

	_, err := db.ExecContext(ctx, query,
		entry.UserID, entry.Action, entry.SchemaName, entry.StatusCode, entry.TableName,
		entry.RecordID, entry.OldValues, entry.NewValues, entry.IPAddress, entry.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}
