// Package models - audit_log.go defines the AuditLog model written to the log
// schema of whichever database the request was bound to.
package models

import "time"

// AuditLog represents one row of the audit_logs table. SchemaName records
// which environment ("sand" or "prod") the audited request ran against.
type AuditLog struct {
	ID         int64      `db:"id" json:"id"`
	UserID     *int64     `db:"user_id" json:"user_id,omitempty"`
	Action     string     `db:"action" json:"action"`
	SchemaName *string    `db:"schema_name" json:"schema_name,omitempty"`
	StatusCode *int       `db:"status_code" json:"status_code,omitempty"`
	TableName  string     `db:"table_name" json:"table_name"`
	RecordID   *int64     `db:"record_id" json:"record_id,omitempty"`
	OldValues  []byte     `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte     `db:"new_values" json:"new_values,omitempty"`
	IPAddress  *string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent  *string    `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt  *time.Time `db:"created_at" json:"created_at,omitempty"`
}
