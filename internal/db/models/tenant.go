// Package models - tenant.go defines the Tenant model: one isolated customer
// account owning a physical database (tc_{db_name}) with sand, prod, and log
// schemas, each guarded by its own PostgreSQL role.
package models

import "time"

// Tenant represents one row of the tenants control table. The three
// {env}_password fields hold AES-256-GCM ciphertext, never plaintext; they are
// excluded from JSON serialization and only leave the server through the
// dedicated credentials endpoint, which decrypts explicitly.
//
// slug and db_name are immutable once the record has been provisioned:
// renaming either would orphan the live database objects derived from them.
type Tenant struct {
	ID     int64  `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Slug   string `db:"slug" json:"slug"`
	DBName string `db:"db_name" json:"db_name"`

	SandUser     string `db:"sand_user" json:"sand_user"`
	SandPassword string `db:"sand_password" json:"-"`
	ProdUser     string `db:"prod_user" json:"prod_user"`
	ProdPassword string `db:"prod_password" json:"-"`
	LogUser      string `db:"log_user" json:"log_user"`
	LogPassword  string `db:"log_password" json:"-"`

	ExpirationDate time.Time `db:"expiration_date" json:"expiration_date"`
	Order          int       `db:"order" json:"order"`
	Active         bool      `db:"active" json:"active"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}
