// Package models - platform.go defines the Platform model. Platforms are
// structurally identical to tenants but live at a different ownership level:
// a platform owns tenants commercially, yet its database objects are
// provisioned through exactly the same engine.
package models

import "time"

// Platform represents one row of the platforms control table. See Tenant for
// the field semantics; the shapes are deliberately kept in lockstep so the
// provisioning engine can treat both through one record type.
type Platform struct {
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
