// tenant_repository.go implements TenantRepository, providing control-table
// queries for tenant CRUD, soft delete/restore, and the orphan scan used by
// the background reaper.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/tenantcore/tenantcore/internal/db/models"
)

// TenantRepository handles database operations for tenants
type TenantRepository struct {
	db *sqlx.DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `
	id, name, slug, db_name,
	COALESCE(sand_user, '') AS sand_user, COALESCE(sand_password, '') AS sand_password,
	COALESCE(prod_user, '') AS prod_user, COALESCE(prod_password, '') AS prod_password,
	COALESCE(log_user, '') AS log_user, COALESCE(log_password, '') AS log_password,
	expiration_date, "order", active, created_at, updated_at, deleted_at
`

// Create inserts a new tenant row and fills the generated fields on t.
func (r *TenantRepository) Create(ctx context.Context, t *models.Tenant) error {
	query := `
		INSERT INTO tenants (name, slug, db_name,
			sand_user, sand_password, prod_user, prod_password, log_user, log_password,
			expiration_date, "order", active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		t.Name, t.Slug, t.DBName,
		t.SandUser, t.SandPassword, t.ProdUser, t.ProdPassword, t.LogUser, t.LogPassword,
		t.ExpirationDate, t.Order, t.Active,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	return nil
}

// GetByID retrieves a tenant by ID. Soft-deleted rows are excluded unless
// includeDeleted is set (the credentials endpoint reads trashed rows too).
func (r *TenantRepository) GetByID(ctx context.Context, id int64, includeDeleted bool) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	t := &models.Tenant{}
	err := r.db.GetContext(ctx, t, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return t, nil
}

// GetBySlug retrieves a live (non-deleted) tenant by its slug.
func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE slug = $1 AND deleted_at IS NULL`

	t := &models.Tenant{}
	err := r.db.GetContext(ctx, t, query, slug)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tenant by slug: %w", err)
	}

	return t, nil
}

// List retrieves a paginated list of live tenants ordered by "order", then name.
func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*models.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE deleted_at IS NULL
		ORDER BY "order", name
		LIMIT $1 OFFSET $2
	`

	tenants := make([]*models.Tenant, 0)
	if err := r.db.SelectContext(ctx, &tenants, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	return tenants, nil
}

// Count returns the total number of live tenants
func (r *TenantRepository) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM tenants WHERE deleted_at IS NULL`
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	return count, nil
}

// Update persists the mutable fields of a tenant. slug, db_name, and the role
// credentials are deliberately absent: they are fixed once database objects
// have been derived from them.
func (r *TenantRepository) Update(ctx context.Context, t *models.Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2, expiration_date = $3, "order" = $4, active = $5, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, t.ID, t.Name, t.ExpirationDate, t.Order, t.Active)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}

	return nil
}

// SoftDelete marks a tenant as deleted. The provisioned database and roles are
// left in place.
func (r *TenantRepository) SoftDelete(ctx context.Context, id int64) error {
	query := `UPDATE tenants SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}

	return nil
}

// Restore clears the soft-delete marker.
func (r *TenantRepository) Restore(ctx context.Context, id int64) error {
	query := `UPDATE tenants SET deleted_at = NULL, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to restore tenant: %w", err)
	}

	return nil
}

// HardDelete removes the row entirely. Only the rollback coordinator calls
// this, to undo the insert that triggered a failed provisioning run.
func (r *TenantRepository) HardDelete(ctx context.Context, id int64) error {
	query := `DELETE FROM tenants WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to hard-delete tenant: %w", err)
	}

	return nil
}

// FindOrphaned returns live tenants whose physical database (prefix+db_name)
// does not exist in pg_database: rows left behind when the process died
// between persisting the record and completing provisioning.
func (r *TenantRepository) FindOrphaned(ctx context.Context, prefix string) ([]*models.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants t
		WHERE t.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM pg_database d WHERE d.datname = $1 || t.db_name)
	`

	tenants := make([]*models.Tenant, 0)
	if err := r.db.SelectContext(ctx, &tenants, query, prefix); err != nil {
		return nil, fmt.Errorf("failed to scan for orphaned tenants: %w", err)
	}

	return tenants, nil
}

// FindTenantBySlug looks up a live tenant over an arbitrary connection. The
// resolver uses this with whichever environment view of the main database
// the request selected.
func FindTenantBySlug(ctx context.Context, db *sql.DB, slug string) (*models.Tenant, error) {
	return NewTenantRepository(sqlx.NewDb(db, "postgres")).GetBySlug(ctx, slug)
}
