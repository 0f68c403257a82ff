// platform_repository.go implements PlatformRepository. Platforms share the
// tenant table shape; the queries are kept in lockstep with
// tenant_repository.go rather than abstracted, so each table's SQL stays
// grep-able.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/tenantcore/tenantcore/internal/db/models"
)

// PlatformRepository handles database operations for platforms
type PlatformRepository struct {
	db *sqlx.DB
}

// NewPlatformRepository creates a new platform repository
func NewPlatformRepository(db *sqlx.DB) *PlatformRepository {
	return &PlatformRepository{db: db}
}

const platformColumns = `
	id, name, slug, db_name,
	COALESCE(sand_user, '') AS sand_user, COALESCE(sand_password, '') AS sand_password,
	COALESCE(prod_user, '') AS prod_user, COALESCE(prod_password, '') AS prod_password,
	COALESCE(log_user, '') AS log_user, COALESCE(log_password, '') AS log_password,
	expiration_date, "order", active, created_at, updated_at, deleted_at
`

// Create inserts a new platform row and fills the generated fields on p.
func (r *PlatformRepository) Create(ctx context.Context, p *models.Platform) error {
	query := `
		INSERT INTO platforms (name, slug, db_name,
			sand_user, sand_password, prod_user, prod_password, log_user, log_password,
			expiration_date, "order", active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		p.Name, p.Slug, p.DBName,
		p.SandUser, p.SandPassword, p.ProdUser, p.ProdPassword, p.LogUser, p.LogPassword,
		p.ExpirationDate, p.Order, p.Active,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create platform: %w", err)
	}

	return nil
}

// GetByID retrieves a platform by ID. Soft-deleted rows are excluded unless
// includeDeleted is set.
func (r *PlatformRepository) GetByID(ctx context.Context, id int64, includeDeleted bool) (*models.Platform, error) {
	query := `SELECT ` + platformColumns + ` FROM platforms WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	p := &models.Platform{}
	err := r.db.GetContext(ctx, p, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get platform: %w", err)
	}

	return p, nil
}

// GetBySlug retrieves a live (non-deleted) platform by its slug.
func (r *PlatformRepository) GetBySlug(ctx context.Context, slug string) (*models.Platform, error) {
	query := `SELECT ` + platformColumns + ` FROM platforms WHERE slug = $1 AND deleted_at IS NULL`

	p := &models.Platform{}
	err := r.db.GetContext(ctx, p, query, slug)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get platform by slug: %w", err)
	}

	return p, nil
}

// List retrieves a paginated list of live platforms ordered by "order", then name.
func (r *PlatformRepository) List(ctx context.Context, limit, offset int) ([]*models.Platform, error) {
	query := `
		SELECT ` + platformColumns + `
		FROM platforms
		WHERE deleted_at IS NULL
		ORDER BY "order", name
		LIMIT $1 OFFSET $2
	`

	platforms := make([]*models.Platform, 0)
	if err := r.db.SelectContext(ctx, &platforms, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}

	return platforms, nil
}

// Count returns the total number of live platforms
func (r *PlatformRepository) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM platforms WHERE deleted_at IS NULL`
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count platforms: %w", err)
	}

	return count, nil
}

// Update persists the mutable fields of a platform. slug, db_name, and the
// role credentials stay fixed once database objects exist.
func (r *PlatformRepository) Update(ctx context.Context, p *models.Platform) error {
	query := `
		UPDATE platforms
		SET name = $2, expiration_date = $3, "order" = $4, active = $5, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, p.ID, p.Name, p.ExpirationDate, p.Order, p.Active)
	if err != nil {
		return fmt.Errorf("failed to update platform: %w", err)
	}

	return nil
}

// SoftDelete marks a platform as deleted, leaving its database objects behind.
func (r *PlatformRepository) SoftDelete(ctx context.Context, id int64) error {
	query := `UPDATE platforms SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete platform: %w", err)
	}

	return nil
}

// Restore clears the soft-delete marker.
func (r *PlatformRepository) Restore(ctx context.Context, id int64) error {
	query := `UPDATE platforms SET deleted_at = NULL, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to restore platform: %w", err)
	}

	return nil
}

// HardDelete removes the row entirely; rollback-only.
func (r *PlatformRepository) HardDelete(ctx context.Context, id int64) error {
	query := `DELETE FROM platforms WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to hard-delete platform: %w", err)
	}

	return nil
}

// FindOrphaned returns live platforms whose physical database does not exist
// in pg_database.
func (r *PlatformRepository) FindOrphaned(ctx context.Context, prefix string) ([]*models.Platform, error) {
	query := `
		SELECT ` + platformColumns + `
		FROM platforms p
		WHERE p.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM pg_database d WHERE d.datname = $1 || p.db_name)
	`

	platforms := make([]*models.Platform, 0)
	if err := r.db.SelectContext(ctx, &platforms, query, prefix); err != nil {
		return nil, fmt.Errorf("failed to scan for orphaned platforms: %w", err)
	}

	return platforms, nil
}
