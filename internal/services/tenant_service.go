// Package services implements the tenant and platform lifecycle: record
// creation with credential generation and encryption, physical provisioning,
// soft delete/restore, and the credentials disclosure endpoint's decryption.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/tenantcore/tenantcore/internal/crypto"
	"github.com/tenantcore/tenantcore/internal/db/models"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/provisioning"
)

// ErrNotFound is returned when the requested record does not exist (or is
// soft-deleted, for operations that exclude trashed rows).
var ErrNotFound = errors.New("services: record not found")

// ErrSlugReserved rejects slugs that collide with the control surface.
var ErrSlugReserved = errors.New("services: slug is reserved")

// ErrSlugInvalid rejects slugs that cannot produce safe database identifiers.
var ErrSlugInvalid = errors.New("services: slug must be lowercase alphanumerics and hyphens")

// ErrSlugTooLong rejects slugs whose derived identifiers would exceed
// PostgreSQL's 63-byte identifier limit.
var ErrSlugTooLong = errors.New("services: slug exceeds the maximum length")

// maxSlugLength keeps every derived identifier inside PostgreSQL's 63-byte
// limit. The environment roles carry the longest prefix ("sand_", 5 bytes),
// so the slug itself may use at most 58.
const maxSlugLength = 58

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// reservedSlugs can never name a tenant or platform; "admin" routes to the
// control surface in the resolver.
var reservedSlugs = map[string]bool{"admin": true}

// Provisioner is the slice of the provisioning engine the services need.
// Satisfied by *provisioning.Engine.
type Provisioner interface {
	Provision(ctx context.Context, rec provisioning.Record) error
	DatabaseName(rec provisioning.Record) string
}

// CreateInput carries the caller-supplied fields for a new record. Slug is
// derived from Name when empty.
type CreateInput struct {
	Name           string     `json:"name" binding:"required"`
	Slug           string     `json:"slug"`
	ExpirationDate *time.Time `json:"expiration_date"`
	Order          int        `json:"order"`
	Active         *bool      `json:"active"`
}

// UpdateInput carries the mutable fields. Slug, db_name and credentials are
// immutable after provisioning and deliberately absent.
type UpdateInput struct {
	Name           string     `json:"name" binding:"required"`
	ExpirationDate *time.Time `json:"expiration_date"`
	Order          int        `json:"order"`
	Active         bool       `json:"active"`
}

// Credentials is the decrypted credential set disclosed by the credentials
// endpoint. The only place plaintext passwords leave the service layer.
type Credentials struct {
	Database     string `json:"database"`
	SandUser     string `json:"sand_user"`
	SandPassword string `json:"sand_password"`
	ProdUser     string `json:"prod_user"`
	ProdPassword string `json:"prod_password"`
	LogUser      string `json:"log_user"`
	LogPassword  string `json:"log_password"`
}

// TenantService orchestrates the tenant lifecycle. Tenant provisioning is
// idempotent: retrying a creation against partially-provisioned state reuses
// surviving databases and roles.
type TenantService struct {
	repo                  *repositories.TenantRepository
	engine                Provisioner
	cipher                *crypto.SecretCipher
	passwordLength        int
	defaultExpirationDays int
}

// NewTenantService wires a tenant service.
func NewTenantService(repo *repositories.TenantRepository, engine Provisioner, cipher *crypto.SecretCipher, passwordLength, defaultExpirationDays int) *TenantService {
	return &TenantService{
		repo:                  repo,
		engine:                engine,
		cipher:                cipher,
		passwordLength:        passwordLength,
		defaultExpirationDays: defaultExpirationDays,
	}
}

func normalizeSlug(in CreateInput) (string, error) {
	slug := in.Slug
	if slug == "" {
		slug = provisioning.Slugify(in.Name)
	}
	if !slugPattern.MatchString(slug) {
		return "", fmt.Errorf("%w: %q", ErrSlugInvalid, slug)
	}
	if len(slug) > maxSlugLength {
		return "", fmt.Errorf("%w: %q", ErrSlugTooLong, slug)
	}
	if reservedSlugs[slug] {
		return "", fmt.Errorf("%w: %q", ErrSlugReserved, slug)
	}
	return slug, nil
}

// Create inserts the control-table row and provisions the physical database.
// The caller blocks until provisioning, including migrations, completes; on
// any provisioning failure the row is rolled back and the error returned.
func (s *TenantService) Create(ctx context.Context, in CreateInput) (*models.Tenant, error) {
	slug, err := normalizeSlug(in)
	if err != nil {
		return nil, err
	}

	rec := provisioning.Record{Kind: provisioning.KindTenant, Slug: slug}
	if err := provisioning.GenerateCredentials(&rec, s.passwordLength); err != nil {
		return nil, err
	}

	t := &models.Tenant{
		Name:     in.Name,
		Slug:     slug,
		DBName:   rec.DBName,
		SandUser: rec.SandUser,
		ProdUser: rec.ProdUser,
		LogUser:  rec.LogUser,
		Order:    in.Order,
		Active:   true,
	}
	if in.Active != nil {
		t.Active = *in.Active
	}
	if in.ExpirationDate != nil {
		t.ExpirationDate = *in.ExpirationDate
	} else {
		t.ExpirationDate = time.Now().AddDate(0, 0, s.defaultExpirationDays)
	}

	if t.SandPassword, err = s.cipher.Seal(rec.SandPassword); err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if t.ProdPassword, err = s.cipher.Seal(rec.ProdPassword); err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if t.LogPassword, err = s.cipher.Seal(rec.LogPassword); err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	rec.ID = t.ID
	if err := s.engine.Provision(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to provision tenant %q: %w", slug, err)
	}

	return t, nil
}

// Get returns a live tenant by ID.
func (s *TenantService) Get(ctx context.Context, id int64) (*models.Tenant, error) {
	t, err := s.repo.GetByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns a page of live tenants plus the total count.
func (s *TenantService) List(ctx context.Context, limit, offset int) ([]*models.Tenant, int, error) {
	tenants, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return tenants, total, nil
}

// Update mutates the non-structural fields of a live tenant.
func (s *TenantService) Update(ctx context.Context, id int64, in UpdateInput) (*models.Tenant, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	t.Name = in.Name
	t.Order = in.Order
	t.Active = in.Active
	if in.ExpirationDate != nil {
		t.ExpirationDate = *in.ExpirationDate
	}

	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete soft-deletes the control-table row. The physical database is left
// intact so the tenant can be restored; reclaiming storage is a deliberate
// manual operation.
func (s *TenantService) Delete(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.SoftDelete(ctx, id)
}

// Restore clears the soft-delete marker.
func (s *TenantService) Restore(ctx context.Context, id int64) (*models.Tenant, error) {
	t, err := s.repo.GetByID(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if err := s.repo.Restore(ctx, id); err != nil {
		return nil, err
	}
	t.DeletedAt = nil
	return t, nil
}

// Credentials decrypts and returns the tenant's role credentials. Trashed
// rows are included so operators can recover access before a restore.
func (s *TenantService) Credentials(ctx context.Context, id int64) (*Credentials, error) {
	t, err := s.repo.GetByID(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	c := &Credentials{
		Database: s.engine.DatabaseName(provisioning.Record{DBName: t.DBName}),
		SandUser: t.SandUser,
		ProdUser: t.ProdUser,
		LogUser:  t.LogUser,
	}
	if err := openPasswords(s.cipher, c, t.SandPassword, t.ProdPassword, t.LogPassword); err != nil {
		return nil, err
	}
	return c, nil
}

// openPasswords decrypts the three sealed passwords into c.
func openPasswords(cipher *crypto.SecretCipher, c *Credentials, sandSealed, prodSealed, logSealed string) error {
	var err error
	if c.SandPassword, err = cipher.Open(sandSealed); err != nil {
		return fmt.Errorf("failed to decrypt sand credentials: %w", err)
	}
	if c.ProdPassword, err = cipher.Open(prodSealed); err != nil {
		return fmt.Errorf("failed to decrypt prod credentials: %w", err)
	}
	if c.LogPassword, err = cipher.Open(logSealed); err != nil {
		return fmt.Errorf("failed to decrypt log credentials: %w", err)
	}
	return nil
}
