package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tenantcore/tenantcore/internal/crypto"
	"github.com/tenantcore/tenantcore/internal/db/models"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/provisioning"
)

// PlatformService orchestrates the platform lifecycle. Unlike tenants,
// platform provisioning is unconditional: an existing database or role fails
// the run loudly instead of being reused.
type PlatformService struct {
	repo                  *repositories.PlatformRepository
	engine                Provisioner
	cipher                *crypto.SecretCipher
	passwordLength        int
	defaultExpirationDays int
}

// NewPlatformService wires a platform service.
func NewPlatformService(repo *repositories.PlatformRepository, engine Provisioner, cipher *crypto.SecretCipher, passwordLength, defaultExpirationDays int) *PlatformService {
	return &PlatformService{
		repo:                  repo,
		engine:                engine,
		cipher:                cipher,
		passwordLength:        passwordLength,
		defaultExpirationDays: defaultExpirationDays,
	}
}

// Create inserts the control-table row and provisions the physical database.
func (s *PlatformService) Create(ctx context.Context, in CreateInput) (*models.Platform, error) {
	slug, err := normalizeSlug(in)
	if err != nil {
		return nil, err
	}

	rec := provisioning.Record{Kind: provisioning.KindPlatform, Slug: slug}
	if err := provisioning.GenerateCredentials(&rec, s.passwordLength); err != nil {
		return nil, err
	}

	p := &models.Platform{
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
		p.Active = *in.Active
	}
	if in.ExpirationDate != nil {
		p.ExpirationDate = *in.ExpirationDate
	} else {
		p.ExpirationDate = time.Now().AddDate(0, 0, s.defaultExpirationDays)
	}

	if p.SandPassword, err = s.cipher.Seal(rec.SandPassword); err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if p.ProdPassword, err = s.cipher.Seal(rec.ProdPassword); err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if p.LogPassword, err = s.cipher.Seal(rec.LogPassword); err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	rec.ID = p.ID
	if err := s.engine.Provision(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to provision platform %q: %w", slug, err)
	}

	return p, nil
}

// Get returns a live platform by ID.
func (s *PlatformService) Get(ctx context.Context, id int64) (*models.Platform, error) {
	p, err := s.repo.GetByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// List returns a page of live platforms plus the total count.
func (s *PlatformService) List(ctx context.Context, limit, offset int) ([]*models.Platform, int, error) {
	platforms, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return platforms, total, nil
}

// Update mutates the non-structural fields of a live platform.
func (s *PlatformService) Update(ctx context.Context, id int64, in UpdateInput) (*models.Platform, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Name = in.Name
	p.Order = in.Order
	p.Active = in.Active
	if in.ExpirationDate != nil {
		p.ExpirationDate = *in.ExpirationDate
	}

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete soft-deletes the control-table row, leaving the physical database
// intact for a possible restore.
func (s *PlatformService) Delete(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.SoftDelete(ctx, id)
}

// Restore clears the soft-delete marker.
func (s *PlatformService) Restore(ctx context.Context, id int64) (*models.Platform, error) {
	p, err := s.repo.GetByID(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if err := s.repo.Restore(ctx, id); err != nil {
		return nil, err
	}
	p.DeletedAt = nil
	return p, nil
}

// Credentials decrypts and returns the platform's role credentials,
// including for trashed rows.
func (s *PlatformService) Credentials(ctx context.Context, id int64) (*Credentials, error) {
	p, err := s.repo.GetByID(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	c := &Credentials{
		Database: s.engine.DatabaseName(provisioning.Record{DBName: p.DBName}),
		SandUser: p.SandUser,
		ProdUser: p.ProdUser,
		LogUser:  p.LogUser,
	}
	if err := openPasswords(s.cipher, c, p.SandPassword, p.ProdPassword, p.LogPassword); err != nil {
		return nil, err
	}
	return c, nil
}
