package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantcore/tenantcore/internal/crypto"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/provisioning"
)

func newPlatformHarness(t *testing.T) (*PlatformService, sqlmock.Sqlmock, *fakeProvisioner) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	cipher, err := crypto.NewSecretCipher(key)
	require.NoError(t, err)

	prov := &fakeProvisioner{}
	repo := repositories.NewPlatformRepository(sqlx.NewDb(db, "postgres"))
	svc := NewPlatformService(repo, prov, cipher, 24, 30)
	return svc, mock, prov
}

func TestPlatformCreateUsesPlatformKind(t *testing.T) {
	svc, mock, prov := newPlatformHarness(t)

	mock.ExpectQuery(`INSERT INTO platforms`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(3, time.Now(), time.Now()))

	p, err := svc.Create(context.Background(), CreateInput{Name: "Core Platform"})
	require.NoError(t, err)

	assert.Equal(t, "core-platform", p.Slug)
	require.Len(t, prov.records, 1)
	assert.Equal(t, provisioning.KindPlatform, prov.records[0].Kind)
	assert.Equal(t, int64(3), prov.records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlatformRestoreClearsDeletionMarker(t *testing.T) {
	svc, mock, _ := newPlatformHarness(t)

	deleted := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM platforms WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "slug", "db_name",
			"sand_user", "sand_password", "prod_user", "prod_password", "log_user", "log_password",
			"expiration_date", "order", "active", "created_at", "updated_at", "deleted_at",
		}).AddRow(
			5, "Old Platform", "old-platform", "old_platform",
			"", "", "", "", "", "",
			time.Now(), 1, true, time.Now(), time.Now(), &deleted,
		))
	mock.ExpectExec(`UPDATE platforms SET deleted_at = NULL`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p, err := svc.Restore(context.Background(), 5)
	require.NoError(t, err)
	assert.Nil(t, p.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
