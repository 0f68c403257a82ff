package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantcore/tenantcore/internal/db/repositories"
)

func scanTarget(t *testing.T, schema string) (ScanTarget, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return ScanTarget{
		Schema:    schema,
		Tenants:   repositories.NewTenantRepository(sqlxDB),
		Platforms: repositories.NewPlatformRepository(sqlxDB),
	}, mock
}

func expectOrphanQueries(mock sqlmock.Sqlmock, tenantRows *sqlmock.Rows) {
	mock.ExpectQuery(`FROM tenants t\s+WHERE t.deleted_at IS NULL\s+AND NOT EXISTS`).
		WithArgs("tc_").
		WillReturnRows(tenantRows)
	mock.ExpectQuery(`FROM platforms p\s+WHERE p.deleted_at IS NULL\s+AND NOT EXISTS`).
		WithArgs("tc_").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
}

func tenantRowSet() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "slug", "db_name",
		"sand_user", "sand_password", "prod_user", "prod_password", "log_user", "log_password",
		"expiration_date", "order", "active", "created_at", "updated_at", "deleted_at",
	})
}

func TestOrphanScanCoversBothControlSchemaCopies(t *testing.T) {
	sand, sandMock := scanTarget(t, "sand")
	prod, prodMock := scanTarget(t, "prod")
	reaper := NewOrphanReaper([]ScanTarget{sand, prod}, "tc_", 60)

	now := time.Now()
	expectOrphanQueries(sandMock, tenantRowSet().AddRow(
		3, "Lost Tenant", "lost-tenant", "lost_tenant",
		"", "", "", "", "", "",
		now, 1, true, now, now, nil,
	))
	expectOrphanQueries(prodMock, tenantRowSet())

	reaper.scan(context.Background())

	assert.NoError(t, sandMock.ExpectationsWereMet())
	assert.NoError(t, prodMock.ExpectationsWereMet())
}

func TestOrphanScanContinuesAfterTargetFailure(t *testing.T) {
	sand, sandMock := scanTarget(t, "sand")
	prod, prodMock := scanTarget(t, "prod")
	reaper := NewOrphanReaper([]ScanTarget{sand, prod}, "tc_", 60)

	sandMock.ExpectQuery(`FROM tenants t`).WithArgs("tc_").
		WillReturnError(sql.ErrConnDone)
	sandMock.ExpectQuery(`FROM platforms p`).WithArgs("tc_").
		WillReturnError(sql.ErrConnDone)
	expectOrphanQueries(prodMock, tenantRowSet())

	reaper.scan(context.Background())

	assert.NoError(t, prodMock.ExpectationsWereMet(), "prod copy scanned after sand failure")
}

func TestOrphanReaperDisabledWithZeroInterval(t *testing.T) {
	reaper := NewOrphanReaper(nil, "tc_", 0)
	// Start must return without launching the loop; a nil target list would
	// panic if a scan ever ran against it.
	reaper.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
}
