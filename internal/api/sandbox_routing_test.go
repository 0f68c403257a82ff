package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/tenantcore/tenantcore/internal/connreg"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/provisioning"
	"github.com/tenantcore/tenantcore/internal/services"
	"github.com/tenantcore/tenantcore/internal/tenancy"
)

type noopEngine struct{}

func (noopEngine) Provision(context.Context, provisioning.Record) error { return nil }

func (noopEngine) DatabaseName(rec provisioning.Record) string { return "tc_" + rec.DBName }

// trackedPools hands out a fresh mock per opened connection and remembers the
// DSN each one was opened with.
type trackedPools struct {
	dsns  []string
	mocks []sqlmock.Sqlmock
}

func (p *trackedPools) open(t *testing.T) connreg.Opener {
	return func(dsn string) (*sql.DB, error) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { db.Close() })
		p.dsns = append(p.dsns, dsn)
		p.mocks = append(p.mocks, mock)
		return db, nil
	}
}

// A tenant created through a sandbox host must land in the sand copy of the
// control schema, where resolution for that same host looks it up.
func TestSandboxHostCreateThenResolve(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("2a", 32))
	cfg := testConfig()

	pools := &trackedPools{}
	registry := connreg.NewWithOpener(pools.open(t))

	cipher, err := BuildCipher(cfg)
	if err != nil {
		t.Fatalf("BuildCipher: %v", err)
	}
	resolver := tenancy.NewResolver(registry, BaseDescriptor(cfg), cipher,
		cfg.Provisioning.SandboxHostMarker, cfg.Provisioning.DatabasePrefix)

	sandView, err := resolver.MainView("sand")
	if err != nil {
		t.Fatalf("MainView: %v", err)
	}
	if len(pools.dsns) != 1 || !strings.Contains(pools.dsns[0], "search_path=sand,log") {
		t.Fatalf("sand view dsn = %v, want search_path=sand,log", pools.dsns)
	}
	sandMock := pools.mocks[0]

	repo := repositories.NewTenantRepository(sqlx.NewDb(sandView, "postgres"))
	svc := services.NewTenantService(repo, noopEngine{}, cipher, 24, 30)

	sandMock.ExpectQuery("INSERT INTO tenants").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(5), time.Now(), time.Now()))

	created, err := svc.Create(context.Background(), services.CreateInput{Name: "Acme Corp"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sandMock.ExpectQuery(`SELECT .* FROM tenants WHERE slug = \$1 AND deleted_at IS NULL`).
		WithArgs("acme-corp").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "slug", "db_name",
			"sand_user", "sand_password", "prod_user", "prod_password", "log_user", "log_password",
			"expiration_date", "order", "active", "created_at", "updated_at", "deleted_at",
		}).AddRow(
			created.ID, created.Name, created.Slug, created.DBName,
			created.SandUser, created.SandPassword,
			created.ProdUser, created.ProdPassword,
			created.LogUser, created.LogPassword,
			created.ExpirationDate, 0, true, time.Now(), time.Now(), nil,
		))

	binding, err := resolver.Resolve(context.Background(),
		"acme-corp.sandbox.example.com", "acme-corp")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if binding.Schema != "sand" {
		t.Errorf("schema = %s, want sand", binding.Schema)
	}
	if binding.Tenant == nil || binding.Tenant.Slug != created.Slug {
		t.Errorf("binding tenant = %+v, want slug %s", binding.Tenant, created.Slug)
	}
	if err := sandMock.ExpectationsWereMet(); err != nil {
		t.Errorf("sand copy expectations: %v", err)
	}

	last := pools.dsns[len(pools.dsns)-1]
	for _, want := range []string{"dbname=tc_acme_corp", "user=sand_acme_corp", "search_path=sand,log"} {
		if !strings.Contains(last, want) {
			t.Errorf("tenant pool dsn %q missing %q", last, want)
		}
	}
}

// Admin requests on a sandbox host must read the sand copy too; the
// environment marker in the host picks the control-schema view for the
// whole surface, not just the data routes.
func TestDataInfoBindsSandboxAdminHost(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/data/info", nil)
	req.Host = "admin.sandbox.example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"schema":"sand"`) {
		t.Errorf("body = %s, want sand schema", w.Body.String())
	}
}
