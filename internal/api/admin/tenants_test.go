package admin

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/tenantcore/tenantcore/internal/crypto"
	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/middleware"
	"github.com/tenantcore/tenantcore/internal/provisioning"
	"github.com/tenantcore/tenantcore/internal/services"
	"github.com/tenantcore/tenantcore/internal/tenancy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type stubProvisioner struct {
	err     error
	records []provisioning.Record
}

func (p *stubProvisioner) Provision(_ context.Context, rec provisioning.Record) error {
	p.records = append(p.records, rec)
	return p.err
}

func (p *stubProvisioner) DatabaseName(rec provisioning.Record) string {
	return "tc_" + rec.DBName
}

var tenantCols = []string{
	"id", "name", "slug", "db_name",
	"sand_user", "sand_password", "prod_user", "prod_password", "log_user", "log_password",
	"expiration_date", "order", "active", "created_at", "updated_at", "deleted_at",
}

func newTenantRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, *crypto.SecretCipher) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cipher, err := crypto.NewSecretCipher(bytes.Repeat([]byte{0x2a}, 32))
	if err != nil {
		t.Fatalf("NewSecretCipher: %v", err)
	}

	repo := repositories.NewTenantRepository(sqlx.NewDb(db, "postgres"))
	svc := services.NewTenantService(repo, &stubProvisioner{}, cipher, 24, 30)
	// No binding in context, so requests fall through to the prod service.
	h := NewTenantHandlers(svc, nil)

	r := gin.New()
	r.POST("/tenants", h.CreateTenantHandler())
	r.GET("/tenants", h.ListTenantsHandler())
	r.GET("/tenants/:id", h.GetTenantHandler())
	r.GET("/tenants/:id/credentials", h.TenantCredentialsHandler())
	return r, mock, cipher
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreateTenant_ReturnsCreatedWithoutPasswords(t *testing.T) {
	r, mock, _ := newTenantRouter(t)

	mock.ExpectQuery("INSERT INTO tenants").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(1), time.Now(), time.Now()))

	w := doJSON(t, r, http.MethodPost, "/tenants", gin.H{"name": "Acme Corp"})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var body struct {
		Tenant map[string]any `json:"tenant"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Tenant["slug"] != "acme-corp" {
		t.Errorf("slug = %v, want acme-corp", body.Tenant["slug"])
	}
	for _, key := range []string{"sand_password", "prod_password", "log_password"} {
		if _, ok := body.Tenant[key]; ok {
			t.Errorf("%s must not be serialized", key)
		}
	}
}

func TestCreateTenant_RejectsMissingName(t *testing.T) {
	r, _, _ := newTenantRouter(t)

	w := doJSON(t, r, http.MethodPost, "/tenants", gin.H{"slug": "acme"})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateTenant_RejectsReservedSlug(t *testing.T) {
	r, _, _ := newTenantRouter(t)

	w := doJSON(t, r, http.MethodPost, "/tenants", gin.H{"name": "Admin", "slug": "admin"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Get / List
// ---------------------------------------------------------------------------

func TestGetTenant_InvalidID(t *testing.T) {
	r, _, _ := newTenantRouter(t)

	w := doJSON(t, r, http.MethodGet, "/tenants/abc", nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetTenant_NotFound(t *testing.T) {
	r, mock, _ := newTenantRouter(t)

	mock.ExpectQuery("SELECT.*FROM tenants WHERE id").
		WillReturnRows(sqlmock.NewRows(tenantCols))

	w := doJSON(t, r, http.MethodGet, "/tenants/99", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListTenants_PaginationEnvelope(t *testing.T) {
	r, mock, _ := newTenantRouter(t)

	mock.ExpectQuery("SELECT.*FROM tenants").
		WithArgs(20, 20).
		WillReturnRows(sqlmock.NewRows(tenantCols).
			AddRow(int64(1), "Acme Corp", "acme-corp", "acme_corp",
				"", "", "", "", "", "",
				time.Now(), 0, true, time.Now(), time.Now(), nil))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tenants`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(41))

	w := doJSON(t, r, http.MethodGet, "/tenants?page=2&per_page=20", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Tenants    []map[string]any `json:"tenants"`
		Pagination struct {
			Page    int `json:"page"`
			PerPage int `json:"per_page"`
			Total   int `json:"total"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Tenants) != 1 {
		t.Errorf("tenants = %d, want 1", len(body.Tenants))
	}
	if body.Pagination.Page != 2 || body.Pagination.Total != 41 {
		t.Errorf("pagination = %+v", body.Pagination)
	}
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func TestTenantCredentials_DecryptsStoredPasswords(t *testing.T) {
	r, mock, cipher := newTenantRouter(t)

	seal := func(s string) string {
		t.Helper()
		out, err := cipher.Seal(s)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		return out
	}

	mock.ExpectQuery("SELECT.*FROM tenants WHERE id").
		WillReturnRows(sqlmock.NewRows(tenantCols).
			AddRow(int64(1), "Acme Corp", "acme-corp", "acme_corp",
				"sand_acme_corp", seal("sand-secret"),
				"prod_acme_corp", seal("prod-secret"),
				"log_acme_corp", seal("log-secret"),
				time.Now(), 0, true, time.Now(), time.Now(), nil))

	w := doJSON(t, r, http.MethodGet, "/tenants/1/credentials", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Credentials services.Credentials `json:"credentials"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Credentials.Database != "tc_acme_corp" {
		t.Errorf("Database = %s, want tc_acme_corp", body.Credentials.Database)
	}
	if body.Credentials.ProdPassword != "prod-secret" {
		t.Errorf("ProdPassword = %s, want prod-secret", body.Credentials.ProdPassword)
	}
}

// ---------------------------------------------------------------------------
// Control-schema selection
// ---------------------------------------------------------------------------

func TestListTenants_SandboxBindingUsesSandCopy(t *testing.T) {
	prodDB, prodMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { prodDB.Close() })
	sandDB, sandMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sandDB.Close() })

	cipher, err := crypto.NewSecretCipher(bytes.Repeat([]byte{0x2a}, 32))
	if err != nil {
		t.Fatalf("NewSecretCipher: %v", err)
	}

	newSvc := func(db *sql.DB) *services.TenantService {
		repo := repositories.NewTenantRepository(sqlx.NewDb(db, "postgres"))
		return services.NewTenantService(repo, &stubProvisioner{}, cipher, 24, 30)
	}
	h := NewTenantHandlers(newSvc(prodDB), newSvc(sandDB))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.BindingKey, &tenancy.Binding{Schema: "sand"})
		c.Next()
	})
	r.GET("/tenants", h.ListTenantsHandler())

	sandMock.ExpectQuery("SELECT.*FROM tenants").
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(tenantCols))
	sandMock.ExpectQuery(`SELECT COUNT\(\*\) FROM tenants`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	w := doJSON(t, r, http.MethodGet, "/tenants", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if err := sandMock.ExpectationsWereMet(); err != nil {
		t.Errorf("sand copy not queried: %v", err)
	}
	if err := prodMock.ExpectationsWereMet(); err != nil {
		t.Errorf("prod copy touched: %v", err)
	}
}
