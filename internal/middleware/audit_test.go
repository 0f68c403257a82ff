package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/tenantcore/tenantcore/internal/tenancy"
)

func auditRouter(t *testing.T, opts AuditOptions, status int) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(BoundDBKey, db)
		c.Set(BindingKey, &tenancy.Binding{Schema: "prod"})
		c.Next()
	})
	r.Use(Audit(opts))
	handle := func(c *gin.Context) { c.Status(status) }
	r.POST("/things", handle)
	r.GET("/things", handle)
	return r, mock
}

// waitForExpectations polls because the audit insert runs on a detached
// goroutine after the response is written.
func waitForExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("unmet expectations: %v", mock.ExpectationsWereMet())
}

func TestAuditRecordsResourceTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(BoundDBKey, db)
		c.Set(BindingKey, &tenancy.Binding{Schema: "prod"})
		c.Next()
	})
	r.Use(Audit(AuditOptions{}))
	r.POST("/api/v1/tenants/:id/restore", func(c *gin.Context) { c.Status(http.StatusOK) })

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(nil, "POST /api/v1/tenants/3/restore", "prod", http.StatusOK, "tenants",
			nil, []byte(nil), []byte(nil), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/tenants/3/restore", nil))

	waitForExpectations(t, mock)
}

func TestResourceFromPath(t *testing.T) {
	cases := map[string]string{
		"/api/v1/tenants":     "tenants",
		"/api/v1/tenants/3":   "tenants",
		"/api/v1/platforms/9": "platforms",
		"/data/info":          "info",
		"/":                   "",
	}
	for path, want := range cases {
		if got := resourceFromPath(path); got != want {
			t.Errorf("resourceFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestAuditRecordsSuccessfulWrite(t *testing.T) {
	r, mock := auditRouter(t, AuditOptions{}, http.StatusCreated)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/things", nil)
	req.Header.Set("User-Agent", "test-agent")
	r.ServeHTTP(w, req)

	waitForExpectations(t, mock)
}

func TestAuditSkipsReadsByDefault(t *testing.T) {
	r, mock := auditRouter(t, AuditOptions{}, http.StatusOK)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things", nil))

	time.Sleep(50 * time.Millisecond)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestAuditSkipsFailuresByDefault(t *testing.T) {
	r, mock := auditRouter(t, AuditOptions{}, http.StatusUnprocessableEntity)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/things", nil))

	time.Sleep(50 * time.Millisecond)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestAuditRecordsReadsWhenEnabled(t *testing.T) {
	r, mock := auditRouter(t, AuditOptions{LogReadOperations: true}, http.StatusOK)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things", nil))

	waitForExpectations(t, mock)
}

func TestAuditRecordsFailuresWhenEnabled(t *testing.T) {
	r, mock := auditRouter(t, AuditOptions{LogFailedRequests: true}, http.StatusInternalServerError)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/things", nil))

	waitForExpectations(t, mock)
}
