// Package admin implements the JWT-protected control surface: tenant and
// platform lifecycle endpoints, including the credentials disclosure route.
package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tenantcore/tenantcore/internal/middleware"
	"github.com/tenantcore/tenantcore/internal/services"
)

// TenantHandlers handles tenant management endpoints. It holds one service
// per control-schema copy; the request's host binding picks which one runs.
type TenantHandlers struct {
	prod *services.TenantService
	sand *services.TenantService
}

// NewTenantHandlers creates a TenantHandlers instance.
func NewTenantHandlers(prod, sand *services.TenantService) *TenantHandlers {
	return &TenantHandlers{prod: prod, sand: sand}
}

// svc picks the service for the control-schema copy the request was bound
// to, so sandbox-host lifecycle calls operate on the sand copy.
func (h *TenantHandlers) svc(c *gin.Context) *services.TenantService {
	if b := middleware.GetBinding(c); b != nil && b.Schema == "sand" {
		return h.sand
	}
	return h.prod
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset, page int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return perPage, (page - 1) * perPage, page
}

// serviceError maps service-layer failures onto HTTP responses.
func serviceError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, services.ErrSlugReserved),
		errors.Is(err, services.ErrSlugInvalid),
		errors.Is(err, services.ErrSlugTooLong):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": action})
	}
}

// CreateTenantHandler provisions a new tenant.
// POST /api/v1/tenants
//
// The request blocks until the tenant's database, roles, schemas, and
// migrations are fully in place; a provisioning failure rolls everything
// back and returns 500 with the row removed.
func (h *TenantHandlers) CreateTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		tenant, err := h.svc(c).Create(c.Request.Context(), in)
		if err != nil {
			serviceError(c, err, "failed to create tenant")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"tenant": tenant})
	}
}

// ListTenantsHandler lists live tenants with pagination.
// GET /api/v1/tenants?page=1&per_page=20
func (h *TenantHandlers) ListTenantsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset, page := pagination(c)

		tenants, total, err := h.svc(c).List(c.Request.Context(), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tenants"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"tenants": tenants,
			"pagination": gin.H{
				"page":     page,
				"per_page": limit,
				"total":    total,
			},
		})
	}
}

// GetTenantHandler retrieves a single live tenant.
// GET /api/v1/tenants/:id
func (h *TenantHandlers) GetTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		tenant, err := h.svc(c).Get(c.Request.Context(), id)
		if err != nil {
			serviceError(c, err, "failed to retrieve tenant")
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant": tenant})
	}
}

// UpdateTenantHandler mutates the non-structural fields of a tenant.
// PUT /api/v1/tenants/:id
func (h *TenantHandlers) UpdateTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		var in services.UpdateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		tenant, err := h.svc(c).Update(c.Request.Context(), id, in)
		if err != nil {
			serviceError(c, err, "failed to update tenant")
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant": tenant})
	}
}

// DeleteTenantHandler soft-deletes a tenant. The physical database stays in
// place so the record can be restored.
// DELETE /api/v1/tenants/:id
func (h *TenantHandlers) DeleteTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		if err := h.svc(c).Delete(c.Request.Context(), id); err != nil {
			serviceError(c, err, "failed to delete tenant")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "tenant deleted"})
	}
}

// RestoreTenantHandler clears the soft-delete marker.
// POST /api/v1/tenants/:id/restore
func (h *TenantHandlers) RestoreTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		tenant, err := h.svc(c).Restore(c.Request.Context(), id)
		if err != nil {
			serviceError(c, err, "failed to restore tenant")
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant": tenant})
	}
}

// TenantCredentialsHandler discloses the decrypted role credentials,
// including for soft-deleted tenants.
// GET /api/v1/tenants/:id/credentials
func (h *TenantHandlers) TenantCredentialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		creds, err := h.svc(c).Credentials(c.Request.Context(), id)
		if err != nil {
			serviceError(c, err, "failed to retrieve credentials")
			return
		}
		c.JSON(http.StatusOK, gin.H{"credentials": creds})
	}
}
