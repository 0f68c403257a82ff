// platforms.go mirrors the tenant endpoints for platform records.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tenantcore/tenantcore/internal/middleware"
	"github.com/tenantcore/tenantcore/internal/services"
)

// PlatformHandlers handles platform management endpoints. Like
// TenantHandlers it holds one service per control-schema copy.
type PlatformHandlers struct {
	prod *services.PlatformService
	sand *services.PlatformService
}

// NewPlatformHandlers creates a PlatformHandlers instance.
func NewPlatformHandlers(prod, sand *services.PlatformService) *PlatformHandlers {
	return &PlatformHandlers{prod: prod, sand: sand}
}

func (h *PlatformHandlers) svc(c *gin.Context) *services.PlatformService {
	if b := middleware.GetBinding(c); b != nil && b.Schema == "sand" {
		return h.sand
	}
	return h.prod
}

// CreatePlatformHandler provisions a new platform. Unlike tenant creation
// this is not retry-safe: a half-provisioned platform fails loudly.
// POST /api/v1/platforms
func (h *PlatformHandlers) CreatePlatformHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		platform, err := h.svc(c).Create(c.Request.Context(), in)
		if err != nil {
			serviceError(c, err, "failed to create platform")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"platform": platform})
	}
}

// ListPlatformsHandler lists live platforms with pagination.
// GET /api/v1/platforms?page=1&per_page=20
func (h *PlatformHandlers) ListPlatformsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset, page := pagination(c)

		platforms, total, err := h.svc(c).List(c.Request.Context(), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list platforms"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"platforms": platforms,
			"pagination": gin.H{
				"page":     page,
				"per_page": limit,
				"total":    total,
			},
		})
	}
}

// GetPlatformHandler retrieves a single live platform.
// GET /api/v1/platforms/:id
func (h *PlatformHandlers) GetPlatformHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		platform, err := h.svc(c).Get(c.Request.Context(), id)
		if err != nil {
			serviceError(c, err, "failed to retrieve platform")
			return
		}
		c.JSON(http.StatusOK, gin.H{"platform": platform})
	}
}

// UpdatePlatformHandler mutates the non-structural fields of a platform.
// PUT /api/v1/platforms/:id
func (h *PlatformHandlers) UpdatePlatformHandler() gin.HandlerFunc {
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

		platform, err := h.svc(c).Update(c.Request.Context(), id, in)
		if err != nil {
			serviceError(c, err, "failed to update platform")
			return
		}
		c.JSON(http.StatusOK, gin.H{"platform": platform})
	}
}

// DeletePlatformHandler soft-deletes a platform.
// DELETE /api/v1/platforms/:id
func (h *PlatformHandlers) DeletePlatformHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		if err := h.svc(c).Delete(c.Request.Context(), id); err != nil {
			serviceError(c, err, "failed to delete platform")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "platform deleted"})
	}
}

// RestorePlatformHandler clears the soft-delete marker.
// POST /api/v1/platforms/:id/restore
func (h *PlatformHandlers) RestorePlatformHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		platform, err := h.svc(c).Restore(c.Request.Context(), id)
		if err != nil {
			serviceError(c, err, "failed to restore platform")
			return
		}
		c.JSON(http.StatusOK, gin.H{"platform": platform})
	}
}

// PlatformCredentialsHandler discloses the decrypted role credentials.
// GET /api/v1/platforms/:id/credentials
func (h *PlatformHandlers) PlatformCredentialsHandler() gin.HandlerFunc {
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
