package consent

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privacore/privgate/internal/validation"
)

// Handler provides HTTP endpoints for consent records.
type Handler struct {
	matrix *Matrix
}

// NewHandler creates a new consent handler.
func NewHandler(matrix *Matrix) *Handler {
	return &Handler{matrix: matrix}
}

// RegisterRoutes sets up consent routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/consent/:subject", h.Get)
	r.PUT("/consent/:subject", h.Update)
	r.POST("/consent/:subject/check", h.Check)
}

// Get handles GET /v1/consent/:subject
func (h *Handler) Get(c *gin.Context) {
	subject := validation.SanitizeString(c.Param("subject"), validation.MaxIdentifierLength)

	rec, err := h.matrix.Get(c.Request.Context(), subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consent_lookup_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Update handles PUT /v1/consent/:subject
func (h *Handler) Update(c *gin.Context) {
	subject := validation.SanitizeString(c.Param("subject"), validation.MaxIdentifierLength)

	var req struct {
		Purposes []string `json:"purposes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "purposes list required"})
		return
	}

	rec, err := h.matrix.Update(c.Request.Context(), subject, req.Purposes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_purposes", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Check handles POST /v1/consent/:subject/check
func (h *Handler) Check(c *gin.Context) {
	subject := validation.SanitizeString(c.Param("subject"), validation.MaxIdentifierLength)

	var req struct {
		Purposes []string `json:"purposes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "purposes list required"})
		return
	}

	mask, err := BuildMask(req.Purposes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_purposes", "message": err.Error()})
		return
	}

	granted, err := h.matrix.Check(c.Request.Context(), subject, mask)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consent_lookup_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "granted": granted, "purposes": mask.Names()})
}
