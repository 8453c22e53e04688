package privacy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privacore/privgate/internal/validation"
)

// Handler provides HTTP endpoints for privatized analytics and budget
// inspection.
type Handler struct {
	accountant *Accountant
}

// NewHandler creates a new privacy handler.
func NewHandler(accountant *Accountant) *Handler {
	return &Handler{accountant: accountant}
}

// RegisterRoutes sets up privacy routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analytics/query", h.Query)
	r.GET("/privacy/budget/:entity", h.Budget)
}

// Query handles POST /v1/analytics/query
func (h *Handler) Query(c *gin.Context) {
	var q Query
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	q.Entity = validation.SanitizeString(q.Entity, validation.MaxIdentifierLength)

	res, err := h.accountant.Apply(c.Request.Context(), &q)
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "budget_exceeded", "message": err.Error()})
		return
	case errors.Is(err, ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Budget handles GET /v1/privacy/budget/:entity
func (h *Handler) Budget(c *gin.Context) {
	entity := validation.SanitizeString(c.Param("entity"), validation.MaxIdentifierLength)

	b, err := h.accountant.Ledger().Budget(c.Request.Context(), entity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "budget_lookup_failed", "message": err.Error()})
		return
	}
	threshold := h.accountant.Ledger().Threshold()
	c.JSON(http.StatusOK, gin.H{
		"entity":    b.Entity,
		"epsilon":   b.Epsilon,
		"delta":     b.Delta,
		"queries":   b.Queries,
		"reset_at":  b.ResetAt,
		"threshold": threshold,
		"remaining": b.Remaining(threshold),
	})
}
