package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wisnuaw/blastgate/internal/restriction"
)

// Handler exposes the evaluator over HTTP for operational use.
type Handler struct {
	evaluator *Evaluator
}

// NewHandler creates a policy handler.
func NewHandler(evaluator *Evaluator) *Handler {
	return &Handler{evaluator: evaluator}
}

// RegisterRoutes sets up the read-only policy route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy/thresholds", h.Thresholds)
}

// RegisterAdminRoutes sets up the admin-gated policy routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/policy/evaluate/:klienId", h.Evaluate)
	r.POST("/policy/maintain/:klienId", h.Maintain)
}

// Thresholds returns the active tuning.
func (h *Handler) Thresholds(c *gin.Context) {
	c.JSON(http.StatusOK, h.evaluator.Thresholds())
}

// Evaluate forces a thresholds pass for one klien.
func (h *Handler) Evaluate(c *gin.Context) {
	r, err := h.evaluator.Evaluate(c.Request.Context(), c.Param("klienId"))
	if err != nil {
		if errors.Is(err, restriction.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "record_not_found",
				"message": "no restriction record for this klien",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "evaluation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, r)
}

// Maintain forces a maintenance pass for one klien.
func (h *Handler) Maintain(c *gin.Context) {
	r, err := h.evaluator.MaintainKlien(c.Request.Context(), c.Param("klienId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "maintenance_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, r)
}
