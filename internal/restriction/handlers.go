package restriction

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for restriction records.
type Handler struct {
	machine *Machine
}

// NewHandler creates a new restriction handler.
func NewHandler(machine *Machine) *Handler {
	return &Handler{machine: machine}
}

// RegisterRoutes sets up read-only restriction endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/restrictions/:klienId", h.GetRecord)
	r.GET("/restrictions/:klienId/transitions", h.ListTransitions)
}

// RegisterAdminRoutes sets up transition and override endpoints. The
// caller wraps the group in admin auth middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/restrictions/:klienId/transition", h.Transition)
	r.PUT("/restrictions/:klienId/override", h.SetOverride)
	r.DELETE("/restrictions/:klienId/override", h.ClearOverride)
}

// GetRecord returns the restriction record plus the evaluated send
// capability (override-aware).
func (h *Handler) GetRecord(c *gin.Context) {
	klienID := c.Param("klienId")

	canSend, r, err := h.machine.CanSendMessages(c.Request.Context(), klienID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "record_not_found",
				"message": "No restriction record exists for this klien",
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"record":  r,
		"canSend": canSend,
	})
}

// ListTransitions returns the most recent status changes for a klien.
func (h *Handler) ListTransitions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 500",
			})
			return
		}
		limit = n
	}

	transitions, err := h.machine.Transitions(c.Request.Context(), c.Param("klienId"), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	if transitions == nil {
		transitions = []*Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions, "count": len(transitions)})
}

// TransitionRequest moves a klien to a new status.
type TransitionRequest struct {
	Status Status `json:"status" binding:"required"`
	Reason string `json:"reason" binding:"required"`
	Force  bool   `json:"force"`
}

// Transition applies a status change, honoring the transition table
// unless force is set.
func (h *Handler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain 'status' and 'reason'",
		})
		return
	}

	r, err := h.machine.TransitionTo(c.Request.Context(), c.Param("klienId"), req.Status, req.Reason, req.Force)
	if err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "invalid_transition",
				"message": ite.Error(),
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": r})
}

// OverrideRequest applies a time-bounded manual exception.
type OverrideRequest struct {
	Type            string `json:"type" binding:"required"`
	By              string `json:"by" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	DurationSeconds int    `json:"durationSeconds" binding:"required,min=1"`
}

// SetOverride installs an admin override on a klien.
func (h *Handler) SetOverride(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain 'type', 'by', 'reason' and a positive 'durationSeconds'",
		})
		return
	}

	expiresAt := time.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	r, err := h.machine.SetOverride(c.Request.Context(), c.Param("klienId"), req.Type, req.By, req.Reason, expiresAt)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": r})
}

// ClearOverride removes any manual exception from a klien.
func (h *Handler) ClearOverride(c *gin.Context) {
	r, err := h.machine.ClearOverride(c.Request.Context(), c.Param("klienId"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": r})
}
