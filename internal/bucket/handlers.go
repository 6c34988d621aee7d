package bucket

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for bucket inspection and admin limits.
type Handler struct {
	limiter *Limiter
}

// NewHandler creates a bucket handler.
func NewHandler(limiter *Limiter) *Handler {
	return &Handler{limiter: limiter}
}

// RegisterRoutes sets up read-only bucket endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/buckets/:scopeKey", h.GetBucket)
}

// RegisterAdminRoutes sets up force-limit endpoints. The caller mounts
// these behind the admin-secret middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/buckets/:scopeKey/limit", h.ForceLimit)
	r.DELETE("/buckets/:scopeKey/limit", h.ClearLimit)
}

// GetBucket returns the refilled state of a bucket plus a wait estimate.
// GET /v1/buckets/:scopeKey?amount=1
func (h *Handler) GetBucket(c *gin.Context) {
	key := c.Param("scopeKey")

	amount := 1
	if raw := c.Query("amount"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "amount must be a positive integer",
			})
			return
		}
		amount = parsed
	}

	b, err := h.limiter.Peek(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "bucket_not_found",
				"message": "No bucket exists for this scope key yet",
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Bucket store temporarily unavailable",
		})
		return
	}

	wait, err := h.limiter.WaitTime(c.Request.Context(), key, amount)
	if err != nil {
		wait = 0
	}

	c.JSON(http.StatusOK, gin.H{
		"bucket":      b,
		"waitSeconds": wait,
	})
}

// ForceLimitRequest is the admin payload for a hard limit.
type ForceLimitRequest struct {
	DurationSeconds int64  `json:"durationSeconds" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
}

// ForceLimit applies an administrative hard limit to a bucket.
// POST /v1/admin/buckets/:scopeKey/limit
func (h *Handler) ForceLimit(c *gin.Context) {
	key := c.Param("scopeKey")

	var req ForceLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "durationSeconds and reason are required",
		})
		return
	}
	if req.DurationSeconds <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "durationSeconds must be positive",
		})
		return
	}

	err := h.limiter.ForceLimit(c.Request.Context(), key, time.Duration(req.DurationSeconds)*time.Second, req.Reason)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "bucket_not_found",
				"message": "No bucket exists for this scope key yet",
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Bucket store temporarily unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "limited", "scopeKey": key})
}

// ClearLimit removes an administrative hard limit.
// DELETE /v1/admin/buckets/:scopeKey/limit
func (h *Handler) ClearLimit(c *gin.Context) {
	key := c.Param("scopeKey")

	err := h.limiter.ClearLimit(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "bucket_not_found",
				"message": "No bucket exists for this scope key yet",
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Bucket store temporarily unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cleared", "scopeKey": key})
}
