package admission

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the admission check endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new admission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up admission endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admission/check", h.Check)
	r.POST("/admission/wait", h.Wait)
}

// CheckRequest asks whether a send may proceed.
type CheckRequest struct {
	KlienID    string `json:"klienId" binding:"required"`
	SenderID   string `json:"senderId" binding:"required"`
	CampaignID string `json:"campaignId" binding:"required"`
	Amount     int    `json:"amount"`
}

// Check runs the full admission gate and, on success, charges tokens.
func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain 'klienId', 'senderId' and 'campaignId'",
		})
		return
	}

	decision, err := h.service.CheckAdmission(c.Request.Context(), Request{
		KlienID:    req.KlienID,
		SenderID:   req.SenderID,
		CampaignID: req.CampaignID,
		Amount:     req.Amount,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "admission_unavailable",
			"message": err.Error(),
		})
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		// 429 carries the advisory wait so well-behaved callers back off.
		status = http.StatusTooManyRequests
		if decision.DenyReason == DenyRestricted || decision.DenyReason == DenyThrottled {
			status = http.StatusForbidden
		}
	}
	c.JSON(status, decision)
}

// Wait estimates how long until the request would pass the bucket gate,
// without consuming tokens.
func (h *Handler) Wait(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain 'klienId', 'senderId' and 'campaignId'",
		})
		return
	}

	wait, err := h.service.WaitTime(c.Request.Context(), Request{
		KlienID:    req.KlienID,
		SenderID:   req.SenderID,
		CampaignID: req.CampaignID,
		Amount:     req.Amount,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "admission_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"waitSeconds": int64(wait.Seconds())})
}
