package delivery

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wisnuaw/blastgate/internal/pagination"
)

// Handler provides the webhook ingest endpoint and message-status reads.
type Handler struct {
	processor *Processor
}

// NewHandler creates a new delivery handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterIngestRoute sets up the provider callback endpoint. The caller
// mounts it behind signature verification when a webhook secret is set.
func (h *Handler) RegisterIngestRoute(r *gin.RouterGroup) {
	r.POST("/webhooks/delivery", h.Ingest)
}

// RegisterRoutes sets up the message-status read endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/messages/:messageId", h.GetStatus)
	r.GET("/messages/:messageId/events", h.ListEvents)
}

// RegisterKlienRoutes sets up klien-scoped reads. The caller wraps the
// group in ownership middleware.
func (h *Handler) RegisterKlienRoutes(r *gin.RouterGroup) {
	r.GET("/kliens/:klienId/delivery-events", h.ListKlienEvents)
}

// CallbackRequest is the wire shape of a provider delivery callback.
// Timestamps arrive as unix seconds, the way the provider sends them.
type CallbackRequest struct {
	ProviderMessageID string `json:"providerMessageId" binding:"required"`
	Provider          string `json:"provider"`
	Type              string `json:"type" binding:"required"`
	Timestamp         int64  `json:"timestamp" binding:"required"`
	ErrorCode         string `json:"errorCode"`
	PhoneNumber       string `json:"phoneNumber"`
	KlienID           string `json:"klienId"`
	SenderID          string `json:"senderId"`
}

// Ingest processes one provider callback. Duplicates and out-of-order
// events return 200 with the audit record; the provider should not retry
// them.
func (h *Handler) Ingest(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain 'providerMessageId', 'type' and a unix 'timestamp'",
		})
		return
	}

	cb := &Callback{
		ProviderMessageID: req.ProviderMessageID,
		Provider:          req.Provider,
		Type:              EventType(req.Type),
		Timestamp:         time.Unix(req.Timestamp, 0).UTC(),
		ErrorCode:         req.ErrorCode,
		PhoneNumber:       req.PhoneNumber,
		KlienID:           req.KlienID,
		SenderID:          req.SenderID,
	}

	ev, err := h.processor.Process(c.Request.Context(), cb)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_callback",
				"message": ve.Error(),
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "processing_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// GetStatus returns the last-known effective status for a message.
func (h *Handler) GetStatus(c *gin.Context) {
	m, err := h.processor.MessageStatus(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "message_not_found",
				"message": "No delivery status exists for this message",
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": m})
}

// ListEvents returns the audit trail for a message, newest first.
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 50
	offset := 0
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
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_offset",
				"message": "offset must be a non-negative integer",
			})
			return
		}
		offset = n
	}

	events, total, err := h.processor.Events(c.Request.Context(), c.Param("messageId"), limit, offset)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	if events == nil {
		events = []*DeliveryEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ListKlienEvents returns the cross-message event feed for a klien,
// newest first, with an opaque cursor for the next page.
func (h *Handler) ListKlienEvents(c *gin.Context) {
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

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed; omit it to start from the newest event",
		})
		return
	}

	var before time.Time
	var beforeID string
	if cursor != nil {
		before = cursor.CreatedAt
		beforeID = cursor.ID
	}

	// Fetch one extra row to detect whether another page exists.
	events, err := h.processor.KlienEvents(c.Request.Context(), c.Param("klienId"), before, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}

	events, next, hasMore := pagination.ComputePage(events, limit, func(ev *DeliveryEvent) (time.Time, string) {
		return ev.ReceivedAt, ev.ID
	})
	if events == nil {
		events = []*DeliveryEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
