package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for risk profiles.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up read-only risk endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/:entityType/:entityId", h.GetProfile)
	r.GET("/risk/:entityType/:entityId/incidents", h.ListIncidents)
}

// RegisterAdminRoutes sets up override endpoints. The caller wraps the
// group in admin auth middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/risk/:entityType/:entityId/flags", h.SetFlags)
	r.POST("/risk/:entityType/:entityId/incidents", h.ReportIncident)
	r.POST("/risk/:entityType/:entityId/decay", h.ApplyDecay)
}

func parseEntityType(raw string) (EntityType, bool) {
	switch EntityType(raw) {
	case EntityUser, EntitySender, EntityCampaign:
		return EntityType(raw), true
	}
	return "", false
}

// GetProfile returns the risk profile plus the derived throttle multiplier.
func (h *Handler) GetProfile(c *gin.Context) {
	typ, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "Entity type must be one of: user, sender, campaign",
		})
		return
	}

	p, err := h.engine.Get(c.Request.Context(), typ, c.Param("entityId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "profile_not_found",
				"message": "No risk profile exists for this entity",
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
		"profile":            p,
		"effectiveLevel":     p.EffectiveLevel(),
		"throttleMultiplier": h.engine.ThrottleMultiplier(p),
	})
}

// ListIncidents returns the most recent incidents for an entity.
func (h *Handler) ListIncidents(c *gin.Context) {
	typ, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "Entity type must be one of: user, sender, campaign",
		})
		return
	}

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

	incidents, err := h.engine.Incidents(c.Request.Context(), typ, c.Param("entityId"), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	if incidents == nil {
		incidents = []*Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

// FlagsRequest toggles the whitelist/blacklist overrides. Omitted fields
// are left unchanged.
type FlagsRequest struct {
	Whitelisted *bool `json:"whitelisted"`
	Blacklisted *bool `json:"blacklisted"`
}

// SetFlags updates list overrides for an entity.
func (h *Handler) SetFlags(c *gin.Context) {
	typ, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "Entity type must be one of: user, sender, campaign",
		})
		return
	}

	var req FlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain 'whitelisted' and/or 'blacklisted' booleans",
		})
		return
	}
	if req.Whitelisted == nil && req.Blacklisted == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "At least one of 'whitelisted' or 'blacklisted' is required",
		})
		return
	}

	p, err := h.engine.SetFlags(c.Request.Context(), typ, c.Param("entityId"), req.Whitelisted, req.Blacklisted)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "effectiveLevel": p.EffectiveLevel()})
}

// IncidentRequest reports a trust-damaging event against an entity.
// KlienID attributes the entity's profile to its owning klien when the
// profile does not exist yet.
type IncidentRequest struct {
	Severity float64 `json:"severity" binding:"required"`
	Category string  `json:"category"`
	Detail   string  `json:"detail"`
	KlienID  string  `json:"klienId"`
}

// ReportIncident records an incident and returns the updated profile.
func (h *Handler) ReportIncident(c *gin.Context) {
	typ, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "Entity type must be one of: user, sender, campaign",
		})
		return
	}

	var req IncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must contain a non-zero 'severity'",
		})
		return
	}
	if req.Severity < 0 || req.Severity > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_severity",
			"message": "severity must be between 0 and 100",
		})
		return
	}

	p, err := h.engine.RecordIncident(c.Request.Context(), typ, c.Param("entityId"), req.KlienID, req.Severity, req.Category, req.Detail)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile":            p,
		"throttleMultiplier": h.engine.ThrottleMultiplier(p),
	})
}

// ApplyDecay triggers an immediate decay evaluation for one entity.
// Normally the background worker does this; the endpoint exists for
// operational nudges.
func (h *Handler) ApplyDecay(c *gin.Context) {
	typ, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "Entity type must be one of: user, sender, campaign",
		})
		return
	}

	p, err := h.engine.ApplyDecay(c.Request.Context(), typ, c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "decayedAt": p.LastDecayAt.Format(time.RFC3339)})
}
