package enrich

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/osprey-sec/enrichd/internal/entity"
	"github.com/osprey-sec/enrichd/internal/provider"
)

// Handler provides HTTP endpoints for the enrichment pipeline
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new enrichment handler
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterRoutes sets up enrichment endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/enrich/:type/:value", h.EnrichEntity)
	r.GET("/enrich/:type/:value/history", h.GetHistory)
	r.GET("/breakers", h.GetBreakers)
	r.GET("/cache/stats", h.GetCacheStats)
}

// EnrichEntity runs an enrichment cycle and returns the composite assessment.
// GET /v1/enrich/:type/:value?refresh=true
func (h *Handler) EnrichEntity(c *gin.Context) {
	t, err := entity.ParseType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": err.Error(),
		})
		return
	}

	forceRefresh := c.Query("refresh") == "true"

	resp, err := h.orchestrator.Enrich(c.Request.Context(), t, c.Param("value"), forceRefresh)
	if err != nil {
		var ve *entity.ValidationError
		if errors.As(err, &ve) || errors.Is(err, provider.ErrUnsupportedEntity) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "enrichment_failed",
			"message": "Enrichment could not be completed",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetHistory returns prior cache records for the entity value.
// GET /v1/enrich/:type/:value/history?limit=20
func (h *Handler) GetHistory(c *gin.Context) {
	t, err := entity.ParseType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": err.Error(),
		})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	value := entity.Normalize(t, c.Param("value"))
	records, err := h.orchestrator.History(c.Request.Context(), value, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_unavailable",
			"message": "Could not read enrichment history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entityValue": value,
		"records":     records,
		"count":       len(records),
	})
}

// GetBreakers returns a snapshot of every provider circuit breaker.
// GET /v1/breakers
func (h *Handler) GetBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"breakers": h.orchestrator.Breakers(),
	})
}

// GetCacheStats returns store-wide cache counters.
// GET /v1/cache/stats
func (h *Handler) GetCacheStats(c *gin.Context) {
	stats, err := h.orchestrator.CacheStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "stats_unavailable",
			"message": "Could not read cache statistics",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
