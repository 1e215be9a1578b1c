package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/services"
	"example.com/backstage/tickets/internal/tracing"
)

// CatalogHandler serves the public published-event catalog
type CatalogHandler struct {
	catalogService *services.CatalogService
	tracer         tracing.Tracer
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(catalogService *services.CatalogService, tracer tracing.Tracer) *CatalogHandler {
	return &CatalogHandler{
		catalogService: catalogService,
		tracer:         tracer,
	}
}

// HandleListPublishedEvents lists published events, filtered by ?q= when
// given
func (h *CatalogHandler) HandleListPublishedEvents(c *gin.Context) {
	page, err := h.catalogService.SearchPublishedEvents(c.Request.Context(), c.Query("q"), pageRequest(c))
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// HandleGetPublishedEvent returns one published event
func (h *CatalogHandler) HandleGetPublishedEvent(c *gin.Context) {
	id, err := pathID(c, "eventId", models.ErrEventNotFound)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	event, err := h.catalogService.GetPublishedEvent(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

// RegisterRoutes registers the handler's routes
func (h *CatalogHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/published-events", h.HandleListPublishedEvents)
	group.GET("/published-events/:eventId", h.HandleGetPublishedEvent)
}
