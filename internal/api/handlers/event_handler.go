package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/tickets/internal/api/middleware"
	"example.com/backstage/tickets/internal/api/response"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/services"
	"example.com/backstage/tickets/internal/tracing"
)

// EventHandler handles organizer event requests
type EventHandler struct {
	eventService *services.EventService
	tracer       tracing.Tracer
}

// NewEventHandler creates a new event handler
func NewEventHandler(eventService *services.EventService, tracer tracing.Tracer) *EventHandler {
	return &EventHandler{
		eventService: eventService,
		tracer:       tracer,
	}
}

// HandleCreateEvent creates an event owned by the caller
func (h *EventHandler) HandleCreateEvent(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.WriteError(c, response.NewValidationError(err.Error()))
		return
	}

	event, err := h.eventService.CreateEvent(c.Request.Context(), caller, req.toInput())
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

// HandleListEvents pages through the caller's events
func (h *EventHandler) HandleListEvents(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	page, err := h.eventService.ListEventsForOrganizer(c.Request.Context(), caller, pageRequest(c))
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// HandleGetEvent returns one of the caller's events
func (h *EventHandler) HandleGetEvent(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	id, err := pathID(c, "eventId", models.ErrEventNotFound)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	event, err := h.eventService.GetEventForOrganizer(c.Request.Context(), caller, id)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

// HandleUpdateEvent applies an organizer edit, ticket types included
func (h *EventHandler) HandleUpdateEvent(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	id, err := pathID(c, "eventId", models.ErrEventNotFound)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	var req UpdateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.WriteError(c, response.NewValidationError(err.Error()))
		return
	}

	event, err := h.eventService.UpdateEventForOrganizer(c.Request.Context(), caller, id, req.toInput())
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

// HandleDeleteEvent removes one of the caller's events. Absent events are
// not an error.
func (h *EventHandler) HandleDeleteEvent(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	id, err := pathID(c, "eventId", models.ErrEventNotFound)
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.eventService.DeleteEventForOrganizer(c.Request.Context(), caller, id); err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the handler's routes
func (h *EventHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/events", h.HandleCreateEvent)
	group.GET("/events", h.HandleListEvents)
	group.GET("/events/:eventId", h.HandleGetEvent)
	group.PUT("/events/:eventId", h.HandleUpdateEvent)
	group.DELETE("/events/:eventId", h.HandleDeleteEvent)
}
