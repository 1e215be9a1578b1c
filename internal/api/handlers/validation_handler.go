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

// ValidationHandler handles staff ticket validations
type ValidationHandler struct {
	validationService *services.ValidationService
	tracer            tracing.Tracer
}

// NewValidationHandler creates a new validation handler
func NewValidationHandler(validationService *services.ValidationService, tracer tracing.Tracer) *ValidationHandler {
	return &ValidationHandler{
		validationService: validationService,
		tracer:            tracer,
	}
}

// HandleValidateTicket records one validation attempt. Method defaults to
// QR_SCAN.
func (h *ValidationHandler) HandleValidateTicket(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	var req TicketValidationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.WriteError(c, response.NewValidationError(err.Error()))
		return
	}
	if req.Method == "" {
		req.Method = models.TicketValidationMethodQRScan
	}

	validation, err := h.validationService.ValidateTicket(c.Request.Context(), caller, services.TicketValidationInput{
		Code:   req.ID,
		Method: req.Method,
	})
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, validation)
}

// RegisterRoutes registers the handler's routes
func (h *ValidationHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/ticket-validations", h.HandleValidateTicket)
}
