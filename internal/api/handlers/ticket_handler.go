package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"

	"example.com/backstage/tickets/internal/api/middleware"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/services"
	"example.com/backstage/tickets/internal/tracing"
)

// TicketHandler handles buyer ticket requests
type TicketHandler struct {
	ticketService *services.TicketService
	tracer        tracing.Tracer
}

// NewTicketHandler creates a new ticket handler
func NewTicketHandler(ticketService *services.TicketService, tracer tracing.Tracer) *TicketHandler {
	return &TicketHandler{
		ticketService: ticketService,
		tracer:        tracer,
	}
}

// HandlePurchaseTicket issues one ticket of the path ticket type to the
// caller
func (h *TicketHandler) HandlePurchaseTicket(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	eventID, err := pathID(c, "eventId", models.ErrEventNotFound)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}
	ticketTypeID, err := pathID(c, "ticketTypeId", models.ErrTicketTypeNotFound)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	txn := nrgin.Transaction(c)
	h.tracer.AddAttribute(txn, "event_id", eventID.String())
	h.tracer.AddAttribute(txn, "ticket_type_id", ticketTypeID.String())

	result, err := h.ticketService.PurchaseTicket(c.Request.Context(), caller, eventID, ticketTypeID)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	resp := PurchaseResponse{Ticket: *result.Ticket}
	if result.Credential != nil {
		resp.QRCode = result.Credential.Payload
	}
	c.JSON(http.StatusCreated, resp)
}

// HandleListTickets pages through the caller's tickets
func (h *TicketHandler) HandleListTickets(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	page, err := h.ticketService.ListTicketsForUser(c.Request.Context(), caller, pageRequest(c))
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// HandleGetTicket returns one of the caller's tickets
func (h *TicketHandler) HandleGetTicket(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	id, err := pathID(c, "ticketId", models.ErrTicketNotFound)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	ticket, err := h.ticketService.GetTicketForUser(c.Request.Context(), caller, id)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// HandleGetQRCode renders the QR credential of one of the caller's tickets
func (h *TicketHandler) HandleGetQRCode(c *gin.Context) {
	caller, _ := middleware.CallerFromContext(c)

	id, err := pathID(c, "ticketId", models.ErrTicketNotFound)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	cred, err := h.ticketService.GetCredentialForUser(c.Request.Context(), caller, id)
	if err != nil {
		writeError(c, h.tracer, err)
		return
	}

	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, cred.ContentType, cred.Image)
}

// RegisterRoutes registers the handler's routes
func (h *TicketHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/events/:eventId/ticket-types/:ticketTypeId/tickets", h.HandlePurchaseTicket)
	group.GET("/tickets", h.HandleListTickets)
	group.GET("/tickets/:ticketId", h.HandleGetTicket)
	group.GET("/tickets/:ticketId/qr-codes", h.HandleGetQRCode)
}
