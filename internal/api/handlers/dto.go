package handlers

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"

	"example.com/backstage/tickets/internal/api/response"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/services"
	"example.com/backstage/tickets/internal/tracing"
)

// TicketTypeRequest is one entry of an event's submitted ticket type list
type TicketTypeRequest struct {
	ID             *uuid.UUID `json:"id"`
	Name           string     `json:"name" binding:"required,max=255"`
	Price          float64    `json:"price" binding:"gte=0"`
	Description    string     `json:"description" binding:"max=2000"`
	TotalAvailable int        `json:"total_available" binding:"gte=0"`
}

// CreateEventRequest is the body of an event creation
type CreateEventRequest struct {
	Name        string              `json:"name" binding:"required,max=255"`
	Venue       string              `json:"venue" binding:"required,max=255"`
	Start       *time.Time          `json:"start"`
	End         *time.Time          `json:"end"`
	SalesStart  *time.Time          `json:"sales_start"`
	SalesEnd    *time.Time          `json:"sales_end"`
	Status      models.EventStatus  `json:"status" binding:"omitempty,oneof=DRAFT PUBLISHED CANCELLED"`
	TicketTypes []TicketTypeRequest `json:"ticket_types" binding:"dive"`
}

// UpdateEventRequest is the body of an event edit. ID must repeat the path id.
type UpdateEventRequest struct {
	ID *uuid.UUID `json:"id"`
	CreateEventRequest
}

// TicketValidationRequest is a staff scan or manual entry
type TicketValidationRequest struct {
	ID     string                        `json:"id" binding:"required"`
	Method models.TicketValidationMethod `json:"method" binding:"omitempty,oneof=QR_SCAN MANUAL"`
}

// PurchaseResponse is a freshly issued ticket. QRCode is the credential
// payload, empty when rendering failed.
type PurchaseResponse struct {
	models.Ticket
	QRCode string `json:"qr_code,omitempty"`
}

var registerOnce sync.Once

// RegisterValidators installs the struct level checks on gin's validator
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterStructValidation(eventWindowValidation, CreateEventRequest{})
	})
}

// eventWindowValidation rejects windows that end before they start
func eventWindowValidation(sl validator.StructLevel) {
	req := sl.Current().Interface().(CreateEventRequest)

	if req.Start != nil && req.End != nil && req.End.Before(*req.Start) {
		sl.ReportError(req.End, "End", "end", "gtefield", "Start")
	}
	if req.SalesStart != nil && req.SalesEnd != nil && req.SalesEnd.Before(*req.SalesStart) {
		sl.ReportError(req.SalesEnd, "SalesEnd", "sales_end", "gtefield", "SalesStart")
	}
}

func (r CreateEventRequest) toInput() services.EventInput {
	edits := make([]services.TicketTypeEdit, len(r.TicketTypes))
	for i, tt := range r.TicketTypes {
		edits[i] = services.TicketTypeEdit{
			ID:             tt.ID,
			Name:           tt.Name,
			Price:          tt.Price,
			Description:    tt.Description,
			TotalAvailable: tt.TotalAvailable,
		}
	}
	return services.EventInput{
		Name:        r.Name,
		Venue:       r.Venue,
		Start:       r.Start,
		End:         r.End,
		SalesStart:  r.SalesStart,
		SalesEnd:    r.SalesEnd,
		Status:      r.Status,
		TicketTypes: edits,
	}
}

func (r UpdateEventRequest) toInput() services.UpdateEventInput {
	return services.UpdateEventInput{ID: r.ID, EventInput: r.CreateEventRequest.toInput()}
}

// pageRequest reads the page and size query parameters. Bad values fall
// back to the defaults.
func pageRequest(c *gin.Context) models.PageRequest {
	number, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil {
		number = 0
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(models.DefaultPageSize)))
	if err != nil {
		size = models.DefaultPageSize
	}
	return models.NewPageRequest(number, size)
}

// pathID parses a uuid path parameter. Malformed ids cannot name anything,
// so they report not found.
func pathID(c *gin.Context, name string, notFound error) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, notFound
	}
	return id, nil
}

// writeError notes err on the request's New Relic transaction and writes
// the error response
func writeError(c *gin.Context, tracer tracing.Tracer, err error) {
	tracer.RecordError(nrgin.Transaction(c), err)
	response.WriteError(c, err)
}
