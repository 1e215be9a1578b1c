package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/clock"
	"example.com/backstage/tickets/internal/credentials"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/models"
)

// TicketValidationInput is one staff scan or manual entry. Code is either
// the scanned QR payload or a bare ticket id.
type TicketValidationInput struct {
	Code   string
	Method models.TicketValidationMethod
}

// ValidationService records staff ticket validations
type ValidationService struct {
	tickets TicketStore
	clock   clock.Clock
	metrics *metrics.Metrics
}

// NewValidationService creates a new validation service
func NewValidationService(tickets TicketStore, clk clock.Clock, m *metrics.Metrics) *ValidationService {
	return &ValidationService{tickets: tickets, clock: clk, metrics: m}
}

// ValidateTicket records a validation attempt. The first validation of an
// active ticket is VALID and marks it USED; later attempts and cancelled
// tickets are INVALID, tickets of finished events EXPIRED.
func (s *ValidationService) ValidateTicket(ctx context.Context, caller access.Caller, in TicketValidationInput) (*models.TicketValidation, error) {
	ticketID, err := credentials.ParsePayload(in.Code)
	if err != nil {
		return nil, err
	}

	method := in.Method
	if method == "" {
		method = models.TicketValidationMethodQRScan
	}

	validation, err := s.tickets.ValidateTicket(ctx, ticketID, method, s.decide)
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter(metrics.TicketsValidated)
	log.Info().
		Str("ticket_id", ticketID.String()).
		Str("user_id", caller.ID.String()).
		Str("method", string(method)).
		Str("status", string(validation.Status)).
		Msg("Ticket validated")

	return validation, nil
}

func (s *ValidationService) decide(ticket *models.Ticket, priorValid int64) models.TicketValidationStatus {
	switch {
	case ticket.Status == models.TicketStatusCancelled:
		return models.TicketValidationStatusInvalid
	case ticket.Status == models.TicketStatusUsed || priorValid > 0:
		return models.TicketValidationStatusInvalid
	case ticket.TicketType != nil && ticket.TicketType.Event != nil &&
		ticket.TicketType.Event.End != nil && s.clock.Now().After(*ticket.TicketType.Event.End):
		return models.TicketValidationStatusExpired
	default:
		return models.TicketValidationStatusValid
	}
}
