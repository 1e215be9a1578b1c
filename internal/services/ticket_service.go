package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/clock"
	"example.com/backstage/tickets/internal/credentials"
	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/tracing"
)

// TicketServiceOptions holds purchase settings
type TicketServiceOptions struct {
	MaxAttempts int
	// EnforceSalesWindow requires a PUBLISHED event with an open sales
	// window before a ticket is issued.
	EnforceSalesWindow bool
}

// PurchaseResult is a committed purchase. Credential is nil when rendering
// failed; it can be fetched again later.
type PurchaseResult struct {
	Ticket     *models.Ticket
	Credential *credentials.Credential
}

// TicketService handles buyer facing ticket operations
type TicketService struct {
	tickets   TicketStore
	issuer    CredentialIssuer
	publisher EventPublisher
	clock     clock.Clock
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
	opts      TicketServiceOptions
}

// NewTicketService creates a new ticket service
func NewTicketService(
	tickets TicketStore,
	issuer CredentialIssuer,
	publisher EventPublisher,
	clk clock.Clock,
	tracer tracing.Tracer,
	m *metrics.Metrics,
	opts TicketServiceOptions,
) *TicketService {
	return &TicketService{
		tickets:   tickets,
		issuer:    issuer,
		publisher: publisher,
		clock:     clk,
		tracer:    tracer,
		metrics:   m,
		opts:      opts,
	}
}

// PurchaseTicket issues one ticket of the given type to the caller. Write
// conflicts are retried; ErrSoldOut is final.
func (s *TicketService) PurchaseTicket(ctx context.Context, caller access.Caller, eventID, ticketTypeID uuid.UUID) (*PurchaseResult, error) {
	txn := s.tracer.StartTransaction("purchase-ticket")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "ticket_type_id", ticketTypeID.String())

	start := time.Now()
	defer s.metrics.Since(metrics.PurchaseDuration, start)

	admit := func(tt *models.TicketType) error {
		if tt.EventID != eventID {
			return models.ErrTicketTypeNotFound
		}
		if !s.opts.EnforceSalesWindow {
			return nil
		}
		if tt.Event == nil || tt.Event.Status != models.EventStatusPublished {
			return models.ErrEventNotPublished
		}
		if !tt.Event.SalesOpen(s.clock.Now()) {
			return models.ErrSalesClosed
		}
		return nil
	}

	var ticket *models.Ticket
	span := s.tracer.StartSpan("allocate-ticket", txn)
	err := retryOnConflict(ctx, s.opts.MaxAttempts, "purchase-ticket", func() error {
		t, err := s.tickets.PurchaseTicket(ctx, ticketTypeID, caller.ID, admit)
		ticket = t
		return err
	}, func() {
		s.metrics.IncrementCounter(metrics.PurchaseConflicts)
	})
	span.End()

	if err != nil {
		if errors.Is(err, models.ErrSoldOut) {
			s.metrics.IncrementCounter(metrics.TicketsSoldOut)
			log.Info().
				Str("ticket_type_id", ticketTypeID.String()).
				Str("user_id", caller.ID.String()).
				Msg("Purchase rejected, ticket type sold out")
		}
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.metrics.IncrementCounter(metrics.TicketsPurchased)
	log.Info().
		Str("ticket_id", ticket.ID.String()).
		Str("ticket_type_id", ticketTypeID.String()).
		Str("event_id", eventID.String()).
		Str("user_id", caller.ID.String()).
		Msg("Ticket purchased")

	result := &PurchaseResult{Ticket: ticket}

	qrSpan := s.tracer.StartSpan("issue-credential", txn)
	cred, err := s.issuer.Issue(ticket.ID)
	qrSpan.End()
	if err != nil {
		// the ticket stands; the credential is regenerated on demand
		s.metrics.IncrementCounter(metrics.CredentialFailures)
		log.Warn().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Failed to issue ticket credential")
	} else {
		result.Credential = cred
	}

	if s.publisher != nil {
		err := s.publisher.PublishTicketPurchased(ctx, messaging.TicketPurchasedMessage{
			TicketID:     ticket.ID,
			TicketTypeID: ticketTypeID,
			EventID:      eventID,
			PurchaserID:  caller.ID,
			OccurredAt:   s.clock.Now(),
		})
		if err != nil {
			s.metrics.IncrementCounter(metrics.SideEffectFailures)
			log.Warn().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Failed to publish ticket purchase")
		}
	}

	return result, nil
}

// ListTicketsForUser pages through the caller's tickets
func (s *TicketService) ListTicketsForUser(ctx context.Context, caller access.Caller, page models.PageRequest) (models.Page[models.Ticket], error) {
	return s.tickets.ListTicketsForPurchaser(ctx, caller.ID, page)
}

// GetTicketForUser returns one of the caller's tickets. Tickets bought by
// someone else are reported as not found.
func (s *TicketService) GetTicketForUser(ctx context.Context, caller access.Caller, id uuid.UUID) (*models.Ticket, error) {
	ticket, err := s.tickets.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !access.OwnsTicket(caller, ticket) {
		return nil, models.ErrTicketNotFound
	}
	return ticket, nil
}

// GetCredentialForUser renders the QR credential of one of the caller's
// tickets
func (s *TicketService) GetCredentialForUser(ctx context.Context, caller access.Caller, id uuid.UUID) (*credentials.Credential, error) {
	ticket, err := s.GetTicketForUser(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	cred, err := s.issuer.Issue(ticket.ID)
	if err != nil {
		s.metrics.IncrementCounter(metrics.CredentialFailures)
		return nil, errors.Wrap(err, "failed to issue ticket credential")
	}
	return cred, nil
}
