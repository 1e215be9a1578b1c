package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/internal/credentials"
	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/models"
)

// EventStore persists event aggregates
type EventStore interface {
	CreateEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetEventForOrganizer(ctx context.Context, id, organizerID uuid.UUID) (*models.Event, error)
	ListEventsForOrganizer(ctx context.Context, organizerID uuid.UUID, page models.PageRequest) (models.Page[models.Event], error)
	// UpdateEvent runs mutate against the locked aggregate and saves the
	// result as one unit. issued maps each ticket type to its live ticket
	// count. Ticket types missing from the mutated set are deleted, unknown
	// ones created.
	UpdateEvent(ctx context.Context, id uuid.UUID, mutate func(event *models.Event, issued map[uuid.UUID]int64) error) (*models.Event, error)
	DeleteEventForOrganizer(ctx context.Context, id, organizerID uuid.UUID) (bool, error)

	ListPublishedEvents(ctx context.Context, page models.PageRequest) (models.Page[models.Event], error)
	SearchPublishedEvents(ctx context.Context, query string, page models.PageRequest) (models.Page[models.Event], error)
	GetPublishedEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetPublishedEventsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Event, error)
}

// TicketStore persists tickets and their validations
type TicketStore interface {
	// PurchaseTicket issues one ticket if the type has capacity left. admit
	// sees the locked type with its event loaded. The capacity check and the
	// insert are indivisible per ticket type.
	PurchaseTicket(ctx context.Context, ticketTypeID, purchaserID uuid.UUID, admit func(tt *models.TicketType) error) (*models.Ticket, error)
	CountIssued(ctx context.Context, ticketTypeID uuid.UUID) (int64, error)
	GetTicket(ctx context.Context, id uuid.UUID) (*models.Ticket, error)
	ListTicketsForPurchaser(ctx context.Context, purchaserID uuid.UUID, page models.PageRequest) (models.Page[models.Ticket], error)
	ValidateTicket(ctx context.Context, ticketID uuid.UUID, method models.TicketValidationMethod, decide func(ticket *models.Ticket, priorValid int64) models.TicketValidationStatus) (*models.TicketValidation, error)
}

// UserStore keeps the local copy of authenticated callers
type UserStore interface {
	EnsureUser(ctx context.Context, user *models.User) error
}

// EventCache caches published event details
type EventCache interface {
	GetPublishedEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	SetPublishedEvent(ctx context.Context, event *models.Event) error
	InvalidateEvent(ctx context.Context, id uuid.UUID) error
}

// EventIndex is the full text index over published events
type EventIndex interface {
	EnsureIndex(ctx context.Context) error
	IndexEvent(ctx context.Context, event *models.Event) error
	RemoveEvent(ctx context.Context, id uuid.UUID) error
	SearchEvents(ctx context.Context, query string, page models.PageRequest) ([]uuid.UUID, int64, error)
}

// EventPublisher announces committed writes
type EventPublisher interface {
	PublishEventChanged(ctx context.Context, eventID uuid.UUID, action string) error
	PublishTicketPurchased(ctx context.Context, msg messaging.TicketPurchasedMessage) error
}

// CredentialIssuer renders a ticket's scannable credential
type CredentialIssuer interface {
	Issue(ticketID uuid.UUID) (*credentials.Credential, error)
}

const conflictBackoff = 15 * time.Millisecond

// retryOnConflict runs fn up to attempts times while it fails with
// ErrConflict. Any other outcome is returned as is.
func retryOnConflict(ctx context.Context, attempts int, op string, fn func() error, onConflict func()) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if !errors.Is(err, models.ErrConflict) {
			return err
		}
		if onConflict != nil {
			onConflict()
		}
		log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("Retrying after write conflict")

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * conflictBackoff):
		}
	}
	return err
}
