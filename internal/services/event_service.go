package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/tracing"
)

// EventInput carries the organizer editable fields of an event. Date
// windows are validated by the caller.
type EventInput struct {
	Name        string
	Venue       string
	Start       *time.Time
	End         *time.Time
	SalesStart  *time.Time
	SalesEnd    *time.Time
	Status      models.EventStatus
	TicketTypes []TicketTypeEdit
}

// UpdateEventInput is an edit of an existing event. ID must repeat the id
// of the event being edited.
type UpdateEventInput struct {
	ID *uuid.UUID
	EventInput
}

// EventServiceOptions holds event service settings
type EventServiceOptions struct {
	MaxAttempts int
	Reconcile   ReconcileOptions
}

// EventService handles organizer facing event operations
type EventService struct {
	events    EventStore
	cache     EventCache
	publisher EventPublisher
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
	opts      EventServiceOptions
}

// NewEventService creates a new event service
func NewEventService(
	events EventStore,
	cache EventCache,
	publisher EventPublisher,
	tracer tracing.Tracer,
	m *metrics.Metrics,
	opts EventServiceOptions,
) *EventService {
	return &EventService{
		events:    events,
		cache:     cache,
		publisher: publisher,
		tracer:    tracer,
		metrics:   m,
		opts:      opts,
	}
}

// CreateEvent creates an event owned by the caller together with its
// ticket types. Events start as DRAFT unless a status is given.
func (s *EventService) CreateEvent(ctx context.Context, caller access.Caller, in EventInput) (*models.Event, error) {
	span := s.tracer.SpanFromContext(ctx, "create-event")
	defer span.End()

	status := in.Status
	if status == "" {
		status = models.EventStatusDraft
	}

	event := &models.Event{
		ID:          uuid.New(),
		Name:        in.Name,
		Venue:       in.Venue,
		Start:       in.Start,
		End:         in.End,
		SalesStart:  in.SalesStart,
		SalesEnd:    in.SalesEnd,
		Status:      status,
		OrganizerID: caller.ID,
	}
	for _, edit := range in.TicketTypes {
		event.TicketTypes = append(event.TicketTypes, models.TicketType{
			ID:             uuid.New(),
			EventID:        event.ID,
			Name:           edit.Name,
			Price:          edit.Price,
			Description:    edit.Description,
			TotalAvailable: edit.TotalAvailable,
		})
	}

	if err := s.events.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("user_id", caller.ID.String()).
		Int("ticket_types", len(event.TicketTypes)).
		Msg("Event created")

	s.metrics.IncrementCounter(metrics.EventsCreated)
	s.afterWrite(ctx, event.ID, messaging.ActionCreated)
	return event, nil
}

// ListEventsForOrganizer pages through the caller's events
func (s *EventService) ListEventsForOrganizer(ctx context.Context, caller access.Caller, page models.PageRequest) (models.Page[models.Event], error) {
	return s.events.ListEventsForOrganizer(ctx, caller.ID, page)
}

// GetEventForOrganizer returns one of the caller's events. Events owned by
// someone else are reported as not found.
func (s *EventService) GetEventForOrganizer(ctx context.Context, caller access.Caller, id uuid.UUID) (*models.Event, error) {
	return s.events.GetEventForOrganizer(ctx, id, caller.ID)
}

// UpdateEventForOrganizer overwrites the event fields and reconciles its
// ticket types against in.TicketTypes as one atomic edit.
func (s *EventService) UpdateEventForOrganizer(ctx context.Context, caller access.Caller, id uuid.UUID, in UpdateEventInput) (*models.Event, error) {
	span := s.tracer.SpanFromContext(ctx, "update-event")
	defer span.End()

	if in.ID == nil {
		return nil, models.ErrEventIDRequired
	}
	if *in.ID != id {
		return nil, models.ErrEventIDMismatch
	}

	var result ReconcileResult
	var updated *models.Event

	err := retryOnConflict(ctx, s.opts.MaxAttempts, "update-event", func() error {
		ev, err := s.events.UpdateEvent(ctx, id, func(event *models.Event, issued map[uuid.UUID]int64) error {
			if !access.OwnsEvent(caller, event) {
				return models.ErrEventNotFound
			}

			res, err := ReconcileTicketTypes(event, in.TicketTypes, issued, s.opts.Reconcile)
			if err != nil {
				return err
			}

			event.Name = in.Name
			event.Venue = in.Venue
			event.Start = in.Start
			event.End = in.End
			event.SalesStart = in.SalesStart
			event.SalesEnd = in.SalesEnd
			if in.Status != "" {
				event.Status = in.Status
			}
			event.TicketTypes = res.TicketTypes
			result = res
			return nil
		})
		updated = ev
		return err
	}, nil)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("event_id", id.String()).
		Str("user_id", caller.ID.String()).
		Int("created", len(result.Created)).
		Int("updated", len(result.Updated)).
		Int("deleted", len(result.Deleted)).
		Msg("Event ticket types reconciled")

	s.metrics.IncrementCounter(metrics.EventsReconciled)
	s.afterWrite(ctx, id, messaging.ActionUpdated)
	return updated, nil
}

// DeleteEventForOrganizer removes the event and everything it owns. Absent
// or foreign events are ignored.
func (s *EventService) DeleteEventForOrganizer(ctx context.Context, caller access.Caller, id uuid.UUID) error {
	deleted, err := s.events.DeleteEventForOrganizer(ctx, id, caller.ID)
	if err != nil {
		return err
	}
	if !deleted {
		log.Debug().Str("event_id", id.String()).Msg("Delete of absent event ignored")
		return nil
	}

	log.Info().Str("event_id", id.String()).Str("user_id", caller.ID.String()).Msg("Event deleted")
	s.metrics.IncrementCounter(metrics.EventsDeleted)
	s.afterWrite(ctx, id, messaging.ActionDeleted)
	return nil
}

// afterWrite fans a committed change out to the cache and the bus. Neither
// can undo the write, so failures are only logged.
func (s *EventService) afterWrite(ctx context.Context, id uuid.UUID, action string) {
	if s.cache != nil {
		if err := s.cache.InvalidateEvent(ctx, id); err != nil {
			s.metrics.IncrementCounter(metrics.SideEffectFailures)
			log.Warn().Err(err).Str("event_id", id.String()).Msg("Failed to invalidate cached event")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishEventChanged(ctx, id, action); err != nil {
			s.metrics.IncrementCounter(metrics.SideEffectFailures)
			log.Warn().Err(err).Str("event_id", id.String()).Str("action", action).Msg("Failed to publish event change")
		}
	}
}
