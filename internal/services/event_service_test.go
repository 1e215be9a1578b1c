package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/metrics"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/repositories"
	"example.com/backstage/tickets/internal/tracing"
)

type eventFixture struct {
	store     *repositories.MemoryStore
	cache     *MockEventCache
	publisher *MockEventPublisher
	metrics   *metrics.Metrics
	service   *EventService
}

func newEventFixture(opts EventServiceOptions) *eventFixture {
	f := &eventFixture{
		store:     newMemoryStore(),
		cache:     new(MockEventCache),
		publisher: new(MockEventPublisher),
		metrics:   metrics.NewMetrics(),
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	f.service = NewEventService(f.store, f.cache, f.publisher, tracing.Disabled(), f.metrics, opts)
	return f
}

func (f *eventFixture) expectWrite(action string) {
	f.cache.On("InvalidateEvent", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return(nil)
	f.publisher.On("PublishEventChanged", mock.Anything, mock.AnythingOfType("uuid.UUID"), action).Return(nil)
}

func (f *eventFixture) create(t *testing.T, caller access.Caller, types ...TicketTypeEdit) *models.Event {
	t.Helper()
	f.expectWrite(messaging.ActionCreated)
	event, err := f.service.CreateEvent(context.Background(), caller, EventInput{
		Name:        "Jazz Night",
		Venue:       "Blue Room",
		Start:       timePtr(testNow.AddDate(0, 1, 0)),
		End:         timePtr(testNow.AddDate(0, 1, 1)),
		TicketTypes: types,
	})
	require.NoError(t, err)
	return event
}

func TestCreateEvent(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	caller := organizer()

	event := f.create(t, caller,
		TicketTypeEdit{Name: "General", Price: 25, TotalAvailable: 100},
		TicketTypeEdit{Name: "VIP", Price: 80, TotalAvailable: 10},
	)

	assert.Equal(t, models.EventStatusDraft, event.Status)
	assert.Equal(t, caller.ID, event.OrganizerID)
	require.Len(t, event.TicketTypes, 2)
	assert.NotEqual(t, uuid.Nil, event.TicketTypes[0].ID)

	got, err := f.service.GetEventForOrganizer(context.Background(), caller, event.ID)
	require.NoError(t, err)
	assert.Len(t, got.TicketTypes, 2)

	_, err = f.service.GetEventForOrganizer(context.Background(), organizer(), event.ID)
	assert.ErrorIs(t, err, models.ErrEventNotFound)

	assert.Equal(t, int64(1), f.metrics.GetCounters()[metrics.EventsCreated])
	f.cache.AssertCalled(t, "InvalidateEvent", mock.Anything, event.ID)
	f.publisher.AssertCalled(t, "PublishEventChanged", mock.Anything, event.ID, messaging.ActionCreated)
}

func TestUpdateEventRequiresMatchingID(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	caller := organizer()
	event := f.create(t, caller)

	_, err := f.service.UpdateEventForOrganizer(context.Background(), caller, event.ID, UpdateEventInput{})
	assert.ErrorIs(t, err, models.ErrEventIDRequired)
	assert.ErrorIs(t, err, models.ErrValidation)

	other := uuid.New()
	_, err = f.service.UpdateEventForOrganizer(context.Background(), caller, event.ID, UpdateEventInput{ID: &other})
	assert.ErrorIs(t, err, models.ErrEventIDMismatch)
}

func TestUpdateEventOfAnotherOrganizerIsNotFound(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	owner := organizer()
	event := f.create(t, owner)

	_, err := f.service.UpdateEventForOrganizer(context.Background(), organizer(), event.ID, UpdateEventInput{
		ID:         &event.ID,
		EventInput: EventInput{Name: "Hijacked", Venue: "Elsewhere"},
	})
	assert.ErrorIs(t, err, models.ErrEventNotFound)

	got, err := f.service.GetEventForOrganizer(context.Background(), owner, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", got.Name)
}

func TestUpdateEventReconcilesTicketTypes(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	caller := organizer()
	event := f.create(t, caller,
		TicketTypeEdit{Name: "General", Price: 25, TotalAvailable: 100},
		TicketTypeEdit{Name: "VIP", Price: 80, TotalAvailable: 10},
	)
	general := event.TicketTypes[0]
	vip := event.TicketTypes[1]

	sold, err := f.store.PurchaseTicket(context.Background(), vip.ID, uuid.New(), nil)
	require.NoError(t, err)

	f.expectWrite(messaging.ActionUpdated)
	updated, err := f.service.UpdateEventForOrganizer(context.Background(), caller, event.ID, UpdateEventInput{
		ID: &event.ID,
		EventInput: EventInput{
			Name:   "Jazz Night (late show)",
			Venue:  "Blue Room",
			Status: models.EventStatusPublished,
			TicketTypes: []TicketTypeEdit{
				{ID: &general.ID, Name: "General", Price: 30, TotalAvailable: 120},
				{Name: "Student", Price: 15, TotalAvailable: 40},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Jazz Night (late show)", updated.Name)
	assert.Equal(t, models.EventStatusPublished, updated.Status)
	require.Len(t, updated.TicketTypes, 2)
	require.NotNil(t, updated.FindTicketType(general.ID))
	assert.Equal(t, 120, updated.FindTicketType(general.ID).TotalAvailable)
	assert.Nil(t, updated.FindTicketType(vip.ID))

	_, err = f.store.GetTicket(context.Background(), sold.ID)
	assert.ErrorIs(t, err, models.ErrTicketNotFound)

	assert.Equal(t, int64(1), f.metrics.GetCounters()[metrics.EventsReconciled])
	f.publisher.AssertCalled(t, "PublishEventChanged", mock.Anything, event.ID, messaging.ActionUpdated)
}

func TestUpdateEventKeepsStatusWhenOmitted(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	caller := organizer()
	event := f.create(t, caller)

	f.expectWrite(messaging.ActionUpdated)
	updated, err := f.service.UpdateEventForOrganizer(context.Background(), caller, event.ID, UpdateEventInput{
		ID:         &event.ID,
		EventInput: EventInput{Name: "Renamed", Venue: "Blue Room"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusDraft, updated.Status)
	assert.Empty(t, updated.TicketTypes)
}

func TestUpdateEventUnknownTicketTypeChangesNothing(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	caller := organizer()
	event := f.create(t, caller, TicketTypeEdit{Name: "General", TotalAvailable: 10})

	stranger := uuid.New()
	_, err := f.service.UpdateEventForOrganizer(context.Background(), caller, event.ID, UpdateEventInput{
		ID: &event.ID,
		EventInput: EventInput{
			Name:        "Changed",
			Venue:       "Blue Room",
			TicketTypes: []TicketTypeEdit{{ID: &stranger, Name: "Ghost", TotalAvailable: 1}},
		},
	})
	assert.ErrorIs(t, err, models.ErrUnknownTicketType)
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := f.service.GetEventForOrganizer(context.Background(), caller, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", got.Name)
	require.Len(t, got.TicketTypes, 1)
	assert.Equal(t, event.TicketTypes[0].ID, got.TicketTypes[0].ID)
}

func TestUpdateEventRejectsCapacityBelowIssued(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	caller := organizer()
	event := f.create(t, caller, TicketTypeEdit{Name: "General", TotalAvailable: 10})
	ttID := event.TicketTypes[0].ID

	for i := 0; i < 3; i++ {
		_, err := f.store.PurchaseTicket(context.Background(), ttID, uuid.New(), nil)
		require.NoError(t, err)
	}

	_, err := f.service.UpdateEventForOrganizer(context.Background(), caller, event.ID, UpdateEventInput{
		ID: &event.ID,
		EventInput: EventInput{
			Name:        "Jazz Night",
			Venue:       "Blue Room",
			TicketTypes: []TicketTypeEdit{{ID: &ttID, Name: "General", TotalAvailable: 2}},
		},
	})
	assert.ErrorIs(t, err, models.ErrCapacityBelowIssued)
}

func TestUpdateEventProtectsSoldTicketTypes(t *testing.T) {
	f := newEventFixture(EventServiceOptions{Reconcile: ReconcileOptions{ProtectSoldTicketTypes: true}})
	caller := organizer()
	event := f.create(t, caller, TicketTypeEdit{Name: "General", TotalAvailable: 10})

	_, err := f.store.PurchaseTicket(context.Background(), event.TicketTypes[0].ID, uuid.New(), nil)
	require.NoError(t, err)

	_, err = f.service.UpdateEventForOrganizer(context.Background(), caller, event.ID, UpdateEventInput{
		ID:         &event.ID,
		EventInput: EventInput{Name: "Jazz Night", Venue: "Blue Room"},
	})
	assert.ErrorIs(t, err, models.ErrTicketTypeHasTickets)
}

func TestDeleteEvent(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	owner := organizer()
	event := f.create(t, owner)

	// someone else's delete is a silent no-op
	require.NoError(t, f.service.DeleteEventForOrganizer(context.Background(), organizer(), event.ID))
	_, err := f.service.GetEventForOrganizer(context.Background(), owner, event.ID)
	require.NoError(t, err)

	f.expectWrite(messaging.ActionDeleted)
	require.NoError(t, f.service.DeleteEventForOrganizer(context.Background(), owner, event.ID))
	_, err = f.service.GetEventForOrganizer(context.Background(), owner, event.ID)
	assert.ErrorIs(t, err, models.ErrEventNotFound)

	// absent event
	require.NoError(t, f.service.DeleteEventForOrganizer(context.Background(), owner, event.ID))

	assert.Equal(t, int64(1), f.metrics.GetCounters()[metrics.EventsDeleted])
	f.publisher.AssertNumberOfCalls(t, "PublishEventChanged", 2)
}

func TestSideEffectFailuresDoNotFailWrites(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	f.cache.On("InvalidateEvent", mock.Anything, mock.Anything).Return(errors.New("redis down"))
	f.publisher.On("PublishEventChanged", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bus down"))

	event, err := f.service.CreateEvent(context.Background(), organizer(), EventInput{Name: "Jazz Night", Venue: "Blue Room"})
	require.NoError(t, err)
	assert.NotNil(t, event)
	assert.Equal(t, int64(2), f.metrics.GetCounters()[metrics.SideEffectFailures])
}

func TestListEventsForOrganizer(t *testing.T) {
	f := newEventFixture(EventServiceOptions{})
	caller := organizer()
	for i := 0; i < 3; i++ {
		f.create(t, caller)
	}
	f.create(t, organizer())

	page, err := f.service.ListEventsForOrganizer(context.Background(), caller, models.NewPageRequest(0, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Content, 2)
}

func TestRetryOnConflict(t *testing.T) {
	calls := 0
	conflicts := 0
	err := retryOnConflict(context.Background(), 3, "test", func() error {
		calls++
		if calls < 3 {
			return models.ErrConflict
		}
		return nil
	}, func() { conflicts++ })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, conflicts)

	calls = 0
	err = retryOnConflict(context.Background(), 3, "test", func() error {
		calls++
		return models.ErrSoldOut
	}, nil)
	assert.ErrorIs(t, err, models.ErrSoldOut)
	assert.Equal(t, 1, calls)

	calls = 0
	err = retryOnConflict(context.Background(), 2, "test", func() error {
		calls++
		return models.ErrConflict
	}, nil)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Equal(t, 2, calls)
}
