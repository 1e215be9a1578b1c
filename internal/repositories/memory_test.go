package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/tickets/internal/clock"
	"example.com/backstage/tickets/internal/models"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(clock.NewSystem(), time.Second)
}

func seedEvent(t *testing.T, s *MemoryStore, organizer uuid.UUID, status models.EventStatus, capacities ...int) *models.Event {
	t.Helper()
	event := &models.Event{
		ID:          uuid.New(),
		Name:        "Jazz Night",
		Venue:       "Blue Room",
		Status:      status,
		OrganizerID: organizer,
	}
	for i, capacity := range capacities {
		event.TicketTypes = append(event.TicketTypes, models.TicketType{
			ID:             uuid.New(),
			Name:           []string{"General", "VIP", "Balcony"}[i%3],
			Price:          10,
			TotalAvailable: capacity,
		})
	}
	require.NoError(t, s.CreateEvent(context.Background(), event))
	return event
}

func TestMemoryStore_CreateAndGetEvent(t *testing.T) {
	s := newTestStore()
	organizer := uuid.New()
	event := seedEvent(t, s, organizer, models.EventStatusDraft, 10, 5)

	got, err := s.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", got.Name)
	require.Len(t, got.TicketTypes, 2)
	for _, tt := range got.TicketTypes {
		assert.Equal(t, event.ID, tt.EventID)
	}

	_, err = s.GetEventForOrganizer(context.Background(), event.ID, uuid.New())
	assert.ErrorIs(t, err, models.ErrEventNotFound)

	_, err = s.GetPublishedEvent(context.Background(), event.ID)
	assert.ErrorIs(t, err, models.ErrEventNotFound)

	_, err = s.GetEvent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_ReturnedEventsAreDetached(t *testing.T) {
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusDraft, 10)

	got, err := s.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	got.Name = "changed"
	got.TicketTypes[0].TotalAvailable = 99

	again, err := s.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", again.Name)
	assert.Equal(t, 10, again.TicketTypes[0].TotalAvailable)
}

func TestMemoryStore_PurchaseTicket(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusPublished, 1)
	ttID := event.TicketTypes[0].ID
	buyer := uuid.New()

	var admitted *models.TicketType
	ticket, err := s.PurchaseTicket(ctx, ttID, buyer, func(tt *models.TicketType) error {
		admitted = tt
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusActive, ticket.Status)
	assert.Equal(t, buyer, ticket.PurchaserID)
	require.NotNil(t, admitted.Event)
	assert.Equal(t, event.ID, admitted.Event.ID)

	_, err = s.PurchaseTicket(ctx, ttID, buyer, nil)
	assert.ErrorIs(t, err, models.ErrSoldOut)

	issued, err := s.CountIssued(ctx, ttID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), issued)

	_, err = s.PurchaseTicket(ctx, uuid.New(), buyer, nil)
	assert.ErrorIs(t, err, models.ErrTicketTypeNotFound)
}

func TestMemoryStore_PurchaseRejectedByAdmit(t *testing.T) {
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusDraft, 5)

	_, err := s.PurchaseTicket(context.Background(), event.TicketTypes[0].ID, uuid.New(), func(*models.TicketType) error {
		return models.ErrEventNotPublished
	})
	assert.ErrorIs(t, err, models.ErrEventNotPublished)

	issued, err := s.CountIssued(context.Background(), event.TicketTypes[0].ID)
	require.NoError(t, err)
	assert.Zero(t, issued)
}

func TestMemoryStore_ConcurrentPurchasesNeverOversell(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	const capacity, buyers = 7, 50
	event := seedEvent(t, s, uuid.New(), models.EventStatusPublished, capacity)
	ttID := event.TicketTypes[0].ID

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sold    int
		soldOut int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PurchaseTicket(ctx, ttID, uuid.New(), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case assert.ErrorIs(t, err, models.ErrSoldOut):
				soldOut++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, sold)
	assert.Equal(t, buyers-capacity, soldOut)

	issued, err := s.CountIssued(ctx, ttID)
	require.NoError(t, err)
	assert.Equal(t, int64(capacity), issued)
}

func TestMemoryStore_UpdateEventReconcilesTicketTypes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusPublished, 10, 10)
	kept, dropped := event.TicketTypes[0], event.TicketTypes[1]

	ticket, err := s.PurchaseTicket(ctx, dropped.ID, uuid.New(), nil)
	require.NoError(t, err)
	_, err = s.PurchaseTicket(ctx, kept.ID, uuid.New(), nil)
	require.NoError(t, err)

	addedID := uuid.New()
	saved, err := s.UpdateEvent(ctx, event.ID, func(ev *models.Event, issued map[uuid.UUID]int64) error {
		assert.Equal(t, int64(1), issued[kept.ID])
		assert.Equal(t, int64(1), issued[dropped.ID])

		ev.Name = "Jazz Night II"
		ev.OrganizerID = uuid.New()
		first := *ev.FindTicketType(kept.ID)
		first.TotalAvailable = 20
		ev.TicketTypes = []models.TicketType{first, {ID: addedID, Name: "Late", TotalAvailable: 3}}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Jazz Night II", saved.Name)
	assert.Equal(t, event.OrganizerID, saved.OrganizerID)
	assert.Equal(t, event.CreatedAt, saved.CreatedAt)
	assert.False(t, saved.UpdatedAt.Before(event.UpdatedAt))
	require.Len(t, saved.TicketTypes, 2)
	require.NotNil(t, saved.FindTicketType(kept.ID))
	assert.Equal(t, 20, saved.FindTicketType(kept.ID).TotalAvailable)
	added := saved.FindTicketType(addedID)
	require.NotNil(t, added)
	assert.Equal(t, event.ID, added.EventID)
	assert.Nil(t, saved.FindTicketType(dropped.ID))

	_, err = s.GetTicket(ctx, ticket.ID)
	assert.ErrorIs(t, err, models.ErrTicketNotFound)

	_, err = s.PurchaseTicket(ctx, dropped.ID, uuid.New(), nil)
	assert.ErrorIs(t, err, models.ErrTicketTypeNotFound)
}

func TestMemoryStore_UpdateEventAbortsWithoutChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusDraft, 10)

	_, err := s.UpdateEvent(ctx, event.ID, func(ev *models.Event, _ map[uuid.UUID]int64) error {
		ev.Name = "never saved"
		ev.TicketTypes = nil
		return models.ErrCapacityBelowIssued
	})
	assert.ErrorIs(t, err, models.ErrCapacityBelowIssued)

	got, err := s.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", got.Name)
	assert.Len(t, got.TicketTypes, 1)

	_, err = s.UpdateEvent(ctx, uuid.New(), func(*models.Event, map[uuid.UUID]int64) error { return nil })
	assert.ErrorIs(t, err, models.ErrEventNotFound)
}

func TestMemoryStore_DeleteEventCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	organizer := uuid.New()
	event := seedEvent(t, s, organizer, models.EventStatusPublished, 10)
	ticket, err := s.PurchaseTicket(ctx, event.TicketTypes[0].ID, uuid.New(), nil)
	require.NoError(t, err)
	_, err = s.ValidateTicket(ctx, ticket.ID, models.TicketValidationMethodManual, func(*models.Ticket, int64) models.TicketValidationStatus {
		return models.TicketValidationStatusValid
	})
	require.NoError(t, err)

	deleted, err := s.DeleteEventForOrganizer(ctx, event.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteEventForOrganizer(ctx, event.ID, organizer)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetEvent(ctx, event.ID)
	assert.ErrorIs(t, err, models.ErrEventNotFound)
	_, err = s.GetTicket(ctx, ticket.ID)
	assert.ErrorIs(t, err, models.ErrTicketNotFound)
	assert.Empty(t, s.validations)
	assert.Empty(t, s.ticketTypes)

	deleted, err = s.DeleteEventForOrganizer(ctx, event.ID, organizer)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func lockCount(s *MemoryStore) int {
	n := 0
	s.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestMemoryStore_RemovedEntitiesReleaseLocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	organizer := uuid.New()
	event := seedEvent(t, s, organizer, models.EventStatusPublished, 10, 10)
	kept, dropped := event.TicketTypes[0], event.TicketTypes[1]

	ticket, err := s.PurchaseTicket(ctx, dropped.ID, uuid.New(), nil)
	require.NoError(t, err)
	_, err = s.ValidateTicket(ctx, ticket.ID, models.TicketValidationMethodManual, func(*models.Ticket, int64) models.TicketValidationStatus {
		return models.TicketValidationStatusValid
	})
	require.NoError(t, err)
	_, err = s.PurchaseTicket(ctx, kept.ID, uuid.New(), nil)
	require.NoError(t, err)

	_, err = s.UpdateEvent(ctx, event.ID, func(ev *models.Event, _ map[uuid.UUID]int64) error {
		ev.TicketTypes = []models.TicketType{*ev.FindTicketType(kept.ID)}
		return nil
	})
	require.NoError(t, err)

	_, ok := s.locks.Load(dropped.ID)
	assert.False(t, ok)
	_, ok = s.locks.Load(ticket.ID)
	assert.False(t, ok)
	_, ok = s.locks.Load(kept.ID)
	assert.True(t, ok)

	deleted, err := s.DeleteEventForOrganizer(ctx, event.ID, organizer)
	require.NoError(t, err)
	require.True(t, deleted)
	assert.Zero(t, lockCount(s))
}

func TestMemoryStore_ReconcileRacesPurchases(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		s := newTestStore()
		event := seedEvent(t, s, uuid.New(), models.EventStatusPublished, 30, 50)
		kept, dropped := event.TicketTypes[0], event.TicketTypes[1]
		const buyers = 20

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			sold      []uuid.UUID
			updateErr error
		)
		for i := 0; i < buyers; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				ticket, err := s.PurchaseTicket(ctx, dropped.ID, uuid.New(), nil)
				if err != nil {
					assert.ErrorIs(t, err, models.ErrTicketTypeNotFound)
					return
				}
				mu.Lock()
				sold = append(sold, ticket.ID)
				mu.Unlock()
			}()
			go func() {
				defer wg.Done()
				_, err := s.PurchaseTicket(ctx, kept.ID, uuid.New(), nil)
				if err != nil {
					assert.ErrorIs(t, err, models.ErrSoldOut)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, updateErr = s.UpdateEvent(ctx, event.ID, func(ev *models.Event, issued map[uuid.UUID]int64) error {
				first := *ev.FindTicketType(kept.ID)
				first.TotalAvailable = 12
				if issued[kept.ID] > int64(first.TotalAvailable) {
					return models.ErrCapacityBelowIssued
				}
				ev.TicketTypes = []models.TicketType{first}
				return nil
			})
		}()
		wg.Wait()

		got, err := s.GetEvent(ctx, event.ID)
		require.NoError(t, err)
		keptIssued, err := s.CountIssued(ctx, kept.ID)
		require.NoError(t, err)
		droppedIssued, err := s.CountIssued(ctx, dropped.ID)
		require.NoError(t, err)

		if updateErr != nil {
			require.ErrorIs(t, updateErr, models.ErrCapacityBelowIssued)
			require.Len(t, got.TicketTypes, 2)
			assert.Equal(t, int64(buyers), droppedIssued)
			assert.Len(t, sold, buyers)
			assert.Equal(t, int64(buyers), keptIssued)
			continue
		}

		require.Len(t, got.TicketTypes, 1)
		assert.Equal(t, 12, got.TicketTypes[0].TotalAvailable)
		assert.LessOrEqual(t, keptIssued, int64(12))
		assert.Zero(t, droppedIssued)
		for _, id := range sold {
			_, err := s.GetTicket(ctx, id)
			assert.ErrorIs(t, err, models.ErrTicketNotFound)
		}
	}
}

func TestMemoryStore_ConcurrentReconcilesApplyWhole(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusDraft, 10, 10)

	edit := func(name string, capacity int) func(*models.Event, map[uuid.UUID]int64) error {
		return func(ev *models.Event, _ map[uuid.UUID]int64) error {
			ev.Name = name
			types := make([]models.TicketType, 0, len(ev.TicketTypes)+1)
			for _, tt := range ev.TicketTypes {
				tt.Name = name
				tt.TotalAvailable = capacity
				types = append(types, tt)
			}
			ev.TicketTypes = append(types, models.TicketType{ID: uuid.New(), Name: name, TotalAvailable: capacity})
			return nil
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := []string{"Matinee", "Late Show"}[i%2]
			_, err := s.UpdateEvent(ctx, event.ID, edit(name, 5+i%2))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, got.TicketTypes, 12)
	capacity := map[string]int{"Matinee": 5, "Late Show": 6}[got.Name]
	for _, tt := range got.TicketTypes {
		assert.Equal(t, got.Name, tt.Name)
		assert.Equal(t, capacity, tt.TotalAvailable)
	}
}

func TestMemoryStore_HugePageIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	seedEvent(t, s, uuid.New(), models.EventStatusPublished, 10)

	page, err := s.ListPublishedEvents(ctx, models.NewPageRequest(461168601842738791, 20))
	require.NoError(t, err)
	assert.Empty(t, page.Content)
	assert.Equal(t, int64(1), page.TotalElements)

	page, err = s.ListPublishedEvents(ctx, models.PageRequest{Number: 461168601842738791, Size: 20})
	require.NoError(t, err)
	assert.Empty(t, page.Content)
}

func TestMemoryStore_ValidateTicket(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusPublished, 10)
	ticket, err := s.PurchaseTicket(ctx, event.TicketTypes[0].ID, uuid.New(), nil)
	require.NoError(t, err)

	decide := func(tk *models.Ticket, prior int64) models.TicketValidationStatus {
		require.NotNil(t, tk.TicketType)
		require.NotNil(t, tk.TicketType.Event)
		if prior > 0 {
			return models.TicketValidationStatusInvalid
		}
		return models.TicketValidationStatusValid
	}

	first, err := s.ValidateTicket(ctx, ticket.ID, models.TicketValidationMethodQRScan, decide)
	require.NoError(t, err)
	assert.Equal(t, models.TicketValidationStatusValid, first.Status)

	second, err := s.ValidateTicket(ctx, ticket.ID, models.TicketValidationMethodQRScan, decide)
	require.NoError(t, err)
	assert.Equal(t, models.TicketValidationStatusInvalid, second.Status)

	got, err := s.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusUsed, got.Status)

	_, err = s.ValidateTicket(ctx, uuid.New(), models.TicketValidationMethodManual, decide)
	assert.ErrorIs(t, err, models.ErrTicketNotFound)
}

func TestMemoryStore_ListingsAndSearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewFixed(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)), time.Second)
	organizer := uuid.New()

	for i := 0; i < 5; i++ {
		seedEvent(t, s, organizer, models.EventStatusPublished, 1)
	}
	seedEvent(t, s, organizer, models.EventStatusDraft, 1)
	rock := &models.Event{ID: uuid.New(), Name: "Rock 100%", Venue: "Arena", Status: models.EventStatusPublished, OrganizerID: uuid.New()}
	rock.TicketTypes = []models.TicketType{{ID: uuid.New(), Name: "Pit", Description: "Standing front row", TotalAvailable: 1}}
	require.NoError(t, s.CreateEvent(ctx, rock))

	mine, err := s.ListEventsForOrganizer(ctx, organizer, models.NewPageRequest(0, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(6), mine.TotalElements)
	assert.Equal(t, 2, mine.TotalPages)
	assert.Len(t, mine.Content, 4)

	rest, err := s.ListEventsForOrganizer(ctx, organizer, models.NewPageRequest(1, 4))
	require.NoError(t, err)
	assert.Len(t, rest.Content, 2)
	assert.NotContains(t, mine.Content, rest.Content[0])

	published, err := s.ListPublishedEvents(ctx, models.NewPageRequest(0, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(6), published.TotalElements)

	hits, err := s.SearchPublishedEvents(ctx, "FRONT row", models.NewPageRequest(0, 20))
	require.NoError(t, err)
	require.Len(t, hits.Content, 1)
	assert.Equal(t, rock.ID, hits.Content[0].ID)

	hits, err = s.SearchPublishedEvents(ctx, "100%", models.NewPageRequest(0, 20))
	require.NoError(t, err)
	assert.Len(t, hits.Content, 1)

	none, err := s.SearchPublishedEvents(ctx, "opera", models.NewPageRequest(0, 20))
	require.NoError(t, err)
	assert.Empty(t, none.Content)
	assert.NotNil(t, none.Content)

	byIDs, err := s.GetPublishedEventsByIDs(ctx, []uuid.UUID{rock.ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, byIDs, 1)
	assert.Equal(t, rock.ID, byIDs[0].ID)
}

func TestMemoryStore_TicketsForPurchaser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	event := seedEvent(t, s, uuid.New(), models.EventStatusPublished, 10)
	buyer := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := s.PurchaseTicket(ctx, event.TicketTypes[0].ID, buyer, nil)
		require.NoError(t, err)
	}
	_, err := s.PurchaseTicket(ctx, event.TicketTypes[0].ID, uuid.New(), nil)
	require.NoError(t, err)

	page, err := s.ListTicketsForPurchaser(ctx, buyer, models.NewPageRequest(0, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.TotalElements)
	for _, ticket := range page.Content {
		assert.Equal(t, buyer, ticket.PurchaserID)
		require.NotNil(t, ticket.TicketType)
	}
}

func TestMemoryStore_EnsureUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	id := uuid.New()

	require.NoError(t, s.EnsureUser(ctx, &models.User{ID: id, Name: "Ada", Email: "ada@example.com"}))
	require.NoError(t, s.EnsureUser(ctx, &models.User{ID: id, Email: "ada@new.example.com"}))

	stored := s.users[id]
	assert.Equal(t, "Ada", stored.Name)
	assert.Equal(t, "ada@new.example.com", stored.Email)
}

func TestMemoryStore_LockTimeoutIsConflict(t *testing.T) {
	s := NewMemoryStore(clock.NewSystem(), 20*time.Millisecond)
	id := uuid.New()

	release, err := s.acquire(context.Background(), id)
	require.NoError(t, err)
	defer release()

	_, err = s.acquire(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrConflict)
}
