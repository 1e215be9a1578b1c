package repositories

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/tickets/internal/clock"
	"example.com/backstage/tickets/internal/models"
)

// MemoryStore keeps every entity in maps keyed by id, with owned-id indexes
// from parent to children. Operations that must be atomic take per-entity
// operation locks first, always event before ticket types and ticket types in
// id order; mu is only ever taken innermost.
type MemoryStore struct {
	clock       clock.Clock
	lockTimeout time.Duration
	locks       sync.Map // uuid.UUID -> chan struct{}

	mu                sync.RWMutex
	users             map[uuid.UUID]models.User
	events            map[uuid.UUID]models.Event
	ticketTypes       map[uuid.UUID]models.TicketType
	tickets           map[uuid.UUID]models.Ticket
	validations       map[uuid.UUID]models.TicketValidation
	eventTypes        map[uuid.UUID][]uuid.UUID
	typeTickets       map[uuid.UUID][]uuid.UUID
	ticketValidations map[uuid.UUID][]uuid.UUID
}

// NewMemoryStore creates an empty store. Lock waits longer than lockTimeout
// fail with models.ErrConflict; zero waits until ctx ends.
func NewMemoryStore(clk clock.Clock, lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		clock:             clk,
		lockTimeout:       lockTimeout,
		users:             make(map[uuid.UUID]models.User),
		events:            make(map[uuid.UUID]models.Event),
		ticketTypes:       make(map[uuid.UUID]models.TicketType),
		tickets:           make(map[uuid.UUID]models.Ticket),
		validations:       make(map[uuid.UUID]models.TicketValidation),
		eventTypes:        make(map[uuid.UUID][]uuid.UUID),
		typeTickets:       make(map[uuid.UUID][]uuid.UUID),
		ticketValidations: make(map[uuid.UUID][]uuid.UUID),
	}
}

// acquire takes the operation lock for id
func (s *MemoryStore) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	v, _ := s.locks.LoadOrStore(id, make(chan struct{}, 1))
	ch := v.(chan struct{})

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		t := time.NewTimer(s.lockTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timeout:
		return nil, errors.Wrapf(models.ErrConflict, "lock wait timed out on %s", id)
	case <-ctx.Done():
		return nil, errors.Wrapf(models.ErrConflict, "lock wait cancelled on %s: %v", id, ctx.Err())
	}
}

// acquireAll takes the locks for ids in id order
func (s *MemoryStore) acquireAll(ctx context.Context, ids []uuid.UUID) (func(), error) {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return lessID(sorted[i], sorted[j]) })

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range sorted {
		release, err := s.acquire(ctx, id)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// forget drops the operation locks of removed ids. A goroutine still holding
// or waiting on a dropped lock rechecks liveness under mu before it writes.
func (s *MemoryStore) forget(ids ...uuid.UUID) {
	for _, id := range ids {
		s.locks.Delete(id)
	}
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func later(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

func softDeleted(at gorm.DeletedAt) bool {
	return at.Valid
}

// EnsureUser inserts the user or refreshes its profile fields
func (s *MemoryStore) EnsureUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		u := *user
		u.CreatedAt, u.UpdatedAt = now, now
		s.users[u.ID] = u
		*user = u
		return nil
	}

	if user.Name != "" {
		existing.Name = user.Name
	}
	if user.Email != "" {
		existing.Email = user.Email
	}
	existing.UpdatedAt = later(existing.UpdatedAt, now)
	s.users[existing.ID] = existing
	*user = existing
	return nil
}

// CreateEvent stores a new event and its ticket types
func (s *MemoryStore) CreateEvent(ctx context.Context, event *models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return errors.Errorf("event %s already exists", event.ID)
	}

	event.CreatedAt, event.UpdatedAt = now, now
	stored := *event
	stored.TicketTypes = nil
	stored.Organizer = nil
	s.events[event.ID] = stored

	for i := range event.TicketTypes {
		tt := &event.TicketTypes[i]
		tt.EventID = event.ID
		tt.CreatedAt, tt.UpdatedAt = now, now
		s.putTicketType(*tt)
		s.eventTypes[event.ID] = append(s.eventTypes[event.ID], tt.ID)
	}
	return nil
}

func (s *MemoryStore) putTicketType(tt models.TicketType) {
	tt.Event = nil
	tt.Tickets = nil
	s.ticketTypes[tt.ID] = tt
}

// hydrate returns a detached copy of the event with its live ticket types.
// Caller holds mu.
func (s *MemoryStore) hydrate(event models.Event) models.Event {
	event.TicketTypes = s.liveTicketTypes(event.ID)
	return event
}

func (s *MemoryStore) liveTicketTypes(eventID uuid.UUID) []models.TicketType {
	var out []models.TicketType
	for _, id := range s.eventTypes[eventID] {
		tt := s.ticketTypes[id]
		if softDeleted(tt.DeletedAt) {
			continue
		}
		out = append(out, tt)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out
}

func (s *MemoryStore) liveTicketCount(ticketTypeID uuid.UUID) int64 {
	var n int64
	for _, id := range s.typeTickets[ticketTypeID] {
		if !softDeleted(s.tickets[id].DeletedAt) {
			n++
		}
	}
	return n
}

// GetEvent loads an event by id
func (s *MemoryStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, models.ErrEventNotFound
	}
	hydrated := s.hydrate(event)
	return &hydrated, nil
}

// GetEventForOrganizer loads an event only if organizerID owns it
func (s *MemoryStore) GetEventForOrganizer(ctx context.Context, id, organizerID uuid.UUID) (*models.Event, error) {
	event, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.OrganizerID != organizerID {
		return nil, models.ErrEventNotFound
	}
	return event, nil
}

// GetPublishedEvent loads an event only if it is published
func (s *MemoryStore) GetPublishedEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	event, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Status != models.EventStatusPublished {
		return nil, models.ErrEventNotFound
	}
	return event, nil
}

// GetPublishedEventsByIDs loads the published events among ids, in no
// particular order
func (s *MemoryStore) GetPublishedEventsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Event, 0, len(ids))
	for _, id := range ids {
		if event, ok := s.events[id]; ok && event.Status == models.EventStatusPublished {
			out = append(out, s.hydrate(event))
		}
	}
	return out, nil
}

func (s *MemoryStore) pageEvents(ctx context.Context, page models.PageRequest, keep func(models.Event) bool) (models.Page[models.Event], error) {
	if err := ctx.Err(); err != nil {
		return models.Page[models.Event]{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Event
	for _, event := range s.events {
		if keep(event) {
			matched = append(matched, event)
		}
	}
	sortByCreation(matched, func(e models.Event) (time.Time, uuid.UUID) { return e.CreatedAt, e.ID })

	window := slicePage(matched, page)
	for i := range window {
		window[i] = s.hydrate(window[i])
	}
	return models.NewPage(window, int64(len(matched)), page), nil
}

func sortByCreation[T any](items []T, key func(T) (time.Time, uuid.UUID)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return lessID(idi, idj)
	})
}

func slicePage[T any](items []T, page models.PageRequest) []T {
	start := page.Offset()
	if start < 0 || start >= len(items) {
		return []T{}
	}
	end := start + page.Size
	if end > len(items) {
		end = len(items)
	}
	return append([]T(nil), items[start:end]...)
}

// ListEventsForOrganizer pages through one organizer's events
func (s *MemoryStore) ListEventsForOrganizer(ctx context.Context, organizerID uuid.UUID, page models.PageRequest) (models.Page[models.Event], error) {
	return s.pageEvents(ctx, page, func(e models.Event) bool { return e.OrganizerID == organizerID })
}

// ListPublishedEvents pages through published events
func (s *MemoryStore) ListPublishedEvents(ctx context.Context, page models.PageRequest) (models.Page[models.Event], error) {
	return s.pageEvents(ctx, page, func(e models.Event) bool { return e.Status == models.EventStatusPublished })
}

// SearchPublishedEvents pages through published events whose name, venue or
// ticket types contain query, ignoring case
func (s *MemoryStore) SearchPublishedEvents(ctx context.Context, query string, page models.PageRequest) (models.Page[models.Event], error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	return s.pageEvents(ctx, page, func(e models.Event) bool {
		if e.Status != models.EventStatusPublished {
			return false
		}
		if needle == "" {
			return true
		}
		if strings.Contains(strings.ToLower(e.Name), needle) || strings.Contains(strings.ToLower(e.Venue), needle) {
			return true
		}
		// mu is held by pageEvents
		for _, tt := range s.liveTicketTypes(e.ID) {
			if strings.Contains(strings.ToLower(tt.Name), needle) || strings.Contains(strings.ToLower(tt.Description), needle) {
				return true
			}
		}
		return false
	})
}

// UpdateEvent locks the event and all its ticket types, runs mutate on a
// copy and saves the result
func (s *MemoryStore) UpdateEvent(ctx context.Context, id uuid.UUID, mutate func(event *models.Event, issued map[uuid.UUID]int64) error) (*models.Event, error) {
	releaseEvent, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer releaseEvent()

	s.mu.RLock()
	_, ok := s.events[id]
	typeIDs := append([]uuid.UUID(nil), s.eventTypes[id]...)
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrEventNotFound
	}

	releaseTypes, err := s.acquireAll(ctx, typeIDs)
	if err != nil {
		return nil, err
	}
	defer releaseTypes()

	s.mu.RLock()
	current := s.hydrate(s.events[id])
	issued := make(map[uuid.UUID]int64, len(current.TicketTypes))
	for _, tt := range current.TicketTypes {
		issued[tt.ID] = s.liveTicketCount(tt.ID)
	}
	s.mu.RUnlock()

	working := current
	working.TicketTypes = append([]models.TicketType(nil), current.TicketTypes...)
	if err := mutate(&working, issued); err != nil {
		return nil, err
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.events[id]
	stored.Name = working.Name
	stored.Venue = working.Venue
	stored.Start = working.Start
	stored.End = working.End
	stored.SalesStart = working.SalesStart
	stored.SalesEnd = working.SalesEnd
	stored.Status = working.Status
	stored.UpdatedAt = later(stored.UpdatedAt, now)
	s.events[id] = stored

	keep := make(map[uuid.UUID]struct{}, len(working.TicketTypes))
	for _, tt := range working.TicketTypes {
		keep[tt.ID] = struct{}{}
	}

	for _, old := range current.TicketTypes {
		if _, ok := keep[old.ID]; ok {
			continue
		}
		tt := s.ticketTypes[old.ID]
		tt.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}
		s.ticketTypes[old.ID] = tt
		for _, ticketID := range s.typeTickets[old.ID] {
			ticket := s.tickets[ticketID]
			if !softDeleted(ticket.DeletedAt) {
				ticket.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}
				s.tickets[ticketID] = ticket
			}
		}
		s.forget(s.typeTickets[old.ID]...)
		s.forget(old.ID)
	}

	for _, tt := range working.TicketTypes {
		if existing, ok := s.ticketTypes[tt.ID]; ok && existing.EventID == id {
			existing.Name = tt.Name
			existing.Price = tt.Price
			existing.Description = tt.Description
			existing.TotalAvailable = tt.TotalAvailable
			existing.UpdatedAt = later(existing.UpdatedAt, now)
			s.ticketTypes[tt.ID] = existing
			continue
		}
		created := tt
		created.EventID = id
		created.CreatedAt, created.UpdatedAt = now, now
		s.putTicketType(created)
		s.eventTypes[id] = append(s.eventTypes[id], created.ID)
	}

	saved := s.hydrate(s.events[id])
	return &saved, nil
}

// DeleteEventForOrganizer removes the event and everything it owns. It
// reports false when the event is absent or owned by someone else.
func (s *MemoryStore) DeleteEventForOrganizer(ctx context.Context, id, organizerID uuid.UUID) (bool, error) {
	releaseEvent, err := s.acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer releaseEvent()

	s.mu.RLock()
	event, ok := s.events[id]
	typeIDs := append([]uuid.UUID(nil), s.eventTypes[id]...)
	s.mu.RUnlock()
	if !ok || event.OrganizerID != organizerID {
		return false, nil
	}

	releaseTypes, err := s.acquireAll(ctx, typeIDs)
	if err != nil {
		return false, err
	}
	defer releaseTypes()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, typeID := range s.eventTypes[id] {
		for _, ticketID := range s.typeTickets[typeID] {
			for _, validationID := range s.ticketValidations[ticketID] {
				delete(s.validations, validationID)
			}
			delete(s.ticketValidations, ticketID)
			delete(s.tickets, ticketID)
		}
		s.forget(s.typeTickets[typeID]...)
		s.forget(typeID)
		delete(s.typeTickets, typeID)
		delete(s.ticketTypes, typeID)
	}
	s.forget(id)
	delete(s.eventTypes, id)
	delete(s.events, id)
	return true, nil
}

// PurchaseTicket holds the ticket type lock across the capacity check and
// the insert
func (s *MemoryStore) PurchaseTicket(ctx context.Context, ticketTypeID, purchaserID uuid.UUID, admit func(tt *models.TicketType) error) (*models.Ticket, error) {
	release, err := s.acquire(ctx, ticketTypeID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	tt, ok := s.ticketTypes[ticketTypeID]
	var event models.Event
	if ok {
		event, ok = s.events[tt.EventID]
	}
	issued := s.liveTicketCount(ticketTypeID)
	s.mu.RUnlock()

	if !ok || softDeleted(tt.DeletedAt) {
		return nil, models.ErrTicketTypeNotFound
	}

	tt.Event = &event
	if admit != nil {
		if err := admit(&tt); err != nil {
			return nil, err
		}
	}

	if issued >= int64(tt.TotalAvailable) {
		return nil, models.ErrSoldOut
	}

	now := s.clock.Now()
	ticket := models.Ticket{
		ID:           uuid.New(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       models.TicketStatusActive,
		TicketTypeID: ticketTypeID,
		PurchaserID:  purchaserID,
	}

	s.mu.Lock()
	if current, live := s.ticketTypes[ticketTypeID]; !live || softDeleted(current.DeletedAt) {
		s.mu.Unlock()
		return nil, models.ErrTicketTypeNotFound
	}
	s.tickets[ticket.ID] = ticket
	s.typeTickets[ticketTypeID] = append(s.typeTickets[ticketTypeID], ticket.ID)
	s.mu.Unlock()

	ticket.TicketType = &tt
	return &ticket, nil
}

// CountIssued counts the live tickets of a ticket type
func (s *MemoryStore) CountIssued(ctx context.Context, ticketTypeID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveTicketCount(ticketTypeID), nil
}

// hydrateTicket attaches the ticket type and event. Caller holds mu.
func (s *MemoryStore) hydrateTicket(ticket models.Ticket) models.Ticket {
	if tt, ok := s.ticketTypes[ticket.TicketTypeID]; ok {
		if event, ok := s.events[tt.EventID]; ok {
			tt.Event = &event
		}
		ticket.TicketType = &tt
	}
	return ticket
}

// GetTicket loads a live ticket with its type and event
func (s *MemoryStore) GetTicket(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.tickets[id]
	if !ok || softDeleted(ticket.DeletedAt) {
		return nil, models.ErrTicketNotFound
	}
	hydrated := s.hydrateTicket(ticket)
	return &hydrated, nil
}

// ListTicketsForPurchaser pages through one buyer's live tickets
func (s *MemoryStore) ListTicketsForPurchaser(ctx context.Context, purchaserID uuid.UUID, page models.PageRequest) (models.Page[models.Ticket], error) {
	if err := ctx.Err(); err != nil {
		return models.Page[models.Ticket]{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.PurchaserID == purchaserID && !softDeleted(ticket.DeletedAt) {
			matched = append(matched, ticket)
		}
	}
	sortByCreation(matched, func(t models.Ticket) (time.Time, uuid.UUID) { return t.CreatedAt, t.ID })

	window := slicePage(matched, page)
	for i := range window {
		window[i] = s.hydrateTicket(window[i])
	}
	return models.NewPage(window, int64(len(matched)), page), nil
}

// ValidateTicket records a validation decided under the ticket's lock and
// marks the ticket USED on a VALID outcome
func (s *MemoryStore) ValidateTicket(ctx context.Context, ticketID uuid.UUID, method models.TicketValidationMethod, decide func(ticket *models.Ticket, priorValid int64) models.TicketValidationStatus) (*models.TicketValidation, error) {
	release, err := s.acquire(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	ticket, ok := s.tickets[ticketID]
	if ok && !softDeleted(ticket.DeletedAt) {
		ticket = s.hydrateTicket(ticket)
	}
	var prior int64
	for _, id := range s.ticketValidations[ticketID] {
		if s.validations[id].Status == models.TicketValidationStatusValid {
			prior++
		}
	}
	s.mu.RUnlock()

	if !ok || softDeleted(ticket.DeletedAt) {
		return nil, models.ErrTicketNotFound
	}

	status := decide(&ticket, prior)
	now := s.clock.Now()
	validation := models.TicketValidation{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
		TicketID:  ticketID,
		Method:    method,
		Status:    status,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, live := s.tickets[ticketID]
	if !live || softDeleted(stored.DeletedAt) {
		return nil, models.ErrTicketNotFound
	}
	s.validations[validation.ID] = validation
	s.ticketValidations[ticketID] = append(s.ticketValidations[ticketID], validation.ID)
	if status == models.TicketValidationStatusValid {
		stored.Status = models.TicketStatusUsed
		stored.UpdatedAt = later(stored.UpdatedAt, now)
		s.tickets[ticketID] = stored
	}
	return &validation, nil
}
