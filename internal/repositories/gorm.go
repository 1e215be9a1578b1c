package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/tickets/internal/models"
)

const creationOrder = "created_at ASC, id ASC"

// Postgres codes that mean the transaction lost a race and may be retried
var retryableCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// translateError maps lock and serialization failures to models.ErrConflict
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryableCodes[pgErr.Code]; ok {
			return errors.Wrapf(models.ErrConflict, "%s: %s", pgErr.Code, pgErr.Message)
		}
	}
	return err
}

// notFound replaces gorm.ErrRecordNotFound with the domain error
func notFound(err, domain error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain
	}
	return err
}

// transaction runs fn in a transaction whose lock waits are capped by
// lockTimeout
func transaction(ctx context.Context, db *gorm.DB, lockTimeout time.Duration, fn func(tx *gorm.DB) error) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if lockTimeout > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
	return translateError(err)
}

func preloadTicketTypes(db *gorm.DB) *gorm.DB {
	return db.Preload("TicketTypes", func(db *gorm.DB) *gorm.DB {
		return db.Order(creationOrder)
	})
}

func pageQuery[T any](query *gorm.DB, page models.PageRequest, preload func(*gorm.DB) *gorm.DB) (models.Page[T], error) {
	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return models.Page[T]{}, err
	}

	var content []T
	if total > 0 {
		q := query.Session(&gorm.Session{})
		if preload != nil {
			q = preload(q)
		}
		err := q.Order(creationOrder).Offset(page.Offset()).Limit(page.Size).Find(&content).Error
		if err != nil {
			return models.Page[T]{}, err
		}
	}
	return models.NewPage(content, total, page), nil
}

// EventRepository provides access to event aggregates
type EventRepository struct {
	db          *gorm.DB // Write database
	readOnlyDB  *gorm.DB // Read-only database, public catalog only
	lockTimeout time.Duration
}

// NewEventRepository creates a new event repository
func NewEventRepository(db, readOnlyDB *gorm.DB, lockTimeout time.Duration) *EventRepository {
	return &EventRepository{
		db:          db,
		readOnlyDB:  readOnlyDB,
		lockTimeout: lockTimeout,
	}
}

// CreateEvent inserts the event and its ticket types
func (r *EventRepository) CreateEvent(ctx context.Context, event *models.Event) error {
	err := transaction(ctx, r.db, r.lockTimeout, func(tx *gorm.DB) error {
		return tx.Omit("Organizer").Create(event).Error
	})
	if err != nil {
		return errors.Wrap(err, "failed to create event")
	}
	return nil
}

// GetEvent gets an event by ID
func (r *EventRepository) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := preloadTicketTypes(r.db.WithContext(ctx)).First(&event, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, models.ErrEventNotFound)
	}
	return &event, nil
}

// GetEventForOrganizer gets an event owned by organizerID
func (r *EventRepository) GetEventForOrganizer(ctx context.Context, id, organizerID uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := preloadTicketTypes(r.db.WithContext(ctx)).
		Where("organizer_id = ?", organizerID).
		First(&event, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, models.ErrEventNotFound)
	}
	return &event, nil
}

// ListEventsForOrganizer pages through an organizer's events
func (r *EventRepository) ListEventsForOrganizer(ctx context.Context, organizerID uuid.UUID, page models.PageRequest) (models.Page[models.Event], error) {
	query := r.db.WithContext(ctx).Model(&models.Event{}).Where("organizer_id = ?", organizerID)
	result, err := pageQuery[models.Event](query, page, preloadTicketTypes)
	if err != nil {
		return result, errors.Wrap(err, "failed to list organizer events")
	}
	return result, nil
}

// UpdateEvent locks the event row and its ticket type rows, applies mutate
// and writes back the difference
func (r *EventRepository) UpdateEvent(ctx context.Context, id uuid.UUID, mutate func(event *models.Event, issued map[uuid.UUID]int64) error) (*models.Event, error) {
	var saved models.Event

	err := transaction(ctx, r.db, r.lockTimeout, func(tx *gorm.DB) error {
		var event models.Event
		if err := tx.Clauses(forUpdate).First(&event, "id = ?", id).Error; err != nil {
			return notFound(err, models.ErrEventNotFound)
		}

		var current []models.TicketType
		err := tx.Clauses(forUpdate).
			Where("event_id = ?", id).
			Order(creationOrder).
			Find(&current).Error
		if err != nil {
			return err
		}

		issued, err := countIssued(tx, current)
		if err != nil {
			return err
		}

		original := event
		event.TicketTypes = append([]models.TicketType(nil), current...)
		if err := mutate(&event, issued); err != nil {
			return err
		}

		err = tx.Model(&models.Event{ID: original.ID}).
			Select("Name", "Venue", "Start", "End", "SalesStart", "SalesEnd", "Status", "UpdatedAt").
			Updates(models.Event{
				Name:       event.Name,
				Venue:      event.Venue,
				Start:      event.Start,
				End:        event.End,
				SalesStart: event.SalesStart,
				SalesEnd:   event.SalesEnd,
				Status:     event.Status,
				UpdatedAt:  later(original.UpdatedAt, time.Now()),
			}).Error
		if err != nil {
			return err
		}

		if err := saveTicketTypes(tx, id, current, event.TicketTypes); err != nil {
			return err
		}

		return preloadTicketTypes(tx).First(&saved, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func countIssued(tx *gorm.DB, types []models.TicketType) (map[uuid.UUID]int64, error) {
	issued := make(map[uuid.UUID]int64, len(types))
	if len(types) == 0 {
		return issued, nil
	}

	ids := make([]uuid.UUID, len(types))
	for i, tt := range types {
		ids[i] = tt.ID
		issued[tt.ID] = 0
	}

	var rows []struct {
		TicketTypeID uuid.UUID
		Issued       int64
	}
	err := tx.Model(&models.Ticket{}).
		Select("ticket_type_id, COUNT(*) AS issued").
		Where("ticket_type_id IN ?", ids).
		Group("ticket_type_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		issued[row.TicketTypeID] = row.Issued
	}
	return issued, nil
}

// saveTicketTypes soft deletes dropped types with their tickets, updates
// kept ones and inserts new ones
func saveTicketTypes(tx *gorm.DB, eventID uuid.UUID, current, next []models.TicketType) error {
	existing := make(map[uuid.UUID]struct{}, len(current))
	for _, tt := range current {
		existing[tt.ID] = struct{}{}
	}
	keep := make(map[uuid.UUID]struct{}, len(next))
	for _, tt := range next {
		keep[tt.ID] = struct{}{}
	}

	var dropped []uuid.UUID
	for _, tt := range current {
		if _, ok := keep[tt.ID]; !ok {
			dropped = append(dropped, tt.ID)
		}
	}
	if len(dropped) > 0 {
		if err := tx.Where("ticket_type_id IN ?", dropped).Delete(&models.Ticket{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", dropped).Delete(&models.TicketType{}).Error; err != nil {
			return err
		}
	}

	for _, tt := range next {
		if _, ok := existing[tt.ID]; ok {
			err := tx.Model(&models.TicketType{ID: tt.ID}).
				Select("Name", "Price", "Description", "TotalAvailable", "UpdatedAt").
				Updates(models.TicketType{
					Name:           tt.Name,
					Price:          tt.Price,
					Description:    tt.Description,
					TotalAvailable: tt.TotalAvailable,
					UpdatedAt:      time.Now(),
				}).Error
			if err != nil {
				return err
			}
			continue
		}

		created := tt
		created.EventID = eventID
		created.Event = nil
		created.Tickets = nil
		if err := tx.Omit(clause.Associations).Create(&created).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeleteEventForOrganizer hard deletes the event and everything under it,
// soft deleted rows included
func (r *EventRepository) DeleteEventForOrganizer(ctx context.Context, id, organizerID uuid.UUID) (bool, error) {
	deleted := false

	err := transaction(ctx, r.db, r.lockTimeout, func(tx *gorm.DB) error {
		var event models.Event
		err := tx.Clauses(forUpdate).
			Where("organizer_id = ?", organizerID).
			First(&event, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var locked []models.TicketType
		if err := tx.Clauses(forUpdate).Where("event_id = ?", id).Find(&locked).Error; err != nil {
			return err
		}

		sub := tx.Session(&gorm.Session{NewDB: true})
		typeIDs := sub.Unscoped().Model(&models.TicketType{}).Select("id").Where("event_id = ?", id)
		ticketIDs := sub.Unscoped().Model(&models.Ticket{}).Select("id").Where("ticket_type_id IN (?)", typeIDs)

		if err := tx.Where("ticket_id IN (?)", ticketIDs).Delete(&models.TicketValidation{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("ticket_type_id IN (?)", typeIDs).Delete(&models.Ticket{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("event_id = ?", id).Delete(&models.TicketType{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Event{}, "id = ?", id).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete event %s", id)
	}
	return deleted, nil
}

func (r *EventRepository) published(ctx context.Context) *gorm.DB {
	return r.readOnlyDB.WithContext(ctx).Model(&models.Event{}).Where("status = ?", models.EventStatusPublished)
}

// ListPublishedEvents pages through published events
func (r *EventRepository) ListPublishedEvents(ctx context.Context, page models.PageRequest) (models.Page[models.Event], error) {
	result, err := pageQuery[models.Event](r.published(ctx), page, preloadTicketTypes)
	if err != nil {
		return result, errors.Wrap(err, "failed to list published events")
	}
	return result, nil
}

// SearchPublishedEvents matches query as a case-insensitive substring of the
// event name, venue or any live ticket type name or description
func (r *EventRepository) SearchPublishedEvents(ctx context.Context, query string, page models.PageRequest) (models.Page[models.Event], error) {
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"
	q := r.published(ctx).Where(
		`(events.name ILIKE ? OR events.venue ILIKE ? OR EXISTS (
			SELECT 1 FROM ticket_types tt
			WHERE tt.event_id = events.id AND tt.deleted_at IS NULL
			AND (tt.name ILIKE ? OR tt.description ILIKE ?)))`,
		pattern, pattern, pattern, pattern,
	)
	result, err := pageQuery[models.Event](q, page, preloadTicketTypes)
	if err != nil {
		return result, errors.Wrap(err, "failed to search published events")
	}
	return result, nil
}

// GetPublishedEvent gets an event if it is published
func (r *EventRepository) GetPublishedEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := preloadTicketTypes(r.published(ctx)).First(&event, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, models.ErrEventNotFound)
	}
	return &event, nil
}

// GetPublishedEventsByIDs gets the published events among ids
func (r *EventRepository) GetPublishedEventsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Event, error) {
	if len(ids) == 0 {
		return []models.Event{}, nil
	}
	var events []models.Event
	err := preloadTicketTypes(r.published(ctx)).Where("id IN ?", ids).Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get published events by IDs")
	}
	return events, nil
}

// TicketRepository provides access to tickets and validations
type TicketRepository struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewTicketRepository creates a new ticket repository
func NewTicketRepository(db *gorm.DB, lockTimeout time.Duration) *TicketRepository {
	return &TicketRepository{db: db, lockTimeout: lockTimeout}
}

// PurchaseTicket locks the ticket type row so concurrent purchases of the
// same type serialize on the capacity check
func (r *TicketRepository) PurchaseTicket(ctx context.Context, ticketTypeID, purchaserID uuid.UUID, admit func(tt *models.TicketType) error) (*models.Ticket, error) {
	var ticket *models.Ticket

	err := transaction(ctx, r.db, r.lockTimeout, func(tx *gorm.DB) error {
		var tt models.TicketType
		if err := tx.Clauses(forUpdate).First(&tt, "id = ?", ticketTypeID).Error; err != nil {
			return notFound(err, models.ErrTicketTypeNotFound)
		}

		var event models.Event
		if err := tx.First(&event, "id = ?", tt.EventID).Error; err != nil {
			return notFound(err, models.ErrTicketTypeNotFound)
		}
		tt.Event = &event

		if admit != nil {
			if err := admit(&tt); err != nil {
				return err
			}
		}

		var issued int64
		if err := tx.Model(&models.Ticket{}).Where("ticket_type_id = ?", ticketTypeID).Count(&issued).Error; err != nil {
			return err
		}
		if issued >= int64(tt.TotalAvailable) {
			return models.ErrSoldOut
		}

		t := &models.Ticket{
			ID:           uuid.New(),
			Status:       models.TicketStatusActive,
			TicketTypeID: ticketTypeID,
			PurchaserID:  purchaserID,
		}
		if err := tx.Omit(clause.Associations).Create(t).Error; err != nil {
			return err
		}
		t.TicketType = &tt
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// CountIssued counts live tickets of a ticket type
func (r *TicketRepository) CountIssued(ctx context.Context, ticketTypeID uuid.UUID) (int64, error) {
	var issued int64
	err := r.db.WithContext(ctx).Model(&models.Ticket{}).Where("ticket_type_id = ?", ticketTypeID).Count(&issued).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count issued tickets")
	}
	return issued, nil
}

// GetTicket gets a ticket with its ticket type and event
func (r *TicketRepository) GetTicket(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	var ticket models.Ticket
	err := r.db.WithContext(ctx).Preload("TicketType.Event").First(&ticket, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, models.ErrTicketNotFound)
	}
	return &ticket, nil
}

// ListTicketsForPurchaser pages through a buyer's tickets
func (r *TicketRepository) ListTicketsForPurchaser(ctx context.Context, purchaserID uuid.UUID, page models.PageRequest) (models.Page[models.Ticket], error) {
	query := r.db.WithContext(ctx).Model(&models.Ticket{}).Where("purchaser_id = ?", purchaserID)
	result, err := pageQuery[models.Ticket](query, page, func(db *gorm.DB) *gorm.DB {
		return db.Preload("TicketType.Event")
	})
	if err != nil {
		return result, errors.Wrap(err, "failed to list tickets")
	}
	return result, nil
}

// ValidateTicket locks the ticket row, records the decided outcome and marks
// the ticket USED when it is VALID
func (r *TicketRepository) ValidateTicket(ctx context.Context, ticketID uuid.UUID, method models.TicketValidationMethod, decide func(ticket *models.Ticket, priorValid int64) models.TicketValidationStatus) (*models.TicketValidation, error) {
	var validation models.TicketValidation

	err := transaction(ctx, r.db, r.lockTimeout, func(tx *gorm.DB) error {
		var ticket models.Ticket
		if err := tx.Clauses(forUpdate).First(&ticket, "id = ?", ticketID).Error; err != nil {
			return notFound(err, models.ErrTicketNotFound)
		}

		var tt models.TicketType
		if err := tx.Preload("Event").First(&tt, "id = ?", ticket.TicketTypeID).Error; err != nil {
			return notFound(err, models.ErrTicketNotFound)
		}
		ticket.TicketType = &tt

		var prior int64
		err := tx.Model(&models.TicketValidation{}).
			Where("ticket_id = ? AND status = ?", ticketID, models.TicketValidationStatusValid).
			Count(&prior).Error
		if err != nil {
			return err
		}

		validation = models.TicketValidation{
			ID:       uuid.New(),
			TicketID: ticketID,
			Method:   method,
			Status:   decide(&ticket, prior),
		}
		if err := tx.Create(&validation).Error; err != nil {
			return err
		}

		if validation.Status == models.TicketValidationStatusValid {
			return tx.Model(&models.Ticket{}).Where("id = ?", ticketID).Update("status", models.TicketStatusUsed).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &validation, nil
}

// UserRepository provides access to provisioned users
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// EnsureUser upserts the user, keeping stored profile fields when the new
// ones are empty
func (r *UserRepository) EnsureUser(ctx context.Context, user *models.User) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"name":       gorm.Expr("COALESCE(NULLIF(EXCLUDED.name, ''), users.name)"),
			"email":      gorm.Expr("COALESCE(NULLIF(EXCLUDED.email, ''), users.email)"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(user).Error
	if err != nil {
		return errors.Wrap(translateError(err), "failed to upsert user")
	}
	return nil
}
