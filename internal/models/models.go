package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventStatus is the lifecycle state of an event
type EventStatus string

const (
	EventStatusDraft     EventStatus = "DRAFT"
	EventStatusPublished EventStatus = "PUBLISHED"
	EventStatusCancelled EventStatus = "CANCELLED"
)

// TicketStatus is the state of an issued ticket
type TicketStatus string

const (
	TicketStatusActive    TicketStatus = "ACTIVE"
	TicketStatusCancelled TicketStatus = "CANCELLED"
	TicketStatusUsed      TicketStatus = "USED"
)

// TicketValidationMethod is how staff presented a ticket for validation
type TicketValidationMethod string

const (
	TicketValidationMethodQRScan TicketValidationMethod = "QR_SCAN"
	TicketValidationMethodManual TicketValidationMethod = "MANUAL"
)

// TicketValidationStatus is the outcome of a validation attempt
type TicketValidationStatus string

const (
	TicketValidationStatusValid   TicketValidationStatus = "VALID"
	TicketValidationStatusInvalid TicketValidationStatus = "INVALID"
	TicketValidationStatusExpired TicketValidationStatus = "EXPIRED"
)

// User is a locally provisioned copy of an authenticated caller
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
}

// Event is the aggregate root: it exclusively owns its ticket types, which
// exclusively own their tickets.
type Event struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	Name        string       `gorm:"not null" json:"name"`
	Venue       string       `gorm:"not null" json:"venue"`
	Start       *time.Time   `gorm:"column:starts_at" json:"start"`
	End         *time.Time   `gorm:"column:ends_at" json:"end"`
	SalesStart  *time.Time   `json:"sales_start"`
	SalesEnd    *time.Time   `json:"sales_end"`
	Status      EventStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	OrganizerID uuid.UUID    `gorm:"type:uuid;not null;index" json:"organizer_id"`
	Organizer   *User        `gorm:"foreignKey:OrganizerID" json:"-"`
	TicketTypes []TicketType `gorm:"foreignKey:EventID;constraint:OnDelete:CASCADE" json:"ticket_types"`
}

// TicketType is a priced, capacity limited category of admission. Types
// dropped by an organizer edit are soft deleted together with their tickets.
type TicketType struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	EventID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"event_id"`
	Name           string         `gorm:"not null" json:"name"`
	Price          float64        `gorm:"not null;default:0" json:"price"`
	Description    string         `json:"description"`
	TotalAvailable int            `gorm:"not null;default:0" json:"total_available"`
	Event          *Event         `gorm:"foreignKey:EventID" json:"-"`
	Tickets        []Ticket       `gorm:"foreignKey:TicketTypeID;constraint:OnDelete:CASCADE" json:"-"`
}

// Ticket is one issued unit of admission
type Ticket struct {
	ID           uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt     `gorm:"index" json:"-"`
	Status       TicketStatus       `gorm:"type:varchar(16);not null" json:"status"`
	TicketTypeID uuid.UUID          `gorm:"type:uuid;not null;index" json:"ticket_type_id"`
	PurchaserID  uuid.UUID          `gorm:"type:uuid;not null;index" json:"purchaser_id"`
	TicketType   *TicketType        `gorm:"foreignKey:TicketTypeID" json:"ticket_type,omitempty"`
	Purchaser    *User              `gorm:"foreignKey:PurchaserID" json:"-"`
	Validations  []TicketValidation `gorm:"foreignKey:TicketID;constraint:OnDelete:CASCADE" json:"-"`
}

// TicketValidation records one staff validation attempt for a ticket
type TicketValidation struct {
	ID        uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
	TicketID  uuid.UUID              `gorm:"type:uuid;not null;index" json:"ticket_id"`
	Method    TicketValidationMethod `gorm:"type:varchar(16);not null" json:"method"`
	Status    TicketValidationStatus `gorm:"type:varchar(16);not null" json:"status"`
}

// FindTicketType returns the ticket type with the given id, or nil
func (e *Event) FindTicketType(id uuid.UUID) *TicketType {
	for i := range e.TicketTypes {
		if e.TicketTypes[i].ID == id {
			return &e.TicketTypes[i]
		}
	}
	return nil
}

// SalesOpen reports whether now falls inside the event's sales window. An
// unset bound leaves that side of the window open.
func (e *Event) SalesOpen(now time.Time) bool {
	if e.SalesStart != nil && now.Before(*e.SalesStart) {
		return false
	}
	if e.SalesEnd != nil && now.After(*e.SalesEnd) {
		return false
	}
	return true
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{},
		&Event{},
		&TicketType{},
		&Ticket{},
		&TicketValidation{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
