package access

import (
	"strings"

	"github.com/google/uuid"

	"example.com/backstage/tickets/internal/models"
)

// Role is a capability granted by the identity provider
type Role string

const (
	RoleOrganizer Role = "ORGANIZER"
	RoleStaff     Role = "STAFF"
	RoleAttendee  Role = "ATTENDEE"
)

// RoleSet is the set of roles held by a caller
type RoleSet map[Role]struct{}

// NewRoleSet builds a role set from raw claim values. Values are upper cased
// and a leading "ROLE_" is stripped.
func NewRoleSet(raw ...string) RoleSet {
	set := make(RoleSet, len(raw))
	for _, r := range raw {
		r = strings.ToUpper(strings.TrimSpace(r))
		r = strings.TrimPrefix(r, "ROLE_")
		if r == "" {
			continue
		}
		set[Role(r)] = struct{}{}
	}
	return set
}

// Caller is an already authenticated identity plus its roles
type Caller struct {
	ID    uuid.UUID
	Roles RoleSet
	Name  string
	Email string
}

// HasRole reports whether the caller holds role
func (c Caller) HasRole(role Role) bool {
	_, ok := c.Roles[role]
	return ok
}

// OwnsEvent reports whether the caller organizes the event
func OwnsEvent(c Caller, event *models.Event) bool {
	return event != nil && c.ID != uuid.Nil && event.OrganizerID == c.ID
}

// OwnsTicket reports whether the caller purchased the ticket
func OwnsTicket(c Caller, ticket *models.Ticket) bool {
	return ticket != nil && c.ID != uuid.Nil && ticket.PurchaserID == c.ID
}
