package models

import (
	"errors"
	"fmt"
)

// Error classes. Every domain error below matches exactly one of them with
// errors.Is, except ErrUnknownTicketType which matches both ErrNotFound and
// ErrValidation.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("concurrent update conflict")
)

var (
	ErrEventNotFound      = fmt.Errorf("event %w", ErrNotFound)
	ErrTicketTypeNotFound = fmt.Errorf("ticket type %w", ErrNotFound)
	ErrTicketNotFound     = fmt.Errorf("ticket %w", ErrNotFound)
	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)

	ErrEventIDRequired      = fmt.Errorf("%w: event id is required", ErrValidation)
	ErrEventIDMismatch      = fmt.Errorf("%w: cannot update the id of an event", ErrValidation)
	ErrCapacityBelowIssued  = fmt.Errorf("%w: total available is below tickets already issued", ErrValidation)
	ErrTicketTypeHasTickets = fmt.Errorf("%w: ticket type with issued tickets cannot be removed", ErrValidation)
	ErrInvalidCredential    = fmt.Errorf("%w: unreadable ticket credential", ErrValidation)

	// ErrUnknownTicketType is returned when an edit references a ticket type
	// the event does not have.
	ErrUnknownTicketType = fmt.Errorf("%w: %w", ErrValidation, ErrTicketTypeNotFound)

	ErrSoldOut           = errors.New("ticket type sold out")
	ErrSalesClosed       = errors.New("ticket sales are closed for this event")
	ErrEventNotPublished = errors.New("event is not published")
)
