package services

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/tickets/internal/models"
)

// TicketTypeEdit is one entry of a submitted ticket type list. A nil ID asks
// for a new ticket type, otherwise the existing type with that ID is
// overwritten.
type TicketTypeEdit struct {
	ID             *uuid.UUID
	Name           string
	Price          float64
	Description    string
	TotalAvailable int
}

// ReconcileOptions tunes reconciliation policy
type ReconcileOptions struct {
	// ProtectSoldTicketTypes rejects dropping a ticket type that already has
	// issued tickets.
	ProtectSoldTicketTypes bool
}

// ReconcileResult is the ticket type set an edit produces
type ReconcileResult struct {
	TicketTypes []models.TicketType
	Created     []uuid.UUID
	Updated     []uuid.UUID
	Deleted     []uuid.UUID
}

// ReconcileTicketTypes diffs the submitted edits against the event's current
// ticket types in one pass. Types missing from the edits are dropped, edits
// without an ID become new types and the rest overwrite the matching type.
// Duplicate IDs resolve to the last edit. The event is never modified, so a
// failed reconciliation leaves nothing half applied.
func ReconcileTicketTypes(event *models.Event, edits []TicketTypeEdit, issued map[uuid.UUID]int64, opts ReconcileOptions) (ReconcileResult, error) {
	var result ReconcileResult

	wanted := make(map[uuid.UUID]struct{}, len(edits))
	for _, edit := range edits {
		if edit.ID != nil {
			wanted[*edit.ID] = struct{}{}
		}
	}

	kept := make([]models.TicketType, 0, len(event.TicketTypes)+len(edits))
	position := make(map[uuid.UUID]int, len(event.TicketTypes))
	for _, tt := range event.TicketTypes {
		if _, ok := wanted[tt.ID]; !ok {
			if opts.ProtectSoldTicketTypes && issued[tt.ID] > 0 {
				return ReconcileResult{}, errors.Wrapf(models.ErrTicketTypeHasTickets, "ticket type %s", tt.ID)
			}
			result.Deleted = append(result.Deleted, tt.ID)
			continue
		}
		position[tt.ID] = len(kept)
		kept = append(kept, tt)
	}

	touched := make(map[uuid.UUID]struct{}, len(edits))
	for _, edit := range edits {
		if edit.ID == nil {
			tt := models.TicketType{
				ID:             uuid.New(),
				EventID:        event.ID,
				Name:           edit.Name,
				Price:          edit.Price,
				Description:    edit.Description,
				TotalAvailable: edit.TotalAvailable,
			}
			result.Created = append(result.Created, tt.ID)
			kept = append(kept, tt)
			continue
		}

		i, ok := position[*edit.ID]
		if !ok {
			return ReconcileResult{}, errors.Wrapf(models.ErrUnknownTicketType, "ticket type %s", *edit.ID)
		}
		kept[i].Name = edit.Name
		kept[i].Price = edit.Price
		kept[i].Description = edit.Description
		kept[i].TotalAvailable = edit.TotalAvailable
		if _, seen := touched[*edit.ID]; !seen {
			touched[*edit.ID] = struct{}{}
			result.Updated = append(result.Updated, *edit.ID)
		}
	}

	for _, id := range result.Updated {
		tt := kept[position[id]]
		if issued[id] > int64(tt.TotalAvailable) {
			return ReconcileResult{}, errors.Wrapf(models.ErrCapacityBelowIssued,
				"ticket type %s has %d issued, requested %d", id, issued[id], tt.TotalAvailable)
		}
	}

	result.TicketTypes = kept
	return result, nil
}
