package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Message types carried on the queue
const (
	EventChanged    = "EventChanged"
	TicketPurchased = "TicketPurchased"
)

// Event change actions
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// BusMessage is the common message envelope
type BusMessage struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// EventChangedMessage announces that an event aggregate was written
type EventChangedMessage struct {
	EventID    uuid.UUID `json:"event_id"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TicketPurchasedMessage announces a committed ticket purchase
type TicketPurchasedMessage struct {
	TicketID     uuid.UUID `json:"ticket_id"`
	TicketTypeID uuid.UUID `json:"ticket_type_id"`
	EventID      uuid.UUID `json:"event_id"`
	PurchaserID  uuid.UUID `json:"purchaser_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Encode wraps a payload in the envelope
func Encode(eventType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshalling %s payload: %w", eventType, err)
	}
	return json.Marshal(BusMessage{EventType: eventType, Data: data})
}

// HandlerFunc handles the payload of one message type
type HandlerFunc func(ctx context.Context, data json.RawMessage) error

// Dispatcher routes decoded envelopes to handlers by type
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// On registers the handler for a message type
func (d *Dispatcher) On(eventType string, fn HandlerFunc) *Dispatcher {
	d.handlers[eventType] = fn
	return d
}

// Dispatch decodes body and runs the matching handler. Unknown types are
// logged and acknowledged so they do not loop on the queue.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) error {
	var msg BusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	fn, ok := d.handlers[msg.EventType]
	if !ok {
		log.Warn().Str("eventType", msg.EventType).Msg("Ignoring message with unknown type")
		return nil
	}

	log.Debug().Str("eventType", msg.EventType).Msg("Processing message")
	return fn(ctx, msg.Data)
}

// Decode is a typed helper for handlers
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("error unmarshalling payload: %w", err)
	}
	return v, nil
}
