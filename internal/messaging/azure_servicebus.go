package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/tickets/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const source = "tickets"

type sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

type receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// Publisher sends domain notifications to a Service Bus queue
type Publisher struct {
	client *azservicebus.Client
	sender sender
	now    func() time.Time
}

// NewPublisher connects a queue sender
func NewPublisher(cfg config.AzureConfig) (*Publisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	s, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &Publisher{client: client, sender: s, now: time.Now}, nil
}

func (p *Publisher) send(ctx context.Context, eventType string, payload interface{}) error {
	body, err := Encode(eventType, payload)
	if err != nil {
		return err
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        body,
		ContentType: &contentType,
		Subject:     &eventType,
		ApplicationProperties: map[string]interface{}{
			"source": source,
			"type":   eventType,
			"time":   p.now().UTC().Format(time.RFC3339),
		},
	}

	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("failed to send %s message: %w", eventType, err)
	}
	return nil
}

// PublishEventChanged announces a write to an event aggregate
func (p *Publisher) PublishEventChanged(ctx context.Context, eventID uuid.UUID, action string) error {
	return p.send(ctx, EventChanged, EventChangedMessage{
		EventID:    eventID,
		Action:     action,
		OccurredAt: p.now().UTC(),
	})
}

// PublishTicketPurchased announces a committed purchase
func (p *Publisher) PublishTicketPurchased(ctx context.Context, msg TicketPurchasedMessage) error {
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = p.now().UTC()
	}
	return p.send(ctx, TicketPurchased, msg)
}

// Close closes the sender and its client
func (p *Publisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}

// Consumer receives queue messages and hands them to a dispatcher
type Consumer struct {
	client    *azservicebus.Client
	receiver  receiver
	batchSize int
	idleWait  time.Duration
}

// NewConsumer connects a queue receiver
func NewConsumer(cfg config.AzureConfig) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	r, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}

	return &Consumer{client: client, receiver: r, batchSize: 10, idleWait: 2 * time.Second}, nil
}

// Run receives batches until ctx is cancelled. Messages whose handler fails
// are abandoned so the queue redelivers them; the rest are completed.
func (c *Consumer) Run(ctx context.Context, dispatcher *Dispatcher) error {
	log.Info().Msg("Starting Service Bus consumer")

	for {
		messages, err := c.receiver.ReceiveMessages(ctx, c.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No messages available, waiting...")
				if !sleep(ctx, c.idleWait) {
					return nil
				}
				continue
			}
			return fmt.Errorf("error receiving messages: %w", err)
		}

		for _, message := range messages {
			c.handle(ctx, dispatcher, message)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, dispatcher *Dispatcher, message *azservicebus.ReceivedMessage) {
	// settle on a fresh context so shutdown does not strand a message
	settleCtx := context.Background()

	if err := dispatcher.Dispatch(ctx, message.Body); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
		if err := c.receiver.AbandonMessage(settleCtx, message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
		}
		return
	}

	if err := c.receiver.CompleteMessage(settleCtx, message, nil); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
	}
}

// Close closes the receiver and its client
func (c *Consumer) Close() error {
	if c.receiver != nil {
		if err := c.receiver.Close(context.Background()); err != nil {
			return err
		}
	}
	if c.client != nil {
		return c.client.Close(context.Background())
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
