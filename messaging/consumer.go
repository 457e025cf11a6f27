package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/deadletter"
)

const (
	receiveBatchSize        = 10
	defaultMaxDeliveryCount = 5
	unknownTenant           = "unknown"
)

// Settler settles received messages. *azservicebus.Receiver implements it.
type Settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
}

// DeadLetters records messages given up on
type DeadLetters interface {
	AddEntry(ctx context.Context, entry deadletter.Entry) (*deadletter.Entry, error)
}

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	QueueName string
	// MaxDeliveryCount is the delivery after which a failing message is dead-lettered
	MaxDeliveryCount int
}

// Consumer receives commands from a Service Bus queue
type Consumer struct {
	client      *azservicebus.Client
	cfg         ConsumerConfig
	processor   MessageProcessor
	deadLetters DeadLetters
}

// NewClient creates a Service Bus client from a connection string
func NewClient(connStr string) (*azservicebus.Client, error) {
	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewConsumer creates a new consumer
func NewConsumer(client *azservicebus.Client, cfg ConsumerConfig, processor MessageProcessor, deadLetters DeadLetters) *Consumer {
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = defaultMaxDeliveryCount
	}
	return &Consumer{
		client:      client,
		cfg:         cfg,
		processor:   processor,
		deadLetters: deadLetters,
	}
}

// Run receives and handles messages until ctx is done
func (c *Consumer) Run(ctx context.Context) error {
	receiver, err := c.client.NewReceiverForQueue(c.cfg.QueueName, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := receiver.Close(closeCtx); err != nil {
			log.Error().Err(err).Str("queue", c.cfg.QueueName).Msg("Error closing receiver")
		}
	}()

	log.Info().Str("queue", c.cfg.QueueName).Msg("Starting consumer")
	for {
		messages, err := receiver.ReceiveMessages(ctx, receiveBatchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				continue
			}
			return err
		}

		for _, message := range messages {
			c.Handle(ctx, receiver, message)
		}
	}
}

// Handle processes one message and settles it: completed on success,
// dead-lettered when it is poison or out of deliveries, abandoned otherwise
func (c *Consumer) Handle(ctx context.Context, settler Settler, message *azservicebus.ReceivedMessage) {
	err := c.processor.ProcessMessage(ctx, message)
	if err == nil {
		if err := settler.CompleteMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
		}
		return
	}

	var poisoned *PoisonMessageError
	isPoison := errors.As(err, &poisoned)
	if !isPoison && int(message.DeliveryCount) < c.cfg.MaxDeliveryCount {
		log.Warn().Err(err).
			Str("message_id", message.MessageID).
			Uint32("delivery_count", message.DeliveryCount).
			Msg("Message processing failed, abandoning for redelivery")
		if err := settler.AbandonMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
		}
		return
	}

	reason := "MaxDeliveryCountExceeded"
	if isPoison {
		reason = "PoisonMessage"
	}
	c.recordDeadLetter(ctx, message, reason, err)

	description := err.Error()
	if err := settler.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
		Reason:           &reason,
		ErrorDescription: &description,
	}); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to dead-letter message")
	}
}

func (c *Consumer) recordDeadLetter(ctx context.Context, message *azservicebus.ReceivedMessage, reason string, cause error) {
	if c.deadLetters == nil {
		return
	}

	entry := deadletter.Entry{
		EventID:      message.MessageID,
		ErrorType:    reason,
		ErrorMessage: cause.Error(),
		Payload:      payloadOf(message.Body),
		RetryCount:   int(message.DeliveryCount),
		MaxRetries:   c.cfg.MaxDeliveryCount,
		TenantID:     tenantOf(message),
	}
	if message.CorrelationID != nil {
		entry.CorrelationID = *message.CorrelationID
	}

	if _, err := c.deadLetters.AddEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to record dead letter for message")
	}
}

// payloadOf keeps valid JSON as is and quotes anything else
func payloadOf(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// tenantOf reads the tenant from the message properties or the command body
func tenantOf(message *azservicebus.ReceivedMessage) string {
	if tenant, ok := message.ApplicationProperties["tenant_id"].(string); ok && tenant != "" {
		return tenant
	}

	var msg struct {
		Data struct {
			TenantID string `json:"tenant_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message.Body, &msg); err == nil && msg.Data.TenantID != "" {
		return msg.Data.TenantID
	}
	return unknownTenant
}
