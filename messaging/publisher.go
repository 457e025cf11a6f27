package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"

	"github.com/shardie-github/Settler-API-sub003/reconciliation"
)

// NotificationType is the application property set on every summary message
const NotificationType = "ReconciliationSummary"

// Sender sends messages. *azservicebus.Sender implements it.
type Sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Publisher delivers run summaries to the notifications queue. It is the
// "servicebus" notification target.
type Publisher struct {
	sender Sender
	queue  string
}

// NewPublisher creates a publisher over a sender for queue
func NewPublisher(client *azservicebus.Client, queue string) (*Publisher, error) {
	sender, err := client.NewSender(queue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}
	return NewPublisherWithSender(sender, queue), nil
}

// NewPublisherWithSender wraps an existing sender
func NewPublisherWithSender(sender Sender, queue string) *Publisher {
	return &Publisher{sender: sender, queue: queue}
}

func (p *Publisher) Name() string {
	return "servicebus"
}

// Notify sends the summary. The message id is the saga id, so duplicate
// detection on the queue drops repeats of the same run.
func (p *Publisher) Notify(ctx context.Context, summary reconciliation.Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary")
	}

	messageID := summary.SagaID
	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        body,
		MessageID:   &messageID,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			"type":         NotificationType,
			"tenant_id":    summary.TenantID,
			"aggregate_id": summary.AggregateID,
			"time":         time.Now().UTC().Format(time.RFC3339),
		},
	}
	if summary.CorrelationID != "" {
		correlationID := summary.CorrelationID
		msg.CorrelationID = &correlationID
	}

	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to publish summary of %s to %s", summary.AggregateID, p.queue)
	}
	return nil
}

// Close closes the sender
func (p *Publisher) Close(ctx context.Context) error {
	return p.sender.Close(ctx)
}
