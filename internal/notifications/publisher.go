// Package notifications publishes billing domain events to the notification
// queue and reports scheduled job metrics to CloudWatch. Delivery to end
// users (email, webhooks) is owned by the notification service that consumes
// the queue.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// Message attribute names set on every published event so subscribers can
// filter without decoding the body.
const (
	AttrEventType      = "event_type"
	AttrOrganizationID = "organization_id"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventPublisher sends DomainEvents to the billing events queue as JSON.
type EventPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ billing.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates an EventPublisher targeting queueURL.
func NewEventPublisher(client SQSSender, queueURL string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish serializes event and sends it to the queue. The event ID is used
// as the deduplication key on FIFO queues and is ignored by standard ones.
func (p *EventPublisher) Publish(ctx context.Context, event types.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event publisher: failed to marshal %s: %w", event.Type, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			AttrEventType: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			AttrOrganizationID: {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.OrganizationID),
			},
		},
	}
	if isFIFO(p.queueURL) {
		input.MessageGroupId = aws.String(event.OrganizationID)
		input.MessageDeduplicationId = aws.String(event.ID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("event publisher: failed to send %s to %s: %w", event.Type, p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "domain event published",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"organization_id", event.OrganizationID,
		"assignment_id", event.AssignmentID,
	)
	return nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

// LogPublisher writes events to the log instead of a queue. It is used when
// no queue URL is configured, typically in local development.
type LogPublisher struct {
	Logger *slog.Logger
}

var _ billing.EventPublisher = LogPublisher{}

// Publish logs the event.
func (p LogPublisher) Publish(ctx context.Context, event types.DomainEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "domain event (not queued)",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"organization_id", event.OrganizationID,
		"assignment_id", event.AssignmentID,
		"payload", event.Payload,
	)
	return nil
}
