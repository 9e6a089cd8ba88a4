// Package queue publishes lifecycle events to SQS for downstream consumers
// such as session revocation or audit logging.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"inactivity/internal/config"
	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

const eventTypeLockout = "user.locked_out"

// SQSSender is the SendMessage subset of *sqs.Client.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// LockoutPublisher implements scheduler.EventPublisher.
type LockoutPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewLockoutPublisher targets awsCfg.LifecycleEventsQueue.
func NewLockoutPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *LockoutPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockoutPublisher{
		client:   client,
		queueURL: awsCfg.LifecycleEventsQueue,
		logger:   logger,
	}
}

// PublishLockout sends the event as JSON. The event id doubles as the
// message deduplication key on FIFO queues.
func (p *LockoutPublisher) PublishLockout(ctx context.Context, event types.LockoutEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal LockoutEvent: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventTypeLockout),
			},
			"user_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(event.UserID, 10)),
			},
		},
	}
	if isFIFO(p.queueURL) {
		input.MessageGroupId = aws.String("lockouts")
		input.MessageDeduplicationId = aws.String(event.EventID)
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to send lockout event", err).
			WithDetails(map[string]any{"queue_url": p.queueURL})
	}

	p.logger.InfoContext(ctx, "Lockout event published",
		"event_id", event.EventID,
		"user_id", event.UserID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

func isFIFO(queueURL string) bool {
	return len(queueURL) > 5 && queueURL[len(queueURL)-5:] == ".fifo"
}

var _ scheduler.EventPublisher = (*LockoutPublisher)(nil)
