// Package queue provides SQS-based message producers for publishing billing
// events to downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"stockmeter/internal/config"
	"stockmeter/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// TransitionMessage is the JSON body published for every subscription state
// change. EventID is stable for the same transition so consumers can dedupe.
type TransitionMessage struct {
	EventID     string                 `json:"event_id"`
	PublishedAt time.Time              `json:"published_at"`
	Transition  types.TransitionRecord `json:"transition"`
}

// TransitionPublisher implements billing.TransitionSink by sending each
// transition to the transitions queue.
//
// FIFO queues (URL ending in ".fifo") get MessageGroupId = account id so one
// account's transitions are delivered in order, and a content-derived
// MessageDeduplicationId so a retried emit is not delivered twice.
type TransitionPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewTransitionPublisher creates a TransitionPublisher for the queue in awsCfg.
func NewTransitionPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *TransitionPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionPublisher{
		client:   client,
		queueURL: awsCfg.TransitionsQueueURL,
		fifo:     strings.HasSuffix(awsCfg.TransitionsQueueURL, ".fifo"),
		logger:   logger,
	}
}

// RecordTransition publishes rec.
func (p *TransitionPublisher) RecordTransition(ctx context.Context, rec types.TransitionRecord) error {
	msg := TransitionMessage{
		EventID:     transitionEventID(rec),
		PublishedAt: time.Now().UTC(),
		Transition:  rec,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal TransitionMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"trigger": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(rec.Trigger)),
			},
			"to_state": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(rec.To)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(rec.AccountID)
		input.MessageDeduplicationId = aws.String(msg.EventID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send TransitionMessage to %s: %w", p.queueURL, err)
	}

	p.logger.DebugContext(ctx, "transition message sent",
		"queue_url", p.queueURL,
		"event_id", msg.EventID,
		"account_id", rec.AccountID,
		"from", rec.From,
		"to", rec.To,
	)
	return nil
}

// transitionEventID derives a name-based UUID from the transition's identity.
func transitionEventID(rec types.TransitionRecord) string {
	name := strings.Join([]string{
		rec.AccountID,
		string(rec.From),
		string(rec.To),
		string(rec.Trigger),
		rec.OccurredAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
