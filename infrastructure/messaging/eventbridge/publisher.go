// Package eventbridge forwards vault activity to an AWS EventBridge bus.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"papervault/application/ports"
	"papervault/domain/core/entities"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

const (
	// Source is the EventBridge source of every entry.
	Source = "papervault.sessions"
	// DetailType of activity entries.
	DetailType = "VaultActivity"
)

// PutEventsAPI is the part of the EventBridge client the publisher uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// ActivityPublisher implements ports.ActivityPublisher.
type ActivityPublisher struct {
	client       PutEventsAPI
	eventBusName string
	logger       *zap.Logger
	maxRetries   int
	backoff      time.Duration
}

var _ ports.ActivityPublisher = (*ActivityPublisher)(nil)

// NewActivityPublisher creates a publisher for eventBusName.
func NewActivityPublisher(client PutEventsAPI, eventBusName string, logger *zap.Logger) *ActivityPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityPublisher{
		client:       client,
		eventBusName: eventBusName,
		logger:       logger,
		maxRetries:   3,
		backoff:      100 * time.Millisecond,
	}
}

// NewFromRegion loads the default AWS configuration for region.
func NewFromRegion(ctx context.Context, region, eventBusName string, logger *zap.Logger) (*ActivityPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewActivityPublisher(eventbridge.NewFromConfig(cfg), eventBusName, logger), nil
}

type activityDetail struct {
	VaultID string                `json:"vault_id"`
	Fact    entities.ActivityFact `json:"fact"`
}

// PublishActivity sends one entry, retrying failed entries with
// exponential backoff.
func (p *ActivityPublisher) PublishActivity(ctx context.Context, vaultID string, fact entities.ActivityFact) error {
	detail, err := json.Marshal(activityDetail{VaultID: vaultID, Fact: fact})
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	input := &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(Source),
			DetailType:   aws.String(DetailType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(fact.Timestamp),
			Resources:    []string{"papervault:vault/" + vaultID},
		}},
	}

	backoff := p.backoff
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("Retrying activity publication",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		out, err := p.client.PutEvents(ctx, input)
		if err != nil {
			lastErr = fmt.Errorf("failed to publish activity to EventBridge: %w", err)
			continue
		}
		if out.FailedEntryCount > 0 {
			code, msg := "", ""
			if len(out.Entries) > 0 {
				code, msg = aws.ToString(out.Entries[0].ErrorCode), aws.ToString(out.Entries[0].ErrorMessage)
			}
			lastErr = fmt.Errorf("activity entry rejected: %s %s", code, msg)
			continue
		}
		p.logger.Debug("Activity published",
			zap.String("vault_id", vaultID),
			zap.String("action", string(fact.Action)),
			zap.String("event_bus", p.eventBusName),
		)
		return nil
	}
	return fmt.Errorf("failed to publish activity after %d attempts: %w", p.maxRetries, lastErr)
}
