package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
)

const topicAttribute = "topic"

type SNSConfig struct {
	Client   snsiface.SNSAPI
	TopicARN string
}

// SNSPublisher delivers envelopes to an SNS topic. The logical topic travels as a message attribute.
type SNSPublisher struct {
	client   snsiface.SNSAPI
	topicARN string
}

func NewSNSPublisher(cfg SNSConfig) (*SNSPublisher, error) {
	if cfg.Client == nil {
		return nil, errors.New("events: sns client is required")
	}
	if cfg.TopicARN == "" {
		return nil, errors.New("events: sns topic arn is required")
	}
	return &SNSPublisher{client: cfg.Client, topicARN: cfg.TopicARN}, nil
}

func (p *SNSPublisher) Publish(ctx context.Context, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("events: encode envelope: %w", err)
	}
	_, err = p.client.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			topicAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(Topic),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("events: sns publish: %w", err)
	}
	return nil
}

var _ Publisher = (*SNSPublisher)(nil)
