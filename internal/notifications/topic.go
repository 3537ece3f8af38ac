package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the subset of the SNS client used by TopicSink.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// TopicSink publishes events as JSON to an SNS topic for downstream systems.
type TopicSink struct {
	api      SNSAPI
	topicARN string
}

func NewTopicSink(api SNSAPI, topicARN string) *TopicSink {
	return &TopicSink{api: api, topicARN: topicARN}
}

func (s *TopicSink) Name() string { return "sns" }

func (s *TopicSink) Send(ctx context.Context, event Event) (Delivery, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to encode event: %w", err)
	}

	out, err := s.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String(string(event.Type)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(event.Type))},
			"request_id": {DataType: aws.String("String"), StringValue: aws.String(event.RequestID)},
		},
	})
	if err != nil {
		return Delivery{Recipient: s.topicARN}, fmt.Errorf("failed to publish event: %w", err)
	}
	return Delivery{Recipient: s.topicARN, ProviderMessageID: aws.ToString(out.MessageId)}, nil
}
