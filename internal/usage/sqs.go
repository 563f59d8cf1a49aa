package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSShipper exports usage records to an SQS queue for offline analytics.
// It implements Tracker; TenantUsage is not served from the queue.
type SQSShipper struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSShipper(ctx context.Context, region, queueURL string) (*SQSShipper, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSShipper{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSShipperWithConfig(cfg aws.Config, queueURL string) *SQSShipper {
	return &SQSShipper{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (s *SQSShipper) Record(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"TenantID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.TenantID),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.Provider),
			},
		},
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage record: %w", err)
	}

	return nil
}

func (s *SQSShipper) TenantUsage(ctx context.Context, tenantID string, since time.Time) ([]Record, error) {
	return nil, fmt.Errorf("tenant usage not available from queue shipper")
}

// Fanout duplicates records to several trackers (e.g. Postgres plus SQS).
// The first error wins but every tracker is attempted.
type Fanout []Tracker

func (f Fanout) Record(ctx context.Context, record Record) error {
	var firstErr error
	for _, t := range f {
		if err := t.Record(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) TenantUsage(ctx context.Context, tenantID string, since time.Time) ([]Record, error) {
	for _, t := range f {
		records, err := t.TenantUsage(ctx, tenantID, since)
		if err == nil {
			return records, nil
		}
	}
	return nil, fmt.Errorf("no tracker can serve tenant usage")
}
