// Package notifications publishes operational alerts, primarily provider
// health transitions observed by the circuit-breaker monitor.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/aice-dev/orchestrator/internal/circuitbreaker"
)

type NotificationType string

const (
	NotificationProviderDown    NotificationType = "provider_down"
	NotificationProviderProbing NotificationType = "provider_probing"
	NotificationProviderUp      NotificationType = "provider_up"
)

type Notification struct {
	Type     NotificationType       `json:"type"`
	Provider string                 `json:"provider,omitempty"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// CircuitAlertHook adapts a Notifier into a circuit-breaker state-change hook.
// The hook runs on the reporting goroutine, so the send is fired asynchronously.
func CircuitAlertHook(notifier Notifier) func(circuitbreaker.StateChange) {
	return func(change circuitbreaker.StateChange) {
		var nt NotificationType
		switch change.To {
		case circuitbreaker.StateOpen:
			nt = NotificationProviderDown
		case circuitbreaker.StateHalfOpen:
			nt = NotificationProviderProbing
		case circuitbreaker.StateClosed:
			nt = NotificationProviderUp
		default:
			return
		}

		n := Notification{
			Type:     nt,
			Provider: change.Provider,
			Message:  fmt.Sprintf("provider %s circuit %s -> %s", change.Provider, change.From, change.To),
		}

		go func() {
			if err := notifier.Send(context.Background(), n); err != nil {
				slog.Warn("failed to send circuit alert", "provider", change.Provider, "error", err)
			}
		}()
	}
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Provider),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent", "type", notification.Type, "provider", notification.Provider)

	return nil
}

// LogNotifier writes notifications to the structured log, for deployments
// without an SNS topic.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, notification Notification) error {
	slog.Warn("provider health alert",
		"type", notification.Type,
		"provider", notification.Provider,
		"message", notification.Message,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{notifications: make([]Notification, 0)}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}
