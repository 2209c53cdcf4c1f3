// Package notifications announces provider health transitions to operators.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationProviderDown NotificationType = "provider_down"
	NotificationProviderUp   NotificationType = "provider_up"
)

type Notification struct {
	Type      NotificationType `json:"type"`
	Provider  string           `json:"provider"`
	TraceID   string           `json:"trace_id,omitempty"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// ProviderDown is sent when a provider reaches the failure threshold.
func ProviderDown(provider, traceID string, failures int, cause error) Notification {
	n := Notification{
		Type:      NotificationProviderDown,
		Provider:  provider,
		TraceID:   traceID,
		Message:   fmt.Sprintf("provider %s failed %d times in a row and is cooling down", provider, failures),
		Data:      map[string]any{"failure_count": failures},
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		n.Data["error"] = cause.Error()
	}
	return n
}

// ProviderUp is sent when a provider that was cooling down serves a query again.
func ProviderUp(provider, traceID string, previousFailures int) Notification {
	return Notification{
		Type:      NotificationProviderUp,
		Provider:  provider,
		TraceID:   traceID,
		Message:   fmt.Sprintf("provider %s recovered", provider),
		Data:      map[string]any{"previous_failure_count": previousFailures},
		CreatedAt: time.Now().UTC(),
	}
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   PublishAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn), nil
}

func NewSNSNotifierWithClient(client PublishAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
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
		Subject:  aws.String(fmt.Sprintf("ai-router: %s %s", notification.Provider, notification.Type)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notification.Provider),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"provider", notification.Provider,
		"trace_id", notification.TraceID,
	)

	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	n.notifications = append(n.notifications, notification)
	handlers := append([]func(Notification){}, n.handlers...)
	n.mu.Unlock()

	for _, handler := range handlers {
		handler(notification)
	}

	slog.Info("notification sent (in-memory)",
		"type", notification.Type,
		"provider", notification.Provider,
	)

	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = nil
}
