// Package queue carries asynchronous route requests over SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/ai-router/internal/domain"
)

type AsyncQuery struct {
	ID                string    `json:"id"`
	Query             string    `json:"query"`
	PreferredProvider string    `json:"preferred_provider,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	TraceID           string    `json:"trace_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`

	ReceiptHandle string `json:"-"`
}

type AsyncResult struct {
	RequestID     string                 `json:"request_id"`
	TraceID       string                 `json:"trace_id"`
	Platform      string                 `json:"platform,omitempty"`
	Result        json.RawMessage        `json:"result,omitempty"`
	FallbackChain []domain.FallbackEntry `json:"fallback_chain,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

type Queue interface {
	SendQuery(ctx context.Context, q AsyncQuery) error
	ReceiveQueries(ctx context.Context, maxMessages int) ([]AsyncQuery, error)
	DeleteQuery(ctx context.Context, receiptHandle string) error
	SendResult(ctx context.Context, res AsyncResult) error
}

type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client          SQSAPI
	requestURL      string
	responseURL     string
	waitTimeSeconds int32
}

func NewSQSQueue(ctx context.Context, region, requestQueueURL, responseQueueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), requestQueueURL, responseQueueURL), nil
}

func NewSQSQueueWithClient(client SQSAPI, requestQueueURL, responseQueueURL string) *SQSQueue {
	return &SQSQueue{
		client:          client,
		requestURL:      requestQueueURL,
		responseURL:     responseQueueURL,
		waitTimeSeconds: 20,
	}
}

func (q *SQSQueue) SendQuery(ctx context.Context, query AsyncQuery) error {
	body, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.requestURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes(query.ID, query.UserID),
	})
	if err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	return nil
}

// ReceiveQueries long-polls. Undecodable messages are logged and left on the
// queue for the redrive policy.
func (q *SQSQueue) ReceiveQueries(ctx context.Context, maxMessages int) ([]AsyncQuery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.requestURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.waitTimeSeconds,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive queries: %w", err)
	}

	queries := make([]AsyncQuery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var query AsyncQuery
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &query); err != nil {
			slog.Warn("failed to unmarshal query message", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		query.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		queries = append(queries, query)
	}

	return queries, nil
}

func (q *SQSQueue) DeleteQuery(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.requestURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete query: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendResult(ctx context.Context, res AsyncResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.responseURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes(res.RequestID, ""),
	})
	if err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

func attributes(requestID, userID string) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		"RequestID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(requestID),
		},
	}
	if userID != "" {
		attrs["UserID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(userID),
		}
	}
	return attrs
}

type InMemoryQueue struct {
	mu      sync.Mutex
	queries []AsyncQuery
	results []AsyncResult
	deleted []string
	next    int
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) SendQuery(ctx context.Context, query AsyncQuery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	query.ReceiptHandle = fmt.Sprintf("receipt-%d", q.next)
	q.queries = append(q.queries, query)
	return nil
}

func (q *InMemoryQueue) ReceiveQueries(ctx context.Context, maxMessages int) ([]AsyncQuery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(maxMessages, len(q.queries))
	result := make([]AsyncQuery, count)
	copy(result, q.queries[:count])
	q.queries = q.queries[count:]

	return result, nil
}

func (q *InMemoryQueue) DeleteQuery(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *InMemoryQueue) SendResult(ctx context.Context, res AsyncResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, res)
	return nil
}

func (q *InMemoryQueue) GetResults() []AsyncResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]AsyncResult, len(q.results))
	copy(result, q.results)
	return result
}

func (q *InMemoryQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}
