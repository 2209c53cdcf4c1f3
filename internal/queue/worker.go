package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
)

type QueryRouter interface {
	RouteQuery(ctx context.Context, in domain.QueryInput) (*domain.QueryResult, error)
}

type Worker struct {
	queue       Queue
	router      QueryRouter
	batchSize   int
	idleBackoff time.Duration
}

func NewWorker(q Queue, router QueryRouter) *Worker {
	return &Worker{
		queue:       q,
		router:      router,
		batchSize:   10,
		idleBackoff: time.Second,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("async query worker started")
	for {
		if ctx.Err() != nil {
			slog.Info("async query worker stopped")
			return nil
		}

		n, err := w.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("poll queries failed", "error", err)
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
			case <-time.After(w.idleBackoff):
			}
		}
	}
}

// Start runs the worker in the background. The returned channel is closed once
// Run has returned, including any query still in flight at cancellation.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			slog.Error("async query worker failed", "error", err)
		}
	}()
	return done
}

// Poll handles one batch and returns how many queries it received.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	queries, err := w.queue.ReceiveQueries(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	for _, q := range queries {
		w.handle(ctx, q)
	}
	return len(queries), nil
}

// handle deletes the message once a result, success or failure, is published.
// If publishing fails the message stays and is redelivered.
func (w *Worker) handle(ctx context.Context, q AsyncQuery) {
	res, err := w.router.RouteQuery(ctx, domain.QueryInput{
		Query:             q.Query,
		PreferredProvider: q.PreferredProvider,
		UserID:            q.UserID,
		TraceID:           q.TraceID,
	})

	out := AsyncResult{
		RequestID: q.ID,
		TraceID:   q.TraceID,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		out.Error = err.Error()
		var allFailed *domain.AllProvidersFailedError
		if errors.As(err, &allFailed) {
			out.TraceID = allFailed.TraceID
			out.FallbackChain = allFailed.FallbackChain
		}
	} else {
		out.TraceID = res.TraceID
		out.Platform = res.Platform
		out.Result = res.Result
		out.FallbackChain = res.FallbackChain
	}

	if err := w.queue.SendResult(ctx, out); err != nil {
		metrics.RecordQueueMessage("result_failed")
		slog.Error("publish async result failed", "request_id", q.ID, "error", err)
		return
	}

	if err := w.queue.DeleteQuery(ctx, q.ReceiptHandle); err != nil {
		slog.Warn("delete query message failed", "request_id", q.ID, "error", err)
	}

	status := "processed"
	if out.Error != "" {
		status = "failed"
	}
	metrics.RecordQueueMessage(status)
}
