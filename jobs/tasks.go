package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rruiz22/mda-authz/internal/authz"
)

const (
	// QueueAuthz carries permission invalidation fan-out.
	QueueAuthz = "authz"
	// TaskTypeInvalidate is the task type for cache invalidation fan-out.
	TaskTypeInvalidate = "authz:invalidate"
)

// NewInvalidateTask constructs an Asynq task for one invalidation event.
func NewInvalidateTask(evt authz.InvalidationEvent) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInvalidate, data), nil
}

// Enqueuer submits invalidation events to the queue. Implements
// authz.Enqueuer.
type Enqueuer struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewEnqueuer wraps an asynq client.
func NewEnqueuer(client *asynq.Client, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{client: client, logger: logger}
}

// EnqueueInvalidation submits the event. The tight timeout bounds the
// propagation window; retries cover transient worker loss.
func (e *Enqueuer) EnqueueInvalidation(ctx context.Context, evt authz.InvalidationEvent) error {
	task, err := NewInvalidateTask(evt)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueAuthz),
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Second),
		asynq.Retention(time.Hour),
	)
	return err
}

var _ authz.Enqueuer = (*Enqueuer)(nil)

// NewInvalidateHandler returns the worker-side handler performing the
// fan-out through the broadcaster.
func NewInvalidateHandler(broadcaster *authz.Broadcaster) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var evt authz.InvalidationEvent
		if err := json.Unmarshal(t.Payload(), &evt); err != nil {
			return asynq.SkipRetry
		}
		return broadcaster.Fanout(ctx, evt)
	}
}
