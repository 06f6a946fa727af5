package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TaskDeliver carries one event to the external consumers.
	TaskDeliver = "events:deliver"
	// QueueEvents is the asynq queue for event delivery.
	QueueEvents = "events"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink hands events to the background worker. Delivery is at least once;
// consumers dedupe by event id.
type AsynqSink struct {
	client   Enqueuer
	maxRetry int
}

// NewAsynqSink builds AsynqSink.
func NewAsynqSink(client Enqueuer, maxRetry int) *AsynqSink {
	if maxRetry <= 0 {
		maxRetry = 10
	}
	return &AsynqSink{client: client, maxRetry: maxRetry}
}

// NewDeliverTask wraps evt in an asynq task.
func NewDeliverTask(evt Event) (*asynq.Task, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("events: encode task: %w", err)
	}
	return asynq.NewTask(TaskDeliver, body, asynq.Queue(QueueEvents)), nil
}

// ParseDeliverTask decodes a task built by NewDeliverTask.
func ParseDeliverTask(t *asynq.Task) (Event, error) {
	var evt Event
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return Event{}, fmt.Errorf("events: decode task: %w", err)
	}
	if evt.ID == "" || evt.TenantID == "" || evt.Type == "" {
		return Event{}, errors.New("events: task payload missing id, tenant or type")
	}
	return evt, nil
}

// Deliver implements Sink.
func (s *AsynqSink) Deliver(ctx context.Context, evt Event) error {
	task, err := NewDeliverTask(evt)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task, asynq.TaskID(evt.ID), asynq.MaxRetry(s.maxRetry))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("events: enqueue %s: %w", evt.ID, err)
	}
	return nil
}
