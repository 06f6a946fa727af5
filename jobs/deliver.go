package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/tillpoint/tillpoint/internal/events"
	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
)

const jobDeliver = "events.deliver"

// Consumer is an external collaborator fed by delivered events.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, evt events.Event) error
}

// DelivererConfig configures Deliverer.
type DelivererConfig struct {
	Redis     redis.UniversalClient
	KeyPrefix string
	// DedupeTTL bounds how long a processed event id is remembered.
	DedupeTTL time.Duration
	Metrics   *jobmetrics.Metrics
	Logger    *slog.Logger
}

// Deliverer consumes events:deliver tasks at most once per event id.
type Deliverer struct {
	redis     redis.UniversalClient
	prefix    string
	ttl       time.Duration
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
	consumers map[events.Type][]Consumer
}

// NewDeliverer builds Deliverer.
func NewDeliverer(cfg DelivererConfig) *Deliverer {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "tp"
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Deliverer{
		redis:     cfg.Redis,
		prefix:    cfg.KeyPrefix,
		ttl:       cfg.DedupeTTL,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		consumers: make(map[events.Type][]Consumer),
	}
}

// Route sends events of the given types to c. Call before the worker starts.
func (d *Deliverer) Route(c Consumer, types ...events.Type) {
	for _, typ := range types {
		d.consumers[typ] = append(d.consumers[typ], c)
	}
}

// TaskHandler registers Handle for the deliver task type.
func (d *Deliverer) TaskHandler() TaskHandler {
	return TaskHandler{Type: events.TaskDeliver, Handler: d.Handle}
}

func (d *Deliverer) seenKey(evt events.Event) string {
	return fmt.Sprintf("%s:events:seen:%s", d.prefix, evt.ID)
}

// Handle processes one task. A consumer failure releases the dedupe claim so
// the retry runs the event again.
func (d *Deliverer) Handle(ctx context.Context, task *asynq.Task) error {
	tracker := d.metrics.Track(jobDeliver)
	evt, err := events.ParseDeliverTask(task)
	if err != nil {
		d.logger.Error("drop malformed event task", slog.Any("error", err))
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	}

	key := d.seenKey(evt)
	claimed, err := d.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Result()
	if err != nil {
		return tracker.End(fmt.Errorf("jobs: claim %s: %w", evt.ID, err))
	}
	if !claimed {
		d.metrics.Duplicate(jobDeliver)
		d.logger.Debug("skip duplicate event", slog.String("event_id", evt.ID))
		return tracker.End(nil)
	}

	var errs []error
	for _, c := range d.consumers[evt.Type] {
		if err := c.Consume(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		if delErr := d.redis.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			d.logger.Warn("release event claim", slog.String("event_id", evt.ID), slog.Any("error", delErr))
		}
		return tracker.End(fmt.Errorf("jobs: deliver %s: %w", evt.ID, err))
	}
	return tracker.End(nil)
}
