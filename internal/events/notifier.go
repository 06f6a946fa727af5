package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("events: notifier closed")

// Config sizes the background dispatcher.
type Config struct {
	QueueSize int
	Workers   int
	// DeliveryTimeout bounds each best-effort handler or sink call.
	DeliveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	return c
}

// Notifier fans events out to required handlers, subscribers and sinks.
type Notifier struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	required []Handler
	subs     map[Type][]Handler
	sinks    []Sink
	closed   bool

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

// NewNotifier builds a Notifier and starts its dispatcher workers.
func NewNotifier(cfg Config, metrics *Metrics, logger *slog.Logger) *Notifier {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		subs:    make(map[Type][]Handler),
		queue:   make(chan Event, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.work()
	}
	return n
}

// Require registers a handler that must succeed before a write is acknowledged.
func (n *Notifier) Require(h Handler) {
	n.mu.Lock()
	n.required = append(n.required, h)
	n.mu.Unlock()
}

// Subscribe registers a best-effort handler for typ.
func (n *Notifier) Subscribe(typ Type, h Handler) {
	n.mu.Lock()
	n.subs[typ] = append(n.subs[typ], h)
	n.mu.Unlock()
}

// AddSink registers a best-effort external delivery target.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	n.sinks = append(n.sinks, s)
	n.mu.Unlock()
}

// Publish builds the event for the scope tenant, runs required handlers inline
// and queues the rest. A required handler error is returned; best-effort
// failures are only logged.
func (n *Notifier) Publish(ctx context.Context, scope *tenancy.Scope, typ Type, entityID string, payload any) (Event, error) {
	if err := scope.Verify(); err != nil {
		return Event{}, err
	}
	return n.publish(ctx, scope.TenantID(), typ, entityID, payload)
}

// PublishTenant emits a tenant lifecycle event, which happens outside any scope.
func (n *Notifier) PublishTenant(ctx context.Context, tenantID string, typ Type, payload any) (Event, error) {
	if tenantID == "" {
		return Event{}, errors.New("events: tenant id required")
	}
	return n.publish(ctx, tenantID, typ, tenantID, payload)
}

func (n *Notifier) publish(ctx context.Context, tenantID string, typ Type, entityID string, payload any) (Event, error) {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TenantID:  tenantID,
		EntityID:  entityID,
		Timestamp: n.now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("events: encode payload: %w", err)
		}
		evt.Payload = raw
	}

	n.mu.RLock()
	closed := n.closed
	required := append([]Handler(nil), n.required...)
	n.mu.RUnlock()
	if closed {
		return Event{}, ErrClosed
	}

	for _, h := range required {
		if err := h(ctx, evt); err != nil {
			return evt, fmt.Errorf("events: required handler for %s: %w", typ, err)
		}
	}
	n.metrics.published(typ)
	n.enqueue(evt)
	return evt, nil
}

func (n *Notifier) enqueue(evt Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- evt:
	default:
		n.metrics.dropped(evt.Type)
		n.logger.Warn("event dropped, dispatcher queue full",
			slog.String("event_id", evt.ID),
			slog.String("type", string(evt.Type)),
			slog.String("tenant", evt.TenantID),
		)
	}
}

func (n *Notifier) work() {
	defer n.wg.Done()
	for evt := range n.queue {
		n.dispatch(evt)
	}
}

func (n *Notifier) dispatch(evt Event) {
	n.mu.RLock()
	subs := append([]Handler(nil), n.subs[evt.Type]...)
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.RUnlock()

	for _, h := range subs {
		n.deliver(evt, "subscriber", h)
	}
	for _, s := range sinks {
		n.deliver(evt, "sink", s.Deliver)
	}
}

func (n *Notifier) deliver(evt Event, target string, fn Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			n.metrics.failed(evt.Type, target)
			n.logger.Error("event handler panic", slog.String("event_id", evt.ID), slog.Any("panic", r))
		}
	}()
	if err := fn(ctx, evt); err != nil {
		n.metrics.failed(evt.Type, target)
		n.logger.Warn("event delivery failed",
			slog.String("event_id", evt.ID),
			slog.String("type", string(evt.Type)),
			slog.String("target", target),
			slog.Any("error", err),
		)
	}
}

// Close stops accepting events and drains the queue.
func (n *Notifier) Close() {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
		n.wg.Wait()
	})
}
