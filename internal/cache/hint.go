package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
)

const (
	hintInvalidate = "invalidate"
	hintFlush      = "flush"
	hintEpoch      = "epoch"
)

// hint tells other instances to drop hot entries early. Both tiers are
// fenced by the generation counters, so a lost hint only costs memory.
type hint struct {
	Origin string   `json:"origin"`
	Op     string   `json:"op"`
	Tenant string   `json:"tenant,omitempty"`
	Kind   dal.Kind `json:"kind,omitempty"`
	ID     string   `json:"id,omitempty"`
}

func (l *Layer) hint(op, tenant string, kind dal.Kind, id string) string {
	raw, _ := json.Marshal(hint{Origin: l.origin, Op: op, Tenant: tenant, Kind: kind, ID: id})
	return string(raw)
}

// Listen applies invalidation hints from other instances until ctx is done,
// then returns ctx.Err(). A subscription that cannot be opened or breaks is
// retried with backoff, and at once when the shared tier recovers.
func (l *Layer) Listen(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = max(l.cfg.RecoveryInterval, 100*time.Millisecond)
	policy.MaxInterval = 10 * time.Second
	for {
		err := l.subscribe(ctx, policy.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := policy.NextBackOff()
		l.metrics.degradedOp("subscribe")
		l.logger.Warn("cache: invalidation hints unavailable, resubscribing",
			slog.Duration("retry_in", wait),
			slog.Any("error", err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.resubscribe:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Listening reports whether a hint subscription is currently open.
func (l *Layer) Listening() bool { return l.listening.Load() }

func (l *Layer) subscribe(ctx context.Context, established func()) error {
	pubsub := l.client.Subscribe(ctx, l.keys.channel())
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("cache: subscribe: %w", err)
	}
	established()
	// Hints sent while unsubscribed are gone; drop what they would have dropped.
	l.hot.clear()
	l.listening.Store(true)
	defer l.listening.Store(false)
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("cache: receive hint: %w", err)
		}
		l.applyHint(msg.Payload)
	}
}

func (l *Layer) applyHint(payload string) {
	var h hint
	if err := json.Unmarshal([]byte(payload), &h); err != nil {
		l.logger.Warn("cache: bad invalidation hint", slog.Any("error", err))
		return
	}
	if h.Origin == l.origin {
		return
	}
	switch h.Op {
	case hintInvalidate:
		l.hot.invalidate(h.Tenant, h.Kind, EntityKey(h.Kind, h.ID).local())
	case hintFlush:
		l.hot.dropTenant(h.Tenant)
	case hintEpoch:
		l.hot.clear()
	}
}

// HandleEvent is the notifier's required subscriber. It maps change events to
// invalidations and runs before the write is acknowledged.
func (l *Layer) HandleEvent(ctx context.Context, evt events.Event) error {
	switch evt.Type {
	case events.ProductCreated, events.ProductUpdated, events.ProductDeleted:
		return l.InvalidateTenant(ctx, evt.TenantID, dal.KindProduct, evt.EntityID)
	case events.CategoryCreated, events.CategoryUpdated, events.CategoryDeleted:
		return l.InvalidateTenant(ctx, evt.TenantID, dal.KindCategory, evt.EntityID)
	case events.StockAdjusted:
		// Product entities carry a live stock overlay; only listings that
		// filter on stock go stale.
		return l.InvalidateTenant(ctx, evt.TenantID, dal.KindProduct, "")
	case events.TenantSettingsUpdated:
		return l.InvalidateTenant(ctx, evt.TenantID, dal.KindTenantSettings, evt.TenantID)
	case events.TenantStatusChanged:
		return l.FlushTenant(ctx, evt.TenantID)
	}
	return nil
}
