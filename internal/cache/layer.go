package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// Config tunes the layer. Zero values pick defaults.
type Config struct {
	KeyPrefix      string
	StaticTTL      time.Duration
	SemiDynamicTTL time.Duration
	// HotTTL caps how long a hot entry stays in memory.
	HotTTL time.Duration
	// HotBudgetBytes bounds the hot tier per tenant.
	HotBudgetBytes int
	// RecoveryInterval spaces Redis probes while degraded.
	RecoveryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "tp"
	}
	if c.HotTTL <= 0 {
		c.HotTTL = 5 * time.Second
	}
	if c.HotBudgetBytes == 0 {
		c.HotBudgetBytes = 1 << 20
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = time.Second
	}
	return c
}

// Stamp is the generation a value was loaded under. A stored value is served
// only while all three counters are unchanged.
type Stamp struct {
	Epoch      int64 `json:"e"`
	Tenant     int64 `json:"t"`
	Generation int64 `json:"g"`
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Epoch, s.Tenant, s.Generation)
}

type envelope struct {
	Stamp Stamp           `json:"s"`
	Value json.RawMessage `json:"v"`
}

// storeIfCurrent writes the envelope only when no counter moved since the load began.
var storeIfCurrent = redis.NewScript(`
local e = tonumber(redis.call('GET', KEYS[2]) or '0')
local t = tonumber(redis.call('GET', KEYS[3]) or '0')
local g = tonumber(redis.call('GET', KEYS[4]) or '0')
if e ~= tonumber(ARGV[1]) or t ~= tonumber(ARGV[2]) or g ~= tonumber(ARGV[3]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[4], 'PX', ARGV[5])
return 1
`)

// Layer is the cache coherence layer.
type Layer struct {
	client  redis.UniversalClient
	policy  Policy
	cfg     Config
	keys    keyspace
	hot     *hotTier
	group   singleflight.Group
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	origin  string

	degraded     atomic.Bool
	pendingEpoch atomic.Bool
	lastProbe    atomic.Int64
	listening    atomic.Bool
	resubscribe  chan struct{}
}

// NewLayer builds a Layer. A nil client runs the layer permanently in
// pass-through mode.
func NewLayer(client redis.UniversalClient, cfg Config, metrics *Metrics, logger *slog.Logger) *Layer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		client:  client,
		policy:  DefaultPolicy(cfg.StaticTTL, cfg.SemiDynamicTTL),
		cfg:     cfg,
		keys:    keyspace{prefix: cfg.KeyPrefix},
		hot:     newHotTier(cfg.HotBudgetBytes),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		origin:  uuid.NewString(),

		resubscribe: make(chan struct{}, 1),
	}
}

// Policy exposes the classification.
func (l *Layer) Policy() Policy { return l.policy }

// Degraded reports whether the shared tier is currently bypassed.
func (l *Layer) Degraded() bool { return l.client == nil || l.degraded.Load() }

// Read serves key from the hot tier, then the shared tier, then loader.
// A hot hit is served only while the shared counters still match its stamp.
// Live kinds always call loader. Shared tier failures fall back to loader.
func Read[T any](ctx context.Context, l *Layer, scope *tenancy.Scope, key Key, loader func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := scope.Verify(); err != nil {
		return zero, err
	}
	if l == nil {
		return loader(ctx)
	}
	kind := string(key.Kind)
	if l.policy.Class(key.Kind) == Live {
		l.metrics.bypassed(kind)
		return loader(ctx)
	}
	if !l.sharedAvailable(ctx) {
		l.metrics.degradedOp("read")
		return loader(ctx)
	}

	tenant := scope.TenantID()
	tok := l.hot.token(tenant)
	local := key.local()
	if e, ok := l.hot.get(tenant, local, l.now()); ok {
		current, err := l.stamp(ctx, tenant, key)
		if err != nil {
			l.fail("read", err)
			return loader(ctx)
		}
		if current == e.stamp {
			var v T
			if err := json.Unmarshal(e.raw, &v); err == nil {
				l.metrics.hit("hot", kind)
				return v, nil
			}
		}
		l.hot.drop(tenant, local)
	}

	stamp, raw, err := l.fetch(ctx, tenant, key)
	if err != nil {
		l.fail("read", err)
		return loader(ctx)
	}
	if raw != nil {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			l.metrics.hit("shared", kind)
			l.putHot(tenant, key, stamp, raw, tok)
			return v, nil
		}
	}

	l.metrics.miss(kind)
	// Joined callers share this load; one caller giving up must not fail the rest.
	loadCtx := context.WithoutCancel(ctx)
	res, err, _ := l.group.Do(tenant+"|"+local+"|"+stamp.String(), func() (any, error) {
		v, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache: encode %s: %w", key.Kind, err)
		}
		stored, err := l.store(loadCtx, tenant, key, stamp, raw)
		switch {
		case err != nil:
			l.fail("write", err)
		case !stored:
			l.metrics.rejected()
		default:
			l.putHot(tenant, key, stamp, raw, tok)
		}
		return raw, nil
	})
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(res.([]byte), &v); err != nil {
		return zero, fmt.Errorf("cache: decode %s: %w", key.Kind, err)
	}
	return v, nil
}

func (l *Layer) putHot(tenant string, key Key, stamp Stamp, raw []byte, tok hotToken) {
	ttl := l.cfg.HotTTL
	if pt := l.policy.TTL(key.Kind); pt > 0 && pt < ttl {
		ttl = pt
	}
	l.hot.put(tenant, &hotEntry{
		key:     key.local(),
		kind:    key.Kind,
		query:   key.isQuery(),
		raw:     raw,
		stamp:   stamp,
		expires: l.now().Add(ttl),
	}, tok)
}

// stamp reads only the counters guarding key.
func (l *Layer) stamp(ctx context.Context, tenant string, key Key) (Stamp, error) {
	vals, err := l.client.MGet(ctx,
		l.keys.epoch(),
		l.keys.tenantGen(tenant),
		l.keys.generation(tenant, key),
	).Result()
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{Epoch: counter(vals[0]), Tenant: counter(vals[1]), Generation: counter(vals[2])}, nil
}

func (l *Layer) fetch(ctx context.Context, tenant string, key Key) (Stamp, []byte, error) {
	vals, err := l.client.MGet(ctx,
		l.keys.value(tenant, key),
		l.keys.epoch(),
		l.keys.tenantGen(tenant),
		l.keys.generation(tenant, key),
	).Result()
	if err != nil {
		return Stamp{}, nil, err
	}
	stamp := Stamp{Epoch: counter(vals[1]), Tenant: counter(vals[2]), Generation: counter(vals[3])}
	s, ok := vals[0].(string)
	if !ok {
		return stamp, nil, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil || env.Stamp != stamp {
		return stamp, nil, nil
	}
	return stamp, env.Value, nil
}

func (l *Layer) store(ctx context.Context, tenant string, key Key, stamp Stamp, raw []byte) (bool, error) {
	body, err := json.Marshal(envelope{Stamp: stamp, Value: raw})
	if err != nil {
		return false, err
	}
	ttl := l.policy.TTL(key.Kind)
	n, err := storeIfCurrent.Run(ctx, l.client,
		[]string{l.keys.value(tenant, key), l.keys.epoch(), l.keys.tenantGen(tenant), l.keys.generation(tenant, key)},
		stamp.Epoch, stamp.Tenant, stamp.Generation, body, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func counter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Invalidate bumps the generation of (scope tenant, kind, id) and of the
// kind's listings. It is idempotent and never fails because of the shared tier.
func (l *Layer) Invalidate(ctx context.Context, scope *tenancy.Scope, kind dal.Kind, id string) error {
	if err := scope.Verify(); err != nil {
		return err
	}
	return l.InvalidateTenant(ctx, scope.TenantID(), kind, id)
}

// InvalidateTenant is Invalidate for callers holding only a tenant id, such as
// event handlers. An empty id invalidates listings only.
func (l *Layer) InvalidateTenant(ctx context.Context, tenantID string, kind dal.Kind, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: invalidate without tenant", shared.ErrInvalidTenant)
	}
	if l.policy.Class(kind) == Live {
		return nil
	}
	// The write is already committed; finish even if the caller gave up.
	ctx = context.WithoutCancel(ctx)
	l.hot.invalidate(tenantID, kind, EntityKey(kind, id).local())
	l.metrics.invalidated(string(kind))
	if !l.sharedAvailable(ctx) {
		l.pendingEpoch.Store(true)
		l.metrics.degradedOp("invalidate")
		return nil
	}
	hint := l.hint(hintInvalidate, tenantID, kind, id)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if id != "" {
			pipe.Incr(ctx, l.keys.entityGen(tenantID, kind, id))
			pipe.Del(ctx, l.keys.value(tenantID, EntityKey(kind, id)))
		}
		pipe.Incr(ctx, l.keys.queryGen(tenantID, kind))
		pipe.Publish(ctx, l.keys.channel(), hint)
		return nil
	})
	if err != nil {
		l.pendingEpoch.Store(true)
		l.fail("invalidate", err)
	}
	return nil
}

// FlushTenant drops every cached value of one tenant without touching others.
func (l *Layer) FlushTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: flush without tenant", shared.ErrInvalidTenant)
	}
	ctx = context.WithoutCancel(ctx)
	l.hot.dropTenant(tenantID)
	l.metrics.invalidated("tenant")
	if !l.sharedAvailable(ctx) {
		l.pendingEpoch.Store(true)
		l.metrics.degradedOp("flush")
		return nil
	}
	hint := l.hint(hintFlush, tenantID, "", "")
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, l.keys.tenantGen(tenantID))
		pipe.Publish(ctx, l.keys.channel(), hint)
		return nil
	})
	if err != nil {
		l.pendingEpoch.Store(true)
		l.fail("flush", err)
		return nil
	}
	l.logger.Info("tenant cache flushed", slog.String("tenant", tenantID))
	return nil
}

func (l *Layer) sharedAvailable(ctx context.Context) bool {
	if l.client == nil {
		return false
	}
	if !l.degraded.Load() {
		return true
	}
	now := l.now().UnixNano()
	last := l.lastProbe.Load()
	if now-last < int64(l.cfg.RecoveryInterval) || !l.lastProbe.CompareAndSwap(last, now) {
		return false
	}
	return l.recover(ctx)
}

// recover runs the epoch bump owed by invalidations lost during the outage
// before the shared tier is trusted again.
func (l *Layer) recover(ctx context.Context) bool {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return false
	}
	if l.pendingEpoch.Load() {
		if err := l.client.Incr(ctx, l.keys.epoch()).Err(); err != nil {
			return false
		}
		l.pendingEpoch.Store(false)
		_ = l.client.Publish(ctx, l.keys.channel(), l.hint(hintEpoch, "", "", "")).Err()
	}
	l.hot.clear()
	l.degraded.Store(false)
	select {
	case l.resubscribe <- struct{}{}:
	default:
	}
	l.logger.Info("cache shared tier recovered")
	return true
}

func (l *Layer) fail(op string, err error) {
	l.metrics.degradedOp(op)
	if errors.Is(err, context.Canceled) {
		return
	}
	if !l.degraded.Swap(true) {
		l.lastProbe.Store(l.now().UnixNano())
		l.logger.Warn("cache degraded to pass-through",
			slog.String("op", op),
			slog.Any("error", fmt.Errorf("%w: %v", shared.ErrCacheUnavailable, err)),
		)
	}
}
