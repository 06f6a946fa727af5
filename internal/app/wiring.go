package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tillpoint/tillpoint/internal/api"
	"github.com/tillpoint/tillpoint/internal/audit"
	"github.com/tillpoint/tillpoint/internal/cache"
	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/observability"
	"github.com/tillpoint/tillpoint/internal/orders"
	platformcache "github.com/tillpoint/tillpoint/internal/platform/cache"
	"github.com/tillpoint/tillpoint/internal/platform/db"
	"github.com/tillpoint/tillpoint/internal/shop"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// Runtime holds the long-lived services of the API process.
type Runtime struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Queue     *asynq.Client
	Inspector *asynq.Inspector
	Metrics   *observability.Metrics
	Notifier  *events.Notifier
	Cache     *cache.Layer
	Audit     *audit.Service
	Shop      *shop.Service
	API       *api.Handler
}

// NewRuntime connects to Postgres and Redis and wires the shop. The cache
// hint listener runs until ctx is cancelled.
func NewRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns, MaxConnIdleTime: cfg.PGMaxConnIdle})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Pool: pool, Metrics: observability.NewMetrics()}

	// A missing Redis leaves the cache in pass-through until it comes back.
	client, err := platformcache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable at startup, cache starts degraded", slog.Any("error", err))
		client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	rt.Redis = client
	rt.Queue = asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	rt.Inspector = asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})

	registerer := rt.Metrics.Registerer()
	rt.Audit = audit.NewService(audit.NewPostgresRepository(pool), registerer, logger)

	manager := tenancy.NewManager(
		tenancy.NewPostgresDirectory(pool),
		dal.NewPostgresBinder(pool, logger),
		tenancy.Config{SuspendedReadOnly: cfg.TenantSuspendedReadOnly},
		logger,
	)

	rt.Cache = cache.NewLayer(client, cache.Config{
		KeyPrefix:        cfg.CacheKeyPrefix,
		StaticTTL:        cfg.CacheStaticTTL,
		SemiDynamicTTL:   cfg.CacheSemiDynamicTTL,
		HotTTL:           cfg.CacheHotTTL,
		HotBudgetBytes:   cfg.CacheHotBudgetBytes,
		RecoveryInterval: cfg.CacheRecovery,
	}, cache.NewMetrics(registerer), logger)
	manager.RegisterEvictor(rt.Cache)
	go func() {
		if err := rt.Cache.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("cache hint listener stopped", slog.Any("error", err))
		}
	}()

	rt.Notifier = events.NewNotifier(events.Config{
		QueueSize:       cfg.EventsQueueSize,
		Workers:         cfg.EventsWorkers,
		DeliveryTimeout: cfg.EventsDeliveryTimeout,
	}, events.NewMetrics(registerer), logger)
	rt.Notifier.Require(rt.Cache.HandleEvent)
	rt.Notifier.AddSink(events.NewAsynqSink(rt.Queue, cfg.EventsMaxRetry))

	products := dal.NewRepository(catalog.Products, dal.NewPostgresStore(catalog.Products), rt.Audit, logger)
	ledger := dal.NewRepository(inventory.Transactions, dal.NewPostgresStore(inventory.Transactions), rt.Audit, logger)
	engine := inventory.NewEngine(inventory.NewPostgresStore(), ledger, rt.Notifier, inventory.Config{
		LockTimeout:  cfg.StockLockTimeout,
		MaxAttempts:  cfg.StockMaxAttempts,
		RetryInitial: cfg.StockRetryInitial,
		RetryMax:     cfg.StockRetryMax,
	}, logger)

	rt.Shop = shop.NewService(shop.Deps{
		Tenants:         manager,
		Products:        products,
		Categories:      dal.NewRepository(catalog.Categories, dal.NewPostgresStore(catalog.Categories), rt.Audit, logger),
		Orders:          dal.NewRepository(orders.Orders, dal.NewPostgresStore(orders.Orders), rt.Audit, logger),
		Stock:           engine,
		Cache:           rt.Cache,
		Events:          rt.Notifier,
		Logger:          logger,
		DefaultCurrency: cfg.DefaultCurrency,
	})
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, tenant administration routes disabled")
	}
	rt.API = api.NewHandler(logger, rt.Shop, rt.Audit, rt.Metrics, api.Options{
		RateLimit: api.RateLimit{
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
		},
		AdminToken: cfg.AdminToken,
	})
	return rt, nil
}

// Close drains the notifier and releases connections.
func (r *Runtime) Close() error {
	r.Notifier.Close()
	var errs []error
	if err := r.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close queue: %w", err))
	}
	if err := r.Inspector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close inspector: %w", err))
	}
	if err := r.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close redis: %w", err))
	}
	r.Pool.Close()
	return errors.Join(errs...)
}
