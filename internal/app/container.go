package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/finmirror/internal/dolibarr"
	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/mirror"
	"github.com/odyssey-erp/finmirror/internal/observability"
	"github.com/odyssey-erp/finmirror/internal/platform/cache"
	"github.com/odyssey-erp/finmirror/internal/platform/db"
	"github.com/odyssey-erp/finmirror/internal/settings"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// Container holds the long-lived dependencies shared by the server, the
// worker and the operator commands.
type Container struct {
	Config   *Config
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *observability.Metrics
	Upstream *dolibarr.Client
	Syncer   *mirror.Syncer
	Journal  *ledger.Service
	Settings *settings.Service
}

// NewContainer connects to Postgres and Redis and wires the services.
func NewContainer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Container, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ApplicationName: "finmirror"})
	if err != nil {
		return nil, err
	}
	rdb, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		pool.Close()
		return nil, err
	}
	upstream, err := dolibarr.New(dolibarr.Config{
		BaseURL:    cfg.DolibarrURL,
		APIKey:     cfg.DolibarrKey,
		Timeout:    cfg.DolibarrTimeout,
		MaxRetries: cfg.DolibarrRetries,
	}, dolibarr.WithLogger(logger))
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("app: upstream client: %w", err)
	}

	metrics := observability.NewMetrics()
	syncLog := shared.NewSyncLog(pool)
	auditLogger := shared.NewAuditLogger(pool)
	locker := cache.NewLocker(rdb, "finmirror", logger)

	syncer := mirror.NewSyncer(upstream, mirror.NewRepository(pool), syncLog, locker, metrics, logger, mirror.Config{
		PageSize:    cfg.DolibarrPageSize,
		LockTTL:     cfg.SyncLockTTL,
		Location:    cfg.Location(),
		Concurrency: cfg.SyncConcurrency,
	})
	journal := ledger.NewService(ledger.NewRepository(pool), syncLog, locker, auditLogger, metrics, logger, cfg.JournalLockTTL)
	settingsService := settings.NewService(settings.NewRepository(pool), auditLogger, logger)

	return &Container{
		Config:   cfg,
		Logger:   logger,
		Pool:     pool,
		Redis:    rdb,
		Metrics:  metrics,
		Upstream: upstream,
		Syncer:   syncer,
		Journal:  journal,
		Settings: settingsService,
	}, nil
}

// Close releases the connections.
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
