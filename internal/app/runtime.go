// Package app assembles the ledger and its infrastructure for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"farmledger/internal/config"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/infrastructure/cache"
	"farmledger/internal/infrastructure/storage/memory"
	"farmledger/internal/infrastructure/storage/postgres"
	"farmledger/internal/infrastructure/storage/postgres/ledger_repo"
	"farmledger/internal/infrastructure/storage/postgres/mirror_repo"
	"farmledger/pkg/logger"
)

// Runtime holds the wired ledger. Pool and TxManager are nil in memory mode;
// Redis and Snapshots are nil without REDIS_URL.
type Runtime struct {
	Service   *ledger.Service
	Pool      *postgres.Pool
	TxManager *postgres.TxManager
	Audit     *postgres.AuditService
	Memory    *memory.Store
	Redis     *redis.Client
	Snapshots *cache.SnapshotCache
}

// Open connects the configured backends and builds the service.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{}
	opts := []ledger.Option{
		ledger.WithDefaults(cfg.Defaults()),
		ledger.WithHealthPolicy(cfg.HealthPolicy()),
	}

	if cfg.DatabaseURL != "" {
		poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
		poolCfg.MaxConns = cfg.DBMaxConns
		pool, err := postgres.NewPool(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool

		txOpts := postgres.DefaultTxOptions()
		txOpts.StatementTimeout = cfg.StatementTimeout
		txOpts.LockTimeout = cfg.LockTimeout
		rt.TxManager = postgres.NewTxManager(pool, txOpts)

		audit, err := postgres.NewAuditService(rt.TxManager)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Audit = audit

		opts = append(opts,
			ledger.WithNotifier(postgres.NewOutboxPublisher(rt.TxManager)),
			ledger.WithAuditor(audit),
		)
		rt.Service = ledger.NewService(
			ledger_repo.NewInventoryRepo(rt.TxManager),
			rt.TxManager,
			mirror_repo.NewListingRepo(rt.TxManager),
			opts...,
		)
		logger.Info(ctx, "ledger running on postgres")
	} else {
		store := memory.New(memory.WithLockTimeout(cfg.LockTimeout))
		rt.Memory = store
		opts = append(opts, ledger.WithNotifier(store), ledger.WithAuditor(store))
		rt.Service = ledger.NewService(store, store, store, opts...)
		logger.Warn(ctx, "DATABASE_URL not set, ledger running in memory")
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("snapshot cache: %w", err)
		}
		rt.Redis = client
		rt.Snapshots = cache.NewSnapshotCache(client, cfg.SnapshotTTL)
	}
	return rt, nil
}

// Close releases connections.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
