package repositories

import (
	"context"
	"time"

	"streamhub/internal/core/ports"
	"streamhub/internal/infrastructure/repositories/memory"
	redisrepo "streamhub/internal/infrastructure/repositories/redis"
	"streamhub/pkg/config"
	"streamhub/pkg/retry"
	"streamhub/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis-backed stores when Redis is enabled and
// reachable, and in-process ones otherwise.
type RepositoryFactory struct {
	client *redis.Client
	memory *memory.StreamSnapshotStore
	clock  utils.Clock
	logger *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, clock utils.Clock, logger *zap.SugaredLogger) *RepositoryFactory {
	f := &RepositoryFactory{clock: clock, logger: logger}
	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, using memory repositories")
		return f
	}

	client, err := redisrepo.NewClient(ctx, redisrepo.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, retry.DefaultConfig(), logger)
	if err != nil {
		logger.Warnw("falling back to memory repositories", "error", err)
		return f
	}
	f.client = client
	return f
}

// NewRepositoryFactoryWithClient uses an already connected client.
func NewRepositoryFactoryWithClient(client *redis.Client, clock utils.Clock, logger *zap.SugaredLogger) *RepositoryFactory {
	return &RepositoryFactory{client: client, clock: clock, logger: logger}
}

// RedisClient is nil when the factory runs on memory stores.
func (f *RepositoryFactory) RedisClient() *redis.Client { return f.client }

func (f *RepositoryFactory) UsesRedis() bool { return f.client != nil }

func (f *RepositoryFactory) CreateSnapshotStore() ports.StreamSnapshotStore {
	if f.client != nil {
		return redisrepo.NewStreamSnapshotStore(f.client)
	}
	if f.memory == nil {
		f.memory = memory.NewStreamSnapshotStore(f.clock)
	}
	return f.memory
}

// Run purges the memory snapshot store, if one is in use, until ctx is done.
func (f *RepositoryFactory) Run(ctx context.Context, interval time.Duration) {
	if f.memory != nil {
		f.memory.Run(ctx, interval)
	}
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	return f.client.Ping(ctx).Err()
}

func (f *RepositoryFactory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
