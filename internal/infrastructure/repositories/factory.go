package repositories

import (
	"context"
	"time"

	"camrelay/internal/core/ports"
	badgerrepo "camrelay/internal/infrastructure/repositories/badger"
	"camrelay/internal/infrastructure/repositories/memory"
	redisrepo "camrelay/internal/infrastructure/repositories/redis"
	"camrelay/pkg/config"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Profile writes are frequent during analysis bursts; batching bounds
// the Redis round-trips without holding updates for long.
const (
	profileBatchSize     = 32
	profileBatchInterval = 500 * time.Millisecond
)

// RepositoryFactory creates repositories for the configured backend
// with fallback support
type RepositoryFactory struct {
	backend     string
	redisClient *redis.Client
	badgerDB    *badgerdb.DB
	batched     *redisrepo.BatchedRedisProfileRepository
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory. An unreachable
// backend degrades to memory repositories with a warning rather than
// refusing to start.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend: cfg.Repository.Type,
		logger:  logger,
	}

	// The Redis connection also serves the event bus, so connect when
	// either wants it
	if cfg.Repository.Type == "redis" || cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			if factory.backend == "redis" {
				factory.backend = "memory"
			}
		} else {
			factory.redisClient = client
		}
	}

	if cfg.Repository.Type == "badger" {
		db, err := badgerrepo.Open(cfg.Badger.Path, logger)
		if err != nil {
			logger.Warnw("failed to open badger store, falling back to memory repositories",
				"error", err,
			)
			factory.backend = "memory"
		} else {
			factory.badgerDB = db
		}
	}

	switch factory.backend {
	case "redis":
		logger.Info("using Redis repositories")
	case "badger":
		logger.Info("using badger repositories")
	default:
		factory.backend = "memory"
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateProfileRepository creates a profile repository for the active
// backend. Redis profiles go through the batched writer.
func (f *RepositoryFactory) CreateProfileRepository() ports.ProfileRepository {
	switch f.backend {
	case "redis":
		base := redisrepo.NewRedisProfileRepository(f.redisClient)
		f.batched = redisrepo.NewBatchedRedisProfileRepository(base, profileBatchSize, profileBatchInterval)
		return f.batched
	case "badger":
		return badgerrepo.NewBadgerProfileRepository(f.badgerDB)
	default:
		return memory.NewMemoryProfileRepository()
	}
}

// CreateDeviceRepository creates a device repository for the active backend
func (f *RepositoryFactory) CreateDeviceRepository() ports.DeviceRepository {
	switch f.backend {
	case "redis":
		return redisrepo.NewRedisDeviceRepository(f.redisClient)
	case "badger":
		return badgerrepo.NewBadgerDeviceRepository(f.badgerDB)
	default:
		return memory.NewMemoryDeviceRepository()
	}
}

// Backend reports which repository backend ended up active
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// RedisClient exposes the shared Redis connection for the event bus.
// Returns nil when Redis is not connected.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close flushes pending writes and closes backend connections
func (f *RepositoryFactory) Close() error {
	if f.batched != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.batched.Flush(ctx); err != nil {
			f.logger.Warnw("failed to flush batched profile writes", "error", err)
		}
		cancel()
		f.batched.Stop()
	}

	var firstErr error
	if f.redisClient != nil {
		if err := redisrepo.CloseRedisClient(f.redisClient); err != nil {
			firstErr = err
		}
	}
	if f.badgerDB != nil {
		if err := badgerrepo.Close(f.badgerDB); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthCheck checks backend connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	if f.badgerDB != nil && f.badgerDB.IsClosed() {
		return badgerdb.ErrDBClosed
	}
	return nil
}
