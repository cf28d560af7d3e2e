package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/batch"

	"github.com/redis/go-redis/v9"
)

// RedisOperation represents a batched Redis operation
type RedisOperation struct {
	Type   string // "set", "zadd", "zrem", "del"
	Key    string
	Value  interface{}
	TTL    time.Duration
	client *redis.Client
}

// Execute executes a single Redis operation
func (op *RedisOperation) Execute(ctx context.Context) error {
	switch op.Type {
	case "set":
		data, ok := op.Value.([]byte)
		if !ok {
			return fmt.Errorf("invalid value type for set operation")
		}
		if op.TTL > 0 {
			return op.client.Set(ctx, op.Key, data, op.TTL).Err()
		}
		return op.client.Set(ctx, op.Key, data, 0).Err()
	case "zadd":
		member, ok := op.Value.(redis.Z)
		if !ok {
			return fmt.Errorf("invalid value type for zadd operation")
		}
		return op.client.ZAdd(ctx, op.Key, member).Err()
	case "zrem":
		member, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("invalid value type for zrem operation")
		}
		return op.client.ZRem(ctx, op.Key, member).Err()
	case "del":
		return op.client.Del(ctx, op.Key).Err()
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// RedisBatchProcessor processes batches of Redis operations using pipeline
type RedisBatchProcessor struct {
	client *redis.Client
}

// ProcessBatch processes a batch of Redis operations using pipeline
func (p *RedisBatchProcessor) ProcessBatch(ctx context.Context, operations []batch.Operation) error {
	if len(operations) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()

	for _, op := range operations {
		if redisOp, ok := op.(*RedisOperation); ok {
			switch redisOp.Type {
			case "set":
				data, ok := redisOp.Value.([]byte)
				if ok {
					if redisOp.TTL > 0 {
						pipe.Set(ctx, redisOp.Key, data, redisOp.TTL)
					} else {
						pipe.Set(ctx, redisOp.Key, data, 0)
					}
				}
			case "zadd":
				if member, ok := redisOp.Value.(redis.Z); ok {
					pipe.ZAdd(ctx, redisOp.Key, member)
				}
			case "zrem":
				if member, ok := redisOp.Value.(string); ok {
					pipe.ZRem(ctx, redisOp.Key, member)
				}
			case "del":
				pipe.Del(ctx, redisOp.Key)
			}
		}
	}

	// Execute pipeline
	_, err := pipe.Exec(ctx)
	return err
}

// BatchedRedisProfileRepository wraps RedisProfileRepository with batching.
// Profile writes arrive on every analyzed capture request, so they are
// coalesced into pipelined flushes; reads stay immediate.
type BatchedRedisProfileRepository struct {
	baseRepo *RedisProfileRepository
	batcher  *batch.Batcher
}

// NewBatchedRedisProfileRepository creates a new batched Redis profile repository
func NewBatchedRedisProfileRepository(
	baseRepo *RedisProfileRepository,
	batchSize int,
	batchInterval time.Duration,
) *BatchedRedisProfileRepository {
	processor := &RedisBatchProcessor{client: baseRepo.client}
	batcher := batch.NewBatcher(batchSize, batchInterval, processor)

	return &BatchedRedisProfileRepository{
		baseRepo: baseRepo,
		batcher:  batcher,
	}
}

// Save batches the profile write and its index update
func (r *BatchedRedisProfileRepository) Save(ctx context.Context, profile *domain.SiteProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	key := r.baseRepo.profileKey(profile.DomainHash)
	op := &RedisOperation{
		Type:   "set",
		Key:    key,
		Value:  data,
		TTL:    0,
		client: r.baseRepo.client,
	}
	if err := r.batcher.Add(op); err != nil {
		return err
	}

	indexOp := &RedisOperation{
		Type: "zadd",
		Key:  profileIndexKey,
		Value: redis.Z{
			Score:  float64(profile.LastSeen.UnixMilli()),
			Member: profile.DomainHash,
		},
		client: r.baseRepo.client,
	}
	return r.batcher.Add(indexOp)
}

// GetByHash gets a profile by domain hash (not batched, immediate)
func (r *BatchedRedisProfileRepository) GetByHash(ctx context.Context, domainHash string) (*domain.SiteProfile, error) {
	return r.baseRepo.GetByHash(ctx, domainHash)
}

// List lists all profiles (not batched, immediate)
func (r *BatchedRedisProfileRepository) List(ctx context.Context) ([]*domain.SiteProfile, error) {
	return r.baseRepo.List(ctx)
}

// Delete batches the record delete and its index removal
func (r *BatchedRedisProfileRepository) Delete(ctx context.Context, domainHash string) error {
	key := r.baseRepo.profileKey(domainHash)
	op := &RedisOperation{
		Type:   "del",
		Key:    key,
		client: r.baseRepo.client,
	}
	if err := r.batcher.Add(op); err != nil {
		return err
	}

	indexOp := &RedisOperation{
		Type:   "zrem",
		Key:    profileIndexKey,
		Value:  domainHash,
		client: r.baseRepo.client,
	}
	return r.batcher.Add(indexOp)
}

// Count counts stored profiles (not batched, immediate)
func (r *BatchedRedisProfileRepository) Count(ctx context.Context) (int, error) {
	return r.baseRepo.Count(ctx)
}

// EvictOldest flushes pending writes first so the index reflects them,
// then evicts through the base repository
func (r *BatchedRedisProfileRepository) EvictOldest(ctx context.Context) (string, error) {
	if err := r.batcher.Flush(ctx); err != nil {
		return "", fmt.Errorf("failed to flush pending profile writes: %w", err)
	}
	return r.baseRepo.EvictOldest(ctx)
}

// Flush flushes all pending operations
func (r *BatchedRedisProfileRepository) Flush(ctx context.Context) error {
	return r.batcher.Flush(ctx)
}

// Stop stops the batcher
func (r *BatchedRedisProfileRepository) Stop() {
	r.batcher.Stop()
}
