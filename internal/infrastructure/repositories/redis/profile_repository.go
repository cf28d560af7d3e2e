package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"camrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// profileIndexKey is a sorted set of domain hashes scored by last-seen
// time in unix milliseconds. EvictOldest pops its lowest member.
const profileIndexKey = "camrelay:profile:index"

type RedisProfileRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisProfileRepository(client *redis.Client) *RedisProfileRepository {
	return &RedisProfileRepository{
		client: client,
		prefix: "camrelay:profile:",
	}
}

func (r *RedisProfileRepository) profileKey(domainHash string) string {
	return r.prefix + domainHash
}

func (r *RedisProfileRepository) Save(ctx context.Context, profile *domain.SiteProfile) error {
	// Serialize profile to JSON
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	// Store profile data
	key := r.profileKey(profile.DomainHash)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set profile in Redis: %w", err)
	}

	// Keep the last-seen index in step with the record
	member := redis.Z{
		Score:  float64(profile.LastSeen.UnixMilli()),
		Member: profile.DomainHash,
	}
	if err := r.client.ZAdd(ctx, profileIndexKey, member).Err(); err != nil {
		return fmt.Errorf("failed to index profile in Redis: %w", err)
	}

	return nil
}

func (r *RedisProfileRepository) GetByHash(ctx context.Context, domainHash string) (*domain.SiteProfile, error) {
	key := r.profileKey(domainHash)
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile from Redis: %w", err)
	}

	var profile domain.SiteProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &profile, nil
}

func (r *RedisProfileRepository) List(ctx context.Context) ([]*domain.SiteProfile, error) {
	hashes, err := r.client.ZRange(ctx, profileIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list profile index from Redis: %w", err)
	}

	var profiles []*domain.SiteProfile
	for _, hash := range hashes {
		profile, err := r.GetByHash(ctx, hash)
		if err != nil {
			// Skip index entries whose record is gone
			continue
		}
		profiles = append(profiles, profile)
	}

	return profiles, nil
}

func (r *RedisProfileRepository) Delete(ctx context.Context, domainHash string) error {
	key := r.profileKey(domainHash)
	removed, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete profile from Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrProfileNotFound
	}

	if err := r.client.ZRem(ctx, profileIndexKey, domainHash).Err(); err != nil {
		return fmt.Errorf("failed to deindex profile in Redis: %w", err)
	}

	return nil
}

func (r *RedisProfileRepository) Count(ctx context.Context) (int, error) {
	count, err := r.client.ZCard(ctx, profileIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count profiles in Redis: %w", err)
	}
	return int(count), nil
}

func (r *RedisProfileRepository) EvictOldest(ctx context.Context) (string, error) {
	hashes, err := r.client.ZRange(ctx, profileIndexKey, 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read profile index from Redis: %w", err)
	}
	if len(hashes) == 0 {
		return "", domain.ErrProfileNotFound
	}

	hash := hashes[0]
	if err := r.Delete(ctx, hash); err != nil && err != domain.ErrProfileNotFound {
		return "", err
	}
	// The record may already be gone; the index entry must not survive it
	if err := r.client.ZRem(ctx, profileIndexKey, hash).Err(); err != nil {
		return "", fmt.Errorf("failed to deindex profile in Redis: %w", err)
	}

	return hash, nil
}
