package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"camrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const deviceIndexKey = "camrelay:device:index"

type RedisDeviceRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisDeviceRepository(client *redis.Client) *RedisDeviceRepository {
	return &RedisDeviceRepository{
		client: client,
		prefix: "camrelay:device:",
	}
}

func (r *RedisDeviceRepository) deviceKey(id domain.DeviceID) string {
	return r.prefix + string(id)
}

func (r *RedisDeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	key := r.deviceKey(device.ID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set device in Redis: %w", err)
	}

	if err := r.client.SAdd(ctx, deviceIndexKey, string(device.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index device in Redis: %w", err)
	}

	return nil
}

func (r *RedisDeviceRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	key := r.deviceKey(id)
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device from Redis: %w", err)
	}

	var device domain.Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device: %w", err)
	}

	return &device, nil
}

func (r *RedisDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	ids, err := r.client.SMembers(ctx, deviceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list device index from Redis: %w", err)
	}

	var devices []*domain.Device
	for _, id := range ids {
		device, err := r.GetByID(ctx, domain.DeviceID(id))
		if err != nil {
			// Skip devices that no longer exist
			continue
		}
		devices = append(devices, device)
	}

	return devices, nil
}

func (r *RedisDeviceRepository) Delete(ctx context.Context, id domain.DeviceID) error {
	key := r.deviceKey(id)
	removed, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete device from Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrDeviceNotFound
	}

	if err := r.client.SRem(ctx, deviceIndexKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to deindex device in Redis: %w", err)
	}

	return nil
}
