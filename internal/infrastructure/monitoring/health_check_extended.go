package monitoring

import (
	"context"
	"time"

	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddProfileStoreCheck adds a profile store health check
func (h *HealthChecker) AddProfileStoreCheck(repo ports.ProfileRepository, interval, timeout time.Duration) {
	h.AddCheck("profile_store", func(ctx context.Context) (bool, error) {
		// Counting profiles exercises the backend round trip
		if _, err := repo.Count(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPipelineCheck adds a relay pipeline health check
func (h *HealthChecker) AddPipelineCheck(orchestrator ports.Orchestrator, interval, timeout time.Duration) {
	h.AddCheck("pipeline", func(ctx context.Context) (bool, error) {
		if _, err := orchestrator.GetState(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPairingCheck adds a companion link health check
func (h *HealthChecker) AddPairingCheck(crossdevice ports.CrossDeviceService, interval, timeout time.Duration) {
	h.AddCheck("pairing", func(ctx context.Context) (bool, error) {
		if _, err := crossdevice.Metrics(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck creates a readiness check that verifies all dependencies
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	repo ports.ProfileRepository,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		// Check Redis
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}

		// Check profile store
		if repo != nil {
			if _, err := repo.Count(ctx); err != nil {
				return false, err
			}
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
