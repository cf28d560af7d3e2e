package ports

import (
	"context"

	"camrelay/internal/core/domain"
)

type ProfileRepository interface {
	Save(ctx context.Context, profile *domain.SiteProfile) error
	GetByHash(ctx context.Context, domainHash string) (*domain.SiteProfile, error)
	List(ctx context.Context) ([]*domain.SiteProfile, error)
	Delete(ctx context.Context, domainHash string) error
	Count(ctx context.Context) (int, error)
	// EvictOldest removes the least recently seen profile and returns
	// its hash. domain.ErrProfileNotFound means the store was empty.
	EvictOldest(ctx context.Context) (string, error)
}

type DeviceRepository interface {
	Save(ctx context.Context, device *domain.Device) error
	GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error)
	List(ctx context.Context) ([]*domain.Device, error)
	Delete(ctx context.Context, id domain.DeviceID) error
}
