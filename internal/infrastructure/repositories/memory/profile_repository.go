package memory

import (
	"context"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

type MemoryProfileRepository struct {
	profiles map[string]*domain.SiteProfile
	mu       sync.RWMutex
}

func NewMemoryProfileRepository() ports.ProfileRepository {
	return &MemoryProfileRepository{
		profiles: make(map[string]*domain.SiteProfile),
	}
}

func (r *MemoryProfileRepository) Save(ctx context.Context, profile *domain.SiteProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.DomainHash] = profile
	return nil
}

func (r *MemoryProfileRepository) GetByHash(ctx context.Context, domainHash string) (*domain.SiteProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, exists := r.profiles[domainHash]
	if !exists {
		return nil, domain.ErrProfileNotFound
	}

	return profile, nil
}

func (r *MemoryProfileRepository) List(ctx context.Context) ([]*domain.SiteProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]*domain.SiteProfile, 0, len(r.profiles))
	for _, profile := range r.profiles {
		profiles = append(profiles, profile)
	}

	return profiles, nil
}

func (r *MemoryProfileRepository) Delete(ctx context.Context, domainHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[domainHash]; !exists {
		return domain.ErrProfileNotFound
	}

	delete(r.profiles, domainHash)
	return nil
}

func (r *MemoryProfileRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.profiles), nil
}

func (r *MemoryProfileRepository) EvictOldest(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.profiles) == 0 {
		return "", domain.ErrProfileNotFound
	}

	var oldest string
	var oldestSeen time.Time
	for hash, profile := range r.profiles {
		if oldest == "" || profile.LastSeen.Before(oldestSeen) {
			oldest = hash
			oldestSeen = profile.LastSeen
		}
	}

	delete(r.profiles, oldest)
	return oldest, nil
}
