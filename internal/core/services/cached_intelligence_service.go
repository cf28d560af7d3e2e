package services

import (
	"context"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/cache"
	"camrelay/pkg/utils"
)

// CachedIntelligenceService wraps IntelligenceService with caching
type CachedIntelligenceService struct {
	baseService ports.IntelligenceService
	cache       *cache.FallbackCache
	profileTTL  time.Duration
}

// NewCachedIntelligenceService creates a new cached intelligence service
func NewCachedIntelligenceService(
	baseService ports.IntelligenceService,
	profileTTL time.Duration,
) ports.IntelligenceService {
	return &CachedIntelligenceService{
		baseService: baseService,
		cache:       cache.NewFallbackCache(profileTTL),
		profileTTL:  profileTTL,
	}
}

// StartSiteAnalysis begins analysis on the destination and drops its cached
// profile so the state change is visible immediately
func (s *CachedIntelligenceService) StartSiteAnalysis(ctx context.Context, site string) error {
	if err := s.baseService.StartSiteAnalysis(ctx, site); err != nil {
		return err
	}

	s.invalidateSite(site)
	return nil
}

// StopSiteAnalysis halts analysis on the underlying service
func (s *CachedIntelligenceService) StopSiteAnalysis(ctx context.Context) error {
	return s.baseService.StopSiteAnalysis(ctx)
}

// ObserveCaptureRequest records an observation and invalidates the site cache
func (s *CachedIntelligenceService) ObserveCaptureRequest(ctx context.Context, site string, width, height int, frameRate float64) error {
	err := s.baseService.ObserveCaptureRequest(ctx, site, width, height, frameRate)
	if err != nil {
		return err
	}

	s.invalidateSite(site)
	return nil
}

// ObserveEnumeration records an observation and invalidates the site cache
func (s *CachedIntelligenceService) ObserveEnumeration(ctx context.Context, site string) error {
	err := s.baseService.ObserveEnumeration(ctx, site)
	if err != nil {
		return err
	}

	s.invalidateSite(site)
	return nil
}

// ObserveCanvasReadback records an observation and invalidates the site cache
func (s *CachedIntelligenceService) ObserveCanvasReadback(ctx context.Context, site string, count int) error {
	err := s.baseService.ObserveCanvasReadback(ctx, site, count)
	if err != nil {
		return err
	}

	s.invalidateSite(site)
	return nil
}

// GetSiteProfile gets a site profile with caching
func (s *CachedIntelligenceService) GetSiteProfile(ctx context.Context, site string) (*domain.SiteProfile, error) {
	cacheKey := fmt.Sprintf("profile:%s", utils.HashDomain(site))

	value, err := s.cache.GetOrSet(ctx, cacheKey, func(ctx context.Context) (interface{}, error) {
		return s.baseService.GetSiteProfile(ctx, site)
	}, s.profileTTL)

	if err != nil {
		return nil, err
	}

	return value.(*domain.SiteProfile), nil
}

// GetThreats gets site threats with caching
func (s *CachedIntelligenceService) GetThreats(ctx context.Context, site string) ([]domain.Threat, error) {
	cacheKey := fmt.Sprintf("profile:%s:threats", utils.HashDomain(site))

	value, err := s.cache.GetOrSet(ctx, cacheKey, func(ctx context.Context) (interface{}, error) {
		return s.baseService.GetThreats(ctx, site)
	}, s.profileTTL)

	if err != nil {
		return nil, err
	}

	return value.([]domain.Threat), nil
}

// GetRecommendedConfig gets the recommended config with caching (shorter TTL)
func (s *CachedIntelligenceService) GetRecommendedConfig(ctx context.Context, site string) (*domain.RecommendedConfig, error) {
	cacheKey := fmt.Sprintf("profile:%s:config", utils.HashDomain(site))
	configTTL := s.profileTTL / 4 // Adaptations land between inferences, use shorter TTL

	value, err := s.cache.GetOrSet(ctx, cacheKey, func(ctx context.Context) (interface{}, error) {
		return s.baseService.GetRecommendedConfig(ctx, site)
	}, configTTL)

	if err != nil {
		return nil, err
	}

	return value.(*domain.RecommendedConfig), nil
}

func (s *CachedIntelligenceService) invalidateSite(site string) {
	s.cache.Invalidate(fmt.Sprintf("profile:%s", utils.HashDomain(site)))
}

// Start starts the underlying service
func (s *CachedIntelligenceService) Start(ctx context.Context) error {
	return s.baseService.Start(ctx)
}

// Stop stops the underlying service and the cache cleanup
func (s *CachedIntelligenceService) Stop() {
	s.baseService.Stop()
	s.cache.Stop()
}
