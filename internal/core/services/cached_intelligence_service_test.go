package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"camrelay/internal/core/domain"
)

type countingIntelligence struct {
	mu           sync.Mutex
	profileCalls int
	threatCalls  int
	configCalls  int
	analyzing    string
}

func (c *countingIntelligence) StartSiteAnalysis(ctx context.Context, site string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyzing = site
	return nil
}

func (c *countingIntelligence) StopSiteAnalysis(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyzing = ""
	return nil
}

func (c *countingIntelligence) ObserveCaptureRequest(ctx context.Context, site string, width, height int, frameRate float64) error {
	return nil
}
func (c *countingIntelligence) ObserveEnumeration(ctx context.Context, site string) error {
	return nil
}
func (c *countingIntelligence) ObserveCanvasReadback(ctx context.Context, site string, count int) error {
	return nil
}

func (c *countingIntelligence) GetSiteProfile(ctx context.Context, site string) (*domain.SiteProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profileCalls++
	return &domain.SiteProfile{DomainHash: "hash", CanvasReadbacks: c.profileCalls}, nil
}

func (c *countingIntelligence) GetThreats(ctx context.Context, site string) ([]domain.Threat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threatCalls++
	return []domain.Threat{{Type: domain.ThreatCanvasAnalysis}}, nil
}

func (c *countingIntelligence) GetRecommendedConfig(ctx context.Context, site string) (*domain.RecommendedConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configCalls++
	return &domain.RecommendedConfig{Width: 1280, Height: 720}, nil
}

func (c *countingIntelligence) Start(ctx context.Context) error { return nil }
func (c *countingIntelligence) Stop()                           {}

func (c *countingIntelligence) calls() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profileCalls, c.threatCalls, c.configCalls
}

func TestCachedIntelligence_ProfileCached(t *testing.T) {
	base := &countingIntelligence{}
	s := NewCachedIntelligenceService(base, time.Minute)
	defer s.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.GetSiteProfile(ctx, "app.example.com"); err != nil {
			t.Fatalf("GetSiteProfile() error = %v", err)
		}
	}

	profiles, _, _ := base.calls()
	if profiles != 1 {
		t.Errorf("base GetSiteProfile calls = %d, want 1", profiles)
	}
}

func TestCachedIntelligence_ObservationInvalidates(t *testing.T) {
	base := &countingIntelligence{}
	s := NewCachedIntelligenceService(base, time.Minute)
	defer s.Stop()
	ctx := context.Background()

	s.GetSiteProfile(ctx, "app.example.com")
	s.GetThreats(ctx, "app.example.com")
	s.GetRecommendedConfig(ctx, "app.example.com")

	if err := s.ObserveCanvasReadback(ctx, "app.example.com", 1); err != nil {
		t.Fatalf("ObserveCanvasReadback() error = %v", err)
	}

	s.GetSiteProfile(ctx, "app.example.com")
	s.GetThreats(ctx, "app.example.com")
	s.GetRecommendedConfig(ctx, "app.example.com")

	profiles, threats, configs := base.calls()
	if profiles != 2 || threats != 2 || configs != 2 {
		t.Errorf("base calls after invalidation = %d/%d/%d, want 2/2/2", profiles, threats, configs)
	}
}

func TestCachedIntelligence_AnalysisStartInvalidatesProfile(t *testing.T) {
	base := &countingIntelligence{}
	s := NewCachedIntelligenceService(base, time.Minute)
	defer s.Stop()
	ctx := context.Background()

	s.GetSiteProfile(ctx, "app.example.com")
	if err := s.StartSiteAnalysis(ctx, "app.example.com"); err != nil {
		t.Fatalf("StartSiteAnalysis() error = %v", err)
	}
	s.GetSiteProfile(ctx, "app.example.com")

	profiles, _, _ := base.calls()
	if profiles != 2 {
		t.Errorf("base GetSiteProfile calls = %d, want 2", profiles)
	}
}

func TestCachedIntelligence_SitesIsolated(t *testing.T) {
	base := &countingIntelligence{}
	s := NewCachedIntelligenceService(base, time.Minute)
	defer s.Stop()
	ctx := context.Background()

	s.GetSiteProfile(ctx, "a.example.com")
	s.GetSiteProfile(ctx, "b.example.com")

	// Invalidating one site must not evict the other.
	s.ObserveEnumeration(ctx, "a.example.com")
	s.GetSiteProfile(ctx, "a.example.com")
	s.GetSiteProfile(ctx, "b.example.com")

	profiles, _, _ := base.calls()
	if profiles != 3 {
		t.Errorf("base GetSiteProfile calls = %d, want 3", profiles)
	}
}
