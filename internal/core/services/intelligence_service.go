package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/ringbuf"
	"camrelay/pkg/utils"

	"go.uber.org/zap"
)

// IntelligenceConfig tunes site observation and threat inference.
type IntelligenceConfig struct {
	InferenceInterval       time.Duration
	ObservationWindow       time.Duration // sliding window for threat triggers
	HistorySize             int
	MaxProfiles             int
	AntiDetection           bool
	CanvasReadbackThreshold int
	TimingVarianceFloor     float64 // std dev of observation gaps in ms
	DefaultWidth            int
	DefaultHeight           int
	DefaultFrameRate        float64
}

func DefaultIntelligenceConfig() IntelligenceConfig {
	return IntelligenceConfig{
		InferenceInterval:       10 * time.Second,
		ObservationWindow:       time.Minute,
		HistorySize:             50,
		MaxProfiles:             100,
		AntiDetection:           true,
		CanvasReadbackThreshold: 10,
		TimingVarianceFloor:     5.0,
		DefaultWidth:            1280,
		DefaultHeight:           720,
		DefaultFrameRate:        30,
	}
}

// minTimingSamples is how many observation gaps inference needs before it
// will call a cadence automated.
const minTimingSamples = 5

type siteState struct {
	profile   *domain.SiteProfile
	observed  *ringbuf.Ring[time.Time]
	readbacks *ringbuf.Ring[readbackSample]
}

// readbackSample is one canvas read-back burst; the sliding threat window
// sums samples, not the lifetime total.
type readbackSample struct {
	at    time.Time
	count int
}

type intelligenceService struct {
	cfg     IntelligenceConfig
	repo    ports.ProfileRepository
	metrics *MetricsService
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	profiles map[string]*siteState
	dirty    map[string]bool

	analyzingSite string
	analyzingHash string

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewIntelligenceService(
	cfg IntelligenceConfig,
	repo ports.ProfileRepository,
	metrics *MetricsService,
	logger *zap.SugaredLogger,
) ports.IntelligenceService {
	return &intelligenceService{
		cfg:      cfg,
		repo:     repo,
		metrics:  metrics,
		logger:   logger,
		profiles: make(map[string]*siteState),
		dirty:    make(map[string]bool),
	}
}

// StartSiteAnalysis marks a destination as the one under active analysis.
// Only one destination is analyzed at a time; starting a new one releases
// the previous destination back to idle.
func (s *intelligenceService) StartSiteAnalysis(ctx context.Context, site string) error {
	if site == "" {
		return fmt.Errorf("site must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := utils.HashDomain(site)
	if s.analyzingHash == hash {
		return nil
	}
	if s.analyzingHash != "" {
		if prev, ok := s.profiles[s.analyzingHash]; ok {
			prev.profile.State = domain.AnalysisIdle
			s.dirty[s.analyzingHash] = true
		}
		s.logger.Infow("switching site analysis", "from_hash", s.analyzingHash, "to_hash", hash)
	}

	st := s.stateLocked(site)
	st.profile.State = domain.AnalysisAnalyzing
	st.profile.LastSeen = utils.Now()
	s.dirty[hash] = true
	s.analyzingSite = site
	s.analyzingHash = hash
	s.logger.Infow("site analysis started", "domain_hash", hash)
	return nil
}

// StopSiteAnalysis halts analysis of the current destination, if any.
func (s *intelligenceService) StopSiteAnalysis(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAnalysisLocked()
	return nil
}

func (s *intelligenceService) stopAnalysisLocked() {
	if s.analyzingHash == "" {
		return
	}
	if st, ok := s.profiles[s.analyzingHash]; ok {
		st.profile.State = domain.AnalysisIdle
		s.dirty[s.analyzingHash] = true
	}
	s.logger.Infow("site analysis stopped", "domain_hash", s.analyzingHash)
	s.analyzingSite = ""
	s.analyzingHash = ""
}

// resolveSiteLocked maps an empty site to the destination under analysis so
// ingestion callers do not have to repeat it on every observation.
func (s *intelligenceService) resolveSiteLocked(site string) (string, error) {
	if site != "" {
		return site, nil
	}
	if s.analyzingSite == "" {
		return "", domain.ErrNoAnalysis
	}
	return s.analyzingSite, nil
}

func (s *intelligenceService) ObserveCaptureRequest(ctx context.Context, site string, width, height int, frameRate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, err := s.resolveSiteLocked(site)
	if err != nil {
		return err
	}

	st := s.stateLocked(site)
	st.profile.CaptureRequests = append(st.profile.CaptureRequests, domain.CaptureObservation{
		Width:      width,
		Height:     height,
		FrameRate:  frameRate,
		ObservedAt: utils.Now(),
	})
	if len(st.profile.CaptureRequests) > s.cfg.HistorySize {
		st.profile.CaptureRequests = st.profile.CaptureRequests[len(st.profile.CaptureRequests)-s.cfg.HistorySize:]
	}
	s.touchLocked(st)
	s.metrics.RecordObservation("capture")
	return nil
}

func (s *intelligenceService) ObserveEnumeration(ctx context.Context, site string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, err := s.resolveSiteLocked(site)
	if err != nil {
		return err
	}

	st := s.stateLocked(site)
	st.profile.EnumerationCount++
	s.touchLocked(st)
	s.metrics.RecordObservation("enumeration")
	return nil
}

func (s *intelligenceService) ObserveCanvasReadback(ctx context.Context, site string, count int) error {
	if count < 1 {
		count = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	site, err := s.resolveSiteLocked(site)
	if err != nil {
		return err
	}

	st := s.stateLocked(site)
	st.profile.CanvasReadbacks += count
	st.readbacks.Push(readbackSample{at: utils.Now(), count: count})
	s.touchLocked(st)
	s.metrics.RecordObservation("canvas_readback")
	return nil
}

// stateLocked returns the working state for a site, creating it on first
// sight. The map is keyed by domain hash so raw destinations never land in
// memory dumps or the repository.
func (s *intelligenceService) stateLocked(site string) *siteState {
	hash := utils.HashDomain(site)
	if st, ok := s.profiles[hash]; ok {
		return st
	}

	if len(s.profiles) >= s.cfg.MaxProfiles {
		s.evictOldestLocked()
	}

	now := utils.Now()
	st := &siteState{
		profile: &domain.SiteProfile{
			DomainHash: hash,
			State:      domain.AnalysisIdle,
			FirstSeen:  now,
			LastSeen:   now,
		},
		observed:  ringbuf.New[time.Time](s.cfg.HistorySize),
		readbacks: ringbuf.New[readbackSample](s.cfg.HistorySize),
	}
	s.profiles[hash] = st
	return st
}

func (s *intelligenceService) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	for hash, st := range s.profiles {
		if hash == s.analyzingHash {
			continue
		}
		if oldest == "" || st.profile.LastSeen.Before(oldestSeen) {
			oldest = hash
			oldestSeen = st.profile.LastSeen
		}
	}
	if oldest == "" {
		return
	}

	delete(s.profiles, oldest)
	delete(s.dirty, oldest)
	if err := s.repo.Delete(context.Background(), oldest); err != nil && err != domain.ErrProfileNotFound {
		s.logger.Warnw("failed to delete evicted profile", "domain_hash", oldest, "error", err)
	}
	s.logger.Infow("evicted oldest site profile", "domain_hash", oldest)
}

func (s *intelligenceService) touchLocked(st *siteState) {
	now := utils.Now()
	st.profile.LastSeen = now
	st.observed.Push(now)
	s.dirty[st.profile.DomainHash] = true
}

func (s *intelligenceService) GetSiteProfile(ctx context.Context, site string) (*domain.SiteProfile, error) {
	hash := utils.HashDomain(site)

	s.mu.RLock()
	st, ok := s.profiles[hash]
	if ok {
		profile := cloneProfile(st.profile)
		s.mu.RUnlock()
		return profile, nil
	}
	s.mu.RUnlock()

	profile, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.profiles[hash]; !exists {
		if len(s.profiles) >= s.cfg.MaxProfiles {
			s.evictOldestLocked()
		}
		s.profiles[hash] = &siteState{
			profile:   cloneProfile(profile),
			observed:  ringbuf.New[time.Time](s.cfg.HistorySize),
			readbacks: ringbuf.New[readbackSample](s.cfg.HistorySize),
		}
	}
	s.mu.Unlock()
	return profile, nil
}

func (s *intelligenceService) GetThreats(ctx context.Context, site string) ([]domain.Threat, error) {
	profile, err := s.GetSiteProfile(ctx, site)
	if err != nil {
		return nil, err
	}
	return profile.Threats, nil
}

// GetRecommendedConfig merges observed preferences with applied adaptations.
// Unknown sites get the synthetic defaults.
func (s *intelligenceService) GetRecommendedConfig(ctx context.Context, site string) (*domain.RecommendedConfig, error) {
	rec := &domain.RecommendedConfig{
		Width:     s.cfg.DefaultWidth,
		Height:    s.cfg.DefaultHeight,
		FrameRate: s.cfg.DefaultFrameRate,
	}

	profile, err := s.GetSiteProfile(ctx, site)
	if err == domain.ErrProfileNotFound {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	if profile.PreferredWidth > 0 && profile.PreferredHeight > 0 {
		rec.Width = profile.PreferredWidth
		rec.Height = profile.PreferredHeight
	}
	if n := len(profile.CaptureRequests); n > 0 {
		if fr := profile.CaptureRequests[n-1].FrameRate; fr > 0 {
			rec.FrameRate = fr
		}
	}
	for _, a := range profile.Adaptations {
		if !a.Applied {
			continue
		}
		switch a.Type {
		case domain.AdaptCanvasNoise:
			rec.CanvasNoise = true
		case domain.AdaptTimingJitter:
			rec.TimingJitter = true
		}
	}
	return rec, nil
}

func (s *intelligenceService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("intelligence already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.loadProfiles(ctx); err != nil {
		s.logger.Warnw("failed to load persisted profiles", "error", err)
	}

	go s.run(runCtx)
	return nil
}

func (s *intelligenceService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.stopAnalysisLocked()
	s.mu.Unlock()

	s.runInference(context.Background())
}

func (s *intelligenceService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.InferenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runInference(ctx)
		}
	}
}

func (s *intelligenceService) loadProfiles(ctx context.Context) error {
	profiles, err := s.repo.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		if len(s.profiles) >= s.cfg.MaxProfiles {
			break
		}
		if _, ok := s.profiles[p.DomainHash]; ok {
			continue
		}
		loaded := cloneProfile(p)
		// Analysis sessions do not survive restarts.
		loaded.State = domain.AnalysisIdle
		s.profiles[p.DomainHash] = &siteState{
			profile:   loaded,
			observed:  ringbuf.New[time.Time](s.cfg.HistorySize),
			readbacks: ringbuf.New[readbackSample](s.cfg.HistorySize),
		}
	}
	s.logger.Infow("site profiles loaded", "count", len(s.profiles))
	return nil
}

// runInference analyzes every site with fresh observations and persists the
// updated profiles.
func (s *intelligenceService) runInference(ctx context.Context) {
	s.mu.Lock()
	var snapshots []*domain.SiteProfile
	for hash := range s.dirty {
		st, ok := s.profiles[hash]
		if !ok {
			continue
		}
		s.inferLocked(st)
		snapshots = append(snapshots, cloneProfile(st.profile))
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	for _, p := range snapshots {
		if err := s.repo.Save(ctx, p); err != nil {
			s.logger.Warnw("failed to persist site profile", "domain_hash", p.DomainHash, "error", err)
		}
	}
}

func (s *intelligenceService) inferLocked(st *siteState) {
	p := st.profile

	s.inferPreferredResolution(p)
	s.inferThreats(st)
	if s.cfg.AntiDetection {
		s.applyAdaptationsLocked(p)
	}
}

// inferPreferredResolution picks the most frequently requested resolution.
// On a tie the more recent request wins.
func (s *intelligenceService) inferPreferredResolution(p *domain.SiteProfile) {
	if len(p.CaptureRequests) == 0 {
		return
	}

	type res struct{ w, h int }
	counts := make(map[res]int)
	var best res
	bestCount := 0
	for _, obs := range p.CaptureRequests {
		if obs.Width <= 0 || obs.Height <= 0 {
			continue
		}
		r := res{obs.Width, obs.Height}
		counts[r]++
		if counts[r] >= bestCount {
			best = r
			bestCount = counts[r]
		}
	}
	if bestCount > 0 {
		p.PreferredWidth = best.w
		p.PreferredHeight = best.h
	}
}

func (s *intelligenceService) inferThreats(st *siteState) {
	p := st.profile

	if n := s.windowedReadbacksLocked(st); n >= s.cfg.CanvasReadbackThreshold {
		s.addThreatLocked(p, domain.ThreatCanvasAnalysis, domain.SeverityHigh,
			fmt.Sprintf("%d canvas readbacks within %s", n, s.cfg.ObservationWindow))
	}

	if s.distinctResolutions(p) > 1 {
		s.addThreatLocked(p, domain.ThreatResolutionMismatch, domain.SeverityLow,
			"multiple distinct resolutions requested")
	}

	if dev, ok := observationGapStdDev(st.observed); ok && dev < s.cfg.TimingVarianceFloor {
		s.addThreatLocked(p, domain.ThreatTimingAttack, domain.SeverityMedium,
			fmt.Sprintf("observation cadence too regular (stddev %.2fms)", dev))
	}
}

// windowedReadbacksLocked sums the canvas read-backs that fell inside the
// observation window. The lifetime total on the profile is bookkeeping only.
func (s *intelligenceService) windowedReadbacksLocked(st *siteState) int {
	cutoff := utils.Now().Add(-s.cfg.ObservationWindow)
	total := 0
	for _, sample := range st.readbacks.Values() {
		if !sample.at.Before(cutoff) {
			total += sample.count
		}
	}
	return total
}

func (s *intelligenceService) distinctResolutions(p *domain.SiteProfile) int {
	type res struct{ w, h int }
	seen := make(map[res]bool)
	for _, obs := range p.CaptureRequests {
		if obs.Width > 0 && obs.Height > 0 {
			seen[res{obs.Width, obs.Height}] = true
		}
	}
	return len(seen)
}

// addThreatLocked records a threat unless one of the same type fired within
// the observation window. Once the last instance ages out the type can
// trigger again.
func (s *intelligenceService) addThreatLocked(p *domain.SiteProfile, t domain.ThreatType, severity domain.TamperSeverity, description string) {
	cutoff := utils.Now().Add(-s.cfg.ObservationWindow)
	for i := len(p.Threats) - 1; i >= 0; i-- {
		if p.Threats[i].Type == t && p.Threats[i].DetectedAt.After(cutoff) {
			return
		}
	}

	threat := domain.Threat{
		ID:          utils.GenerateID("threat"),
		Type:        t,
		Severity:    severity,
		Description: description,
		DetectedAt:  utils.Now(),
	}
	p.Threats = append(p.Threats, threat)
	if len(p.Threats) > s.cfg.HistorySize {
		p.Threats = p.Threats[len(p.Threats)-s.cfg.HistorySize:]
	}
	s.metrics.RecordThreat(t)
	s.logger.Warnw("threat detected",
		"domain_hash", p.DomainHash,
		"type", t,
		"severity", severity,
		"description", description,
	)
}

// applyAdaptationsLocked derives one countermeasure per unanswered threat.
func (s *intelligenceService) applyAdaptationsLocked(p *domain.SiteProfile) {
	answered := make(map[string]bool, len(p.Adaptations))
	for _, a := range p.Adaptations {
		answered[a.ThreatID] = true
	}

	for _, threat := range p.Threats {
		if answered[threat.ID] {
			continue
		}
		var at domain.AdaptationType
		switch threat.Type {
		case domain.ThreatCanvasAnalysis:
			at = domain.AdaptCanvasNoise
		case domain.ThreatTimingAttack:
			at = domain.AdaptTimingJitter
		case domain.ThreatResolutionMismatch:
			at = domain.AdaptResolutionAlign
		default:
			continue
		}

		p.Adaptations = append(p.Adaptations, domain.Adaptation{
			ID:        utils.GenerateID("adapt"),
			ThreatID:  threat.ID,
			Type:      at,
			Applied:   true,
			AppliedAt: utils.Now(),
		})
		if len(p.Adaptations) > s.cfg.HistorySize {
			p.Adaptations = p.Adaptations[len(p.Adaptations)-s.cfg.HistorySize:]
		}
		s.metrics.RecordAdaptation()
		s.logger.Infow("adaptation applied",
			"domain_hash", p.DomainHash,
			"type", at,
			"threat_id", threat.ID,
		)
	}
}

// observationGapStdDev measures how regular the observation cadence is.
// Returns false until enough gaps accumulated.
func observationGapStdDev(observed *ringbuf.Ring[time.Time]) (float64, bool) {
	times := observed.Values()
	if len(times) < minTimingSamples+1 {
		return 0, false
	}

	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, float64(times[i].Sub(times[i-1]).Microseconds())/1000.0)
	}

	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))

	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	variance /= float64(len(gaps))
	return math.Sqrt(variance), true
}

func cloneProfile(p *domain.SiteProfile) *domain.SiteProfile {
	clone := *p
	clone.CaptureRequests = append([]domain.CaptureObservation(nil), p.CaptureRequests...)
	clone.Threats = append([]domain.Threat(nil), p.Threats...)
	clone.Adaptations = append([]domain.Adaptation(nil), p.Adaptations...)
	return &clone
}
