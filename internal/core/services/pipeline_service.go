package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/ringbuf"
	"camrelay/pkg/utils"
	"camrelay/pkg/validation"

	"go.uber.org/zap"
)

// PipelineConfig tunes source selection and health monitoring.
type PipelineConfig struct {
	HealthCheckInterval time.Duration
	TransitionDuration  time.Duration
	MinAcceptableFPS    float64
	FPSWindowSize       int
	ErrorHistorySize    int
	ReadaheadTarget     time.Duration
	FrameBuffer         int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		HealthCheckInterval: time.Second,
		TransitionDuration:  300 * time.Millisecond,
		MinAcceptableFPS:    10,
		FPSWindowSize:       30,
		ErrorHistorySize:    20,
		ReadaheadTarget:     5 * time.Second,
		FrameBuffer:         64,
	}
}

// managedSource couples a source with its rolling health buffers.
type managedSource struct {
	source     *domain.Source
	frameTimes *ringbuf.Ring[time.Time]
	outcomes   *ringbuf.Ring[bool]
	readahead  time.Duration
	lastError  string
}

type pipelineService struct {
	cfg     PipelineConfig
	events  ports.EventPublisher
	metrics *MetricsService
	logger  *zap.SugaredLogger

	mu              sync.RWMutex
	sources         map[domain.SourceID]*managedSource
	active          domain.SourceID
	previous        domain.SourceID
	transitioning   bool
	transitionTo    domain.SourceID
	transitionAt    time.Time
	transitionTimer *time.Timer
	switchCount     int
	stopped         bool

	frames  chan *domain.Frame
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewPipelineService(
	cfg PipelineConfig,
	events ports.EventPublisher,
	metrics *MetricsService,
	logger *zap.SugaredLogger,
) ports.PipelineService {
	return &pipelineService{
		cfg:     cfg,
		events:  events,
		metrics: metrics,
		logger:  logger,
		sources: make(map[domain.SourceID]*managedSource),
		frames:  make(chan *domain.Frame, cfg.FrameBuffer),
	}
}

func (s *pipelineService) AddSource(ctx context.Context, uri string, priority int) (*domain.Source, error) {
	if err := validation.ValidateSourceURI(uri); err != nil {
		return nil, fmt.Errorf("invalid source URI: %w", err)
	}
	if err := validation.ValidatePriority(priority); err != nil {
		return nil, fmt.Errorf("invalid priority: %w", err)
	}

	source := &domain.Source{
		ID:        domain.SourceID(utils.GenerateSourceID()),
		URI:       uri,
		Type:      domain.SourceTypeFromURI(uri),
		Priority:  priority,
		Status:    domain.SourceStatusInitializing,
		CreatedAt: utils.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sources[source.ID] = &managedSource{
		source:     source,
		frameTimes: ringbuf.New[time.Time](s.cfg.FPSWindowSize),
		outcomes:   ringbuf.New[bool](s.cfg.ErrorHistorySize),
	}
	s.metrics.RecordSourceAdded(source.Type)

	s.logger.Infow("source registered",
		"source_id", source.ID,
		"type", source.Type,
		"priority", priority,
	)

	// First source becomes active immediately. A later source preempts the
	// current one when its priority number is equal or lower.
	if s.active == "" {
		s.cutLocked(source.ID)
	} else if current, ok := s.sources[s.active]; ok && priority <= current.source.Priority {
		if err := s.beginSwitchLocked(source.ID, false); err != nil {
			s.logger.Warnw("preemption switch deferred", "source_id", source.ID, "error", err)
		}
	}

	return source, nil
}

func (s *pipelineService) RemoveSource(ctx context.Context, id domain.SourceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sources[id]
	if !ok {
		return domain.ErrSourceNotFound
	}

	delete(s.sources, id)
	s.metrics.RecordSourceRemoved(ms.source.Type)

	// A pending transition toward the removed source is abandoned.
	if s.transitioning && s.transitionTo == id {
		s.cancelTransitionLocked()
	}

	if s.active != id {
		return nil
	}

	// Re-select: lowest priority number among healthy sources, otherwise the
	// most preferred source regardless of health.
	next := s.bestHealthyLocked(id)
	if next == "" {
		next = s.mostPreferredLocked(id)
	}

	if next == "" {
		from := s.active
		s.active = ""
		s.previous = from
		s.publish(domain.EventSourceChange, map[string]interface{}{
			"from": string(from),
			"to":   "",
		})
		s.logger.Warnw("last source removed, pipeline has no active source", "removed", id)
		return nil
	}

	s.cutLocked(next)
	return nil
}

func (s *pipelineService) SwitchToSource(ctx context.Context, id domain.SourceID, instant bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginSwitchLocked(id, instant)
}

// beginSwitchLocked starts either an instantaneous cut or a timed transition.
func (s *pipelineService) beginSwitchLocked(id domain.SourceID, instant bool) error {
	if _, ok := s.sources[id]; !ok {
		return domain.ErrSourceNotFound
	}
	if id == s.active {
		return nil
	}
	if s.transitioning {
		return domain.ErrTransitionRunning
	}

	if instant || s.cfg.TransitionDuration <= 0 {
		s.cutLocked(id)
		return nil
	}

	s.transitioning = true
	s.transitionTo = id
	s.transitionAt = utils.Now()
	s.publish(domain.EventTransitionStart, map[string]interface{}{
		"from":        string(s.active),
		"to":          string(id),
		"duration_ms": s.cfg.TransitionDuration.Milliseconds(),
	})

	s.transitionTimer = time.AfterFunc(s.cfg.TransitionDuration, func() {
		s.completeTransition(id)
	})
	return nil
}

func (s *pipelineService) completeTransition(id domain.SourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transitioning || s.transitionTo != id {
		return
	}
	s.transitioning = false
	s.transitionTo = ""

	if _, ok := s.sources[id]; !ok {
		s.logger.Warnw("transition target vanished", "source_id", id)
		return
	}

	s.publish(domain.EventTransitionComplete, map[string]interface{}{
		"from": string(s.active),
		"to":   string(id),
	})
	s.cutLocked(id)
}

func (s *pipelineService) cancelTransitionLocked() {
	if s.transitionTimer != nil {
		s.transitionTimer.Stop()
		s.transitionTimer = nil
	}
	s.transitioning = false
	s.transitionTo = ""
}

// cutLocked makes id the active source and announces the change.
func (s *pipelineService) cutLocked(id domain.SourceID) {
	from := s.active
	s.previous = from
	s.active = id
	s.transitioning = false
	s.transitionTo = ""
	s.switchCount++
	s.metrics.RecordSwitch()

	s.publish(domain.EventSourceChange, map[string]interface{}{
		"from": string(from),
		"to":   string(id),
	})
	s.logger.Infow("active source changed", "from", from, "to", id)
}

// bestHealthyLocked returns the lowest-priority-number source that is active
// and meets the FPS floor, excluding exclude.
func (s *pipelineService) bestHealthyLocked(exclude domain.SourceID) domain.SourceID {
	var best *managedSource
	for id, ms := range s.sources {
		if id == exclude {
			continue
		}
		s.refreshStatsLocked(ms)
		if !ms.source.Healthy(s.cfg.MinAcceptableFPS) {
			continue
		}
		if best == nil || ms.source.Priority < best.source.Priority {
			best = ms
		}
	}
	if best == nil {
		return ""
	}
	return best.source.ID
}

// mostPreferredLocked returns the lowest-priority-number source regardless of
// health, excluding exclude.
func (s *pipelineService) mostPreferredLocked(exclude domain.SourceID) domain.SourceID {
	var best *managedSource
	for id, ms := range s.sources {
		if id == exclude {
			continue
		}
		if best == nil || ms.source.Priority < best.source.Priority {
			best = ms
		}
	}
	if best == nil {
		return ""
	}
	return best.source.ID
}

func (s *pipelineService) GetSource(ctx context.Context, id domain.SourceID) (*domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.sources[id]
	if !ok {
		return nil, domain.ErrSourceNotFound
	}
	copied := *ms.source
	return &copied, nil
}

func (s *pipelineService) ListSources(ctx context.Context) ([]*domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Source, 0, len(s.sources))
	for _, ms := range s.sources {
		copied := *ms.source
		out = append(out, &copied)
	}
	return out, nil
}

func (s *pipelineService) GetState(ctx context.Context) (*domain.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &domain.PipelineState{
		ActiveSource:   s.active,
		PreviousSource: s.previous,
		Transitioning:  s.transitioning,
		TransitionAt:   s.transitionAt,
		SourceCount:    len(s.sources),
		SwitchCount:    s.switchCount,
	}, nil
}

func (s *pipelineService) GetHealth(ctx context.Context, id domain.SourceID) (*domain.SourceHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sources[id]
	if !ok {
		return nil, domain.ErrSourceNotFound
	}
	s.refreshStatsLocked(ms)
	return &domain.SourceHealth{
		SourceID:     id,
		Status:       ms.source.Status,
		FPS:          ms.source.FPS,
		BufferHealth: s.bufferHealthLocked(ms),
		SuccessRate:  s.successRateLocked(ms),
		LastError:    ms.lastError,
		CheckedAt:    utils.Now(),
	}, nil
}

func (s *pipelineService) GetMetrics(ctx context.Context) (*domain.PipelineMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &domain.PipelineMetrics{
		ActiveSource: s.active,
		SourceCount:  len(s.sources),
		SwitchCount:  s.switchCount,
		Timestamp:    utils.Now(),
	}
	if ms, ok := s.sources[s.active]; ok {
		s.refreshStatsLocked(ms)
		m.FPS = ms.source.FPS
		m.BufferHealth = s.bufferHealthLocked(ms)
		m.SuccessRate = s.successRateLocked(ms)
	}
	return m, nil
}

// IngestFrame records a frame arrival and forwards it downstream when it
// belongs to the active source. Callers are source adapters.
func (s *pipelineService) IngestFrame(frame *domain.Frame) {
	if frame == nil {
		return
	}

	s.mu.Lock()
	ms, ok := s.sources[frame.SourceID]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}

	ms.frameTimes.Push(frame.Timestamp)
	ms.outcomes.Push(true)
	ms.readahead = frame.Buffered
	ms.source.LastFrame = frame.Timestamp
	if frame.Width > 0 {
		ms.source.Width = frame.Width
		ms.source.Height = frame.Height
	}
	if ms.source.Status == domain.SourceStatusInitializing {
		ms.source.Status = domain.SourceStatusActive
	}
	s.refreshStatsLocked(ms)

	if frame.SourceID == s.active {
		select {
		case s.frames <- frame:
			s.metrics.RecordFrameRelayed()
		default:
			// Downstream is slower than the source; dropping beats blocking
			// the ingest path.
			s.metrics.RecordFrameDropped()
		}
	}
	s.mu.Unlock()
}

func (s *pipelineService) ReportSourceError(id domain.SourceID, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sources[id]
	if !ok {
		return
	}
	ms.outcomes.Push(false)
	ms.lastError = err.Error()
	ms.source.Status = domain.SourceStatusError
	s.metrics.RecordSourceError()

	s.logger.Warnw("source reported error", "source_id", id, "error", err)
}

func (s *pipelineService) Frames() <-chan *domain.Frame {
	return s.frames
}

func (s *pipelineService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

func (s *pipelineService) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancelTransitionLocked()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	close(s.frames)
}

func (s *pipelineService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

// checkHealth inspects the active source and hot-switches away from it when
// it is unhealthy and a healthy alternative exists.
func (s *pipelineService) checkHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == "" {
		return
	}
	ms, ok := s.sources[s.active]
	if !ok {
		return
	}
	s.refreshStatsLocked(ms)
	s.metrics.SetActiveSourceStats(ms.source.FPS, s.bufferHealthLocked(ms), s.successRateLocked(ms))

	status := ms.source.Status
	broken := status == domain.SourceStatusError || status == domain.SourceStatusDisconnected

	// FPS judgement waits out a short warmup so a just-added source is not
	// condemned before it produced a full window.
	warmedUp := utils.Now().Sub(ms.source.CreatedAt) >= 2*s.cfg.HealthCheckInterval
	slow := status == domain.SourceStatusActive && warmedUp && ms.source.FPS < s.cfg.MinAcceptableFPS

	if !broken && !slow {
		return
	}

	reason := "low_fps"
	if broken {
		reason = string(status)
	}
	s.publish(domain.EventHealthWarning, map[string]interface{}{
		"source_id": string(s.active),
		"reason":    reason,
		"fps":       ms.source.FPS,
	})
	s.metrics.RecordHealthWarning()

	next := s.bestHealthyLocked(s.active)
	if next == "" {
		s.publish(domain.EventPipelineError, map[string]interface{}{
			"message":   domain.ErrNoHealthySource.Error(),
			"source_id": string(s.active),
		})
		s.logger.Errorw("active source unhealthy and no alternative available",
			"source_id", s.active,
			"reason", reason,
		)
		return
	}

	if ms.source.Status == domain.SourceStatusActive {
		ms.source.Status = domain.SourceStatusDegraded
	}
	s.cancelTransitionLocked()
	s.cutLocked(next)
}

// refreshStatsLocked recomputes the rolling FPS from the frame-time window.
func (s *pipelineService) refreshStatsLocked(ms *managedSource) {
	times := ms.frameTimes.Values()
	if len(times) < 2 {
		ms.source.FPS = 0
		return
	}
	span := times[len(times)-1].Sub(times[0])
	if span <= 0 {
		ms.source.FPS = 0
		return
	}
	ms.source.FPS = float64(len(times)-1) / span.Seconds()
}

func (s *pipelineService) bufferHealthLocked(ms *managedSource) float64 {
	if ms.source.Type == domain.SourceTypeLocalFile {
		if s.cfg.ReadaheadTarget <= 0 {
			return 1
		}
		h := float64(ms.readahead) / float64(s.cfg.ReadaheadTarget)
		if h > 1 {
			return 1
		}
		if h < 0 {
			return 0
		}
		return h
	}
	if ms.source.Status == domain.SourceStatusActive {
		return 1
	}
	return 0
}

func (s *pipelineService) successRateLocked(ms *managedSource) float64 {
	outcomes := ms.outcomes.Values()
	if len(outcomes) == 0 {
		return 1
	}
	ok := 0
	for _, v := range outcomes {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(outcomes))
}

func (s *pipelineService) publish(t domain.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.NewEvent(t, payload))
}
