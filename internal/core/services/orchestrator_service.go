package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/utils"

	"go.uber.org/zap"
)

// relayState is the orchestrator lifecycle position.
type relayState string

const (
	stateCreated     relayState = "created"
	stateInitialized relayState = "initialized"
	stateRunning     relayState = "running"
	stateStopped     relayState = "stopped"
	stateDestroyed   relayState = "destroyed"
)

// OrchestratorConfig tunes the relay controller.
type OrchestratorConfig struct {
	MetricsInterval    time.Duration
	FallbackPriority   int
	DefaultDestination string
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MetricsInterval:  5 * time.Second,
		FallbackPriority: 900,
	}
}

// relayOrchestrator wires the pipeline, validator, intelligence, relay and
// cross-device subsystems into one lifecycle.
type relayOrchestrator struct {
	cfg         OrchestratorConfig
	pipeline    ports.PipelineService
	validator   ports.ValidatorService
	intel       ports.IntelligenceService
	relay       ports.RelayService
	crossdevice ports.CrossDeviceService
	fallback    *FallbackService
	adapters    ports.SourceAdapterService
	sink        ports.FrameSink
	events      ports.EventPublisher
	metrics     *MetricsService
	logger      *zap.SugaredLogger

	mu             sync.Mutex
	state          relayState
	destination    string
	startedAt      time.Time
	blocked        bool
	fallbackSource domain.SourceID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	pipeline ports.PipelineService,
	validator ports.ValidatorService,
	intel ports.IntelligenceService,
	relay ports.RelayService,
	crossdevice ports.CrossDeviceService,
	fallback *FallbackService,
	adapters ports.SourceAdapterService,
	sink ports.FrameSink,
	events ports.EventPublisher,
	metrics *MetricsService,
	logger *zap.SugaredLogger,
) ports.Orchestrator {
	return &relayOrchestrator{
		cfg:         cfg,
		pipeline:    pipeline,
		validator:   validator,
		intel:       intel,
		relay:       relay,
		crossdevice: crossdevice,
		fallback:    fallback,
		adapters:    adapters,
		sink:        sink,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		state:       stateCreated,
	}
}

// Init brings the subsystems up in dependency order. A failure rolls back
// everything already started.
func (o *relayOrchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	if o.state != stateCreated {
		o.mu.Unlock()
		return fmt.Errorf("cannot init from state %s", o.state)
	}
	o.mu.Unlock()

	type subsystem struct {
		name  string
		start func(context.Context) error
		stop  func()
	}
	order := []subsystem{
		{"pipeline", o.pipeline.Start, o.pipeline.Stop},
		{"validator", o.validator.Start, o.validator.Stop},
		{"intelligence", o.intel.Start, o.intel.Stop},
		{"cross-device", o.crossdevice.Start, o.crossdevice.Stop},
	}

	var started []subsystem
	for _, sub := range order {
		if err := sub.start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].stop()
			}
			return fmt.Errorf("failed to start %s: %w", sub.name, err)
		}
		started = append(started, sub)
	}

	o.mu.Lock()
	o.state = stateInitialized
	o.mu.Unlock()

	o.events.Publish(domain.NewEvent(domain.EventRelayInitialized, map[string]interface{}{
		"relay_installed": o.relay.Installed(),
	}))
	o.logger.Info("relay initialized")
	return nil
}

// Start begins relaying toward a destination. The destination is optional:
// an empty one falls back to the configured default, and with neither the
// relay runs without site analysis.
func (o *relayOrchestrator) Start(ctx context.Context, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		destination = o.cfg.DefaultDestination
	}

	o.mu.Lock()
	if o.state != stateInitialized && o.state != stateStopped {
		o.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", o.state)
	}
	o.state = stateRunning
	o.destination = destination
	o.startedAt = utils.Now()
	o.blocked = false

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	if destination != "" {
		if err := o.intel.StartSiteAnalysis(ctx, destination); err != nil {
			o.logger.Warnw("failed to start site analysis", "destination", destination, "error", err)
		}
		if rec, err := o.intel.GetRecommendedConfig(ctx, destination); err == nil {
			o.logger.Infow("capture profile for destination",
				"width", rec.Width,
				"height", rec.Height,
				"frame_rate", rec.FrameRate,
				"canvas_noise", rec.CanvasNoise,
				"timing_jitter", rec.TimingJitter,
			)
		}
	}

	o.wg.Add(2)
	go o.frameLoop(runCtx)
	go o.healthLoop(runCtx)

	o.events.Publish(domain.NewEvent(domain.EventRelayStarted, map[string]interface{}{
		"destination": destination,
	}))
	o.events.Publish(domain.NewEvent(domain.EventReady, map[string]interface{}{
		"sessions": o.relay.SessionCount(),
	}))
	o.logger.Infow("relay started", "destination", destination)
	return nil
}

// Stop halts frame relaying. Subsystems stay up so Start can resume.
func (o *relayOrchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != stateRunning {
		o.mu.Unlock()
		return fmt.Errorf("cannot stop from state %s", o.state)
	}
	o.state = stateStopped
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	if err := o.intel.StopSiteAnalysis(ctx); err != nil {
		o.logger.Warnw("failed to stop site analysis", "error", err)
	}

	o.events.Publish(domain.NewEvent(domain.EventRelayStopped, nil))
	o.logger.Info("relay stopped")
	return nil
}

// Restart stops and starts relaying toward the same destination.
func (o *relayOrchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	destination := o.destination
	o.mu.Unlock()

	if err := o.Stop(ctx); err != nil {
		return err
	}
	return o.Start(ctx, destination)
}

// Destroy tears the whole relay down in reverse start order.
func (o *relayOrchestrator) Destroy(ctx context.Context) error {
	o.mu.Lock()
	if o.state == stateDestroyed {
		o.mu.Unlock()
		return nil
	}
	running := o.state == stateRunning
	cancel := o.cancel
	o.cancel = nil
	o.state = stateDestroyed
	o.mu.Unlock()

	if running && cancel != nil {
		cancel()
		o.wg.Wait()
	}

	o.crossdevice.Stop()
	o.relay.Shutdown()
	o.intel.Stop()
	o.validator.Stop()
	if o.adapters != nil {
		// Producers feed the pipeline, so they go down first.
		o.adapters.StopAll()
	}
	o.pipeline.Stop()

	o.events.Publish(domain.NewEvent(domain.EventRelayDestroyed, nil))
	o.logger.Info("relay destroyed")
	return nil
}

func (o *relayOrchestrator) AddVideoSource(ctx context.Context, uri string, priority int) (*domain.Source, error) {
	o.mu.Lock()
	destroyed := o.state == stateDestroyed
	o.mu.Unlock()
	if destroyed {
		return nil, fmt.Errorf("relay destroyed")
	}
	source, err := o.pipeline.AddSource(ctx, uri, priority)
	if err != nil {
		return nil, err
	}
	o.startProducer(ctx, source)
	return source, nil
}

// startProducer hands a registered source to the adapter layer. A
// producer that cannot start leaves the source registered with its
// health marked instead of failing the add.
func (o *relayOrchestrator) startProducer(ctx context.Context, source *domain.Source) {
	if o.adapters == nil {
		return
	}
	if err := o.adapters.Start(ctx, source); err != nil {
		o.logger.Warnw("failed to start source producer",
			"source_id", source.ID, "error", err)
		o.pipeline.ReportSourceError(source.ID, err)
	}
}

func (o *relayOrchestrator) RemoveVideoSource(ctx context.Context, id domain.SourceID) error {
	if err := o.pipeline.RemoveSource(ctx, id); err != nil {
		return err
	}
	if o.adapters != nil {
		o.adapters.Stop(id)
	}
	return nil
}

func (o *relayOrchestrator) SwitchSource(ctx context.Context, id domain.SourceID) error {
	return o.pipeline.SwitchToSource(ctx, id, false)
}

func (o *relayOrchestrator) GetState(ctx context.Context) (*domain.PipelineState, error) {
	return o.pipeline.GetState(ctx)
}

func (o *relayOrchestrator) GetMetrics(ctx context.Context) (*domain.RelayMetrics, error) {
	pm, err := o.pipeline.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}
	cdm, err := o.crossdevice.Metrics(ctx)
	if err != nil {
		return nil, err
	}

	threatCount := 0
	for _, n := range o.metrics.Snapshot().Threats {
		threatCount += n
	}

	o.mu.Lock()
	var uptime time.Duration
	if o.state == stateRunning {
		uptime = utils.Now().Sub(o.startedAt)
	}
	o.mu.Unlock()

	return &domain.RelayMetrics{
		Pipeline:    *pm,
		Validator:   o.validator.Metrics(ctx),
		CrossDevice: *cdm,
		Sessions:    o.relay.SessionCount(),
		ThreatCount: threatCount,
		Uptime:      uptime,
		Timestamp:   utils.Now(),
	}, nil
}

// frameLoop pumps pipeline frames through signing and out to the sink.
func (o *relayOrchestrator) frameLoop(ctx context.Context) {
	defer o.wg.Done()

	frames := o.pipeline.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			o.relayFrame(ctx, frame)
		}
	}
}

func (o *relayOrchestrator) relayFrame(ctx context.Context, frame *domain.Frame) {
	if o.validator.ShouldBlockStream() {
		o.mu.Lock()
		first := !o.blocked
		o.blocked = true
		o.mu.Unlock()

		if first {
			o.events.Publish(domain.NewEvent(domain.EventVideoError, map[string]interface{}{
				"code":    "stream_blocked",
				"message": domain.ErrStreamBlocked.Error(),
			}))
			o.logger.Warn("output halted by tamper detection")
		}
		return
	}

	o.mu.Lock()
	if o.blocked {
		o.blocked = false
		o.logger.Info("output resumed after tamper window cleared")
	}
	o.mu.Unlock()

	sig, err := o.validator.SignFrame(ctx, frame.SourceID, frame.Data)
	if err != nil {
		o.logger.Warnw("failed to sign frame", "source_id", frame.SourceID, "error", err)
		return
	}

	if o.sink == nil {
		return
	}
	if err := o.sink.WriteFrame(frame, sig); err != nil {
		o.pipeline.ReportSourceError(frame.SourceID, err)
		o.logger.Warnw("failed to write frame", "source_id", frame.SourceID, "error", err)
	}
}

// healthLoop publishes periodic stream health and engages the generated
// fallback source when every real source is beyond saving.
func (o *relayOrchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkStreamHealth(ctx)
		}
	}
}

func (o *relayOrchestrator) checkStreamHealth(ctx context.Context) {
	state, err := o.pipeline.GetState(ctx)
	if err != nil {
		return
	}

	var health *domain.SourceHealth
	if state.ActiveSource != "" {
		health, _ = o.pipeline.GetHealth(ctx, state.ActiveSource)
	}

	payload := map[string]interface{}{
		"source_count": state.SourceCount,
		"switch_count": state.SwitchCount,
	}
	if health != nil {
		payload["source_id"] = health.SourceID
		payload["status"] = health.Status
		payload["fps"] = health.FPS
		payload["buffer_health"] = health.BufferHealth
		payload["success_rate"] = health.SuccessRate
	}
	o.events.Publish(domain.NewEvent(domain.EventStreamHealth, payload))

	if o.fallback == nil || !o.fallback.ShouldFallback(ctx, health) {
		return
	}

	o.mu.Lock()
	already := o.fallbackSource != ""
	o.mu.Unlock()
	if already {
		return
	}

	uri := o.fallback.SyntheticURI()
	if o.fallback.FallbackType() == domain.SourceTypeCanvas {
		uri = o.fallback.CanvasURI()
	}
	source, err := o.pipeline.AddSource(ctx, uri, o.cfg.FallbackPriority)
	if err != nil {
		o.logger.Warnw("failed to add fallback source", "error", err)
		return
	}
	o.startProducer(ctx, source)

	o.mu.Lock()
	o.fallbackSource = source.ID
	o.mu.Unlock()

	o.logger.Infow("fallback source engaged", "source_id", source.ID, "uri", uri)
}
