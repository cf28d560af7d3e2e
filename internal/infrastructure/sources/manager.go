// Package sources runs the local frame producers behind registered
// pipeline sources. Synthetic patterns, looping recordings and RTSP
// pulls all originate here; live device and canvas frames arrive over
// the wire and have no producer.
package sources

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"camrelay/internal/core/domain"
)

// Ingestor is the slice of the pipeline producers feed.
type Ingestor interface {
	IngestFrame(frame *domain.Frame)
	ReportSourceError(id domain.SourceID, err error)
}

// Producer feeds frames for a single source. Run blocks until ctx is
// cancelled or the producer fails.
type Producer interface {
	Run(ctx context.Context) error
}

// Config carries the producer settings from the pipeline block.
type Config struct {
	SyntheticWidth  int
	SyntheticHeight int
	SyntheticFPS    int
	ReadaheadTarget time.Duration
}

// Restart backoff bounds for failed producers.
const (
	restartDelayMin = time.Second
	restartDelayMax = 30 * time.Second
)

// Manager starts and supervises one producer per source. Failed
// producers are restarted with backoff, and every failure is reported
// to the pipeline so source health reflects it.
type Manager struct {
	pipeline Ingestor
	cfg      Config
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	running map[domain.SourceID]*supervised
}

type supervised struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(pipeline Ingestor, cfg Config, logger *zap.SugaredLogger) *Manager {
	if cfg.SyntheticWidth <= 0 {
		cfg.SyntheticWidth = 1280
	}
	if cfg.SyntheticHeight <= 0 {
		cfg.SyntheticHeight = 720
	}
	if cfg.SyntheticFPS <= 0 {
		cfg.SyntheticFPS = 30
	}
	if cfg.ReadaheadTarget <= 0 {
		cfg.ReadaheadTarget = 5 * time.Second
	}
	return &Manager{
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[domain.SourceID]*supervised),
	}
}

// Start launches the producer for src. Types without a local producer
// and sources already running are no-ops. Producers outlive the
// caller's context; Stop and StopAll bound their lifetime.
func (m *Manager) Start(ctx context.Context, src *domain.Source) error {
	producer := m.newProducer(src)
	if producer == nil {
		m.logger.Debugw("no local producer for source type",
			"source_id", src.ID, "type", src.Type)
		return nil
	}

	m.mu.Lock()
	if _, ok := m.running[src.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sup := &supervised{cancel: cancel, done: make(chan struct{})}
	m.running[src.ID] = sup
	m.mu.Unlock()

	go func() {
		defer close(sup.done)
		m.supervise(runCtx, src.ID, producer)
	}()

	m.logger.Infow("source producer started",
		"source_id", src.ID, "type", src.Type, "uri", src.URI)
	return nil
}

func (m *Manager) newProducer(src *domain.Source) Producer {
	switch src.Type {
	case domain.SourceTypeSynthetic:
		return NewSynthetic(src.ID, m.pipeline, SyntheticConfig{
			Width:  m.cfg.SyntheticWidth,
			Height: m.cfg.SyntheticHeight,
			FPS:    m.cfg.SyntheticFPS,
		})
	case domain.SourceTypeLocalFile:
		return NewFilePlayer(src.ID, src.URI, m.pipeline, m.cfg.ReadaheadTarget)
	case domain.SourceTypeRTSP:
		return NewRTSPPuller(src.ID, src.URI, m.pipeline, m.logger)
	}
	return nil
}

// supervise keeps one producer alive until its context is cancelled.
func (m *Manager) supervise(ctx context.Context, id domain.SourceID, p Producer) {
	delay := restartDelayMin
	for {
		started := time.Now()
		err := p.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.pipeline.ReportSourceError(id, err)
			m.logger.Warnw("source producer failed",
				"source_id", id, "error", err, "retry_in", delay)
		}

		// A producer that held on for a while earned a fresh backoff.
		if time.Since(started) > time.Minute {
			delay = restartDelayMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < restartDelayMax {
			delay *= 2
		}
	}
}

// Stop cancels the producer for id and waits for it to exit.
func (m *Manager) Stop(id domain.SourceID) {
	m.mu.Lock()
	sup, ok := m.running[id]
	if ok {
		delete(m.running, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sup.cancel()
	<-sup.done
	m.logger.Infow("source producer shut down", "source_id", id)
}

// StopAll shuts down every producer.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]domain.SourceID, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// Running reports whether a producer is active for id.
func (m *Manager) Running(id domain.SourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}
