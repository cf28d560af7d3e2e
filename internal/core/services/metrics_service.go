package services

import (
	"sync"
	"time"

	"camrelay/internal/core/domain"
)

// MetricsService is the in-process counter hub all components report into.
// The Prometheus collector and the orchestrator read it via Snapshot.
type MetricsService struct {
	mu sync.RWMutex

	// Pipeline
	sourcesByType  map[domain.SourceType]int
	switchCount    int
	healthWarnings int
	framesRelayed  uint64
	framesDropped  uint64
	sourceErrors   uint64
	activeFPS      float64
	bufferHealth   float64
	successRate    float64

	// Validator
	framesSigned    uint64
	framesValidated uint64
	framesRejected  uint64
	rejectReasons   map[string]uint64
	tamperBySev     map[domain.TamperSeverity]int
	blocked         bool

	// Relay
	sessionsOpened  uint64
	sessionsClosed  uint64
	sdpRewrites     map[string]uint64
	candidatesFaked uint64

	// Cross-device
	devicesConnected  int
	reconnectAttempts uint64
	heartbeatLatency  float64

	// Intelligence
	observations map[string]uint64
	threats      map[domain.ThreatType]int
	adaptations  uint64
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		sourcesByType: make(map[domain.SourceType]int),
		rejectReasons: make(map[string]uint64),
		tamperBySev:   make(map[domain.TamperSeverity]int),
		sdpRewrites:   make(map[string]uint64),
		observations:  make(map[string]uint64),
		threats:       make(map[domain.ThreatType]int),
	}
}

func (m *MetricsService) RecordSourceAdded(t domain.SourceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourcesByType[t]++
}

func (m *MetricsService) RecordSourceRemoved(t domain.SourceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sourcesByType[t] > 0 {
		m.sourcesByType[t]--
	}
}

func (m *MetricsService) RecordSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switchCount++
}

func (m *MetricsService) RecordHealthWarning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthWarnings++
}

func (m *MetricsService) RecordFrameRelayed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesRelayed++
}

func (m *MetricsService) RecordFrameDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesDropped++
}

func (m *MetricsService) RecordSourceError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceErrors++
}

func (m *MetricsService) SetActiveSourceStats(fps, bufferHealth, successRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeFPS = fps
	m.bufferHealth = bufferHealth
	m.successRate = successRate
}

func (m *MetricsService) RecordFrameSigned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesSigned++
}

func (m *MetricsService) RecordFrameValidated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesValidated++
}

func (m *MetricsService) RecordFrameRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesRejected++
	m.rejectReasons[reason]++
}

func (m *MetricsService) RecordTamperEvent(severity domain.TamperSeverity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tamperBySev[severity]++
}

func (m *MetricsService) SetStreamBlocked(blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = blocked
}

func (m *MetricsService) RecordSessionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsOpened++
}

func (m *MetricsService) RecordSessionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsClosed++
}

func (m *MetricsService) RecordSDPRewrite(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sdpRewrites[kind]++
}

func (m *MetricsService) RecordCandidateInjected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidatesFaked++
}

func (m *MetricsService) RecordDeviceConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devicesConnected++
}

func (m *MetricsService) RecordDeviceDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devicesConnected > 0 {
		m.devicesConnected--
	}
}

func (m *MetricsService) RecordReconnectAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectAttempts++
}

func (m *MetricsService) SetHeartbeatLatency(latencyMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatLatency = latencyMs
}

func (m *MetricsService) RecordObservation(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[kind]++
}

func (m *MetricsService) RecordThreat(t domain.ThreatType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threats[t]++
}

func (m *MetricsService) RecordAdaptation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adaptations++
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	SourcesByType  map[domain.SourceType]int
	SwitchCount    int
	HealthWarnings int
	FramesRelayed  uint64
	FramesDropped  uint64
	SourceErrors   uint64
	ActiveFPS      float64
	BufferHealth   float64
	SuccessRate    float64

	FramesSigned    uint64
	FramesValidated uint64
	FramesRejected  uint64
	RejectReasons   map[string]uint64
	TamperBySev     map[domain.TamperSeverity]int
	Blocked         bool

	SessionsOpened  uint64
	SessionsClosed  uint64
	SDPRewrites     map[string]uint64
	CandidatesFaked uint64

	DevicesConnected  int
	ReconnectAttempts uint64
	HeartbeatLatency  float64

	Observations map[string]uint64
	Threats      map[domain.ThreatType]int
	Adaptations  uint64

	Timestamp time.Time
}

func (m *MetricsService) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		SourcesByType:     make(map[domain.SourceType]int, len(m.sourcesByType)),
		SwitchCount:       m.switchCount,
		HealthWarnings:    m.healthWarnings,
		FramesRelayed:     m.framesRelayed,
		FramesDropped:     m.framesDropped,
		SourceErrors:      m.sourceErrors,
		ActiveFPS:         m.activeFPS,
		BufferHealth:      m.bufferHealth,
		SuccessRate:       m.successRate,
		FramesSigned:      m.framesSigned,
		FramesValidated:   m.framesValidated,
		FramesRejected:    m.framesRejected,
		RejectReasons:     make(map[string]uint64, len(m.rejectReasons)),
		TamperBySev:       make(map[domain.TamperSeverity]int, len(m.tamperBySev)),
		Blocked:           m.blocked,
		SessionsOpened:    m.sessionsOpened,
		SessionsClosed:    m.sessionsClosed,
		SDPRewrites:       make(map[string]uint64, len(m.sdpRewrites)),
		CandidatesFaked:   m.candidatesFaked,
		DevicesConnected:  m.devicesConnected,
		ReconnectAttempts: m.reconnectAttempts,
		HeartbeatLatency:  m.heartbeatLatency,
		Observations:      make(map[string]uint64, len(m.observations)),
		Threats:           make(map[domain.ThreatType]int, len(m.threats)),
		Adaptations:       m.adaptations,
		Timestamp:         time.Now(),
	}
	for k, v := range m.sourcesByType {
		snap.SourcesByType[k] = v
	}
	for k, v := range m.rejectReasons {
		snap.RejectReasons[k] = v
	}
	for k, v := range m.tamperBySev {
		snap.TamperBySev[k] = v
	}
	for k, v := range m.sdpRewrites {
		snap.SDPRewrites[k] = v
	}
	for k, v := range m.observations {
		snap.Observations[k] = v
	}
	for k, v := range m.threats {
		snap.Threats[k] = v
	}
	return snap
}
