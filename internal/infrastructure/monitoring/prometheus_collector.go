package monitoring

import (
	"context"
	"sync"
	"time"

	"camrelay/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector maps engine metrics onto the default registry.
// Gauges are set straight from snapshots; monotonic counters are fed by
// delta against the previous snapshot, so polling stays idempotent.
type PrometheusCollector struct {
	// Gauges
	sessionsActive   prometheus.Gauge
	sourcesTotal     *prometheus.GaugeVec
	devicesConnected prometheus.Gauge
	pipelineFPS      prometheus.Gauge
	bufferHealth     prometheus.Gauge
	successRate      prometheus.Gauge
	streamBlocked    prometheus.Gauge
	heartbeatLatency prometheus.Gauge

	// Counters
	framesRelayed      prometheus.Counter
	framesDropped      prometheus.Counter
	sourceErrors       prometheus.Counter
	framesSigned       prometheus.Counter
	framesValidated    prometheus.Counter
	framesRejected     *prometheus.CounterVec
	sourceSwitches     prometheus.Counter
	healthWarnings     prometheus.Counter
	tamperEvents       *prometheus.CounterVec
	sdpRewrites        *prometheus.CounterVec
	candidatesInjected prometheus.Counter
	reconnectAttempts  prometheus.Counter
	threatsDetected    *prometheus.CounterVec
	adaptationsApplied prometheus.Counter

	// Histograms
	sessionDuration prometheus.Histogram
	deviceRTT       prometheus.Histogram

	mu   sync.Mutex
	prev services.Snapshot
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_sessions_active",
			Help: "Number of open viewer sessions",
		}),

		sourcesTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camrelay_sources_total",
			Help: "Registered video sources by type",
		}, []string{"type"}),

		devicesConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_devices_connected",
			Help: "Number of companion devices with a live link",
		}),

		pipelineFPS: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_pipeline_fps",
			Help: "Frame rate of the active source",
		}),

		bufferHealth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_pipeline_buffer_health",
			Help: "Buffered playback margin of the active source (0-1)",
		}),

		successRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_pipeline_success_rate",
			Help: "Frame delivery success rate of the active source (0-1)",
		}),

		streamBlocked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_stream_blocked",
			Help: "1 when tamper policy has blocked the outgoing stream",
		}),

		heartbeatLatency: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_heartbeat_latency_ms",
			Help: "Most recent companion heartbeat round trip in milliseconds",
		}),

		framesRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_relayed_total",
			Help: "Total frames forwarded through the pipeline",
		}),

		framesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_dropped_total",
			Help: "Total frames dropped by the pipeline",
		}),

		sourceErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_source_errors_total",
			Help: "Total source read failures",
		}),

		framesSigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_signed_total",
			Help: "Total frames signed before relay",
		}),

		framesValidated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_validated_total",
			Help: "Total frame signatures validated",
		}),

		framesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_frames_rejected_total",
			Help: "Total frames rejected by validation",
		}, []string{"reason"}),

		sourceSwitches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_source_switches_total",
			Help: "Total source transitions",
		}),

		healthWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_health_warnings_total",
			Help: "Total degraded-health warnings raised by the pipeline",
		}),

		tamperEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_tamper_events_total",
			Help: "Total tamper detections by severity",
		}, []string{"severity"}),

		sdpRewrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_sdp_rewrites_total",
			Help: "Total SDP rewrites by kind",
		}, []string{"kind"}),

		candidatesInjected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_candidates_injected_total",
			Help: "Total synthetic ICE candidates injected",
		}),

		reconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_reconnect_attempts_total",
			Help: "Total companion reconnect attempts",
		}),

		threatsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_threats_detected_total",
			Help: "Total inferred threats by type",
		}, []string{"type"}),

		adaptationsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_adaptations_applied_total",
			Help: "Total stream adaptations applied",
		}),

		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_session_duration_seconds",
			Help:    "Lifetime of viewer sessions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		deviceRTT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_device_rtt_seconds",
			Help:    "Companion heartbeat round trip",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// Update feeds one metrics snapshot into the registry
func (p *PrometheusCollector) Update(snap services.Snapshot) {
	p.mu.Lock()
	prev := p.prev
	p.prev = snap
	p.mu.Unlock()

	open := int64(snap.SessionsOpened) - int64(snap.SessionsClosed)
	if open < 0 {
		open = 0
	}
	p.sessionsActive.Set(float64(open))
	for sourceType, count := range snap.SourcesByType {
		p.sourcesTotal.WithLabelValues(string(sourceType)).Set(float64(count))
	}
	p.devicesConnected.Set(float64(snap.DevicesConnected))
	p.pipelineFPS.Set(snap.ActiveFPS)
	p.bufferHealth.Set(snap.BufferHealth)
	p.successRate.Set(snap.SuccessRate)
	if snap.Blocked {
		p.streamBlocked.Set(1)
	} else {
		p.streamBlocked.Set(0)
	}
	p.heartbeatLatency.Set(snap.HeartbeatLatency)

	p.framesRelayed.Add(counterDelta(prev.FramesRelayed, snap.FramesRelayed))
	p.framesDropped.Add(counterDelta(prev.FramesDropped, snap.FramesDropped))
	p.sourceErrors.Add(counterDelta(prev.SourceErrors, snap.SourceErrors))
	p.framesSigned.Add(counterDelta(prev.FramesSigned, snap.FramesSigned))
	p.framesValidated.Add(counterDelta(prev.FramesValidated, snap.FramesValidated))
	for reason, count := range snap.RejectReasons {
		p.framesRejected.WithLabelValues(reason).Add(counterDelta(prev.RejectReasons[reason], count))
	}
	p.sourceSwitches.Add(intDelta(prev.SwitchCount, snap.SwitchCount))
	p.healthWarnings.Add(intDelta(prev.HealthWarnings, snap.HealthWarnings))
	for severity, count := range snap.TamperBySev {
		p.tamperEvents.WithLabelValues(string(severity)).Add(intDelta(prev.TamperBySev[severity], count))
	}
	for kind, count := range snap.SDPRewrites {
		p.sdpRewrites.WithLabelValues(kind).Add(counterDelta(prev.SDPRewrites[kind], count))
	}
	p.candidatesInjected.Add(counterDelta(prev.CandidatesFaked, snap.CandidatesFaked))
	p.reconnectAttempts.Add(counterDelta(prev.ReconnectAttempts, snap.ReconnectAttempts))
	for threatType, count := range snap.Threats {
		p.threatsDetected.WithLabelValues(string(threatType)).Add(intDelta(prev.Threats[threatType], count))
	}
	p.adaptationsApplied.Add(counterDelta(prev.Adaptations, snap.Adaptations))
}

// RecordSessionDuration observes one closed viewer session
func (p *PrometheusCollector) RecordSessionDuration(d time.Duration) {
	p.sessionDuration.Observe(d.Seconds())
}

// RecordDeviceRTT observes one companion heartbeat round trip
func (p *PrometheusCollector) RecordDeviceRTT(rtt time.Duration) {
	p.deviceRTT.Observe(rtt.Seconds())
}

// StartPolling snapshots the metrics service on an interval until ctx ends
func (p *PrometheusCollector) StartPolling(ctx context.Context, metrics *services.MetricsService, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Update(metrics.Snapshot())
			}
		}
	}()
}

func counterDelta(prev, cur uint64) float64 {
	if cur < prev {
		// Counter went backwards, treat as restart
		return float64(cur)
	}
	return float64(cur - prev)
}

func intDelta(prev, cur int) float64 {
	if cur < prev {
		return float64(cur)
	}
	return float64(cur - prev)
}
