package monitoring

import (
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// promauto registers on the default registry, so the collector is built
// once for the whole package
var testCollector = NewPrometheusCollector()

func TestCollectorUpdate(t *testing.T) {
	snap := services.Snapshot{
		SourcesByType:    map[domain.SourceType]int{domain.SourceTypeSynthetic: 2},
		FramesRelayed:    100,
		FramesDropped:    5,
		ActiveFPS:        29.7,
		SessionsOpened:   3,
		SessionsClosed:   1,
		DevicesConnected: 1,
		RejectReasons:    map[string]uint64{"bad_signature": 4},
		Blocked:          true,
		Timestamp:        time.Now(),
	}
	testCollector.Update(snap)

	if got := testutil.ToFloat64(testCollector.sessionsActive); got != 2 {
		t.Errorf("expected 2 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(testCollector.pipelineFPS); got != 29.7 {
		t.Errorf("expected fps 29.7, got %v", got)
	}
	if got := testutil.ToFloat64(testCollector.framesRelayed); got != 100 {
		t.Errorf("expected 100 frames relayed, got %v", got)
	}
	if got := testutil.ToFloat64(testCollector.streamBlocked); got != 1 {
		t.Errorf("expected blocked gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(testCollector.framesRejected.WithLabelValues("bad_signature")); got != 4 {
		t.Errorf("expected 4 rejected frames, got %v", got)
	}

	// A second snapshot only adds the delta to counters
	snap.FramesRelayed = 130
	snap.FramesDropped = 6
	snap.Blocked = false
	testCollector.Update(snap)

	if got := testutil.ToFloat64(testCollector.framesRelayed); got != 130 {
		t.Errorf("expected 130 frames relayed after delta, got %v", got)
	}
	if got := testutil.ToFloat64(testCollector.framesDropped); got != 6 {
		t.Errorf("expected 6 frames dropped after delta, got %v", got)
	}
	if got := testutil.ToFloat64(testCollector.streamBlocked); got != 0 {
		t.Errorf("expected blocked gauge cleared, got %v", got)
	}
}

func TestCollectorHistograms(t *testing.T) {
	testCollector.RecordSessionDuration(3 * time.Second)
	testCollector.RecordDeviceRTT(40 * time.Millisecond)

	if count := testutil.CollectAndCount(testCollector.sessionDuration); count != 1 {
		t.Errorf("expected session duration histogram collected, got %d series", count)
	}
	if count := testutil.CollectAndCount(testCollector.deviceRTT); count != 1 {
		t.Errorf("expected device rtt histogram collected, got %d series", count)
	}
}

func TestCounterDeltaHandlesRestart(t *testing.T) {
	if got := counterDelta(10, 25); got != 15 {
		t.Errorf("expected delta 15, got %v", got)
	}
	if got := counterDelta(25, 10); got != 10 {
		t.Errorf("expected restart to report full value, got %v", got)
	}
	if got := intDelta(3, 7); got != 4 {
		t.Errorf("expected delta 4, got %v", got)
	}
}
