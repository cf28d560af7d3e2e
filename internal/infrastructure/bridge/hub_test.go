package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"camrelay/internal/core/domain"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b := NewBridge(nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(b.Shutdown)
	return b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishReachesSubscribers(t *testing.T) {
	b := newTestBridge(t)

	events, cancel := b.Subscribe()
	defer cancel()

	b.Publish(domain.NewEvent(domain.EventStreamReady, map[string]interface{}{
		"source_id": "src_1",
	}))

	select {
	case event := <-events:
		if event.Type != domain.EventStreamReady {
			t.Errorf("expected streamReady, got %s", event.Type)
		}
		if event.Payload["source_id"] != "src_1" {
			t.Errorf("unexpected payload %+v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	b := newTestBridge(t)

	events, cancel := b.Subscribe()
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(domain.NewEvent(domain.EventReady, nil))
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := newTestBridge(t)

	events, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 40; i++ {
		b.Publish(domain.NewEvent(domain.EventHealthWarning, nil))
	}

	if len(events) > 16 {
		t.Errorf("expected buffer capped at 16, got %d", len(events))
	}
}

func TestEventsSocketStreamsEnvelopes(t *testing.T) {
	b := newTestBridge(t)

	srv := httptest.NewServer(http.HandlerFunc(b.HandleEventsSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial events socket: %v", err)
	}
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return b.ClientCount() == 1 })

	b.Publish(domain.NewEvent(domain.EventVideoError, map[string]interface{}{
		"error": "decode failed",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("failed to read envelope: %v", err)
	}
	if env.Type != string(domain.EventVideoError) {
		t.Errorf("expected videoError, got %s", env.Type)
	}
	if env.Payload["error"] != "decode failed" {
		t.Errorf("unexpected payload %+v", env.Payload)
	}
	if env.Timestamp == 0 {
		t.Error("expected a timestamp on the envelope")
	}
}

func TestEventsSocketUnregistersOnClose(t *testing.T) {
	b := newTestBridge(t)

	srv := httptest.NewServer(http.HandlerFunc(b.HandleEventsSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial events socket: %v", err)
	}

	waitFor(t, time.Second, func() bool { return b.ClientCount() == 1 })

	conn.Close()

	waitFor(t, time.Second, func() bool { return b.ClientCount() == 0 })
}

func TestShutdownDisconnectsClients(t *testing.T) {
	b := NewBridge(nil, zaptest.NewLogger(t).Sugar())

	srv := httptest.NewServer(http.HandlerFunc(b.HandleEventsSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial events socket: %v", err)
	}
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return b.ClientCount() == 1 })

	b.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestEnvelopeShape(t *testing.T) {
	event := domain.Event{
		Type:      domain.EventRelayStarted,
		Payload:   map[string]interface{}{"session": "abc"},
		Timestamp: time.UnixMilli(1700000000000),
	}

	data, err := json.Marshal(envelopeFrom(event))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != "advanced_relay_started" {
		t.Errorf("unexpected type %v", decoded["type"])
	}
	if decoded["timestamp"] != float64(1700000000000) {
		t.Errorf("unexpected timestamp %v", decoded["timestamp"])
	}
}
