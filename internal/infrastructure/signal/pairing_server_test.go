package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type fakeResponder struct {
	mu         sync.Mutex
	caps       CapabilitiesPayload
	answer     string
	offers     []string
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (f *fakeResponder) Capabilities() CapabilitiesPayload {
	return f.caps
}

func (f *fakeResponder) HandleOffer(ctx context.Context, sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sdp)
	return f.answer, nil
}

func (f *fakeResponder) HandleRemoteCandidate(cand webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeResponder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeResponder) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeResponder) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeResponder) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type serverFixture struct {
	server    *PairingServer
	http      *httptest.Server
	auth      services.PairingAuthService
	responder *fakeResponder

	mu     sync.Mutex
	builds int
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	f := &serverFixture{
		auth: services.NewPairingAuthService("secret", "jwt-test-secret", time.Minute, time.Hour),
		responder: &fakeResponder{
			caps:   CapabilitiesPayload{DeviceName: "companion", Codecs: []string{"VP8"}},
			answer: testSDP,
		},
	}

	factory := func(send SendFunc) (Responder, error) {
		f.mu.Lock()
		f.builds++
		f.mu.Unlock()
		return f.responder, nil
	}

	f.server = NewPairingServer("dev_companion", f.auth, factory, zaptest.NewLogger(t).Sugar())

	mux := http.NewServeMux()
	mux.HandleFunc("/pair", f.server.HandlePairing)
	f.http = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.server.Shutdown()
		f.http.Close()
	})

	return f
}

func (f *serverFixture) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *serverFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	token, err := f.auth.GenerateToken("dev_relay", "relay")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	wsURL := "ws" + f.http.URL[4:] + "/pair?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial pairing server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		raw = data
	}
	if err := conn.WriteJSON(NewEnvelope(msgType, "dev_relay", "dev_companion", raw)); err != nil {
		t.Fatalf("failed to send envelope: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("failed to read envelope: %v", err)
	}
	return env
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

func TestPairingRejectsBadToken(t *testing.T) {
	f := newServerFixture(t)

	wsURL := "ws" + f.http.URL[4:] + "/pair?token=garbage"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected dial to fail without a valid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %+v", resp)
	}
}

func TestPairingRejectsMissingToken(t *testing.T) {
	f := newServerFixture(t)

	wsURL := "ws" + f.http.URL[4:] + "/pair"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %+v", resp)
	}
}

func TestPairingCapabilitiesExchange(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, TypeCapabilities, CapabilitiesPayload{
		DeviceName: "relay",
		Codecs:     []string{"VP8", "H264"},
	})

	env := readEnvelope(t, conn)
	if env.Type != TypeCapabilities {
		t.Fatalf("expected capabilities reply, got %s", env.Type)
	}
	if env.From != "dev_companion" || env.To != "dev_relay" {
		t.Errorf("unexpected addressing from=%s to=%s", env.From, env.To)
	}

	var caps CapabilitiesPayload
	if err := json.Unmarshal(env.Payload, &caps); err != nil {
		t.Fatalf("failed to decode capabilities: %v", err)
	}
	if caps.DeviceName != "companion" {
		t.Errorf("expected companion capabilities, got %+v", caps)
	}
	if f.buildCount() != 1 {
		t.Errorf("expected one responder built, got %d", f.buildCount())
	}
}

func TestPairingOfferAnswer(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, TypeCapabilities, CapabilitiesPayload{DeviceName: "relay"})
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypeOffer, SDPPayload{SDP: testSDP})

	env := readEnvelope(t, conn)
	if env.Type != TypeAnswer {
		t.Fatalf("expected answer, got %s", env.Type)
	}

	var payload SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("failed to decode answer: %v", err)
	}
	if payload.SDP != testSDP {
		t.Errorf("unexpected answer SDP %q", payload.SDP)
	}
	if f.responder.offerCount() != 1 {
		t.Errorf("expected responder to see one offer, got %d", f.responder.offerCount())
	}
}

func TestPairingMalformedOfferIgnored(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, TypeCapabilities, CapabilitiesPayload{DeviceName: "relay"})
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypeOffer, SDPPayload{SDP: "this is not a session description"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected no reply to a malformed offer, got %s", env.Type)
	}
	if f.responder.offerCount() != 0 {
		t.Errorf("expected responder untouched, got %d offers", f.responder.offerCount())
	}
}

func TestPairingCandidateRouting(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, TypeCapabilities, CapabilitiesPayload{DeviceName: "relay"})
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypeICECandidate, webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.7 50000 typ host",
	})

	waitFor(t, time.Second, func() bool { return f.responder.candidateCount() == 1 })
}

func TestPairingCandidateWithoutSessionRejected(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, TypeICECandidate, webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.7 50000 typ host",
	})

	time.Sleep(50 * time.Millisecond)
	if f.responder.candidateCount() != 0 {
		t.Errorf("expected candidate dropped before capabilities, got %d", f.responder.candidateCount())
	}
}

func TestPairingForeignMessagesDiscarded(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	// Looped back from the server's own identity.
	if err := conn.WriteJSON(NewEnvelope(TypeCapabilities, "dev_companion", "", nil)); err != nil {
		t.Fatalf("failed to send envelope: %v", err)
	}
	// Addressed to somebody else.
	if err := conn.WriteJSON(NewEnvelope(TypeCapabilities, "dev_relay", "dev_other", nil)); err != nil {
		t.Fatalf("failed to send envelope: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if f.buildCount() != 0 {
		t.Errorf("expected no responder for foreign messages, got %d", f.buildCount())
	}
}

func TestPairingPingPong(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, TypePing, PingPayload{Nonce: 42})

	env := readEnvelope(t, conn)
	if env.Type != TypePong {
		t.Fatalf("expected pong, got %s", env.Type)
	}
	var payload PingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("failed to decode pong: %v", err)
	}
	if payload.Nonce != 42 {
		t.Errorf("expected nonce echoed, got %d", payload.Nonce)
	}
}

func TestPairingByeCleansUp(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, TypeCapabilities, CapabilitiesPayload{DeviceName: "relay"})
	readEnvelope(t, conn)

	waitFor(t, time.Second, func() bool { return f.server.IsDeviceConnected("dev_relay") })

	sendEnvelope(t, conn, TypeBye, nil)

	waitFor(t, time.Second, func() bool { return !f.server.IsDeviceConnected("dev_relay") })
	waitFor(t, time.Second, func() bool { return f.responder.isClosed() })
}

func TestPairingReconnectReplacesSession(t *testing.T) {
	f := newServerFixture(t)

	first := f.dial(t)
	sendEnvelope(t, first, TypeCapabilities, CapabilitiesPayload{DeviceName: "relay"})
	readEnvelope(t, first)

	second := f.dial(t)
	sendEnvelope(t, second, TypeCapabilities, CapabilitiesPayload{DeviceName: "relay"})
	readEnvelope(t, second)

	// The first socket gets closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		if err := first.ReadJSON(&env); err != nil {
			break
		}
	}

	devices := f.server.ConnectedDevices()
	if len(devices) != 1 || devices[0] != domain.DeviceID("dev_relay") {
		t.Errorf("expected a single session for dev_relay, got %v", devices)
	}
}

func TestValidateSDP(t *testing.T) {
	tests := []struct {
		name    string
		sdp     string
		wantErr bool
	}{
		{"valid", testSDP, false},
		{"empty", "", true},
		{"wrong prefix", "o=- 0 0 IN IP4 127.0.0.1\r\n", true},
		{"missing timing", "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSDP(tt.sdp)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
