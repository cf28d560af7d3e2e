package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"

	"camrelay/internal/core/domain"
	rtc "camrelay/internal/infrastructure/webrtc"
)

type fakeMediaPeer struct {
	mu           sync.Mutex
	offerSDP     string
	answers      []string
	candidates   []webrtc.ICECandidateInit
	transceivers []webrtc.RTPCodecType
	closed       bool
	pingRTT      time.Duration
	pingErr      error
}

func (f *fakeMediaPeer) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transceivers = append(f.transceivers, kind)
	return nil
}

func (f *fakeMediaPeer) CreateOffer(ctx context.Context) (string, error) {
	return f.offerSDP, nil
}

func (f *fakeMediaPeer) HandleAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeMediaPeer) HandleRemoteCandidate(cand webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeMediaPeer) Ping(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingRTT, f.pingErr
}

func (f *fakeMediaPeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMediaPeer) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeMediaPeer) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

func (f *fakeMediaPeer) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeMediaPeer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// companionStub scripts the device end of the pairing protocol.
type companionStub struct {
	localID      string
	answer       string
	rejectToken  bool
	beforeAnswer []Envelope
	afterAnswer  []Envelope

	mu        sync.Mutex
	tokenReqs []tokenRequest
	offers    []string
	byes      int
}

func (s *companionStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/pair/token", s.handleToken)
	mux.HandleFunc("/pair", s.handlePair)
	return mux
}

func (s *companionStub) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.tokenReqs = append(s.tokenReqs, req)
	s.mu.Unlock()

	if s.rejectToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	json.NewEncoder(w).Encode(tokenResponse{Token: "tok_test"})
}

func (s *companionStub) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "tok_test" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case TypeCapabilities:
			s.reply(conn, TypeCapabilities, env.From, CapabilitiesPayload{
				DeviceName: "companion",
				Codecs:     []string{"VP8"},
			})

		case TypeOffer:
			var payload SDPPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return
			}
			s.mu.Lock()
			s.offers = append(s.offers, payload.SDP)
			s.mu.Unlock()

			for _, extra := range s.beforeAnswer {
				conn.WriteJSON(extra)
			}
			s.reply(conn, TypeAnswer, env.From, SDPPayload{SDP: s.answer})
			for _, extra := range s.afterAnswer {
				conn.WriteJSON(extra)
			}

		case TypePing:
			conn.WriteJSON(NewEnvelope(TypePong, s.localID, env.From, env.Payload))

		case TypeBye:
			s.mu.Lock()
			s.byes++
			s.mu.Unlock()
			return
		}
	}
}

func (s *companionStub) reply(conn *websocket.Conn, msgType, to string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	conn.WriteJSON(NewEnvelope(msgType, s.localID, to, data))
}

func (s *companionStub) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

func (s *companionStub) byeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byes
}

func (s *companionStub) lastTokenRequest() tokenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokenReqs) == 0 {
		return tokenRequest{}
	}
	return s.tokenReqs[len(s.tokenReqs)-1]
}

func newClientFixture(t *testing.T, stub *companionStub) (*PairingClient, *fakeMediaPeer, string, int) {
	t.Helper()

	if stub.localID == "" {
		stub.localID = "dev_companion"
	}
	if stub.answer == "" {
		stub.answer = testSDP
	}

	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	fake := &fakeMediaPeer{
		offerSDP: testSDP,
		pingErr:  fmt.Errorf("heartbeat channel not open"),
	}

	client := NewPairingClient(ClientConfig{
		LocalID:          "dev_relay",
		DeviceName:       "relay",
		PairingSecret:    "secret",
		HandshakeTimeout: 3 * time.Second,
	}, nil, nil, zaptest.NewLogger(t).Sugar())
	client.newPeer = func(hooks rtc.Hooks) (mediaPeer, error) {
		return fake, nil
	}
	t.Cleanup(client.httpc.CloseIdleConnections)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("failed to split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}

	return client, fake, host, port
}

func TestDialCompletesHandshake(t *testing.T) {
	stub := &companionStub{}
	client, fake, host, port := newClientFixture(t, stub)

	conn, err := client.Dial(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if stub.offerCount() != 1 {
		t.Errorf("expected companion to see one offer, got %d", stub.offerCount())
	}
	if fake.answerCount() != 1 || fake.lastAnswer() != testSDP {
		t.Errorf("expected answer applied to peer, got %d answers", fake.answerCount())
	}

	req := stub.lastTokenRequest()
	if req.DeviceID != "dev_relay" || req.Secret != "secret" {
		t.Errorf("unexpected token request %+v", req)
	}
}

func TestDialTokenRejected(t *testing.T) {
	stub := &companionStub{rejectToken: true}
	client, _, host, port := newClientFixture(t, stub)

	_, err := client.Dial(context.Background(), host, port)
	if err == nil {
		t.Fatal("expected Dial to fail when the token is rejected")
	}
}

func TestDialAppliesTrickledCandidates(t *testing.T) {
	candPayload, err := json.Marshal(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.9 50000 typ host",
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	stub := &companionStub{
		afterAnswer: []Envelope{
			NewEnvelope(TypeICECandidate, "dev_companion", "dev_relay", candPayload),
		},
	}
	client, fake, host, port := newClientFixture(t, stub)

	conn, err := client.Dial(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return fake.candidateCount() == 1 })
}

func TestDialIgnoresForeignAnswer(t *testing.T) {
	foreignPayload, err := json.Marshal(SDPPayload{SDP: "v=0\r\nforeign"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	stub := &companionStub{
		beforeAnswer: []Envelope{
			NewEnvelope(TypeAnswer, "dev_companion", "dev_other", foreignPayload),
		},
	}
	client, fake, host, port := newClientFixture(t, stub)

	conn, err := client.Dial(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if fake.lastAnswer() != testSDP {
		t.Errorf("expected the addressed answer to win, got %q", fake.lastAnswer())
	}
}

func TestPingPrefersMediaHeartbeat(t *testing.T) {
	stub := &companionStub{}
	client, fake, host, port := newClientFixture(t, stub)

	conn, err := client.Dial(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	fake.mu.Lock()
	fake.pingRTT = 25 * time.Millisecond
	fake.pingErr = nil
	fake.mu.Unlock()

	rtt, err := conn.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if rtt != 25*time.Millisecond {
		t.Errorf("expected heartbeat RTT, got %v", rtt)
	}
}

func TestPingFallsBackToPairingChannel(t *testing.T) {
	stub := &companionStub{}
	client, _, host, port := newClientFixture(t, stub)

	conn, err := client.Dial(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rtt, err := conn.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("expected positive RTT, got %v", rtt)
	}
}

func TestByeMarksDeviceGone(t *testing.T) {
	stub := &companionStub{
		afterAnswer: []Envelope{
			NewEnvelope(TypeBye, "dev_companion", "dev_relay", nil),
		},
	}
	client, fake, host, port := newClientFixture(t, stub)

	conn, err := client.Dial(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to close after goodbye")
	}

	if conn.Err() != domain.ErrDeviceGone {
		t.Errorf("expected ErrDeviceGone, got %v", conn.Err())
	}
	waitFor(t, time.Second, func() bool { return fake.isClosed() })
}

func TestCloseSendsBye(t *testing.T) {
	stub := &companionStub{}
	client, fake, host, port := newClientFixture(t, stub)

	conn, err := client.Dial(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return stub.byeCount() == 1 })
	if !fake.isClosed() {
		t.Error("expected media peer closed")
	}
	if conn.Err() == domain.ErrDeviceGone {
		t.Error("local close must not look like a remote goodbye")
	}
}
