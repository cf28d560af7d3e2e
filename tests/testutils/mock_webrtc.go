package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

// MockPeerConnection records the calls the relay makes against an
// intercepted connection without touching the network.
type MockPeerConnection struct {
	mu         sync.Mutex
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	tracks     []webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	onICE      func(*webrtc.ICECandidate)
	closed     bool
}

func (m *MockPeerConnection) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=rtpmap:96 VP8/90000\r\n",
	}, nil
}

func (m *MockPeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=rtpmap:96 VP8/90000\r\n",
	}, nil
}

func (m *MockPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localDesc = &desc
	return nil
}

func (m *MockPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteDesc = &desc
	return nil
}

func (m *MockPeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, track)
	return &webrtc.RTPSender{}, nil
}

func (m *MockPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, candidate)
	return nil
}

func (m *MockPeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = f
}

func (m *MockPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return webrtc.PeerConnectionStateClosed
	}
	return webrtc.PeerConnectionStateNew
}

func (m *MockPeerConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// AddedTracks returns the tracks handed to AddTrack so far.
func (m *MockPeerConnection) AddedTracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// IsClosed reports whether Close was called.
func (m *MockPeerConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockConnectionFactory hands out mock connections and remembers them.
type MockConnectionFactory struct {
	mu    sync.Mutex
	conns []*MockPeerConnection
}

func (f *MockConnectionFactory) NewPeerConnection(webrtc.Configuration) (ports.PeerConnection, error) {
	conn := &MockPeerConnection{}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

// Connections returns every connection the factory produced.
func (f *MockConnectionFactory) Connections() []*MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*MockPeerConnection, len(f.conns))
	copy(out, f.conns)
	return out
}

// MockDeviceConn is an always-healthy pairing link until Close or Fail.
type MockDeviceConn struct {
	RTT time.Duration

	mu     sync.Mutex
	closed chan struct{}
	err    error
	once   sync.Once
}

func NewMockDeviceConn() *MockDeviceConn {
	return &MockDeviceConn{
		RTT:    5 * time.Millisecond,
		closed: make(chan struct{}),
	}
}

func (c *MockDeviceConn) Ping(ctx context.Context) (time.Duration, error) {
	select {
	case <-c.closed:
		return 0, c.Err()
	default:
		return c.RTT, nil
	}
}

func (c *MockDeviceConn) Closed() <-chan struct{} { return c.closed }

func (c *MockDeviceConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *MockDeviceConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Fail drops the link with the given error, as if the device vanished.
func (c *MockDeviceConn) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
}

// MockDeviceConnector dials mock links, or refuses when DialErr is set.
type MockDeviceConnector struct {
	DialErr error

	mu    sync.Mutex
	conns []*MockDeviceConn
}

func (d *MockDeviceConnector) Dial(ctx context.Context, address string, port int) (ports.DeviceConn, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	conn := NewMockDeviceConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Links returns every link the connector handed out.
func (d *MockDeviceConnector) Links() []*MockDeviceConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockDeviceConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// CollectingSink buffers signed frames instead of writing them to a track.
type CollectingSink struct {
	mu     sync.Mutex
	frames []*domain.Frame
	sigs   []*domain.FrameSignature
}

func (s *CollectingSink) WriteFrame(frame *domain.Frame, sig *domain.FrameSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	s.sigs = append(s.sigs, sig)
	return nil
}

// Count returns how many frames reached the sink.
func (s *CollectingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Last returns the most recent frame and signature, or nils.
func (s *CollectingSink) Last() (*domain.Frame, *domain.FrameSignature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, nil
	}
	return s.frames[len(s.frames)-1], s.sigs[len(s.sigs)-1]
}

// RecordingPublisher keeps published events for assertions.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *RecordingPublisher) Publish(event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns a copy of everything published so far.
func (p *RecordingPublisher) Events() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Event, len(p.events))
	copy(out, p.events)
	return out
}

// EventTypes returns just the type of each published event, in order.
func (p *RecordingPublisher) EventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, string(e.Type))
	}
	return out
}
