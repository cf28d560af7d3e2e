package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/sdp"
	"camrelay/pkg/utils"

	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config tunes how the relay manipulates intercepted connections.
type Config struct {
	SDPManipulation      bool
	StealthTiming        bool
	CandidateRandomize   bool
	CandidateDelayMin    time.Duration
	CandidateDelayMax    time.Duration
	VirtualCandidateSets int
}

// SessionManager intercepts peer connections created through the
// installed factory. Outbound video is swapped for the injected track,
// offers and answers pass through the SDP rewriter, and local
// candidates are paced and mixed with forged ones.
type SessionManager struct {
	cfg      Config
	rewriter *sdp.Rewriter
	forge    *CandidateForge
	metrics  *services.MetricsService
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	factory  ports.ConnectionFactory
	injected webrtc.TrackLocal
	sessions map[domain.SessionID]*Session
}

func NewSessionManager(
	cfg Config,
	rewriter *sdp.Rewriter,
	forge *CandidateForge,
	metrics *services.MetricsService,
	logger *zap.SugaredLogger,
) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		rewriter: rewriter,
		forge:    forge,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[domain.SessionID]*Session),
	}
}

func (m *SessionManager) Install(factory ports.ConnectionFactory) {
	m.mu.Lock()
	m.factory = factory
	m.mu.Unlock()
	m.logger.Infow("connection factory installed")
}

func (m *SessionManager) Installed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.factory != nil
}

// SetInjectedTrack installs the track outbound video is redirected to.
// Connections opened afterwards pick it up; established senders keep
// their current track.
func (m *SessionManager) SetInjectedTrack(track webrtc.TrackLocal) {
	m.mu.Lock()
	m.injected = track
	m.mu.Unlock()
	if track != nil {
		m.logger.Infow("injected track set", "track_id", track.ID())
	} else {
		m.logger.Infow("injected track cleared")
	}
}

// InjectedTrack returns the current redirect target, or nil.
func (m *SessionManager) InjectedTrack() webrtc.TrackLocal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.injected
}

// InterceptFactory wraps a base factory so every connection it creates
// goes through the relay's interception layer.
func (m *SessionManager) InterceptFactory(base ports.ConnectionFactory) ports.ConnectionFactory {
	return &interceptingFactory{mgr: m, base: base}
}

// RewriteSDP runs a session description through the configured rewrite
// steps. With manipulation disabled the description comes back as is.
func (m *SessionManager) RewriteSDP(raw string, kind string) (string, error) {
	if !m.cfg.SDPManipulation {
		return raw, nil
	}
	out := m.rewriter.Rewrite(raw)
	if out != raw {
		m.metrics.RecordSDPRewrite(kind)
		m.logger.Debugw("session description rewritten", "kind", kind)
	}
	return out, nil
}

// ForgeCandidates fabricates n sets of virtual candidates and counts
// them as injected.
func (m *SessionManager) ForgeCandidates(sets int) []*domain.VirtualCandidate {
	out := m.forge.ForgeSets(sets)
	for range out {
		m.metrics.RecordCandidateInjected()
	}
	return out
}

func (m *SessionManager) NewSession(ctx context.Context) (ports.RelaySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	factory := m.factory
	m.mu.RUnlock()
	if factory == nil {
		m.logger.Warnw("no connection factory installed, relay unavailable")
		return nil, domain.ErrNoFactory
	}

	conn, err := factory.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("failed to create relay connection: %w", err)
	}

	sess := &Session{
		id:   domain.SessionID(utils.GenerateSessionID()),
		conn: m.interceptConn(conn),
		mgr:  m,
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.metrics.RecordSessionOpened()
	m.logger.Infow("relay session opened", "session_id", sess.id)
	return sess, nil
}

func (m *SessionManager) CloseSession(id domain.SessionID) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return domain.ErrSessionNotFound
	}

	err := sess.conn.Close()
	m.metrics.RecordSessionClosed()
	m.logger.Infow("relay session closed", "session_id", id)
	return err
}

func (m *SessionManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[domain.SessionID]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.conn.Close(); err != nil {
			m.logger.Warnw("failed to close relay session", "session_id", sess.id, "error", err)
		}
		m.metrics.RecordSessionClosed()
	}

	m.logger.Infow("relay shut down", "closed_sessions", len(sessions))
}

func (m *SessionManager) interceptConn(base ports.PeerConnection) ports.PeerConnection {
	return &interceptedConn{base: base, mgr: m}
}

type interceptingFactory struct {
	mgr  *SessionManager
	base ports.ConnectionFactory
}

func (f *interceptingFactory) NewPeerConnection(config webrtc.Configuration) (ports.PeerConnection, error) {
	conn, err := f.base.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	return f.mgr.interceptConn(conn), nil
}

// interceptedConn decorates a peer connection with the relay's
// manipulations while keeping the full connection surface intact.
type interceptedConn struct {
	base    ports.PeerConnection
	mgr     *SessionManager
	pending sync.WaitGroup
}

func (c *interceptedConn) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	desc, err := c.base.CreateOffer(options)
	if err != nil {
		return desc, err
	}
	desc.SDP, _ = c.mgr.RewriteSDP(desc.SDP, "offer")
	return desc, nil
}

func (c *interceptedConn) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	desc, err := c.base.CreateAnswer(options)
	if err != nil {
		return desc, err
	}
	desc.SDP, _ = c.mgr.RewriteSDP(desc.SDP, "answer")
	return desc, nil
}

func (c *interceptedConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.base.SetLocalDescription(desc)
}

func (c *interceptedConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.base.SetRemoteDescription(desc)
}

// AddTrack swaps outbound video for the injected track when one is set.
// Audio and other kinds pass through untouched.
func (c *interceptedConn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if track != nil && track.Kind() == webrtc.RTPCodecTypeVideo {
		if injected := c.mgr.InjectedTrack(); injected != nil {
			c.mgr.logger.Debugw("redirecting outbound video to injected track",
				"original_track", track.ID(),
				"injected_track", injected.ID(),
			)
			return c.base.AddTrack(injected)
		}
	}
	return c.base.AddTrack(track)
}

func (c *interceptedConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.base.AddICECandidate(candidate)
}

// OnICECandidate paces real candidates through the stealth delay window
// and appends forged ones before the end-of-gathering signal.
func (c *interceptedConn) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.base.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			go c.finishGathering(f)
			return
		}
		c.deliver(cand, f)
	})
}

func (c *interceptedConn) deliver(cand *webrtc.ICECandidate, f func(*webrtc.ICECandidate)) {
	cfg := c.mgr.cfg
	if !cfg.StealthTiming {
		f(cand)
		return
	}
	c.pending.Add(1)
	delay := c.mgr.forge.Jitter(cfg.CandidateDelayMin, cfg.CandidateDelayMax)
	time.AfterFunc(delay, func() {
		defer c.pending.Done()
		f(cand)
	})
}

// finishGathering waits for delayed candidates to flush, emits the
// forged ones, then signals end of gathering.
func (c *interceptedConn) finishGathering(f func(*webrtc.ICECandidate)) {
	c.pending.Wait()

	cfg := c.mgr.cfg
	if cfg.CandidateRandomize && cfg.VirtualCandidateSets > 0 {
		for _, vc := range c.mgr.ForgeCandidates(cfg.VirtualCandidateSets) {
			if cfg.StealthTiming {
				time.Sleep(c.mgr.forge.Jitter(cfg.CandidateDelayMin, cfg.CandidateDelayMax))
			}
			f(AsICECandidate(vc))
		}
	}
	f(nil)
}

func (c *interceptedConn) ConnectionState() webrtc.PeerConnectionState {
	return c.base.ConnectionState()
}

func (c *interceptedConn) Close() error {
	return c.base.Close()
}

// Session is one intercepted relay connection.
type Session struct {
	id   domain.SessionID
	conn ports.PeerConnection
	mgr  *SessionManager
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := s.conn.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (s *Session) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := s.conn.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (s *Session) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return s.conn.AddTrack(track)
}

func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.conn.AddICECandidate(candidate)
}

func (s *Session) OnICECandidate(f func(*webrtc.ICECandidate)) {
	s.conn.OnICECandidate(f)
}

func (s *Session) Close() error {
	err := s.mgr.CloseSession(s.id)
	if err == domain.ErrSessionNotFound {
		return nil
	}
	return err
}
