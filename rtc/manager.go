// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package rtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pixelcommons/presence/lib/clock"
)

// ErrNoSuchSession reports an operation referencing a peer id with no
// active session. Surfaced to the caller as a no-op-with-error; never
// fatal to the manager.
var ErrNoSuchSession = errors.New("rtc: no such session")

// Callbacks are the consumer-facing lifecycle notifications. Nil
// entries are skipped. Callbacks run on pion's internal goroutines and
// must not block.
type Callbacks struct {
	// OnUserConnected fires exactly once per session that reaches
	// CONNECTED. stream is nil for chat sessions and for media
	// sessions that received zero tracks by then.
	OnUserConnected func(peerID string, connType ConnectionType, stream *RemoteStream)

	// OnUserDisconnected fires exactly once per session that reaches a
	// terminal state, including sessions that never connected.
	OnUserDisconnected func(peerID string)

	// OnMessageReceived fires per inbound data channel message, in
	// channel order.
	OnMessageReceived func(peerID string, payload []byte)

	// OnStreamReceived fires as remote tracks arrive. It may fire
	// before CONNECTED and must not be used as a readiness signal.
	OnStreamReceived func(peerID string, stream *RemoteStream)

	// OnICECandidate fires for each local candidate to be delivered to
	// the peer out of band. BusSignaler.PublishCandidate is the usual
	// target.
	OnICECandidate func(peerID string, candidate webrtc.ICECandidateInit)
}

// Config configures a Manager.
type Config struct {
	// ICEServers are STUN/TURN URLs for webrtc.Configuration.
	ICEServers []string

	// Media provides local capture. Nil means InitLocalStream always
	// fails with ErrMediaAccessDenied.
	Media MediaDevices

	// Clock defaults to clock.Real(). The pending candidate buffer
	// uses it for expiry.
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger

	Callbacks Callbacks
}

// Manager owns every peer session for one instance. Safe for
// concurrent use.
type Manager struct {
	media     MediaDevices
	logger    *slog.Logger
	callbacks Callbacks
	iceConfig webrtc.Configuration
	api       *webrtc.API
	pending   *pendingBuffer

	mu       sync.Mutex
	sessions map[string]*session
	local    *LocalStream
}

// NewManager creates a Manager with no sessions and no local capture.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	iceConfig := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		iceConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	// Loopback candidates allow same-machine sessions, which is the
	// common case for co-located instances and the only case in test
	// environments.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &Manager{
		media:     cfg.Media,
		logger:    logger,
		callbacks: cfg.Callbacks,
		iceConfig: iceConfig,
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		pending:   newPendingBuffer(clk),
		sessions:  make(map[string]*session),
	}
}

// InitLocalStream acquires local capture. An already-active capture is
// stopped and released first; two captures never run concurrently.
// Returns ErrMediaAccessDenied (wrapped) when the platform refuses.
func (m *Manager) InitLocalStream(audio, video bool) error {
	if m.media == nil {
		return fmt.Errorf("acquiring local media: %w", ErrMediaAccessDenied)
	}

	m.StopLocalStream()

	stream, err := m.media.GetUserMedia(audio, video)
	if err != nil {
		return fmt.Errorf("acquiring local media: %w", err)
	}

	m.mu.Lock()
	m.local = stream
	m.mu.Unlock()

	m.logger.Info("local capture started", "audio", audio, "video", video)
	return nil
}

// StopLocalStream releases the local capture if one is active.
// Idempotent.
func (m *Manager) StopLocalStream() {
	m.mu.Lock()
	stream := m.local
	m.local = nil
	m.mu.Unlock()

	if stream != nil {
		stream.Close()
		m.logger.Info("local capture stopped")
	}
}

// LocalStream returns the active capture, or nil.
func (m *Manager) LocalStream() *LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// ToggleAudio mutes or unmutes local audio without renegotiating any
// session. Returns the new enabled state; false when no capture is
// active.
func (m *Manager) ToggleAudio() bool {
	stream := m.LocalStream()
	if stream == nil {
		return false
	}
	return stream.ToggleAudio()
}

// ToggleVideo mutes or unmutes local video. Returns the new enabled
// state; false when no capture is active.
func (m *Manager) ToggleVideo() bool {
	stream := m.LocalStream()
	if stream == nil {
		return false
	}
	return stream.ToggleVideo()
}

// CallUser ensures a session to the peer and returns the local offer
// for out-of-band delivery. The session attaches local tracks when the
// type warrants it and a capture is active, and always opens one
// ordered reliable data channel labeled "chat". A valid offer is
// produced even with zero local tracks.
func (m *Manager) CallUser(peerID string, connType ConnectionType) (webrtc.SessionDescription, error) {
	sess, err := m.createSession(peerID, connType)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	dc, err := sess.pc.CreateDataChannel("chat", &webrtc.DataChannelInit{
		Ordered: ptr(true),
	})
	if err != nil {
		m.terminate(sess, StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("creating data channel for %s: %w", peerID, err)
	}
	sess.attachDataChannel(dc, m.callbacks.OnMessageReceived)

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		m.terminate(sess, StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("creating offer for %s: %w", peerID, err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		m.terminate(sess, StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description for %s: %w", peerID, err)
	}

	sess.setState(StateConnecting)
	m.logger.Info("calling peer", "peer", peerID, "type", connType)
	return offer, nil
}

// HandleIncomingCall ensures a session, applies the remote offer, and
// returns the local answer for out-of-band delivery.
func (m *Manager) HandleIncomingCall(peerID string, offer webrtc.SessionDescription, connType ConnectionType) (webrtc.SessionDescription, error) {
	sess, err := m.createSession(peerID, connType)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := sess.pc.SetRemoteDescription(offer); err != nil {
		m.terminate(sess, StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("applying offer from %s: %w", peerID, err)
	}
	sess.setState(StateConnecting)
	m.flushPending(sess)

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		m.terminate(sess, StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer for %s: %w", peerID, err)
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		m.terminate(sess, StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description for %s: %w", peerID, err)
	}

	m.logger.Info("answered incoming call", "peer", peerID, "type", connType)
	return answer, nil
}

// HandleCallAccepted applies a remote answer to an existing session.
// Returns ErrNoSuchSession when the peer was never called.
func (m *Manager) HandleCallAccepted(peerID string, answer webrtc.SessionDescription) error {
	sess, ok := m.lookup(peerID)
	if !ok {
		return fmt.Errorf("accepting answer from %s: %w", peerID, ErrNoSuchSession)
	}

	if err := sess.pc.SetRemoteDescription(answer); err != nil {
		m.terminate(sess, StateFailed)
		return fmt.Errorf("applying answer from %s: %w", peerID, err)
	}
	m.flushPending(sess)
	return nil
}

// AddICECandidate applies a remote candidate to the peer's session.
// Candidates that arrive before the session exists, or before its
// remote description is set, are buffered and flushed when the session
// is ready; buffered entries expire after 30 seconds.
func (m *Manager) AddICECandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	sess, ok := m.lookup(peerID)
	if !ok || sess.pc.RemoteDescription() == nil {
		m.pending.add(peerID, candidate)
		return nil
	}

	if err := sess.pc.AddICECandidate(candidate); err != nil {
		m.terminate(sess, StateFailed)
		return fmt.Errorf("applying candidate from %s: %w", peerID, err)
	}
	return nil
}

// SendMessage writes payload to the peer's data channel. Returns false
// when no session exists or the channel is not open yet; both are
// expected transients, not errors.
func (m *Manager) SendMessage(peerID string, payload []byte) bool {
	sess, ok := m.lookup(peerID)
	if !ok {
		return false
	}
	return sess.send(payload)
}

// DisconnectFromUser closes the peer's session: data channel first,
// then the connection. Idempotent; fires OnUserDisconnected for a
// session that existed.
func (m *Manager) DisconnectFromUser(peerID string) {
	sess, ok := m.lookup(peerID)
	if !ok {
		return
	}
	m.terminate(sess, StateClosed)
}

// DisconnectFromAll closes every session.
func (m *Manager) DisconnectFromAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		m.terminate(sess, StateClosed)
	}
}

// ActivePeers returns the peer ids with a live session.
func (m *Manager) ActivePeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.sessions))
	for peerID := range m.sessions {
		peers = append(peers, peerID)
	}
	return peers
}

// SessionState returns the state of the peer's session.
func (m *Manager) SessionState(peerID string) (SessionState, error) {
	sess, ok := m.lookup(peerID)
	if !ok {
		return StateClosed, fmt.Errorf("inspecting session %s: %w", peerID, ErrNoSuchSession)
	}
	return sess.currentState(), nil
}

// Close disconnects every session and stops the local capture.
func (m *Manager) Close() error {
	m.DisconnectFromAll()
	m.StopLocalStream()
	return nil
}

func (m *Manager) lookup(peerID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[peerID]
	return sess, ok
}

// createSession builds a fresh session for the peer, replacing (and
// terminating) any existing one. The original calling flow always
// renegotiates from scratch rather than reusing a connection.
func (m *Manager) createSession(peerID string, connType ConnectionType) (*session, error) {
	if existing, ok := m.lookup(peerID); ok {
		m.terminate(existing, StateClosed)
	}

	pc, err := m.api.NewPeerConnection(m.iceConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection to %s: %w", peerID, err)
	}

	sess := &session{
		peerID:   peerID,
		connType: connType,
		pc:       pc,
		remote:   &RemoteStream{},
		state:    StateNew,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || m.callbacks.OnICECandidate == nil {
			return
		}
		m.callbacks.OnICECandidate(peerID, candidate.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sess.remote.add(track)
		if m.callbacks.OnStreamReceived != nil {
			m.callbacks.OnStreamReceived(peerID, sess.remote)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		sess.attachDataChannel(dc, m.callbacks.OnMessageReceived)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleConnectionStateChange(sess, state)
	})

	// Local tracks ride along only for media sessions with an active
	// capture. A chat session, or a caller with no capture, still
	// produces a valid offer.
	if connType.wantsMedia() {
		if stream := m.LocalStream(); stream != nil {
			for _, track := range stream.Tracks() {
				if _, err := pc.AddTrack(track); err != nil {
					_ = pc.Close()
					return nil, fmt.Errorf("attaching local track for %s: %w", peerID, err)
				}
			}
		}
	}

	m.mu.Lock()
	m.sessions[peerID] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) handleConnectionStateChange(sess *session, state webrtc.PeerConnectionState) {
	m.logger.Debug("connection state change",
		"peer", sess.peerID,
		"state", state.String(),
	)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		sess.setState(StateConnected)
		sess.connected.Do(func() {
			var stream *RemoteStream
			if sess.connType.wantsMedia() && !sess.remote.empty() {
				stream = sess.remote
			}
			if m.callbacks.OnUserConnected != nil {
				m.callbacks.OnUserConnected(sess.peerID, sess.connType, stream)
			}
			m.logger.Info("peer connected", "peer", sess.peerID, "type", sess.connType)
		})

	case webrtc.PeerConnectionStateFailed:
		m.terminate(sess, StateFailed)

	case webrtc.PeerConnectionStateDisconnected:
		m.terminate(sess, StateDisconnected)

	case webrtc.PeerConnectionStateClosed:
		m.terminate(sess, StateClosed)
	}
}

// terminate drives a session to its terminal state: removed from the
// active set, transport closed, OnUserDisconnected fired. Exactly once
// per session regardless of how many paths reach here; failure of one
// session never touches another.
func (m *Manager) terminate(sess *session, state SessionState) {
	sess.terminated.Do(func() {
		sess.mu.Lock()
		sess.state = state
		sess.mu.Unlock()

		m.mu.Lock()
		if current, ok := m.sessions[sess.peerID]; ok && current == sess {
			delete(m.sessions, sess.peerID)
		}
		m.mu.Unlock()

		sess.close()

		if m.callbacks.OnUserDisconnected != nil {
			m.callbacks.OnUserDisconnected(sess.peerID)
		}
		m.logger.Info("peer disconnected", "peer", sess.peerID, "state", state.String())
	})
}

// flushPending applies candidates buffered before the session's remote
// description was set.
func (m *Manager) flushPending(sess *session) {
	for _, candidate := range m.pending.take(sess.peerID) {
		if err := sess.pc.AddICECandidate(candidate); err != nil {
			m.logger.Warn("applying buffered candidate failed",
				"peer", sess.peerID,
				"error", err,
			)
		}
	}
}

func ptr[T any](v T) *T { return &v }
