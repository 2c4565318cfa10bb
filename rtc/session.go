// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// ConnectionType selects what a session carries beyond the data
// channel.
type ConnectionType string

const (
	ChatConnection  ConnectionType = "chat"
	AudioConnection ConnectionType = "audio"
	VideoConnection ConnectionType = "video"
)

// wantsMedia reports whether the type warrants attaching local tracks.
func (t ConnectionType) wantsMedia() bool {
	return t == AudioConnection || t == VideoConnection
}

// SessionState is the derived per-session state.
type SessionState int

const (
	StateNew SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// terminal reports whether the state ends the session.
func (s SessionState) terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// session is one negotiated connection to a remote peer. Created on
// the first CallUser or HandleIncomingCall for the peer id; destroyed
// on explicit disconnect or a terminal transport transition.
//
// The connected and terminated Onces are what make the lifecycle
// callbacks exactly-once: the transport may report Connected after
// Disconnected-then-recovered, or several terminal states in a row,
// and consumers see one OnUserConnected and one OnUserDisconnected
// regardless.
type session struct {
	peerID   string
	connType ConnectionType
	pc       *webrtc.PeerConnection
	remote   *RemoteStream

	mu       sync.Mutex
	state    SessionState
	dataCh   *webrtc.DataChannel
	dataOpen bool

	connected  sync.Once
	terminated sync.Once
}

func (s *session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = state
}

func (s *session) currentState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// attachDataChannel wires message delivery and open/close tracking for
// the session's data channel, whichever side created it.
func (s *session) attachDataChannel(dc *webrtc.DataChannel, onMessage func(peerID string, payload []byte)) {
	s.mu.Lock()
	s.dataCh = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.mu.Lock()
		s.dataOpen = true
		s.mu.Unlock()
	})
	dc.OnClose(func() {
		s.mu.Lock()
		s.dataOpen = false
		s.mu.Unlock()
	})
	if onMessage != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			onMessage(s.peerID, msg.Data)
		})
	}
}

// send writes payload to the data channel if it is open. The boolean
// result is the API contract: "channel not yet open" is an expected
// transient, not an error.
func (s *session) send(payload []byte) bool {
	s.mu.Lock()
	dc, open := s.dataCh, s.dataOpen
	s.mu.Unlock()

	if dc == nil || !open {
		return false
	}
	return dc.Send(payload) == nil
}

// close tears down the data channel, then the connection. Idempotent.
func (s *session) close() {
	s.mu.Lock()
	dc := s.dataCh
	s.dataCh = nil
	s.dataOpen = false
	s.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	_ = s.pc.Close()
}
