// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/pixelcommons/presence/bus"
)

// SignalingTopic is the bus topic carrying offers, answers, and ICE
// candidates between peer instances.
const SignalingTopic = "signaling"

// BusSignaler completes the signaling handshake over the message bus.
// The Manager produces descriptions and candidates but never transmits
// them; BusSignaler publishes each as an envelope on the signaling
// topic and feeds inbound ones back into the Manager.
//
// Payload shape: {"kind": "offer"|"answer"|"candidate", "to": peerID,
// plus kind-specific fields}. The envelope's source identifies the
// sender, so "from" is never carried in the payload.
type BusSignaler struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// NewBusSignaler creates a signaler publishing through b. Wire the
// Manager's Callbacks.OnICECandidate to PublishCandidate, then Bind
// the manager to receive inbound signaling.
func NewBusSignaler(b *bus.Bus, logger *slog.Logger) *BusSignaler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BusSignaler{bus: b, logger: logger.With("instance", b.InstanceID())}
}

// Call initiates a session with the peer and publishes the offer. The
// remote side's bound signaler answers it.
func (s *BusSignaler) Call(manager *Manager, peerID string, connType ConnectionType) error {
	offer, err := manager.CallUser(peerID, connType)
	if err != nil {
		return fmt.Errorf("calling %s: %w", peerID, err)
	}
	s.bus.SendMessage(SignalingTopic, map[string]any{
		"kind":           "offer",
		"to":             peerID,
		"connectionType": string(connType),
		"sdp":            offer.SDP,
	})
	return nil
}

// PublishCandidate delivers a local ICE candidate to the peer. Meant
// as the Manager's Callbacks.OnICECandidate.
func (s *BusSignaler) PublishCandidate(peerID string, candidate webrtc.ICECandidateInit) {
	payload := map[string]any{
		"kind":      "candidate",
		"to":        peerID,
		"candidate": candidate.Candidate,
	}
	if candidate.SDPMid != nil {
		payload["sdpMid"] = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		payload["sdpMLineIndex"] = int64(*candidate.SDPMLineIndex)
	}
	s.bus.SendMessage(SignalingTopic, payload)
}

// Bind subscribes the manager to inbound signaling envelopes. The
// returned function unsubscribes.
func (s *BusSignaler) Bind(manager *Manager) (unbind func()) {
	return s.bus.On(SignalingTopic, func(envelope bus.Envelope) {
		s.handle(manager, envelope)
	})
}

func (s *BusSignaler) handle(manager *Manager, envelope bus.Envelope) {
	payload, ok := envelope.Data.(map[string]any)
	if !ok {
		return
	}
	if to, _ := payload["to"].(string); to != s.bus.InstanceID() {
		return
	}
	peerID := envelope.Source

	switch kind, _ := payload["kind"].(string); kind {
	case "offer":
		connType := ConnectionType(stringField(payload, "connectionType"))
		if connType == "" {
			connType = ChatConnection
		}
		offer := webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  stringField(payload, "sdp"),
		}
		answer, err := manager.HandleIncomingCall(peerID, offer, connType)
		if err != nil {
			s.logger.Warn("answering offer failed", "peer", peerID, "error", err)
			return
		}
		s.bus.SendMessage(SignalingTopic, map[string]any{
			"kind": "answer",
			"to":   peerID,
			"sdp":  answer.SDP,
		})

	case "answer":
		answer := webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  stringField(payload, "sdp"),
		}
		if err := manager.HandleCallAccepted(peerID, answer); err != nil {
			s.logger.Warn("applying answer failed", "peer", peerID, "error", err)
		}

	case "candidate":
		candidate := webrtc.ICECandidateInit{
			Candidate: stringField(payload, "candidate"),
		}
		if mid, ok := payload["sdpMid"].(string); ok {
			candidate.SDPMid = &mid
		}
		if index, ok := numberField(payload, "sdpMLineIndex"); ok {
			line := uint16(index)
			candidate.SDPMLineIndex = &line
		}
		if err := manager.AddICECandidate(peerID, candidate); err != nil {
			s.logger.Warn("applying candidate failed", "peer", peerID, "error", err)
		}

	default:
		s.logger.Debug("unknown signaling kind", "peer", peerID, "kind", kind)
	}
}

func stringField(payload map[string]any, field string) string {
	value, _ := payload[field].(string)
	return value
}

// numberField reads an integer field that may arrive as float64 (JSON
// via the store) or as a signed or unsigned integer (CBOR via the
// broadcast channel).
func numberField(payload map[string]any, field string) (int64, bool) {
	switch value := payload[field].(type) {
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case uint64:
		return int64(value), true
	case int:
		return int64(value), true
	}
	return 0, false
}
