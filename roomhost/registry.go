// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package roomhost

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/pixelcommons/presence/bus"
)

// Bus topics the registry replicates over.
const (
	HostsTopic     = "hosts"
	RequestsTopic  = "requests"
	ApprovalsTopic = "approvals"
)

// Callbacks notify the application of registry traffic addressed to
// it. Nil entries are skipped. Callbacks run on the bus dispatch
// goroutine and must not block.
type Callbacks struct {
	// OnHostsUpdated fires after an inbound hosts update replaces the
	// local view.
	OnHostsUpdated func(hosts map[string]string)

	// OnJoinRequest fires on the hosting instance when another
	// instance asks to join a room it hosts.
	OnJoinRequest func(roomID, requesterID string)

	// OnJoinApproved and OnJoinDenied fire on the requesting instance
	// when the host answers.
	OnJoinApproved func(roomID string)
	OnJoinDenied   func(roomID string)
}

// Registry is one instance's replica of the room→host map plus the
// join-request protocol around it.
type Registry struct {
	bus       *bus.Bus
	logger    *slog.Logger
	callbacks Callbacks

	mu    sync.Mutex
	hosts map[string]string // room id → hosting instance id
}

// NewRegistry creates a registry replicating over b. Call Attach to
// start receiving updates.
func NewRegistry(b *bus.Bus, callbacks Callbacks, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		bus:       b,
		logger:    logger.With("instance", b.InstanceID()),
		callbacks: callbacks,
		hosts:     make(map[string]string),
	}
}

// Attach subscribes the registry to its bus topics. The returned
// function unsubscribes.
func (r *Registry) Attach() (detach func()) {
	offHosts := r.bus.On(HostsTopic, r.handleHosts)
	offRequests := r.bus.On(RequestsTopic, r.handleRequest)
	offApprovals := r.bus.On(ApprovalsTopic, r.handleApproval)
	return func() {
		offHosts()
		offRequests()
		offApprovals()
	}
}

// BecomeHost claims a room for this instance and replicates the new
// view. A concurrent claim by another instance is resolved by
// last-received-wins at each observer.
func (r *Registry) BecomeHost(roomID string) {
	r.mu.Lock()
	r.hosts[roomID] = r.bus.InstanceID()
	view := maps.Clone(r.hosts)
	r.mu.Unlock()

	r.publishHosts(view)
	r.logger.Info("claimed room", "room", roomID)
}

// ReleaseHost drops this instance's claim on a room. Releasing a room
// hosted by someone else is a no-op.
func (r *Registry) ReleaseHost(roomID string) {
	r.mu.Lock()
	if r.hosts[roomID] != r.bus.InstanceID() {
		r.mu.Unlock()
		return
	}
	delete(r.hosts, roomID)
	view := maps.Clone(r.hosts)
	r.mu.Unlock()

	r.publishHosts(view)
	r.logger.Info("released room", "room", roomID)
}

// HostOf returns the instance currently hosting a room, per this
// replica's view.
func (r *Registry) HostOf(roomID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	host, ok := r.hosts[roomID]
	return host, ok
}

// Hosts returns a copy of this replica's room→host view.
func (r *Registry) Hosts() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.hosts)
}

// RequestJoin asks the current host of a room to admit this instance.
func (r *Registry) RequestJoin(roomID string) {
	r.bus.SendMessage(RequestsTopic, map[string]any{
		"action":      "join_request",
		"roomId":      roomID,
		"requesterId": r.bus.InstanceID(),
	})
}

// Approve admits a requester to a room this instance hosts.
func (r *Registry) Approve(roomID, requesterID string) {
	r.answer("join_approved", roomID, requesterID)
}

// Deny refuses a requester.
func (r *Registry) Deny(roomID, requesterID string) {
	r.answer("join_denied", roomID, requesterID)
}

func (r *Registry) answer(action, roomID, requesterID string) {
	r.bus.SendMessage(ApprovalsTopic, map[string]any{
		"action":      action,
		"roomId":      roomID,
		"requesterId": requesterID,
	})
}

func (r *Registry) publishHosts(view map[string]string) {
	// The payload crosses JSON and CBOR, both of which decode maps as
	// map[string]any.
	hosts := make(map[string]any, len(view))
	for room, host := range view {
		hosts[room] = host
	}
	r.bus.SendMessage(HostsTopic, map[string]any{
		"action": "update_hosts",
		"hosts":  hosts,
	})
}

// handleHosts adopts an inbound view wholesale: the last update
// received is the authoritative one at this replica.
func (r *Registry) handleHosts(envelope bus.Envelope) {
	payload, ok := envelope.Data.(map[string]any)
	if !ok {
		return
	}
	if action, _ := payload["action"].(string); action != "update_hosts" {
		return
	}
	raw, ok := payload["hosts"].(map[string]any)
	if !ok {
		return
	}

	hosts := make(map[string]string, len(raw))
	for room, host := range raw {
		if name, ok := host.(string); ok {
			hosts[room] = name
		}
	}

	r.mu.Lock()
	r.hosts = hosts
	r.mu.Unlock()

	if r.callbacks.OnHostsUpdated != nil {
		r.callbacks.OnHostsUpdated(maps.Clone(hosts))
	}
	r.logger.Debug("adopted hosts view", "from", envelope.Source, "rooms", len(hosts))
}

// handleRequest surfaces join requests for rooms this instance hosts.
func (r *Registry) handleRequest(envelope bus.Envelope) {
	payload, ok := envelope.Data.(map[string]any)
	if !ok {
		return
	}
	if action, _ := payload["action"].(string); action != "join_request" {
		return
	}
	roomID, _ := payload["roomId"].(string)
	requesterID, _ := payload["requesterId"].(string)
	if roomID == "" || requesterID == "" {
		return
	}

	if host, ok := r.HostOf(roomID); !ok || host != r.bus.InstanceID() {
		return
	}
	if r.callbacks.OnJoinRequest != nil {
		r.callbacks.OnJoinRequest(roomID, requesterID)
	}
}

// handleApproval surfaces answers addressed to this instance.
func (r *Registry) handleApproval(envelope bus.Envelope) {
	payload, ok := envelope.Data.(map[string]any)
	if !ok {
		return
	}
	roomID, _ := payload["roomId"].(string)
	requesterID, _ := payload["requesterId"].(string)
	if requesterID != r.bus.InstanceID() {
		return
	}

	switch action, _ := payload["action"].(string); action {
	case "join_approved":
		if r.callbacks.OnJoinApproved != nil {
			r.callbacks.OnJoinApproved(roomID)
		}
	case "join_denied":
		if r.callbacks.OnJoinDenied != nil {
			r.callbacks.OnJoinDenied(roomID)
		}
	}
}
