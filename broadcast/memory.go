// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"net"
	"sync"
)

// Compile-time interface check.
var _ Channel = (*memoryChannel)(nil)

// MemoryHub is an in-process broadcast medium. Every channel joined to
// the same hub sees frames from every other channel, mirroring how
// browser tabs share a named BroadcastChannel. Tests and same-process
// instances use this; cross-process deployments use UnixgramChannel.
type MemoryHub struct {
	mu      sync.Mutex
	members map[*memoryChannel]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[*memoryChannel]struct{})}
}

// Join attaches a new channel to the hub. The channel starts receiving
// frames sent by other members from this point on; frames sent before
// Join are gone (live listeners only).
func (h *MemoryHub) Join() Channel {
	channel := &memoryChannel{
		hub:     h,
		inbound: make(chan []byte, frameBuffer),
	}
	h.mu.Lock()
	h.members[channel] = struct{}{}
	h.mu.Unlock()
	return channel
}

// fanOut delivers a frame to every member except the sender. Members
// whose buffers are full miss the frame; the store poll covers them.
func (h *MemoryHub) fanOut(sender *memoryChannel, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for member := range h.members {
		if member == sender {
			continue
		}
		select {
		case member.inbound <- frame:
		default:
		}
	}
}

// leave detaches a channel. Must not be called with h.mu held.
func (h *MemoryHub) leave(channel *memoryChannel) {
	h.mu.Lock()
	delete(h.members, channel)
	h.mu.Unlock()
}

type memoryChannel struct {
	hub     *MemoryHub
	inbound chan []byte

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (c *memoryChannel) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.mu.Unlock()

	c.hub.fanOut(c, frame)
	return nil
}

func (c *memoryChannel) Receive() <-chan []byte {
	return c.inbound
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.hub.leave(c)
		close(c.inbound)
	})
	return nil
}
