// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// Compile-time interface check.
var _ Channel = (*UnixgramChannel)(nil)

// maxFrameSize bounds a single datagram read. Frames are CBOR-encoded
// envelopes, typically well under 1 KB; anything larger than this is
// not a sync frame and is dropped.
const maxFrameSize = 64 * 1024

// UnixgramChannel is the cross-process broadcast medium: one Unix
// datagram socket per live instance, all in a shared directory. A send
// lists the directory and fires one datagram at every socket except
// the sender's own. A dead instance's leftover socket file is unlinked
// by the first sender that gets ECONNREFUSED from it, so the directory
// converges on the set of live listeners without coordination.
type UnixgramChannel struct {
	dir        string
	socketPath string
	conn       *net.UnixConn
	logger     *slog.Logger

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUnixgram joins the broadcast medium rooted at dir, binding a
// socket named after instanceID. Returns ErrUnavailable (wrapped) when
// the directory cannot be created or the socket cannot be bound;
// callers degrade to store-only operation.
func NewUnixgram(dir, instanceID string, logger *slog.Logger) (*UnixgramChannel, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrUnavailable, dir, err)
	}

	socketPath := filepath.Join(dir, instanceID+".sock")
	// A previous instance with the same ID cannot exist (IDs are
	// process-lifetime random), so a leftover file is always stale.
	_ = os.Remove(socketPath)

	address := &net.UnixAddr{Net: "unixgram", Name: socketPath}
	conn, err := net.ListenUnixgram("unixgram", address)
	if err != nil {
		return nil, fmt.Errorf("%w: binding %s: %v", ErrUnavailable, socketPath, err)
	}

	channel := &UnixgramChannel{
		dir:        dir,
		socketPath: socketPath,
		conn:       conn,
		logger:     logger,
		inbound:    make(chan []byte, frameBuffer),
		closed:     make(chan struct{}),
	}
	go channel.readLoop()
	return channel, nil
}

// Send fans the frame out to every other socket in the directory.
// Per-peer failures are expected (peers exit at any time) and never
// fail the send as a whole.
func (c *UnixgramChannel) Send(frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		// Directory vanished out from under us; the store poll still
		// delivers, so report nothing fatal.
		c.logger.Warn("broadcast directory unreadable", "dir", c.dir, "error", err)
		return nil
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".sock") {
			continue
		}
		target := filepath.Join(c.dir, entry.Name())
		if target == c.socketPath {
			continue
		}

		address := &net.UnixAddr{Net: "unixgram", Name: target}
		if _, err := c.conn.WriteToUnix(frame, address); err != nil {
			if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
				// Stale socket from a dead instance. Reap it.
				_ = os.Remove(target)
				continue
			}
			c.logger.Debug("broadcast send failed",
				"target", target,
				"error", err,
			)
		}
	}
	return nil
}

// Receive returns the inbound frame channel. Closed by Close.
func (c *UnixgramChannel) Receive() <-chan []byte {
	return c.inbound
}

// Close unbinds the socket and removes its file so peers stop
// addressing this instance. Idempotent.
func (c *UnixgramChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		_ = os.Remove(c.socketPath)
	})
	return nil
}

// readLoop moves datagrams from the socket to the inbound channel
// until Close. Frames that would overrun the buffer are dropped.
func (c *UnixgramChannel) readLoop() {
	defer close(c.inbound)

	buffer := make([]byte, maxFrameSize)
	for {
		n, _, err := c.conn.ReadFromUnix(buffer)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("broadcast read failed", "error", err)
			}
			return
		}

		frame := make([]byte, n)
		copy(frame, buffer[:n])

		select {
		case c.inbound <- frame:
		default:
			// Listener is behind; the store poll redelivers.
		}
	}
}
