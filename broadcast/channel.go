// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package broadcast

import "errors"

// ErrUnavailable indicates the broadcast transport could not be
// initialized (socket directory not writable, platform limits). The
// bus treats this as a degraded start, not a failure: delivery falls
// back to the durable store poll alone.
var ErrUnavailable = errors.New("broadcast: transport unavailable")

// frameBuffer is the per-listener inbound buffer. When a listener
// falls this far behind, further frames are dropped; the durable store
// poll redelivers whatever mattered.
const frameBuffer = 64

// Channel is one instance's handle on the ephemeral broadcast medium.
//
// Send fans a frame out to every other live listener and returns
// without waiting for delivery; there is no acknowledgement and no
// error for listeners that miss it. Frames from other instances arrive
// on Receive in send order per sender but with no cross-sender
// ordering. After Close, Receive's channel is closed and Send fails.
type Channel interface {
	// Send fans the frame out to all other live listeners.
	// Best-effort: the only errors are local ones (channel closed).
	Send(frame []byte) error

	// Receive returns the inbound frame channel. Closed by Close.
	Receive() <-chan []byte

	// Close detaches from the medium. Idempotent.
	Close() error
}
