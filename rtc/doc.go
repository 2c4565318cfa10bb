// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// Package rtc negotiates and supervises WebRTC sessions to remote
// peers: optionally carrying local audio/video, always carrying one
// ordered reliable data channel for in-world chat.
//
// The Manager owns every session. Consumers hold opaque peer ids and
// interact through call/answer/hangup operations plus four lifecycle
// callbacks. Each session walks NEW → CONNECTING → CONNECTED and ends
// in exactly one terminal state; OnUserConnected and OnUserDisconnected
// fire exactly once per session no matter how many underlying state
// changes the transport reports. Failures on one session never touch
// another.
//
// The Manager itself never transmits signaling payloads. CallUser and
// HandleIncomingCall return descriptions for the caller to deliver
// out of band; BusSignaler is the provided delivery layer, publishing
// offers, answers, and ICE candidates as envelopes on the "signaling"
// topic of a message bus.
package rtc
