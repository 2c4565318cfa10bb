// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrMediaAccessDenied reports that the platform refused local media
// capture. Callers must treat this as non-fatal: the connection attempt
// aborts, the rest of the application continues.
var ErrMediaAccessDenied = errors.New("rtc: media access denied")

// MediaDevices abstracts local capture. Production wiring supplies a
// platform capture implementation; tests supply SampleMediaDevices or
// a denying stub.
type MediaDevices interface {
	// GetUserMedia acquires a capture with the requested kinds of
	// tracks. Implementations return ErrMediaAccessDenied (possibly
	// wrapped) when the platform refuses.
	GetUserMedia(audio, video bool) (*LocalStream, error)
}

// LocalStream is one local capture: the tracks it produces plus mute
// state per kind. The capture is an exclusive resource; the Manager
// never holds two concurrently.
type LocalStream struct {
	mu           sync.Mutex
	audio        []webrtc.TrackLocal
	video        []webrtc.TrackLocal
	audioEnabled bool
	videoEnabled bool
	release      func()
	closed       bool
}

// NewLocalStream assembles a stream from capture tracks. Both kinds
// start enabled. release, if non-nil, runs once when the stream is
// closed and should stop the underlying capture.
func NewLocalStream(audio, video []webrtc.TrackLocal, release func()) *LocalStream {
	return &LocalStream{
		audio:        audio,
		video:        video,
		audioEnabled: true,
		videoEnabled: true,
		release:      release,
	}
}

// Tracks returns every track in the capture, audio first.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := make([]webrtc.TrackLocal, 0, len(s.audio)+len(s.video))
	tracks = append(tracks, s.audio...)
	tracks = append(tracks, s.video...)
	return tracks
}

// ToggleAudio flips the audio mute state and returns the new enabled
// value. Muting gates the capture source; it does not renegotiate or
// recreate any session.
func (s *LocalStream) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = !s.audioEnabled
	return s.audioEnabled
}

// ToggleVideo flips the video mute state and returns the new enabled
// value.
func (s *LocalStream) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = !s.videoEnabled
	return s.videoEnabled
}

// AudioEnabled reports whether audio is unmuted.
func (s *LocalStream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

// VideoEnabled reports whether video is unmuted.
func (s *LocalStream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

// Close stops the capture. Idempotent.
func (s *LocalStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	release := s.release
	s.mu.Unlock()

	if release != nil {
		release()
	}
}

// Compile-time interface check.
var _ MediaDevices = (*SampleMediaDevices)(nil)

// SampleMediaDevices is a MediaDevices that produces static sample
// tracks (Opus audio, VP8 video) with no real capture behind them.
// The process feeds samples in itself, or leaves the tracks silent.
// Used by tests and by deployments that source media from somewhere
// other than a camera.
type SampleMediaDevices struct{}

func (SampleMediaDevices) GetUserMedia(audio, video bool) (*LocalStream, error) {
	var audioTracks, videoTracks []webrtc.TrackLocal

	if audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "presence",
		)
		if err != nil {
			return nil, err
		}
		audioTracks = append(audioTracks, track)
	}
	if video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "presence",
		)
		if err != nil {
			return nil, err
		}
		videoTracks = append(videoTracks, track)
	}

	return NewLocalStream(audioTracks, videoTracks, nil), nil
}

// RemoteStream collects the audio/video tracks received from one peer.
// It grows as tracks arrive; a session that reaches CONNECTED with
// zero tracks notifies consumers without a stream instead.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) add(track *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
}

// Tracks returns the tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *RemoteStream) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks) == 0
}
