// Package media acquires and releases local capture devices for a
// call. Real capture goes through pion/mediadevices and exists only on
// Linux (V4L2 + malgo drivers); other platforms get an empty stream and
// the call proceeds receive-only. A stream is exclusively owned by the
// session that acquired it and must be stopped exactly once.
package media

import (
	"errors"
	"sync"

	"github.com/pion/mediadevices"
)

// Track kinds, matching webrtc.RTPCodecType strings.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// ErrNoDevice is returned when no usable capture device could be
// opened at all — permission denied, busy, or absent.
var ErrNoDevice = errors.New("media: no capture device available")

// Stream is an owned handle over the acquired local tracks.
type Stream struct {
	mu      sync.Mutex
	native  mediadevices.MediaStream // nil when capture is unavailable
	tracks  []mediadevices.Track
	stopped bool
}

// Native exposes the underlying mediadevices stream for attaching to a
// peer connection. Nil when no capture succeeded.
func (s *Stream) Native() mediadevices.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.native
}

// HasTrack reports whether the stream holds a live track of kind.
func (s *Stream) HasTrack(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	for _, t := range s.tracks {
		if t.Kind().String() == kind {
			return true
		}
	}
	return false
}

// Stop closes every track. Calling Stop on an already-stopped stream
// is a no-op.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.tracks = nil
	s.native = nil
	s.mu.Unlock()

	for _, t := range tracks {
		_ = t.Close()
	}
}

// Release stops every track in the stream. Idempotent.
func (m *Manager) Release(s *Stream) {
	if s != nil {
		s.Stop()
	}
}
