//go:build !linux

package media

import (
	"github.com/pion/mediadevices"
	"github.com/rs/zerolog/log"
)

// Manager is a no-capture stand-in on platforms without V4L2/malgo
// drivers. Calls negotiate receive-only; the host application is
// expected to provide media through its own WebRTC path.
type Manager struct{}

func New() (*Manager, error) {
	return &Manager{}, nil
}

// Selector returns nil — the peer connection registers default codecs.
func (m *Manager) Selector() *mediadevices.CodecSelector {
	return nil
}

// Acquire returns an empty stream; no hardware capture is attempted
// on this platform.
func (m *Manager) Acquire(video bool) (*Stream, error) {
	log.Warn().Bool("video", video).Msg("no capture drivers on this platform, proceeding receive-only")
	return &Stream{}, nil
}
