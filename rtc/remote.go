package rtc

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// pliInterval is how often a keyframe is requested on received video.
const pliInterval = 3 * time.Second

// RemoteStream collects the remote peer's delivered tracks. The call
// session observes it but does not own its lifecycle — the engine stops
// it when the peer object closes.
type RemoteStream struct {
	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	sink    func(*webrtc.TrackRemote, *rtp.Packet)
	stopped bool
	done    chan struct{}
}

// Tracks returns the tracks delivered so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// HasTrack reports whether a track of the given kind ("audio" or
// "video") has been delivered.
func (s *RemoteStream) HasTrack(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind().String() == kind {
			return true
		}
	}
	return false
}

// SetPacketSink registers a consumer for decoded-ready RTP packets.
// Without a sink, packets are drained and discarded so the interceptor
// chain keeps seeing traffic.
func (s *RemoteStream) SetPacketSink(fn func(*webrtc.TrackRemote, *rtp.Packet)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()
}

// handleRemoteTrack registers an inbound track, starts its drain loop,
// and for video starts the keyframe-request loop.
func (e *Engine) handleRemoteTrack(track *webrtc.TrackRemote) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.remote == nil {
		e.remote = &RemoteStream{done: make(chan struct{})}
	}
	rs := e.remote
	e.mu.Unlock()

	rs.add(track)
	log.Info().Str("kind", track.Kind().String()).Str("id", track.ID()).Msg("remote track")

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.pliLoop(rs, uint32(track.SSRC()))
	}
	go rs.drain(track)

	if e.cb.OnRemoteStream != nil {
		e.cb.OnRemoteStream(rs)
	}
}

// pliLoop asks the sender for a keyframe immediately and then every
// pliInterval, so a late joiner or a lossy start recovers a full frame
// quickly.
func (e *Engine) pliLoop(rs *RemoteStream, ssrc uint32) {
	sendPLI := func() {
		if err := e.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: ssrc},
		}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Msg("write PLI")
		}
	}
	sendPLI()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rs.done:
			return
		case <-ticker.C:
			sendPLI()
		}
	}
}

func (s *RemoteStream) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return // track ended or connection closed
		}
		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if sink != nil {
			sink(track, pkt)
		}
	}
}
