// Package rtc wraps a single Pion peer connection as the negotiation
// engine for one call: it produces and consumes session descriptions,
// queues remote ICE candidates that arrive before the remote
// description, and reports connectivity transitions. It owns the peer
// object exclusively; the call layer never touches Pion directly.
package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Callbacks are the engine's event surface. All fields are optional.
// OnLocalCandidate fires per discovered candidate and must be relayed
// to the remote peer; it only starts firing after CreateOffer or
// CreateAnswer, so the caller can require the remote identity to be
// known before constructing the engine.
type Callbacks struct {
	OnLocalCandidate   func(webrtc.ICECandidateInit)
	OnRemoteStream     func(*RemoteStream)
	OnConnectionChange func(webrtc.PeerConnectionState)
}

// Config carries the static pieces the engine is built from. Selector
// is nil when no local capture is available; the engine then registers
// default codecs and negotiates receive-only.
type Config struct {
	ICEServers []webrtc.ICEServer
	Selector   *mediadevices.CodecSelector
}

// Engine is the negotiation engine for one call.
type Engine struct {
	pc *webrtc.PeerConnection
	cb Callbacks

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   map[webrtc.RTPCodecType]sender
	remote    *RemoteStream
	closed    bool
}

type sender struct {
	rtp   *webrtc.RTPSender
	track webrtc.TrackLocal
}

// New builds an engine from cfg. Generous ICE timeouts keep a brief
// relay or NAT hiccup from terminating an established call: the Pion
// default disconnectedTimeout of 5s is far too short for relay paths
// with short outages during failover.
func New(cfg Config, cb Callbacks) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Selector != nil {
		cfg.Selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &Engine{
		pc:      pc,
		cb:      cb,
		senders: make(map[webrtc.RTPCodecType]sender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		if e.cb.OnLocalCandidate != nil {
			e.cb.OnLocalCandidate(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("state", s.String()).Msg("peer connection state")
		if e.cb.OnConnectionChange != nil {
			e.cb.OnConnectionChange(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.handleRemoteTrack(track)
	})

	return e, nil
}

// AddMediaStream attaches local capture tracks to the connection and
// fills any missing kind with a recvonly transceiver so the SDP always
// carries valid audio and video m-lines with ICE credentials.
func (e *Engine) AddMediaStream(stream mediadevices.MediaStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var haveAudio, haveVideo bool
	if stream != nil {
		for _, track := range stream.GetTracks() {
			s, err := e.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add track: %w", err)
			}
			kind := track.Kind()
			e.senders[kind] = sender{rtp: s, track: track}
			switch kind {
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			}
		}
	}

	if !haveAudio {
		e.addRecvOnly(webrtc.RTPCodecTypeAudio)
	}
	if !haveVideo {
		e.addRecvOnly(webrtc.RTPCodecTypeVideo)
	}
	return nil
}

func (e *Engine) addRecvOnly(kind webrtc.RTPCodecType) {
	if _, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warn().Err(err).Str("kind", kind.String()).Msg("add recvonly transceiver")
	}
}

// CreateOffer produces a local offer and installs it as the local
// description. The caller transmits it.
func (e *Engine) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer produces a local answer and installs it as the local
// description. Valid only after SetRemoteDescription.
func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote description and flushes the
// candidate queue in arrival order. A single candidate that fails to
// apply is logged and skipped — one malformed path must not poison the
// remaining connectivity options. Description-level failure leaves the
// queue intact and is fatal to the caller.
func (e *Engine) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	e.mu.Lock()
	e.remoteSet = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range queued {
		if err := e.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Msg("skipping queued ICE candidate")
		}
	}
	return nil
}

// AddICECandidate applies c immediately when the remote description is
// set, otherwise queues it for the flush in SetRemoteDescription.
func (e *Engine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many candidates await the remote
// description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// SetTrackEnabled pauses or resumes the outbound track of the given
// kind ("audio" or "video") by swapping the sender's track out and
// back in. Returns false when no such track was ever attached, in
// which case nothing changes.
func (e *Engine) SetTrackEnabled(kind string, enabled bool) bool {
	codecType := webrtc.NewRTPCodecType(kind)

	e.mu.Lock()
	s, ok := e.senders[codecType]
	e.mu.Unlock()
	if !ok {
		return false
	}

	var err error
	if enabled {
		err = s.rtp.ReplaceTrack(s.track)
	} else {
		err = s.rtp.ReplaceTrack(nil)
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Bool("enabled", enabled).Msg("replace track")
		return false
	}
	return true
}

// Close releases the peer object. Idempotent; the candidate queue is
// cleared so a racing flush cannot resurrect it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	remote := e.remote
	e.remote = nil
	e.mu.Unlock()

	if remote != nil {
		remote.stop()
	}
	return e.pc.Close()
}
