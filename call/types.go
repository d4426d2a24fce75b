// Package call owns the call-session state machine: it drives the
// signaling transport and the negotiation engine together, exposes the
// public call API (initiate, accept, decline, end, toggles), and
// guarantees that every termination path converges on one idempotent
// cleanup. Everything it consumes is an interface, so the whole
// machine runs in tests against fakes.
package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hasanmokdad-cloud/roomy-calls/rtc"
	"github.com/hasanmokdad-cloud/roomy-calls/signaling"
	"github.com/hasanmokdad-cloud/roomy-calls/store"
)

// Type selects the media constraints for the whole call.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Status is the session's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// Track kinds used by the toggle operations.
const (
	TrackAudio = "audio"
	TrackVideo = "video"
)

// Identity is the local peer as seen by remotes.
type Identity struct {
	ID     string
	Name   string
	Avatar string
}

// Engine is the negotiation surface the state machine drives.
// *rtc.Engine satisfies it; tests inject fakes.
type Engine interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SetTrackEnabled(kind string, enabled bool) bool
	Close() error
}

// EngineCallbacks wire engine events back into the state machine. The
// factory receives them fully bound — remote peer and call ID are
// always known before an engine exists, so locally discovered
// candidates can be addressed from the first one.
type EngineCallbacks struct {
	OnLocalCandidate   func(webrtc.ICECandidateInit)
	OnRemoteStream     func(*rtc.RemoteStream)
	OnConnectionChange func(webrtc.PeerConnectionState)
}

// EngineFactory builds an engine with the session's local media
// attached. stream may be nil on receive-only calls.
type EngineFactory func(stream MediaStream, cb EngineCallbacks) (Engine, error)

// MediaStream is the owned handle over acquired local tracks.
type MediaStream interface {
	HasTrack(kind string) bool
	Stop()
}

// MediaSource acquires and releases local capture devices.
type MediaSource interface {
	Acquire(video bool) (MediaStream, error)
	Release(MediaStream)
}

// RecordStore persists call status transitions. Write-only from the
// engine's point of view.
type RecordStore interface {
	Create(ctx context.Context, p store.CreateParams) (string, error)
	UpdateRecord(ctx context.Context, callID string, u store.Update) error
}

// Notifier announces a new call to the callee ahead of the offer.
type Notifier interface {
	OnInvite(fn func(signaling.Invite))
	Notify(ctx context.Context, calleeID string, inv signaling.Invite) error
}

// EndReason distinguishes how a call stopped.
type EndReason string

const (
	ReasonLocalHangup    EndReason = "hangup"
	ReasonLocalDecline   EndReason = "declined"
	ReasonRemoteHangup   EndReason = "remote-hangup"
	ReasonRemoteDecline  EndReason = "remote-declined"
	ReasonNoAnswer       EndReason = "no-answer"
	ReasonConnectionLost EndReason = "connection-failed"
	ReasonError          EndReason = "error"
)

// EventKind tags session events delivered to the presentation layer.
type EventKind string

const (
	EventIncoming     EventKind = "incoming"      // new incoming call is ringing
	EventStateChanged EventKind = "state-changed" // status transition
	EventRemoteStream EventKind = "remote-stream" // remote media attached
	EventEnded        EventKind = "ended"         // session gone, back to idle
)

// Event is what subscribers receive. Session is a snapshot taken at
// emit time; for EventEnded it describes the session that just ended.
type Event struct {
	Kind    EventKind
	Session Snapshot
	Reason  EndReason // set for EventEnded
}

// Snapshot is an immutable copy of the session's public state.
type Snapshot struct {
	CallID           string
	ConversationID   string
	Type             Type
	Status           Status
	Incoming         bool
	RemotePeerID     string
	RemotePeerName   string
	RemotePeerAvatar string
	Muted            bool
	VideoOff         bool
	SpeakerOn        bool
	StartTime        time.Time // zero until connectivity is established
}
