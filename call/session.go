package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hasanmokdad-cloud/roomy-calls/rtc"
)

// session is the single live call. It exists from Initiate (outgoing)
// or the first invite/offer (incoming) until cleanup detaches it; the
// manager owns it exclusively and there is never more than one.
type session struct {
	id             string
	conversationID string
	callType       Type
	status         Status
	incoming       bool

	remotePeerID     string
	remotePeerName   string
	remotePeerAvatar string

	muted     bool
	videoOff  bool
	speakerOn bool

	// startTime is set once, when connectivity is first established.
	startTime time.Time

	local  MediaStream
	remote *rtc.RemoteStream
	engine Engine

	// pendingOffer holds a received offer until accept consumes it.
	pendingOffer *webrtc.SessionDescription

	// preCandidates queue remote candidates that arrived before the
	// engine existed, in arrival order.
	preCandidates []webrtc.ICECandidateInit
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		CallID:           s.id,
		ConversationID:   s.conversationID,
		Type:             s.callType,
		Status:           s.status,
		Incoming:         s.incoming,
		RemotePeerID:     s.remotePeerID,
		RemotePeerName:   s.remotePeerName,
		RemotePeerAvatar: s.remotePeerAvatar,
		Muted:            s.muted,
		VideoOff:         s.videoOff,
		SpeakerOn:        s.speakerOn,
		StartTime:        s.startTime,
	}
}
