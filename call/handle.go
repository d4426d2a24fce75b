package call

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/hasanmokdad-cloud/roomy-calls/rtc"
	"github.com/hasanmokdad-cloud/roomy-calls/signaling"
)

// handleMessage dispatches transport messages. The transport has
// already filtered by addressee.
func (m *Manager) handleMessage(msg signaling.Message) {
	switch msg.Type {
	case signaling.MsgOffer:
		m.handleOffer(msg)
	case signaling.MsgAnswer:
		m.handleAnswer(msg)
	case signaling.MsgICECandidate:
		m.handleCandidate(msg)
	case signaling.MsgCallEnd:
		m.handleRemoteEnd(msg, ReasonRemoteHangup)
	case signaling.MsgCallDecline:
		m.handleRemoteEnd(msg, ReasonRemoteDecline)
	default:
		log.Debug().Str("type", string(msg.Type)).Msg("unknown signaling message")
	}
}

// handleInvite rings for a new incoming call announced out of band,
// before the offer. While a call is active any other invite is dropped.
func (m *Manager) handleInvite(inv signaling.Invite) {
	m.mu.Lock()
	if sess := m.sess; sess != nil {
		if sess.id == inv.CallID {
			// Offer beat the invite; backfill the metadata it carries.
			if sess.callType == "" || inv.CallType != "" {
				sess.callType = Type(inv.CallType)
			}
			if sess.conversationID == "" {
				sess.conversationID = inv.ConversationID
			}
			sess.remotePeerName = inv.CallerName
			sess.remotePeerAvatar = inv.CallerAvatar
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		log.Info().Str("call", inv.CallID).Str("from", inv.CallerID).Msg("invite ignored, line busy")
		return
	}

	m.gen++
	callType := Type(inv.CallType)
	if callType != TypeVideo {
		callType = TypeVoice
	}
	sess := &session{
		id:               inv.CallID,
		conversationID:   inv.ConversationID,
		callType:         callType,
		status:           StatusRinging,
		incoming:         true,
		remotePeerID:     inv.CallerID,
		remotePeerName:   inv.CallerName,
		remotePeerAvatar: inv.CallerAvatar,
	}
	m.sess = sess
	snap := sess.snapshot()
	m.mu.Unlock()

	log.Info().Str("call", inv.CallID).Str("from", inv.CallerID).
		Str("type", string(callType)).Msg("incoming call")

	// Join the conversation channel right away so the offer and early
	// candidates are not lost while the user decides.
	if err := m.transport.Open(context.Background(), inv.ConversationID); err != nil {
		m.report(fmt.Errorf("%w: %v", ErrSignaling, err))
		m.endSession(ReasonError)
		return
	}
	m.emit(Event{Kind: EventIncoming, Session: snap})
}

// handleOffer either rings for a cold incoming call or, when accept
// already ran, completes the handshake with an answer.
func (m *Manager) handleOffer(msg signaling.Message) {
	sdp, err := msg.Description()
	if err != nil {
		log.Warn().Err(err).Msg("malformed offer")
		return
	}

	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		// The offer is the first we hear of this call (the invite was
		// lost or never sent); the SDP itself says whether the caller
		// is sending video.
		m.gen++
		sess = &session{
			id:           msg.CallID,
			callType:     callTypeFromSDP(sdp.SDP),
			status:       StatusRinging,
			incoming:     true,
			remotePeerID: msg.From,
			pendingOffer: &sdp,
		}
		m.sess = sess
		snap := sess.snapshot()
		m.mu.Unlock()
		log.Info().Str("call", msg.CallID).Str("from", msg.From).Msg("incoming call")
		m.emit(Event{Kind: EventIncoming, Session: snap})
		return
	}
	if sess.id != msg.CallID {
		m.mu.Unlock()
		log.Debug().Str("call", msg.CallID).Msg("offer for another call dropped")
		return
	}
	if sess.engine == nil {
		sess.pendingOffer = &sdp
		m.mu.Unlock()
		return
	}
	gen := m.gen
	engine := sess.engine
	remoteID := sess.remotePeerID
	m.mu.Unlock()

	_ = m.answer(gen, engine, remoteID, msg.CallID, sdp)
}

// callTypeFromSDP infers the call type from an offer: a video m-line
// the caller sends on means a video call. A recvonly or inactive video
// section (the recvonly fill of a voice call) does not.
func callTypeFromSDP(sdp string) Type {
	inVideo := false
	directed := false
	sends := false
	for _, raw := range strings.Split(sdp, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "m="):
			if inVideo && !directed {
				sends = true // no direction attribute defaults to sendrecv
			}
			inVideo = strings.HasPrefix(line, "m=video")
			directed = false
		case inVideo && (line == "a=sendrecv" || line == "a=sendonly"):
			sends = true
			directed = true
		case inVideo && (line == "a=recvonly" || line == "a=inactive"):
			directed = true
		}
	}
	if inVideo && !directed {
		sends = true
	}
	if sends {
		return TypeVideo
	}
	return TypeVoice
}

// handleAnswer completes the caller side of the handshake.
func (m *Manager) handleAnswer(msg signaling.Message) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.status != StatusCalling || sess.id != msg.CallID || sess.engine == nil {
		m.mu.Unlock()
		log.Debug().Str("call", msg.CallID).Msg("unexpected answer dropped")
		return
	}
	gen := m.gen
	engine := sess.engine
	m.mu.Unlock()

	sdp, err := msg.Description()
	if err != nil {
		log.Warn().Err(err).Msg("malformed answer")
		return
	}
	if err := engine.SetRemoteDescription(sdp); err != nil {
		werr := fmt.Errorf("%w: %v", ErrNegotiation, err)
		m.report(werr)
		m.finishRecord(msg.CallID, ReasonError, time.Time{}, m.self.ID)
		m.endSession(ReasonError)
		return
	}

	m.mu.Lock()
	if m.staleLocked(gen) || m.sess == nil {
		m.mu.Unlock()
		return
	}
	m.timer.disarm()
	m.sess.status = StatusConnected
	if m.sess.startTime.IsZero() {
		m.sess.startTime = time.Now()
	}
	snap := m.sess.snapshot()
	m.mu.Unlock()
	m.emit(Event{Kind: EventStateChanged, Session: snap})
}

// handleCandidate feeds a remote candidate to the engine, or queues it
// when the engine does not exist yet. Queued candidates keep arrival
// order; a single bad candidate is skipped, not fatal.
func (m *Manager) handleCandidate(msg signaling.Message) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.id != msg.CallID {
		m.mu.Unlock()
		return
	}
	if sess.engine == nil {
		c, err := msg.Candidate()
		if err != nil {
			m.mu.Unlock()
			log.Warn().Err(err).Msg("malformed ICE candidate")
			return
		}
		sess.preCandidates = append(sess.preCandidates, c)
		m.mu.Unlock()
		return
	}
	engine := sess.engine
	m.mu.Unlock()

	c, err := msg.Candidate()
	if err != nil {
		log.Warn().Err(err).Msg("malformed ICE candidate")
		return
	}
	if err := engine.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Msg("skipping remote ICE candidate")
	}
}

// handleRemoteEnd is the remote hangup/decline path. Termination from
// the remote always wins: it also cancels an initiate still in flight,
// because cleanup bumps the generation its continuations check.
func (m *Manager) handleRemoteEnd(msg signaling.Message, reason EndReason) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || (msg.CallID != "" && sess.id != "" && sess.id != msg.CallID) {
		m.mu.Unlock()
		return
	}
	callID, started := sess.id, sess.startTime
	m.mu.Unlock()

	if callID != "" {
		m.finishRecord(callID, reason, started, msg.From)
	}
	m.endSession(reason)
}

// engineCallbacks binds engine events to this session's generation.
// They may fire from pion goroutines at any point, including after
// cleanup; the generation check is what discards the stragglers.
func (m *Manager) engineCallbacks(gen uint64, remoteID, callID string) EngineCallbacks {
	return EngineCallbacks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			m.mu.Lock()
			stale := m.staleLocked(gen)
			m.mu.Unlock()
			if stale {
				return
			}
			msg, err := signaling.NewCandidate(remoteID, callID, c)
			if err != nil {
				log.Warn().Err(err).Msg("encode ICE candidate")
				return
			}
			if err := m.transport.Send(msg); err != nil {
				log.Warn().Err(err).Msg("ICE candidate not delivered")
			}
		},
		OnRemoteStream: func(rs *rtc.RemoteStream) {
			m.mu.Lock()
			if m.staleLocked(gen) || m.sess == nil {
				m.mu.Unlock()
				return
			}
			m.sess.remote = rs
			snap := m.sess.snapshot()
			m.mu.Unlock()
			m.emit(Event{Kind: EventRemoteStream, Session: snap})
		},
		OnConnectionChange: func(s webrtc.PeerConnectionState) {
			m.handleConnectionState(gen, s)
		},
	}
}

func (m *Manager) handleConnectionState(gen uint64, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if m.staleLocked(gen) || m.sess == nil {
			m.mu.Unlock()
			return
		}
		m.timer.disarm()
		m.sess.status = StatusConnected
		if m.sess.startTime.IsZero() {
			m.sess.startTime = time.Now()
		}
		snap := m.sess.snapshot()
		m.mu.Unlock()
		m.emit(Event{Kind: EventStateChanged, Session: snap})

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		m.mu.Lock()
		if m.staleLocked(gen) || m.sess == nil {
			m.mu.Unlock()
			return
		}
		callID, started := m.sess.id, m.sess.startTime
		m.mu.Unlock()

		m.report(fmt.Errorf("%w: peer connection %s", ErrConnectivity, s))
		if callID != "" {
			m.finishRecord(callID, ReasonConnectionLost, started, "")
		}
		m.endSession(ReasonConnectionLost)
	}
}
