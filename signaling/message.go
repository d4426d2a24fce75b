// Package signaling carries the out-of-band negotiation messages that
// bootstrap a direct peer connection: session descriptions, ICE
// candidates, and call termination notices. It knows nothing about call
// semantics — it delivers addressed messages on a per-conversation
// channel and drops everything not meant for the local peer.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MsgType identifies what a signaling message carries.
type MsgType string

const (
	MsgOffer        MsgType = "offer"
	MsgAnswer       MsgType = "answer"
	MsgICECandidate MsgType = "ice-candidate"
	MsgCallEnd      MsgType = "call-end"
	MsgCallDecline  MsgType = "call-decline"
)

// Message is the wire format exchanged over a conversation channel.
// Payload holds a webrtc.SessionDescription for offer/answer, a
// webrtc.ICECandidateInit for ice-candidate, and is empty for
// call-end/call-decline. Messages are transient and never persisted.
type Message struct {
	Type    MsgType         `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	CallID  string          `json:"callId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewDescription builds an offer or answer message.
func NewDescription(t MsgType, to, callID string, sdp webrtc.SessionDescription) (Message, error) {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return Message{}, fmt.Errorf("marshal description: %w", err)
	}
	return Message{Type: t, To: to, CallID: callID, Payload: raw}, nil
}

// NewCandidate builds an ice-candidate message.
func NewCandidate(to, callID string, c webrtc.ICECandidateInit) (Message, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return Message{}, fmt.Errorf("marshal candidate: %w", err)
	}
	return Message{Type: MsgICECandidate, To: to, CallID: callID, Payload: raw}, nil
}

// NewTermination builds a call-end or call-decline message.
func NewTermination(t MsgType, to, callID string) Message {
	return Message{Type: t, To: to, CallID: callID}
}

// Description decodes the payload of an offer or answer message.
func (m Message) Description() (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(m.Payload, &sdp); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return sdp, nil
}

// Candidate decodes the payload of an ice-candidate message.
func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate payload: %w", err)
	}
	return c, nil
}

// Invite announces a freshly created call to the callee before any SDP
// flows. It is published on the callee's invite topic, not on the
// conversation channel, so the callee can open the right channel and
// prepare a peer connection ahead of the offer.
type Invite struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
	CallType       string `json:"call_type"`
	CallerID       string `json:"caller_id"`
	CallerName     string `json:"caller_name,omitempty"`
	CallerAvatar   string `json:"caller_avatar,omitempty"`
}
