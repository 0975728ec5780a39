// Package relay carries signaling and control-plane notifications between
// call participants over named pub/sub channels.
package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	// Peer-to-peer negotiation on conversation channels.
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice_candidate"
	TypeBye          MessageType = "bye"

	// Control-plane notifications on participant channels.
	TypeRinging  MessageType = "ringing"
	TypeAccepted MessageType = "accepted"
	TypeRejected MessageType = "rejected"
	TypeEnded    MessageType = "ended"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeBye,
		TypeRinging, TypeAccepted, TypeRejected, TypeEnded:
		return true
	default:
		return false
	}
}

// Message is a transient signaling envelope; the relay never stores it.
type Message struct {
	ID             string              `json:"id"`
	Type           MessageType         `json:"type"`
	From           string              `json:"from"`
	SessionID      string              `json:"session_id,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	CallType       string              `json:"call_type,omitempty"`
	SDP            *SessionDescription `json:"sdp,omitempty"`
	Candidate      *ICECandidate       `json:"candidate,omitempty"`
	SentAt         time.Time           `json:"sent_at"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate suppression.
func (c ICECandidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%d|%s", mid, idx, c.Candidate)
}

var ErrInvalidMessage = errors.New("relay: invalid message")

func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, m.Type)
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidMessage, m.Type)
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice_candidate without candidate", ErrInvalidMessage)
		}
	}
	return nil
}

const (
	scopeConversation = "conversation"
	scopeParticipant  = "participant"
)

func ConversationChannel(conversationID string) string {
	return scopeConversation + ":" + conversationID
}

func ParticipantChannel(participantID string) string {
	return scopeParticipant + ":" + participantID
}

// ChannelRef is a parsed channel name.
type ChannelRef struct {
	Scope string
	ID    string
}

func (r ChannelRef) IsConversation() bool { return r.Scope == scopeConversation }
func (r ChannelRef) IsParticipant() bool  { return r.Scope == scopeParticipant }

var ErrInvalidChannel = errors.New("relay: invalid channel")

func ParseChannel(name string) (ChannelRef, error) {
	scope, id, ok := strings.Cut(name, ":")
	if !ok || id == "" {
		return ChannelRef{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	if scope != scopeConversation && scope != scopeParticipant {
		return ChannelRef{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidChannel, scope)
	}
	return ChannelRef{Scope: scope, ID: id}, nil
}
