package client

import (
	"context"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/relay"

	"github.com/pion/webrtc/v4"
)

// Signaler is the relay surface the machine needs. *relay.Endpoint
// satisfies it.
type Signaler interface {
	Subscribe(ctx context.Context, channel string) (*relay.Lease, error)
	Publish(ctx context.Context, channel string, msg relay.Message) error
}

// Controller reaches the call control API.
type Controller interface {
	EndCall(ctx context.Context, conversationID, sessionID string) error
}

// Media is an acquired set of local tracks.
type Media interface {
	Tracks() []webrtc.TrackLocal
	HasVideo() bool
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Stop()
}

// MediaSource acquires local media. Acquire may block, e.g. on a
// permission prompt, and must honor ctx cancellation.
type MediaSource interface {
	Acquire(ctx context.Context, callType calls.CallType) (Media, error)
}

// PeerEvents are invoked from the peer connection's own goroutines.
type PeerEvents struct {
	OnCandidate func(relay.ICECandidate)
	OnState     func(PeerState)
}

type PeerConnection interface {
	AddMedia(m Media, callType calls.CallType) error
	CreateOffer(iceRestart bool) (relay.SessionDescription, error)
	CreateAnswer() (relay.SessionDescription, error)
	SetLocalDescription(d relay.SessionDescription) error
	SetRemoteDescription(d relay.SessionDescription) error
	AddICECandidate(c relay.ICECandidate) error
	Close() error
}

type PeerFactory func(ctx context.Context, events PeerEvents) (PeerConnection, error)
