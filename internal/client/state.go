// Package client runs one participant's side of a call: local media, the
// peer connection and signaling, serialized through a single event loop.
package client

import "errors"

var (
	ErrMediaDenied = errors.New("client: media acquisition denied")
	ErrNegotiation = errors.New("client: negotiation failed")
	ErrNotStarted  = errors.New("client: machine not started")
)

// State is the endpoint's local view of the call.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDeclined   State = "declined"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// IsTerminal reports whether s is absorbing.
func (s State) IsTerminal() bool {
	return s == StateDeclined || s == StateEnded || s == StateFailed
}

// Role decides who sends the first offer.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// PeerState mirrors the peer connection states the machine reacts to.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)
