// Package peer defines the surface the call coordinator needs from the
// underlying media transport. The concrete websocket relay binding lives in
// internal/peerwire; tests substitute fakes.
package peer

import (
	"context"

	"github.com/velacare/callwire/internal/media"
)

// Kind selects the media profile of a call. Video implies audio.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints returns the capture constraints implied by the call kind.
func (k Kind) Constraints() media.Constraints {
	return media.Constraints{Audio: true, Video: k == KindVideo}
}

func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// CallMeta travels with the call offer so the callee knows what is ringing
// before answering.
type CallMeta struct {
	Kind     Kind   `json:"kind"`
	CallerID string `json:"caller_id"`
}

// EventType enumerates registration-level transport events.
type EventType int

const (
	// EventIncomingCall carries a new inbound call offer.
	EventIncomingCall EventType = iota
	// EventSignalingLink carries a signaling link the remote side opened
	// toward us. The callee never dials one itself.
	EventSignalingLink
	// EventDisconnected means the transport lost its server connection.
	EventDisconnected
)

// Event is a registration-level transport event.
type Event struct {
	Type EventType
	Call Call
	Link SignalingLink
}

// CallEventType enumerates per-call lifecycle events.
type CallEventType int

const (
	// CallEventStream means the remote media stream arrived.
	CallEventStream CallEventType = iota
	// CallEventClosed means the call was closed gracefully.
	CallEventClosed
	// CallEventError means the call failed.
	CallEventError
)

// CallEvent is a lifecycle event on an individual call.
type CallEvent struct {
	Type   CallEventType
	Stream *media.Stream
	Err    error
}

// Transport is the connection-oriented media transport. Connection
// establishment (session descriptions, candidate exchange) happens below
// this interface; the coordinator only drives call control.
type Transport interface {
	// Register announces the local identity and returns the ephemeral
	// transport address other peers dial. Addresses are overwritten on
	// every (re)connect.
	Register(ctx context.Context, identity string) (string, error)

	// Dial places an outgoing call to a remote address with the local
	// capture stream attached.
	Dial(ctx context.Context, address string, local *media.Stream, meta CallMeta) (Call, error)

	// OpenSignaling opens the auxiliary control channel to a remote
	// address, in parallel with an outgoing call.
	OpenSignaling(ctx context.Context, address string) (SignalingLink, error)

	// Reconnect re-establishes the server connection after
	// EventDisconnected and re-announces the current address.
	Reconnect(ctx context.Context) error

	// Events delivers registration-level events. The channel is closed
	// when the transport shuts down.
	Events() <-chan Event

	Close() error
}

// Call is one placed or received call.
type Call interface {
	Meta() CallMeta
	RemoteAddress() string

	// Answer accepts an incoming call with the local capture stream.
	Answer(local *media.Stream) error

	// Events delivers per-call lifecycle events.
	Events() <-chan CallEvent

	Close() error
}

// SignalingLink is the best-effort out-of-band channel for end/decline
// notices. Sends are fire-and-forget; delivery is not acknowledged.
type SignalingLink interface {
	Send(Signal) error
	Open() bool
	Events() <-chan Signal
	Close() error
}
