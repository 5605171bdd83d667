package call

import (
	"github.com/velacare/callwire/internal/media"
	"github.com/velacare/callwire/internal/peer"
)

// eventType enumerates everything that can advance the state machine: UI
// commands, transport events, helper-goroutine completions, and timer
// firings. The coordinator loop is the single consumer.
type eventType int

const (
	// UI commands. Carry no generation; they act on the current session.
	evPlaceCall eventType = iota
	evAccept
	evDecline
	evHangup
	evToggleMute
	evToggleVideo

	// Registration-level transport events.
	evIncomingCall
	evIncomingLink
	evTransportDown
	evReconnectDone

	// Helper goroutine completions, tagged with the session generation.
	evDialReady
	evDialFailed
	evAnswerReady
	evAnswerFailed

	// Per-call transport events.
	evRemoteStream
	evCallClosed
	evCallError
	evSignal

	// Timer firings.
	evNoAnswerTimeout
	evWatchdogTick
	evGraceTimeout
	evPostEndTimeout
)

// event is one unit of work for the coordinator loop. gen is zero for
// ungated events (commands, registration-level transport events); anything
// else is dropped unless it matches the current session's generation.
type event struct {
	typ eventType
	gen uint64

	remoteID string
	kind     peer.Kind
	call     peer.Call
	link     peer.SignalingLink
	stream   *media.Stream
	signal   peer.Signal
	err      error
	mediaErr bool

	// errc replies to synchronous commands.
	errc chan error
}

// releaseResources closes whatever live handles a dropped event carries so
// a late dial or answer completion cannot leak streams or calls.
func (e event) releaseResources() {
	if e.stream != nil {
		e.stream.Close()
	}
	if e.call != nil {
		_ = e.call.Close()
	}
	if e.link != nil {
		_ = e.link.Close()
	}
}
