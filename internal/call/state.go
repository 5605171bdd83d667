// Package call owns the single active call session: its state machine,
// timers, media watchdog, and the out-of-band signaling reconciliation that
// keeps both sides' views of the call converging over an unreliable
// transport.
package call

// State is the call session state. Idle is both the initial state and the
// only one from which a new call may be placed or accepted.
type State string

const (
	StateIdle         State = "idle"
	StateDialing      State = "dialing"
	StateRinging      State = "ringing"
	StateConnected    State = "connected"
	StateConnecting   State = "connecting"
	StateEnded        State = "ended"
	StateUnavailable  State = "unavailable"
	StateDisconnected State = "disconnected"
	StateNoAnswer     State = "no-answer"
)

// Terminal reports whether the state concludes the current call attempt.
// Every terminal state has a path back to Idle via the post-end timer or a
// user hangup.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateUnavailable || s == StateNoAnswer
}

// AwaitingAnswer reports whether the no-answer timer applies.
func (s State) AwaitingAnswer() bool {
	return s == StateDialing || s == StateRinging
}

// InCall reports whether media is supposed to be flowing, which is the
// watchdog's domain.
func (s State) InCall() bool {
	return s == StateConnected || s == StateConnecting
}

// Role fixes which side of the call the local participant is on.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)
