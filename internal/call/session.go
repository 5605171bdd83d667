package call

import (
	"context"
	"time"

	"github.com/velacare/callwire/internal/media"
	"github.com/velacare/callwire/internal/peer"
)

// session is the single mutable record of an in-progress or just-ended
// call. It is owned exclusively by the coordinator loop; nothing outside
// the loop touches it. The generation token tags every timer and helper
// goroutine spawned for this session so late results for a superseded
// session are detected and dropped.
type session struct {
	gen      uint64
	role     Role
	kind     peer.Kind
	state    State
	remoteID string

	// startedAt is set only on the transition into Connected and is
	// preserved across Connecting demotions.
	startedAt time.Time

	local  *media.Stream
	remote *media.Stream
	call   peer.Call
	link   peer.SignalingLink

	muted    bool
	videoOff bool

	// declineReceived distinguishes a declined attempt from a missed one
	// when the outcome is recorded.
	declineReceived bool
	recorded        bool

	// prior remembers the state to revert to after a transport reconnect.
	prior State

	// cancelTask aborts the pending acquire/dial/answer helper goroutine.
	cancelTask context.CancelFunc

	// reason carries a user-facing message for failure states.
	reason string
}

// Snapshot is the read-only view of the session exposed to the UI layer.
// A zero-session snapshot has State Idle and empty fields.
type Snapshot struct {
	State     State     `json:"state"`
	Role      Role      `json:"role,omitempty"`
	Kind      peer.Kind `json:"kind,omitempty"`
	RemoteID  string    `json:"remote_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Muted     bool      `json:"muted"`
	VideoOff  bool      `json:"video_off"`
	Reason    string    `json:"reason,omitempty"`
}

// Duration returns the elapsed talk time, zero before the call connects.
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() || !s.State.InCall() {
		return 0
	}
	return time.Since(s.StartedAt)
}

func (s *session) snapshot() Snapshot {
	if s == nil {
		return Snapshot{State: StateIdle}
	}
	return Snapshot{
		State:     s.state,
		Role:      s.role,
		Kind:      s.kind,
		RemoteID:  s.remoteID,
		StartedAt: s.startedAt,
		Muted:     s.muted,
		VideoOff:  s.videoOff,
		Reason:    s.reason,
	}
}
