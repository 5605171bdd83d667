package history

import (
	"context"
	"time"

	"github.com/velacare/callwire/internal/peer"
)

// Outcome classifies how a call attempt concluded.
type Outcome string

const (
	// OutcomePlaced is a call that connected and later ended normally.
	OutcomePlaced Outcome = "placed"
	// OutcomeMissed is a call that was never answered.
	OutcomeMissed Outcome = "missed"
	// OutcomeDeclined is a call the callee explicitly declined.
	OutcomeDeclined Outcome = "declined"
)

// Event is one chat-visible call history entry. The messaging UI renders it
// as "audio call", "video call" or "Missed call".
type Event struct {
	ID       string    `json:"id"`
	RemoteID string    `json:"remote_id"`
	Kind     peer.Kind `json:"kind"`
	Outcome  Outcome   `json:"outcome"`
	At       time.Time `json:"at"`
}

// Text returns the chat entry body for this event.
func (e Event) Text() string {
	if e.Outcome == OutcomeMissed || e.Outcome == OutcomeDeclined {
		return "Missed call"
	}
	return string(e.Kind) + " call"
}

// Recorder persists concluded call attempts. Recording is fire-and-forget
// from the coordinator's perspective; failures must never affect teardown.
type Recorder interface {
	RecordCallEvent(ctx context.Context, event Event) error
	RecentEvents(ctx context.Context, remoteID string, limit int) ([]Event, error)
	Close() error
}
