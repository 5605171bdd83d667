package peer

import (
	"encoding/json"
	"fmt"
)

// SignalType identifies a control signal on the signaling link.
type SignalType string

const (
	// SignalEndCall tells the remote side the local participant hung up.
	SignalEndCall SignalType = "end-call"
	// SignalDeclineCall tells the caller the callee declined before answer.
	SignalDeclineCall SignalType = "decline-call"
)

// Signal is a control message on the signaling link. It carries no payload
// beyond the discriminator and is safe to receive more than once.
type Signal struct {
	Type SignalType `json:"type"`
}

func (s Signal) Valid() bool {
	return s.Type == SignalEndCall || s.Type == SignalDeclineCall
}

// DecodeSignal parses a raw signaling frame. Unknown types are an error so
// the receiver can drop them without acting.
func DecodeSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	if !s.Valid() {
		return Signal{}, fmt.Errorf("decode signal: unknown type %q", s.Type)
	}
	return s, nil
}

func (s Signal) Encode() []byte {
	data, _ := json.Marshal(s)
	return data
}
