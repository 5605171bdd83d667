// Package peerwire binds the call coordinator to the websocket relay. One
// relay connection multiplexes registration, every call, and every
// signaling link; frames are JSON text messages.
package peerwire

import (
	"encoding/json"

	"github.com/velacare/callwire/internal/media"
	"github.com/velacare/callwire/internal/peer"
)

type frameType string

const (
	// frameOpen registers an address on the relay. Sent by the client on
	// connect and echoed by the relay as confirmation.
	frameOpen frameType = "open"

	frameCallOffer  frameType = "call-offer"
	frameCallAnswer frameType = "call-answer"
	frameCallClose  frameType = "call-close"
	frameCallError  frameType = "call-error"

	// frameStream describes the sender's media stream for a call. The
	// receiving side mirrors it into local track handles.
	frameStream frameType = "stream"
	// frameTrackStatus updates the liveness of one previously described
	// track.
	frameTrackStatus frameType = "track-status"

	frameSignalOpen frameType = "signal-open"
	frameSignalData frameType = "signal-data"

	frameHeartbeat frameType = "heartbeat"
)

// frame is the relay wire envelope. Fields are populated per type; the
// relay routes on To and never inspects the rest.
type frame struct {
	Type    frameType       `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Address string          `json:"address,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	LinkID  string          `json:"link_id,omitempty"`
	Meta    *peer.CallMeta  `json:"meta,omitempty"`
	Stream  *streamInfo     `json:"stream,omitempty"`
	Track   *trackStatus    `json:"track,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

type streamInfo struct {
	ID     string      `json:"id"`
	Tracks []trackInfo `json:"tracks"`
}

type trackInfo struct {
	ID   string          `json:"id"`
	Kind media.TrackKind `json:"kind"`
	Live bool            `json:"live"`
}

type trackStatus struct {
	ID   string `json:"id"`
	Live bool   `json:"live"`
}

// describeStream flattens a local stream for the wire.
func describeStream(s *media.Stream) *streamInfo {
	if s == nil {
		return nil
	}
	info := &streamInfo{ID: s.ID}
	for _, t := range s.Tracks() {
		info.Tracks = append(info.Tracks, trackInfo{ID: t.ID, Kind: t.Kind, Live: t.Live()})
	}
	return info
}

// materializeStream rebuilds a remote stream from its wire description and
// returns the track handles keyed by wire ID so later track-status frames
// can update liveness in place.
func materializeStream(info *streamInfo) (*media.Stream, map[string]*media.Track) {
	if info == nil {
		return nil, nil
	}
	tracks := make([]*media.Track, 0, len(info.Tracks))
	byID := make(map[string]*media.Track, len(info.Tracks))
	for _, ti := range info.Tracks {
		t := media.NewTrack(ti.Kind)
		t.SetLive(ti.Live)
		tracks = append(tracks, t)
		byID[ti.ID] = t
	}
	return media.NewStream(tracks...), byID
}
