package media

import (
	"sync"

	"github.com/google/uuid"
)

// TrackKind distinguishes audio and video tracks within a stream.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a single capture or playback track. Liveness is the track's
// self-reported "actively producing data" flag; a track can be open but no
// longer live (device unplugged, remote side stalled). Enabled is the user
// facing mute/camera-off toggle and is independent of liveness.
type Track struct {
	ID   string
	Kind TrackKind

	mu      sync.Mutex
	live    bool
	enabled bool
}

func NewTrack(kind TrackKind) *Track {
	return &Track{
		ID:      uuid.NewString(),
		Kind:    kind,
		live:    true,
		enabled: true,
	}
}

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// SetLive updates the liveness flag. Called by the capture layer for local
// tracks and by the transport binding for remote tracks.
func (t *Track) SetLive(live bool) {
	t.mu.Lock()
	t.live = live
	t.mu.Unlock()
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stop ends the track; a stopped track is never live again.
func (t *Track) Stop() {
	t.SetLive(false)
}

// Stream groups the tracks belonging to one capture source or one remote
// peer. The track slice is fixed at construction; only per-track flags
// change afterwards, so concurrent readers need no stream-level lock.
type Stream struct {
	ID     string
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{ID: uuid.NewString(), tracks: tracks}
}

func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	return s.tracks
}

// Live reports whether at least one track is still producing data. A nil
// stream is never live.
func (s *Stream) Live() bool {
	if s == nil {
		return false
	}
	for _, t := range s.tracks {
		if t.Live() {
			return true
		}
	}
	return false
}

// SetKindEnabled flips the enabled flag on every track of the given kind and
// returns the new enabled state, or the previous state when no such track
// exists.
func (s *Stream) SetKindEnabled(kind TrackKind, enabled bool) bool {
	if s == nil {
		return false
	}
	for _, t := range s.tracks {
		if t.Kind == kind {
			t.SetEnabled(enabled)
		}
	}
	return enabled
}

// KindEnabled reports whether any track of the given kind is enabled.
func (s *Stream) KindEnabled(kind TrackKind) bool {
	if s == nil {
		return false
	}
	for _, t := range s.tracks {
		if t.Kind == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// Close stops every track and releases the capture source.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		t.Stop()
	}
}
