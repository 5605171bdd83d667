package media

import (
	"context"
	"errors"
	"time"
)

// Constraints selects which capture tracks to open.
type Constraints struct {
	Audio bool
	Video bool
}

var (
	// ErrPermissionDenied means the user refused capture access.
	ErrPermissionDenied = errors.New("media: capture permission denied")
	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("media: capture device unavailable")
)

// Acquirer opens the local capture stream. Acquisition can suspend for a
// user-visible interval (permission prompt), so callers must run it off the
// control loop and honor context cancellation.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// DeviceAcquirer opens tracks against the host capture devices. OpenDelay
// models the permission-prompt latency and keeps the cancellation path honest
// in integration runs; zero means immediate.
type DeviceAcquirer struct {
	OpenDelay time.Duration
}

func (a *DeviceAcquirer) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, ErrDeviceUnavailable
	}
	if a.OpenDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.OpenDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tracks []*Track
	if c.Audio {
		tracks = append(tracks, NewTrack(TrackAudio))
	}
	if c.Video {
		tracks = append(tracks, NewTrack(TrackVideo))
	}
	return NewStream(tracks...), nil
}
