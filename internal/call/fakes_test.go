package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/velacare/callwire/internal/history"
	"github.com/velacare/callwire/internal/media"
	"github.com/velacare/callwire/internal/observability"
	"github.com/velacare/callwire/internal/peer"
	"github.com/velacare/callwire/internal/tones"
)

type fakeDirectory struct {
	mu         sync.Mutex
	announced  map[string]string
	resolveErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{announced: make(map[string]string)}
}

func (d *fakeDirectory) Announce(_ context.Context, identity, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announced[identity] = address
	return nil
}

func (d *fakeDirectory) Resolve(_ context.Context, identity string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolveErr != nil {
		return "", d.resolveErr
	}
	return identity + "-addr", nil
}

type fakeAcquirer struct {
	mu   sync.Mutex
	err  error
	last *media.Stream
}

func (a *fakeAcquirer) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tracks []*media.Track
	if c.Audio {
		tracks = append(tracks, media.NewTrack(media.TrackAudio))
	}
	if c.Video {
		tracks = append(tracks, media.NewTrack(media.TrackVideo))
	}
	a.last = media.NewStream(tracks...)
	return a.last, nil
}

func (a *fakeAcquirer) lastStream() *media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *fakeRecorder) RecordCallEvent(_ context.Context, event history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRecorder) RecentEvents(_ context.Context, _ string, _ int) ([]history.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...), nil
}

func (r *fakeRecorder) Close() error { return nil }

func (r *fakeRecorder) recorded() []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...)
}

type fakeCall struct {
	meta   peer.CallMeta
	remote string

	mu       sync.Mutex
	answered *media.Stream
	closed   bool
	events   chan peer.CallEvent
}

func newFakeCall(meta peer.CallMeta, remote string) *fakeCall {
	return &fakeCall{meta: meta, remote: remote, events: make(chan peer.CallEvent, 8)}
}

func (f *fakeCall) Meta() peer.CallMeta           { return f.meta }
func (f *fakeCall) RemoteAddress() string         { return f.remote }
func (f *fakeCall) Events() <-chan peer.CallEvent { return f.events }

func (f *fakeCall) Answer(s *media.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = s
	return nil
}

func (f *fakeCall) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeCall) emit(ev peer.CallEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeCall) answeredStream() *media.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answered
}

func (f *fakeCall) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeLink struct {
	mu     sync.Mutex
	sent   []peer.Signal
	closed bool
	events chan peer.Signal
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan peer.Signal, 8)}
}

func (l *fakeLink) Send(s peer.Signal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, s)
	return nil
}

func (l *fakeLink) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *fakeLink) Events() <-chan peer.Signal { return l.events }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	return nil
}

func (l *fakeLink) emit(s peer.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.events <- s
	}
}

func (l *fakeLink) sentSignals() []peer.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]peer.Signal(nil), l.sent...)
}

type fakeTransport struct {
	mu             sync.Mutex
	events         chan peer.Event
	calls          []*fakeCall
	links          []*fakeLink
	dialErr        error
	reconnectErr   error
	reconnectDelay time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan peer.Event, 8)}
}

func (t *fakeTransport) Register(_ context.Context, identity string) (string, error) {
	return identity + "-addr", nil
}

func (t *fakeTransport) Dial(_ context.Context, address string, _ *media.Stream, meta peer.CallMeta) (peer.Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeCall(meta, address)
	t.calls = append(t.calls, c)
	return c, nil
}

func (t *fakeTransport) OpenSignaling(_ context.Context, _ string) (peer.SignalingLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := newFakeLink()
	t.links = append(t.links, l)
	return l, nil
}

func (t *fakeTransport) Reconnect(_ context.Context) error {
	t.mu.Lock()
	delay, err := t.reconnectDelay, t.reconnectErr
	t.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (t *fakeTransport) Events() <-chan peer.Event { return t.events }

func (t *fakeTransport) Close() error {
	close(t.events)
	return nil
}

func (t *fakeTransport) lastCall() *fakeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.calls) == 0 {
		return nil
	}
	return t.calls[len(t.calls)-1]
}

func (t *fakeTransport) lastLink() *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

type testRig struct {
	coord     *Coordinator
	transport *fakeTransport
	directory *fakeDirectory
	acquirer  *fakeAcquirer
	recorder  *fakeRecorder
	states    <-chan Snapshot
}

func newTestRig(t *testing.T, timings Timings) *testRig {
	t.Helper()

	tr := newFakeTransport()
	dir := newFakeDirectory()
	acq := &fakeAcquirer{}
	rec := &fakeRecorder{}
	metrics := observability.NewMetrics(fmt.Sprintf("callwire_test_%d", time.Now().UnixNano()))

	c := NewCoordinator("alice", tr, dir, acq, tones.NewPlayer(nil), rec, metrics, timings)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	states, cancel := c.Subscribe()
	t.Cleanup(cancel)

	return &testRig{coord: c, transport: tr, directory: dir, acquirer: acq, recorder: rec, states: states}
}

// waitState consumes the snapshot stream until the wanted state appears.
// Snapshots are delivered in transition order, so chaining calls asserts a
// state sequence.
func (r *testRig) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-r.states:
			if snap.State == want {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q (current %q)", want, r.coord.Snapshot().State)
		}
	}
}

// waitDialed waits for the dialer goroutine to hand its call to the loop.
func (r *testRig) waitDialed(t *testing.T) *fakeCall {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c := r.transport.lastCall(); c != nil {
			// Give the loop a beat to process evDialReady.
			time.Sleep(5 * time.Millisecond)
			return c
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for outgoing call")
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *testRig) waitRecords(t *testing.T, n int) []history.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		events := r.recorder.recorded()
		if len(events) >= n {
			return events
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d call events, have %d", n, len(events))
		case <-time.After(time.Millisecond):
		}
	}
}
