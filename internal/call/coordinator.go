package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/velacare/callwire/internal/history"
	"github.com/velacare/callwire/internal/media"
	"github.com/velacare/callwire/internal/observability"
	"github.com/velacare/callwire/internal/peer"
	"github.com/velacare/callwire/internal/tones"
)

var (
	ErrClosed     = errors.New("call: coordinator closed")
	ErrBusy       = errors.New("call: another call is active")
	ErrNoIncoming = errors.New("call: no ringing incoming call")
	ErrNoSession  = errors.New("call: no active call")
	ErrNoVideo    = errors.New("call: video not available on this call")
	ErrBadKind    = errors.New("call: unknown call kind")
)

const recordTimeout = 3 * time.Second

// Directory resolves stable identities to ephemeral transport addresses and
// publishes the local one. Implemented by the registry HTTP client.
type Directory interface {
	Announce(ctx context.Context, identity, address string) error
	Resolve(ctx context.Context, identity string) (string, error)
}

// Timings holds every timer the state machine arms. Zero fields fall back
// to the production defaults; tests shrink them to milliseconds.
type Timings struct {
	NoAnswer         time.Duration
	WatchdogInterval time.Duration
	WatchdogGrace    time.Duration
	PostEnd          time.Duration
}

func (t Timings) withDefaults() Timings {
	if t.NoAnswer <= 0 {
		t.NoAnswer = 60 * time.Second
	}
	if t.WatchdogInterval <= 0 {
		t.WatchdogInterval = 10 * time.Second
	}
	if t.WatchdogGrace <= 0 {
		t.WatchdogGrace = 10 * time.Second
	}
	if t.PostEnd <= 0 {
		t.PostEnd = 3 * time.Second
	}
	return t
}

// Coordinator owns the call session state machine. All mutations flow
// through a single loop goroutine fed by one event channel; UI commands,
// transport events, and timer firings never touch the session directly.
type Coordinator struct {
	identity  string
	transport peer.Transport
	directory Directory
	acquirer  media.Acquirer
	tones     *tones.Player
	recorder  history.Recorder
	metrics   *observability.Metrics
	timings   Timings

	events chan event
	done   chan struct{}
	closer sync.Once

	// Loop-owned. Never read or written outside the loop goroutine.
	sess         *session
	gen          uint64
	reconnecting bool
	noAnswerT    *time.Timer
	watchdogT    *time.Timer
	graceT       *time.Timer
	postEndT     *time.Timer

	mu   sync.RWMutex
	snap Snapshot
	subs map[chan Snapshot]struct{}
}

func NewCoordinator(
	identity string,
	transport peer.Transport,
	directory Directory,
	acquirer media.Acquirer,
	tonePlayer *tones.Player,
	recorder history.Recorder,
	metrics *observability.Metrics,
	timings Timings,
) *Coordinator {
	return &Coordinator{
		identity:  identity,
		transport: transport,
		directory: directory,
		acquirer:  acquirer,
		tones:     tonePlayer,
		recorder:  recorder,
		metrics:   metrics,
		timings:   timings.withDefaults(),
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		snap:      Snapshot{State: StateIdle},
		subs:      make(map[chan Snapshot]struct{}),
	}
}

// Start registers the transport address, publishes it to the directory, and
// starts the dispatch loop.
func (c *Coordinator) Start(ctx context.Context) error {
	addr, err := c.transport.Register(ctx, c.identity)
	if err != nil {
		return fmt.Errorf("register transport: %w", err)
	}
	if err := c.directory.Announce(ctx, c.identity, addr); err != nil {
		return fmt.Errorf("announce address: %w", err)
	}
	log.Info().Str("identity", c.identity).Str("address", addr).Msg("call coordinator started")

	go c.loop()
	go c.pumpTransport()
	return nil
}

// Close hangs up any active session and stops the loop. Idempotent.
func (c *Coordinator) Close() error {
	c.closer.Do(func() {
		close(c.done)
	})
	return nil
}

// PlaceCall starts an outgoing call to remoteID. Fails with ErrBusy while
// any session exists.
func (c *Coordinator) PlaceCall(remoteID string, kind peer.Kind) error {
	if !kind.Valid() {
		return ErrBadKind
	}
	c.tones.Prime()
	return c.do(event{typ: evPlaceCall, remoteID: remoteID, kind: kind})
}

// Accept answers the ringing incoming call.
func (c *Coordinator) Accept() error {
	c.tones.Prime()
	return c.do(event{typ: evAccept})
}

// Decline rejects the ringing incoming call and notifies the caller over
// the signaling link.
func (c *Coordinator) Decline() error {
	return c.do(event{typ: evDecline})
}

// Hangup terminates the current attempt wherever it is. A hangup with no
// session, or on an already-concluded one, is a no-op that lands in Idle.
func (c *Coordinator) Hangup() error {
	return c.do(event{typ: evHangup})
}

func (c *Coordinator) ToggleMute() error {
	return c.do(event{typ: evToggleMute})
}

func (c *Coordinator) ToggleVideo() error {
	return c.do(event{typ: evToggleVideo})
}

// Snapshot returns the current read-only session view.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Subscribe returns a channel of state snapshots, starting with the current
// one. Slow subscribers miss intermediate snapshots rather than blocking
// the loop. The cancel func must be called to release the subscription.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 64)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.snap
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Coordinator) do(ev event) error {
	ev.errc = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-ev.errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
		ev.releaseResources()
	}
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			if c.sess != nil {
				c.cleanup(peer.SignalEndCall)
				c.recordOutcome()
			}
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// handle processes one event. Generation-tagged events for a session other
// than the current one are stale; they are dropped after releasing any
// resources they carry, so a late result can never resurrect a terminated
// session.
func (c *Coordinator) handle(ev event) {
	if ev.gen != 0 && (c.sess == nil || c.sess.gen != ev.gen) {
		ev.releaseResources()
		return
	}

	switch ev.typ {
	case evPlaceCall:
		ev.errc <- c.handlePlaceCall(ev.remoteID, ev.kind)
	case evAccept:
		ev.errc <- c.handleAccept()
	case evDecline:
		ev.errc <- c.handleDecline()
	case evHangup:
		c.handleHangup()
		ev.errc <- nil
	case evToggleMute:
		ev.errc <- c.handleToggleMute()
	case evToggleVideo:
		ev.errc <- c.handleToggleVideo()

	case evIncomingCall:
		c.handleIncomingCall(ev.call)
	case evIncomingLink:
		c.handleIncomingLink(ev.link)
	case evTransportDown:
		c.handleTransportDown()
	case evReconnectDone:
		c.handleReconnectDone(ev.err)

	case evDialReady:
		c.handleDialReady(ev)
	case evDialFailed:
		c.handleDialFailed(ev)
	case evAnswerReady:
		c.handleAnswerReady(ev)
	case evAnswerFailed:
		c.handleAnswerFailed(ev)

	case evRemoteStream:
		c.handleRemoteStream(ev.stream)
	case evCallClosed:
		c.handleRemoteEnded(StateEnded, "")
	case evCallError:
		c.handleRemoteEnded(StateUnavailable, errText(ev.err))
	case evSignal:
		c.handleSignal(ev.signal)

	case evNoAnswerTimeout:
		c.handleNoAnswerTimeout()
	case evWatchdogTick:
		c.handleWatchdogTick()
	case evGraceTimeout:
		c.handleGraceTimeout()
	case evPostEndTimeout:
		c.handlePostEndTimeout()
	}
}

func (c *Coordinator) handlePlaceCall(remoteID string, kind peer.Kind) error {
	if c.sess != nil {
		return ErrBusy
	}

	c.newSession(RoleCaller, kind, remoteID)
	c.setState(StateDialing)
	c.tones.Start(tones.ToneDial)
	c.armNoAnswer()
	c.startDialer(remoteID, kind)
	return nil
}

func (c *Coordinator) startDialer(remoteID string, kind peer.Kind) {
	ctx, cancel := context.WithCancel(context.Background())
	c.sess.cancelTask = cancel
	gen := c.sess.gen
	meta := peer.CallMeta{Kind: kind, CallerID: c.identity}

	go func() {
		addr, err := c.directory.Resolve(ctx, remoteID)
		if err != nil {
			c.post(event{typ: evDialFailed, gen: gen, err: err})
			return
		}
		stream, err := c.acquirer.Acquire(ctx, kind.Constraints())
		if err != nil {
			c.post(event{typ: evDialFailed, gen: gen, err: err, mediaErr: true})
			return
		}
		callHandle, err := c.transport.Dial(ctx, addr, stream, meta)
		if err != nil {
			stream.Close()
			c.post(event{typ: evDialFailed, gen: gen, err: err})
			return
		}
		// The auxiliary link is best-effort: a call can proceed without
		// it, it just loses the out-of-band end/decline fallback.
		link, err := c.transport.OpenSignaling(ctx, addr)
		if err != nil {
			log.Warn().Err(err).Str("remote", remoteID).Msg("signaling link open failed")
			link = nil
		}
		c.post(event{typ: evDialReady, gen: gen, call: callHandle, link: link, stream: stream})
	}()
}

func (c *Coordinator) handleDialReady(ev event) {
	s := c.sess
	if s.state != StateDialing && s.state != StateDisconnected {
		ev.releaseResources()
		return
	}
	s.cancelTask = nil
	s.local = ev.stream
	s.call = ev.call
	s.link = ev.link
	c.pumpCall(s.gen, ev.call)
	if ev.link != nil {
		c.pumpLink(s.gen, ev.link)
	}
}

func (c *Coordinator) handleDialFailed(ev event) {
	s := c.sess
	if s.state != StateDialing && s.state != StateDisconnected {
		return
	}
	s.cancelTask = nil
	if ev.mediaErr {
		// Media acquisition failure aborts the attempt entirely; the
		// user retries after fixing permissions or devices.
		log.Warn().Err(ev.err).Msg("local media acquisition failed")
		c.cleanup("")
		c.resetToIdle(errText(ev.err))
		return
	}
	log.Warn().Err(ev.err).Str("remote", s.remoteID).Msg("call setup failed")
	c.finish(StateUnavailable, "", errText(ev.err))
}

func (c *Coordinator) handleIncomingCall(incoming peer.Call) {
	if c.sess != nil {
		// A second call while one is active is unavailable-by-policy:
		// not modeled as a session and not auto-rejected. The caller's
		// own no-answer timer concludes their side.
		c.metrics.BusyRejections.Inc()
		log.Info().Str("from", incoming.RemoteAddress()).Msg("incoming call ignored: session active")
		return
	}

	meta := incoming.Meta()
	kind := meta.Kind
	if !kind.Valid() {
		kind = peer.KindAudio
	}
	remoteID := meta.CallerID
	if remoteID == "" {
		remoteID = incoming.RemoteAddress()
	}

	c.newSession(RoleCallee, kind, remoteID)
	c.sess.call = incoming
	c.setState(StateRinging)
	c.tones.Start(tones.ToneRing)
	c.armNoAnswer()
	c.pumpCall(c.sess.gen, incoming)
}

func (c *Coordinator) handleIncomingLink(link peer.SignalingLink) {
	if c.sess == nil || c.sess.link != nil {
		_ = link.Close()
		return
	}
	c.sess.link = link
	c.pumpLink(c.sess.gen, link)
}

func (c *Coordinator) handleAccept() error {
	s := c.sess
	if s == nil || s.state != StateRinging || s.role != RoleCallee {
		return ErrNoIncoming
	}

	c.tones.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelTask = cancel
	gen := s.gen
	kind := s.kind
	callHandle := s.call

	go func() {
		stream, err := c.acquirer.Acquire(ctx, kind.Constraints())
		if err != nil {
			c.post(event{typ: evAnswerFailed, gen: gen, err: err, mediaErr: true})
			return
		}
		if err := callHandle.Answer(stream); err != nil {
			stream.Close()
			c.post(event{typ: evAnswerFailed, gen: gen, err: err})
			return
		}
		c.post(event{typ: evAnswerReady, gen: gen, stream: stream})
	}()
	return nil
}

func (c *Coordinator) handleAnswerReady(ev event) {
	s := c.sess
	if s.state != StateRinging {
		ev.releaseResources()
		return
	}
	s.cancelTask = nil
	s.local = ev.stream
	stopTimer(&c.noAnswerT)
	s.startedAt = time.Now().UTC()
	c.setState(StateConnected)
	c.armWatchdog()
}

func (c *Coordinator) handleAnswerFailed(ev event) {
	s := c.sess
	if s.state != StateRinging {
		return
	}
	s.cancelTask = nil
	if ev.mediaErr {
		log.Warn().Err(ev.err).Msg("local media acquisition failed")
		c.cleanup("")
		c.resetToIdle(errText(ev.err))
		return
	}
	c.finish(StateUnavailable, "", errText(ev.err))
}

func (c *Coordinator) handleDecline() error {
	s := c.sess
	if s == nil || s.state != StateRinging || s.role != RoleCallee {
		return ErrNoIncoming
	}
	c.finish(StateEnded, peer.SignalDeclineCall, "")
	return nil
}

func (c *Coordinator) handleHangup() {
	s := c.sess
	if s == nil {
		return
	}
	if s.state.Terminal() {
		// Already concluded; the hangup just dismisses the ended view.
		c.resetToIdle("")
		return
	}
	c.cleanup(peer.SignalEndCall)
	c.recordOutcome()
	c.resetToIdle("")
}

func (c *Coordinator) handleToggleMute() error {
	s := c.sess
	if s == nil || s.local == nil {
		return ErrNoSession
	}
	s.muted = !s.muted
	s.local.SetKindEnabled(media.TrackAudio, !s.muted)
	c.publish()
	return nil
}

func (c *Coordinator) handleToggleVideo() error {
	s := c.sess
	if s == nil || s.local == nil {
		return ErrNoSession
	}
	if s.kind != peer.KindVideo {
		return ErrNoVideo
	}
	s.videoOff = !s.videoOff
	s.local.SetKindEnabled(media.TrackVideo, !s.videoOff)
	c.publish()
	return nil
}

func (c *Coordinator) handleRemoteStream(stream *media.Stream) {
	s := c.sess
	switch {
	case s.role == RoleCaller && s.state == StateDialing:
		s.remote = stream
		stopTimer(&c.noAnswerT)
		c.tones.Stop()
		s.startedAt = time.Now().UTC()
		c.setState(StateConnected)
		c.armWatchdog()
	case s.state == StateRinging:
		// The caller's stream rides along with the offer. Hold it for
		// the pending session so an accepted call starts with live
		// remote media instead of tripping the watchdog.
		s.remote = stream
	case s.state.InCall():
		s.remote = stream
	default:
		stream.Close()
	}
}

// handleRemoteEnded covers the primary transport's close and error events.
// Processing is idempotent: the first conclusion wins and later ones are
// no-ops on the already-terminal session.
func (c *Coordinator) handleRemoteEnded(to State, reason string) {
	s := c.sess
	if s == nil || s.state.Terminal() {
		return
	}
	c.finish(to, "", reason)
}

// handleSignal covers the out-of-band end/decline notices. Receipt is
// treated exactly like a transport close; signals in any other state are
// idempotent no-ops.
func (c *Coordinator) handleSignal(sig peer.Signal) {
	c.metrics.SignalsReceived.WithLabelValues(string(sig.Type)).Inc()
	s := c.sess
	if s == nil || s.state.Terminal() {
		return
	}
	if sig.Type == peer.SignalDeclineCall {
		s.declineReceived = true
	}
	log.Info().Str("signal", string(sig.Type)).Msg("remote ended via signaling link")
	c.finish(StateEnded, "", "")
}

func (c *Coordinator) handleNoAnswerTimeout() {
	s := c.sess
	if s == nil {
		return
	}
	awaiting := s.state.AwaitingAnswer() ||
		(s.state == StateDisconnected && s.prior.AwaitingAnswer())
	if !awaiting {
		return
	}

	c.cleanup(peer.SignalEndCall)
	c.recordOutcome()
	c.setState(StateNoAnswer)
	c.setState(StateEnded)
	c.armPostEnd()
}

func (c *Coordinator) handleTransportDown() {
	if !c.reconnecting {
		c.reconnecting = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			err := c.transport.Reconnect(ctx)
			c.post(event{typ: evReconnectDone, err: err})
		}()
	}

	s := c.sess
	if s == nil || s.state.Terminal() || s.state == StateDisconnected {
		return
	}
	s.prior = s.state
	c.setState(StateDisconnected)
}

func (c *Coordinator) handleReconnectDone(err error) {
	c.reconnecting = false
	s := c.sess

	if err != nil {
		c.metrics.TransportReconnect.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("transport reconnect failed")
		if s != nil && s.state == StateDisconnected {
			c.finish(StateUnavailable, "", "connection lost")
		}
		return
	}

	c.metrics.TransportReconnect.WithLabelValues("success").Inc()
	if s == nil || s.state != StateDisconnected {
		return
	}
	c.setState(s.prior)
	if s.prior.InCall() {
		// The watchdog decides whether media survived the outage.
		c.armWatchdog()
	}
}

func (c *Coordinator) handlePostEndTimeout() {
	s := c.sess
	if s == nil || !s.state.Terminal() {
		return
	}
	c.resetToIdle("")
}

// finish concludes the attempt into a terminal display state and arms the
// post-end timer that returns to Idle. sig, when set, is sent over the
// signaling link before teardown so the remote side converges even if the
// transport's own close event never arrives.
func (c *Coordinator) finish(to State, sig peer.SignalType, reason string) {
	s := c.sess
	if s == nil || s.state.Terminal() {
		return
	}
	c.cleanup(sig)
	c.recordOutcome()
	s.reason = reason
	c.setState(to)
	c.armPostEnd()
}

// cleanup tears down everything resettable: timers, tones, the pending
// helper task, media, the call handle, and the signaling link. It does not
// change state.
func (c *Coordinator) cleanup(sig peer.SignalType) {
	s := c.sess

	stopTimer(&c.noAnswerT)
	stopTimer(&c.watchdogT)
	stopTimer(&c.graceT)

	if s.cancelTask != nil {
		s.cancelTask()
		s.cancelTask = nil
	}

	c.tones.Stop()

	if sig != "" && s.link != nil && s.link.Open() {
		if err := s.link.Send(peer.Signal{Type: sig}); err != nil {
			log.Debug().Err(err).Str("signal", string(sig)).Msg("signal send failed")
		}
	}
	if s.call != nil {
		_ = s.call.Close()
	}
	if s.link != nil {
		_ = s.link.Close()
	}
	if s.local != nil {
		s.local.Close()
		s.local = nil
	}
	if s.remote != nil {
		s.remote.Close()
		s.remote = nil
	}

	if !s.startedAt.IsZero() {
		c.metrics.ObserveCallDuration(time.Since(s.startedAt))
	}

	s.muted = false
	s.videoOff = false
}

// recordOutcome emits the chat-visible call event, exactly once per
// concluded attempt. Only the call-initiating side records: the callee
// cannot distinguish "I declined" from "they hung up first", but the
// caller always can.
func (c *Coordinator) recordOutcome() {
	s := c.sess
	if s == nil || s.recorded || s.role != RoleCaller {
		return
	}
	s.recorded = true

	outcome := history.OutcomeMissed
	switch {
	case !s.startedAt.IsZero():
		outcome = history.OutcomePlaced
	case s.declineReceived:
		outcome = history.OutcomeDeclined
	}
	c.metrics.CallOutcomes.WithLabelValues(string(s.kind), string(outcome)).Inc()

	ev := history.Event{
		RemoteID: s.remoteID,
		Kind:     s.kind,
		Outcome:  outcome,
		At:       time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := c.recorder.RecordCallEvent(ctx, ev); err != nil {
			log.Error().Err(err).Str("outcome", string(ev.Outcome)).Msg("call event record failed")
		}
	}()
}

func (c *Coordinator) newSession(role Role, kind peer.Kind, remoteID string) {
	c.gen++
	c.sess = &session{
		gen:      c.gen,
		role:     role,
		kind:     kind,
		state:    StateIdle,
		remoteID: remoteID,
	}
	c.metrics.ActiveCall.Set(1)
}

func (c *Coordinator) resetToIdle(reason string) {
	stopTimer(&c.postEndT)
	c.sess = nil
	c.metrics.ActiveCall.Set(0)
	c.publishSnapshot(Snapshot{State: StateIdle, Reason: reason})
}

func (c *Coordinator) setState(to State) {
	from := c.sess.state
	c.sess.state = to
	c.metrics.StateTransitions.WithLabelValues(string(to)).Inc()
	log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("remote", c.sess.remoteID).
		Msg("call state")
	c.publish()
}

func (c *Coordinator) publish() {
	c.publishSnapshot(c.sess.snapshot())
}

func (c *Coordinator) publishSnapshot(snap Snapshot) {
	c.mu.Lock()
	c.snap = snap
	for sub := range c.subs {
		select {
		case sub <- snap:
		default:
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) armNoAnswer() {
	gen := c.sess.gen
	stopTimer(&c.noAnswerT)
	c.noAnswerT = time.AfterFunc(c.timings.NoAnswer, func() {
		c.post(event{typ: evNoAnswerTimeout, gen: gen})
	})
}

func (c *Coordinator) armPostEnd() {
	gen := c.sess.gen
	stopTimer(&c.postEndT)
	c.postEndT = time.AfterFunc(c.timings.PostEnd, func() {
		c.post(event{typ: evPostEndTimeout, gen: gen})
	})
}

func (c *Coordinator) pumpTransport() {
	for ev := range c.transport.Events() {
		switch ev.Type {
		case peer.EventIncomingCall:
			c.post(event{typ: evIncomingCall, call: ev.Call})
		case peer.EventSignalingLink:
			c.post(event{typ: evIncomingLink, link: ev.Link})
		case peer.EventDisconnected:
			c.post(event{typ: evTransportDown})
		}
	}
}

func (c *Coordinator) pumpCall(gen uint64, callHandle peer.Call) {
	go func() {
		for ev := range callHandle.Events() {
			switch ev.Type {
			case peer.CallEventStream:
				c.post(event{typ: evRemoteStream, gen: gen, stream: ev.Stream})
			case peer.CallEventClosed:
				c.post(event{typ: evCallClosed, gen: gen})
			case peer.CallEventError:
				c.post(event{typ: evCallError, gen: gen, err: ev.Err})
			}
		}
	}()
}

func (c *Coordinator) pumpLink(gen uint64, link peer.SignalingLink) {
	go func() {
		for sig := range link.Events() {
			c.post(event{typ: evSignal, gen: gen, signal: sig})
		}
	}()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
