package peerwire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/velacare/callwire/internal/media"
	"github.com/velacare/callwire/internal/peer"
)

const (
	relayHandshakeTimeout = 4 * time.Second
	relayWriteTimeout     = 3 * time.Second
	relayOpenTimeout      = 5 * time.Second

	transportEventBuffer = 16
	callEventBuffer      = 16
	signalEventBuffer    = 8
)

var ErrTransportClosed = errors.New("peerwire: transport closed")

// Transport is the websocket relay binding of peer.Transport. A single
// relay connection multiplexes registration, calls, and signaling links;
// the read loop fans frames out to per-call and per-link channels and
// never blocks on a slow consumer.
type Transport struct {
	relayURL string
	dialer   websocket.Dialer

	identity string
	address  string

	// connMu guards the current connection for writes and replacement on
	// reconnect.
	connMu sync.Mutex
	conn   *websocket.Conn

	mu     sync.Mutex
	calls  map[string]*relayCall
	links  map[string]*relayLink
	closed bool
	events chan peer.Event
}

func NewTransport(relayURL string) (*Transport, error) {
	relayURL, err := normalizeRelayURL(relayURL)
	if err != nil {
		return nil, err
	}
	return &Transport{
		relayURL: relayURL,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: relayHandshakeTimeout,
		},
		calls:  make(map[string]*relayCall),
		links:  make(map[string]*relayLink),
		events: make(chan peer.Event, transportEventBuffer),
	}, nil
}

func normalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("peerwire: relay url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Register connects to the relay and claims an ephemeral address: the
// identity plus a millisecond stamp, so a stale registration from a
// previous run never collides with a fresh one.
func (t *Transport) Register(ctx context.Context, identity string) (string, error) {
	t.identity = identity
	t.address = fmt.Sprintf("%s-%d", identity, time.Now().UnixMilli())
	if err := t.connect(ctx); err != nil {
		return "", err
	}
	return t.address, nil
}

// Reconnect re-dials the relay and re-claims the same address. The relay
// treats a re-open of a known address as a takeover.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.connect(ctx)
}

func (t *Transport) connect(ctx context.Context) error {
	conn, resp, err := t.dialer.DialContext(ctx, t.relayURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("relay dial failed: %w", err)
	}

	if err := writeFrame(conn, frame{Type: frameOpen, From: t.identity, Address: t.address}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("relay open write: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(relayOpenTimeout))
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("relay open ack read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if ack.Type != frameOpen {
		_ = conn.Close()
		return fmt.Errorf("relay open ack: unexpected frame %q", ack.Type)
	}
	if ack.Address != "" {
		t.address = ack.Address
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	go t.readLoop(conn)
	return nil
}

func (t *Transport) Dial(_ context.Context, address string, local *media.Stream, meta peer.CallMeta) (peer.Call, error) {
	c := &relayCall{
		transport:    t,
		id:           uuid.NewString(),
		remote:       address,
		meta:         meta,
		remoteTracks: make(map[string]*media.Track),
		events:       make(chan peer.CallEvent, callEventBuffer),
	}
	if err := t.addCall(c); err != nil {
		return nil, err
	}
	err := t.write(frame{
		Type:   frameCallOffer,
		From:   t.address,
		To:     address,
		CallID: c.id,
		Meta:   &meta,
		Stream: describeStream(local),
	})
	if err != nil {
		t.dropCall(c.id)
		return nil, err
	}
	return c, nil
}

func (t *Transport) OpenSignaling(_ context.Context, address string) (peer.SignalingLink, error) {
	l := &relayLink{
		transport: t,
		id:        uuid.NewString(),
		remote:    address,
		events:    make(chan peer.Signal, signalEventBuffer),
	}
	if err := t.addLink(l); err != nil {
		return nil, err
	}
	err := t.write(frame{Type: frameSignalOpen, From: t.address, To: address, LinkID: l.id})
	if err != nil {
		t.dropLink(l.id)
		return nil, err
	}
	return l, nil
}

func (t *Transport) Events() <-chan peer.Event { return t.events }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	calls := make([]*relayCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	links := make([]*relayLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.calls = map[string]*relayCall{}
	t.links = map[string]*relayLink{}
	close(t.events)
	t.mu.Unlock()

	for _, c := range calls {
		c.closeLocal()
	}
	for _, l := range links {
		l.closeLocal()
	}

	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			t.connMu.Lock()
			current := t.conn == conn
			t.connMu.Unlock()
			if closed || !current {
				// Shut down or superseded by a reconnect.
				return
			}
			log.Warn().Err(err).Msg("relay connection lost")
			t.emit(peer.Event{Type: peer.EventDisconnected})
			return
		}
		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f frame) {
	switch f.Type {
	case frameCallOffer:
		t.handleCallOffer(f)

	case frameCallAnswer, frameStream:
		if c := t.call(f.CallID); c != nil {
			if stream := c.mergeRemote(f.Stream); stream != nil {
				c.deliver(peer.CallEvent{Type: peer.CallEventStream, Stream: stream})
			}
		}

	case frameTrackStatus:
		if c := t.call(f.CallID); c != nil && f.Track != nil {
			c.setTrackLive(f.Track.ID, f.Track.Live)
		}

	case frameCallClose:
		if c := t.call(f.CallID); c != nil {
			c.deliver(peer.CallEvent{Type: peer.CallEventClosed})
			c.closeLocal()
		}

	case frameCallError:
		if c := t.call(f.CallID); c != nil {
			reason := f.Reason
			if reason == "" {
				reason = "call failed"
			}
			c.deliver(peer.CallEvent{Type: peer.CallEventError, Err: errors.New(reason)})
			c.closeLocal()
		}

	case frameSignalOpen:
		l := &relayLink{
			transport: t,
			id:        f.LinkID,
			remote:    f.From,
			events:    make(chan peer.Signal, signalEventBuffer),
		}
		if err := t.addLink(l); err != nil {
			return
		}
		t.emit(peer.Event{Type: peer.EventSignalingLink, Link: l})

	case frameSignalData:
		if l := t.link(f.LinkID); l != nil {
			sig, err := peer.DecodeSignal(f.Payload)
			if err != nil {
				log.Debug().Err(err).Msg("bad signal frame dropped")
				return
			}
			l.deliver(sig)
		}

	case frameHeartbeat:
		_ = t.write(frame{Type: frameHeartbeat, From: t.address})

	default:
		log.Debug().Str("type", string(f.Type)).Msg("unknown relay frame dropped")
	}
}

func (t *Transport) handleCallOffer(f frame) {
	meta := peer.CallMeta{}
	if f.Meta != nil {
		meta = *f.Meta
	}
	c := &relayCall{
		transport:    t,
		id:           f.CallID,
		remote:       f.From,
		meta:         meta,
		remoteTracks: make(map[string]*media.Track),
		events:       make(chan peer.CallEvent, callEventBuffer),
	}
	if err := t.addCall(c); err != nil {
		return
	}
	// The caller's stream rides on the offer; it sits in the call's buffer
	// until the callee answers and starts consuming events.
	if stream := c.mergeRemote(f.Stream); stream != nil {
		c.deliver(peer.CallEvent{Type: peer.CallEventStream, Stream: stream})
	}
	t.emit(peer.Event{Type: peer.EventIncomingCall, Call: c})
}

func (t *Transport) emit(ev peer.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		log.Warn().Msg("transport event dropped: consumer stalled")
	}
}

func (t *Transport) addCall(c *relayCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.calls[c.id] = c
	return nil
}

func (t *Transport) call(id string) *relayCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[id]
}

func (t *Transport) dropCall(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

func (t *Transport) addLink(l *relayLink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.links[l.id] = l
	return nil
}

func (t *Transport) link(id string) *relayLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[id]
}

func (t *Transport) dropLink(id string) {
	t.mu.Lock()
	delete(t.links, id)
	t.mu.Unlock()
}

func (t *Transport) write(f frame) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return errors.New("peerwire: not connected")
	}
	return writeFrame(t.conn, f)
}

func writeFrame(conn *websocket.Conn, f frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(f)
}

// relayCall is one call multiplexed over the relay connection.
type relayCall struct {
	transport *Transport
	id        string
	remote    string
	meta      peer.CallMeta

	mu           sync.Mutex
	closed       bool
	remoteTracks map[string]*media.Track
	events       chan peer.CallEvent
}

func (c *relayCall) Meta() peer.CallMeta           { return c.meta }
func (c *relayCall) RemoteAddress() string         { return c.remote }
func (c *relayCall) Events() <-chan peer.CallEvent { return c.events }

func (c *relayCall) Answer(local *media.Stream) error {
	return c.transport.write(frame{
		Type:   frameCallAnswer,
		From:   c.transport.address,
		To:     c.remote,
		CallID: c.id,
		Stream: describeStream(local),
	})
}

func (c *relayCall) Close() error {
	if !c.closeLocal() {
		return nil
	}
	// Best effort: the remote side also converges via the signaling link.
	_ = c.transport.write(frame{Type: frameCallClose, From: c.transport.address, To: c.remote, CallID: c.id})
	return nil
}

// closeLocal tears down the local half without notifying the remote side.
// Returns false when already closed.
func (c *relayCall) closeLocal() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()
	c.transport.dropCall(c.id)
	return true
}

// deliver queues an event without ever blocking the read loop. A full
// buffer means the coordinator stalled; dropping is the lesser harm.
func (c *relayCall) deliver(ev peer.CallEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("call", c.id).Msg("call event dropped: consumer stalled")
	}
}

// mergeRemote mirrors the wire stream description into live track handles
// and remembers them for later track-status updates.
func (c *relayCall) mergeRemote(info *streamInfo) *media.Stream {
	if info == nil {
		return nil
	}
	stream, byID := materializeStream(info)
	c.mu.Lock()
	for id, track := range byID {
		c.remoteTracks[id] = track
	}
	c.mu.Unlock()
	return stream
}

func (c *relayCall) setTrackLive(id string, live bool) {
	c.mu.Lock()
	track := c.remoteTracks[id]
	c.mu.Unlock()
	if track != nil {
		track.SetLive(live)
	}
}

// relayLink is the auxiliary end/decline channel for one call.
type relayLink struct {
	transport *Transport
	id        string
	remote    string

	mu     sync.Mutex
	closed bool
	events chan peer.Signal
}

func (l *relayLink) Send(sig peer.Signal) error {
	return l.transport.write(frame{
		Type:    frameSignalData,
		From:    l.transport.address,
		To:      l.remote,
		LinkID:  l.id,
		Payload: sig.Encode(),
	})
}

func (l *relayLink) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *relayLink) Events() <-chan peer.Signal { return l.events }

func (l *relayLink) Close() error {
	l.closeLocal()
	return nil
}

func (l *relayLink) closeLocal() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()
	l.transport.dropLink(l.id)
}

func (l *relayLink) deliver(sig peer.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- sig:
	default:
	}
}
