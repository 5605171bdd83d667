package call

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/velacare/callwire/internal/peer"
)

// The media watchdog runs only while the session is Connected or
// Connecting. Each check is an event on the coordinator loop, so it never
// races a user action or a transport event; the periodic timer re-arms
// itself from inside the tick handler and therefore never fires twice
// concurrently.

func (c *Coordinator) armWatchdog() {
	gen := c.sess.gen
	stopTimer(&c.watchdogT)
	c.watchdogT = time.AfterFunc(c.timings.WatchdogInterval, func() {
		c.post(event{typ: evWatchdogTick, gen: gen})
	})
}

func (c *Coordinator) armGrace() {
	gen := c.sess.gen
	stopTimer(&c.graceT)
	c.graceT = time.AfterFunc(c.timings.WatchdogGrace, func() {
		c.post(event{typ: evGraceTimeout, gen: gen})
	})
}

// mediaAlive requires at least one live track on both the local capture
// stream and the remote-received stream. A stream that never arrived
// counts as dead.
func (c *Coordinator) mediaAlive() bool {
	return c.sess.local.Live() && c.sess.remote.Live()
}

func (c *Coordinator) handleWatchdogTick() {
	s := c.sess
	if !s.state.InCall() {
		// Left Connected since the timer was armed; do not re-arm.
		return
	}

	alive := c.mediaAlive()
	switch {
	case s.state == StateConnected && !alive:
		log.Warn().Str("remote", s.remoteID).Msg("media missing, demoting call")
		c.metrics.WatchdogDemotions.Inc()
		c.setState(StateConnecting)
		c.armGrace()
	case s.state == StateConnecting && alive:
		// Transient blip recovered within the grace window. The
		// duration clock keeps its original start.
		stopTimer(&c.graceT)
		c.setState(StateConnected)
	case s.state == StateConnecting && !alive && c.graceT == nil:
		// The grace window lapsed as a no-op while the session was
		// disconnected. Restart it so dead media still concludes the
		// call after reconnect.
		c.armGrace()
	}

	c.armWatchdog()
}

func (c *Coordinator) handleGraceTimeout() {
	// The timer has fired; clear the spent handle so a later tick can
	// re-arm it.
	c.graceT = nil

	s := c.sess
	if s.state != StateConnecting {
		return
	}
	if c.mediaAlive() {
		c.setState(StateConnected)
		return
	}
	log.Warn().Str("remote", s.remoteID).Msg("media still missing after grace window, ending call")
	c.finish(StateEnded, peer.SignalEndCall, "media connection lost")
}
