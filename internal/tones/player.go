// Package tones plays the looped dial and ring cues. The player holds no
// call state of its own; the coordinator starts and stops it on transitions.
package tones

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Tone identifies a looped audio cue.
type Tone string

const (
	ToneDial Tone = "dial"
	ToneRing Tone = "ring"
)

// Sink is the audio output. The default no-op sink only logs, which is
// enough for headless runs and tests; a UI embeds a real one.
type Sink interface {
	StartLoop(t Tone)
	StopLoop(t Tone)
}

type logSink struct{}

func (logSink) StartLoop(t Tone) { log.Debug().Str("tone", string(t)).Msg("tone loop start") }
func (logSink) StopLoop(t Tone)  { log.Debug().Str("tone", string(t)).Msg("tone loop stop") }

// Player tracks which cue is looping and guards the sink against duplicate
// starts. Platforms that block autoplay need a one-time unlock gesture
// before a loop is audible; Prime records that gesture.
type Player struct {
	mu      sync.Mutex
	sink    Sink
	playing Tone
	primed  bool
}

func NewPlayer(sink Sink) *Player {
	if sink == nil {
		sink = logSink{}
	}
	return &Player{sink: sink}
}

// Prime marks the audio output as unlocked by a user gesture. Loops started
// before priming begin silently and become audible on the first Start after.
func (p *Player) Prime() {
	p.mu.Lock()
	p.primed = true
	p.mu.Unlock()
}

func (p *Player) Primed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primed
}

// Start begins looping the given tone, replacing any other loop.
func (p *Player) Start(t Tone) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing == t {
		return
	}
	if p.playing != "" {
		p.sink.StopLoop(p.playing)
	}
	p.playing = t
	p.sink.StartLoop(t)
}

// Stop silences whatever is looping. Safe to call when nothing plays.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing == "" {
		return
	}
	p.sink.StopLoop(p.playing)
	p.playing = ""
}

// Playing returns the currently looping tone, or empty.
func (p *Player) Playing() Tone {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
