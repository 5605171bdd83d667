package tones

import "testing"

type recordingSink struct {
	started []Tone
	stopped []Tone
}

func (s *recordingSink) StartLoop(t Tone) { s.started = append(s.started, t) }
func (s *recordingSink) StopLoop(t Tone)  { s.stopped = append(s.stopped, t) }

func TestStartIsIdempotentPerTone(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayer(sink)

	p.Start(ToneDial)
	p.Start(ToneDial)

	if len(sink.started) != 1 {
		t.Fatalf("started %d loops, want 1", len(sink.started))
	}
	if p.Playing() != ToneDial {
		t.Fatalf("playing = %q, want %q", p.Playing(), ToneDial)
	}
}

func TestStartReplacesOtherTone(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayer(sink)

	p.Start(ToneDial)
	p.Start(ToneRing)

	if len(sink.stopped) != 1 || sink.stopped[0] != ToneDial {
		t.Fatalf("stopped = %v, want [dial]", sink.stopped)
	}
	if p.Playing() != ToneRing {
		t.Fatalf("playing = %q, want %q", p.Playing(), ToneRing)
	}
}

func TestStopWithoutLoopIsNoop(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayer(sink)

	p.Stop()
	if len(sink.stopped) != 0 {
		t.Fatalf("stop on idle player should not reach the sink")
	}

	p.Start(ToneRing)
	p.Stop()
	p.Stop()
	if len(sink.stopped) != 1 {
		t.Fatalf("stopped %d loops, want 1", len(sink.stopped))
	}
}

func TestPrime(t *testing.T) {
	p := NewPlayer(nil)
	if p.Primed() {
		t.Fatalf("player should start unprimed")
	}
	p.Prime()
	if !p.Primed() {
		t.Fatalf("Prime() should stick")
	}
}
