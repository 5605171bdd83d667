package history

import (
	"context"
	"testing"

	"github.com/velacare/callwire/internal/peer"
)

func TestRecordAndRecent(t *testing.T) {
	r := NewInMemoryRecorder()
	ctx := context.Background()

	events := []Event{
		{RemoteID: "doc-17", Kind: peer.KindAudio, Outcome: OutcomeMissed},
		{RemoteID: "doc-17", Kind: peer.KindVideo, Outcome: OutcomePlaced},
		{RemoteID: "mkt-3", Kind: peer.KindAudio, Outcome: OutcomeDeclined},
	}
	for _, e := range events {
		if err := r.RecordCallEvent(ctx, e); err != nil {
			t.Fatalf("RecordCallEvent() error = %v", err)
		}
	}

	got, err := r.RecentEvents(ctx, "doc-17", 10)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("event count = %d, want 2", len(got))
	}
	if got[0].Outcome != OutcomeMissed || got[1].Outcome != OutcomePlaced {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].ID == "" || got[0].At.IsZero() {
		t.Fatalf("recorder should fill ID and timestamp")
	}
}

func TestRecentLimit(t *testing.T) {
	r := NewInMemoryRecorder()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := r.RecordCallEvent(ctx, Event{RemoteID: "doc-17", Kind: peer.KindAudio, Outcome: OutcomePlaced}); err != nil {
			t.Fatalf("RecordCallEvent() error = %v", err)
		}
	}

	got, err := r.RecentEvents(ctx, "doc-17", 2)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("event count = %d, want 2", len(got))
	}
}

func TestEventText(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{Event{Kind: peer.KindAudio, Outcome: OutcomePlaced}, "audio call"},
		{Event{Kind: peer.KindVideo, Outcome: OutcomePlaced}, "video call"},
		{Event{Kind: peer.KindAudio, Outcome: OutcomeMissed}, "Missed call"},
		{Event{Kind: peer.KindVideo, Outcome: OutcomeDeclined}, "Missed call"},
	}
	for _, c := range cases {
		if got := c.event.Text(); got != c.want {
			t.Fatalf("Text(%s/%s) = %q, want %q", c.event.Kind, c.event.Outcome, got, c.want)
		}
	}
}

func TestFactoryDefaultsToInMemory(t *testing.T) {
	r, err := NewRecorder(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	if _, ok := r.(*InMemoryRecorder); !ok {
		t.Fatalf("recorder type = %T, want *InMemoryRecorder", r)
	}
}

func TestRecentAcrossAllRemotes(t *testing.T) {
	r := NewInMemoryRecorder()
	ctx := context.Background()

	for _, e := range []Event{
		{RemoteID: "doc-17", Kind: peer.KindAudio, Outcome: OutcomeMissed},
		{RemoteID: "mkt-3", Kind: peer.KindVideo, Outcome: OutcomePlaced},
	} {
		if err := r.RecordCallEvent(ctx, e); err != nil {
			t.Fatalf("RecordCallEvent() error = %v", err)
		}
	}

	got, err := r.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("event count = %d, want 2", len(got))
	}
	if got[0].At.After(got[1].At) {
		t.Fatalf("events not oldest-first: %+v", got)
	}
}
