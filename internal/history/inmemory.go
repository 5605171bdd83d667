package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRecorder keeps call events in process memory for local/dev use.
type InMemoryRecorder struct {
	mu     sync.RWMutex
	events map[string][]Event
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{events: make(map[string][]Event)}
}

func (r *InMemoryRecorder) RecordCallEvent(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	r.events[event.RemoteID] = append(r.events[event.RemoteID], event)
	return nil
}

// RecentEvents returns the newest events oldest-first. An empty remoteID
// spans all remotes.
func (r *InMemoryRecorder) RecentEvents(_ context.Context, remoteID string, limit int) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var arr []Event
	if remoteID != "" {
		arr = r.events[remoteID]
	} else {
		for _, evs := range r.events {
			arr = append(arr, evs...)
		}
		sort.Slice(arr, func(i, j int) bool { return arr[i].At.Before(arr[j].At) })
	}
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Event, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (r *InMemoryRecorder) Close() error { return nil }
