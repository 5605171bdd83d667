package history

import (
	"context"
	"strings"
)

// NewRecorder creates a postgres-backed recorder when configured, otherwise
// in-memory.
func NewRecorder(ctx context.Context, databaseURL string) (Recorder, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryRecorder(), nil
	}
	return NewPostgresRecorder(ctx, databaseURL)
}
