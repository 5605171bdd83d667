package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velacare/callwire/internal/peer"
)

// PostgresRecorder persists call events in PostgreSQL so the chat history
// survives restarts.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

func NewPostgresRecorder(ctx context.Context, databaseURL string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRecorder{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_events (
			id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			outcome TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_remote_occurred ON call_events (remote_id, occurred_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (r *PostgresRecorder) RecordCallEvent(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO call_events (id, remote_id, kind, outcome, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID,
		event.RemoteID,
		string(event.Kind),
		string(event.Outcome),
		event.At,
	)
	if err != nil {
		return fmt.Errorf("record call event: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) RecentEvents(ctx context.Context, remoteID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	// An empty remoteID spans all remotes.
	rows, err := r.pool.Query(ctx,
		`SELECT id, remote_id, kind, outcome, occurred_at
		 FROM call_events
		 WHERE ($1 = '' OR remote_id = $1)
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		remoteID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind, outcome string
		if err := rows.Scan(&e.ID, &e.RemoteID, &kind, &outcome, &e.At); err != nil {
			return nil, fmt.Errorf("scan call event: %w", err)
		}
		e.Kind = peer.Kind(kind)
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call events: %w", err)
	}

	// Oldest first, matching the in-memory recorder.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *PostgresRecorder) Close() error {
	r.pool.Close()
	return nil
}
