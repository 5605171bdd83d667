// Package httpapi exposes the call coordinator over HTTP: command
// endpoints, a snapshot poll, a websocket state feed, and call history.
package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/velacare/callwire/internal/call"
	"github.com/velacare/callwire/internal/config"
	"github.com/velacare/callwire/internal/history"
	"github.com/velacare/callwire/internal/observability"
	"github.com/velacare/callwire/internal/peer"
)

// CallController is the slice of the coordinator the API drives.
type CallController interface {
	PlaceCall(remoteID string, kind peer.Kind) error
	Accept() error
	Decline() error
	Hangup() error
	ToggleMute() error
	ToggleVideo() error
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
}

type Server struct {
	cfg      config.Config
	calls    CallController
	recorder history.Recorder
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls CallController, recorder history.Recorder, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		calls:    calls,
		recorder: recorder,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from
				// the same origin, so another website cannot watch or
				// drive the user's calls if the API is ever exposed
				// beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/call", s.handlePlaceCall)
	r.Post("/v1/call/accept", s.handleAccept)
	r.Post("/v1/call/decline", s.handleDecline)
	r.Post("/v1/call/hangup", s.handleHangup)
	r.Post("/v1/call/mute", s.handleToggleMute)
	r.Post("/v1/call/video", s.handleToggleVideo)
	r.Get("/v1/call", s.handleSnapshot)
	r.Get("/v1/call/events", s.handleEventsWS)
	r.Get("/v1/history", s.handleHistory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"identity": s.cfg.Identity,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"identity":      s.cfg.Identity,
		"history_store": s.historyStoreMode(),
	})
}

type placeCallRequest struct {
	RemoteID string    `json:"remote_id"`
	Kind     peer.Kind `json:"kind"`
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RemoteID) == "" {
		respondError(w, http.StatusBadRequest, "missing_remote_id", "remote_id is required")
		return
	}
	if req.Kind == "" {
		req.Kind = peer.KindAudio
	}
	if err := s.calls.PlaceCall(req.RemoteID, req.Kind); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, callView(s.calls.Snapshot()))
}

func (s *Server) handleAccept(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.Accept(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, callView(s.calls.Snapshot()))
}

func (s *Server) handleDecline(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.Decline(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, callView(s.calls.Snapshot()))
}

func (s *Server) handleHangup(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.Hangup(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, callView(s.calls.Snapshot()))
}

func (s *Server) handleToggleMute(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.ToggleMute(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, callView(s.calls.Snapshot()))
}

func (s *Server) handleToggleVideo(w http.ResponseWriter, _ *http.Request) {
	if err := s.calls.ToggleVideo(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, callView(s.calls.Snapshot()))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, callView(s.calls.Snapshot()))
}

// handleEventsWS streams state snapshots to the UI as they happen. The read
// side only watches for the client going away.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	snapshots, cancel := s.calls.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 10)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(callView(snap)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	remoteID := strings.TrimSpace(r.URL.Query().Get("remote_id"))

	events, err := s.recorder.RecentEvents(r.Context(), remoteID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	views := make([]historyView, 0, len(events))
	for _, ev := range events {
		views = append(views, historyView{Event: ev, Text: ev.Text()})
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": views})
}

type historyView struct {
	history.Event
	Text string `json:"text"`
}

// snapshotView adds the derived talk duration so clients do not have to
// compute it from StartedAt.
type snapshotView struct {
	call.Snapshot
	DurationSeconds float64 `json:"duration_seconds"`
}

func callView(snap call.Snapshot) snapshotView {
	return snapshotView{Snapshot: snap, DurationSeconds: snap.Duration().Seconds()}
}

func respondCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrBadKind):
		respondError(w, http.StatusBadRequest, "invalid_kind", err.Error())
	case errors.Is(err, call.ErrBusy):
		respondError(w, http.StatusConflict, "call_busy", err.Error())
	case errors.Is(err, call.ErrNoIncoming):
		respondError(w, http.StatusConflict, "no_ringing_call", err.Error())
	case errors.Is(err, call.ErrNoSession):
		respondError(w, http.StatusConflict, "no_active_call", err.Error())
	case errors.Is(err, call.ErrNoVideo):
		respondError(w, http.StatusConflict, "no_video", err.Error())
	case errors.Is(err, call.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) historyStoreMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}
