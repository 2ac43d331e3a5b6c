// Package relay exposes the sync core over HTTP: task tracking endpoints,
// a websocket feed of state changes, an SSE proxy for per-task backend
// streams, and the shared UI preference keys.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mehedi37/tasksync/internal/backend"
	"github.com/mehedi37/tasksync/internal/config"
	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/storage"
	"github.com/mehedi37/tasksync/internal/tasks"
	"github.com/mehedi37/tasksync/internal/tracking"
	"github.com/mehedi37/tasksync/internal/transport"
)

type Server struct {
	cfg      config.Config
	tracker  *tracking.Service
	manager  *tasks.Manager
	backend  *backend.Client
	conn     *transport.Manager
	store    storage.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(
	cfg config.Config,
	tracker *tracking.Service,
	manager *tasks.Manager,
	backendClient *backend.Client,
	conn *transport.Manager,
	store storage.Store,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:     cfg,
		tracker: tracker,
		manager: manager,
		backend: backendClient,
		conn:    conn,
		store:   store,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin only unless a non-browser client omits Origin.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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

	r.Post("/v1/tasks/{id}/track", s.handleTrackTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Delete("/v1/tasks/{id}", s.handleUntrackTask)
	r.Get("/v1/tasks/{id}/stream", s.handleStreamProxy)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks", s.handleListTasks)

	r.Get("/v1/events/ws", s.handleEventsWS)

	r.Get("/v1/prefs/{key}", s.handleGetPref)
	r.Put("/v1/prefs/{key}", s.handlePutPref)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"connection": s.connectionState(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"connection": s.connectionState(),
		"tracked":    len(s.manager.SnapshotAll()),
	})
}

func (s *Server) connectionState() string {
	if s.conn == nil {
		return "poll-only"
	}
	return string(s.conn.State())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func taskIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
