package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mehedi37/tasksync/internal/tasks"
	"github.com/mehedi37/tasksync/internal/tracking"
	"github.com/mehedi37/tasksync/internal/transport"
)

type trackTaskRequest struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	Progress *int   `json:"progress"`
}

func (s *Server) handleTrackTask(w http.ResponseWriter, r *http.Request) {
	id := taskIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req trackTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	initial := tasks.Update{Progress: req.Progress}
	if req.Status != "" {
		initial.Status = tasks.Status(req.Status)
	}
	if req.Message != "" {
		initial.Message = &req.Message
	}

	state, err := s.tracker.RegisterTypedTask(id, req.Type, initial)
	if err != nil {
		respondError(w, http.StatusBadRequest, "track_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, state)
}

func (s *Server) handleUntrackTask(w http.ResponseWriter, r *http.Request) {
	id := taskIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	s.tracker.UnregisterTask(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := taskIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	err := s.tracker.Cancel(r.Context(), id)
	if errors.Is(err, tracking.ErrNoSuchTask) {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}

	state, getErr := s.manager.Get(id)
	if getErr != nil {
		respondError(w, http.StatusNotFound, "task_not_found", getErr.Error())
		return
	}
	resp := map[string]any{"task": state}
	if err != nil {
		// Local cancellation stands; surface that the remote call failed.
		resp["remote_error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := taskIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	state, err := s.manager.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var list []tasks.TaskState
	if r.URL.Query().Get("active") == "1" {
		list = s.manager.SnapshotActive()
	} else {
		list = s.manager.SnapshotAll()
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

// handleStreamProxy re-emits the backend's per-task stream to the consumer
// as normalized SSE envelopes. The upstream connection is closed as soon as
// the consumer goes away; an upstream failure surfaces as one final error
// envelope, matching the channel's own termination behavior.
func (s *Server) handleStreamProxy(w http.ResponseWriter, r *http.Request) {
	id := taskIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	ch := transport.NewStreamChannel(s.backend, id, s.metrics)
	if err := ch.Open(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
		return
	}
	defer ch.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.metrics.StreamProxies.Inc()
	defer s.metrics.StreamProxies.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch.Events():
			if !open {
				return
			}
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
