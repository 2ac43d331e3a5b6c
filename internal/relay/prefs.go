package relay

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mehedi37/tasksync/internal/storage"
)

// Preference keys writable through the relay. Everything else in the store
// belongs to the sync core and is not reachable over HTTP.
var allowedPrefKeys = map[string]bool{
	storage.KeyTaskManagerVisible:   true,
	storage.KeyTaskManagerCollapsed: true,
}

const maxPrefValueBytes = 4096

func prefKeyParam(r *http.Request) (string, bool) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	return key, allowedPrefKeys[key]
}

func (s *Server) handleGetPref(w http.ResponseWriter, r *http.Request) {
	key, ok := prefKeyParam(r)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_pref", "unknown preference key")
		return
	}
	value, err := s.store.Get(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "pref_not_set", "preference not set")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) handlePutPref(w http.ResponseWriter, r *http.Request) {
	key, ok := prefKeyParam(r)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_pref", "unknown preference key")
		return
	}
	defer r.Body.Close()
	value, err := io.ReadAll(io.LimitReader(r.Body, maxPrefValueBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(value) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "empty preference value")
		return
	}
	if len(value) > maxPrefValueBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "value_too_large", "preference value too large")
		return
	}
	if err := s.store.Set(r.Context(), key, value); err != nil {
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
