package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ayusman/posekit/internal/store"
)

// HistoryHandler serves the stored session journal.
type HistoryHandler struct {
	store *store.Store
}

// NewHistoryHandler creates a new HistoryHandler with the given store.
func NewHistoryHandler(s *store.Store) *HistoryHandler {
	return &HistoryHandler{store: s}
}

// Register adds the history routes to r.
func (h *HistoryHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/history/sessions", h.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/history/sessions/{id}", h.getSession).Methods(http.MethodGet)
	r.HandleFunc("/api/history/sessions/{id}", h.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/history/sessions/{id}/events", h.listEvents).Methods(http.MethodGet)
}

type sessionHistoryResponse struct {
	*store.SessionRecord
	Results  int `json:"results"`
	Failures int `json:"failures"`
}

type listSessionsResponse struct {
	Sessions []*store.SessionRecord `json:"sessions"`
}

type listEventsResponse struct {
	Events []store.EventRecord `json:"events"`
}

func limitParam(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// listSessions handles GET /api/history/sessions, newest first.
func (h *HistoryHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	sessions, err := h.store.Sessions().List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

// getSession handles GET /api/history/sessions/{id}.
func (h *HistoryHandler) getSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := h.store.Sessions().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}

	results, failures, err := h.store.Events().CountBySession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count events")
		return
	}
	writeJSON(w, http.StatusOK, sessionHistoryResponse{SessionRecord: rec, Results: results, Failures: failures})
}

// deleteSession handles DELETE /api/history/sessions/{id}.
func (h *HistoryHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.store.Sessions().Delete(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// listEvents handles GET /api/history/sessions/{id}/events.
func (h *HistoryHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := h.store.Sessions().GetByID(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}

	events, err := h.store.Events().ListBySession(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if events == nil {
		events = []store.EventRecord{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}
