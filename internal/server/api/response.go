// Package api provides HTTP API handlers for the posekit detector service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/session"
)

type errorResponse struct {
	Error string        `json:"error"`
	Code  detector.Code `json:"code,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDetectorError maps err onto an HTTP status. Detection errors carry
// their numeric code in the body.
func writeDetectorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Detector not found")
		return
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, "Detector is busy")
		return
	}

	de := detector.AsError(err)

	status := http.StatusInternalServerError
	switch de.Code {
	case detector.CodeInitialization, detector.CodeDetectionFailed:
		status = http.StatusUnprocessableEntity
	case detector.CodeDecode:
		status = http.StatusBadRequest
	case detector.CodeNotImplemented:
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: de.Message, Code: de.Code})
}

// handleVar parses the {handle} route variable.
func handleVar(r *http.Request) (session.Handle, bool) {
	v, err := strconv.ParseInt(mux.Vars(r)["handle"], 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return session.Handle(v), true
}
