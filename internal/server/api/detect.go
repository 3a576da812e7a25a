package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/pipeline"
)

// MaxUploadBytes bounds one-shot uploads.
const MaxUploadBytes = 256 << 20

// DetectHandler runs one-shot detection on uploaded media.
type DetectHandler struct {
	pipeline *pipeline.Pipeline
	tmpDir   string
}

// NewDetectHandler creates a handler spooling uploads to tmpDir, or the
// system temp directory when empty.
func NewDetectHandler(p *pipeline.Pipeline, tmpDir string) *DetectHandler {
	return &DetectHandler{pipeline: p, tmpDir: tmpDir}
}

// Register adds the one-shot routes to r.
func (h *DetectHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/detect/image", h.image).Methods(http.MethodPost)
	r.HandleFunc("/api/detect/video", h.video).Methods(http.MethodPost)
}

type detectImageResponse struct {
	RequestID string           `json:"requestId"`
	Result    *detector.Result `json:"result"`
}

type detectVideoResponse struct {
	RequestID string                `json:"requestId"`
	Result    *pipeline.VideoResult `json:"result"`
}

// image handles POST /api/detect/image. The request is a multipart form with
// a "file" part and an optional "config" part holding detector options.
func (h *DetectHandler) image(w http.ResponseWriter, r *http.Request) {
	path, cfg, ok := h.spool(w, r)
	if !ok {
		return
	}
	defer os.Remove(path)

	result, err := h.pipeline.DetectOnImage(r.Context(), path, cfg)
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detectImageResponse{RequestID: uuid.NewString(), Result: result})
}

// video handles POST /api/detect/video. interval_ms sets the sampling
// spacing; zero samples every frame.
func (h *DetectHandler) video(w http.ResponseWriter, r *http.Request) {
	interval := time.Duration(0)
	if v := r.URL.Query().Get("interval_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "Invalid interval_ms")
			return
		}
		interval = time.Duration(ms) * time.Millisecond
	}

	path, cfg, ok := h.spool(w, r)
	if !ok {
		return
	}
	defer os.Remove(path)

	result, err := h.pipeline.DetectOnVideo(r.Context(), path, cfg, interval)
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detectVideoResponse{RequestID: uuid.NewString(), Result: result})
}

// spool writes the uploaded file to a temporary path, keeping its extension
// so decoders can sniff the container.
func (h *DetectHandler) spool(w http.ResponseWriter, r *http.Request) (string, detector.Config, bool) {
	cfg := detector.DefaultConfig()

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return "", cfg, false
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return "", cfg, false
	}

	if raw := r.FormValue("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid config JSON")
			return "", cfg, false
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "File is required")
		return "", cfg, false
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	tmp, err := os.CreateTemp(h.tmpDir, "posekit-upload-*"+ext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return "", cfg, false
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return "", cfg, false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return "", cfg, false
	}
	return tmp.Name(), cfg, true
}
