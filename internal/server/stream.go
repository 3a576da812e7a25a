package server

import (
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"
)

// StreamInterval paces MJPEG frames (about 15 FPS).
const StreamInterval = 66 * time.Millisecond

const streamBoundary = "frame"

// Preview supplies the most recent camera frame as JPEG. Implementations
// replace the buffer on each frame and never mutate a returned one.
type Preview interface {
	Latest() []byte
}

// StreamHandler serves the camera preview as MJPEG.
type StreamHandler struct {
	preview  Preview
	interval time.Duration
}

// NewStreamHandler returns a handler streaming preview at StreamInterval.
func NewStreamHandler(preview Preview) *StreamHandler {
	return &StreamHandler{preview: preview, interval: StreamInterval}
}

// ServeHTTP writes a multipart part whenever the preview changes, until the
// client goes away.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(streamBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []byte
	for {
		if frame := h.preview.Latest(); len(frame) > 0 && !sameBuffer(frame, last) {
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(frame))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(frame); err != nil {
				return
			}
			last = frame
			if flusher != nil {
				flusher.Flush()
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// ServeSnapshot writes the latest preview frame as a single JPEG, or 404
// before the camera produced one.
func (h *StreamHandler) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	frame := h.preview.Latest()
	if len(frame) == 0 {
		http.Error(w, "no preview frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Write(frame)
}

// sameBuffer reports whether a and b share a backing array.
func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
