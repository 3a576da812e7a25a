package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ayusman/posekit/internal/metrics"
)

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	s := New(Config{})

	rec := serve(s, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("missing uptime field")
	}
	if _, ok := body["detectors"]; ok {
		t.Error("detectors field should be absent without a registry")
	}

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		if rec := serve(s, method, "/api/health"); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s /api/health = %d, want %d", method, rec.Code, http.StatusMethodNotAllowed)
		}
	}
}

func TestServer_DisabledRoutes(t *testing.T) {
	// Without components every optional route is absent.
	s := New(Config{})
	paths := []string{
		"/",
		"/api/nonexistent",
		"/api/detectors",
		"/api/detectors/22/events",
		"/api/history/sessions",
		"/api/stream",
		"/api/stream/snapshot",
		"/metrics",
	}
	for _, p := range paths {
		if rec := serve(s, http.MethodGet, p); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want %d", p, rec.Code, http.StatusNotFound)
		}
	}
}

func TestServer_StaticFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"index.html": "<html><body>posekit</body></html>",
		"app.js":     "console.log('posekit')",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	s := New(Config{StaticDir: dir})

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/", http.StatusOK, files["index.html"]},
		{"/app.js", http.StatusOK, files["app.js"]},
		{"/missing.html", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(s, http.MethodGet, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}

	// API routes take precedence over the static prefix.
	if rec := serve(s, http.MethodGet, "/api/health"); rec.Code != http.StatusOK {
		t.Errorf("/api/health behind static dir = %d, want 200", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.NewManager()
	m.FrameSubmitted()
	m.FrameSubmitted()
	s := New(Config{Metrics: m})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "posekit_frames_submitted_total 2") {
		t.Errorf("submitted counter missing from exposition:\n%s", rec.Body.String())
	}
}

type stubPreview struct{ frame []byte }

func (p stubPreview) Latest() []byte { return p.frame }

func TestStreamHandler(t *testing.T) {
	frame := []byte{0xff, 0xd8, 0xff, 0xd9}
	s := New(Config{Preview: stubPreview{frame: frame}})

	t.Run("unchanged preview is written once", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(ctx))

		if ct := rec.Header().Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
			t.Errorf("Content-Type = %q", ct)
		}
		body := rec.Body.String()
		if n := strings.Count(body, "--frame"); n != 1 {
			t.Errorf("parts = %d, want 1; body %q", n, body)
		}
		if !strings.Contains(body, "Content-Length: 4") {
			t.Errorf("part header missing Content-Length: %q", body)
		}
	})

	t.Run("snapshot", func(t *testing.T) {
		rec := serve(s, http.MethodGet, "/api/stream/snapshot")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Content-Type = %q, want image/jpeg", ct)
		}
		if rec.Body.Len() != len(frame) {
			t.Errorf("body length = %d, want %d", rec.Body.Len(), len(frame))
		}
	})

	t.Run("snapshot before first frame", func(t *testing.T) {
		empty := New(Config{Preview: stubPreview{}})
		if rec := serve(empty, http.MethodGet, "/api/stream/snapshot"); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("rejects non-GET", func(t *testing.T) {
		if rec := serve(s, http.MethodPost, "/api/stream"); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
		}
	})
}
