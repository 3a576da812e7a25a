package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/events"
	"github.com/ayusman/posekit/internal/pipeline"
	"github.com/ayusman/posekit/internal/server/api"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/store"
	"github.com/ayusman/posekit/internal/transform"
)

type testEnv struct {
	server   *httptest.Server
	registry *session.Registry
	store    *store.Store
	mock     *detector.MockDetector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rec := store.NewRecorder(st, nil)
	hub := events.NewHub()
	hub.Tap(rec.Record)

	mock := detector.NewMockDetector()
	factory := detector.MockFactory(mock)
	reg := session.NewRegistry(factory,
		session.WithThrottleInterval(time.Millisecond),
		session.OnCreate(func(s *session.Session) {
			hub.Open(s.Handle())
			rec.SessionCreated(s)
		}),
		session.OnRelease(func(s *session.Session) {
			hub.Close(s.Handle())
			rec.SessionReleased(s)
		}),
	)
	p := pipeline.New(reg, hub, factory)

	srv := New(Config{
		Registry: reg,
		Pipeline: p,
		Hub:      hub,
		Store:    st,
		DefaultView: transform.Params{
			ViewWidth:  640,
			ViewHeight: 480,
			Fill:       transform.Cover,
		},
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		reg.ReleaseAll()
		p.Wait()
		hub.CloseAll()
	})

	return &testEnv{server: ts, registry: reg, store: st, mock: mock}
}

func jpegFrame(t *testing.T) []byte {
	t.Helper()
	mat := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer mat.Close()
	mat.SetTo(gocv.NewScalar(40, 80, 120, 0))

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		t.Fatalf("IMEncode() error = %v", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

type createdDetector struct {
	Handle        int64 `json:"handle"`
	MinIntervalMS int64 `json:"minIntervalMs"`
	Config        struct {
		Model       string `json:"model"`
		RunningMode string `json:"runningMode"`
	} `json:"config"`
	View struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
		Fill   string  `json:"fill"`
	} `json:"view"`
}

func (e *testEnv) create(t *testing.T, body string) (*http.Response, createdDetector) {
	t.Helper()
	resp, err := e.server.Client().Post(e.server.URL+"/api/detectors", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /api/detectors error = %v", err)
	}
	defer resp.Body.Close()

	var created createdDetector
	json.NewDecoder(resp.Body).Decode(&created)
	return resp, created
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	return resp
}

func TestAPI_DetectorWorkflow(t *testing.T) {
	env := newTestEnv(t)

	// 1. Create a live-stream detector
	resp, created := env.create(t, `{"model": "m", "view": {"width": 1080, "height": 1920}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if created.Handle < int64(session.FirstHandle) {
		t.Errorf("handle = %d, want >= %d", created.Handle, session.FirstHandle)
	}
	if created.Config.RunningMode != string(detector.ModeLiveStream) {
		t.Errorf("runningMode = %q, want default live-stream", created.Config.RunningMode)
	}
	if created.View.Width != 1080 || created.View.Height != 1920 || created.View.Fill != "cover" {
		t.Errorf("unexpected view %+v", created.View)
	}
	base := fmt.Sprintf("/api/detectors/%d", created.Handle)

	// 2. List detectors
	resp = env.do(t, http.MethodGet, "/api/detectors", nil)
	var listed struct {
		Detectors []createdDetector `json:"detectors"`
	}
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if len(listed.Detectors) != 1 || listed.Detectors[0].Handle != created.Handle {
		t.Fatalf("listed = %+v, want the created detector", listed)
	}

	// 3. Subscribe to events
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + base + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, data, err := conn.ReadMessage(); err != nil || !strings.Contains(string(data), `"subscribed"`) {
		t.Fatalf("expected subscribed message, got %s, %v", data, err)
	}

	// 4. Submit a frame
	resp = env.do(t, http.MethodPost, base+"/frames?orientation=portrait", jpegFrame(t))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST frames status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read error = %v", err)
	}
	var msg struct {
		Type      string `json:"type"`
		Handle    int64  `json:"handle"`
		Landmarks [][]struct {
			X     float64 `json:"x"`
			ViewX float64 `json:"viewX"`
			ViewY float64 `json:"viewY"`
		} `json:"landmarks"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.Type != "result" || msg.Handle != created.Handle {
		t.Errorf("unexpected event %s", data)
	}
	if len(msg.Landmarks) != 1 || len(msg.Landmarks[0]) != detector.NumLandmarks {
		t.Fatalf("expected one pose of %d landmarks, got %s", detector.NumLandmarks, data)
	}

	// 5. Update the view
	resp = env.do(t, http.MethodPut, base+"/view", []byte(`{"fill": "contain"}`))
	var updated struct {
		Rebuilt bool `json:"rebuilt"`
	}
	json.NewDecoder(resp.Body).Decode(&updated)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !updated.Rebuilt {
		t.Errorf("PUT view status = %d rebuilt = %v, want 200 and true", resp.StatusCode, updated.Rebuilt)
	}

	resp = env.do(t, http.MethodPut, base+"/view", []byte(`{"fill": "zoom"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT invalid view status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	// 6. Release twice
	for i, want := range []bool{true, false} {
		resp = env.do(t, http.MethodDelete, base, nil)
		var released struct {
			Released bool `json:"released"`
		}
		json.NewDecoder(resp.Body).Decode(&released)
		resp.Body.Close()
		if released.Released != want {
			t.Errorf("release #%d = %v, want %v", i+1, released.Released, want)
		}
	}

	// 7. The handle is gone
	resp = env.do(t, http.MethodGet, base, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET released status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp = env.do(t, http.MethodPost, base+"/frames", jpegFrame(t))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST frames after release status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	// 8. History keeps the session and its event
	resp = env.do(t, http.MethodGet, "/api/history/sessions", nil)
	var history struct {
		Sessions []struct {
			ID         string     `json:"id"`
			Handle     int64      `json:"handle"`
			ReleasedAt *time.Time `json:"releasedAt"`
		} `json:"sessions"`
	}
	json.NewDecoder(resp.Body).Decode(&history)
	resp.Body.Close()
	if len(history.Sessions) != 1 || history.Sessions[0].Handle != created.Handle || history.Sessions[0].ReleasedAt == nil {
		t.Fatalf("unexpected history %+v", history)
	}

	resp = env.do(t, http.MethodGet, "/api/history/sessions/"+history.Sessions[0].ID+"/events", nil)
	var stored struct {
		Events []struct {
			Kind  string `json:"kind"`
			Poses int    `json:"poses"`
		} `json:"events"`
	}
	json.NewDecoder(resp.Body).Decode(&stored)
	resp.Body.Close()
	if len(stored.Events) != 1 || stored.Events[0].Kind != "result" || stored.Events[0].Poses != 1 {
		t.Errorf("unexpected stored events %+v", stored)
	}
}

func TestEvents_NewConnectionTakesOver(t *testing.T) {
	env := newTestEnv(t)

	_, created := env.create(t, `{"model": "m"}`)
	base := fmt.Sprintf("/api/detectors/%d", created.Handle)
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + base + "/events"

	dial := func() *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("websocket dial error = %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, data, err := conn.ReadMessage(); err != nil || !strings.Contains(string(data), `"subscribed"`) {
			t.Fatalf("expected subscribed message, got %s, %v", data, err)
		}
		return conn
	}

	first := dial()
	defer first.Close()
	second := dial()
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("superseded socket read error = %v, want a close frame", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "replaced by a newer connection" {
		t.Errorf("close = %d %q, want normal closure naming the takeover", closeErr.Code, closeErr.Text)
	}

	resp := env.do(t, http.MethodPost, base+"/frames", jpegFrame(t))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST frames status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, data, err := second.ReadMessage(); err != nil || !strings.Contains(string(data), `"result"`) {
		t.Fatalf("new socket expected a result, got %s, %v", data, err)
	}
}

func TestAPI_CreateErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   detector.Code
	}{
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "model not found", body: `{"model": "invalid"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: detector.CodeInitialization},
		{name: "bad threshold", body: `{"model": "m", "minPoseDetectionConfidence": 2}`, wantStatus: http.StatusUnprocessableEntity, wantCode: detector.CodeInitialization},
		{name: "bad view", body: `{"model": "m", "view": {"fill": "zoom"}}`, wantStatus: http.StatusBadRequest},
		{name: "negative target fps", body: `{"model": "m", "targetFps": -5}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/detectors", []byte(tt.body))
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body struct {
				Code detector.Code `json:"code"`
			}
			json.NewDecoder(resp.Body).Decode(&body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", body.Code, tt.wantCode)
			}
		})
	}

	if env.registry.Len() != 0 {
		t.Errorf("failed creates must not register sessions, got %d", env.registry.Len())
	}
}

func TestAPI_SynchronousFrame(t *testing.T) {
	env := newTestEnv(t)

	resp, created := env.create(t, `{"model": "m", "runningMode": "image"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	base := fmt.Sprintf("/api/detectors/%d", created.Handle)

	resp = env.do(t, http.MethodPost, base+"/frames", jpegFrame(t))
	var result struct {
		Landmarks [][]json.RawMessage `json:"landmarks"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(result.Landmarks) != 1 {
		t.Errorf("POST frames status = %d poses = %d, want 200 and 1", resp.StatusCode, len(result.Landmarks))
	}

	resp = env.do(t, http.MethodPost, base+"/frames", []byte("not an image"))
	var failed struct {
		Code detector.Code `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&failed)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || failed.Code != detector.CodeDecode {
		t.Errorf("undecodable frame status = %d code = %d, want 400 and %d", resp.StatusCode, failed.Code, detector.CodeDecode)
	}
}

func TestAPI_TargetFPS(t *testing.T) {
	env := newTestEnv(t)

	_, plain := env.create(t, `{"model": "m"}`)
	_, capped := env.create(t, `{"model": "m", "targetFps": 10}`)
	if plain.MinIntervalMS != 1 {
		t.Errorf("default minIntervalMs = %d, want the server-wide 1", plain.MinIntervalMS)
	}
	if capped.MinIntervalMS != 100 {
		t.Errorf("targetFps 10 minIntervalMs = %d, want 100", capped.MinIntervalMS)
	}

	s, err := env.registry.Lookup(session.Handle(capped.Handle))
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if s.MinInterval() != 100*time.Millisecond {
		t.Errorf("session MinInterval = %v, want 100ms", s.MinInterval())
	}
}

func TestAPI_FrameTooLarge(t *testing.T) {
	env := newTestEnv(t)

	_, created := env.create(t, `{"model": "m"}`)
	base := fmt.Sprintf("/api/detectors/%d", created.Handle)

	resp := env.do(t, http.MethodPost, base+"/frames", make([]byte, api.MaxFrameBytes+1))
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized frame status = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
	if calls := env.mock.Calls(); calls != 0 {
		t.Errorf("oversized frame reached the detector %d times", calls)
	}

	resp = env.do(t, http.MethodPost, base+"/frames", jpegFrame(t))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("frame after oversized upload status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
}

func TestAPI_ReleaseAll(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		if resp, _ := env.create(t, `{"model": "m"}`); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create #%d status = %d", i, resp.StatusCode)
		}
	}

	resp := env.do(t, http.MethodDelete, "/api/detectors", nil)
	var body struct {
		Released int `json:"released"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body.Released != 3 {
		t.Errorf("released = %d, want 3", body.Released)
	}
	if env.registry.Len() != 0 {
		t.Errorf("registry still holds %d sessions", env.registry.Len())
	}
}
