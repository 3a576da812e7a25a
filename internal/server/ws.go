package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/events"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/transform"
)

const (
	// releasePollInterval is how often an open event socket checks that its
	// session still exists.
	releasePollInterval = 500 * time.Millisecond
	writeTimeout        = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// viewLandmark is a landmark with its position mapped into view space.
type viewLandmark struct {
	detector.Landmark
	ViewX float64 `json:"viewX"`
	ViewY float64 `json:"viewY"`
}

type eventMessage struct {
	Type           string                `json:"type"`
	Handle         session.Handle        `json:"handle"`
	Seq            uint64                `json:"seq"`
	Timestamp      int64                 `json:"timestamp"`
	InferenceMs    float64               `json:"inferenceMs,omitempty"`
	InputWidth     int                   `json:"inputImageWidth,omitempty"`
	InputHeight    int                   `json:"inputImageHeight,omitempty"`
	Landmarks      [][]viewLandmark      `json:"landmarks,omitempty"`
	WorldLandmarks [][]detector.Landmark `json:"worldLandmarks,omitempty"`
	Error          *detector.Error       `json:"error,omitempty"`
}

// toMessage converts ev into its wire form, projecting landmarks through the
// view snapshot taken when the event was published.
func toMessage(ev events.Event) eventMessage {
	msg := eventMessage{
		Type:      ev.Kind(),
		Handle:    ev.Handle,
		Seq:       ev.Seq,
		Timestamp: ev.At.UnixMilli(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err
		return msg
	}

	r := ev.Result
	msg.InferenceMs = float64(r.InferenceTime) / float64(time.Millisecond)
	msg.InputWidth, msg.InputHeight = r.InputWidth, r.InputHeight
	msg.WorldLandmarks = r.WorldLandmarks
	msg.Landmarks = make([][]viewLandmark, len(r.Landmarks))
	for i, pose := range r.Landmarks {
		out := make([]viewLandmark, len(pose))
		for j, lm := range pose {
			v := transform.ToViewSpace(transform.Point{X: lm.X, Y: lm.Y}, ev.View)
			out[j] = viewLandmark{Landmark: lm, ViewX: v.X, ViewY: v.Y}
		}
		msg.Landmarks[i] = out
	}
	return msg
}

// EventsHandler streams one session's results and errors over a WebSocket.
// A new connection for the same handle takes over from the previous one,
// which is then closed.
type EventsHandler struct {
	registry *session.Registry
	hub      *events.Hub
	log      logger.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(reg *session.Registry, hub *events.Hub, log logger.Logger) *EventsHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &EventsHandler{registry: reg, hub: hub, log: log}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseInt(mux.Vars(r)["handle"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid handle", http.StatusBadRequest)
		return
	}
	handle := session.Handle(v)
	if _, err := h.registry.Lookup(handle); err != nil {
		http.Error(w, "Detector not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade error", logger.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(messageType, data)
	}

	loop := events.NewLoop(events.DefaultBuffer)
	defer loop.Close()

	deliver := func(ev events.Event) {
		data, err := json.Marshal(toMessage(ev))
		if err != nil {
			h.log.Error(context.Background(), "encode event", logger.Error(err))
			return
		}
		if err := send(websocket.TextMessage, data); err != nil {
			h.log.Debug(context.Background(), "websocket write failed", logger.Error(err))
		}
	}
	replaced := make(chan struct{})
	var replaceOnce sync.Once
	onReplaced := func() { replaceOnce.Do(func() { close(replaced) }) }

	unsubscribe, err := h.hub.Subscribe(handle, events.Callbacks{OnResult: deliver, OnError: deliver, OnReplaced: onReplaced}, loop)
	if err != nil {
		send(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detector released"))
		return
	}
	defer unsubscribe()

	// Tell the client it will see every event published from now on.
	ready, _ := json.Marshal(eventMessage{Type: "subscribed", Handle: handle, Timestamp: time.Now().UnixMilli()})
	if err := send(websocket.TextMessage, ready); err != nil {
		return
	}
	h.log.Info(r.Context(), "event stream opened", logger.Int64("handle", int64(handle)))

	// Drain client messages so control frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(releasePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-replaced:
			h.log.Info(r.Context(), "event stream taken over", logger.Int64("handle", int64(handle)))
			send(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by a newer connection"))
			return
		case <-ticker.C:
			if _, err := h.registry.Lookup(handle); err != nil {
				send(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detector released"))
				return
			}
		}
	}
}
