// Package events delivers detection results and errors to per-handle
// consumers in completion order.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/metrics"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/transform"
)

// DefaultBuffer is the per-handle event buffer.
const DefaultBuffer = 16

// Event is one detection outcome. Exactly one of Result and Err is set.
type Event struct {
	Handle session.Handle
	Seq    uint64
	At     time.Time
	Result *detector.Result
	Err    *detector.Error

	// View is the transform snapshot current when the event was published.
	View transform.Context
}

// Kind returns metrics.KindResult or metrics.KindError.
func (e Event) Kind() string {
	if e.Err != nil {
		return metrics.KindError
	}
	return metrics.KindResult
}

// Callbacks are a consumer's handlers. Any may be nil.
type Callbacks struct {
	OnResult func(Event)
	OnError  func(Event)
	// OnReplaced runs once, on the subscribing goroutine, when a later
	// Subscribe takes over the handle.
	OnReplaced func()
}

type subscription struct {
	cb   Callbacks
	exec Executor
}

type stream struct {
	handle session.Handle
	ch     chan Event
	done   chan struct{}
	closed atomic.Bool
	seq    atomic.Uint64

	mu  sync.Mutex
	sub *subscription

	// gate is read-held while a consumer callback runs and write-held by
	// Close, so no callback is running or starts once Close returns.
	gate sync.RWMutex
}

// Hub owns one ordered stream per open handle.
type Hub struct {
	buffer  int
	log     logger.Logger
	metrics *metrics.Manager

	mu      sync.RWMutex
	streams map[session.Handle]*stream
	taps    []func(Event)
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-handle buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub with no open streams.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:  DefaultBuffer,
		log:     logger.Discard(),
		streams: make(map[session.Handle]*stream),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Tap registers an observer that sees every event of every open handle on
// the delivery goroutine, before the consumer. Taps must not block.
func (h *Hub) Tap(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.taps = append(h.taps, fn)
}

// Open starts the stream for handle. Opening an open handle is a no-op.
func (h *Hub) Open(handle session.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[handle]; ok {
		return
	}
	s := &stream{
		handle: handle,
		ch:     make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.streams[handle] = s
	go h.deliver(s)
}

// Close stops the stream for handle. Queued and in-transit events are
// discarded. Close waits for a running consumer callback to return, and no
// callback starts after Close returns. Calling Close for a handle from its
// own consumer callback deadlocks.
func (h *Hub) Close(handle session.Handle) {
	h.mu.Lock()
	s, ok := h.streams[handle]
	delete(h.streams, handle)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.gate.Lock()
	s.closed.Store(true)
	s.gate.Unlock()
	close(s.done)
}

// CloseAll stops every stream.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	handles := make([]session.Handle, 0, len(h.streams))
	for handle := range h.streams {
		handles = append(handles, handle)
	}
	h.mu.RUnlock()
	for _, handle := range handles {
		h.Close(handle)
	}
}

// Subscribe installs cb as the consumer for handle, replacing any previous
// consumer. Callbacks run through exec; a nil exec runs them inline. The
// returned function removes the subscription if it is still current.
func (h *Hub) Subscribe(handle session.Handle, cb Callbacks, exec Executor) (func(), error) {
	h.mu.RLock()
	s, ok := h.streams[handle]
	h.mu.RUnlock()
	if !ok {
		return nil, session.ErrNotFound
	}
	if exec == nil {
		exec = Inline{}
	}

	sub := &subscription{cb: cb, exec: exec}
	s.mu.Lock()
	prev := s.sub
	s.sub = sub
	s.mu.Unlock()
	if prev != nil && prev.cb.OnReplaced != nil {
		prev.cb.OnReplaced()
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sub == sub {
			s.sub = nil
		}
	}, nil
}

// Publish enqueues ev on its handle's stream and reports whether it was
// accepted. Events for handles that are not open are discarded. Publish
// blocks while the stream buffer is full.
func (h *Hub) Publish(ev Event) bool {
	h.mu.RLock()
	s, ok := h.streams[ev.Handle]
	h.mu.RUnlock()
	if !ok || s.closed.Load() {
		h.metrics.EventDiscarded()
		return false
	}

	ev.Seq = s.seq.Add(1)
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		h.metrics.EventDiscarded()
		return false
	}
}

func (h *Hub) deliver(s *stream) {
	for {
		select {
		case ev := <-s.ch:
			h.dispatch(s, ev)
		case <-s.done:
			// drain so discarded events are counted
			for {
				select {
				case <-s.ch:
					h.metrics.EventDiscarded()
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) dispatch(s *stream, ev Event) {
	if s.closed.Load() {
		h.metrics.EventDiscarded()
		return
	}

	h.mu.RLock()
	taps := h.taps
	h.mu.RUnlock()
	for _, tap := range taps {
		tap(ev)
	}

	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()

	var fn func(Event)
	if sub != nil {
		if ev.Err != nil {
			fn = sub.cb.OnError
		} else {
			fn = sub.cb.OnResult
		}
	}
	if fn == nil {
		h.metrics.EventDiscarded()
		return
	}

	sub.exec.Execute(func() {
		s.gate.RLock()
		defer s.gate.RUnlock()
		if s.closed.Load() {
			h.metrics.EventDiscarded()
			return
		}
		fn(ev)
		h.metrics.EventDelivered(ev.Kind())
	})

	if ev.Err != nil {
		h.log.Debug(context.Background(), "error event dispatched",
			logger.Int64("handle", int64(ev.Handle)),
			logger.Int("code", int(ev.Err.Code)),
			logger.String("message", ev.Err.Message))
	}
}
