package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/session"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	got    chan Event
}

func newRecorder() *recorder {
	return &recorder{got: make(chan Event, 256)}
}

func (r *recorder) callbacks() Callbacks {
	add := func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		r.got <- ev
	}
	return Callbacks{OnResult: add, OnError: add}
}

func (r *recorder) wait(t *testing.T, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-r.got:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestHub_DeliversInOrder(t *testing.T) {
	h := NewHub()
	h.Open(22)
	defer h.CloseAll()

	rec := newRecorder()
	_, err := h.Subscribe(22, rec.callbacks(), nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		ev := Event{Handle: 22, Result: &detector.Result{InputWidth: i}}
		if i%7 == 0 {
			ev = Event{Handle: 22, Err: detector.NewError(detector.CodeInference, "boom", nil)}
		}
		require.True(t, h.Publish(ev))
	}

	got := rec.wait(t, 50)
	for i, ev := range got {
		assert.EqualValues(t, i+1, ev.Seq)
		if i%7 == 0 {
			assert.NotNil(t, ev.Err)
		} else {
			assert.Equal(t, i, ev.Result.InputWidth)
		}
	}
}

func TestHub_LoopExecutor(t *testing.T) {
	h := NewHub()
	h.Open(22)
	h.Open(23)
	defer h.CloseAll()

	loop := NewLoop(8)
	defer loop.Close()

	var mu sync.Mutex
	inCallback := false
	overlap := false
	rec := newRecorder()
	cb := rec.callbacks()
	serial := func(ev Event) {
		mu.Lock()
		if inCallback {
			overlap = true
		}
		inCallback = true
		mu.Unlock()

		time.Sleep(time.Millisecond)
		cb.OnResult(ev)

		mu.Lock()
		inCallback = false
		mu.Unlock()
	}

	for _, handle := range []session.Handle{22, 23} {
		_, err := h.Subscribe(handle, Callbacks{OnResult: serial}, loop)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		h.Publish(Event{Handle: 22, Result: &detector.Result{}})
		h.Publish(Event{Handle: 23, Result: &detector.Result{}})
	}

	rec.wait(t, 20)
	assert.False(t, overlap, "loop executor ran callbacks concurrently")
}

func TestHub_NoDeliveryAfterClose(t *testing.T) {
	h := NewHub()
	h.Open(22)

	loop := NewLoop(4)
	defer loop.Close()

	// Hold the loop so queued deliveries are pending when the stream closes.
	hold := make(chan struct{})
	loop.Execute(func() { <-hold })

	rec := newRecorder()
	_, err := h.Subscribe(22, rec.callbacks(), loop)
	require.NoError(t, err)

	h.Publish(Event{Handle: 22, Result: &detector.Result{}})
	h.Publish(Event{Handle: 22, Result: &detector.Result{}})
	time.Sleep(20 * time.Millisecond)

	h.Close(22)
	close(hold)

	assert.False(t, h.Publish(Event{Handle: 22, Result: &detector.Result{}}))
	select {
	case ev := <-rec.got:
		t.Fatalf("event delivered after close: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CloseWaitsForRunningCallback(t *testing.T) {
	h := NewHub()
	h.Open(22)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_, err := h.Subscribe(22, Callbacks{OnResult: func(Event) {
		close(started)
		<-release
		finished.Store(true)
	}}, nil)
	require.NoError(t, err)

	require.True(t, h.Publish(Event{Handle: 22, Result: &detector.Result{}}))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not start")
	}

	closed := make(chan struct{})
	go func() {
		h.Close(22)
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the callback finished")
	}
	assert.True(t, finished.Load())
}

func TestHub_SubscribeReplacesConsumer(t *testing.T) {
	h := NewHub()
	h.Open(22)
	defer h.CloseAll()

	first, second := newRecorder(), newRecorder()
	replaced := 0
	firstCB := first.callbacks()
	firstCB.OnReplaced = func() { replaced++ }
	unsubFirst, err := h.Subscribe(22, firstCB, nil)
	require.NoError(t, err)
	assert.Zero(t, replaced)
	_, err = h.Subscribe(22, second.callbacks(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, replaced, "superseded consumer must be told once")

	// A stale unsubscribe must not remove the newer consumer.
	unsubFirst()

	h.Publish(Event{Handle: 22, Result: &detector.Result{}})
	second.wait(t, 1)
	assert.Empty(t, first.events)
}

func TestHub_UnknownHandle(t *testing.T) {
	h := NewHub()

	_, err := h.Subscribe(99, Callbacks{}, nil)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.False(t, h.Publish(Event{Handle: 99}))
}

func TestHub_Tap(t *testing.T) {
	h := NewHub()
	h.Open(22)
	defer h.CloseAll()

	tapped := make(chan Event, 4)
	h.Tap(func(ev Event) { tapped <- ev })

	// No consumer: the tap still observes the event.
	h.Publish(Event{Handle: 22, Result: &detector.Result{}})

	select {
	case ev := <-tapped:
		assert.Equal(t, session.Handle(22), ev.Handle)
	case <-time.After(time.Second):
		t.Fatal("tap not called")
	}
}
