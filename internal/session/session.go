package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/throttle"
	"github.com/ayusman/posekit/internal/transform"
)

// Handle identifies one session. Handles are positive and never reused.
type Handle int64

// Outcome is the result of an admission attempt.
type Outcome int

const (
	// Admitted means the caller owns the detector until Finish.
	Admitted Outcome = iota
	// DroppedBusy means another detection was in flight.
	DroppedBusy
	// DroppedThrottle means the minimum interval had not elapsed.
	DroppedThrottle
	// Gone means the session was released concurrently.
	Gone
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case DroppedBusy:
		return "busy"
	case DroppedThrottle:
		return "throttle"
	default:
		return "released"
	}
}

// Admission is returned by Session.Admit.
type Admission struct {
	Outcome Outcome

	// Detector is set when Outcome is Admitted.
	Detector detector.Detector

	// DroppedSinceLast is the throttle drop count reported on admit.
	DroppedSinceLast int
}

// Session is one registered detector with its pipeline state.
type Session struct {
	handle  Handle
	id      uuid.UUID
	config  detector.Config
	created time.Time

	mu       sync.Mutex
	det      detector.Detector
	throttle throttle.State
	busy     bool
	released bool
	params   transform.Params

	view  atomic.Pointer[transform.Context]
	stats stats
}

func newSession(h Handle, cfg detector.Config, det detector.Detector, interval time.Duration, now time.Time) *Session {
	s := &Session{
		handle:   h,
		id:       uuid.New(),
		config:   cfg,
		created:  now,
		det:      det,
		throttle: throttle.NewState(interval),
		params:   transform.Params{Fill: transform.Cover},
	}
	ctx := transform.NewContext(s.params)
	s.view.Store(&ctx)
	return s
}

// Handle returns the session handle.
func (s *Session) Handle() Handle { return s.handle }

// ID returns the session's unique id, stable across process restarts in
// stored history.
func (s *Session) ID() uuid.UUID { return s.id }

// Config returns the detector configuration the session was created with.
func (s *Session) Config() detector.Config { return s.config }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// MinInterval returns the throttle spacing between admitted frames.
func (s *Session) MinInterval() time.Duration { return s.throttle.MinInterval }

// Admit runs the busy gate and then the throttle gate. The busy gate is
// checked first so a busy drop never moves the throttle clock. On Admitted
// the session is marked busy until Finish is called.
func (s *Session) Admit(now time.Time) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.released:
		return Admission{Outcome: Gone}
	case s.busy:
		s.stats.busyDrops.Add(1)
		return Admission{Outcome: DroppedBusy}
	}

	d := throttle.Admit(&s.throttle, now)
	if !d.Admitted {
		s.stats.throttleDrops.Add(1)
		return Admission{Outcome: DroppedThrottle}
	}

	s.busy = true
	s.stats.admitted.Add(1)
	return Admission{Outcome: Admitted, Detector: s.det, DroppedSinceLast: d.DroppedSinceLast}
}

// Acquire marks the session busy without consulting the throttle gate. It is
// used for synchronous detection on image and video sessions.
func (s *Session) Acquire() (detector.Detector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrNotFound
	}
	if s.busy {
		return nil, ErrBusy
	}
	s.busy = true
	s.stats.admitted.Add(1)
	return s.det, nil
}

// Finish ends the in-flight detection started by Admit or Acquire. If the
// session was released meanwhile the detector is closed here, after the
// inference call has returned.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.busy = false
	if s.released {
		s.closeDetectorLocked()
	}
}

// Released reports whether the session has been released.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Busy reports whether a detection is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// release marks the session released and closes the detector unless an
// inference is still running, in which case Finish closes it.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	if !s.busy {
		s.closeDetectorLocked()
	}
}

func (s *Session) closeDetectorLocked() {
	if s.det == nil {
		return
	}
	_ = s.det.Close()
	s.det = nil
}

// View returns the current transform snapshot.
func (s *Session) View() transform.Context {
	return *s.view.Load()
}

// UpdateView applies fn to a copy of the view parameters and publishes a new
// context if anything changed. It reports whether the context was rebuilt.
func (s *Session) UpdateView(fn func(p *transform.Params)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.params
	fn(&next)
	if next == s.params {
		return false
	}
	s.params = next
	ctx := transform.NewContext(next)
	s.view.Store(&ctx)
	return true
}

// ObserveFrame records the measured frame size and orientation.
func (s *Session) ObserveFrame(width, height int, orientation transform.Orientation) bool {
	return s.UpdateView(func(p *transform.Params) {
		p.SourceWidth = float64(width)
		p.SourceHeight = float64(height)
		if orientation != transform.Unset {
			p.FrameOrientation = orientation
		}
	})
}

// RecordCompletion feeds one finished detection into the session stats.
func (s *Session) RecordCompletion(latency time.Duration, failed bool) {
	s.stats.record(latency, failed)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return s.stats.snapshot()
}
