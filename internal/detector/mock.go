package detector

import (
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results and timing, and records
// how it was called.
type MockDetector struct {
	mu      sync.Mutex
	result  *Result
	err     error
	delay   time.Duration
	gate    chan struct{}
	started chan struct{}

	calls     atomic.Int64
	inFlight  atomic.Int64
	maxFlight atomic.Int64
	closed    atomic.Bool
}

// NewMockDetector creates a new MockDetector that returns one standing pose.
func NewMockDetector() *MockDetector {
	return &MockDetector{
		result:  &Result{InputWidth: 640, InputHeight: 480, Landmarks: [][]Landmark{StandingPoseLandmarks()}, WorldLandmarks: [][]Landmark{StandingPoseLandmarks()}},
		started: make(chan struct{}, 64),
	}
}

// SetResult sets the result that will be returned by Detect.
func (m *MockDetector) SetResult(r *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = r
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes every Detect call sleep for d.
func (m *MockDetector) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Block makes Detect wait until Unblock is called.
func (m *MockDetector) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

// Unblock releases every Detect call waiting on Block.
func (m *MockDetector) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Started receives one value each time Detect begins.
func (m *MockDetector) Started() <-chan struct{} {
	return m.started
}

// Detect returns the pre-configured result or error.
func (m *MockDetector) Detect(frame *gocv.Mat) (*Result, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxFlight.Load()
		if n <= cur || m.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	m.calls.Add(1)

	select {
	case m.started <- struct{}{}:
	default:
	}

	m.mu.Lock()
	result, err, delay, gate := m.result, m.err, m.delay, m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	out := *result
	out.InferenceTime = delay
	return &out, nil
}

// Close marks the detector closed.
func (m *MockDetector) Close() error {
	m.closed.Store(true)
	return nil
}

// Calls returns the number of Detect calls.
func (m *MockDetector) Calls() int64 { return m.calls.Load() }

// MaxConcurrent returns the highest number of overlapping Detect calls seen.
func (m *MockDetector) MaxConcurrent() int64 { return m.maxFlight.Load() }

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool { return m.closed.Load() }

// MockFactory returns a Factory handing out d after validating the config.
// Models named "invalid" fail initialization.
func MockFactory(d *MockDetector) Factory {
	return func(cfg Config) (Detector, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.Model == "invalid" {
			return nil, NewError(CodeInitialization, "Model file not found.", nil)
		}
		return d, nil
	}
}

// StandingPoseLandmarks returns a preset pose of a person standing upright,
// facing the camera with arms at their sides.
func StandingPoseLandmarks() []Landmark {
	lm := make([]Landmark, NumLandmarks)
	set := func(i int, x, y float64) {
		lm[i] = Landmark{X: x, Y: y, Visibility: 0.99, Presence: 0.99}
	}

	// Head
	set(Nose, 0.50, 0.12)
	set(LeftEyeInner, 0.51, 0.11)
	set(LeftEye, 0.52, 0.11)
	set(LeftEyeOuter, 0.53, 0.11)
	set(RightEyeInner, 0.49, 0.11)
	set(RightEye, 0.48, 0.11)
	set(RightEyeOuter, 0.47, 0.11)
	set(LeftEar, 0.55, 0.12)
	set(RightEar, 0.45, 0.12)
	set(MouthLeft, 0.52, 0.14)
	set(MouthRight, 0.48, 0.14)

	// Arms hanging down
	set(LeftShoulder, 0.58, 0.22)
	set(RightShoulder, 0.42, 0.22)
	set(LeftElbow, 0.60, 0.35)
	set(RightElbow, 0.40, 0.35)
	set(LeftWrist, 0.61, 0.47)
	set(RightWrist, 0.39, 0.47)
	set(LeftPinky, 0.62, 0.50)
	set(RightPinky, 0.38, 0.50)
	set(LeftIndex, 0.61, 0.51)
	set(RightIndex, 0.39, 0.51)
	set(LeftThumb, 0.60, 0.49)
	set(RightThumb, 0.40, 0.49)

	// Legs straight
	set(LeftHip, 0.55, 0.52)
	set(RightHip, 0.45, 0.52)
	set(LeftKnee, 0.55, 0.72)
	set(RightKnee, 0.45, 0.72)
	set(LeftAnkle, 0.55, 0.90)
	set(RightAnkle, 0.45, 0.90)
	set(LeftHeel, 0.55, 0.92)
	set(RightHeel, 0.45, 0.92)
	set(LeftFootIndex, 0.56, 0.94)
	set(RightFootIndex, 0.44, 0.94)

	return lm
}
