package capture

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockCamera replays a fixed set of frames. Reads hand out clones, so the
// frames passed to NewMockCamera stay owned by the caller.
type MockCamera struct {
	mu      sync.Mutex
	frames  []*gocv.Mat
	next    int
	loop    bool
	fps     int
	reads   int
	open    bool
	failErr error
	failN   int
}

// NewMockCamera returns a camera replaying frames in order. Without loop it
// reports ErrEndOfStream after the last frame. An empty sequence always
// fails with ErrReadFailed.
func NewMockCamera(frames []*gocv.Mat, loop bool) *MockCamera {
	return &MockCamera{frames: frames, loop: loop, fps: DefaultFPS}
}

// Open rewinds playback.
func (c *MockCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	c.next = 0
	return nil
}

func (c *MockCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *MockCamera) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.open:
		return nil, ErrCameraNotOpen
	case c.failN > 0:
		c.failN--
		return nil, c.failErr
	case len(c.frames) == 0:
		return nil, ErrReadFailed
	}

	if c.next == len(c.frames) {
		if !c.loop {
			return nil, ErrEndOfStream
		}
		c.next = 0
	}
	frame := c.frames[c.next].Clone()
	c.next++
	c.reads++
	return &frame, nil
}

// FailNext makes the next n reads return err before playback resumes.
func (c *MockCamera) FailNext(n int, err error) {
	if err == nil {
		err = ErrReadFailed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failN, c.failErr = n, err
}

func (c *MockCamera) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fps = fps
}

func (c *MockCamera) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Reads returns how many frames were handed out.
func (c *MockCamera) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
