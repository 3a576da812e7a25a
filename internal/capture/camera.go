// Package capture reads camera frames with GoCV (OpenCV) and feeds them to
// a live-stream detector session.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

const (
	DefaultFPS    = 30
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrCameraNotOpen is returned by ReadFrame before Open or after Close.
	ErrCameraNotOpen = errors.New("camera is not open")
	// ErrReadFailed is returned when the device yields no frame.
	ErrReadFailed = errors.New("failed to read frame from camera")
	// ErrEndOfStream is returned by finite sources once every frame was read.
	ErrEndOfStream = errors.New("end of stream")
)

// Camera is a frame source. ReadFrame hands ownership of the Mat to the
// caller.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	SetFPS(fps int)
	FPS() int
	IsOpen() bool
}

// videoCamera captures from an OpenCV device index or a video file.
type videoCamera struct {
	mu      sync.Mutex
	open    func() (*gocv.VideoCapture, error)
	name    string
	file    bool
	loop    bool
	fps     int
	width   int
	height  int
	capture *gocv.VideoCapture
}

// CameraOption configures a camera built by NewCamera or NewVideoFile.
type CameraOption func(*videoCamera)

// WithResolution requests a capture resolution. Devices may ignore it and
// files always do.
func WithResolution(width, height int) CameraOption {
	return func(c *videoCamera) {
		if width > 0 && height > 0 {
			c.width, c.height = width, height
		}
	}
}

// WithFPS sets the initial read rate.
func WithFPS(fps int) CameraOption {
	return func(c *videoCamera) {
		if fps > 0 {
			c.fps = fps
		}
	}
}

// WithLoop restarts a video file from its first frame instead of reporting
// ErrEndOfStream.
func WithLoop(loop bool) CameraOption {
	return func(c *videoCamera) { c.loop = loop }
}

// NewCamera returns a Camera for the OpenCV device deviceID.
func NewCamera(deviceID int, opts ...CameraOption) Camera {
	return newVideoCamera(fmt.Sprintf("device %d", deviceID), false, func() (*gocv.VideoCapture, error) {
		return gocv.OpenVideoCapture(deviceID)
	}, opts)
}

// NewVideoFile returns a Camera replaying the video at path. Frames are
// paced by the reader, not by the file's own timestamps.
func NewVideoFile(path string, opts ...CameraOption) Camera {
	return newVideoCamera(path, true, func() (*gocv.VideoCapture, error) {
		return gocv.VideoCaptureFile(path)
	}, opts)
}

func newVideoCamera(name string, file bool, open func() (*gocv.VideoCapture, error), opts []CameraOption) *videoCamera {
	c := &videoCamera{
		open:   open,
		name:   name,
		file:   file,
		fps:    DefaultFPS,
		width:  DefaultWidth,
		height: DefaultHeight,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts capturing. Opening an open camera is a no-op.
func (c *videoCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return nil
	}
	vc, err := c.open()
	if err != nil {
		return fmt.Errorf("open %s: %w", c.name, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("open %s: %w", c.name, ErrCameraNotOpen)
	}
	if !c.file {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
		vc.Set(gocv.VideoCaptureFPS, float64(c.fps))
	}
	c.capture = vc
	return nil
}

// Close stops capturing and releases the device.
func (c *videoCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.capture = nil
	return err
}

// ReadFrame reads the next frame.
func (c *videoCamera) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if c.capture.Read(&mat) && !mat.Empty() {
		return &mat, nil
	}
	if !c.file {
		mat.Close()
		return nil, ErrReadFailed
	}
	if !c.loop {
		mat.Close()
		return nil, ErrEndOfStream
	}

	c.capture.Set(gocv.VideoCapturePosFrames, 0)
	if c.capture.Read(&mat) && !mat.Empty() {
		return &mat, nil
	}
	mat.Close()
	return nil, ErrReadFailed
}

// SetFPS changes the read rate. Non-positive values are ignored.
func (c *videoCamera) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fps = fps
	if c.capture != nil && !c.file {
		c.capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

// FPS returns the read rate.
func (c *videoCamera) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// IsOpen reports whether the camera is capturing.
func (c *videoCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capture != nil
}
