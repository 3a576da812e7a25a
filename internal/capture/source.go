package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/transform"
)

// MaxReadFailures is how many consecutive failed reads end a run.
const MaxReadFailures = 30

// ErrSessionGone is returned by Run when the target session no longer
// accepts frames.
var ErrSessionGone = errors.New("detector session is gone")

// Submitter accepts live-stream frames for a detector handle. It reports
// false once the handle should no longer be fed.
type Submitter interface {
	Submit(h session.Handle, frame *gocv.Mat, orientation transform.Orientation) bool
}

// SourceStats is a snapshot of a source's counters.
type SourceStats struct {
	Read      uint64 `json:"read"`
	Submitted uint64 `json:"submitted"`
	Idle      uint64 `json:"idle"`
	Failures  uint64 `json:"failures"`
}

// Source reads frames from a camera at the camera's rate and submits them
// to one detector session.
type Source struct {
	camera      Camera
	submitter   Submitter
	handle      session.Handle
	orientation transform.Orientation
	motion      *MotionGate
	preview     bool
	log         logger.Logger

	mu     sync.Mutex
	latest []byte

	read      atomic.Uint64
	submitted atomic.Uint64
	idle      atomic.Uint64
	failures  atomic.Uint64
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithOrientation sets the orientation reported for every frame.
func WithOrientation(o transform.Orientation) SourceOption {
	return func(s *Source) { s.orientation = o }
}

// WithMotionGate skips frames while the gate is closed.
func WithMotionGate(g *MotionGate) SourceOption {
	return func(s *Source) { s.motion = g }
}

// WithPreview keeps the latest frame as JPEG for Latest.
func WithPreview(enabled bool) SourceOption {
	return func(s *Source) { s.preview = enabled }
}

// WithLogger sets the source logger.
func WithLogger(l logger.Logger) SourceOption {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSource creates a source feeding frames from camera to handle.
func NewSource(camera Camera, submitter Submitter, handle session.Handle, opts ...SourceOption) *Source {
	s := &Source{
		camera:    camera,
		submitter: submitter,
		handle:    handle,
		log:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle returns the session the source feeds.
func (s *Source) Handle() session.Handle { return s.handle }

// Run opens the camera and submits frames until ctx is done, the camera
// runs out of frames, or the session stops accepting them. Cancellation
// and end of stream return nil. The camera is closed on return.
func (s *Source) Run(ctx context.Context) error {
	if !s.camera.IsOpen() {
		if err := s.camera.Open(); err != nil {
			return fmt.Errorf("open camera: %w", err)
		}
	}
	defer s.camera.Close()

	fps := s.camera.FPS()
	if fps <= 0 {
		fps = DefaultFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	s.log.Info(ctx, "camera source started", logger.Int64("handle", int64(s.handle)), logger.Int("fps", fps))

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, err := s.camera.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				s.log.Info(ctx, "camera source reached end of stream", logger.Int64("handle", int64(s.handle)))
				return nil
			}
			s.failures.Add(1)
			consecutive++
			if consecutive >= MaxReadFailures {
				return fmt.Errorf("camera read failed %d times: %w", consecutive, err)
			}
			s.log.Debug(ctx, "camera read failed", logger.Error(err))
			continue
		}
		consecutive = 0
		s.read.Add(1)

		ok := s.handleFrame(ctx, frame)
		frame.Close()
		if !ok {
			s.log.Info(ctx, "camera source stopped, session gone", logger.Int64("handle", int64(s.handle)))
			return ErrSessionGone
		}
	}
}

func (s *Source) handleFrame(ctx context.Context, frame *gocv.Mat) bool {
	if s.preview {
		s.storePreview(ctx, frame)
	}

	if s.motion != nil && !s.motion.Observe(frame).Active {
		s.idle.Add(1)
		return true
	}

	s.submitted.Add(1)
	return s.submitter.Submit(s.handle, frame, s.orientation)
}

func (s *Source) storePreview(ctx context.Context, frame *gocv.Mat) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		s.log.Debug(ctx, "preview encode failed", logger.Error(err))
		return
	}
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	s.mu.Lock()
	s.latest = data
	s.mu.Unlock()
}

// Latest returns the most recent preview JPEG, or nil when previews are
// disabled or no frame was read yet.
func (s *Source) Latest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Stats returns the source counters.
func (s *Source) Stats() SourceStats {
	return SourceStats{
		Read:      s.read.Load(),
		Submitted: s.submitted.Load(),
		Idle:      s.idle.Load(),
		Failures:  s.failures.Load(),
	}
}
