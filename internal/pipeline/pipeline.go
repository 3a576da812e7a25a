// Package pipeline dispatches frames from producers to session detectors and
// publishes the outcomes on the event hub.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/events"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/metrics"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/timeutil"
	"github.com/ayusman/posekit/internal/transform"
)

// Pipeline runs live-stream detection for registered sessions and one-shot
// detection outside the registry.
type Pipeline struct {
	registry *session.Registry
	hub      *events.Hub
	factory  detector.Factory
	clock    timeutil.Clock
	log      logger.Logger
	metrics  *metrics.Manager

	inflight sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used by the throttle gate.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline. factory builds the throwaway detectors used by
// the one-shot operations.
func New(registry *session.Registry, hub *events.Hub, factory detector.Factory, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		hub:      hub,
		factory:  factory,
		clock:    timeutil.RealClock{},
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit offers a live-stream frame for handle h. It never blocks on
// inference. It returns false when h is unknown, released or not a
// live-stream session, telling the producer to stop. Frames dropped by the
// busy or throttle gate are reported as handled. The frame is cloned before
// dispatch, so the caller keeps ownership of it.
func (p *Pipeline) Submit(h session.Handle, frame *gocv.Mat, orientation transform.Orientation) bool {
	p.metrics.FrameSubmitted()

	s, err := p.registry.Lookup(h)
	if err != nil || s.Config().RunningMode != detector.ModeLiveStream {
		p.metrics.FrameRejected()
		return false
	}
	if frame == nil || frame.Empty() {
		return true
	}

	s.ObserveFrame(frame.Cols(), frame.Rows(), orientation)

	now := p.clock.Now()
	adm := s.Admit(now)
	switch adm.Outcome {
	case session.Gone:
		p.metrics.FrameRejected()
		return false
	case session.DroppedBusy:
		p.metrics.FrameDropped(metrics.ReasonBusy)
		return true
	case session.DroppedThrottle:
		p.metrics.FrameDropped(metrics.ReasonThrottle)
		return true
	}

	p.metrics.FrameAdmitted()
	if adm.DroppedSinceLast > 0 {
		p.log.Debug(context.Background(), "frames throttled",
			logger.Int64("handle", int64(h)),
			logger.Int("dropped", adm.DroppedSinceLast))
	}

	clone := frame.Clone()
	p.inflight.Add(1)
	go p.infer(s, adm.Detector, clone, now)
	return true
}

func (p *Pipeline) infer(s *session.Session, det detector.Detector, frame gocv.Mat, at time.Time) {
	defer p.inflight.Done()
	defer frame.Close()

	start := p.clock.Now()
	result, err := det.Detect(&frame)
	latency := p.clock.Since(start)

	ev := events.Event{Handle: s.Handle(), At: at}
	switch {
	case err != nil:
		ev.Err = detector.AsError(err)
	case result == nil:
		ev.Err = detector.NewError(detector.CodeDetectionFailed, "Detection failed.", nil)
	default:
		result.Timestamp = at
		if result.InferenceTime == 0 {
			result.InferenceTime = latency
		}
		ev.Result = result
		p.metrics.ObserveInference(result.InferenceTime)
	}
	s.RecordCompletion(latency, ev.Err != nil)
	ev.View = s.View()

	// Publish while the session is still busy so the next admitted frame
	// cannot overtake this event.
	if s.Released() {
		p.metrics.EventDiscarded()
	} else {
		p.hub.Publish(ev)
	}
	s.Finish()
}

// DetectFrame runs a synchronous detection on a session created in image or
// video mode. Live-stream sessions must use Submit.
func (p *Pipeline) DetectFrame(h session.Handle, frame *gocv.Mat) (*detector.Result, error) {
	s, err := p.registry.Lookup(h)
	if err != nil {
		return nil, err
	}
	if s.Config().RunningMode == detector.ModeLiveStream {
		return nil, detector.NewError(detector.CodeNotImplemented, "Synchronous detection is not supported in live-stream mode.", nil)
	}
	if frame == nil || frame.Empty() {
		return nil, detector.NewError(detector.CodeDecode, "Empty frame.", nil)
	}

	det, err := s.Acquire()
	if err != nil {
		return nil, err
	}
	defer s.Finish()

	s.ObserveFrame(frame.Cols(), frame.Rows(), transform.Unset)
	return p.detectOnce(det, frame, func(latency time.Duration, failed bool) {
		s.RecordCompletion(latency, failed)
	})
}

// Wait blocks until every dispatched inference has returned.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

// detectOnce runs det on frame and normalizes the outcome: a nil result is
// a detection failure and any other error an *detector.Error.
func (p *Pipeline) detectOnce(det detector.Detector, frame *gocv.Mat, record func(time.Duration, bool)) (*detector.Result, error) {
	start := p.clock.Now()
	result, err := det.Detect(frame)
	latency := p.clock.Since(start)

	switch {
	case err != nil:
		record(latency, true)
		return nil, detector.AsError(err)
	case result == nil:
		record(latency, true)
		return nil, detector.NewError(detector.CodeDetectionFailed, "Detection failed.", nil)
	}
	record(latency, false)
	result.Timestamp = start
	if result.InferenceTime == 0 {
		result.InferenceTime = latency
	}
	p.metrics.ObserveInference(result.InferenceTime)
	return result, nil
}

// IsNotFound reports whether err means the handle is unknown or released.
func IsNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}
