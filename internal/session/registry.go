// Package session owns the handle to detector session table.
package session

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/throttle"
	"github.com/ayusman/posekit/internal/timeutil"
)

// FirstHandle is the first handle allocated. Lower values are reserved.
const FirstHandle Handle = 22

// Registry maps handles to live sessions. It is safe for concurrent use.
type Registry struct {
	factory  detector.Factory
	clock    timeutil.Clock
	interval time.Duration
	log      logger.Logger

	onCreate  []func(*Session)
	onRelease []func(*Session)

	mu       sync.RWMutex
	sessions map[Handle]*Session
	next     Handle
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for creation timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithThrottleInterval sets the minimum interval between admitted frames
// for sessions created afterwards.
func WithThrottleInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// OnCreate registers a hook run after a session is registered.
func OnCreate(fn func(*Session)) Option {
	return func(r *Registry) { r.onCreate = append(r.onCreate, fn) }
}

// OnRelease registers a hook run after a session is removed.
func OnRelease(fn func(*Session)) Option {
	return func(r *Registry) { r.onRelease = append(r.onRelease, fn) }
}

// NewRegistry creates an empty registry building detectors with factory.
func NewRegistry(factory detector.Factory, opts ...Option) *Registry {
	r := &Registry{
		factory:  factory,
		clock:    timeutil.RealClock{},
		interval: throttle.DefaultMinInterval,
		log:      logger.Discard(),
		sessions: make(map[Handle]*Session),
		next:     FirstHandle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOption adjusts a single session at creation.
type CreateOption func(*createOptions)

type createOptions struct {
	interval time.Duration
}

// MinInterval overrides the registry throttle interval for one session.
// Non-positive values keep the registry default.
func MinInterval(d time.Duration) CreateOption {
	return func(o *createOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// TargetFPS sets a session's throttle interval to one frame per 1/fps
// seconds. Non-positive values keep the registry default.
func TargetFPS(fps float64) CreateOption {
	if fps <= 0 {
		return func(*createOptions) {}
	}
	return MinInterval(time.Duration(float64(time.Second) / fps))
}

// Create initializes a detector for cfg and registers it under a new handle.
// Initialization failures are returned as *detector.Error with code 1000 and
// leave the registry untouched.
func (r *Registry) Create(cfg detector.Config, opts ...CreateOption) (Handle, error) {
	co := createOptions{interval: r.interval}
	for _, opt := range opts {
		opt(&co)
	}

	det, err := r.factory(cfg)
	if err != nil {
		de := detector.AsError(err)
		if de.Code != detector.CodeInitialization {
			de = detector.NewError(detector.CodeInitialization, "Detector initialization failed.", err)
		}
		return 0, de
	}
	if det == nil {
		return 0, detector.NewError(detector.CodeInitialization, "Detector initialization failed.", nil)
	}

	r.mu.Lock()
	h := r.allocLocked()
	s := newSession(h, cfg, det, co.interval, r.clock.Now())
	r.sessions[h] = s
	r.mu.Unlock()

	r.log.Info(context.Background(), "session created",
		logger.Int64("handle", int64(h)),
		logger.String("id", s.ID().String()),
		logger.String("model", cfg.Model),
		logger.String("mode", string(cfg.RunningMode)),
		logger.Duration("min_interval", co.interval))

	for _, fn := range r.onCreate {
		fn(s)
	}
	return h, nil
}

func (r *Registry) allocLocked() Handle {
	if r.next <= 0 || r.next == math.MaxInt64 {
		panic("session: handle space exhausted")
	}
	h := r.next
	r.next++
	return h
}

// Lookup returns the live session for h or ErrNotFound.
func (r *Registry) Lookup(h Handle) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[h]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Release removes h and reports whether it existed. An in-flight inference
// is allowed to finish; its detector is closed when it returns.
func (r *Registry) Release(h Handle) bool {
	r.mu.Lock()
	s, ok := r.sessions[h]
	if ok {
		delete(r.sessions, h)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.release()
	r.log.Info(context.Background(), "session released", logger.Int64("handle", int64(h)))

	for _, fn := range r.onRelease {
		fn(s)
	}
	return true
}

// ReleaseAll releases every session and returns how many were released.
func (r *Registry) ReleaseAll() int {
	n := 0
	for _, h := range r.Handles() {
		if r.Release(h) {
			n++
		}
	}
	return n
}

// Handles returns the live handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.sessions))
	for h := range r.sessions {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
