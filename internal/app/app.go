// Package app wires the posekit components into a running service: the
// session registry, the detection pipeline, the event hub, the history
// store, the camera source and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/posekit/internal/capture"
	"github.com/ayusman/posekit/internal/config"
	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/events"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/metrics"
	"github.com/ayusman/posekit/internal/pipeline"
	"github.com/ayusman/posekit/internal/server"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/store"
	"github.com/ayusman/posekit/internal/timeutil"
	"github.com/ayusman/posekit/internal/transform"
	"github.com/ayusman/posekit/internal/tray"
)

// settingCameraEnabled persists the camera toggle across restarts.
const settingCameraEnabled = "camera_enabled"

// ErrCameraDisabled is returned by StartCamera when no camera is configured.
var ErrCameraDisabled = errors.New("camera source is not configured")

// App is the main application that owns every component.
type App struct {
	cfg     *config.Config
	log     logger.Logger
	clock   timeutil.Clock
	factory detector.Factory

	metrics  *metrics.Manager
	store    *store.Store
	recorder *store.Recorder
	hub      *events.Hub
	registry *session.Registry
	pipeline *pipeline.Pipeline
	server   *server.Server

	camera  capture.Camera
	preview cameraPreview
	tray    atomic.Pointer[tray.Tray]

	mu  sync.Mutex
	cam *cameraRun
}

// cameraRun is one running camera source.
type cameraRun struct {
	handle session.Handle
	source *capture.Source
	cancel context.CancelFunc
	done   chan struct{}
}

// cameraPreview forwards Latest to whichever source is running.
type cameraPreview struct {
	source atomic.Pointer[capture.Source]
}

func (p *cameraPreview) Latest() []byte {
	if s := p.source.Load(); s != nil {
		return s.Latest()
	}
	return nil
}

// Option configures an App.
type Option func(*App)

// WithFactory replaces the detector factory built from the configuration.
func WithFactory(f detector.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithCamera replaces the device camera.
func WithCamera(c capture.Camera) Option {
	return func(a *App) { a.camera = c }
}

// WithClock sets the clock used by the throttle gate.
func WithClock(c timeutil.Clock) Option {
	return func(a *App) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the root logger.
func WithLogger(l logger.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// New builds an App from cfg. It opens the history store when cfg.DBPath
// is set; nothing is started until Run or StartCamera.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:   cfg,
		log:   logger.Discard(),
		clock: timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.factory == nil {
		a.factory = detector.NewFactory(detector.Backends{
			ModelDir:        cfg.ModelDir,
			MediaPipeScript: cfg.MediaPipeScript,
			PythonPath:      cfg.PythonPath,
			ONNXLibrary:     cfg.ONNXLibrary,
			Logger:          a.log.Named("detector"),
		})
	}
	if a.camera == nil && cfg.CameraEnabled {
		fps := capture.WithFPS(int(math.Round(cfg.CameraFPS)))
		if cfg.CameraFile != "" {
			a.camera = capture.NewVideoFile(cfg.CameraFile, fps, capture.WithLoop(true))
		} else {
			a.camera = capture.NewCamera(cfg.CameraID, fps)
		}
	}

	a.metrics = metrics.NewManager()

	if cfg.DBPath != "" {
		st, err := store.New(cfg.DBPath, store.WithLogger(a.log.Named("store")))
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		a.store = st
		a.recorder = store.NewRecorder(st, a.log.Named("history"))
	}

	a.hub = events.NewHub(
		events.WithBuffer(cfg.EventBuffer),
		events.WithLogger(a.log.Named("events")),
		events.WithMetrics(a.metrics),
	)

	a.registry = session.NewRegistry(a.factory,
		session.WithClock(a.clock),
		session.WithThrottleInterval(cfg.ThrottleInterval()),
		session.WithLogger(a.log.Named("session")),
		session.OnCreate(a.sessionCreated),
		session.OnRelease(a.sessionReleased),
	)

	a.pipeline = pipeline.New(a.registry, a.hub, a.factory,
		pipeline.WithClock(a.clock),
		pipeline.WithLogger(a.log.Named("pipeline")),
		pipeline.WithMetrics(a.metrics),
	)

	if a.recorder != nil {
		a.hub.Tap(a.recorder.Record)
	}

	srvCfg := server.Config{
		StaticDir:   cfg.StaticDir,
		Registry:    a.registry,
		Pipeline:    a.pipeline,
		Hub:         a.hub,
		Store:       a.store,
		Metrics:     a.metrics,
		Logger:      a.log.Named("http"),
		DefaultView: a.viewParams(),
	}
	if a.camera != nil {
		srvCfg.Preview = &a.preview
	}
	a.server = server.New(srvCfg)

	return a, nil
}

func (a *App) sessionCreated(s *session.Session) {
	a.hub.Open(s.Handle())
	if a.recorder != nil {
		a.recorder.SessionCreated(s)
	}
	a.sessionsChanged()
}

func (a *App) sessionReleased(s *session.Session) {
	a.hub.Close(s.Handle())
	if a.recorder != nil {
		a.recorder.SessionReleased(s)
	}
	a.sessionsChanged()
}

func (a *App) sessionsChanged() {
	n := a.registry.Len()
	a.metrics.SetActiveSessions(n)
	if t := a.tray.Load(); t != nil {
		t.SetSessions(n)
	}
}

// AttachTray connects the tray menu: it shows the session count and last
// detection, and its items toggle the camera and release every session.
func (a *App) AttachTray(t *tray.Tray) {
	a.tray.Store(t)
	a.hub.Tap(t.ObserveEvent)
	t.SetSessions(a.registry.Len())
	t.OnToggle(func(enabled bool) {
		if err := a.SetCameraEnabled(enabled); err != nil {
			a.log.Error(context.Background(), "camera toggle failed", logger.Bool("enabled", enabled), logger.Error(err))
		}
	})
	t.OnReleaseAll(func() {
		n := a.registry.ReleaseAll()
		a.log.Info(context.Background(), "released all sessions from tray", logger.Int("released", n))
	})
}

// viewParams returns the configured default view.
func (a *App) viewParams() transform.Params {
	fill, _ := transform.ParseFillMode(a.cfg.ViewFill)
	mirror, _ := transform.ParseMirrorMode(a.cfg.MirrorMode)
	orientation, _ := transform.ParseOrientation(a.cfg.CameraOrientation)
	return transform.Params{
		ViewWidth:         float64(a.cfg.ViewWidth),
		ViewHeight:        float64(a.cfg.ViewHeight),
		Fill:              fill,
		Mirror:            mirror.Resolve(a.cfg.CameraFront),
		OutputOrientation: orientation,
	}
}

// cameraConfig returns the detector configuration of the camera session.
func (a *App) cameraConfig() detector.Config {
	cfg := detector.DefaultConfig()
	cfg.Model = a.cfg.CameraModel
	cfg.Delegate, _ = detector.ParseDelegate(a.cfg.CameraDelegate)
	cfg.RunningMode = detector.ModeLiveStream
	return cfg
}

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Pipeline returns the detection pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Hub returns the event hub.
func (a *App) Hub() *events.Hub { return a.hub }

// Store returns the history store, or nil when history is disabled.
func (a *App) Store() *store.Store { return a.store }

// Metrics returns the metrics manager.
func (a *App) Metrics() *metrics.Manager { return a.metrics }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.server }

// CameraEnabled reports whether the camera should run, honoring a toggle
// persisted in the history store.
func (a *App) CameraEnabled() bool {
	if a.camera == nil {
		return false
	}
	enabled := a.cfg.CameraEnabled
	if a.store != nil {
		if v, err := a.store.Settings().Get(settingCameraEnabled); err == nil {
			if b, err := strconv.ParseBool(v); err == nil {
				enabled = b
			}
		}
	}
	return enabled
}

// SetCameraEnabled starts or stops the camera source and persists the choice.
func (a *App) SetCameraEnabled(enabled bool) error {
	if a.store != nil {
		if err := a.store.Settings().Set(settingCameraEnabled, strconv.FormatBool(enabled)); err != nil {
			a.log.Warn(context.Background(), "persist camera setting", logger.Error(err))
		}
	}
	if enabled {
		return a.StartCamera()
	}
	a.StopCamera()
	return nil
}

// StartCamera creates a live-stream session and feeds it from the camera.
// Starting a running camera is a no-op.
func (a *App) StartCamera() error {
	if a.camera == nil {
		return ErrCameraDisabled
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cam != nil {
		return nil
	}

	h, err := a.registry.Create(a.cameraConfig())
	if err != nil {
		return err
	}
	s, err := a.registry.Lookup(h)
	if err != nil {
		return err
	}
	view := a.viewParams()
	s.UpdateView(func(p *transform.Params) {
		p.ViewWidth, p.ViewHeight = view.ViewWidth, view.ViewHeight
		p.Fill, p.Mirror = view.Fill, view.Mirror
		p.OutputOrientation = view.OutputOrientation
	})

	opts := []capture.SourceOption{
		capture.WithOrientation(view.OutputOrientation),
		capture.WithPreview(true),
		capture.WithLogger(a.log.Named("camera")),
	}
	var gate *capture.MotionGate
	if a.cfg.CameraMotionThreshold > 0 {
		hold := time.Duration(a.cfg.CameraMotionHoldMS) * time.Millisecond
		gate = capture.NewMotionGate(a.cfg.CameraMotionThreshold, hold, a.clock)
		opts = append(opts, capture.WithMotionGate(gate))
	}
	src := capture.NewSource(a.camera, a.pipeline, h, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	run := &cameraRun{handle: h, source: src, cancel: cancel, done: make(chan struct{})}
	a.cam = run
	a.preview.source.Store(src)

	go func() {
		defer close(run.done)
		err := src.Run(ctx)
		if err != nil && !errors.Is(err, capture.ErrSessionGone) {
			a.log.Error(context.Background(), "camera source failed", logger.Int64("handle", int64(h)), logger.Error(err))
		}
		if gate != nil {
			gate.Close()
		}
		a.registry.Release(h)

		a.mu.Lock()
		if a.cam == run {
			a.cam = nil
		}
		a.mu.Unlock()
		a.preview.source.CompareAndSwap(src, nil)
	}()

	a.log.Info(context.Background(), "camera started", logger.Int64("handle", int64(h)))
	return nil
}

// StopCamera stops the camera source and releases its session.
func (a *App) StopCamera() {
	a.mu.Lock()
	run := a.cam
	a.cam = nil
	a.mu.Unlock()
	if run == nil {
		return
	}

	run.cancel()
	<-run.done
	a.log.Info(context.Background(), "camera stopped", logger.Int64("handle", int64(run.handle)))
}

// CameraHandle returns the handle fed by the camera, if it is running.
func (a *App) CameraHandle() (session.Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cam == nil {
		return 0, false
	}
	return a.cam.handle, true
}

// CameraStats returns the counters of the running camera source.
func (a *App) CameraStats() (capture.SourceStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cam == nil {
		return capture.SourceStats{}, false
	}
	return a.cam.source.Stats(), true
}

// Run starts the camera if enabled and serves HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.CameraEnabled() {
		if err := a.StartCamera(); err != nil {
			a.log.Error(ctx, "camera start failed", logger.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.ListenAndServe(a.cfg.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// Close stops the camera, releases every session, waits for in-flight
// detections and closes the store.
func (a *App) Close() error {
	a.StopCamera()
	n := a.registry.ReleaseAll()
	a.pipeline.Wait()
	a.hub.CloseAll()
	a.log.Info(context.Background(), "app closed", logger.Int("released", n))

	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
