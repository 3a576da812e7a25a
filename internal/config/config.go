// Package config defines service configuration and its loading.
package config

import (
	"fmt"
	"time"

	"github.com/ayusman/posekit/internal/detector"
	"github.com/ayusman/posekit/internal/transform"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DBPath is the SQLite history database. Empty disables history.
	DBPath string `koanf:"db_path"`

	// StaticDir serves the web dashboard when non-empty.
	StaticDir string `koanf:"static_dir"`

	// ModelDir resolves relative model names.
	ModelDir string `koanf:"model_dir"`

	// MediaPipeScript and PythonPath override the pose service lookup.
	MediaPipeScript string `koanf:"mediapipe_script"`
	PythonPath      string `koanf:"python_path"`

	// ONNXLibrary is the onnxruntime shared library path.
	ONNXLibrary string `koanf:"onnx_library"`

	// ThrottleIntervalMS is the minimum spacing between admitted frames.
	ThrottleIntervalMS int `koanf:"throttle_interval_ms"`

	// EventBuffer bounds each handle's event stream.
	EventBuffer int `koanf:"event_buffer"`

	// Camera source settings. When enabled a live-stream session is
	// created at startup and fed from the camera. CameraFile replays a
	// looping video file in place of device CameraID.
	CameraEnabled     bool    `koanf:"camera_enabled"`
	CameraID          int     `koanf:"camera_id"`
	CameraFPS         float64 `koanf:"camera_fps"`
	CameraModel       string  `koanf:"camera_model"`
	CameraDelegate    string  `koanf:"camera_delegate"`
	CameraOrientation string  `koanf:"camera_orientation"`
	CameraFront       bool    `koanf:"camera_front"`
	CameraFile        string  `koanf:"camera_file"`

	// CameraMotionThreshold skips frames while less than this percentage
	// of pixels changes. Zero disables the motion gate.
	CameraMotionThreshold float64 `koanf:"camera_motion_threshold"`
	CameraMotionHoldMS    int     `koanf:"camera_motion_hold_ms"`

	// Default consumer view for the camera session.
	ViewWidth  int    `koanf:"view_width"`
	ViewHeight int    `koanf:"view_height"`
	ViewFill   string `koanf:"view_fill"`
	MirrorMode string `koanf:"mirror_mode"`

	// TrayEnabled shows the system tray menu.
	TrayEnabled bool `koanf:"tray_enabled"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		Addr:               ":8080",
		DBPath:             "posekit.db",
		ModelDir:           "models",
		ThrottleIntervalMS: 66,
		EventBuffer:        16,
		CameraID:           0,
		CameraFPS:          30,
		CameraModel:        "pose_landmarker_lite.task",
		CameraDelegate:     string(detector.DelegateGPU),
		CameraOrientation:  string(transform.Portrait),
		CameraFront:        true,
		CameraMotionHoldMS: 2000,
		ViewWidth:          640,
		ViewHeight:         480,
		ViewFill:           string(transform.Cover),
		MirrorMode:         string(transform.MirrorFrontOnly),
	}
}

// ThrottleInterval returns ThrottleIntervalMS as a duration.
func (c *Config) ThrottleInterval() time.Duration {
	return time.Duration(c.ThrottleIntervalMS) * time.Millisecond
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if c.ThrottleIntervalMS <= 0 {
		return fmt.Errorf("%w: throttle_interval_ms must be positive, got %d", ErrInvalidConfig, c.ThrottleIntervalMS)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("%w: event_buffer must be positive, got %d", ErrInvalidConfig, c.EventBuffer)
	}
	if c.CameraEnabled && c.CameraFPS <= 0 {
		return fmt.Errorf("%w: camera_fps must be positive, got %v", ErrInvalidConfig, c.CameraFPS)
	}
	if c.CameraMotionThreshold < 0 || c.CameraMotionThreshold > 100 {
		return fmt.Errorf("%w: camera_motion_threshold must be within [0, 100], got %v", ErrInvalidConfig, c.CameraMotionThreshold)
	}
	if _, err := detector.ParseDelegate(c.CameraDelegate); err != nil {
		return fmt.Errorf("%w: camera_delegate: %v", ErrInvalidConfig, err)
	}
	if _, err := transform.ParseOrientation(c.CameraOrientation); err != nil {
		return fmt.Errorf("%w: camera_orientation: %v", ErrInvalidConfig, err)
	}
	if _, err := transform.ParseFillMode(c.ViewFill); err != nil {
		return fmt.Errorf("%w: view_fill: %v", ErrInvalidConfig, err)
	}
	if _, err := transform.ParseMirrorMode(c.MirrorMode); err != nil {
		return fmt.Errorf("%w: mirror_mode: %v", ErrInvalidConfig, err)
	}
	return nil
}
