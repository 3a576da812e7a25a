package detector

import (
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// Detector defines the interface for pose detection implementations.
// Implementations are not required to be safe for concurrent use; the
// pipeline never calls Detect on one detector from two goroutines at once.
type Detector interface {
	// Detect analyzes a video frame and returns detected poses.
	// A result with no poses is not an error.
	Detect(frame *gocv.Mat) (*Result, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Factory constructs and initializes a detector for cfg.
type Factory func(cfg Config) (Detector, error)

// Delegate selects the inference backend hardware.
type Delegate string

const (
	DelegateCPU Delegate = "CPU"
	DelegateGPU Delegate = "GPU"
)

// RunningMode selects how a detector will be driven.
type RunningMode string

const (
	ModeImage      RunningMode = "image"
	ModeVideo      RunningMode = "video"
	ModeLiveStream RunningMode = "live-stream"
)

// ParseDelegate accepts CPU or GPU in any case.
func ParseDelegate(s string) (Delegate, error) {
	switch d := Delegate(strings.ToUpper(strings.TrimSpace(s))); d {
	case DelegateCPU, DelegateGPU:
		return d, nil
	}
	return "", fmt.Errorf("unknown delegate %q", s)
}

// ParseRunningMode accepts image, video or live-stream.
func ParseRunningMode(s string) (RunningMode, error) {
	switch m := RunningMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeImage, ModeVideo, ModeLiveStream:
		return m, nil
	case "livestream", "live_stream":
		return ModeLiveStream, nil
	}
	return "", fmt.Errorf("unknown running mode %q", s)
}

// UnmarshalText accepts any spelling ParseDelegate does.
func (d *Delegate) UnmarshalText(text []byte) error {
	parsed, err := ParseDelegate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalText accepts any spelling ParseRunningMode does, so "LIVE_STREAM"
// decodes to ModeLiveStream.
func (m *RunningMode) UnmarshalText(text []byte) error {
	parsed, err := ParseRunningMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config holds configuration options for pose detection.
type Config struct {
	// NumPoses is the maximum number of poses to detect (default: 1).
	NumPoses int `json:"numPoses"`

	// MinPoseDetectionConfidence is the minimum score for a pose to be
	// reported (0.0-1.0).
	MinPoseDetectionConfidence float64 `json:"minPoseDetectionConfidence"`

	// MinPosePresenceConfidence is the minimum presence score (0.0-1.0).
	MinPosePresenceConfidence float64 `json:"minPosePresenceConfidence"`

	// MinTrackingConfidence is the minimum tracking score (0.0-1.0).
	MinTrackingConfidence float64 `json:"minTrackingConfidence"`

	// OutputSegmentationMasks requests a mask per detected pose.
	OutputSegmentationMasks bool `json:"shouldOutputSegmentationMasks"`

	// Model is a model file name or path.
	Model string `json:"model"`

	Delegate    Delegate    `json:"delegate"`
	RunningMode RunningMode `json:"runningMode"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		NumPoses:                   1,
		MinPoseDetectionConfidence: 0.5,
		MinPosePresenceConfidence:  0.5,
		MinTrackingConfidence:      0.5,
		Delegate:                   DelegateGPU,
		RunningMode:                ModeLiveStream,
	}
}

// Validate checks parameter ranges. Failures are initialization errors.
func (c Config) Validate() error {
	var problems []string
	if c.NumPoses < 1 {
		problems = append(problems, fmt.Sprintf("numPoses must be at least 1, got %d", c.NumPoses))
	}
	thresholds := []struct {
		name  string
		value float64
	}{
		{"minPoseDetectionConfidence", c.MinPoseDetectionConfidence},
		{"minPosePresenceConfidence", c.MinPosePresenceConfidence},
		{"minTrackingConfidence", c.MinTrackingConfidence},
	}
	for _, th := range thresholds {
		if th.value < 0 || th.value > 1 {
			problems = append(problems, fmt.Sprintf("%s must be within [0, 1], got %v", th.name, th.value))
		}
	}
	if strings.TrimSpace(c.Model) == "" {
		problems = append(problems, "model is required")
	}
	if _, err := ParseDelegate(string(c.Delegate)); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := ParseRunningMode(string(c.RunningMode)); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return NewError(CodeInitialization, "Invalid detector configuration.", fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}
