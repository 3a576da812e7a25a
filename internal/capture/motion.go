package capture

import (
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/posekit/internal/timeutil"
)

// Motion gate constants
const (
	// MotionWidth is the width frames are reduced to before differencing.
	MotionWidth = 160
	// MotionBlurSize is the Gaussian kernel size applied to the reduced frame.
	MotionBlurSize = 7
	// DiffThreshold is the binary threshold for difference detection
	DiffThreshold = 25
	// DefaultMotionHold keeps the gate open after the last change.
	DefaultMotionHold = 2 * time.Second
)

// Motion is the outcome of observing one frame.
type Motion struct {
	// Changed reports whether this frame differs from the previous one
	// by more than the threshold.
	Changed bool
	// Percent is the share of changed pixels, 0-100.
	Percent float64
	// Active reports whether the gate is open after this frame.
	Active bool
}

// MotionGate decides whether camera frames are worth running pose detection
// on. It differences a reduced, blurred grayscale copy of each frame against
// the previous one and stays open for a hold period after the last change.
type MotionGate struct {
	threshold float64
	hold      time.Duration
	clock     timeutil.Clock

	mu         sync.Mutex
	prev       gocv.Mat
	primed     bool
	active     bool
	lastMotion time.Time
}

// NewMotionGate creates a gate. threshold is the percentage of pixels that
// must change for a frame to count as motion; hold is how long the gate
// stays open afterwards. A nil clock uses the wall clock.
func NewMotionGate(threshold float64, hold time.Duration, clock timeutil.Clock) *MotionGate {
	if hold <= 0 {
		hold = DefaultMotionHold
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MotionGate{
		threshold: threshold,
		hold:      hold,
		clock:     clock,
		prev:      gocv.NewMat(),
	}
}

// Observe compares frame against the previous one. The first frame primes
// the gate and opens it so detection starts immediately.
func (g *MotionGate) Observe(frame *gocv.Mat) Motion {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Empty() {
		return Motion{Active: g.active}
	}

	reduced := g.reduce(frame)
	defer reduced.Close()

	now := g.clock.Now()
	if !g.primed {
		reduced.CopyTo(&g.prev)
		g.primed = true
		g.active = true
		g.lastMotion = now
		return Motion{Active: true}
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(reduced, g.prev, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, DiffThreshold, 255, gocv.ThresholdBinary)

	total := thresh.Rows() * thresh.Cols()
	percent := 0.0
	if total > 0 {
		percent = float64(gocv.CountNonZero(thresh)) / float64(total) * 100.0
	}
	reduced.CopyTo(&g.prev)

	changed := percent > g.threshold
	if changed {
		g.active = true
		g.lastMotion = now
	} else if g.active && now.Sub(g.lastMotion) > g.hold {
		g.active = false
	}

	return Motion{Changed: changed, Percent: percent, Active: g.active}
}

// reduce converts frame to a blurred grayscale image MotionWidth wide.
func (g *MotionGate) reduce(frame *gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	if gray.Cols() > MotionWidth {
		h := gray.Rows() * MotionWidth / gray.Cols()
		if h < 1 {
			h = 1
		}
		small := gocv.NewMat()
		gocv.Resize(gray, &small, image.Pt(MotionWidth, h), 0, 0, gocv.InterpolationArea)
		gray.Close()
		gray = small
	}

	blurred := gocv.NewMat()
	gocv.GaussianBlur(gray, &blurred, image.Pt(MotionBlurSize, MotionBlurSize), 0, 0, gocv.BorderDefault)
	gray.Close()
	return blurred
}

// Active reports whether the gate is currently open.
func (g *MotionGate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Reset forgets the baseline frame and closes the gate.
func (g *MotionGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
}

// Close releases the baseline frame. The gate re-primes if used again.
func (g *MotionGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
}

func (g *MotionGate) clearLocked() {
	if !g.prev.Empty() {
		g.prev.Close()
		g.prev = gocv.NewMat()
	}
	g.primed = false
	g.active = false
}

// SetThreshold sets the motion threshold in percent of changed pixels.
// Values less than or equal to 0 are ignored.
func (g *MotionGate) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.threshold = threshold
}
