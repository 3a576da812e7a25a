// Package testdata builds synthetic frames for tests. Frames are generated
// rather than stored so tests do not depend on binary assets.
package testdata

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Default fixture frame size.
const (
	FrameWidth  = 640
	FrameHeight = 480
)

// Frame returns a BGR frame of the given size filled with c.
func Frame(width, height int, c color.RGBA) *gocv.Mat {
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	mat.SetTo(gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0))
	return &mat
}

// Figure returns a frame with a crude standing figure drawn at horizontal
// position x (0-1), so consecutive frames with different x show motion.
func Figure(width, height int, x float64) *gocv.Mat {
	mat := Frame(width, height, color.RGBA{R: 30, G: 30, B: 30, A: 255})
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}

	cx := int(x * float64(width))
	head := height / 12
	gocv.Circle(mat, image.Pt(cx, height/6), head, white, -1)
	gocv.Line(mat, image.Pt(cx, height/6+head), image.Pt(cx, height*3/5), white, 6)
	gocv.Line(mat, image.Pt(cx, height/3), image.Pt(cx-width/10, height/2), white, 5)
	gocv.Line(mat, image.Pt(cx, height/3), image.Pt(cx+width/10, height/2), white, 5)
	gocv.Line(mat, image.Pt(cx, height*3/5), image.Pt(cx-width/14, height*9/10), white, 5)
	gocv.Line(mat, image.Pt(cx, height*3/5), image.Pt(cx+width/14, height*9/10), white, 5)
	return mat
}

// Sequence returns n figure frames walking from left to right.
func Sequence(n int) []*gocv.Mat {
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		x := 0.2
		if n > 1 {
			x += 0.6 * float64(i) / float64(n-1)
		}
		frames[i] = Figure(FrameWidth, FrameHeight, x)
	}
	return frames
}

// Close releases every frame.
func Close(frames []*gocv.Mat) {
	for _, f := range frames {
		f.Close()
	}
}

// JPEG encodes mat as a JPEG image.
func JPEG(mat *gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// WriteImage writes mat to path; the extension picks the format.
func WriteImage(path string, mat *gocv.Mat) error {
	if ok := gocv.IMWrite(path, *mat); !ok {
		return fmt.Errorf("write image %s", path)
	}
	return nil
}
