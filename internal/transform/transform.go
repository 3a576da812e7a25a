// Package transform maps normalized model-space landmarks into view space.
//
// A Context is an immutable snapshot built from Params. Callers rebuild it
// with NewContext whenever an input changes and may share it freely between
// goroutines.
package transform

// Point is a 2D coordinate. In model space both axes are normalized to
// [0,1]; in view space they are in view units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Params are the inputs to a Context.
type Params struct {
	ViewWidth  float64
	ViewHeight float64

	// SourceWidth and SourceHeight are the frame dimensions as delivered by
	// the camera, before rotation. Zero means unknown.
	SourceWidth  float64
	SourceHeight float64

	Mirror bool
	Fill   FillMode

	// Measured orientations and their forced overrides. A forced value
	// always wins over the measured one.
	FrameOrientation        Orientation
	ForcedFrameOrientation  Orientation
	OutputOrientation       Orientation
	ForcedOutputOrientation Orientation
}

// EffectiveFrameOrientation returns the forced frame orientation if set.
func (p Params) EffectiveFrameOrientation() Orientation {
	if p.ForcedFrameOrientation != Unset {
		return p.ForcedFrameOrientation
	}
	return p.FrameOrientation
}

// EffectiveOutputOrientation returns the forced output orientation if set.
func (p Params) EffectiveOutputOrientation() Orientation {
	if p.ForcedOutputOrientation != Unset {
		return p.ForcedOutputOrientation
	}
	return p.OutputOrientation
}

// Context is a resolved transform. The zero value is not useful.
type Context struct {
	params   Params
	rotation int
	mirror   bool
	fill     FillMode

	viewW, viewH float64
	scaleX       float64
	scaleY       float64
	offsetX      float64
	offsetY      float64
}

// NewContext resolves p into an immutable Context.
func NewContext(p Params) Context {
	c := Context{
		params:   p,
		rotation: ((p.EffectiveOutputOrientation().Degrees()-p.EffectiveFrameOrientation().Degrees())%360 + 360) % 360,
		mirror:   p.Mirror,
		fill:     p.Fill,
		viewW:    p.ViewWidth,
		viewH:    p.ViewHeight,
	}
	if c.fill == "" {
		c.fill = Cover
	}

	srcW, srcH := p.SourceWidth, p.SourceHeight
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = p.ViewWidth, p.ViewHeight
	} else if c.rotation == 90 || c.rotation == 270 {
		srcW, srcH = srcH, srcW
	}

	switch {
	case c.fill == Stretch || srcW <= 0 || srcH <= 0:
		c.scaleX, c.scaleY = c.viewW, c.viewH
	default:
		s := c.viewW / srcW
		if c.fill == Cover {
			s = max(s, c.viewH/srcH)
		} else {
			s = min(s, c.viewH/srcH)
		}
		c.scaleX, c.scaleY = srcW*s, srcH*s
		c.offsetX = (c.scaleX - c.viewW) / 2
		c.offsetY = (c.scaleY - c.viewH) / 2
	}
	return c
}

// Params returns the inputs the context was built from.
func (c Context) Params() Params { return c.params }

// Rotation returns the applied rotation in degrees: 0, 90, 180 or 270.
func (c Context) Rotation() int { return c.rotation }

// Mirrored reports whether the context flips the x axis.
func (c Context) Mirrored() bool { return c.mirror }

// Fill returns the resolved fill mode.
func (c Context) Fill() FillMode { return c.fill }

// ToViewSpace maps a normalized model-space point into view space.
// Rotation is applied first, then mirroring, then the fill mapping.
func ToViewSpace(p Point, c Context) Point {
	p = rotate(p, c.rotation)
	if c.mirror {
		p.X = 1 - p.X
	}
	return Point{
		X: p.X*c.scaleX - c.offsetX,
		Y: p.Y*c.scaleY - c.offsetY,
	}
}

// FromViewSpace is the inverse of ToViewSpace.
func FromViewSpace(v Point, c Context) Point {
	var p Point
	if c.scaleX != 0 {
		p.X = (v.X + c.offsetX) / c.scaleX
	}
	if c.scaleY != 0 {
		p.Y = (v.Y + c.offsetY) / c.scaleY
	}
	if c.mirror {
		p.X = 1 - p.X
	}
	return rotate(p, (360-c.rotation)%360)
}

// rotate turns the unit square clockwise by deg.
func rotate(p Point, deg int) Point {
	switch deg {
	case 90:
		return Point{X: 1 - p.Y, Y: p.X}
	case 180:
		return Point{X: 1 - p.X, Y: 1 - p.Y}
	case 270:
		return Point{X: p.Y, Y: 1 - p.X}
	default:
		return p
	}
}
