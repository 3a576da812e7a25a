package transform

import "fmt"

// Orientation is a device or frame orientation. The zero value means unset.
type Orientation string

const (
	Unset              Orientation = ""
	Portrait           Orientation = "portrait"
	LandscapeRight     Orientation = "landscape-right"
	PortraitUpsideDown Orientation = "portrait-upside-down"
	LandscapeLeft      Orientation = "landscape-left"
)

// Degrees returns the clockwise rotation of o relative to portrait.
// Unset orientations count as portrait.
func (o Orientation) Degrees() int {
	switch o {
	case LandscapeRight:
		return 90
	case PortraitUpsideDown:
		return 180
	case LandscapeLeft:
		return 270
	default:
		return 0
	}
}

// ParseOrientation converts a config or wire string to an Orientation.
func ParseOrientation(s string) (Orientation, error) {
	switch o := Orientation(s); o {
	case Unset, Portrait, LandscapeRight, PortraitUpsideDown, LandscapeLeft:
		return o, nil
	}
	return Unset, fmt.Errorf("unknown orientation %q", s)
}

// FillMode controls how the source aspect ratio is mapped into the view.
type FillMode string

const (
	// Cover scales uniformly to fill the view, cropping overflow.
	Cover FillMode = "cover"
	// Contain scales uniformly to fit inside the view, letterboxing.
	Contain FillMode = "contain"
	// Stretch scales each axis independently.
	Stretch FillMode = "stretch"
)

// ParseFillMode converts a config or wire string to a FillMode.
// An empty string selects Cover.
func ParseFillMode(s string) (FillMode, error) {
	switch m := FillMode(s); m {
	case "":
		return Cover, nil
	case Cover, Contain, Stretch:
		return m, nil
	}
	return "", fmt.Errorf("unknown fill mode %q", s)
}

// MirrorMode is the consumer's mirroring policy.
type MirrorMode string

const (
	NoMirror        MirrorMode = "no-mirror"
	Mirror          MirrorMode = "mirror"
	MirrorFrontOnly MirrorMode = "mirror-front-only"
)

// ParseMirrorMode converts a config or wire string to a MirrorMode.
// An empty string selects MirrorFrontOnly.
func ParseMirrorMode(s string) (MirrorMode, error) {
	switch m := MirrorMode(s); m {
	case "":
		return MirrorFrontOnly, nil
	case NoMirror, Mirror, MirrorFrontOnly:
		return m, nil
	}
	return "", fmt.Errorf("unknown mirror mode %q", s)
}

// Resolve reports whether output should be mirrored for a camera facing
// the user (front) or not.
func (m MirrorMode) Resolve(front bool) bool {
	switch m {
	case Mirror:
		return true
	case MirrorFrontOnly:
		return front
	default:
		return false
	}
}
