// Package render implements the offscreen render targets and the software
// scene the server renders its proxy camera with.
package render

import (
	"errors"
	"fmt"

	"github.com/teleview/teleview-server/frame"
)

// Mode selects the projection rendered into a target.
type Mode int

const (
	// Perspective renders a standard pinhole view.
	Perspective Mode = iota
	// Mono360 renders a cube map and converts it to an equirectangular image.
	Mono360
	// Stereo360 renders a cube map per eye and stacks both equirectangular
	// images, left eye on top.
	Stereo360
)

func (m Mode) String() string {
	switch m {
	case Perspective:
		return "perspective"
	case Mono360:
		return "mono360"
	case Stereo360:
		return "stereo360"
	}
	return "invalid"
}

// ParseMode maps a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{Perspective, Mono360, Stereo360} {
		if m.String() == s {
			return m, nil
		}
	}
	if s == "" {
		return Perspective, nil
	}
	return Perspective, fmt.Errorf("render: unknown mode %q", s)
}

// ErrReleased is returned when rendering into a released target.
var ErrReleased = errors.New("render: target released")

// Target is an offscreen render target. Its color buffer is ARGB with the
// bottom row first.
type Target struct {
	Mode  Mode
	Color *frame.Buffer

	cubes    [2]*Cubemap
	released bool
}

// NewTarget allocates a target of the given resolution.
func NewTarget(width, height int, mode Mode) (*Target, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("render: invalid target size %dx%d", width, height)
	}
	if mode == Stereo360 && height%2 != 0 {
		return nil, fmt.Errorf("render: stereo target height %d must be even", height)
	}
	t := &Target{
		Mode:  mode,
		Color: frame.NewBuffer(width, height, frame.ARGB, frame.BottomLeft),
	}
	switch mode {
	case Mono360:
		t.cubes[0] = NewCubemap(faceSize(height))
	case Stereo360:
		t.cubes[0] = NewCubemap(faceSize(height / 2))
		t.cubes[1] = NewCubemap(faceSize(height / 2))
	}
	return t, nil
}

func faceSize(rows int) int {
	if rows/2 < 16 {
		return 16
	}
	return rows / 2
}

// Width returns the target width.
func (t *Target) Width() int { return t.Color.Width }

// Height returns the target height.
func (t *Target) Height() int { return t.Color.Height }

// Release frees the target storage. Release is idempotent.
func (t *Target) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	t.Color.Pix = nil
	t.cubes = [2]*Cubemap{}
}

// Released reports whether Release was called.
func (t *Target) Released() bool {
	return t.released
}

// setPixel stores an ARGB value at column x of picture row y (top is 0).
func (t *Target) setPixel(x, y int, c uint32) {
	row := t.Color.Height - 1 - y
	i := row*t.Color.Stride() + x*frame.BytesPerPixel
	p := t.Color.Pix[i : i+4 : i+4]
	p[0], p[1], p[2], p[3] = byte(c>>24), byte(c>>16), byte(c>>8), byte(c)
}
