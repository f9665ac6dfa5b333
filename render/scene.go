package render

import (
	"fmt"
	"math"

	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultStereoSeparation is the distance between the two eyes in meters.
const DefaultStereoSeparation = 0.064

// ViewSource provides the world-to-camera matrix to render with.
type ViewSource interface {
	ViewMatrix() geom.Mat4
}

// Scene is a procedural world: a checkered ground plane with a walking lane
// along +Z under a sky gradient. It renders synchronously on the caller's
// goroutine.
type Scene struct {
	View ViewSource

	// FieldOfView is the vertical field of view in degrees of the
	// perspective mode.
	FieldOfView float64

	// StereoSeparation is the eye distance of the stereo mode.
	StereoSeparation float64
}

// NewScene returns a scene rendered from view with default optics.
func NewScene(view ViewSource) *Scene {
	return &Scene{
		View:             view,
		FieldOfView:      60,
		StereoSeparation: DefaultStereoSeparation,
	}
}

// RenderInto renders the scene into t using the target's mode.
func (s *Scene) RenderInto(t *Target) error {
	if t.Released() {
		return ErrReleased
	}
	camToWorld, ok := s.View.ViewMatrix().Inverse()
	if !ok {
		return fmt.Errorf("render: singular view matrix")
	}
	switch t.Mode {
	case Perspective:
		s.renderPerspective(t, camToWorld)
	case Mono360:
		s.renderCubemap(t.cubes[0], camToWorld, r3.Vec{})
		t.cubes[0].ConvertToEquirect(t, 0, t.Height())
	case Stereo360:
		half := s.StereoSeparation / 2
		s.renderCubemap(t.cubes[0], camToWorld, r3.Vec{X: -half})
		s.renderCubemap(t.cubes[1], camToWorld, r3.Vec{X: half})
		t.cubes[0].ConvertToEquirect(t, 0, t.Height()/2)
		t.cubes[1].ConvertToEquirect(t, t.Height()/2, t.Height()/2)
	default:
		return fmt.Errorf("render: unknown mode %d", t.Mode)
	}
	return nil
}

// ReadPixels copies the color buffer of t into dst, which must have the
// target's resolution.
func (s *Scene) ReadPixels(t *Target, dst *frame.Buffer) error {
	if t.Released() {
		return ErrReleased
	}
	return dst.CopyFrom(t.Color)
}

func (s *Scene) renderPerspective(t *Target, camToWorld geom.Mat4) {
	w, h := t.Width(), t.Height()
	tanHalf := math.Tan(s.FieldOfView * math.Pi / 360)
	aspect := float64(w) / float64(h)
	origin := camToWorld.MulPoint(r3.Vec{})
	for y := 0; y < h; y++ {
		cy := (1 - 2*(float64(y)+0.5)/float64(h)) * tanHalf
		for x := 0; x < w; x++ {
			cx := (2*(float64(x)+0.5)/float64(w) - 1) * tanHalf * aspect
			dir := camToWorld.MulDir(r3.Vec{X: cx, Y: cy, Z: -1})
			t.setPixel(x, y, shade(origin, dir))
		}
	}
}

func (s *Scene) renderCubemap(c *Cubemap, camToWorld geom.Mat4, eye r3.Vec) {
	origin := camToWorld.MulPoint(eye)
	c.Fill(func(dir r3.Vec) uint32 {
		return shade(origin, camToWorld.MulDir(dir))
	})
}

var (
	skyHorizon = r3.Vec{X: 0.75, Y: 0.85, Z: 0.95}
	skyZenith  = r3.Vec{X: 0.25, Y: 0.45, Z: 0.85}
	tileLight  = r3.Vec{X: 0.8, Y: 0.8, Z: 0.8}
	tileDark   = r3.Vec{X: 0.35, Y: 0.35, Z: 0.35}
	lane       = r3.Vec{X: 0.85, Y: 0.35, Z: 0.2}
)

// fogDistance is where the ground fades completely into the horizon color.
const fogDistance = 200.0

// shade returns the ARGB color seen from origin along dir.
func shade(origin, dir r3.Vec) uint32 {
	if dir.Y < 0 && origin.Y > 0 {
		t := -origin.Y / dir.Y
		hit := r3.Add(origin, r3.Scale(t, dir))
		c := tileDark
		if (int(math.Floor(hit.X))+int(math.Floor(hit.Z)))&1 == 0 {
			c = tileLight
		}
		if math.Abs(hit.X) < 1 {
			c = lane
		}
		dist := r3.Norm(r3.Sub(hit, origin))
		fog := math.Min(dist/fogDistance, 1)
		return argb(r3.Add(r3.Scale(1-fog, c), r3.Scale(fog, skyHorizon)))
	}
	n := r3.Norm(dir)
	up := 0.0
	if n > 0 {
		up = math.Max(dir.Y/n, 0)
	}
	return argb(r3.Add(r3.Scale(1-up, skyHorizon), r3.Scale(up, skyZenith)))
}

func argb(c r3.Vec) uint32 {
	return 0xff<<24 | uint32(channel(c.X))<<16 | uint32(channel(c.Y))<<8 | uint32(channel(c.Z))
}

func channel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
