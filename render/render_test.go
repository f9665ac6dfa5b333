package render

import (
	"errors"
	"math"
	"testing"

	"github.com/teleview/teleview-server/camera"
	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/geom"
	"github.com/teleview/teleview-server/pose"
	"gonum.org/v1/gonum/spatial/r3"
)

func standingView() ViewSource {
	cam := geom.NewTransform(r3.Vec{}, geom.IdentityRotation)
	owner := geom.NewTransform(r3.Vec{}, geom.IdentityRotation)
	a := camera.NewApplier(&cam, &owner)
	a.Apply(pose.Pose{Position: r3.Vec{Y: 1.6}, Rotation: geom.IdentityRotation})
	return a
}

func isSky(b *frame.Buffer, x, y int) bool {
	c := b.At(x, y)
	return c.B > c.R
}

func isLane(b *frame.Buffer, x, y int) bool {
	c := b.At(x, y)
	return c.R > 150 && c.B < 100
}

func TestRenderPerspective(t *testing.T) {
	target, err := NewTarget(64, 48, Perspective)
	if err != nil {
		t.Fatal(err)
	}
	s := NewScene(standingView())
	if err := s.RenderInto(target); err != nil {
		t.Fatal(err)
	}
	dst := frame.NewBuffer(64, 48, frame.ARGB, frame.TopLeft)
	if err := s.ReadPixels(target, dst); err != nil {
		t.Fatal(err)
	}
	if dst.Origin != frame.BottomLeft || dst.Format != frame.ARGB {
		t.Errorf("readback format/origin = %v/%v", dst.Format, dst.Origin)
	}
	if !isSky(dst, 32, 0) {
		t.Errorf("top row should be sky, got %v", dst.At(32, 0))
	}
	if !isLane(dst, 32, 47) {
		t.Errorf("bottom center should be the lane, got %v", dst.At(32, 47))
	}
}

func TestRender360(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		halves int
	}{
		{name: "mono", mode: Mono360, halves: 1},
		{name: "stereo", mode: Stereo360, halves: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := NewTarget(128, 128, tt.mode)
			if err != nil {
				t.Fatal(err)
			}
			s := NewScene(standingView())
			if err := s.RenderInto(target); err != nil {
				t.Fatal(err)
			}
			rows := 128 / tt.halves
			for h := 0; h < tt.halves; h++ {
				top, bottom := h*rows, (h+1)*rows-1
				if !isSky(target.Color, 64, top) {
					t.Errorf("eye %d: top row should be sky, got %v", h, target.Color.At(64, top))
				}
				if !isLane(target.Color, 64, bottom) {
					t.Errorf("eye %d: bottom row should be the lane, got %v", h, target.Color.At(64, bottom))
				}
			}
		})
	}
}

func TestNewTargetRejects(t *testing.T) {
	if _, err := NewTarget(0, 10, Perspective); err == nil {
		t.Error("zero width should fail")
	}
	if _, err := NewTarget(10, 11, Stereo360); err == nil {
		t.Error("odd stereo height should fail")
	}
}

func TestReleasedTarget(t *testing.T) {
	target, err := NewTarget(8, 8, Perspective)
	if err != nil {
		t.Fatal(err)
	}
	target.Release()
	target.Release()
	s := NewScene(standingView())
	if err := s.RenderInto(target); !errors.Is(err, ErrReleased) {
		t.Errorf("RenderInto() error = %v, want ErrReleased", err)
	}
	if err := s.ReadPixels(target, frame.NewBuffer(8, 8, frame.ARGB, frame.BottomLeft)); !errors.Is(err, ErrReleased) {
		t.Errorf("ReadPixels() error = %v, want ErrReleased", err)
	}
}

func TestCubemapLookupInvertsFaceDir(t *testing.T) {
	for f := PosX; f <= NegZ; f++ {
		for _, uv := range [][2]float64{{0, 0}, {0.5, -0.25}, {-0.9, 0.9}} {
			gf, u, v := lookup(faceDir(f, uv[0], uv[1]))
			if gf != f || math.Abs(u-uv[0]) > 1e-12 || math.Abs(v-uv[1]) > 1e-12 {
				t.Errorf("lookup(faceDir(%d, %v)) = %d, %v, %v", f, uv, gf, u, v)
			}
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Perspective, Mono360, Stereo360} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m, got, err)
		}
	}
	if _, err := ParseMode("fisheye"); err == nil {
		t.Error("ParseMode(fisheye) should fail")
	}
}
