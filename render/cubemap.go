package render

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Face indexes the six faces of a cube map.
type Face int

// Cube map faces, in the usual +X, -X, +Y, -Y, +Z, -Z order.
const (
	PosX Face = iota
	NegX
	PosY
	NegY
	PosZ
	NegZ
)

// Cubemap stores six square faces of ARGB texels. Directions are expressed
// in the local space of the camera that rendered it.
type Cubemap struct {
	Size  int
	Faces [6][]uint32
}

// NewCubemap allocates a cube map with faces of size x size texels.
func NewCubemap(size int) *Cubemap {
	c := &Cubemap{Size: size}
	for i := range c.Faces {
		c.Faces[i] = make([]uint32, size*size)
	}
	return c
}

// faceDir returns the local direction through face coordinates u, v in
// [-1, 1].
func faceDir(f Face, u, v float64) r3.Vec {
	switch f {
	case PosX:
		return r3.Vec{X: 1, Y: -v, Z: -u}
	case NegX:
		return r3.Vec{X: -1, Y: -v, Z: u}
	case PosY:
		return r3.Vec{X: u, Y: 1, Z: v}
	case NegY:
		return r3.Vec{X: u, Y: -1, Z: -v}
	case PosZ:
		return r3.Vec{X: u, Y: -v, Z: 1}
	}
	return r3.Vec{X: -u, Y: -v, Z: -1}
}

// lookup returns the face and face coordinates hit by direction d. It is
// the inverse of faceDir.
func lookup(d r3.Vec) (Face, float64, float64) {
	ax, ay, az := math.Abs(d.X), math.Abs(d.Y), math.Abs(d.Z)
	switch {
	case ax >= ay && ax >= az:
		if d.X > 0 {
			return PosX, -d.Z / ax, -d.Y / ax
		}
		return NegX, d.Z / ax, -d.Y / ax
	case ay >= az:
		if d.Y > 0 {
			return PosY, d.X / ay, d.Z / ay
		}
		return NegY, d.X / ay, -d.Z / ay
	}
	if d.Z > 0 {
		return PosZ, d.X / az, -d.Y / az
	}
	return NegZ, -d.X / az, -d.Y / az
}

// Fill renders every texel with shade, called with the local direction
// through the texel center.
func (c *Cubemap) Fill(shade func(dir r3.Vec) uint32) {
	n := float64(c.Size)
	for f := range c.Faces {
		face := c.Faces[f]
		for j := 0; j < c.Size; j++ {
			v := 2*(float64(j)+0.5)/n - 1
			for i := 0; i < c.Size; i++ {
				u := 2*(float64(i)+0.5)/n - 1
				face[j*c.Size+i] = shade(faceDir(Face(f), u, v))
			}
		}
	}
}

// Sample returns the nearest texel in direction d.
func (c *Cubemap) Sample(d r3.Vec) uint32 {
	f, u, v := lookup(d)
	i := texel(u, c.Size)
	j := texel(v, c.Size)
	return c.Faces[f][j*c.Size+i]
}

func texel(u float64, size int) int {
	i := int((u + 1) / 2 * float64(size))
	if i < 0 {
		return 0
	}
	if i >= size {
		return size - 1
	}
	return i
}

// equirectDir returns the local direction of an equirectangular pixel.
// Longitude zero looks down -Z, the camera forward axis.
func equirectDir(x, y, width, height int) r3.Vec {
	lon := (float64(x)+0.5)/float64(width)*2*math.Pi - math.Pi
	lat := math.Pi/2 - (float64(y)+0.5)/float64(height)*math.Pi
	cl := math.Cos(lat)
	return r3.Vec{X: cl * math.Sin(lon), Y: math.Sin(lat), Z: -cl * math.Cos(lon)}
}

// ConvertToEquirect resamples c into rows [top, top+rows) of t.
func (c *Cubemap) ConvertToEquirect(t *Target, top, rows int) {
	w := t.Width()
	for y := 0; y < rows; y++ {
		for x := 0; x < w; x++ {
			t.setPixel(x, top+y, c.Sample(equirectDir(x, y, w, rows)))
		}
	}
}
