// Package frame contains the raw video frame buffer exchanged between the
// renderer, the virtual video device and the network.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"
)

// Format is the byte order of a 4-byte pixel.
type Format uint8

const (
	// ARGB pixels are stored as A, R, G, B. Render targets use it.
	ARGB Format = iota + 1
	// BGRA pixels are stored as B, G, R, A. Sinks and the wire use it.
	BGRA
)

func (f Format) String() string {
	switch f {
	case ARGB:
		return "ARGB"
	case BGRA:
		return "BGRA"
	}
	return "invalid"
}

// Origin tells where row zero of a buffer is.
type Origin uint8

const (
	// TopLeft buffers store the top row first.
	TopLeft Origin = iota + 1
	// BottomLeft buffers store the bottom row first, as GPU readbacks do.
	BottomLeft
)

// BytesPerPixel is the size of one pixel in every supported format.
const BytesPerPixel = 4

// ErrSizeMismatch is returned when two buffers of different resolution are
// combined.
var ErrSizeMismatch = errors.New("frame: buffer size mismatch")

// Buffer is a row-major raw pixel buffer.
type Buffer struct {
	Width  int
	Height int
	Format Format
	Origin Origin
	Pix    []byte
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(width, height int, format Format, origin Origin) *Buffer {
	return &Buffer{
		Width:  width,
		Height: height,
		Format: format,
		Origin: origin,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// Stride returns the number of bytes in one row.
func (b *Buffer) Stride() int {
	return b.Width * BytesPerPixel
}

// Row returns the bytes of storage row y.
func (b *Buffer) Row(y int) []byte {
	s := b.Stride()
	return b.Pix[y*s : (y+1)*s]
}

// SameSize reports whether b and o have the same resolution.
func (b *Buffer) SameSize(o *Buffer) bool {
	return b.Width == o.Width && b.Height == o.Height
}

// CopyFrom copies src into b. Both must have the same resolution; b takes
// the format and origin of src.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if !b.SameSize(src) || len(b.Pix) != len(src.Pix) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch, b.Width, b.Height, src.Width, src.Height)
	}
	copy(b.Pix, src.Pix)
	b.Format = src.Format
	b.Origin = src.Origin
	return nil
}

// Convert writes src into dst using dst.Format, reversing the row order when
// flip is true. dst.Origin is updated to describe the result. This is the
// only place where rows are flipped.
func Convert(dst, src *Buffer, flip bool) error {
	if !dst.SameSize(src) || len(dst.Pix) != len(src.Pix) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch, dst.Width, dst.Height, src.Width, src.Height)
	}
	swap := dst.Format != src.Format
	for y := 0; y < src.Height; y++ {
		sy := y
		if flip {
			sy = src.Height - 1 - y
		}
		in, out := src.Row(sy), dst.Row(y)
		if !swap {
			copy(out, in)
			continue
		}
		// ARGB <-> BGRA is a full byte reversal of each pixel.
		for i := 0; i < len(in); i += BytesPerPixel {
			out[i], out[i+1], out[i+2], out[i+3] = in[i+3], in[i+2], in[i+1], in[i]
		}
	}
	dst.Origin = src.Origin
	if flip {
		dst.Origin = flipped(src.Origin)
	}
	return nil
}

func flipped(o Origin) Origin {
	if o == BottomLeft {
		return TopLeft
	}
	return BottomLeft
}

// At returns the color of the pixel at column x and row y counted from the
// top of the picture, whatever the storage origin.
func (b *Buffer) At(x, y int) color.NRGBA {
	if b.Origin == BottomLeft {
		y = b.Height - 1 - y
	}
	p := b.Pix[y*b.Stride()+x*BytesPerPixel:]
	if b.Format == BGRA {
		return color.NRGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
	}
	return color.NRGBA{R: p[1], G: p[2], B: p[3], A: p[0]}
}

// Image returns a top-down copy of b suitable for image encoders.
func (b *Buffer) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			img.SetNRGBA(x, y, b.At(x, y))
		}
	}
	return img
}

// Meta describes a pushed frame.
type Meta struct {
	Width        int
	Height       int
	Format       Format
	Rotation     int
	FlipVertical bool
	KeyFrame     bool
	Timestamp    time.Time
	Sequence     uint64
}
