package frame

import (
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/teleview/teleview-server/protocol"
)

// fill gives every pixel of b a distinct ARGB value derived from its
// storage position.
func fill(b *Buffer) {
	for y := 0; y < b.Height; y++ {
		row := b.Row(y)
		for x := 0; x < b.Width; x++ {
			row[x*4+0] = 0xff
			row[x*4+1] = byte(x)
			row[x*4+2] = byte(y)
			row[x*4+3] = byte(x + y)
		}
	}
}

func TestConvertFlipsAndSwaps(t *testing.T) {
	src := NewBuffer(3, 2, ARGB, BottomLeft)
	fill(src)
	dst := NewBuffer(3, 2, BGRA, TopLeft)
	if err := Convert(dst, src, true); err != nil {
		t.Fatal(err)
	}
	if dst.Origin != TopLeft {
		t.Errorf("Origin = %v, want TopLeft", dst.Origin)
	}
	// Storage row 0 of src is the bottom of the picture. After flipping it
	// must be the last storage row of dst.
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if got, want := dst.At(x, y), src.At(x, y); got != want {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
	last := dst.Row(1)
	if last[0] != 0 || last[1] != 0 || last[2] != 0 || last[3] != 0xff {
		t.Errorf("BGRA bytes of bottom-left pixel = %v", last[:4])
	}
}

func TestConvertWithoutFlip(t *testing.T) {
	src := NewBuffer(2, 2, ARGB, TopLeft)
	fill(src)
	dst := NewBuffer(2, 2, ARGB, BottomLeft)
	if err := Convert(dst, src, false); err != nil {
		t.Fatal(err)
	}
	if dst.Origin != TopLeft || string(dst.Pix) != string(src.Pix) {
		t.Error("same-format conversion should copy bytes and origin")
	}
	if err := Convert(NewBuffer(1, 1, BGRA, TopLeft), src, false); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Convert() error = %v, want ErrSizeMismatch", err)
	}
}

func TestImageIsTopDown(t *testing.T) {
	b := NewBuffer(1, 2, BGRA, BottomLeft)
	copy(b.Row(0), []byte{0, 0, 255, 255}) // red, bottom
	copy(b.Row(1), []byte{255, 0, 0, 255}) // blue, top
	img := b.Image()
	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{B: 255, A: 255}) {
		t.Errorf("top pixel = %v, want blue", got)
	}
	if got := img.NRGBAAt(0, 1); got != (color.NRGBA{R: 255, A: 255}) {
		t.Errorf("bottom pixel = %v, want red", got)
	}
}

func TestWireRoundTrip(t *testing.T) {
	b := NewBuffer(4, 3, BGRA, TopLeft)
	fill(b)
	meta := Meta{
		Rotation:     -90,
		FlipVertical: true,
		KeyFrame:     true,
		Timestamp:    time.Unix(1700000000, 42),
		Sequence:     7,
	}
	msg := Append(nil, meta, b)
	if len(msg) != HeaderSize+4*3*4 {
		t.Fatalf("len = %d", len(msg))
	}
	got, buf, err := Parse(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Width != 4 || got.Height != 3 || got.Format != BGRA || got.Rotation != -90 ||
		!got.KeyFrame || !got.FlipVertical || got.Sequence != 7 || !got.Timestamp.Equal(meta.Timestamp) {
		t.Errorf("Parse() meta = %+v", got)
	}
	if buf.Origin != TopLeft || string(buf.Pix) != string(b.Pix) {
		t.Error("Parse() pixels differ")
	}
}

func TestParseRejects(t *testing.T) {
	good := Append(nil, Meta{}, NewBuffer(2, 2, BGRA, TopLeft))
	bad := func(mut func([]byte) []byte) []byte {
		m := append([]byte(nil), good...)
		return mut(m)
	}
	tests := []struct {
		name string
		msg  []byte
	}{
		{"short", good[:HeaderSize-1]},
		{"truncated-pixels", good[:len(good)-1]},
		{"zero-width", bad(func(m []byte) []byte { m[0] = 0; return m })},
		{"format", bad(func(m []byte) []byte { m[8] = 9; return m })},
		{"origin", bad(func(m []byte) []byte { m[9] = 0; return m })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Parse(tt.msg); !errors.Is(err, protocol.ErrMalformedMessage) {
				t.Errorf("Parse() error = %v, want malformed", err)
			}
		})
	}
}
