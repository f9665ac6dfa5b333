package frame

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/teleview/teleview-server/protocol"
)

// HeaderSize is the size of the fixed header preceding the pixels of a
// frame on the wire.
const HeaderSize = 32

const (
	flagKeyFrame = 1 << iota
	flagFlipped
)

// MalformedError is returned by Parse for payloads that are not a frame.
type MalformedError struct {
	Size   int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("frame: malformed %d-byte message: %s", e.Size, e.Reason)
}

// Is makes errors.Is(err, protocol.ErrMalformedMessage) hold.
func (e *MalformedError) Is(target error) bool {
	return target == protocol.ErrMalformedMessage
}

// Append appends the wire form of b, described by meta, to dst. The header
// records b's format and origin; meta.Width and meta.Height are ignored in
// favor of the buffer's own size.
func Append(dst []byte, meta Meta, b *Buffer) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(b.Width))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(b.Height))
	hdr[8] = byte(b.Format)
	hdr[9] = byte(b.Origin)
	binary.LittleEndian.PutUint16(hdr[10:], uint16(int16(meta.Rotation)))
	if meta.KeyFrame {
		hdr[12] |= flagKeyFrame
	}
	if meta.FlipVertical {
		hdr[12] |= flagFlipped
	}
	binary.LittleEndian.PutUint64(hdr[16:], uint64(meta.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint64(hdr[24:], meta.Sequence)
	dst = append(dst, hdr[:]...)
	return append(dst, b.Pix...)
}

// Parse decodes a frame produced by Append. The returned buffer aliases msg.
func Parse(msg []byte) (Meta, *Buffer, error) {
	if len(msg) < HeaderSize {
		return Meta{}, nil, &MalformedError{Size: len(msg), Reason: "short header"}
	}
	w := int(binary.LittleEndian.Uint32(msg[0:]))
	h := int(binary.LittleEndian.Uint32(msg[4:]))
	if w <= 0 || h <= 0 || w > protocol.MaxFrameWidth || h > protocol.MaxFrameHeight {
		return Meta{}, nil, &MalformedError{Size: len(msg), Reason: fmt.Sprintf("bad resolution %dx%d", w, h)}
	}
	format, origin := Format(msg[8]), Origin(msg[9])
	if format != ARGB && format != BGRA {
		return Meta{}, nil, &MalformedError{Size: len(msg), Reason: "unknown pixel format"}
	}
	if origin != TopLeft && origin != BottomLeft {
		return Meta{}, nil, &MalformedError{Size: len(msg), Reason: "unknown origin"}
	}
	if want := HeaderSize + w*h*BytesPerPixel; len(msg) != want {
		return Meta{}, nil, &MalformedError{Size: len(msg), Reason: fmt.Sprintf("want %d bytes", want)}
	}
	meta := Meta{
		Width:        w,
		Height:       h,
		Format:       format,
		Rotation:     int(int16(binary.LittleEndian.Uint16(msg[10:]))),
		KeyFrame:     msg[12]&flagKeyFrame != 0,
		FlipVertical: msg[12]&flagFlipped != 0,
		Timestamp:    time.Unix(0, int64(binary.LittleEndian.Uint64(msg[16:]))),
		Sequence:     binary.LittleEndian.Uint64(msg[24:]),
	}
	buf := &Buffer{
		Width:  w,
		Height: h,
		Format: format,
		Origin: origin,
		Pix:    msg[HeaderSize:],
	}
	return meta, buf, nil
}
