// Package pose implements the fixed binary layout used to exchange camera
// poses between a client and a server.
//
// A full pose is 56 bytes: posX, posY, posZ, rotX, rotY, rotZ, rotW, each a
// little-endian IEEE-754 double. The position-only variant is the first 24
// bytes of that layout.
package pose

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/teleview/teleview-server/protocol"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a position plus a rotation quaternion.
type Pose struct {
	Position r3.Vec
	Rotation quat.Number
}

// Identity is the pose at the origin with no rotation.
var Identity = Pose{Rotation: quat.Number{Real: 1}}

// Variant selects one of the two wire layouts.
type Variant int

const (
	// Full carries position and rotation.
	Full Variant = iota
	// PositionOnly carries the position.
	PositionOnly
)

// Wire sizes of the two variants.
const (
	FullSize         = 7 * 8
	PositionOnlySize = 3 * 8
)

// Size returns the number of bytes of an encoded pose of this variant.
func (v Variant) Size() int {
	if v == PositionOnly {
		return PositionOnlySize
	}
	return FullSize
}

// Kind returns the message kind used to carry this variant.
func (v Variant) Kind() protocol.MessageKind {
	if v == PositionOnly {
		return protocol.KindPosition
	}
	return protocol.KindPose
}

func (v Variant) String() string {
	if v == PositionOnly {
		return "position"
	}
	return "full"
}

// ParseVariant maps "full" and "position" to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "full":
		return Full, nil
	case "position":
		return PositionOnly, nil
	}
	return Full, fmt.Errorf("pose: unknown variant %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// VariantForKind returns the variant carried by messages of kind k.
func VariantForKind(k protocol.MessageKind) (Variant, bool) {
	switch k {
	case protocol.KindPose:
		return Full, true
	case protocol.KindPosition:
		return PositionOnly, true
	}
	return Full, false
}

// MalformedError is returned by Decode when the payload length does not
// match the variant.
type MalformedError struct {
	Variant Variant
	Size    int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("pose: %s message must be %d bytes, got %d",
		e.Variant, e.Variant.Size(), e.Size)
}

// Is makes errors.Is(err, protocol.ErrMalformedMessage) hold.
func (e *MalformedError) Is(target error) bool {
	return target == protocol.ErrMalformedMessage
}

// Encode returns the wire representation of p for the given variant.
func Encode(p Pose, v Variant) []byte {
	return Append(make([]byte, 0, v.Size()), p, v)
}

// Append appends the wire representation of p to dst.
func Append(dst []byte, p Pose, v Variant) []byte {
	dst = appendFloat(dst, p.Position.X)
	dst = appendFloat(dst, p.Position.Y)
	dst = appendFloat(dst, p.Position.Z)
	if v == PositionOnly {
		return dst
	}
	dst = appendFloat(dst, p.Rotation.Imag)
	dst = appendFloat(dst, p.Rotation.Jmag)
	dst = appendFloat(dst, p.Rotation.Kmag)
	return appendFloat(dst, p.Rotation.Real)
}

// Decode parses b as a pose of the given variant. The rotation of a
// position-only pose is the identity. Values are returned as sent, including
// non-unit quaternions.
func Decode(b []byte, v Variant) (Pose, error) {
	if len(b) != v.Size() {
		return Pose{}, &MalformedError{Variant: v, Size: len(b)}
	}
	p := Pose{
		Position: r3.Vec{X: readFloat(b, 0), Y: readFloat(b, 1), Z: readFloat(b, 2)},
		Rotation: Identity.Rotation,
	}
	if v == Full {
		p.Rotation = quat.Number{
			Imag: readFloat(b, 3),
			Jmag: readFloat(b, 4),
			Kmag: readFloat(b, 5),
			Real: readFloat(b, 6),
		}
	}
	return p, nil
}

func appendFloat(dst []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f))
}

func readFloat(b []byte, field int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[field*8:]))
}
