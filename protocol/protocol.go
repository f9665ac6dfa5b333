// Package protocol contains the constants shared by both ends of a
// teleview session.
package protocol

import (
	"errors"
	"time"
)

// SessionURLPath is the URL path of the session WebSocket.
const SessionURLPath = "/teleview/v1/session"

// SecWebSocketProtocol is the WebSocket subprotocol used by teleview.
const SecWebSocketProtocol = "net.teleview.v1"

// MaxAddressLength is the longest join address a peer accepts.
const MaxAddressLength = 256

// MaxMessageSize is the largest WebSocket message a peer reads. It fits one
// uncompressed video frame at the maximum resolution plus its header.
const MaxMessageSize = MaxFrameWidth*MaxFrameHeight*4 + 1024

// MaxFrameWidth and MaxFrameHeight bound the resolution of a virtual device.
const (
	MaxFrameWidth  = 4096
	MaxFrameHeight = 4096
)

// Default media configuration of a session.
const (
	DefaultDeviceName = "RemoteCamera"
	DefaultWidth      = 1024
	DefaultHeight     = 1024
	DefaultFPS        = 60
)

// DefaultFixedStep is the period of the fixed-rate tick of the update loop.
const DefaultFixedStep = 20 * time.Millisecond

// DisplayInterval is the nominal period of the variable-rate display tick.
const DisplayInterval = time.Second / 120

// DefaultRejoinDelay is how long a peer waits before joining again after the
// connection ended or failed.
const DefaultRejoinDelay = 2 * time.Second

// Intervals between two echo RTT pings. Pings are Poisson distributed.
const (
	MinPingInterval      = 100 * time.Millisecond
	AveragePingInterval  = 250 * time.Millisecond
	MaxPingInterval      = 1250 * time.Millisecond
	DefaultIOTimeout     = 7 * time.Second
	DefaultCloseDeadline = time.Second
)

// MessageKind is the first byte of every binary message on the session socket.
type MessageKind byte

// Binary message kinds.
const (
	KindPose       = MessageKind(1)
	KindPosition   = MessageKind(2)
	KindVideoFrame = MessageKind(3)
)

func (k MessageKind) String() string {
	switch k {
	case KindPose:
		return "pose"
	case KindPosition:
		return "position"
	case KindVideoFrame:
		return "videoframe"
	}
	return "unknown"
}

// ErrMalformedMessage is matched by every error raised while decoding a
// message with an unexpected layout.
var ErrMalformedMessage = errors.New("malformed message")
