package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/protocol"
)

// ErrDeviceUnavailable is returned when a virtual device cannot be added or
// does not exist.
var ErrDeviceUnavailable = errors.New("transport: video device unavailable")

type device struct {
	width  int
	height int
	fps    int
	buf    *frame.Buffer
}

// VideoInput is a registry of virtual video devices whose frames are sent to
// the connected peer. Pushed frames are converted to BGRA, flipped when
// their metadata asks for it, and sent unreliably.
type VideoInput struct {
	peer *Peer

	mu      sync.Mutex
	devices map[string]*device
}

// NewVideoInput returns a registry sending frames through p.
func NewVideoInput(p *Peer) *VideoInput {
	return &VideoInput{peer: p, devices: make(map[string]*device)}
}

// AddDevice registers a device. Names must be unique.
func (v *VideoInput) AddDevice(name string, width, height, fps int) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrDeviceUnavailable)
	case width <= 0 || height <= 0 || width > protocol.MaxFrameWidth || height > protocol.MaxFrameHeight:
		return fmt.Errorf("%w: unsupported size %dx%d", ErrDeviceUnavailable, width, height)
	case fps <= 0:
		return fmt.Errorf("%w: unsupported rate %d", ErrDeviceUnavailable, fps)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, found := v.devices[name]; found {
		return fmt.Errorf("%w: %q already exists", ErrDeviceUnavailable, name)
	}
	v.devices[name] = &device{
		width:  width,
		height: height,
		fps:    fps,
		buf:    frame.NewBuffer(width, height, frame.BGRA, frame.TopLeft),
	}
	return nil
}

// RemoveDevice unregisters a device. Unknown names are ignored.
func (v *VideoInput) RemoveDevice(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.devices, name)
}

// Devices returns the number of registered devices.
func (v *VideoInput) Devices() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.devices)
}

// UpdateFrame converts buf and sends it to the peer. Frames pushed while no
// peer is connected are counted and discarded.
func (v *VideoInput) UpdateFrame(name string, buf *frame.Buffer, meta frame.Meta) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, found := v.devices[name]
	if !found {
		return fmt.Errorf("%w: no device %q", ErrDeviceUnavailable, name)
	}
	if buf.Width != d.width || buf.Height != d.height {
		metrics.FrameErrors.WithLabelValues("sink").Inc()
		return fmt.Errorf("%w: device %q is %dx%d", frame.ErrSizeMismatch, name, d.width, d.height)
	}
	if err := frame.Convert(d.buf, buf, meta.FlipVertical); err != nil {
		metrics.FrameErrors.WithLabelValues("sink").Inc()
		return err
	}
	meta.Width, meta.Height = d.width, d.height
	meta.Format = frame.BGRA
	meta.FlipVertical = false
	msg := make([]byte, 1, 1+frame.HeaderSize+len(d.buf.Pix))
	msg[0] = byte(protocol.KindVideoFrame)
	msg = frame.Append(msg, meta, d.buf)
	err := v.peer.sendEnveloped(msg, false)
	if errors.Is(err, ErrNotConnected) {
		metrics.MessagesDropped.WithLabelValues(protocol.KindVideoFrame.String(), "not-connected").Inc()
		return nil
	}
	return err
}
