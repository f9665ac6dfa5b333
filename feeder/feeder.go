// Package feeder renders the proxy camera at a fixed rate and feeds the
// frames to a named virtual video device.
package feeder

import (
	"errors"
	"fmt"
	"time"

	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/gate"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/render"
)

// ErrDeviceUnavailable is returned by Start when the sink cannot register
// the device.
var ErrDeviceUnavailable = errors.New("feeder: video device unavailable")

// ErrAlreadyStarted is returned by Start on a running feeder.
var ErrAlreadyStarted = errors.New("feeder: already started")

// RenderSource renders into offscreen targets and reads them back.
type RenderSource interface {
	RenderInto(t *render.Target) error
	ReadPixels(t *render.Target, dst *frame.Buffer) error
}

// VideoSink is a registry of virtual video devices.
type VideoSink interface {
	AddDevice(name string, width, height, fps int) error
	UpdateFrame(name string, buf *frame.Buffer, meta frame.Meta) error
	RemoveDevice(name string)
}

// Feeder owns one virtual device, the offscreen target rendered for it and
// the buffer its pixels are read into. It is not safe for concurrent use;
// all calls belong to the update loop.
type Feeder struct {
	src  RenderSource
	sink VideoSink
	mode render.Mode

	// Now returns the timestamp of pushed frames.
	Now func() time.Time

	name    string
	gate    *gate.Gate
	target  *render.Target
	buf     *frame.Buffer
	seq     uint64
	started bool
}

// New returns a stopped feeder rendering src in the given mode into sink.
func New(src RenderSource, sink VideoSink, mode render.Mode) *Feeder {
	return &Feeder{
		src:  src,
		sink: sink,
		mode: mode,
		Now:  time.Now,
	}
}

// Start registers the device name at a fixed resolution and rate and
// allocates the target and buffer.
func (f *Feeder) Start(name string, width, height, fps int) error {
	if f.started {
		return ErrAlreadyStarted
	}
	g, err := gate.New(float64(fps))
	if err != nil {
		return err
	}
	target, err := render.NewTarget(width, height, f.mode)
	if err != nil {
		return err
	}
	if err := f.sink.AddDevice(name, width, height, fps); err != nil {
		target.Release()
		metrics.FrameErrors.WithLabelValues("device").Inc()
		return fmt.Errorf("%w: %q: %w", ErrDeviceUnavailable, name, err)
	}
	f.name = name
	f.gate = g
	f.target = target
	f.buf = frame.NewBuffer(width, height, frame.ARGB, frame.BottomLeft)
	f.seq = 0
	f.started = true
	logging.Logger.WithField("device", name).Debug("feeder: start")
	return nil
}

// Tick advances the rate gate by delta. When the gate fires, Tick renders
// once, reads the target back once and pushes the buffer once, and returns
// true. Otherwise, or when the feeder is stopped, it does nothing.
func (f *Feeder) Tick(delta time.Duration) (bool, error) {
	if !f.started || !f.gate.Advance(delta) {
		return false, nil
	}
	if err := f.src.RenderInto(f.target); err != nil {
		metrics.FrameErrors.WithLabelValues("render").Inc()
		return false, err
	}
	if err := f.src.ReadPixels(f.target, f.buf); err != nil {
		metrics.FrameErrors.WithLabelValues("readback").Inc()
		return false, err
	}
	meta := frame.Meta{
		Width:        f.buf.Width,
		Height:       f.buf.Height,
		Format:       f.buf.Format,
		Rotation:     0,
		FlipVertical: f.buf.Origin == frame.BottomLeft,
		KeyFrame:     true,
		Timestamp:    f.Now(),
		Sequence:     f.seq,
	}
	f.seq++
	if err := f.sink.UpdateFrame(f.name, f.buf, meta); err != nil {
		metrics.FrameErrors.WithLabelValues("push").Inc()
		return false, err
	}
	metrics.FramesPushed.WithLabelValues(f.mode.String()).Inc()
	return true, nil
}

// Stop removes the device and releases the target. It is safe to call on a
// feeder that was never started and to call it more than once.
func (f *Feeder) Stop() {
	if !f.started {
		return
	}
	f.started = false
	f.sink.RemoveDevice(f.name)
	f.target.Release()
	f.target = nil
	f.buf = nil
	logging.Logger.WithField("device", f.name).Debug("feeder: stop")
}

// Running reports whether the feeder holds a device.
func (f *Feeder) Running() bool {
	return f.started
}

// Name returns the device name of a running feeder.
func (f *Feeder) Name() string {
	return f.name
}

// Pushed returns how many frames were pushed since Start.
func (f *Feeder) Pushed() uint64 {
	return f.seq
}
