package feeder

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/gate"
	"github.com/teleview/teleview-server/render"
)

type fakeSource struct {
	renders   int
	readbacks int
	renderErr error
}

func (s *fakeSource) RenderInto(t *render.Target) error {
	s.renders++
	return s.renderErr
}

func (s *fakeSource) ReadPixels(t *render.Target, dst *frame.Buffer) error {
	s.readbacks++
	return dst.CopyFrom(t.Color)
}

type push struct {
	name string
	buf  *frame.Buffer
	meta frame.Meta
}

type fakeSink struct {
	devices map[string]bool
	pushes  []push
	removed []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{devices: map[string]bool{}}
}

func (s *fakeSink) AddDevice(name string, width, height, fps int) error {
	if s.devices[name] {
		return fmt.Errorf("device %q exists", name)
	}
	s.devices[name] = true
	return nil
}

func (s *fakeSink) UpdateFrame(name string, buf *frame.Buffer, meta frame.Meta) error {
	s.pushes = append(s.pushes, push{name: name, buf: buf, meta: meta})
	return nil
}

func (s *fakeSink) RemoveDevice(name string) {
	delete(s.devices, name)
	s.removed = append(s.removed, name)
}

func TestFeeder600TicksAt60FPS(t *testing.T) {
	src, sink := &fakeSource{}, newFakeSink()
	f := New(src, sink, render.Perspective)
	if err := f.Start("RemoteCamera", 32, 16, 60); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()
	g, _ := gate.New(60)
	for i := 0; i < 600; i++ {
		if _, err := f.Tick(g.Period()); err != nil {
			t.Fatal(err)
		}
	}
	if len(sink.pushes) != 600 || src.renders != 600 || src.readbacks != 600 {
		t.Fatalf("pushes=%d renders=%d readbacks=%d, want 600 each",
			len(sink.pushes), src.renders, src.readbacks)
	}
	first := sink.pushes[0].buf
	for i, p := range sink.pushes {
		if p.meta.Width != 32 || p.meta.Height != 16 || p.buf.Width != 32 || p.buf.Height != 16 {
			t.Fatalf("push %d has size %dx%d", i, p.meta.Width, p.meta.Height)
		}
		if p.buf != first {
			t.Fatalf("push %d uses a different buffer", i)
		}
		if p.meta.Sequence != uint64(i) || !p.meta.KeyFrame || p.meta.Rotation != 0 {
			t.Fatalf("push %d meta = %+v", i, p.meta)
		}
		if !p.meta.FlipVertical || p.meta.Format != frame.ARGB {
			t.Fatalf("push %d should ask for a flip of an ARGB buffer", i)
		}
	}
}

func TestFeederWorkOnlyOnFiredTicks(t *testing.T) {
	src, sink := &fakeSource{}, newFakeSink()
	f := New(src, sink, render.Perspective)
	if err := f.Start("cam", 4, 4, 30); err != nil {
		t.Fatal(err)
	}
	r := rand.New(rand.NewSource(1))
	fires := 0
	for i := 0; i < 2000; i++ {
		before := src.renders
		fired, err := f.Tick(time.Duration(r.Int63n(int64(80 * time.Millisecond))))
		if err != nil {
			t.Fatal(err)
		}
		work := src.renders - before
		if fired {
			fires++
		}
		if (fired && work != 1) || (!fired && work != 0) {
			t.Fatalf("tick %d: fired=%v but rendered %d times", i, fired, work)
		}
	}
	if src.renders != fires || src.readbacks != fires || len(sink.pushes) != fires {
		t.Errorf("renders=%d readbacks=%d pushes=%d fires=%d", src.renders, src.readbacks, len(sink.pushes), fires)
	}
}

func TestFeederStartErrors(t *testing.T) {
	sink := newFakeSink()
	f := New(&fakeSource{}, sink, render.Perspective)
	if err := f.Start("cam", 4, 4, 0); !errors.Is(err, gate.ErrInvalidRate) {
		t.Errorf("Start(fps=0) error = %v", err)
	}
	if err := f.Start("cam", 4, 4, 30); err != nil {
		t.Fatal(err)
	}
	if err := f.Start("cam", 4, 4, 30); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v", err)
	}
	other := New(&fakeSource{}, sink, render.Perspective)
	if err := other.Start("cam", 4, 4, 30); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("colliding Start() error = %v, want ErrDeviceUnavailable", err)
	}
	if other.Running() {
		t.Error("feeder without a device should not run")
	}
	if fired, err := other.Tick(time.Second); fired || err != nil {
		t.Errorf("Tick() on a stopped feeder = %v, %v", fired, err)
	}
}

func TestFeederStopIsIdempotent(t *testing.T) {
	sink := newFakeSink()
	f := New(&fakeSource{}, sink, render.Perspective)
	f.Stop()
	if err := f.Start("cam", 4, 4, 30); err != nil {
		t.Fatal(err)
	}
	target := f.target
	f.Stop()
	f.Stop()
	if len(sink.removed) != 1 || sink.removed[0] != "cam" {
		t.Errorf("removed = %v, want [cam]", sink.removed)
	}
	if !target.Released() {
		t.Error("Stop() should release the target")
	}
	// The name is free again.
	if err := f.Start("cam", 4, 4, 30); err != nil {
		t.Errorf("restart error = %v", err)
	}
}

func TestFeederRenderError(t *testing.T) {
	src, sink := &fakeSource{renderErr: errors.New("gpu lost")}, newFakeSink()
	f := New(src, sink, render.Perspective)
	if err := f.Start("cam", 4, 4, 30); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Tick(time.Second); err == nil {
		t.Error("Tick() should report the render error")
	}
	if src.readbacks != 0 || len(sink.pushes) != 0 {
		t.Error("a failed render must not be read back or pushed")
	}
}
