package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/m-lab/go/rtx"
	"github.com/teleview/teleview-server/access"
	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/protocol"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collector keeps drained events so tests can wait for one kind without
// losing the others.
type collector struct {
	q    *Queue
	seen []Event
}

func collect(p *Peer) *collector {
	return &collector{q: p.Events}
}

func (c *collector) wait(t *testing.T, kind EventKind) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		for i, ev := range c.seen {
			if ev.Kind == kind {
				c.seen = append(c.seen[:i:i], c.seen[i+1:]...)
				return ev
			}
		}
		if err := c.q.Wait(ctx); err != nil {
			var kinds []string
			for _, ev := range c.seen {
				kinds = append(kinds, ev.Kind.String())
			}
			t.Fatalf("no %v event, seen %v", kind, kinds)
		}
		c.q.Drain(func(ev Event) { c.seen = append(c.seen, ev) })
	}
}

func (c *collector) has(kind EventKind) bool {
	c.q.Drain(func(ev Event) { c.seen = append(c.seen, ev) })
	for _, ev := range c.seen {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func listen(t *testing.T, media model.MediaConfig, opts ...Option) *Peer {
	t.Helper()
	p := NewPeer(media, opts...)
	rtx.Must(p.Listen(context.Background(), "127.0.0.1:0"), "cannot listen")
	return p
}

func connect(t *testing.T) (*Peer, *collector, *Peer, *collector) {
	t.Helper()
	l := listen(t, model.DefaultMediaConfig())
	c := NewPeer(model.DefaultMediaConfig())
	rtx.Must(c.Call(context.Background(), l.Addr()), "cannot call")
	lc, cc := collect(l), collect(c)
	lc.wait(t, Accepted)
	cc.wait(t, Accepted)
	return l, lc, c, cc
}

func TestExchange(t *testing.T) {
	l, lc, c, cc := connect(t)
	defer l.Close()
	defer c.Close()

	info, role, ok := c.Info()
	if !ok || role != Caller || info.UUID == "" {
		t.Errorf("caller info = %+v, %v, %v", info, role, ok)
	}
	linfo, role, ok := l.Info()
	if !ok || role != Listener || linfo.UUID != info.UUID {
		t.Errorf("listener info = %+v, %v, %v", linfo, role, ok)
	}

	want := pose.Pose{Position: r3.Vec{X: 1, Y: 2, Z: 3}, Rotation: quat.Number{Real: 0.5, Imag: 0.5, Jmag: 0.5, Kmag: 0.5}}
	rtx.Must(c.SendPose(want, true), "cannot send pose")
	ev := lc.wait(t, Data)
	if ev.DataKind != protocol.KindPose {
		t.Fatalf("data kind = %v", ev.DataKind)
	}
	got, err := pose.Decode(ev.Payload, pose.Full)
	rtx.Must(err, "cannot decode pose")
	if got != want {
		t.Errorf("pose = %+v, want %+v", got, want)
	}

	rtx.Must(l.SendText("device ready"), "cannot send text")
	if ev := cc.wait(t, Text); ev.Text != "device ready" {
		t.Errorf("text = %q", ev.Text)
	}

	if ev := cc.wait(t, EchoRTT); ev.RTT <= 0 {
		t.Errorf("echo rtt = %v", ev.RTT)
	}

	c.Hangup()
	if ev := cc.wait(t, Ended); ev.Err != nil {
		t.Errorf("caller ended with %v", ev.Err)
	}
	if ev := lc.wait(t, Ended); ev.Err != nil {
		t.Errorf("listener ended with %v", ev.Err)
	}
	if c.Connected() || l.Connected() {
		t.Error("still connected after hangup")
	}
	if err := c.SendText("late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText() = %v, want ErrNotConnected", err)
	}
}

func TestListenerAcceptsAgainAfterHangup(t *testing.T) {
	l, lc, c, cc := connect(t)
	defer l.Close()
	defer c.Close()
	l.Hangup()
	lc.wait(t, Ended)
	cc.wait(t, Ended)
	// Listening again is a no-op; the listener is still up.
	rtx.Must(l.Listen(context.Background(), "127.0.0.1:0"), "cannot listen again")
	rtx.Must(c.Call(context.Background(), l.Addr()), "cannot call again")
	lc.wait(t, Accepted)
	cc.wait(t, Accepted)
}

func TestSessionSlotHeldUntilEnd(t *testing.T) {
	ctl := &access.SessionController{Max: 1}
	l := listen(t, model.DefaultMediaConfig(), WithMiddleware(access.Chain(ctl)))
	defer l.Close()
	c := NewPeer(model.DefaultMediaConfig(), WithPing(false))
	defer c.Close()
	rtx.Must(c.Call(context.Background(), l.Addr()), "cannot call")
	lc := collect(l)
	lc.wait(t, Accepted)
	if atomic.LoadInt64(&ctl.Current) != 1 {
		t.Errorf("Current = %d while connected", ctl.Current)
	}
	l.Hangup()
	lc.wait(t, Ended)
	if atomic.LoadInt64(&ctl.Current) != 0 {
		t.Errorf("Current = %d after the session", ctl.Current)
	}
}

func TestConfigureFailed(t *testing.T) {
	l := listen(t, model.DefaultMediaConfig())
	defer l.Close()
	media := model.DefaultMediaConfig()
	media.Width = 640
	c := NewPeer(media)
	defer c.Close()
	rtx.Must(c.Call(context.Background(), l.Addr()), "cannot call")
	if ev := collect(c).wait(t, ConfigureFailed); !errors.Is(ev.Err, ErrConfigMismatch) {
		t.Errorf("caller error = %v", ev.Err)
	}
	if ev := collect(l).wait(t, ConfigureFailed); !errors.Is(ev.Err, ErrConfigMismatch) {
		t.Errorf("listener error = %v", ev.Err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "cannot listen")
	addr := ln.Addr().String()
	rtx.Must(ln.Close(), "cannot close")
	return addr
}

func TestConnectFailed(t *testing.T) {
	c := NewPeer(model.DefaultMediaConfig())
	defer c.Close()
	rtx.Must(c.Call(context.Background(), freeAddr(t)), "cannot call")
	if ev := collect(c).wait(t, ConnectFailed); ev.Err == nil {
		t.Error("connect-failed without error")
	}
}

func TestBusyListener(t *testing.T) {
	l, _, c, _ := connect(t)
	defer l.Close()
	defer c.Close()
	other := NewPeer(model.DefaultMediaConfig())
	defer other.Close()
	rtx.Must(other.Call(context.Background(), l.Addr()), "cannot call")
	collect(other).wait(t, ConnectFailed)
	if !c.Connected() {
		t.Error("first caller was disconnected")
	}
}

func TestJoinCallsWhenListenFails(t *testing.T) {
	l := listen(t, model.DefaultMediaConfig())
	defer l.Close()
	j := NewPeer(model.DefaultMediaConfig())
	defer j.Close()
	rtx.Must(j.Join(context.Background(), l.Addr()), "cannot join")
	jc := collect(j)
	jc.wait(t, ListenFailed)
	jc.wait(t, Accepted)
	if _, role, _ := j.Info(); role != Caller {
		t.Errorf("joined as %v", role)
	}
}

func TestJoinListens(t *testing.T) {
	j := NewPeer(model.DefaultMediaConfig())
	defer j.Close()
	rtx.Must(j.Join(context.Background(), "127.0.0.1:0"), "cannot join")
	if j.Addr() == "" {
		t.Error("Join did not listen")
	}
}

func TestAddressTooLong(t *testing.T) {
	p := NewPeer(model.DefaultMediaConfig())
	defer p.Close()
	addr := strings.Repeat("a", protocol.MaxAddressLength+1)
	for name, op := range map[string]func(context.Context, string) error{
		"listen": p.Listen, "call": p.Call, "join": p.Join,
	} {
		if err := op(context.Background(), addr); !errors.Is(err, ErrAddressTooLong) {
			t.Errorf("%s() = %v, want ErrAddressTooLong", name, err)
		}
	}
	if p.Events.Len() != 0 {
		t.Errorf("%d events raised", p.Events.Len())
	}
}

func TestSendNotConnected(t *testing.T) {
	p := NewPeer(model.DefaultMediaConfig())
	defer p.Close()
	if err := p.Send(protocol.KindPose, make([]byte, pose.FullSize), false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v", err)
	}
	if err := p.SendPose(pose.Identity, true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendPose() = %v", err)
	}
}

func TestUnknownKindIsDropped(t *testing.T) {
	l, lc, c, _ := connect(t)
	defer l.Close()
	defer c.Close()
	rtx.Must(c.Send(protocol.MessageKind(99), []byte{1, 2, 3}, true), "cannot send")
	rtx.Must(c.Send(protocol.KindPosition, pose.Encode(pose.Identity, pose.PositionOnly), true), "cannot send")
	ev := lc.wait(t, Data)
	if ev.DataKind != protocol.KindPosition || len(ev.Payload) != pose.PositionOnlySize {
		t.Errorf("data = %v %d bytes", ev.DataKind, len(ev.Payload))
	}
}

func TestVideoInput(t *testing.T) {
	l, _, c, cc := connect(t)
	defer l.Close()
	defer c.Close()
	video := NewVideoInput(l)

	rtx.Must(video.AddDevice("cam", 4, 2, 30), "cannot add device")
	for name, err := range map[string]error{
		"duplicate": video.AddDevice("cam", 4, 2, 30),
		"empty":     video.AddDevice("", 4, 2, 30),
		"size":      video.AddDevice("big", protocol.MaxFrameWidth+1, 2, 30),
		"fps":       video.AddDevice("slow", 4, 2, 0),
	} {
		if !errors.Is(err, ErrDeviceUnavailable) {
			t.Errorf("%s: AddDevice() = %v", name, err)
		}
	}

	src := frame.NewBuffer(4, 2, frame.ARGB, frame.BottomLeft)
	for i := range src.Pix {
		src.Pix[i] = byte(i * 7)
	}
	meta := frame.Meta{KeyFrame: true, FlipVertical: true, Sequence: 5, Timestamp: time.Unix(10, 0)}
	rtx.Must(video.UpdateFrame("cam", src, meta), "cannot update frame")

	ev := cc.wait(t, FrameUpdate)
	if ev.Meta.Format != frame.BGRA || ev.Frame.Origin != frame.TopLeft || ev.Meta.Sequence != 5 || !ev.Meta.KeyFrame {
		t.Errorf("meta = %+v origin %v", ev.Meta, ev.Frame.Origin)
	}
	if diff := cmp.Diff(src.Image(), ev.Frame.Image()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}

	if err := video.UpdateFrame("none", src, meta); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("UpdateFrame(unknown) = %v", err)
	}
	small := frame.NewBuffer(2, 2, frame.ARGB, frame.BottomLeft)
	if err := video.UpdateFrame("cam", small, meta); !errors.Is(err, frame.ErrSizeMismatch) {
		t.Errorf("UpdateFrame(small) = %v", err)
	}
	video.RemoveDevice("cam")
	if video.Devices() != 0 {
		t.Error("device not removed")
	}
}

func TestVideoInputWithoutPeer(t *testing.T) {
	p := NewPeer(model.DefaultMediaConfig())
	defer p.Close()
	video := NewVideoInput(p)
	rtx.Must(video.AddDevice("cam", 2, 2, 30), "cannot add device")
	if err := video.UpdateFrame("cam", frame.NewBuffer(2, 2, frame.ARGB, frame.TopLeft), frame.Meta{}); err != nil {
		t.Errorf("UpdateFrame() = %v", err)
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v", err)
	}
	q.Push(Event{Kind: Accepted})
	q.Push(Event{Kind: Text, Text: "a"})
	rtx.Must(q.Wait(context.Background()), "Wait failed")
	var kinds []EventKind
	n := q.Drain(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == Accepted {
			q.Push(Event{Kind: Ended})
		}
	})
	if n != 2 || !cmp.Equal(kinds, []EventKind{Accepted, Text}) {
		t.Errorf("Drain() = %d %v", n, kinds)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want the event pushed while draining", q.Len())
	}
}

func TestQueueKeepsNewestFrame(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Kind: Accepted})
	q.Push(Event{Kind: FrameUpdate, Meta: frame.Meta{Width: 1}})
	q.Push(Event{Kind: Text, Text: "a"})
	q.Push(Event{Kind: FrameUpdate, Meta: frame.Meta{Width: 2}})
	q.Push(Event{Kind: EchoRTT})
	q.Push(Event{Kind: FrameUpdate, Meta: frame.Meta{Width: 3}})
	if q.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", q.Len())
	}
	var kinds []EventKind
	var widths []int
	q.Drain(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == FrameUpdate {
			widths = append(widths, ev.Meta.Width)
		}
	})
	if diff := cmp.Diff([]EventKind{Accepted, FrameUpdate, Text, EchoRTT}, kinds); diff != "" {
		t.Errorf("Drain() kinds mismatch (-want +got):\n%s", diff)
	}
	if !cmp.Equal(widths, []int{3}) {
		t.Errorf("Drain() frame widths = %v, want only the newest", widths)
	}
	// Once drained, a new frame is queued again.
	q.Push(Event{Kind: FrameUpdate})
	if q.Len() != 1 {
		t.Errorf("Len() = %d after drain, want 1", q.Len())
	}
}

func TestEventKind(t *testing.T) {
	for k := Accepted; k <= EchoRTT; k++ {
		if k.String() == "unknown" {
			t.Errorf("kind %d has no name", k)
		}
		if k.Lifecycle() != (k <= ConfigureFailed) {
			t.Errorf("%v.Lifecycle() = %v", k, k.Lifecycle())
		}
	}
}

func TestParseTicks(t *testing.T) {
	start := time.Now()
	tests := []struct {
		name    string
		pong    string
		wantErr bool
	}{
		{name: "garbage", pong: "not json", wantErr: true},
		{name: "bare-number", pong: "0", wantErr: true},
		{name: "missing-field", pong: `{"Other":0}`, wantErr: true},
		{name: "negative-rtt", pong: `{"TeleviewTS":999999999999999}`, wantErr: true},
		{name: "success", pong: `{"TeleviewTS":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseTicks(tt.pong, start)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTicks(%q) error = %v, wantErr %v", tt.pong, err, tt.wantErr)
			}
			if !tt.wantErr && d < 0 {
				t.Errorf("ParseTicks(%q) = %v, want >= 0", tt.pong, d)
			}
		})
	}
}
