package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teleview/teleview-server/config"
	"github.com/teleview/teleview-server/data"
	"github.com/teleview/teleview-server/experiment"
	"github.com/teleview/teleview-server/gate"
	"github.com/teleview/teleview-server/geom"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metadata"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/redis"
	"github.com/teleview/teleview-server/schedule"
	"github.com/teleview/teleview-server/transport"
	"github.com/teleview/teleview-server/walk"
)

// ErrNotStarted is returned by Rejoin before Start.
var ErrNotStarted = errors.New("session: client not started")

// ClientOptions holds the optional collaborators of a Client.
type ClientOptions struct {
	// DataDir, when set, receives the archival record of every session.
	DataDir  string
	Compress bool
	Metadata []metadata.NameValue
	// ArtifactDir is recorded in the archived experiment data.
	ArtifactDir string
	// Stats, when set, receives the statistics of every finished session.
	Stats StatsStore
}

// Client is the walking side of a session. It streams the head pose at the
// fixed step rate and runs one experiment over the video it receives.
type Client struct {
	cfg    config.Config
	opts   ClientOptions
	link   Link
	events *transport.Queue
	sched  *schedule.Scheduler
	fixed  *gate.Gate
	walker *walk.Walker
	exp    *experiment.Controller
	out    experiment.Exporter

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
	log    log.Interface

	connected      bool
	noRejoin       bool
	info           model.ConnectionInfo
	start          time.Time
	posesSent      int64
	framesReceived int64
}

// NewClient returns a client side exporting experiment artifacts to out.
// events must be the queue link raises its events on.
func NewClient(cfg config.Config, link Link, events *transport.Queue, out experiment.Exporter, opts ClientOptions) (*Client, error) {
	fixed, err := gate.Every(cfg.FixedStep)
	if err != nil {
		return nil, err
	}
	sched := schedule.New()
	exp, err := experiment.New(cfg.ExperimentConfig(), sched, out)
	if err != nil {
		return nil, err
	}
	start := geom.NewTransform(r3.Vec{}, geom.IdentityRotation)
	return &Client{
		cfg:    cfg,
		opts:   opts,
		link:   link,
		events: events,
		sched:  sched,
		fixed:  fixed,
		walker: walk.New(start, walk.DefaultHeadOffset, cfg.Speed),
		exp:    exp,
		out:    out,
		log:    &logging.Logger,
	}, nil
}

// Start joins the configured address.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c.link.Join(c.ctx, c.cfg.Address)
}

// Tick runs one iteration of the update loop: pending tasks, transport
// events, as many fixed steps as are due, then the experiment display and
// sampling.
func (c *Client) Tick(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched.Advance(dt)
	c.events.Drain(c.handle)
	step := c.fixed.Period()
	for fired := c.fixed.Advance(dt); fired; fired = c.fixed.Advance(0) {
		c.fixedTick(step)
	}
	c.exp.Tick(dt)
	c.exp.LateTick()
}

func (c *Client) fixedTick(step time.Duration) {
	c.walker.Step(step)
	if !c.walker.Running() {
		return
	}
	if c.connected {
		if err := c.link.SendPose(c.walker.Pose(), false); err != nil {
			c.log.WithError(err).Debug("session: cannot send pose")
		} else {
			c.posesSent++
			c.exp.OnPoseSent()
		}
	}
	c.exp.FixedTick(step)
}

func (c *Client) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.Accepted:
		c.accepted()
	case transport.FrameUpdate:
		c.framesReceived++
		c.exp.OnServerFrame(ev.Frame)
	case transport.EchoRTT:
		c.exp.OnEchoRTT(ev.RTT)
	case transport.Text:
		c.log.WithField("text", ev.Text).Info("session: message from server")
	case transport.Ended:
		c.ended(ev.Err)
		c.rejoin()
	case transport.ConnectFailed, transport.ConfigureFailed:
		c.log.WithError(ev.Err).WithField("remote", ev.Remote).Warn("session: " + ev.Kind.String())
		if !c.connected {
			c.rejoin()
		}
	case transport.ListenFailed:
		c.log.WithError(ev.Err).Debug("session: cannot listen, calling")
	case transport.Data:
		metrics.MessagesDropped.WithLabelValues(ev.DataKind.String(), "unexpected").Inc()
	}
}

func (c *Client) accepted() {
	info, _, _ := c.link.Info()
	c.connected = true
	c.info = info
	c.start = time.Now()
	c.posesSent = 0
	c.framesReceived = 0
	c.log = logging.ForSession(info.UUID, ClientRole)
	c.exp.SetLogger(c.log)
	c.log.WithField("server", info.Server).Info("session: connected")
	if c.exp.Phase() == experiment.Idle {
		if !c.walker.Running() {
			c.walker.Toggle()
		}
		c.exp.Begin()
	}
}

func (c *Client) ended(err error) {
	if !c.connected {
		return
	}
	c.connected = false
	result := newResult(ClientRole, c.info, c.cfg.Media(), c.start, err)
	result.ClientMetadata = c.opts.Metadata
	result.Experiment = c.experimentData()
	c.log.WithFields(log.Fields{
		"poses":  c.posesSent,
		"frames": c.framesReceived,
		"phase":  c.exp.Phase().String(),
	}).Info("session: ended")
	archive(c.log, c.opts.DataDir, c.opts.Compress, result)
	c.storeStats(result)
}

func (c *Client) storeStats(result *data.SessionResult) {
	if c.opts.Stats == nil || result.UUID == "" {
		return
	}
	e := result.Experiment
	stats := &redis.SessionStats{
		UUID:           result.UUID,
		Role:           result.Role,
		StartTime:      result.StartTime,
		EndTime:        result.EndTime,
		PosesSent:      e.PosesSent,
		FramesReceived: e.FramesReceived,
		Samples:        len(e.Samples),
		MinRTT:         e.EchoRTT.MinRTT,
	}
	l := c.log
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.opts.Stats.SetSessionStats(ctx, stats); err != nil {
			l.WithError(err).Warn("session: cannot store stats")
		}
	}()
}

func (c *Client) experimentData() *data.ExperimentData {
	echo := c.exp.Echo()
	d := &data.ExperimentData{
		Phase:          c.exp.Phase().String(),
		PosesSent:      c.posesSent,
		FramesReceived: c.framesReceived,
		EchoRTT: model.PingInfo{
			Count:   int64(echo.Count),
			LastRTT: echo.Last.Microseconds(),
			MinRTT:  echo.Min.Microseconds(),
		},
		Artifacts:   c.exp.Artifacts(),
		ArtifactDir: c.opts.ArtifactDir,
		Aborted:     c.exp.Aborted(),
	}
	for _, s := range c.exp.Samples() {
		if !s.Recorded || !s.Measured {
			continue
		}
		d.Samples = append(d.Samples, data.Sample{
			Index:     s.Index,
			ServerFPS: s.ServerFPS,
			ClientFPS: s.ClientFPS,
			RTTMillis: s.RTT,
			Frame:     s.Frame,
		})
	}
	return d
}

func (c *Client) rejoin() {
	if c.noRejoin || c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	metrics.Rejoins.Inc()
	c.sched.After(c.ctx, c.cfg.RejoinDelay, func(ctx context.Context) {
		if err := c.link.Join(ctx, c.cfg.Address); err != nil {
			c.log.WithError(err).Warn("session: cannot join")
		}
	})
}

// Reset hangs up without rejoining. An unfinished capture is aborted.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noRejoin = true
	if c.exp.Phase() == experiment.Capturing {
		c.exp.Abort()
	}
	c.link.Hangup()
	c.log.Info("session: reset, not rejoining")
}

// Rejoin turns rejoining back on and joins the configured address. An
// experiment that already began is replaced by a fresh one, which starts
// once the connection is accepted. Rejoin does nothing while connected.
func (c *Client) Rejoin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noRejoin = false
	if c.connected {
		return nil
	}
	if c.ctx == nil {
		return ErrNotStarted
	}
	if c.exp.Phase() != experiment.Idle {
		c.exp.Abort()
		exp, err := experiment.New(c.cfg.ExperimentConfig(), c.sched, c.out)
		if err != nil {
			return err
		}
		c.exp = exp
	}
	return c.link.Join(c.ctx, c.cfg.Address)
}

// Toggle starts or stops the walk. A walk that restarts from the origin
// also restarts the experiment phase timer.
func (c *Client) Toggle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	restarted := c.walker.Toggle()
	if restarted {
		c.exp.RestartTimer()
	}
	return c.walker.Running()
}

// Faster increases the walking speed and returns the new speed factor.
func (c *Client) Faster() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.walker.IncreaseSpeed()
}

// Slower decreases the walking speed and returns the new speed factor.
func (c *Client) Slower() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.walker.DecreaseSpeed()
}

// Status describes the client for display.
func (c *Client) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.exp.Display()
	s := fmt.Sprintf("%s speed=%.1f connected=%t", c.exp.Phase(), c.walker.SpeedFactor(), c.connected)
	if d.Valid {
		s += fmt.Sprintf(" server=%.1ffps client=%.1ffps rtt=%.0fms", d.ServerFPS, d.ClientFPS, d.RTT)
	}
	return s
}

// Done reports whether the experiment finished.
func (c *Client) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exp.Phase() == experiment.Done
}

// Experiment returns the experiment controller.
func (c *Client) Experiment() *experiment.Controller {
	return c.exp
}

// Walker returns the walker.
func (c *Client) Walker() *walk.Walker {
	return c.walker
}

// Connected reports whether the client is connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close aborts an unfinished capture, ends the running session, cancels
// pending rejoins and waits for the background work of c. The link is not
// closed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.exp.Phase() == experiment.Capturing {
		c.exp.Abort()
	}
	c.ended(nil)
	c.mu.Unlock()
	c.wg.Wait()
}
