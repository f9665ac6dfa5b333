package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teleview/teleview-server/camera"
	"github.com/teleview/teleview-server/config"
	"github.com/teleview/teleview-server/data"
	"github.com/teleview/teleview-server/feeder"
	"github.com/teleview/teleview-server/geom"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metadata"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/redis"
	"github.com/teleview/teleview-server/render"
	"github.com/teleview/teleview-server/results"
	"github.com/teleview/teleview-server/schedule"
	"github.com/teleview/teleview-server/transport"
)

// DefaultTerminationPeriod is how often termination flags are polled.
const DefaultTerminationPeriod = time.Second

// ServerOptions holds the optional collaborators of a Server.
type ServerOptions struct {
	// Flags, when set, is polled for a termination request of the running
	// session.
	Flags             redis.FlagGetter
	TerminationPeriod time.Duration
	// Stats, when set, receives the statistics of every finished session.
	Stats StatsStore
	// DataDir, when set, receives the archival record of every session.
	DataDir  string
	Compress bool
	Metadata []metadata.NameValue
	// Bypass renders through the bypass view matrix.
	Bypass bool
}

// Server is the render side of a session.
type Server struct {
	cfg    config.Config
	opts   ServerOptions
	link   Link
	events *transport.Queue
	sched  *schedule.Scheduler

	owner   geom.Transform
	cam     geom.Transform
	applier *camera.Applier
	scene   *render.Scene
	feeder  *feeder.Feeder

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	terminate atomic.Bool
	stopWatch context.CancelFunc
	log       log.Interface

	connected     bool
	info          model.ConnectionInfo
	start         time.Time
	clientMeta    []metadata.NameValue
	appliedBefore int64
	malformed     int64
	terminated    bool
}

// NewServer returns a render side pushing frames into sink. events must be
// the queue link raises its events on.
func NewServer(cfg config.Config, link Link, events *transport.Queue, sink feeder.VideoSink, opts ServerOptions) *Server {
	if opts.TerminationPeriod <= 0 {
		opts.TerminationPeriod = DefaultTerminationPeriod
	}
	s := &Server{
		cfg:    cfg,
		opts:   opts,
		link:   link,
		events: events,
		sched:  schedule.New(),
		owner:  geom.NewTransform(r3.Vec{}, geom.IdentityRotation),
		cam:    geom.NewTransform(r3.Vec{}, geom.IdentityRotation),
		log:    &logging.Logger,
	}
	s.applier = camera.NewApplier(&s.cam, &s.owner)
	s.applier.SetBypass(opts.Bypass)
	s.scene = render.NewScene(s.applier)
	s.scene.FieldOfView = cfg.Render.FieldOfView
	s.scene.StereoSeparation = cfg.Render.StereoSeparation
	s.feeder = feeder.New(s.scene, sink, cfg.Mode())
	return s
}

// Start joins the configured address. Only configuration errors are
// returned; connection failures are retried.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s.link.Join(s.ctx, s.cfg.Address)
}

// Tick runs one iteration of the update loop.
func (s *Server) Tick(dt time.Duration) {
	s.sched.Advance(dt)
	if s.connected && !s.terminated && s.terminate.Load() {
		s.terminated = true
		s.log.Info("session: terminating on operator request")
		_ = s.link.SendText("session terminated by operator")
		s.link.Hangup()
	}
	s.events.Drain(s.handle)
	if s.feeder.Running() {
		if _, err := s.feeder.Tick(dt); err != nil {
			s.log.WithError(err).Warn("session: frame lost")
		}
	}
}

func (s *Server) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.Accepted:
		s.accepted()
	case transport.Data:
		s.applyPose(ev)
	case transport.Text:
		s.log.WithField("text", ev.Text).Info("session: message from client")
	case transport.Ended:
		s.ended(ev.Err)
		s.rejoin()
	case transport.ConnectFailed, transport.ConfigureFailed:
		s.log.WithError(ev.Err).WithField("remote", ev.Remote).Warn("session: " + ev.Kind.String())
		if !s.connected {
			s.rejoin()
		}
	case transport.ListenFailed:
		s.log.WithError(ev.Err).Debug("session: cannot listen, calling")
	case transport.EchoRTT:
		s.log.Debugf("session: echo RTT %v", ev.RTT)
	case transport.FrameUpdate:
		metrics.MessagesDropped.WithLabelValues("video", "unexpected").Inc()
	}
}

func (s *Server) accepted() {
	info, _, _ := s.link.Info()
	s.connected = true
	s.info = info
	s.clientMeta = nil
	if values, err := url.ParseQuery(info.Query); err == nil {
		s.clientMeta = results.ClientMetadata(values, model.ReservedParams...)
	}
	s.start = time.Now()
	s.appliedBefore = s.applier.Applied()
	s.malformed = 0
	s.terminated = false
	s.terminate.Store(false)
	s.log = logging.ForSession(info.UUID, RenderRole)
	s.log.WithField("client", info.Client).Info("session: accepted")
	d := s.cfg.Device
	if err := s.feeder.Start(d.Name, d.Width, d.Height, d.FPS); err != nil {
		s.log.WithError(err).Warn("session: video feed disabled")
		s.sendText(fmt.Sprintf("device unavailable: %v", err))
	} else {
		s.sendText(fmt.Sprintf("device %s ready: %dx%d@%d %s", d.Name, d.Width, d.Height, d.FPS, s.cfg.Mode()))
	}
	s.watchTermination(info.UUID)
}

func (s *Server) sendText(msg string) {
	if err := s.link.SendText(msg); err != nil {
		s.log.WithError(err).Debug("session: cannot send text")
	}
}

func (s *Server) applyPose(ev transport.Event) {
	v, ok := pose.VariantForKind(ev.DataKind)
	if !ok {
		metrics.MessagesDropped.WithLabelValues(ev.DataKind.String(), "unexpected").Inc()
		return
	}
	p, err := pose.Decode(ev.Payload, v)
	if err != nil {
		s.malformed++
		metrics.MessagesDropped.WithLabelValues(ev.DataKind.String(), "malformed").Inc()
		s.log.WithError(err).Warn("session: dropping pose")
		return
	}
	if v == pose.PositionOnly {
		s.applier.ApplyPosition(p.Position)
		return
	}
	s.applier.Apply(p)
}

func (s *Server) watchTermination(uuid string) {
	if s.opts.Flags == nil || uuid == "" {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopWatch = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		redis.WatchTermination(ctx, s.opts.Flags, uuid, s.opts.TerminationPeriod, func() {
			s.terminate.Store(true)
		})
	}()
}

func (s *Server) ended(err error) {
	if !s.connected {
		return
	}
	s.connected = false
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	pushed := s.feeder.Pushed()
	s.feeder.Stop()
	result := newResult(RenderRole, s.info, s.cfg.Media(), s.start, err)
	result.ClientMetadata = s.clientMeta
	result.ServerMetadata = s.opts.Metadata
	result.Render = &data.RenderData{
		Device:       s.cfg.Device.Name,
		Mode:         s.cfg.Mode().String(),
		FramesPushed: pushed,
		PosesApplied: s.applier.Applied() - s.appliedBefore,
		Malformed:    s.malformed,
		Terminated:   s.terminated,
	}
	s.log.WithFields(log.Fields{
		"frames": pushed,
		"poses":  result.Render.PosesApplied,
	}).Info("session: ended")
	archive(s.log, s.opts.DataDir, s.opts.Compress, result)
	s.storeStats(result)
}

func (s *Server) storeStats(result *data.SessionResult) {
	if s.opts.Stats == nil || result.UUID == "" {
		return
	}
	stats := &redis.SessionStats{
		UUID:         result.UUID,
		Role:         result.Role,
		StartTime:    result.StartTime,
		EndTime:      result.EndTime,
		FramesPushed: result.Render.FramesPushed,
		PosesApplied: result.Render.PosesApplied,
		Terminated:   result.Render.Terminated,
	}
	l := s.log
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.opts.Stats.SetSessionStats(ctx, stats); err != nil {
			l.WithError(err).Warn("session: cannot store stats")
		}
	}()
}

func (s *Server) rejoin() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	metrics.Rejoins.Inc()
	s.sched.After(s.ctx, s.cfg.RejoinDelay, func(ctx context.Context) {
		if err := s.link.Join(ctx, s.cfg.Address); err != nil {
			s.log.WithError(err).Warn("session: cannot join")
		}
	})
}

// Connected reports whether a client is connected.
func (s *Server) Connected() bool {
	return s.connected
}

// Feeder returns the frame feeder.
func (s *Server) Feeder() *feeder.Feeder {
	return s.feeder
}

// Camera returns the proxy camera placement.
func (s *Server) Camera() geom.Transform {
	return s.applier.Camera()
}

// Close ends the running session, cancels pending rejoins and waits for the
// background work of s. The link is not closed.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.ended(nil)
	s.wg.Wait()
}
