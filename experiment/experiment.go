// Package experiment implements the client-side experiment: a staged timer
// that waits for the walk to settle, records per-second FPS and RTT samples
// together with the received video frame, and finally exports them.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/results"
	"github.com/teleview/teleview-server/schedule"
)

// Phase is the stage of an experiment.
type Phase int

// Phases, in the only order they can occur.
const (
	Idle Phase = iota
	WarmUp
	Active
	Capturing
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case WarmUp:
		return "warmup"
	case Active:
		return "active"
	case Capturing:
		return "capturing"
	case Done:
		return "done"
	}
	return "invalid"
}

// ErrInvalidConfig is returned by New for unusable configurations.
var ErrInvalidConfig = errors.New("experiment: invalid configuration")

// Config holds the parameters of an experiment.
type Config struct {
	// FPS is the configured video rate. A sample is recorded every FPS
	// pose sends.
	FPS int `yaml:"fps"`
	// CaptureLimit is the number of sample slots.
	CaptureLimit int `yaml:"capture_limit"`
	// WarmUp is the phase time after which samples are recorded.
	WarmUp time.Duration `yaml:"warmup"`
	// CaptureStart is the phase time after which the artifacts are exported.
	CaptureStart time.Duration `yaml:"capture_start"`
	// ItemDelay separates two exported artifacts.
	ItemDelay time.Duration `yaml:"item_delay"`
	// LogName is the name of the sample log artifact.
	LogName string `yaml:"log_name"`
	// Width and Height are the resolution of the stored frames.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DefaultConfig returns the parameters of the reference experiment.
func DefaultConfig() Config {
	return Config{
		FPS:          60,
		CaptureLimit: 30,
		WarmUp:       2 * time.Second,
		CaptureStart: 32 * time.Second,
		ItemDelay:    2 * time.Second,
		LogName:      "EXPDATA.txt",
		Width:        1024,
		Height:       1024,
	}
}

// Validate checks c.
func (c Config) Validate() error {
	switch {
	case c.FPS <= 0:
		return fmt.Errorf("%w: fps %d", ErrInvalidConfig, c.FPS)
	case c.CaptureLimit <= 0:
		return fmt.Errorf("%w: capture limit %d", ErrInvalidConfig, c.CaptureLimit)
	case c.WarmUp < 0 || c.CaptureStart <= c.WarmUp:
		return fmt.Errorf("%w: capture start %v must follow warm-up %v", ErrInvalidConfig, c.CaptureStart, c.WarmUp)
	case c.ItemDelay < 0:
		return fmt.Errorf("%w: item delay %v", ErrInvalidConfig, c.ItemDelay)
	case c.LogName == "":
		return fmt.Errorf("%w: empty log name", ErrInvalidConfig)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: frame size %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	return nil
}

// Exporter persists artifacts. It must refuse to overwrite files.
type Exporter interface {
	WriteImage(name string, b *frame.Buffer) error
	WriteLog(name string, lines []string) error
	Remove(name string) error
}

// Sample is one recorded slot.
type Sample struct {
	Index int
	// Recorded is false for slots never written.
	Recorded bool
	// Measured is false when the slot was recorded before the first
	// display update.
	Measured  bool
	ServerFPS float64
	ClientFPS float64
	// RTT is the displayed time since the last pose send, in milliseconds.
	RTT float64
	// Frame tells whether a video frame was stored with the sample.
	Frame bool
}

// Line returns the log line of s: index,serverFps,clientFps,rtt.
func (s Sample) Line() string {
	if !s.Recorded || !s.Measured {
		return strconv.Itoa(s.Index) + ",,,"
	}
	return strconv.Itoa(s.Index) + "," + formatFloat(s.ServerFPS) + "," +
		formatFloat(s.ClientFPS) + "," + formatFloat(s.RTT)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(float64(float32(v)), 'f', -1, 32)
}

// Display holds the values shown once per second.
type Display struct {
	Valid     bool
	ServerFPS float64
	ClientFPS float64
	RTT       float64
}

// EchoRTT summarizes the ping round trips observed during the experiment.
type EchoRTT struct {
	Count int
	Last  time.Duration
	Min   time.Duration
}

// Controller runs one experiment. All methods belong to the update loop.
type Controller struct {
	cfg   Config
	sched *schedule.Scheduler
	out   Exporter
	log   log.Interface

	phase          Phase
	phaseTimer     time.Duration
	started        bool
	ended          bool
	captureStarted bool
	panelVisible   bool
	aborted        bool

	samples  []Sample
	frames   []*frame.Buffer
	captured int

	camUpdates    int
	pendingSample bool

	frameCount   int
	serverFrames int
	fpsTimer     time.Duration
	rtt          time.Duration
	display      Display
	lastFrame    *frame.Buffer

	echo EchoRTT

	cancel  context.CancelFunc
	written []string
}

// New returns an idle controller. Sample and frame storage is allocated
// here, once.
func New(cfg Config, sched *schedule.Scheduler, out Exporter) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:          cfg,
		sched:        sched,
		out:          out,
		log:          &logging.Logger,
		panelVisible: true,
		samples:      make([]Sample, cfg.CaptureLimit),
		frames:       make([]*frame.Buffer, cfg.CaptureLimit),
	}
	for i := range c.samples {
		c.samples[i].Index = i
		c.frames[i] = frame.NewBuffer(cfg.Width, cfg.Height, frame.BGRA, frame.TopLeft)
	}
	return c, nil
}

// SetLogger replaces the logger, typically with one carrying session fields.
func (c *Controller) SetLogger(l log.Interface) {
	c.log = l
}

// Begin moves an idle experiment to WarmUp and hides the data panel.
func (c *Controller) Begin() {
	if c.phase != Idle {
		return
	}
	c.phase = WarmUp
	c.panelVisible = false
	c.log.Info("experiment: warm-up")
}

// RestartTimer zeroes the phase timer, as when the walk restarts. The phase
// is not affected.
func (c *Controller) RestartTimer() {
	c.phaseTimer = 0
}

// OnPoseSent resets the RTT accumulator and counts one camera update.
func (c *Controller) OnPoseSent() {
	c.rtt = 0
	c.camUpdates++
}

// OnServerFrame counts a received video frame and keeps a copy of it as the
// frame to store with the next sample.
func (c *Controller) OnServerFrame(b *frame.Buffer) {
	c.serverFrames++
	if c.lastFrame == nil || !c.lastFrame.SameSize(b) {
		c.lastFrame = frame.NewBuffer(b.Width, b.Height, b.Format, b.Origin)
	}
	if err := c.lastFrame.CopyFrom(b); err != nil {
		c.log.WithError(err).Warn("experiment: cannot keep frame")
	}
}

// OnEchoRTT records a ping round trip time.
func (c *Controller) OnEchoRTT(d time.Duration) {
	if c.echo.Count == 0 || d < c.echo.Min {
		c.echo.Min = d
	}
	c.echo.Last = d
	c.echo.Count++
}

// FixedTick advances the phase timer by dt and requests a sample when
// enough pose sends happened since the last one. Samples are only taken
// while Active so the exported log covers every recorded sample. The session
// calls it once per fixed tick while the walk runs, after sending the pose.
func (c *Controller) FixedTick(dt time.Duration) {
	if c.phase == Idle {
		return
	}
	c.phaseTimer += dt
	if c.phase == Active && c.captured < c.cfg.CaptureLimit && c.camUpdates > c.cfg.FPS-1 {
		c.pendingSample = true
		c.camUpdates = 0
	}
}

// Tick runs the display cadence: RTT accumulation, and once per second the
// FPS/RTT display update followed by the phase threshold checks.
func (c *Controller) Tick(dt time.Duration) {
	c.rtt += dt
	c.fpsTimer += dt
	if c.fpsTimer > time.Second {
		c.updateDisplay()
		if c.phase != Idle {
			c.checkThresholds()
		}
	}
	c.frameCount++
}

func (c *Controller) updateDisplay() {
	secs := c.fpsTimer.Seconds()
	c.display = Display{
		Valid:     true,
		ClientFPS: float64(c.frameCount) / secs,
		ServerFPS: float64(c.serverFrames) / secs,
		RTT:       float64(c.rtt) / float64(time.Millisecond),
	}
	metrics.SendStaleness.Observe(c.rtt.Seconds())
	c.fpsTimer = 0
	c.frameCount = 0
	c.serverFrames = 0
}

func (c *Controller) checkThresholds() {
	switch {
	case c.phaseTimer > c.cfg.CaptureStart && !c.captureStarted:
		c.ended = true
		c.captureStarted = true
		c.startCapture()
	case c.phaseTimer > c.cfg.WarmUp && !c.started:
		c.started = true
		if c.phase == WarmUp {
			c.phase = Active
		}
		c.log.Info("experiment: started")
	case c.phaseTimer > 0 && !c.started:
		c.panelVisible = false
	}
}

// LateTick stores a requested sample. It runs after the tick's sends and
// frame updates so the sample reflects the completed tick.
func (c *Controller) LateTick() {
	if !c.pendingSample {
		return
	}
	c.pendingSample = false
	if c.phase != Active || c.captured >= c.cfg.CaptureLimit {
		return
	}
	i := c.captured
	s := Sample{
		Index:     i,
		Recorded:  true,
		Measured:  c.display.Valid,
		ServerFPS: c.display.ServerFPS,
		ClientFPS: c.display.ClientFPS,
		RTT:       c.display.RTT,
	}
	if c.lastFrame != nil {
		if err := frame.Convert(c.frames[i], c.lastFrame, false); err != nil {
			c.log.WithError(err).Warn("experiment: frame not stored")
		} else {
			s.Frame = true
		}
	}
	c.samples[i] = s
	c.captured++
	metrics.ExperimentSamples.Inc()
}

func (c *Controller) startCapture() {
	c.phase = Capturing
	c.log.WithField("samples", c.captured).Info("experiment: capture started")
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.sched.After(ctx, 0, c.captureStep(0))
}

// captureStep exports image i, or the log once every image is done.
func (c *Controller) captureStep(i int) func(context.Context) {
	return func(ctx context.Context) {
		if i < c.captured {
			c.exportImage(i)
			c.sched.After(ctx, c.cfg.ItemDelay, c.captureStep(i+1))
			return
		}
		c.exportLog()
		c.finish()
	}
}

func (c *Controller) exportImage(i int) {
	name := fmt.Sprintf("f%d.png", i)
	if !c.samples[i].Frame {
		c.log.WithField("name", name).Warn("experiment: no frame stored, image skipped")
		metrics.Artifacts.WithLabelValues("image", "missing").Inc()
		return
	}
	if err := c.out.WriteImage(name, c.frames[i]); err != nil {
		c.log.WithError(err).WithField("name", name).Warn("experiment: image skipped")
		return
	}
	c.written = append(c.written, name)
}

// Lines returns the log lines of all sample slots.
func (c *Controller) Lines() []string {
	lines := make([]string, len(c.samples))
	for i, s := range c.samples {
		lines[i] = s.Line()
	}
	return lines
}

func (c *Controller) exportLog() {
	err := c.out.WriteLog(c.cfg.LogName, c.Lines())
	switch {
	case errors.Is(err, results.ErrAlreadyExists):
		c.log.WithError(err).Warn("experiment: log already exists, not written")
	case err != nil:
		c.log.WithError(err).Warn("experiment: cannot write log")
	default:
		c.written = append(c.written, c.cfg.LogName)
	}
}

func (c *Controller) finish() {
	c.phase = Done
	c.panelVisible = true
	if c.cancel != nil {
		c.cancel()
	}
	c.log.WithField("artifacts", len(c.written)).Info("experiment: done")
}

// Abort stops a running capture sequence and deletes the artifacts it
// wrote. It does nothing once the experiment is done.
func (c *Controller) Abort() {
	if c.phase != Capturing || c.aborted {
		return
	}
	c.aborted = true
	if c.cancel != nil {
		c.cancel()
	}
	for _, name := range c.written {
		if err := c.out.Remove(name); err != nil {
			c.log.WithError(err).WithField("name", name).Warn("experiment: cannot remove partial artifact")
		}
	}
	c.log.WithField("removed", len(c.written)).Warn("experiment: capture aborted")
	c.written = nil
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase { return c.phase }

// Started reports whether the warm-up threshold was crossed.
func (c *Controller) Started() bool { return c.started }

// Ended reports whether the capture threshold was crossed.
func (c *Controller) Ended() bool { return c.ended }

// CaptureStarted reports whether the capture sequence was started.
func (c *Controller) CaptureStarted() bool { return c.captureStarted }

// Aborted reports whether Abort interrupted the capture sequence.
func (c *Controller) Aborted() bool { return c.aborted }

// PanelVisible reports whether the data panel is shown.
func (c *Controller) PanelVisible() bool { return c.panelVisible }

// Captured returns the number of recorded samples.
func (c *Controller) Captured() int { return c.captured }

// PhaseTimer returns the time accumulated by FixedTick.
func (c *Controller) PhaseTimer() time.Duration { return c.phaseTimer }

// Display returns the values of the last display update.
func (c *Controller) Display() Display { return c.display }

// Echo returns the ping round trip summary.
func (c *Controller) Echo() EchoRTT { return c.echo }

// Samples returns a copy of all sample slots.
func (c *Controller) Samples() []Sample {
	return append([]Sample(nil), c.samples...)
}

// Artifacts returns the names of the artifacts written so far.
func (c *Controller) Artifacts() []string {
	return append([]string(nil), c.written...)
}
