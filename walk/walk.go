// Package walk simulates the client's walk: a body moving forward at an
// adjustable speed and carrying the head whose pose is streamed.
package walk

import (
	"math"
	"time"

	"github.com/teleview/teleview-server/geom"
	"github.com/teleview/teleview-server/pose"
	"gonum.org/v1/gonum/spatial/r3"
)

// Speed factor bounds and step.
const (
	MinSpeedFactor     = 0.1
	MaxSpeedFactor     = 2.0
	SpeedFactorStep    = 0.1
	DefaultSpeedFactor = 1.0
)

// DefaultHeadOffset places the head at eye height above the body origin.
var DefaultHeadOffset = r3.Vec{Y: 1.6}

// Walker moves a body forward along its local +Z axis.
type Walker struct {
	start   geom.Transform
	body    geom.Transform
	head    r3.Vec
	speed   float64
	running bool
}

// New returns a paused walker at start. speed is clamped to the allowed
// range.
func New(start geom.Transform, head r3.Vec, speed float64) *Walker {
	return &Walker{
		start: start,
		body:  start,
		head:  head,
		speed: clamp(speed),
	}
}

// Step moves the body forward by speedFactor * dt * 2 meters when running.
func (w *Walker) Step(dt time.Duration) {
	if !w.running {
		return
	}
	d := w.speed * dt.Seconds() * 2
	w.body.Position = r3.Add(w.body.Position, r3.Scale(d, w.body.Forward()))
}

// Pose returns the world pose of the head.
func (w *Walker) Pose() pose.Pose {
	return pose.Pose{
		Position: r3.Add(w.body.Position, geom.Rotate(w.body.Rotation, w.head)),
		Rotation: w.body.Rotation,
	}
}

// Toggle pauses a running walker, or restarts a paused one from the start
// transform. It returns true when the walk restarted.
func (w *Walker) Toggle() bool {
	if w.running {
		w.running = false
		return false
	}
	w.body = w.start
	w.running = true
	return true
}

// Running reports whether the walker moves on Step.
func (w *Walker) Running() bool {
	return w.running
}

// SpeedFactor returns the current speed factor.
func (w *Walker) SpeedFactor() float64 {
	return w.speed
}

// IncreaseSpeed raises the speed factor by one step up to the maximum.
func (w *Walker) IncreaseSpeed() float64 {
	w.speed = clamp(round(w.speed + SpeedFactorStep))
	return w.speed
}

// DecreaseSpeed lowers the speed factor by one step down to the minimum.
func (w *Walker) DecreaseSpeed() float64 {
	w.speed = clamp(round(w.speed - SpeedFactorStep))
	return w.speed
}

// AnimationSpeed is the playback rate of the walk cycle for the current
// speed factor, or zero when paused.
func (w *Walker) AnimationSpeed() float64 {
	if !w.running {
		return 0
	}
	return w.speed*0.125 + 0.25
}

func round(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v float64) float64 {
	return math.Max(MinSpeedFactor, math.Min(MaxSpeedFactor, v))
}
