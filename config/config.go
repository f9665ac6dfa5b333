// Package config contains the configuration shared by the teleview binaries.
// Values come from an optional YAML file; command line flags are applied on
// top of it by the main packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/teleview/teleview-server/experiment"
	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/protocol"
	"github.com/teleview/teleview-server/render"
	"github.com/teleview/teleview-server/walk"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid value")

// Device describes the virtual video device.
type Device struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// Render describes how the proxy camera is rendered.
type Render struct {
	Mode             string  `yaml:"mode"`
	FieldOfView      float64 `yaml:"field_of_view"`
	StereoSeparation float64 `yaml:"stereo_separation"`
}

// Config is the whole configuration of a peer.
type Config struct {
	Address     string            `yaml:"address"`
	Device      Device            `yaml:"device"`
	Pose        pose.Variant      `yaml:"pose"`
	Audio       bool              `yaml:"audio"`
	Render      Render            `yaml:"render"`
	FixedStep   time.Duration     `yaml:"fixed_step"`
	RejoinDelay time.Duration     `yaml:"rejoin_delay"`
	Speed       float64           `yaml:"speed"`
	DataDir     string            `yaml:"datadir"`
	Experiment  experiment.Config `yaml:"experiment"`
}

// Default returns the default configuration.
func Default() Config {
	exp := experiment.DefaultConfig()
	// Zero follows the device rate.
	exp.FPS = 0
	return Config{
		Address: "127.0.0.1:8080",
		Device: Device{
			Name:   protocol.DefaultDeviceName,
			Width:  protocol.DefaultWidth,
			Height: protocol.DefaultHeight,
			FPS:    protocol.DefaultFPS,
		},
		Pose: pose.Full,
		Render: Render{
			Mode:             render.Perspective.String(),
			FieldOfView:      60,
			StereoSeparation: render.DefaultStereoSeparation,
		},
		FixedStep:   protocol.DefaultFixedStep,
		RejoinDelay: protocol.DefaultRejoinDelay,
		Speed:       walk.DefaultSpeedFactor,
		DataDir:     "/var/spool/teleview",
		Experiment:  exp,
	}
}

// Load reads path over the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	c := Default()
	fp, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer fp.Close()
	dec := yaml.NewDecoder(fp)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, c.Validate()
}

func invalid(field string, v interface{}) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalid, field, v)
}

// Validate checks every field.
func (c Config) Validate() error {
	switch {
	case len(c.Address) > protocol.MaxAddressLength:
		return invalid("address", "longer than 256 bytes")
	case c.Device.Name == "":
		return invalid("device.name", `""`)
	case c.Device.Width <= 0 || c.Device.Width > protocol.MaxFrameWidth:
		return invalid("device.width", c.Device.Width)
	case c.Device.Height <= 0 || c.Device.Height > protocol.MaxFrameHeight:
		return invalid("device.height", c.Device.Height)
	case c.Device.FPS <= 0:
		return invalid("device.fps", c.Device.FPS)
	case c.FixedStep <= 0:
		return invalid("fixed_step", c.FixedStep)
	case c.RejoinDelay < 0:
		return invalid("rejoin_delay", c.RejoinDelay)
	case c.Speed < walk.MinSpeedFactor || c.Speed > walk.MaxSpeedFactor:
		return invalid("speed", c.Speed)
	case c.Render.FieldOfView <= 0 || c.Render.FieldOfView >= 180:
		return invalid("render.field_of_view", c.Render.FieldOfView)
	case c.Render.StereoSeparation < 0:
		return invalid("render.stereo_separation", c.Render.StereoSeparation)
	}
	mode, err := render.ParseMode(c.Render.Mode)
	if err != nil {
		return invalid("render.mode", c.Render.Mode)
	}
	if mode == render.Stereo360 && c.Device.Height%2 != 0 {
		return invalid("device.height", "stereo needs an even height")
	}
	if err := c.ExperimentConfig().Validate(); err != nil {
		return fmt.Errorf("%w: experiment: %v", ErrInvalid, err)
	}
	return nil
}

// Mode returns the parsed render mode.
func (c Config) Mode() render.Mode {
	m, _ := render.ParseMode(c.Render.Mode)
	return m
}

// Media returns the media configuration negotiated with the other peer.
func (c Config) Media() model.MediaConfig {
	return model.MediaConfig{
		Video:  true,
		Audio:  c.Audio,
		Width:  c.Device.Width,
		Height: c.Device.Height,
		FPS:    c.Device.FPS,
		Pose:   c.Pose,
	}
}

// ExperimentConfig returns the experiment parameters, storing frames at the
// device resolution.
func (c Config) ExperimentConfig() experiment.Config {
	e := c.Experiment
	e.Width, e.Height = c.Device.Width, c.Device.Height
	if e.FPS == 0 {
		e.FPS = c.Device.FPS
	}
	return e
}
