package model

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/protocol"
)

// MediaConfig is the media configuration both peers of a session must agree
// on. The caller sends it as query parameters of the session URL.
type MediaConfig struct {
	Video  bool         `json:"video"`
	Audio  bool         `json:"audio"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	FPS    int          `json:"fps"`
	Pose   pose.Variant `json:"pose"`
}

// DefaultMediaConfig returns video without audio at the default device
// resolution and rate, carrying full poses.
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		Video:  true,
		Width:  protocol.DefaultWidth,
		Height: protocol.DefaultHeight,
		FPS:    protocol.DefaultFPS,
		Pose:   pose.Full,
	}
}

// Values returns c as URL query parameters.
func (c MediaConfig) Values() url.Values {
	v := url.Values{}
	v.Set("video", strconv.FormatBool(c.Video))
	v.Set("audio", strconv.FormatBool(c.Audio))
	v.Set("width", strconv.Itoa(c.Width))
	v.Set("height", strconv.Itoa(c.Height))
	v.Set("fps", strconv.Itoa(c.FPS))
	v.Set("pose", c.Pose.String())
	return v
}

// ParseMediaConfig reads a configuration from query parameters written by
// Values.
func ParseMediaConfig(v url.Values) (MediaConfig, error) {
	var (
		c   MediaConfig
		err error
	)
	if c.Video, err = strconv.ParseBool(v.Get("video")); err != nil {
		return c, fmt.Errorf("video: %w", err)
	}
	if c.Audio, err = strconv.ParseBool(v.Get("audio")); err != nil {
		return c, fmt.Errorf("audio: %w", err)
	}
	if c.Width, err = strconv.Atoi(v.Get("width")); err != nil {
		return c, fmt.Errorf("width: %w", err)
	}
	if c.Height, err = strconv.Atoi(v.Get("height")); err != nil {
		return c, fmt.Errorf("height: %w", err)
	}
	if c.FPS, err = strconv.Atoi(v.Get("fps")); err != nil {
		return c, fmt.Errorf("fps: %w", err)
	}
	if c.Pose, err = pose.ParseVariant(v.Get("pose")); err != nil {
		return c, err
	}
	return c, nil
}

// ReservedParams are the query parameters used by MediaConfig. They are not
// client metadata.
var ReservedParams = []string{"video", "audio", "width", "height", "fps", "pose", "access_token"}
