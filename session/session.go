// Package session runs the update loop of the two roles of a teleview
// session: the render side, which applies the remote poses to its proxy
// camera and feeds the rendered frames to a virtual video device, and the
// client side, which walks, streams its head pose and runs the experiment.
//
// All work happens on the update loop, in Tick. Transport goroutines only
// queue events, which are drained once per tick.
package session

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/warnonerror"
	"github.com/teleview/teleview-server/data"
	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/redis"
	"github.com/teleview/teleview-server/results"
	"github.com/teleview/teleview-server/transport"
)

// Version is the symbolic version recorded in session results.
var Version = "dev"

// Roles, as recorded in logs and results.
const (
	RenderRole = "render"
	ClientRole = "client"
)

// Link is the transport as seen by the update loop.
type Link interface {
	Join(ctx context.Context, addr string) error
	Hangup()
	SendPose(p pose.Pose, reliable bool) error
	SendText(s string) error
	Info() (model.ConnectionInfo, transport.Role, bool)
}

// StatsStore keeps the statistics of finished sessions.
type StatsStore interface {
	SetSessionStats(ctx context.Context, stats *redis.SessionStats) error
}

// Ticker is advanced by the update loop.
type Ticker interface {
	Tick(dt time.Duration)
}

// Run calls t.Tick every interval, passing the measured time since the
// previous tick, until ctx is done or done returns true. done may be nil.
func Run(ctx context.Context, t Ticker, interval time.Duration, done func() bool) error {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tk.C:
			t.Tick(now.Sub(last))
			last = now
			if done != nil && done() {
				return nil
			}
		}
	}
}

func newResult(role string, info model.ConnectionInfo, media model.MediaConfig, start time.Time, err error) *data.SessionResult {
	r := &data.SessionResult{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        Version,
		SchemaVersion:  data.CurrentSchemaVersion,
		Role:           role,
		UUID:           info.UUID,
		Connection:     info,
		Media:          media,
		StartTime:      start,
		EndTime:        time.Now(),
	}
	if err != nil {
		r.EndReason = err.Error()
	}
	return r
}

// archive writes result below datadir. An empty datadir disables archival.
func archive(l log.Interface, datadir string, compress bool, result *data.SessionResult) {
	if datadir == "" {
		return
	}
	fp, err := results.NewFile(result.UUID, datadir, result.Role, compress)
	if err != nil {
		return // error already printed
	}
	defer warnonerror.Close(fp, "session: ignoring fp.Close result")
	if err := fp.WriteResult(result); err != nil {
		l.WithError(err).Warn("session: cannot write result")
		return
	}
	l.WithField("file", fp.Name()).Debug("session: result written")
}
