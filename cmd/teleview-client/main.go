// teleview-client walks through the scene, streams its head pose to a
// teleview-server and runs the latency experiment over the video it gets
// back. Commands are read from stdin, one per line:
//
//	w  start or stop walking
//	+  walk faster
//	-  walk slower
//	s  print the status
//	r  hang up and stay disconnected
//	j  join again, with a fresh experiment
//	q  quit
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"

	"github.com/teleview/teleview-server/config"
	"github.com/teleview/teleview-server/redis"
	"github.com/teleview/teleview-server/results"
	"github.com/teleview/teleview-server/session"
	"github.com/teleview/teleview-server/transport"
)

var (
	configFile    = flag.String("config", "", "Optional YAML file with the session and experiment configuration")
	addr          = flag.String("addr", "", "The address of the render server, or to listen on when it is free")
	dataDir       = flag.String("datadir", "", "The directory in which to write the experiment artifacts")
	skipTLSVerify = flag.Bool("skip-tls-verify", false, "Skip TLS verify")
	useTLS        = flag.Bool("tls", false, "Call the server over wss")
	accessToken   = flag.String("access-token", "", "Access token sent to the server")
	speed         = flag.Float64("speed", 0, "Initial walking speed factor")
	tickInterval  = flag.Duration("tick", 5*time.Millisecond, "Period of the update loop")
	statusPeriod  = flag.Duration("status", 0, "Print the status this often. Zero disables it.")
	redisAddr     = flag.String("redis.addr", "", "Address of the redis server storing session stats. Empty disables it.")
	clientParams  = flagx.StringArray{}
)

func init() {
	flag.Var(&clientParams, "metadata", "name=value pair sent to the server and archived (repeatable)")
}

// controls are the interactive commands of the client.
type controls interface {
	Toggle() bool
	Faster() float64
	Slower() float64
	Status() string
	Reset()
	Rejoin() error
}

// command runs one stdin command and returns what to print. quit is true
// when the client should stop.
func command(c controls, line string) (out string, quit bool) {
	switch strings.TrimSpace(line) {
	case "w":
		if c.Toggle() {
			return "walking", false
		}
		return "stopped", false
	case "+":
		return fmt.Sprintf("speed %.1f", c.Faster()), false
	case "-":
		return fmt.Sprintf("speed %.1f", c.Slower()), false
	case "s":
		return c.Status(), false
	case "r":
		c.Reset()
		return "disconnected", false
	case "j":
		if err := c.Rejoin(); err != nil {
			return fmt.Sprintf("cannot join: %v", err), false
		}
		return "joining", false
	case "q":
		return "bye", true
	case "":
		return "", false
	}
	return fmt.Sprintf("unknown command %q", strings.TrimSpace(line)), false
}

func parseParams(pairs []string) (url.Values, error) {
	v := url.Values{}
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid metadata %q, want name=value", p)
		}
		v.Set(name, value)
	}
	return v, nil
}

func readCommands(ctx context.Context, cancel context.CancelFunc, in io.Reader, out io.Writer, c controls) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		msg, quit := command(c, scanner.Text())
		if msg != "" {
			fmt.Fprintln(out, msg)
		}
		if quit || ctx.Err() != nil {
			break
		}
	}
	cancel()
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		rtx.Must(err, "Could not load %s", *configFile)
	}
	if *addr != "" {
		cfg.Address = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *speed != 0 {
		cfg.Speed = *speed
	}
	rtx.Must(cfg.Validate(), "Invalid configuration")

	params, err := parseParams([]string(clientParams))
	rtx.Must(err, "Invalid metadata")
	if *accessToken != "" {
		params.Set("access_token", *accessToken)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	run := uuid.New().String()
	artifacts, err := results.NewDir(cfg.DataDir, run)
	rtx.Must(err, "Could not create the artifact directory")

	opts := []transport.Option{transport.WithParams(params)}
	if *useTLS {
		opts = append(opts, transport.WithTLS(&tls.Config{InsecureSkipVerify: *skipTLSVerify}))
	}
	peer := transport.NewPeer(cfg.Media(), opts...)
	defer warnonerror.Close(peer, "Could not close peer")

	clientOpts := session.ClientOptions{
		DataDir:     cfg.DataDir,
		ArtifactDir: artifacts.Path,
	}
	if *redisAddr != "" {
		rc := redis.NewClient(*redisAddr)
		defer warnonerror.Close(rc, "Could not close redis client")
		clientOpts.Stats = rc
	}
	client, err := session.NewClient(cfg, peer, peer.Events, artifacts, clientOpts)
	rtx.Must(err, "Could not create client")
	defer client.Close()

	rtx.Must(client.Start(ctx), "Could not join %s", cfg.Address)
	log.Infof("Run %s: joining %s, artifacts in %s", run, cfg.Address, artifacts.Path)

	go readCommands(ctx, cancel, os.Stdin, os.Stdout, client)
	if *statusPeriod > 0 {
		go func() {
			t := time.NewTicker(*statusPeriod)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					log.Info(client.Status())
				}
			}
		}()
	}

	err = session.Run(ctx, client, *tickInterval, client.Done)
	switch {
	case err == nil:
		log.Info("Experiment done")
	case ctx.Err() != nil:
		log.Info("Interrupted")
	default:
		log.WithError(err).Error("Update loop stopped")
	}
}
