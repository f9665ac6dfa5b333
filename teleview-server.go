package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teleview/teleview-server/access"
	"github.com/teleview/teleview-server/config"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metadata"
	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/redis"
	"github.com/teleview/teleview-server/session"
	"github.com/teleview/teleview-server/transport"
)

var (
	// Flags that can be passed in on the command line
	configFile     = flag.String("config", "", "Optional YAML file with the session and experiment configuration")
	addr           = flag.String("addr", "", "The address to listen on, or to call when it is taken")
	deviceName     = flag.String("device.name", "", "Name of the virtual video device")
	deviceWidth    = flag.Int("device.width", 0, "Width of the pushed frames")
	deviceHeight   = flag.Int("device.height", 0, "Height of the pushed frames")
	deviceFPS      = flag.Int("device.fps", 0, "Frame rate of the virtual video device")
	renderMode     = flag.String("render.mode", "", "Render mode: perspective, mono360 or stereo360")
	poseVariant    = flag.String("pose", "", "Pose variant sent by the client: full or position")
	bypass         = flag.Bool("render.bypass", false, "Render through the bypass view matrix")
	dataDir        = flag.String("datadir", "", "The directory in which to write data files")
	compress       = flag.Bool("compress-results", true, "Whether to gzip the archived session results")
	certFile       = flag.String("cert", "", "The file with server certificates in PEM format.")
	keyFile        = flag.String("key", "", "The file with server key in PEM format.")
	tickInterval   = flag.Duration("tick", 5*time.Millisecond, "Period of the update loop")
	maxSessions    = flag.Int64("max-sessions", 1, "Maximum number of sessions served at once")
	txDevice       = flag.String("txcontroller.device", "", "Network device watched by the tx controller. Empty disables it.")
	txMaxRate      = flag.Uint64("txcontroller.max-rate", 0, "Transmit rate in bits per second above which new sessions are refused")
	redisAddr      = flag.String("redis.addr", "", "Address of the redis server holding termination flags. Empty disables it.")
	tokenMachine   = flag.String("token.machine", "", "Use given machine name to verify token claims")
	tokenVerifyKey = flagx.FileBytesArray{}
	serverMetadata = flagx.StringArray{}

	// A metric to use to signal that the server is in lame duck mode.
	lameDuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teleview_lame_duck_experiment",
		Help: "Indicates when the server is in lame duck",
	})

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.Var(&serverMetadata, "server.metadata", "name=value pair archived with every session (repeatable)")
}

func catchSigterm() {
	// Disable lame duck status.
	lameDuck.Set(0)

	// Register channel to receive SIGTERM events.
	c := make(chan os.Signal, 1)
	defer signal.Stop(c)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	// Wait until we receive a SIGTERM or the context is canceled.
	select {
	case <-c:
		log.Info("Received SIGTERM")
	case <-ctx.Done():
		return
	}
	// Set lame duck status and stop accepting sessions.
	lameDuck.Set(1)
	cancel()
}

// loadConfig reads the optional YAML file and applies the flags that were
// set explicitly on top of it.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return cfg, err
		}
	}
	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Address = *addr
		case "device.name":
			cfg.Device.Name = *deviceName
		case "device.width":
			cfg.Device.Width = *deviceWidth
		case "device.height":
			cfg.Device.Height = *deviceHeight
		case "device.fps":
			cfg.Device.FPS = *deviceFPS
		case "render.mode":
			cfg.Render.Mode = *renderMode
		case "pose":
			v, perr := pose.ParseVariant(*poseVariant)
			if perr != nil {
				err = fmt.Errorf("%w: pose: %v", config.ErrInvalid, perr)
			}
			cfg.Pose = v
		case "datadir":
			cfg.DataDir = *dataDir
		}
	})
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func parseMetadata(pairs []string) ([]metadata.NameValue, error) {
	var m []metadata.NameValue
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid metadata %q, want name=value", p)
		}
		m = append(m, metadata.NameValue{Name: name, Value: value})
	}
	return m, nil
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	cfg, err := loadConfig()
	rtx.Must(err, "Invalid configuration")
	meta, err := parseMetadata([]string(serverMetadata))
	rtx.Must(err, "Invalid server metadata")

	promServer := prometheusx.MustServeMetrics()
	defer warnonerror.Close(promServer, "Could not close metrics server")

	go catchSigterm()

	// Access control: tokens first, then the uplink, then the session slot.
	var tokens access.Controller
	if len(tokenVerifyKey.Get()) > 0 {
		verifier, err := token.NewVerifier(tokenVerifyKey.Get()...)
		rtx.Must(err, "Failed to load verifier")
		tokens = access.NewTokenController(*tokenMachine, verifier)
	}
	var tx access.Controller
	if *txDevice != "" {
		txc, err := access.NewTxController(*txDevice, *txMaxRate)
		rtx.Must(err, "Failed to create tx controller")
		go func() {
			if err := txc.Watch(ctx); err != nil && ctx.Err() == nil {
				logging.Logger.WithError(err).Warn("txcontroller: watch stopped")
			}
		}()
		tx = txc
	}
	sessions := &access.SessionController{Max: *maxSessions}

	opts := []transport.Option{
		transport.WithMiddleware(access.Chain(tokens, tx, sessions)),
	}
	if *certFile != "" && *keyFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		rtx.Must(err, "Could not load TLS certificate")
		opts = append(opts, transport.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}
	peer := transport.NewPeer(cfg.Media(), opts...)
	defer warnonerror.Close(peer, "Could not close peer")

	serverOpts := session.ServerOptions{
		DataDir:  cfg.DataDir,
		Compress: *compress,
		Metadata: meta,
		Bypass:   *bypass,
	}
	if *redisAddr != "" {
		rc := redis.NewClient(*redisAddr)
		defer warnonerror.Close(rc, "Could not close redis client")
		if err := rc.Ping(ctx); err != nil {
			logging.Logger.WithError(err).Warn("redis: ping failed, flags will be retried")
		}
		serverOpts.Flags = rc
		serverOpts.Stats = rc
	}

	srv := session.NewServer(cfg, peer, peer.Events, transport.NewVideoInput(peer), serverOpts)
	rtx.Must(srv.Start(ctx), "Could not join %s", cfg.Address)
	log.Infof("Rendering %s %dx%d@%d to %s", cfg.Mode(), cfg.Device.Width, cfg.Device.Height, cfg.Device.FPS, cfg.Address)

	err = session.Run(ctx, srv, *tickInterval, nil)
	srv.Close()
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("Update loop stopped")
	}
}
