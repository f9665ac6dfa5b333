package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/osx"
	"github.com/m-lab/go/prometheusx/promtest"
	"github.com/m-lab/go/rtx"
	pipe "gopkg.in/m-lab/pipe.v3"

	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/transport"
)

// Get an open port, and then close it. Hopefully the port will remain open
// for the next few microseconds so that we can use it in unit tests.
func getOpenAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "Could not listen")
	defer ln.Close()
	return ln.Addr().String()
}

func countFiles(dir string) int {
	count := 0
	filepath.Walk(dir, func(_path string, info os.FileInfo, _err error) error {
		if info != nil && !info.IsDir() {
			count++
		}
		return nil
	})
	return count
}

func setupMain(t *testing.T) func() {
	cleanups := []func(){}

	// Create self-signed certs in a temp directory.
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	rtx.Must(
		pipe.Run(
			pipe.Script("Create private key and self-signed certificate",
				pipe.Exec("openssl", "genrsa", "-out", keyFile),
				pipe.Exec("openssl", "req", "-new", "-x509", "-key", keyFile, "-out",
					certFile, "-days", "2", "-subj",
					"/C=XX/ST=State/L=Locality/O=Org/OU=Unit/CN=localhost/emailAddress=test@email.address"),
			),
		),
		"Failed to generate server key and certs")

	// Set up the command-line args via environment variables:
	for _, ev := range []struct{ key, value string }{
		{"ADDR", getOpenAddr()},
		{"DEVICE_WIDTH", "16"},
		{"DEVICE_HEIGHT", "16"},
		{"CERT", certFile},
		{"KEY", keyFile},
		{"DATADIR", filepath.Join(dir, "data")},
		{"PROMETHEUSX_LISTEN_ADDRESS", "127.0.0.1:0"},
	} {
		cleanups = append(cleanups, osx.MustSetenv(ev.key, ev.value))
	}
	return func() {
		for _, f := range cleanups {
			f()
		}
	}
}

func Test_ContextCancelsMain(t *testing.T) {
	cleanup := setupMain(t)
	defer cleanup()

	// Set up the global context for main()
	ctx, cancel = context.WithCancel(context.Background())

	// Run main, but cancel it very soon after starting.
	go func() {
		time.Sleep(1 * time.Second)
		cancel()
	}()
	// If this doesn't run forever, then canceling the context causes main to exit.
	main()
}

func TestMetrics(t *testing.T) {
	promtest.LintMetrics(t)
}

type collector struct {
	q    *transport.Queue
	seen []transport.Event
}

func (c *collector) wait(t *testing.T, kind transport.EventKind) transport.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		c.q.Drain(func(ev transport.Event) { c.seen = append(c.seen, ev) })
		for i, ev := range c.seen {
			if ev.Kind == kind {
				c.seen = append(c.seen[:i:i], c.seen[i+1:]...)
				return ev
			}
		}
		if err := c.q.Wait(ctx); err != nil {
			t.Fatalf("no %s event: %v", kind, err)
		}
	}
}

func Test_MainIntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Integration tests take too long")
	}
	cleanup := setupMain(t)
	defer cleanup()

	// Set up the global context for main()
	ctx, cancel = context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		main()
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(1 * time.Second) // Give main a little time to start listening.

	dataDir := os.Getenv("DATADIR")
	media := model.MediaConfig{Video: true, Width: 16, Height: 16, FPS: 60, Pose: pose.Full}
	client := transport.NewPeer(media, transport.WithTLS(&tls.Config{InsecureSkipVerify: true}))
	defer client.Close()
	rtx.Must(client.Call(context.Background(), os.Getenv("ADDR")), "Could not call server")

	events := &collector{q: client.Events}
	events.wait(t, transport.Accepted)
	text := events.wait(t, transport.Text)
	if !strings.Contains(text.Text, "ready") {
		t.Errorf("unexpected device status %q", text.Text)
	}
	p := pose.Identity
	p.Position.Z = 1
	rtx.Must(client.SendPose(p, true), "Could not send pose")
	ev := events.wait(t, transport.FrameUpdate)
	if ev.Frame == nil || ev.Frame.Width != 16 || ev.Frame.Height != 16 {
		t.Errorf("unexpected frame %+v", ev.Meta)
	}

	before := countFiles(dataDir)
	client.Hangup()
	deadline := time.Now().Add(10 * time.Second)
	for countFiles(dataDir) <= before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if countFiles(dataDir) <= before {
		t.Error("No result file produced for the session")
	}
}
