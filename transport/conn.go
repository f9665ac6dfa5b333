package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/warnonerror"
	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/protocol"
)

type outbound struct {
	mtype int
	data  []byte
	label string
}

// Conn is one established session socket. It owns a reader and a writer
// goroutine, plus a pinger on the caller side.
type Conn struct {
	peer  *Peer
	ws    *websocket.Conn
	role  Role
	info  model.ConnectionInfo
	start time.Time

	out    chan outbound
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	release func()
}

func newConn(p *Peer, ws *websocket.Conn, role Role, info model.ConnectionInfo) *Conn {
	ctx, cancel := context.WithCancel(p.ctx)
	return &Conn{
		peer:   p,
		ws:     ws,
		role:   role,
		info:   info,
		start:  time.Now(),
		out:    make(chan outbound, p.queueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) remote() string {
	if c.role == Caller {
		return c.info.Server
	}
	return c.info.Client
}

func (c *Conn) pings() bool {
	return c.role == Caller && c.peer.ping
}

// workers returns the number of goroutines started by run.
func (c *Conn) workers() int {
	if c.pings() {
		return 3
	}
	return 2
}

func (c *Conn) run() {
	go func() {
		defer c.peer.wg.Done()
		c.reader()
	}()
	go func() {
		defer c.peer.wg.Done()
		c.writer()
	}()
	if c.pings() {
		go func() {
			defer c.peer.wg.Done()
			c.pinger()
		}()
	}
}

func (c *Conn) send(m outbound, reliable bool) error {
	if reliable {
		select {
		case c.out <- m:
			return nil
		case <-c.done:
			return ErrConnectionLost
		}
	}
	select {
	case <-c.done:
		return ErrConnectionLost
	default:
	}
	select {
	case c.out <- m:
	default:
		metrics.MessagesDropped.WithLabelValues(m.label, "queue-full").Inc()
	}
	return nil
}

func (c *Conn) writer() {
	logging.Logger.Debug("writer: start")
	defer logging.Logger.Debug("writer: stop")
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			err := c.ws.SetWriteDeadline(time.Now().Add(protocol.DefaultIOTimeout)) // Liveness!
			if err == nil {
				err = c.ws.WriteMessage(m.mtype, m.data)
			}
			if err != nil {
				c.end(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				return
			}
		}
	}
}

func (c *Conn) extendDeadline() {
	err := c.ws.SetReadDeadline(time.Now().Add(protocol.DefaultIOTimeout)) // Liveness!
	if err != nil {
		logging.Logger.WithError(err).Debug("reader: conn.SetReadDeadline failed")
	}
}

func (c *Conn) reader() {
	logging.Logger.Debug("reader: start")
	defer logging.Logger.Debug("reader: stop")
	c.ws.SetReadLimit(protocol.MaxMessageSize)
	c.extendDeadline()
	c.ws.SetPingHandler(func(s string) error {
		c.extendDeadline()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(s), time.Now().Add(protocol.DefaultCloseDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	c.ws.SetPongHandler(func(s string) error {
		c.extendDeadline()
		rtt, err := ParseTicks(s, c.start)
		if err != nil {
			logging.Logger.WithError(err).Warn("reader: cannot parse pong")
			metrics.MessagesDropped.WithLabelValues("pong", "malformed").Inc()
			return nil
		}
		metrics.EchoRTT.Observe(rtt.Seconds())
		c.peer.Events.Push(Event{Kind: EchoRTT, RTT: rtt})
		return nil
	})
	for {
		mtype, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.end(nil)
			} else {
				c.end(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}
		c.extendDeadline()
		switch mtype {
		case websocket.TextMessage:
			metrics.MessagesReceived.WithLabelValues("text").Inc()
			c.peer.Events.Push(Event{Kind: Text, Text: string(msg)})
		case websocket.BinaryMessage:
			c.dispatch(msg)
		}
	}
}

// dispatch turns one enveloped binary message into an event.
func (c *Conn) dispatch(msg []byte) {
	if len(msg) == 0 {
		metrics.MessagesDropped.WithLabelValues("empty", "malformed").Inc()
		return
	}
	kind := protocol.MessageKind(msg[0])
	payload := msg[1:]
	switch kind {
	case protocol.KindPose, protocol.KindPosition:
		c.peer.Events.Push(Event{Kind: Data, DataKind: kind, Payload: payload})
	case protocol.KindVideoFrame:
		meta, buf, err := frame.Parse(payload)
		if err != nil {
			logging.Logger.WithError(err).Warn("reader: dropping video frame")
			metrics.MessagesDropped.WithLabelValues(kind.String(), "malformed").Inc()
			return
		}
		c.peer.Events.Push(Event{Kind: FrameUpdate, Meta: meta, Frame: buf})
	default:
		logging.Logger.Warnf("reader: unknown message kind %d", msg[0])
		metrics.MessagesDropped.WithLabelValues(kind.String(), "unknown-kind").Inc()
		return
	}
	metrics.MessagesReceived.WithLabelValues(kind.String()).Inc()
}

func (c *Conn) pinger() {
	logging.Logger.Debug("pinger: start")
	defer logging.Logger.Debug("pinger: stop")
	// Implementation note: the ticker will close its output channel
	// after the controlling context is expired.
	ticker, err := memoryless.NewTicker(c.ctx, memoryless.Config{
		Min:      protocol.MinPingInterval,
		Expected: protocol.AveragePingInterval,
		Max:      protocol.MaxPingInterval,
	})
	if err != nil {
		logging.Logger.WithError(err).Warn("memoryless.NewTicker failed")
		return
	}
	defer ticker.Stop()
	for range ticker.C {
		err := SendTicks(c.ws, c.start, time.Now().Add(protocol.DefaultCloseDeadline))
		if err != nil {
			c.end(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
	}
}

// end tears the connection down once and raises Ended with err.
func (c *Conn) end(err error) {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		warnonerror.Close(c.ws, "transport: ignoring conn.Close result")
		c.peer.detach(c)
		if c.release != nil {
			c.release()
		}
		result := "ok"
		if err != nil {
			result = "error"
			logging.Logger.WithError(err).Info("transport: connection ended")
		}
		metrics.ActiveSessions.WithLabelValues(c.role.String()).Dec()
		metrics.SessionCount.WithLabelValues(c.role.String(), result).Inc()
		metrics.LifecycleEvents.WithLabelValues(Ended.String()).Inc()
		c.peer.Events.Push(Event{Kind: Ended, Err: err, Remote: c.remote()})
	})
}

// close starts a normal closing handshake and ends the connection.
func (c *Conn) close() {
	StartClosing(c.ws)
	c.end(nil)
}
