// Package transport implements the session socket between the two peers of
// a teleview session: a WebSocket carrying poses, video frames and text in
// both directions, plus the lifecycle events the update loop reacts to.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/warnonerror"
	"github.com/teleview/teleview-server/access"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metrics"
	"github.com/teleview/teleview-server/model"
	"github.com/teleview/teleview-server/pose"
	"github.com/teleview/teleview-server/protocol"
)

// SessionHeader is the response header carrying the session UUID chosen by
// the listener.
const SessionHeader = "X-Teleview-Session"

var (
	// ErrAddressTooLong is returned for addresses longer than
	// protocol.MaxAddressLength.
	ErrAddressTooLong = errors.New("transport: address too long")
	// ErrConnectionLost is carried by Ended events when the socket failed.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrNotConnected is returned when sending without a connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrBusy is returned when the peer already has a connection.
	ErrBusy = errors.New("transport: peer busy")
	// ErrConfigMismatch is carried by ConfigureFailed events.
	ErrConfigMismatch = errors.New("transport: media configuration mismatch")
)

// Role tells which side of the connection a peer is.
type Role int

// Roles.
const (
	Listener Role = iota + 1
	Caller
)

func (r Role) String() string {
	switch r {
	case Listener:
		return "listener"
	case Caller:
		return "caller"
	}
	return "none"
}

// Option configures a Peer.
type Option func(*Peer)

// WithMiddleware wraps the listener handler, e.g. with access control.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(p *Peer) { p.middleware = mw }
}

// WithTLS makes the listener serve TLS and the caller dial wss URLs.
func WithTLS(cfg *tls.Config) Option {
	return func(p *Peer) { p.tlsConfig = cfg }
}

// WithPing enables or disables echo RTT pings sent by the caller.
func WithPing(enabled bool) Option {
	return func(p *Peer) { p.ping = enabled }
}

// WithQueueSize sets the number of outbound messages buffered per
// connection.
func WithQueueSize(n int) Option {
	return func(p *Peer) { p.queueSize = n }
}

// WithHeader adds headers sent by the caller during the handshake.
func WithHeader(h http.Header) Option {
	return func(p *Peer) { p.header = h }
}

// WithParams adds query parameters sent by the caller during the
// handshake. The listener archives them as client metadata.
func WithParams(v url.Values) Option {
	return func(p *Peer) { p.params = v }
}

// Peer is one end of a session. It has at most one connection at a time,
// either accepted as listener or dialed as caller. Events are delivered on
// the Events queue.
type Peer struct {
	Events *Queue

	media      model.MediaConfig
	middleware func(http.Handler) http.Handler
	tlsConfig  *tls.Config
	header     http.Header
	params     url.Values
	ping       bool
	queueSize  int
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    *Conn
	pending bool
	ln      net.Listener
	srv     *http.Server
	closed  bool
}

// NewPeer returns a peer negotiating the given media configuration.
func NewPeer(media model.MediaConfig, opts ...Option) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		Events:    NewQueue(),
		media:     media,
		ping:      true,
		queueSize: 8,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			Subprotocols:    []string{protocol.SecWebSocketProtocol},
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Media returns the media configuration of p.
func (p *Peer) Media() model.MediaConfig {
	return p.media
}

func checkAddress(addr string) error {
	if len(addr) > protocol.MaxAddressLength {
		return fmt.Errorf("%w: %d bytes", ErrAddressTooLong, len(addr))
	}
	return nil
}

// Listen accepts one caller at a time on addr. Listening again while
// already listening does nothing. A bind failure raises ListenFailed and is
// returned.
func (p *Peer) Listen(ctx context.Context, addr string) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return net.ErrClosed
	}
	if p.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", hostPort(addr))
	if err != nil {
		metrics.LifecycleEvents.WithLabelValues(ListenFailed.String()).Inc()
		p.Events.Push(Event{Kind: ListenFailed, Err: err, Remote: addr})
		return err
	}
	if p.tlsConfig != nil {
		ln = tls.NewListener(ln, p.tlsConfig)
	}
	mux := http.NewServeMux()
	mux.Handle(protocol.SessionURLPath, http.HandlerFunc(p.handle))
	var h http.Handler = mux
	if p.middleware != nil {
		h = p.middleware(h)
	}
	srv := &http.Server{
		Handler:     logging.MakeAccessLogHandler(h),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	p.ln, p.srv = ln, srv
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logging.Logger.Debugf("transport: listening on %s", ln.Addr())
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger.WithError(err).Warn("transport: srv.Serve failed")
		}
	}()
	return nil
}

// Addr returns the address p listens on, or the empty string.
func (p *Peer) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// Call dials addr in the background. The outcome is reported as Accepted,
// ConnectFailed or ConfigureFailed.
func (p *Peer) Call(ctx context.Context, addr string) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	u, err := p.sessionURL(addr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return net.ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		p.dial(ctx, u)
	}()
	return nil
}

// Join listens on addr and, if listening fails, calls addr instead.
func (p *Peer) Join(ctx context.Context, addr string) error {
	err := p.Listen(ctx, addr)
	if err == nil || errors.Is(err, ErrAddressTooLong) || errors.Is(err, net.ErrClosed) {
		return err
	}
	logging.Logger.WithError(err).Debug("transport: cannot listen, calling instead")
	return p.Call(ctx, addr)
}

// hostPort strips a ws:// or wss:// prefix from addr.
func hostPort(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		return u.Host
	}
	return addr
}

func (p *Peer) sessionURL(addr string) (*url.URL, error) {
	u := &url.URL{Scheme: "ws", Host: addr}
	if strings.Contains(addr, "://") {
		parsed, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}
		u = parsed
	} else if p.tlsConfig != nil {
		u.Scheme = "wss"
	}
	if u.Path == "" {
		u.Path = protocol.SessionURLPath
	}
	q := u.Query()
	for k, vs := range p.params {
		q[k] = vs
	}
	for k, vs := range p.media.Values() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func (p *Peer) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.conn != nil || p.pending {
		return false
	}
	p.pending = true
	return true
}

func (p *Peer) release() {
	p.mu.Lock()
	p.pending = false
	p.mu.Unlock()
}

func (p *Peer) fail(kind EventKind, remote string, err error) {
	metrics.LifecycleEvents.WithLabelValues(kind.String()).Inc()
	p.Events.Push(Event{Kind: kind, Err: err, Remote: remote})
}

func (p *Peer) dial(ctx context.Context, u *url.URL) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()
	if !p.reserve() {
		p.fail(ConnectFailed, u.Host, ErrBusy)
		return
	}
	headers := http.Header{}
	for k, vs := range p.header {
		headers[k] = vs
	}
	headers.Add("Sec-WebSocket-Protocol", protocol.SecWebSocketProtocol)
	dialer := websocket.Dialer{
		HandshakeTimeout: protocol.DefaultIOTimeout,
		ReadBufferSize:   p.upgrader.ReadBufferSize,
		WriteBufferSize:  p.upgrader.WriteBufferSize,
		TLSClientConfig:  p.tlsConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	logging.Logger.Debugf("transport: calling %s", u.Host)
	ws, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		p.release()
		if resp != nil && resp.StatusCode == http.StatusBadRequest {
			p.fail(ConfigureFailed, u.Host, fmt.Errorf("%w: %v", ErrConfigMismatch, err))
			return
		}
		p.fail(ConnectFailed, u.Host, err)
		return
	}
	info := model.ConnectionInfo{
		Client: ws.LocalAddr().String(),
		Server: ws.RemoteAddr().String(),
		UUID:   resp.Header.Get(SessionHeader),
	}
	p.start(ws, Caller, info, nil)
}

// warnAndClose emits message as a warning and sends a Bad Request response
// to the caller.
func warnAndClose(writer http.ResponseWriter, message string) {
	logging.Logger.Warn(message)
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

func (p *Peer) handle(writer http.ResponseWriter, request *http.Request) {
	if request.Header.Get("Sec-WebSocket-Protocol") != protocol.SecWebSocketProtocol {
		warnAndClose(writer, "transport: missing Sec-WebSocket-Protocol in request")
		return
	}
	remote, err := model.ParseMediaConfig(request.URL.Query())
	if err == nil && remote != p.media {
		err = fmt.Errorf("caller wants %+v, listener has %+v", remote, p.media)
	}
	if err != nil {
		p.fail(ConfigureFailed, request.RemoteAddr, fmt.Errorf("%w: %v", ErrConfigMismatch, err))
		warnAndClose(writer, fmt.Sprintf("transport: media configuration mismatch: %s", err))
		return
	}
	if !p.reserve() {
		logging.Logger.Warn("transport: refusing caller, peer busy")
		writer.Header().Set("Connection", "Close")
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	id := uuid.New().String()
	headers := http.Header{}
	headers.Add(SessionHeader, id)
	ws, err := p.upgrader.Upgrade(writer, request, headers)
	if err != nil {
		// The upgrader already replied to the caller.
		p.release()
		logging.Logger.WithError(err).Warn("transport: cannot UPGRADE to WebSocket")
		return
	}
	info := model.ConnectionInfo{
		Client: request.RemoteAddr,
		Server: ws.LocalAddr().String(),
		UUID:   id,
		Query:  request.URL.RawQuery,
	}
	p.start(ws, Listener, info, access.Hold(request.Context()))
}

// start installs the connection and raises Accepted before any message of
// the connection can be delivered. release, if not nil, runs when the
// connection ends.
func (p *Peer) start(ws *websocket.Conn, role Role, info model.ConnectionInfo, release func()) {
	p.mu.Lock()
	p.pending = false
	if p.closed {
		p.mu.Unlock()
		warnonerror.Close(ws, "transport: ignoring conn.Close result")
		if release != nil {
			release()
		}
		return
	}
	c := newConn(p, ws, role, info)
	c.release = release
	p.conn = c
	p.wg.Add(c.workers())
	p.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues(role.String()).Inc()
	metrics.LifecycleEvents.WithLabelValues(Accepted.String()).Inc()
	p.Events.Push(Event{Kind: Accepted, Remote: c.remote()})
	c.run()
}

func (p *Peer) detach(c *Conn) {
	p.mu.Lock()
	if p.conn == c {
		p.conn = nil
	}
	p.mu.Unlock()
}

func (p *Peer) current() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Connected reports whether p has a connection.
func (p *Peer) Connected() bool {
	return p.current() != nil
}

// Info returns the connection info of the current connection.
func (p *Peer) Info() (model.ConnectionInfo, Role, bool) {
	c := p.current()
	if c == nil {
		return model.ConnectionInfo{}, 0, false
	}
	return c.info, c.role, true
}

// Send sends payload as a message of the given kind. Reliable messages wait
// for room in the outbound queue; unreliable ones are dropped when the
// queue is full.
func (p *Peer) Send(kind protocol.MessageKind, payload []byte, reliable bool) error {
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(kind)
	copy(msg[1:], payload)
	return p.sendEnveloped(msg, reliable)
}

// sendEnveloped sends msg, whose first byte is the message kind, without
// copying it.
func (p *Peer) sendEnveloped(msg []byte, reliable bool) error {
	c := p.current()
	if c == nil {
		return ErrNotConnected
	}
	label := protocol.MessageKind(msg[0]).String()
	return c.send(outbound{mtype: websocket.BinaryMessage, data: msg, label: label}, reliable)
}

// SendPose encodes ps with the negotiated variant and sends it.
func (p *Peer) SendPose(ps pose.Pose, reliable bool) error {
	v := p.media.Pose
	return p.Send(v.Kind(), pose.Encode(ps, v), reliable)
}

// SendText sends a text message reliably.
func (p *Peer) SendText(s string) error {
	c := p.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.send(outbound{mtype: websocket.TextMessage, data: []byte(s), label: "text"}, true)
}

// Hangup closes the current connection, if any. Ended is raised with a nil
// error.
func (p *Peer) Hangup() {
	if c := p.current(); c != nil {
		c.close()
	}
}

// Close hangs up, stops listening and waits for every goroutine of p.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	c, srv := p.conn, p.srv
	p.ln, p.srv = nil, nil
	p.mu.Unlock()
	p.cancel()
	if c != nil {
		c.close()
	}
	var err error
	if srv != nil {
		err = srv.Close()
	}
	p.wg.Wait()
	return err
}
