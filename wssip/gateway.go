package wssip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FrameType selects the WebSocket message type used for backend data.
type FrameType string

const (
	// FrameAuto mirrors the type of the client's latest message.
	FrameAuto   FrameType = "auto"
	FrameText   FrameType = "text"
	FrameBinary FrameType = "binary"
)

// ParseFrameType parses "auto", "text" or "binary".
func ParseFrameType(s string) (FrameType, error) {
	switch FrameType(s) {
	case FrameAuto, FrameText, FrameBinary:
		return FrameType(s), nil
	case "":
		return FrameAuto, nil
	}
	return "", fmt.Errorf("unknown frame type %q", s)
}

const DefaultOutboundQueueSize = 64

// GatewayOption represents configuration options for Gateway
type GatewayOption struct {
	Host string
	Port int
	Path string

	PortSIP         int
	HostSIP         string
	HonorTargetPort bool

	Timeout           time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	MaxListeners      int
	OutboundQueueSize int
	FrameType         FrameType

	SSLCert string
	SSLKey  string

	MetricsPath string

	Handler Handler
	Logger  zerolog.Logger
}

// DefaultGatewayOption returns default gateway options
func DefaultGatewayOption() *GatewayOption {
	return &GatewayOption{
		Host:              "0.0.0.0",
		Port:              8088,
		Path:              "/",
		PortSIP:           DefaultSIPPort,
		Timeout:           DefaultTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		MaxListeners:      DefaultMaxListeners,
		OutboundQueueSize: DefaultOutboundQueueSize,
		FrameType:         FrameAuto,
		Handler:           NoopHandler{},
		Logger:            zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

// WithHost sets the WebSocket listen host
func (o *GatewayOption) WithHost(host string) *GatewayOption {
	o.Host = host
	return o
}

// WithPort sets the WebSocket listen port, 0 picks a free one
func (o *GatewayOption) WithPort(port int) *GatewayOption {
	o.Port = port
	return o
}

// WithPath sets the HTTP path WebSocket clients connect to
func (o *GatewayOption) WithPath(path string) *GatewayOption {
	o.Path = path
	return o
}

// WithPortSIP sets the backend TCP port
func (o *GatewayOption) WithPortSIP(port int) *GatewayOption {
	o.PortSIP = port
	return o
}

// WithHostSIP sets a static backend host, skipping destination resolution
func (o *GatewayOption) WithHostSIP(host string) *GatewayOption {
	o.HostSIP = host
	return o
}

// WithHonorTargetPort dials the port embedded in the request target when there is one
func (o *GatewayOption) WithHonorTargetPort(honor bool) *GatewayOption {
	o.HonorTargetPort = honor
	return o
}

// WithTimeout sets the backend inactivity timeout, a negative value disables it
func (o *GatewayOption) WithTimeout(timeout time.Duration) *GatewayOption {
	o.Timeout = timeout
	return o
}

// WithConnectTimeout sets the backend dial timeout
func (o *GatewayOption) WithConnectTimeout(timeout time.Duration) *GatewayOption {
	o.ConnectTimeout = timeout
	return o
}

// WithWriteTimeout bounds each write to a client, a negative value disables it
func (o *GatewayOption) WithWriteTimeout(timeout time.Duration) *GatewayOption {
	o.WriteTimeout = timeout
	return o
}

// WithMaxListeners sets the cap on listeners attached to a backend stream,
// a negative value removes the cap
func (o *GatewayOption) WithMaxListeners(n int) *GatewayOption {
	o.MaxListeners = n
	return o
}

// WithOutboundQueueSize sets how many backend chunks may wait for the client
func (o *GatewayOption) WithOutboundQueueSize(n int) *GatewayOption {
	o.OutboundQueueSize = n
	return o
}

// WithFrameType sets the message type used for backend data
func (o *GatewayOption) WithFrameType(t FrameType) *GatewayOption {
	o.FrameType = t
	return o
}

// WithTLS enables TLS with the given certificate and key files
func (o *GatewayOption) WithTLS(certFile, keyFile string) *GatewayOption {
	o.SSLCert = certFile
	o.SSLKey = keyFile
	return o
}

// WithMetrics exposes Prometheus metrics on path
func (o *GatewayOption) WithMetrics(path string) *GatewayOption {
	o.MetricsPath = path
	return o
}

// WithHandler sets the event handler
func (o *GatewayOption) WithHandler(h Handler) *GatewayOption {
	o.Handler = h
	return o
}

// WithLogger sets the logger
func (o *GatewayOption) WithLogger(logger zerolog.Logger) *GatewayOption {
	o.Logger = logger
	return o
}

// Gateway accepts WebSocket clients and relays each to a SIP server over TCP.
type Gateway struct {
	opt       GatewayOption
	log       zerolog.Logger
	handler   Handler
	connector *BackendConnector
	metrics   *Metrics
	upgrader  websocket.Upgrader

	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	listener   net.Listener
	httpServer *http.Server
	ctx        context.Context
	cancelFunc context.CancelFunc

	started atomic.Bool
	ready   chan struct{}
	errors  chan error
}

// NewGateway creates a new Gateway instance. Zero-valued options take their
// defaults; timeouts and the listener cap are disabled with negative values.
func NewGateway(opt *GatewayOption) *Gateway {
	if opt == nil {
		opt = DefaultGatewayOption()
	}
	o := *opt
	if o.Handler == nil {
		o.Handler = NoopHandler{}
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.PortSIP == 0 {
		o.PortSIP = DefaultSIPPort
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if o.FrameType == "" {
		o.FrameType = FrameAuto
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxListeners == 0 {
		o.MaxListeners = DefaultMaxListeners
	}

	return &Gateway{
		opt:     o,
		log:     o.Logger,
		handler: o.Handler,
		connector: &BackendConnector{
			ConnectTimeout: o.ConnectTimeout,
			Timeout:        o.Timeout,
			MaxListeners:   o.MaxListeners,
			Logger:         o.Logger,
		},
		metrics: NewMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		sessions: make(map[uuid.UUID]*Session),
		ctx:      context.Background(),
		ready:    make(chan struct{}),
		errors:   make(chan error, 1),
	}
}

// Metrics returns the gateway's Prometheus instruments.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

func (g *Gateway) baseContext() context.Context {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ctx
}

// HTTPHandler returns the handler serving WebSocket clients on the
// configured path, and metrics when enabled.
func (g *Gateway) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	if g.opt.MetricsPath != "" {
		mux.Handle(g.opt.MetricsPath, promhttp.HandlerFor(g.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	mux.Handle(g.opt.Path, g)
	return mux
}

// ServeHTTP negotiates the subprotocol, upgrades the connection and runs
// the session until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if r.URL.Path == g.opt.Path {
			fmt.Fprintf(w, "wssip %s is running.\n", Version)
			return
		}
		http.NotFound(w, r)
		return
	}

	offered := websocket.Subprotocols(r)
	protocol := NegotiateSubprotocol(offered)
	if protocol == InvalidProtocol {
		clientIP := getClientIPFromRequest(r)
		g.metrics.HandshakesRejected.Inc()
		g.log.Debug().
			Strs("offered", offered).
			Str("remote_addr", clientIP).
			Msg("Rejected client without SIP subprotocol")
		g.handler.OnError(nil, &SessionError{
			Op:         "handshake",
			RemoteAddr: clientIP,
			Err:        fmt.Errorf("%w: offered %q", ErrProtocolRejected, offered),
		})
		w.Header().Set("Sec-WebSocket-Protocol", InvalidProtocol)
		http.Error(w, InvalidProtocol, http.StatusBadRequest)
		return
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", protocol)
	ws, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		g.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	conn := NewWSConn(ws, g.log)
	conn.SetWriteTimeout(g.opt.WriteTimeout)
	conn.SetClientIPFromRequest(r)
	sess := newSession(g, conn, protocol)
	if !g.addSession(sess) {
		conn.CloseWithReason(websocket.CloseGoingAway, "gateway shutting down")
		return
	}
	g.metrics.sessionOpened()
	sess.log.Debug().Str("subprotocol", protocol).Msg("Client connected")
	g.handler.OnConnect(sess)

	sess.serve()
}

func (g *Gateway) addSession(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions == nil {
		return false
	}
	g.sessions[s.id] = s
	return true
}

func (g *Gateway) removeSession(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, id)
}

// streamClosed returns the listener attached to every backend stream. A
// stream that closes on its own, such as on inactivity, takes the session
// down with it even when the relay goroutines are blocked on the client.
func (g *Gateway) streamClosed(s *Session) StreamListener {
	return func(cause error) {
		s.log.Trace().AnErr("cause", cause).Msg("Backend stream destroyed")
		if cause == nil {
			return
		}
		if errors.Is(cause, ErrInactivityTimeout) {
			g.metrics.BackendErrors.WithLabelValues("timeout").Inc()
		}
		s.Close(newSessionError("read", s, cause))
	}
}

// SessionCount returns the number of live sessions
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Sessions returns a snapshot of the live sessions
func (g *Gateway) Sessions() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// Addr returns the bound listener address, nil before Serve binds.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Serve binds the listener and serves clients until ctx is cancelled or
// Close is called. Bind and TLS failures are returned immediately.
// A Gateway serves once; later calls return ErrAlreadyServing.
func (g *Gateway) Serve(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	return g.serve(ctx)
}

func (g *Gateway) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := net.JoinHostPort(g.opt.Host, strconv.Itoa(g.opt.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	var certs *certReloader
	if g.opt.SSLCert != "" || g.opt.SSLKey != "" {
		certs, err = newCertReloader(g.opt.SSLCert, g.opt.SSLKey, g.log)
		if err != nil {
			listener.Close()
			return fmt.Errorf("load TLS material: %w", err)
		}
		listener = tls.NewListener(listener, certs.TLSConfig())
	}

	handler := g.HTTPHandler()
	if g.log.GetLevel() <= zerolog.TraceLevel && zerolog.GlobalLevel() <= zerolog.TraceLevel {
		handler = requestlog.Wrap(handler)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.mu.Lock()
	if g.sessions == nil {
		g.mu.Unlock()
		listener.Close()
		return fmt.Errorf("gateway closed")
	}
	g.listener = listener
	g.httpServer = server
	g.ctx = ctx
	g.cancelFunc = cancel
	g.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		if err := server.Close(); err != nil {
			g.log.Warn().Err(err).Msg("Error closing WebSocket server")
		}
		g.closeSessions()
		return nil
	})
	if certs != nil {
		group.Go(func() error {
			certs.watch(groupCtx)
			return nil
		})
	}

	scheme := "ws"
	if certs != nil {
		scheme = "wss"
	}
	g.log.Info().
		Str("listen", listener.Addr().String()).
		Str("url", fmt.Sprintf("%s://%s%s", scheme, listener.Addr(), g.opt.Path)).
		Int("sip_port", g.opt.PortSIP).
		Msg("SIP gateway started")
	g.handler.OnListen(listener.Addr())
	close(g.ready)

	return group.Wait()
}

// WaitReady starts Serve in the background and waits until the listener
// is bound, with an optional timeout
func (g *Gateway) WaitReady(ctx context.Context, timeout time.Duration) error {
	if !g.started.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	go func() {
		if err := g.serve(ctx); err != nil {
			g.errors <- err
		}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-g.ready:
		return nil
	case err := <-g.errors:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("timeout waiting for gateway to be ready")
	}
}

// Errors delivers the error Serve stopped with when started by WaitReady.
func (g *Gateway) Errors() <-chan error {
	return g.errors
}

func (g *Gateway) closeSessions() {
	for _, s := range g.Sessions() {
		s.Close(errGatewayShutdown)
	}
}

// Close stops the listener and tears down every live session
func (g *Gateway) Close() {
	g.mu.Lock()
	cancel := g.cancelFunc
	g.cancelFunc = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	g.closeSessions()

	g.mu.Lock()
	g.sessions = nil
	g.mu.Unlock()
	g.log.Info().Msg("Gateway stopped")
}
