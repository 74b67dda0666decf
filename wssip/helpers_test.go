package wssip

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// getFreePort returns a free port number
func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// createPrefixedLogger creates a zerolog.Logger with customized level prefixes
func createPrefixedLogger(prefix string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out: os.Stdout,
		FormatLevel: func(i interface{}) string {
			logLevel, _ := i.(string)
			if len(logLevel) > 3 {
				logLevel = logLevel[:3]
			}
			return fmt.Sprintf("%s %s", prefix, logLevel)
		},
	}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// backendServer is a TCP SIP server stand-in that records what it
// receives and echoes it back unless told otherwise.
type backendServer struct {
	listener net.Listener
	accepted atomic.Int32

	mu       sync.Mutex
	conns    []net.Conn
	received []byte
	echo     bool
	flood    bool
}

func startBackend(t *testing.T, echo bool) *backendServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &backendServer{listener: l, echo: echo}
	go b.serve()
	t.Cleanup(b.Close)
	return b
}

// startFloodingBackend returns a backend that answers the first request
// with an endless stream of 32 KiB chunks.
func startFloodingBackend(t *testing.T) *backendServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &backendServer{listener: l, flood: true}
	go b.serve()
	t.Cleanup(b.Close)
	return b
}

func (b *backendServer) serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.accepted.Add(1)
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		go b.handle(conn)
	}
}

func (b *backendServer) handle(conn net.Conn) {
	buf := make([]byte, 4096)
	if b.flood {
		if _, err := conn.Read(buf); err != nil {
			return
		}
		chunk := bytes.Repeat([]byte("x"), 32*1024)
		for {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.received = append(b.received, buf[:n]...)
			b.mu.Unlock()
			if b.echo {
				if _, err := conn.Write(buf[:n]); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *backendServer) Port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

func (b *backendServer) Received() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.received...)
}

// Send writes data to every accepted connection.
func (b *backendServer) Send(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_, _ = c.Write(data)
	}
}

// CloseConns closes accepted connections, leaving the listener open.
func (b *backendServer) CloseConns() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

func (b *backendServer) Close() {
	b.listener.Close()
	b.CloseConns()
}

func testGatewayOption(backendPort int) *GatewayOption {
	return DefaultGatewayOption().
		WithHost("127.0.0.1").
		WithPort(0).
		WithPortSIP(backendPort).
		WithConnectTimeout(2 * time.Second).
		WithLogger(createPrefixedLogger("GW"))
}

func startGateway(t *testing.T, opt *GatewayOption) *Gateway {
	t.Helper()
	gw := NewGateway(opt)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, gw.WaitReady(ctx, 5*time.Second))
	t.Cleanup(func() {
		gw.Close()
		cancel()
	})
	return gw
}

func gatewayURL(gw *Gateway) string {
	return fmt.Sprintf("ws://%s%s", gw.Addr(), gw.opt.Path)
}

func dialGateway(t *testing.T, gw *Gateway, subprotocols ...string) *websocket.Conn {
	t.Helper()
	if len(subprotocols) == 0 {
		subprotocols = []string{SubprotocolSIP}
	}
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	ws, _, err := dialer.Dial(gatewayURL(gw), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return messageType, data
}

// readClose reads until the gateway closes the connection and returns
// the close frame it sent.
func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		return closeErr
	}
}

func sipRequest(method, target string) []byte {
	return []byte(method + " " + target + " SIP/2.0\r\n" +
		"Via: SIP/2.0/WS client.invalid;branch=z9hG4bK776asdhds\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: <sip:alice@example.com>;tag=1928301774\r\n" +
		"To: <" + target + ">\r\n" +
		"Call-ID: a84b4c76e66710\r\n" +
		"CSeq: 1 " + method + "\r\n" +
		"Content-Length: 0\r\n\r\n")
}

// recorder is a Handler that records events for assertions.
type recorder struct {
	NoopHandler

	mu          sync.Mutex
	errs        []error
	disconnects []error
	streams     []Destination
	listening   net.Addr

	disconnected chan struct{}
	once         sync.Once
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan struct{})}
}

func (r *recorder) OnListen(addr net.Addr) {
	r.mu.Lock()
	r.listening = addr
	r.mu.Unlock()
}

func (r *recorder) OnStreamCreate(s *Session, dest Destination) {
	r.mu.Lock()
	r.streams = append(r.streams, dest)
	r.mu.Unlock()
}

func (r *recorder) OnError(s *Session, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) OnDisconnect(s *Session, cause error) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, cause)
	r.mu.Unlock()
	r.once.Do(func() { close(r.disconnected) })
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Disconnects() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

func (r *recorder) Streams() []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Destination(nil), r.streams...)
}

func (r *recorder) waitDisconnect(t *testing.T) {
	t.Helper()
	select {
	case <-r.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}
}
