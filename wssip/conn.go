package wssip

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// MaxWebSocketMessageSize bounds a single client message. SIP messages
	// over WebSocket are far smaller.
	MaxWebSocketMessageSize = 1 << 20

	closeWriteTimeout = time.Second

	// DefaultWriteTimeout bounds a single data write to a client.
	DefaultWriteTimeout = 10 * time.Second
)

// WSConn wraps a websocket.Conn with mutex protected writes
type WSConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	clientIP  string
}

// NewWSConn creates a new mutex-protected websocket connection
func NewWSConn(conn *websocket.Conn, logger zerolog.Logger) *WSConn {
	conn.SetReadLimit(MaxWebSocketMessageSize)
	conn.SetPingHandler(func(appData string) error {
		logger.Trace().Msg("Received ping")
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(closeWriteTimeout))
	})
	return &WSConn{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// SetWriteTimeout sets the deadline applied to each data write, 0 disables it
func (c *WSConn) SetWriteTimeout(timeout time.Duration) {
	c.mu.Lock()
	c.writeTimeout = timeout
	c.mu.Unlock()
}

// GetClientIP returns the client IP address
func (c *WSConn) GetClientIP() string {
	return c.clientIP
}

// SetClientIPFromRequest extracts and sets the client IP from HTTP request
func (c *WSConn) SetClientIPFromRequest(r *http.Request) {
	c.clientIP = getClientIPFromRequest(r)
}

// getClientIPFromRequest extracts client IP from HTTP request
func getClientIPFromRequest(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}

	// X-Forwarded-For can contain multiple IPs, take the first one
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx != -1 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Subprotocol returns the negotiated subprotocol
func (c *WSConn) Subprotocol() string {
	return c.conn.Subprotocol()
}

// SyncWrite performs a thread-safe data message write. A client that does
// not read within the write timeout fails the write.
func (c *WSConn) SyncWrite(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(messageType, data)
}

// SyncWriteControl writes a control message. It does not take the data
// write lock, so it never waits behind a stalled SyncWrite.
func (c *WSConn) SyncWriteControl(messageType int, data []byte, deadline time.Time) error {
	return c.conn.WriteControl(messageType, data, deadline)
}

// ReadMessage reads the next data message. Only one goroutine may read.
func (c *WSConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// CloseWithReason sends a close frame, best effort, and closes the
// connection. Later calls are no-ops.
func (c *WSConn) CloseWithReason(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		err = c.conn.Close()
	})
	return err
}

// Close closes the underlying websocket connection
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
