package wssip

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrProtocolRejected is reported when a client offers no SIP subprotocol.
	ErrProtocolRejected = errors.New("subprotocol rejected")

	// ErrMalformedRequest is returned when the first client message has no
	// usable request target.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrBackendUnreachable is returned when the SIP server cannot be dialed.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrTransport wraps read and write failures once a session is streaming.
	ErrTransport = errors.New("transport error")

	ErrInactivityTimeout = errors.New("inactivity timeout")
	ErrTooManyListeners  = errors.New("too many stream listeners")
	ErrStreamClosed      = errors.New("stream closed")

	// ErrAlreadyServing is returned by a second call to Gateway.Serve.
	ErrAlreadyServing = errors.New("gateway already serving")
)

// SessionError wraps an error with the session it happened in.
type SessionError struct {
	Op         string // resolve, connect, write, read, listen
	SessionID  string
	RemoteAddr string
	Err        error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

func newSessionError(op string, s *Session, err error) error {
	if err == nil {
		return nil
	}
	se := &SessionError{Op: op, Err: err}
	if s != nil {
		se.SessionID = s.ID().String()
		se.RemoteAddr = s.RemoteAddr()
	}
	return se
}

// isExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, connection reset or a
// regular WebSocket close frame.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrStreamClosed) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
