package wssip

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateInit SessionState = iota
	StateResolving
	StateConnecting
	StateStreaming
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// errGatewayShutdown closes sessions when the gateway stops.
var errGatewayShutdown = errors.New("gateway shutting down")

// Session relays one WebSocket client to one backend stream.
type Session struct {
	id          uuid.UUID
	gw          *Gateway
	ws          *WSConn
	subprotocol string
	createdAt   time.Time
	log         zerolog.Logger

	state atomic.Int32

	// mu guards stream, dest and cause
	mu     sync.Mutex
	stream *Stream
	dest   Destination
	cause  error

	lastFrameType atomic.Int32
	outbound      chan []byte
	backendErr    error // set by backendLoop before it closes outbound

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(gw *Gateway, ws *WSConn, subprotocol string) *Session {
	id := uuid.New()
	s := &Session{
		id:          id,
		gw:          gw,
		ws:          ws,
		subprotocol: subprotocol,
		createdAt:   time.Now(),
		log: gw.log.With().
			Str("session_id", id.String()).
			Str("remote_addr", ws.GetClientIP()).
			Logger(),
		outbound: make(chan []byte, gw.opt.OutboundQueueSize),
		done:     make(chan struct{}),
	}
	s.lastFrameType.Store(websocket.TextMessage)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// RemoteAddr returns the client IP address.
func (s *Session) RemoteAddr() string {
	return s.ws.GetClientIP()
}

// Subprotocol returns the negotiated WebSocket subprotocol.
func (s *Session) Subprotocol() string {
	return s.subprotocol
}

// CreatedAt returns when the client was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Destination returns the resolved backend, and false before resolution.
func (s *Session) Destination() (Destination, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dest, s.stream != nil
}

// Stream returns the backend stream, nil until the first client message
// has been processed.
func (s *Session) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cause returns the error that closed the session, nil while open or
// after a regular client close.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) advance(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Close tears the session down: it closes the backend stream if any, closes
// the client connection and calls OnDisconnect. Only the first call has an
// effect; cause should be nil for a regular client close.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosed))
		s.cause = cause
		stream := s.stream
		s.mu.Unlock()

		close(s.done)
		if stream != nil {
			stream.Close()
		}
		code, reason := closeCodeFor(cause)
		s.ws.CloseWithReason(code, reason)

		if isReportable(cause) {
			s.log.Debug().Err(cause).Msg("Session failed")
			s.gw.handler.OnError(s, cause)
		}

		ev := s.log.Debug().Str("duration", time.Since(s.createdAt).Round(time.Millisecond).String())
		if stream != nil {
			ev = ev.Str("sent", sizestr.ToString(stream.BytesSent())).
				Str("received", sizestr.ToString(stream.BytesReceived()))
		}
		ev.Msg("Session closed")

		s.gw.metrics.sessionClosed(s.createdAt, outcomeOf(cause))
		s.gw.removeSession(s.id)
		s.gw.handler.OnDisconnect(s, cause)
	})
}

// serve runs the client read loop until the client goes away or the
// session is closed. It always leaves the session closed.
func (s *Session) serve() {
	var cause error
	defer func() { s.Close(cause) }()

	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.State() != StateClosed && !isExpectedCloseError(err) {
				cause = newSessionError("read", s, transportError(err))
			}
			return
		}
		s.lastFrameType.Store(int32(messageType))
		if err := s.forwardToBackend(s.gw.baseContext(), data); err != nil {
			cause = err
			return
		}
	}
}

func closeCodeFor(cause error) (int, string) {
	switch {
	case cause == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(cause, errGatewayShutdown):
		return websocket.CloseGoingAway, "gateway shutting down"
	case errors.Is(cause, ErrInactivityTimeout):
		return websocket.CloseGoingAway, "inactivity timeout"
	case errors.Is(cause, ErrMalformedRequest):
		return websocket.CloseProtocolError, "malformed request"
	case errors.Is(cause, ErrBackendUnreachable):
		return websocket.CloseTryAgainLater, "backend unreachable"
	case isExpectedCloseError(cause):
		return websocket.CloseGoingAway, "backend closed"
	}
	return websocket.CloseInternalServerErr, "transport error"
}

func outcomeOf(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, errGatewayShutdown), isExpectedCloseError(cause):
		return "closed"
	case errors.Is(cause, ErrInactivityTimeout):
		return "timeout"
	case errors.Is(cause, ErrMalformedRequest):
		return "malformed"
	case errors.Is(cause, ErrBackendUnreachable):
		return "unreachable"
	case errors.Is(cause, ErrTransport):
		return "transport"
	}
	return "error"
}

// isReportable tells whether cause is a failure worth an OnError call, as
// opposed to one of the regular ways a session ends.
func isReportable(cause error) bool {
	return cause != nil &&
		!isExpectedCloseError(cause) &&
		!errors.Is(cause, ErrInactivityTimeout) &&
		!errors.Is(cause, errGatewayShutdown)
}
