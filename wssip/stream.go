package wssip

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxListeners   = 1000

	// DefaultBufferSize is the size of the buffers used to read the backend.
	DefaultBufferSize = 32 * 1024
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, DefaultBufferSize)
		return &b
	},
}

// StreamListener is notified once when a Stream closes. The error is the
// close cause: nil for a local Close, ErrInactivityTimeout, io.EOF or the
// transport error that ended the stream.
type StreamListener func(cause error)

// Stream is a TCP connection to a SIP server with an inactivity watchdog.
// Any byte read or written re-arms the watchdog; when it fires the
// connection is closed with ErrInactivityTimeout.
type Stream struct {
	conn         net.Conn
	dest         Destination
	timeout      time.Duration
	maxListeners int
	log          zerolog.Logger

	mu        sync.Mutex
	listeners []StreamListener
	watchdog  *time.Timer
	closed    bool
	cause     error
	done      chan struct{}

	sent     atomic.Int64
	received atomic.Int64
}

func newStream(conn net.Conn, dest Destination, timeout time.Duration, maxListeners int, logger zerolog.Logger) *Stream {
	s := &Stream{
		conn:         conn,
		dest:         dest,
		timeout:      timeout,
		maxListeners: maxListeners,
		log:          logger,
		done:         make(chan struct{}),
	}
	if timeout > 0 {
		s.watchdog = time.AfterFunc(timeout, func() {
			s.log.Debug().Dur("timeout", timeout).Msg("Backend stream inactive, closing")
			s.closeWith(ErrInactivityTimeout)
		})
	}
	return s
}

// Destination returns the address the stream is connected to.
func (s *Stream) Destination() Destination {
	return s.dest
}

// AddListener registers fn to run when the stream closes. Listeners added
// after close run immediately.
func (s *Stream) AddListener(fn StreamListener) error {
	s.mu.Lock()
	if s.closed {
		cause := s.cause
		s.mu.Unlock()
		fn(cause)
		return nil
	}
	if s.maxListeners > 0 && len(s.listeners) >= s.maxListeners {
		s.mu.Unlock()
		return fmt.Errorf("%w: limit %d", ErrTooManyListeners, s.maxListeners)
	}
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
	return nil
}

func (s *Stream) touch() {
	if s.watchdog != nil {
		s.watchdog.Reset(s.timeout)
	}
}

// Read reads the next chunk from the backend.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.received.Add(int64(n))
		s.touch()
	}
	if err != nil {
		if c := s.closeCause(); c != nil {
			return n, c
		}
	}
	return n, err
}

// Write writes p to the backend verbatim. Writing to a closed stream fails
// with an error wrapping ErrTransport.
func (s *Stream) Write(p []byte) (int, error) {
	if c := s.closeCause(); c != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, c)
	}
	n, err := s.conn.Write(p)
	if n > 0 {
		s.sent.Add(int64(n))
		s.touch()
	}
	if err != nil {
		if c := s.closeCause(); c != nil {
			err = c
		}
		return n, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return n, nil
}

// closeCause returns the reason the stream closed, or nil while it is open.
func (s *Stream) closeCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	if s.cause == nil {
		return ErrStreamClosed
	}
	return s.cause
}

// Done is closed once the stream has been closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close closes the backend connection. It is safe to call more than once.
func (s *Stream) Close() error {
	return s.closeWith(nil)
}

func (s *Stream) closeWith(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cause = cause
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	err := s.conn.Close()
	close(s.done)

	for _, fn := range listeners {
		fn(cause)
	}
	return err
}

// BytesSent returns the number of bytes written to the backend.
func (s *Stream) BytesSent() int64 {
	return s.sent.Load()
}

// BytesReceived returns the number of bytes read from the backend.
func (s *Stream) BytesReceived() int64 {
	return s.received.Load()
}

// BackendConnector opens backend streams.
type BackendConnector struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration
	MaxListeners   int
	Logger         zerolog.Logger
}

// Connect dials dest over TCP. Failures wrap ErrBackendUnreachable.
func (c *BackendConnector) Connect(ctx context.Context, dest Destination) (*Stream, error) {
	dialer := net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", dest.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackendUnreachable, dest.Address(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return newStream(conn, dest, c.Timeout, c.MaxListeners, c.Logger), nil
}
