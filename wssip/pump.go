package wssip

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

func transportError(err error) error {
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// forwardToBackend relays one client message. The first message opens the
// backend stream; later ones are written to it directly.
func (s *Session) forwardToBackend(ctx context.Context, data []byte) error {
	stream, err := s.ensureStream(ctx, data)
	if err != nil {
		return err
	}

	if s.gw.handler.OnReceive(s, data) == Suppress {
		s.gw.metrics.suppressed(ClientToBackend)
		s.log.Trace().Int("size", len(data)).Msg("Client message suppressed")
		return nil
	}

	n, err := stream.Write(data)
	if err != nil {
		return newSessionError("write", s, err)
	}
	s.relayed(ClientToBackend, data[:n])
	return nil
}

// ensureStream returns the backend stream, resolving and connecting it on
// the first call. Only the client read loop calls it.
func (s *Session) ensureStream(ctx context.Context, data []byte) (*Stream, error) {
	if stream := s.Stream(); stream != nil {
		return stream, nil
	}

	if !s.advance(StateInit, StateResolving) {
		return nil, newSessionError("write", s, transportError(ErrStreamClosed))
	}
	dest, err := s.resolve(data)
	if err != nil {
		s.gw.metrics.BackendErrors.WithLabelValues("malformed").Inc()
		return nil, newSessionError("resolve", s, err)
	}

	if !s.advance(StateResolving, StateConnecting) {
		return nil, newSessionError("connect", s, transportError(ErrStreamClosed))
	}
	s.log.Debug().Str("host", dest.Host).Int("port", dest.Port).Msg("Connecting to SIP server")
	stream, err := s.gw.connector.Connect(ctx, dest)
	if err != nil {
		s.gw.metrics.BackendErrors.WithLabelValues("unreachable").Inc()
		return nil, newSessionError("connect", s, err)
	}

	if err := stream.AddListener(s.gw.streamClosed(s)); err != nil {
		stream.Close()
		return nil, newSessionError("connect", s, err)
	}

	s.mu.Lock()
	if !s.advance(StateConnecting, StateStreaming) {
		s.mu.Unlock()
		stream.Close()
		return nil, newSessionError("connect", s, transportError(ErrStreamClosed))
	}
	s.stream = stream
	s.dest = dest
	s.mu.Unlock()

	s.log.Debug().Str("backend", dest.Address()).Msg("Backend stream created")
	s.gw.handler.OnStreamCreate(s, dest)

	go s.backendLoop(stream)
	go s.writeLoop()
	return stream, nil
}

// resolve works out where the session connects to.
func (s *Session) resolve(data []byte) (Destination, error) {
	opt := s.gw.opt
	if opt.HostSIP != "" {
		return Destination{Host: opt.HostSIP, Port: opt.PortSIP}, nil
	}
	dest, err := ParseDestination(data)
	if err != nil {
		return Destination{}, err
	}
	dest.Port = opt.PortSIP
	if opt.HonorTargetPort && dest.TargetPort != 0 {
		dest.Port = dest.TargetPort
	}
	return dest, nil
}

// backendLoop reads chunks from the backend and queues them for the client.
// It is the only sender on outbound and closes it when the backend is done.
func (s *Session) backendLoop(stream *Stream) {
	defer close(s.outbound)

	buffer := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buffer)

	for {
		n, err := stream.Read(*buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, (*buffer)[:n])

			if s.gw.handler.OnSend(s, data) == Suppress {
				s.gw.metrics.suppressed(BackendToClient)
				s.log.Trace().Int("size", n).Msg("Backend chunk suppressed")
			} else {
				// A full queue blocks here, which stops reading the backend
				// until the client catches up.
				select {
				case s.outbound <- data:
				case <-stream.Done():
					s.backendErr = newSessionError("read", s, stream.closeCause())
					return
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrStreamClosed):
				s.log.Trace().Msg("Backend stream closed locally")
			case errors.Is(err, ErrInactivityTimeout):
				s.backendErr = newSessionError("read", s, err)
			case isExpectedCloseError(err):
				s.log.Debug().Msg("SIP server closed the connection")
				s.backendErr = newSessionError("read", s, err)
			default:
				s.log.Debug().Err(err).Msg("Backend read error")
				s.backendErr = newSessionError("read", s, transportError(err))
			}
			return
		}
	}
}

// writeLoop sends queued backend chunks to the client, one message each.
// Once the backend is done and the queue drained it closes the session.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data, ok := <-s.outbound:
			if !ok {
				s.Close(s.backendErr)
				return
			}
			if err := s.ws.SyncWrite(s.frameType(), data); err != nil {
				s.Close(newSessionError("write", s, transportError(err)))
				return
			}
			s.relayed(BackendToClient, data)
		}
	}
}

func (s *Session) frameType() int {
	switch s.gw.opt.FrameType {
	case FrameText:
		return websocket.TextMessage
	case FrameBinary:
		return websocket.BinaryMessage
	}
	return int(s.lastFrameType.Load())
}

func (s *Session) relayed(dir Direction, data []byte) {
	s.gw.metrics.relayed(dir, len(data))
	s.logChunk(dir, data)
	s.gw.handler.OnTransfer(s, dir, len(data))
}

// logChunk traces a relayed chunk with a short SIP summary when it parses.
func (s *Session) logChunk(dir Direction, data []byte) {
	if !s.log.Trace().Enabled() {
		return
	}
	ev := s.log.Trace().Str("direction", dir.String()).Int("size", len(data))
	if summary := describeSIP(data); summary != "" {
		ev = ev.Str("sip", summary)
	}
	ev.Msg("Relayed chunk")
}
