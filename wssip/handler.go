package wssip

import "net"

// Verdict tells the relay what to do with an intercepted chunk.
type Verdict int

const (
	// Forward relays the chunk unchanged.
	Forward Verdict = iota
	// Suppress drops the chunk.
	Suppress
)

func (v Verdict) String() string {
	if v == Suppress {
		return "suppress"
	}
	return "forward"
}

// Direction of a relayed chunk.
type Direction int

const (
	// ClientToBackend is data read from the WebSocket and written to the SIP server.
	ClientToBackend Direction = iota
	// BackendToClient is data read from the SIP server and sent to the WebSocket.
	BackendToClient
)

func (d Direction) String() string {
	if d == BackendToClient {
		return "backend->client"
	}
	return "client->backend"
}

// Handler receives gateway and session events. Hooks run on the session's
// own goroutines, so a slow hook only stalls its session.
//
// OnSend and OnReceive intercept data before it is relayed and may return
// Suppress to drop it. The data slice must not be retained or modified.
type Handler interface {
	// OnListen is called once the listener is bound.
	OnListen(addr net.Addr)

	// OnConnect is called when a WebSocket client is accepted.
	OnConnect(s *Session)

	// OnStreamCreate is called after the backend stream of s is opened.
	OnStreamCreate(s *Session, dest Destination)

	// OnSend intercepts a chunk from the backend before it reaches the client.
	OnSend(s *Session, data []byte) Verdict

	// OnReceive intercepts a client message before it reaches the backend.
	OnReceive(s *Session, data []byte) Verdict

	// OnTransfer is called after n bytes were relayed in direction dir.
	OnTransfer(s *Session, dir Direction, n int)

	// OnError reports a session level failure. s is nil for handshake
	// rejections, which happen before a session exists.
	OnError(s *Session, err error)

	// OnDisconnect is called exactly once when s is torn down. cause is nil
	// for a regular client close.
	OnDisconnect(s *Session, cause error)
}

// NoopHandler forwards everything and ignores all events. Embed it to
// implement only some hooks.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (NoopHandler) OnListen(net.Addr) {}
func (NoopHandler) OnConnect(*Session) {}
func (NoopHandler) OnStreamCreate(*Session, Destination) {}
func (NoopHandler) OnSend(*Session, []byte) Verdict { return Forward }
func (NoopHandler) OnReceive(*Session, []byte) Verdict { return Forward }
func (NoopHandler) OnTransfer(*Session, Direction, int) {}
func (NoopHandler) OnError(*Session, error) {}
func (NoopHandler) OnDisconnect(*Session, error) {}

// HandlerFuncs adapts optional functions to a Handler. Nil fields are
// skipped; nil OnSend and OnReceive forward.
type HandlerFuncs struct {
	Listen       func(addr net.Addr)
	Connect      func(s *Session)
	StreamCreate func(s *Session, dest Destination)
	Send         func(s *Session, data []byte) Verdict
	Receive      func(s *Session, data []byte) Verdict
	Transfer     func(s *Session, dir Direction, n int)
	Error        func(s *Session, err error)
	Disconnect   func(s *Session, cause error)
}

var _ Handler = (*HandlerFuncs)(nil)

func (h *HandlerFuncs) OnListen(addr net.Addr) {
	if h.Listen != nil {
		h.Listen(addr)
	}
}

func (h *HandlerFuncs) OnConnect(s *Session) {
	if h.Connect != nil {
		h.Connect(s)
	}
}

func (h *HandlerFuncs) OnStreamCreate(s *Session, dest Destination) {
	if h.StreamCreate != nil {
		h.StreamCreate(s, dest)
	}
}

func (h *HandlerFuncs) OnSend(s *Session, data []byte) Verdict {
	if h.Send != nil {
		return h.Send(s, data)
	}
	return Forward
}

func (h *HandlerFuncs) OnReceive(s *Session, data []byte) Verdict {
	if h.Receive != nil {
		return h.Receive(s, data)
	}
	return Forward
}

func (h *HandlerFuncs) OnTransfer(s *Session, dir Direction, n int) {
	if h.Transfer != nil {
		h.Transfer(s, dir, n)
	}
}

func (h *HandlerFuncs) OnError(s *Session, err error) {
	if h.Error != nil {
		h.Error(s, err)
	}
}

func (h *HandlerFuncs) OnDisconnect(s *Session, cause error) {
	if h.Disconnect != nil {
		h.Disconnect(s, cause)
	}
}
