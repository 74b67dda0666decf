package wssip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ProbeOption represents configuration options for Probe
type ProbeOption struct {
	URL          string
	Subprotocols []string
	Timeout      time.Duration
	Insecure     bool
	Binary       bool
	Logger       zerolog.Logger
}

// DefaultProbeOption returns default probe options
func DefaultProbeOption() *ProbeOption {
	return &ProbeOption{
		URL:          "ws://localhost:8088",
		Subprotocols: []string{SubprotocolSIP},
		Timeout:      5 * time.Second,
		Logger:       zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

// WithURL sets the gateway URL
func (o *ProbeOption) WithURL(url string) *ProbeOption {
	o.URL = url
	return o
}

// WithSubprotocols sets the subprotocols offered in the handshake
func (o *ProbeOption) WithSubprotocols(protocols ...string) *ProbeOption {
	o.Subprotocols = protocols
	return o
}

// WithTimeout bounds the whole probe
func (o *ProbeOption) WithTimeout(timeout time.Duration) *ProbeOption {
	o.Timeout = timeout
	return o
}

// WithInsecure skips TLS certificate verification
func (o *ProbeOption) WithInsecure(insecure bool) *ProbeOption {
	o.Insecure = insecure
	return o
}

// WithBinary sends the payload as a binary message
func (o *ProbeOption) WithBinary(binary bool) *ProbeOption {
	o.Binary = binary
	return o
}

// WithLogger sets the logger
func (o *ProbeOption) WithLogger(logger zerolog.Logger) *ProbeOption {
	o.Logger = logger
	return o
}

// convertWSURL converts HTTP(S) URLs to WS(S) URLs
func convertWSURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

// Probe connects to a gateway, sends payload as one message and returns
// the first message that comes back. A handshake refused for lacking the
// SIP subprotocol yields ErrProtocolRejected.
func Probe(ctx context.Context, opt *ProbeOption, payload []byte) ([]byte, error) {
	if opt == nil {
		opt = DefaultProbeOption()
	}
	if opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.Timeout)
		defer cancel()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opt.Timeout,
		Subprotocols:     opt.Subprotocols,
	}
	if opt.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	wsURL := convertWSURL(opt.URL)
	opt.Logger.Debug().Str("url", wsURL).Strs("subprotocols", opt.Subprotocols).Msg("Probing gateway")

	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			resp.Header.Get("Sec-WebSocket-Protocol") == InvalidProtocol {
			return nil, fmt.Errorf("%w: status %d", ErrProtocolRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn := NewWSConn(ws, opt.Logger)
	defer conn.CloseWithReason(websocket.CloseNormalClosure, "")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	messageType := websocket.TextMessage
	if opt.Binary {
		messageType = websocket.BinaryMessage
	}
	if err := conn.SyncWrite(messageType, payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, fmt.Errorf("gateway closed the session: %d %s", closeErr.Code, closeErr.Text)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	opt.Logger.Debug().Int("size", len(reply)).Str("sip", describeSIP(reply)).Msg("Probe reply")
	return reply, nil
}
