package wssip

import (
	"fmt"
	"io"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestCloseCodeFor(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		code    int
		outcome string
	}{
		{"client close", nil, websocket.CloseNormalClosure, "closed"},
		{"shutdown", errGatewayShutdown, websocket.CloseGoingAway, "closed"},
		{"timeout", &SessionError{Op: "read", Err: ErrInactivityTimeout}, websocket.CloseGoingAway, "timeout"},
		{"backend eof", &SessionError{Op: "read", Err: io.EOF}, websocket.CloseGoingAway, "closed"},
		{"malformed", &SessionError{Op: "resolve", Err: fmt.Errorf("%w: x", ErrMalformedRequest)}, websocket.CloseProtocolError, "malformed"},
		{"unreachable", &SessionError{Op: "connect", Err: fmt.Errorf("%w: x", ErrBackendUnreachable)}, websocket.CloseTryAgainLater, "unreachable"},
		{"transport", transportError(fmt.Errorf("boom")), websocket.CloseInternalServerErr, "transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := closeCodeFor(tt.cause)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.outcome, outcomeOf(tt.cause))
		})
	}
}

func TestIsReportable(t *testing.T) {
	assert.False(t, isReportable(nil))
	assert.False(t, isReportable(io.EOF))
	assert.False(t, isReportable(ErrInactivityTimeout))
	assert.False(t, isReportable(errGatewayShutdown))
	assert.True(t, isReportable(ErrMalformedRequest))
	assert.True(t, isReportable(transportError(fmt.Errorf("boom"))))
}

func TestTransportErrorWrapsOnce(t *testing.T) {
	err := transportError(io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Same(t, err, transportError(err))
}

func TestSessionErrorMessage(t *testing.T) {
	err := &SessionError{Op: "connect", SessionID: "abc", RemoteAddr: "10.0.0.1", Err: ErrBackendUnreachable}
	assert.Equal(t, "connect [abc] 10.0.0.1: backend unreachable", err.Error())
	assert.ErrorIs(t, err, ErrBackendUnreachable)

	assert.Equal(t, "handshake 10.0.0.1: subprotocol rejected",
		(&SessionError{Op: "handshake", RemoteAddr: "10.0.0.1", Err: ErrProtocolRejected}).Error())
	assert.Nil(t, newSessionError("read", nil, nil))
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "closed", StateClosed.String())
}
