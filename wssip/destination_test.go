package wssip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		host       string
		targetPort int
	}{
		{"register extension", "REGISTER sip:1001@192.168.1.10 SIP/2.0\r\n", "192.168.1.10", 0},
		{"invite host only", "INVITE sip:intercom SIP/2.0\r\n", "intercom", 0},
		{"register with user", "REGISTER sip:alice@example.com SIP/2.0\r\nVia: x\r\n\r\n", "example.com", 0},
		{"invite with params", "INVITE sip:bob@pbx.example.com;transport=ws SIP/2.0\r\n", "pbx.example.com", 0},
		{"host only", "OPTIONS sip:intercom SIP/2.0\r\n", "intercom", 0},
		{"port suffix", "INVITE sip:bob@10.0.0.5:5080;transport=tcp SIP/2.0\r\n", "10.0.0.5", 5080},
		{"host only with port", "OPTIONS sip:10.1.1.1:5070 SIP/2.0\r\n", "10.1.1.1", 5070},
		{"ipv6", "INVITE sip:bob@[2001:db8::1] SIP/2.0\r\n", "2001:db8::1", 0},
		{"ipv6 with port", "INVITE sip:bob@[::1]:5062 SIP/2.0\r\n", "::1", 5062},
		{"headers in uri", "INVITE sip:bob@host.example?subject=hi SIP/2.0\r\n", "host.example", 0},
		{"sips scheme", "REGISTER sips:carol@secure.example SIP/2.0\r\n", "secure.example", 0},
		{"single line", "MESSAGE sip:dave@chat.example SIP/2.0", "chat.example", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, err := ParseDestination([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.host, dest.Host)
			assert.Equal(t, tt.targetPort, dest.TargetPort)
			assert.Zero(t, dest.Port)
		})
	}
}

func TestParseDestinationMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"single token", "hello"},
		{"no delimiter", "OPTIONS intercom SIP/2.0\r\n"},
		{"empty host", "INVITE sip:bob@;transport=tcp SIP/2.0\r\n"},
		{"bad port", "INVITE sip:bob@host:abc SIP/2.0\r\n"},
		{"port out of range", "INVITE sip:bob@host:70000 SIP/2.0\r\n"},
		{"unterminated ipv6", "INVITE sip:bob@[::1 SIP/2.0\r\n"},
		{"target on second line", "INVITE\r\nsip:bob@host SIP/2.0\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDestination([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
}

func TestDestinationAddress(t *testing.T) {
	assert.Equal(t, "pbx.example.com:5060", Destination{Host: "pbx.example.com", Port: 5060}.Address())
	assert.Equal(t, "[::1]:5060", Destination{Host: "::1", Port: 5060}.String())
}
