package wssip

import "strings"

const (
	// SubprotocolSIP is the subprotocol name answered to accepted clients.
	SubprotocolSIP = "sip"

	// InvalidProtocol is answered in the handshake when no offered
	// subprotocol names SIP.
	InvalidProtocol = "invalid_protocol"
)

// NegotiateSubprotocol picks the subprotocol for a WebSocket handshake.
// Any offered name containing "sip" (case-sensitive) is enough to accept
// the connection, and the answer is always SubprotocolSIP. Otherwise it
// returns InvalidProtocol.
func NegotiateSubprotocol(offered []string) string {
	for _, p := range offered {
		if strings.Contains(p, SubprotocolSIP) {
			return SubprotocolSIP
		}
	}
	return InvalidProtocol
}
