// Package wssip implements a WebSocket to SIP over TCP gateway.
//
// Browser softphones speak SIP over WebSocket (RFC 7118) while many SIP
// servers only accept TCP. A Gateway accepts WebSocket clients that offer
// the "sip" subprotocol, reads the destination from the first SIP message
// of each client and relays bytes in both directions over one TCP
// connection per client.
//
// Basic usage:
//
//	import "github.com/wssip/wssip/wssip"
//
//	opt := wssip.DefaultGatewayOption().
//		WithPort(8088).
//		WithPortSIP(5060).
//		WithHandler(&wssip.HandlerFuncs{
//			Receive: func(s *wssip.Session, data []byte) wssip.Verdict {
//				return wssip.Forward
//			},
//		})
//
//	gateway := wssip.NewGateway(opt)
//	if err := gateway.Serve(context.Background()); err != nil {
//		log.Fatal(err)
//	}

package wssip
