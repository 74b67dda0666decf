package wssip

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// describeSIP returns a one-line summary of a SIP message for trace logs,
// or "" when data does not parse as a single SIP message.
func describeSIP(data []byte) string {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return ""
	}

	var (
		summary string
		callID  *sip.CallIDHeader
	)
	switch m := msg.(type) {
	case *sip.Request:
		summary = string(m.Method) + " " + m.Recipient.String()
		callID = m.CallID()
	case *sip.Response:
		summary = fmt.Sprintf("%d %s", m.StatusCode, m.Reason)
		callID = m.CallID()
	default:
		return ""
	}
	if callID != nil {
		summary += " call-id=" + callID.Value()
	}
	return summary
}

// BuildOptionsRequest returns a SIP OPTIONS request addressed to target,
// framed for sending over a WebSocket. target is a SIP URI such as
// "sip:alice@pbx.example.com".
func BuildOptionsRequest(target string) ([]byte, error) {
	if !strings.HasPrefix(target, "sip:") && !strings.HasPrefix(target, "sips:") {
		target = "sip:" + target
	}
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if recipient.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrMalformedRequest, target)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.AppendHeader(sip.NewHeader("Via", "SIP/2.0/WS wssip.invalid;branch="+sip.GenerateBranch()))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "wssip", Host: "wssip.invalid"},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: recipient,
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.AppendHeader(sip.NewHeader("User-Agent", "wssip/"+Version))
	req.AppendHeader(sip.NewHeader("Content-Length", "0"))

	return []byte(req.String()), nil
}
