package wssip

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultSIPPort is the backend TCP port used when none is configured.
const DefaultSIPPort = 5060

// Destination is the backend a session relays to.
type Destination struct {
	Host string
	// Port is the TCP port that is dialed.
	Port int
	// TargetPort is the port suffix found in the request target, 0 if none.
	// It is stripped from Host and only dialed when HonorTargetPort is set.
	TargetPort int
}

// Address returns the host:port string to dial.
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	return d.Address()
}

// ParseDestination extracts the backend host from the first message a
// client sends. The request target is the second whitespace separated
// token of the first line. Its host is the text after '@' when present
// (sip:user@host), or after the first ':' otherwise (sip:host). URI
// parameters and an embedded port suffix are stripped from the host; the
// port is kept in TargetPort. Port is left 0 for the caller to fill in.
func ParseDestination(data []byte) (Destination, error) {
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return Destination{}, fmt.Errorf("%w: request line has %d tokens", ErrMalformedRequest, len(fields))
	}
	target := fields[1]

	delim := "@"
	if !strings.Contains(target, delim) {
		delim = ":"
	}
	_, rest, found := strings.Cut(target, delim)
	if !found {
		return Destination{}, fmt.Errorf("%w: no host delimiter in target %q", ErrMalformedRequest, target)
	}
	if i := strings.IndexAny(rest, ";?>"); i >= 0 {
		rest = rest[:i]
	}

	host, port, err := splitTargetHost(rest)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: target %q: %v", ErrMalformedRequest, target, err)
	}
	if host == "" {
		return Destination{}, fmt.Errorf("%w: empty host in target %q", ErrMalformedRequest, target)
	}
	return Destination{Host: host, TargetPort: port}, nil
}

// splitTargetHost separates "host", "host:port", "[v6]" and "[v6]:port".
func splitTargetHost(s string) (string, int, error) {
	var host, portStr string
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated IPv6 literal")
		}
		host = s[1:end]
		tail := s[end+1:]
		if tail != "" {
			if tail[0] != ':' {
				return "", 0, fmt.Errorf("unexpected %q after IPv6 literal", tail)
			}
			portStr = tail[1:]
		}
	} else {
		host, portStr, _ = strings.Cut(s, ":")
	}
	if portStr == "" {
		return host, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
