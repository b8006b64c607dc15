package transport

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// ErrInvalidTarget is returned for connect targets that are not
// a port, an IPv4 address or host:port.
var ErrInvalidTarget = errors.New("invalid target")

var (
	portPattern     = regexp.MustCompile(`^\d+$`)
	dottedPattern   = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)
	hostPortPattern = regexp.MustCompile(`^[^\s:/]+:\d+$`)
)

// Target is an upstream node address.
type Target struct {
	Host string
	Port int
	SSL  bool
}

// ParseTarget interprets a connect target: a bare port means localhost,
// a dotted quad means port 80, and host:port is used as given.
func ParseTarget(s string, ssl bool) (Target, error) {
	var host, port string
	switch {
	case portPattern.MatchString(s):
		host, port = "localhost", s
	case dottedPattern.MatchString(s):
		if net.ParseIP(s) == nil {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
		}
		host, port = s, "80"
	case hostPortPattern.MatchString(s):
		var err error
		if host, port, err = net.SplitHostPort(s); err != nil {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
		}
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return Target{}, fmt.Errorf("%w: port out of range in %q", ErrInvalidTarget, s)
	}
	return Target{Host: host, Port: n, SSL: ssl}, nil
}

// Addr returns "host:port".
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns the WebSocket URL of the shell endpoint at path.
func (t Target) URL(path string) string {
	if path == "" {
		path = DefaultPath
	}
	scheme := "ws"
	if t.SSL {
		scheme = "wss"
	}
	return scheme + "://" + t.Addr() + path
}

// String returns the address.
func (t Target) String() string { return t.Addr() }
