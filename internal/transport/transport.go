// Package transport carries relay envelopes between muti-shell nodes over WebSocket.
package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/postalsys/muti-shell/internal/protocol"
)

const (
	// DefaultPath is the HTTP path of the shell endpoint.
	DefaultPath = "/shell"

	// Subprotocol is the WebSocket subprotocol offered and accepted by nodes.
	Subprotocol = "muti-shell/1"
)

// Conn is one bidirectional envelope link between two nodes.
type Conn interface {
	// Send writes one envelope.
	Send(ctx context.Context, env *protocol.Envelope) error

	// Receive blocks for the next envelope.
	Receive(ctx context.Context) (*protocol.Envelope, error)

	// Close terminates the link.
	Close() error

	// RemoteAddr returns the peer's "host:port".
	RemoteAddr() string

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool
}

// DialOptions contains options for dialing an upstream node.
type DialOptions struct {
	// TLSConfig is used for wss targets. When nil a default config is built.
	TLSConfig *tls.Config

	// InsecureSkipVerify accepts self-signed upstream certificates.
	InsecureSkipVerify bool

	// Timeout bounds the handshake.
	Timeout time.Duration

	// Path overrides DefaultPath.
	Path string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:            30 * time.Second,
		InsecureSkipVerify: true,
		Path:               DefaultPath,
	}
}
