package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/muti-shell/internal/protocol"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// WebSocketConn implements Conn, one envelope per text message.
type WebSocketConn struct {
	conn     *websocket.Conn
	remote   string
	isDialer bool
	closed   atomic.Bool
}

// Dial connects to an upstream node's shell endpoint.
func Dial(ctx context.Context, target Target, opts DialOptions) (*WebSocketConn, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	}
	if target.SSL {
		dialOpts.HTTPClient = buildHTTPClient(opts)
	}

	conn, _, err := websocket.Dial(ctx, target.URL(opts.Path), dialOpts)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial %s failed: %w", target, err)
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	return &WebSocketConn{
		conn:     conn,
		remote:   target.Addr(),
		isDialer: true,
	}, nil
}

// Accept upgrades an HTTP request to a node link.
func Accept(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket accept failed: %w", err)
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	return &WebSocketConn{
		conn:   conn,
		remote: r.RemoteAddr,
	}, nil
}

// Send writes env as one JSON text message.
func (c *WebSocketConn) Send(ctx context.Context, env *protocol.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

// Receive reads the next envelope. Malformed messages are returned as errors
// wrapping protocol.ErrInvalidEnvelope without closing the link.
func (c *WebSocketConn) Receive(ctx context.Context) (*protocol.Envelope, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: unexpected message type %v", protocol.ErrInvalidEnvelope, typ)
	}
	return protocol.Decode(data)
}

// Close terminates the WebSocket connection.
func (c *WebSocketConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// RemoteAddr returns the peer address.
func (c *WebSocketConn) RemoteAddr() string { return c.remote }

// IsDialer returns true if this side initiated the connection.
func (c *WebSocketConn) IsDialer() bool { return c.isDialer }

// buildHTTPClient creates the HTTP client used for wss handshakes.
func buildHTTPClient(opts DialOptions) *http.Client {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
}

// IsClosed reports whether err means the link is gone rather than a single
// bad message.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, protocol.ErrInvalidEnvelope) || errors.Is(err, protocol.ErrUnknownEvent) {
		return false
	}
	return true
}
