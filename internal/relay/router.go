// Package relay moves events between a node's upstream link and its
// downstream sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/role"
	"github.com/postalsys/muti-shell/internal/transport"
)

var (
	// ErrNoUpstream is returned when sending upstream without a link.
	ErrNoUpstream = errors.New("no upstream connection")

	// ErrUnknownSession is returned when a route names a session that is gone.
	ErrUnknownSession = errors.New("unknown session")
)

// Router owns a node's links and its role state.
// Upstream is at most one connection; sessions are keyed by id.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	state    role.State
	upstream transport.Conn
	sessions map[string]transport.Conn
	onRelay  func(event string, dir protocol.Direction)
}

// NewRouter creates a router for a node with no links.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:   logging.Component(logger, "relay"),
		state:    role.Local,
		sessions: make(map[string]transport.Conn),
	}
}

// OnRelay registers a hook called for every event passed through.
func (r *Router) OnRelay(fn func(event string, dir protocol.Direction)) {
	r.mu.Lock()
	r.onRelay = fn
	r.mu.Unlock()
}

// State returns the current role.
func (r *Router) State() role.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetUpstream installs conn as the upstream link and returns the previous one.
func (r *Router) SetUpstream(conn transport.Conn) transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.upstream
	r.upstream = conn
	r.state = r.state.ConnectUpstream()
	return prev
}

// ClearUpstream removes conn if it is still the upstream link.
func (r *Router) ClearUpstream(conn transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upstream == nil || r.upstream != conn {
		return false
	}
	r.upstream = nil
	r.state = r.state.DisconnectUpstream()
	return true
}

// Upstream returns the upstream link, or nil.
func (r *Router) Upstream() transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upstream
}

// AddSession registers a downstream session.
func (r *Router) AddSession(id string, conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = conn
	r.state = r.state.AcceptSession()
}

// RemoveSession drops a session. The server role clears with the last one.
func (r *Router) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	if len(r.sessions) == 0 {
		r.state = r.state.DropLastSession()
	}
}

// Session returns a session's connection.
func (r *Router) Session(id string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.sessions[id]
	return conn, ok
}

// SessionIDs returns the ids of all sessions, sorted.
func (r *Router) SessionIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Send delivers env. Upstream goes to the upstream link. Downstream goes to
// sessionID, or to every session when sessionID is empty.
func (r *Router) Send(ctx context.Context, env *protocol.Envelope, dir protocol.Direction, sessionID string) error {
	switch dir {
	case protocol.Upstream:
		up := r.Upstream()
		if up == nil {
			return ErrNoUpstream
		}
		return up.Send(ctx, env)

	case protocol.Downstream:
		if sessionID != "" {
			conn, ok := r.Session(sessionID)
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
			}
			return conn.Send(ctx, env)
		}
		return r.broadcast(ctx, env)

	default:
		return fmt.Errorf("invalid direction %d", dir)
	}
}

func (r *Router) broadcast(ctx context.Context, env *protocol.Envelope) error {
	r.mu.RLock()
	conns := make(map[string]transport.Conn, len(r.sessions))
	for id, c := range r.sessions {
		conns[id] = c
	}
	r.mu.RUnlock()

	var errs []error
	for id, c := range conns {
		if err := c.Send(ctx, env); err != nil {
			r.logger.Debug("broadcast failed",
				logging.KeySessionID, id,
				logging.KeyEvent, env.Event,
				logging.KeyError, err)
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Relay passes env through when the node is a proxy and reports whether it
// did; the caller must not handle a relayed event locally.
//
// Upstream-bound events get the originating session id pushed onto their
// route. Downstream-bound events pop the innermost route entry to pick the
// session, and go to every session when the route is empty. close is
// addressed to the direct peer and is never relayed.
func (r *Router) Relay(ctx context.Context, env *protocol.Envelope, dir protocol.Direction, from string) (bool, error) {
	if r.State() != role.Proxy || env.Event == protocol.EventClose {
		return false, nil
	}

	var err error
	switch dir {
	case protocol.Upstream:
		err = r.Send(ctx, env.PushRoute(from), protocol.Upstream, "")
	case protocol.Downstream:
		out, target, _ := env.PopRoute()
		err = r.Send(ctx, out, protocol.Downstream, target)
	default:
		return false, fmt.Errorf("invalid direction %d", dir)
	}

	r.mu.RLock()
	hook := r.onRelay
	r.mu.RUnlock()
	if hook != nil {
		hook(env.Event, dir)
	}

	r.logger.Debug("relayed",
		logging.KeyEvent, env.Event,
		logging.KeyDirection, dir.String(),
		logging.KeyRoute, protocol.RouteKey(env.Route))
	return true, err
}

// CloseAll closes the upstream link and every session.
func (r *Router) CloseAll() {
	r.mu.Lock()
	up := r.upstream
	conns := make([]transport.Conn, 0, len(r.sessions))
	for _, c := range r.sessions {
		conns = append(conns, c)
	}
	r.upstream = nil
	r.sessions = make(map[string]transport.Conn)
	r.state = role.Local
	r.mu.Unlock()

	if up != nil {
		up.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}
