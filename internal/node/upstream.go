package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/postalsys/muti-shell/internal/dispatch"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/recovery"
	"github.com/postalsys/muti-shell/internal/transport"
)

// keypressTimeout bounds a history or completion round trip.
const keypressTimeout = 5 * time.Second

// Credentials answer the upstream's authentication prompts.
type Credentials struct {
	User     string
	Password string
}

// link is the upstream connection of a node.
type link struct {
	conn   transport.Conn
	target transport.Target

	mu        sync.Mutex
	delimiter string

	commands waiter
	keys     waiter

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn transport.Conn, target transport.Target, delimiter string) *link {
	return &link{
		conn:      conn,
		target:    target,
		delimiter: delimiter,
		done:      make(chan struct{}),
	}
}

func (l *link) getDelimiter() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delimiter
}

func (l *link) setDelimiter(d string) {
	l.mu.Lock()
	l.delimiter = d
	l.mu.Unlock()
}

// waiter hands a reply to the single caller waiting for it. Each arm
// takes a fresh sequence number; replies carrying any other number are
// late answers to an abandoned request and are dropped.
type waiter struct {
	mu   sync.Mutex
	last uint64
	want uint64
	ch   chan *protocol.Envelope
}

func (w *waiter) arm() (uint64, chan *protocol.Envelope) {
	ch := make(chan *protocol.Envelope, 1)
	w.mu.Lock()
	w.last++
	seq := w.last
	w.want = seq
	w.ch = ch
	w.mu.Unlock()
	return seq, ch
}

func (w *waiter) disarm(ch chan *protocol.Envelope) {
	w.mu.Lock()
	if w.ch == ch {
		w.ch = nil
		w.want = 0
	}
	w.mu.Unlock()
}

func (w *waiter) deliver(env *protocol.Envelope) bool {
	seq := env.Seq()
	w.mu.Lock()
	ch := w.ch
	if ch == nil || seq != w.want {
		w.mu.Unlock()
		return false
	}
	w.ch = nil
	w.want = 0
	w.mu.Unlock()
	ch <- env
	return true
}

func (n *Node) link() *link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.upstream
}

// Connect dials target, answers its authentication prompts and waits for
// its first heartbeat. Prompts not covered by creds are put to out.
func (n *Node) Connect(ctx context.Context, target transport.Target, creds Credentials, out dispatch.Output) error {
	if n.link() != nil {
		return ErrAlreadyConnected
	}
	if out == nil {
		out = dispatch.DiscardOutput{}
	}

	timeout := n.opts.Dial.Timeout
	if timeout <= 0 {
		timeout = transport.DefaultDialOptions().Timeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := transport.Dial(ctx, target, n.opts.Dial)
	if err != nil {
		n.metrics.RecordUpstreamConnect("error")
		return fmt.Errorf("connect %s: %w", target, err)
	}

	delimiter, err := n.handshake(hctx, conn, creds, out)
	if err != nil {
		conn.Close()
		n.metrics.RecordUpstreamConnect("error")
		return fmt.Errorf("connect %s: %w", target, err)
	}

	l := newLink(conn, target, delimiter)
	n.mu.Lock()
	if n.upstream != nil {
		n.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	n.upstream = l
	n.mu.Unlock()
	n.router.SetUpstream(conn)
	n.metrics.RecordUpstreamConnect("ok")

	n.logger.Info("connected upstream",
		logging.KeyTarget, target.String(),
		logging.KeyRole, n.Role().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer recovery.RecoverWithLog(n.logger, "node.upstream")
		n.readUpstream(l)
	}()

	n.notifyDelimiter()
	n.refreshSessions(delimiter)
	return nil
}

// Disconnect drops the upstream link, if any.
func (n *Node) Disconnect() {
	if l := n.link(); l != nil {
		n.dropLink(l, "disconnected")
	}
}

// handshake answers prompts until the upstream sends its first heartbeat.
// A supplied password is used once so a wrong one is not replayed.
func (n *Node) handshake(ctx context.Context, conn transport.Conn, creds Credentials, out dispatch.Output) (string, error) {
	passwordUsed := false
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if transport.IsClosed(err) {
				return "", err
			}
			continue
		}

		switch env.Event {
		case protocol.EventHeartbeat:
			var hb protocol.Heartbeat
			if err := env.Decode(&hb); err != nil {
				return "", err
			}
			return hb.Delimiter, nil

		case protocol.EventPrompt:
			var p protocol.Prompt
			if err := env.Decode(&p); err != nil || p.Options == nil {
				continue
			}
			var answer string
			switch {
			case p.Options.Name == "user" && creds.User != "":
				answer = creds.User
			case p.Options.Name == "password" && creds.Password != "" && !passwordUsed:
				answer = creds.Password
				passwordUsed = true
			default:
				if answer, err = out.Ask(ctx, *p.Options); err != nil {
					return "", err
				}
			}
			if err := conn.Send(ctx, protocol.MustNew(protocol.EventPrompt, protocol.Prompt{Value: &answer})); err != nil {
				return "", err
			}

		case protocol.EventStdout:
			var s protocol.Stdout
			if env.Decode(&s) == nil {
				_ = out.Print(ctx, s.Value)
			}

		case protocol.EventClose:
			return "", ErrRejected
		}
	}
}

// readUpstream handles downstream-bound events until the link closes.
func (n *Node) readUpstream(l *link) {
	for {
		env, err := l.conn.Receive(n.ctx)
		if err != nil {
			if transport.IsClosed(err) {
				n.dropLink(l, "connection lost")
				return
			}
			n.logger.Debug("invalid upstream message", logging.KeyError, err)
			continue
		}
		n.metrics.RecordEvent(env.Event)
		if n.handleUpstreamEvent(l, env) {
			return
		}
	}
}

// handleUpstreamEvent processes a downstream-bound event. Events with a route
// belong to a session and are relayed; the rest are addressed to this node.
// It reports true when the link was dropped.
func (n *Node) handleUpstreamEvent(l *link, env *protocol.Envelope) bool {
	ctx := n.ctx

	if len(env.Route) > 0 {
		if relayed, err := n.router.Relay(ctx, env, protocol.Downstream, ""); !relayed || err != nil {
			n.logger.Debug("undeliverable event",
				logging.KeyEvent, env.Event,
				logging.KeyRoute, protocol.RouteKey(env.Route),
				logging.KeyError, err)
		}
		return false
	}

	switch env.Event {
	case protocol.EventHeartbeat:
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return false
		}
		l.setDelimiter(hb.Delimiter)
		n.notifyDelimiter()
		n.router.Relay(ctx, env, protocol.Downstream, "")

	case protocol.EventResume:
		if n.opts.OnResume != nil {
			n.opts.OnResume()
		}
		n.router.Relay(ctx, env, protocol.Downstream, "")

	case protocol.EventCommandResponse:
		if !l.commands.deliver(env) {
			n.logger.Debug("stale command-response dropped", "seq", env.Seq())
		}

	case protocol.EventKeypressResponse:
		if !l.keys.deliver(env) {
			n.logger.Debug("stale keypress-response dropped", "seq", env.Seq())
		}

	case protocol.EventStdout:
		var s protocol.Stdout
		if env.Decode(&s) == nil {
			_ = n.local.Print(ctx, s.Value)
		}

	case protocol.EventPrompt:
		var p protocol.Prompt
		if err := env.Decode(&p); err != nil || p.Options == nil {
			return false
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer recovery.RecoverWithLog(n.logger, "node.prompt")
			answer, err := n.local.Output().Ask(ctx, *p.Options)
			if err != nil {
				n.logger.Debug("prompt failed", logging.KeyError, err)
				return
			}
			if err := l.conn.Send(ctx, protocol.MustNew(protocol.EventPrompt, protocol.Prompt{Value: &answer})); err != nil {
				n.logger.Debug("prompt answer failed", logging.KeyError, err)
			}
		}()

	case protocol.EventClose:
		n.dropLink(l, "closed by upstream")
		return true
	}
	return false
}

// dropLink tears down l once. Waiting forwarded commands fail, the local
// prompt and every session fall back to this node.
func (n *Node) dropLink(l *link, reason string) {
	first := false
	l.closeOnce.Do(func() {
		first = true
		close(l.done)
	})
	if !first {
		return
	}
	l.conn.Close()

	n.mu.Lock()
	if n.upstream == l {
		n.upstream = nil
	}
	n.mu.Unlock()
	if n.router.ClearUpstream(l.conn) {
		n.metrics.RecordUpstreamDisconnect()
	}

	n.logger.Info("upstream link closed",
		logging.KeyTarget, l.target.String(),
		"reason", reason,
		logging.KeyRole, n.Role().String())

	if n.ctx.Err() != nil {
		return
	}
	n.notifyDelimiter()
	n.refreshSessions("")
	if n.opts.Terminable {
		n.opts.Exit(1)
	}
}

// refreshSessions sends every session its prompt text and asks it to
// redraw. An empty delimiter means the session's own context on this node.
func (n *Node) refreshSessions(delimiter string) {
	n.mu.Lock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	for _, s := range sessions {
		d := delimiter
		if d == "" {
			d = s.contextFor(nil).Delimiter(n.opts.Delimiter)
		}
		_ = s.conn.Send(n.ctx, protocol.MustNew(protocol.EventHeartbeat, protocol.Heartbeat{Delimiter: d}))
		_ = s.conn.Send(n.ctx, protocol.MustNew(protocol.EventResume, protocol.Resume{SessionID: s.id}))
	}
}

// forward runs local terminal commands on the upstream node while a link
// exists. Session commands are never forwarded: a proxy relays them before
// they reach the queue.
func (n *Node) forward(ctx context.Context, it *dispatch.Item) (dispatch.Result, bool) {
	if it.Context != n.local {
		return dispatch.Result{}, false
	}
	l := n.link()
	if l == nil {
		return dispatch.Result{}, false
	}

	res := dispatch.Result{Command: it.Line}
	payload := protocol.Command{Command: it.Line}
	if it.Args != nil {
		data, err := json.Marshal(it.Args)
		if err != nil {
			res.Err = err
			return res, true
		}
		payload.Args = data
	}

	seq, ch := l.commands.arm()
	defer l.commands.disarm(ch)
	payload.Seq = seq
	if err := l.conn.Send(ctx, protocol.MustNew(protocol.EventCommand, payload)); err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrUpstreamClosed, err)
		return res, true
	}

	select {
	case env := <-ch:
		var resp protocol.CommandResponse
		if err := env.Decode(&resp); err != nil {
			res.Err = err
			return res, true
		}
		if len(resp.Data) > 0 {
			res.Data = resp.Data
		}
		if resp.Error != "" {
			res.Err = fmt.Errorf("%w: %s", ErrRemote, resp.Error)
		}
		return res, true
	case <-l.done:
		res.Err = ErrUpstreamClosed
		return res, true
	case <-ctx.Done():
		res.Err = ctx.Err()
		return res, true
	}
}

// keypressUpstream resolves a keypress on the upstream node.
func (n *Node) keypressUpstream(ctx context.Context, l *link, key, value string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, keypressTimeout)
	defer cancel()

	seq, ch := l.keys.arm()
	defer l.keys.disarm(ch)
	env := protocol.MustNew(protocol.EventKeypress, protocol.Keypress{Key: key, Value: value, Seq: seq})
	if err := l.conn.Send(ctx, env); err != nil {
		return "", false, err
	}

	select {
	case env := <-ch:
		var resp protocol.KeypressResponse
		if err := env.Decode(&resp); err != nil {
			return "", false, err
		}
		if resp.Value == nil {
			return "", false, nil
		}
		return *resp.Value, true, nil
	case <-l.done:
		return "", false, ErrUpstreamClosed
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}
