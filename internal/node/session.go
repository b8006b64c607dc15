package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/postalsys/muti-shell/internal/auth"
	"github.com/postalsys/muti-shell/internal/dispatch"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/recovery"
	"github.com/postalsys/muti-shell/internal/transport"
)

// Session is one inbound connection. Every relay route arriving through it
// gets its own shell Context, so users behind a proxy never share mode or
// history.
type Session struct {
	id       string
	conn     transport.Conn
	identity string
	limiter  *rate.Limiter
	node     *Node

	mu       sync.Mutex
	contexts map[string]*dispatch.Context
	answers  map[string]chan string
	user     string
}

func (n *Node) newSession(conn transport.Conn) *Session {
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		identity: conn.RemoteAddr(),
		limiter:  rate.NewLimiter(n.opts.KeypressRate, n.opts.KeypressBurst),
		node:     n,
		contexts: make(map[string]*dispatch.Context),
		answers:  make(map[string]chan string),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Identity returns the peer "host:port".
func (s *Session) Identity() string { return s.identity }

// User returns the authenticated user name, if any.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// contextFor returns the shell state of the user behind route.
func (s *Session) contextFor(route []string) *dispatch.Context {
	key := protocol.RouteKey(route)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[key]; ok {
		return c
	}

	id := s.id
	if key != "" {
		id += "/" + key
	}
	out := &sessionOutput{sess: s, route: append([]string(nil), route...)}
	c := dispatch.NewContext(id, out, s.node.opts.HistorySize)
	c.OnModeChange(func(c *dispatch.Context) {
		env := protocol.MustNew(protocol.EventHeartbeat, protocol.Heartbeat{Delimiter: c.Delimiter(s.node.opts.Delimiter)})
		env.Route = out.route
		if err := s.conn.Send(s.node.ctx, env); err != nil {
			s.node.logger.Debug("heartbeat failed", logging.KeySessionID, s.id, logging.KeyError, err)
		}
	})
	s.contexts[key] = c
	return c
}

func (s *Session) allContexts() []*dispatch.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*dispatch.Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, c)
	}
	return out
}

// expectAnswer registers a channel for the next prompt answer on route key.
func (s *Session) expectAnswer(key string) chan string {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.answers[key] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) dropAnswer(key string, ch chan string) {
	s.mu.Lock()
	if s.answers[key] == ch {
		delete(s.answers, key)
	}
	s.mu.Unlock()
}

// answer delivers a prompt answer. It reports false when nobody asked.
func (s *Session) answer(key, value string) bool {
	s.mu.Lock()
	ch, ok := s.answers[key]
	delete(s.answers, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- value
	return true
}

// sessionOutput sends handler output and questions to one route of a session.
type sessionOutput struct {
	sess  *Session
	route []string
}

// Print implements dispatch.Output.
func (o *sessionOutput) Print(ctx context.Context, text string) error {
	env := protocol.MustNew(protocol.EventStdout, protocol.Stdout{Value: text})
	env.Route = o.route
	return o.sess.conn.Send(ctx, env)
}

// Ask implements dispatch.Output by relaying a prompt to the terminal.
func (o *sessionOutput) Ask(ctx context.Context, q protocol.Question) (string, error) {
	key := protocol.RouteKey(o.route)
	ch := o.sess.expectAnswer(key)
	defer o.sess.dropAnswer(key, ch)

	env := protocol.MustNew(protocol.EventPrompt, protocol.Prompt{Options: &q})
	env.Route = o.route
	if err := o.sess.conn.Send(ctx, env); err != nil {
		return "", err
	}

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// closeLink is returned as command data by handlers that end the session
// after the response is delivered.
type closeLink struct{}

// serveSession runs one inbound connection until it closes.
func (n *Node) serveSession(ctx context.Context, conn transport.Conn) {
	defer recovery.RecoverWithLog(n.logger, "node.session")

	sess := n.newSession(conn)
	log := logging.Session(n.logger, sess.id, sess.identity)

	if n.opts.Auth != nil {
		user, err := n.authenticate(ctx, sess)
		if err != nil {
			log.Debug("session ended during authentication", logging.KeyError, err)
			conn.Close()
			return
		}
		sess.mu.Lock()
		sess.user = user
		sess.mu.Unlock()
		log = log.With(logging.KeyIdentity, user)
	}

	n.mu.Lock()
	n.sessions[sess.id] = sess
	n.mu.Unlock()
	n.router.AddSession(sess.id, conn)
	n.metrics.RecordSessionOpen()
	log.Info("session opened", logging.KeyRole, n.Role().String())

	defer func() {
		n.router.RemoveSession(sess.id)
		n.mu.Lock()
		delete(n.sessions, sess.id)
		n.mu.Unlock()
		for _, c := range sess.allContexts() {
			n.engine.Cancel(c, ErrSessionClosed)
		}
		conn.Close()
		n.metrics.RecordSessionClose()
		log.Info("session closed", logging.KeyRole, n.Role().String())
	}()

	// Establish the prompt of the peer.
	n.handleSessionEvent(ctx, sess, protocol.MustNew(protocol.EventHeartbeat, protocol.Heartbeat{}))

	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if transport.IsClosed(err) {
				return
			}
			log.Debug("invalid message", logging.KeyError, err)
			continue
		}
		n.metrics.RecordEvent(env.Event)
		n.handleSessionEvent(ctx, sess, env)
	}
}

// handleSessionEvent processes an upstream-bound event from a session.
func (n *Node) handleSessionEvent(ctx context.Context, sess *Session, env *protocol.Envelope) {
	if env.Event == protocol.EventKeypress && !sess.limiter.Allow() {
		n.metrics.RecordKeypressDropped()
		n.reply(ctx, sess, env, protocol.EventKeypressResponse, protocol.KeypressResponse{Seq: env.Seq()})
		return
	}

	relayed, err := n.router.Relay(ctx, env, protocol.Upstream, sess.id)
	if relayed {
		if err != nil {
			n.logger.Debug("relay upstream failed",
				logging.KeySessionID, sess.id,
				logging.KeyEvent, env.Event,
				logging.KeyError, err)
		}
		return
	}

	switch env.Event {
	case protocol.EventKeypress:
		var kp protocol.Keypress
		if err := env.Decode(&kp); err != nil {
			n.logger.Debug("bad keypress", logging.KeyError, err)
			return
		}
		resp := protocol.KeypressResponse{Seq: kp.Seq}
		if v, ok := n.resolveKey(sess.contextFor(env.Route), kp.Key, kp.Value); ok {
			resp.Value = &v
		}
		n.reply(ctx, sess, env, protocol.EventKeypressResponse, resp)

	case protocol.EventCommand:
		var cmd protocol.Command
		if err := env.Decode(&cmd); err != nil {
			n.logger.Debug("bad command", logging.KeyError, err)
			return
		}
		// Queue in arrival order; only the wait and the reply run aside.
		pending := n.submitSessionCommand(ctx, sess, env, cmd)
		if pending == nil {
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer recovery.RecoverWithLog(n.logger, "node.command")
			n.answerSessionCommand(ctx, sess, env, cmd, pending)
		}()

	case protocol.EventHeartbeat:
		c := sess.contextFor(env.Route)
		n.reply(ctx, sess, env, protocol.EventHeartbeat, protocol.Heartbeat{Delimiter: c.Delimiter(n.opts.Delimiter)})

	case protocol.EventPrompt:
		var p protocol.Prompt
		if err := env.Decode(&p); err != nil || p.Value == nil {
			return
		}
		if !sess.answer(protocol.RouteKey(env.Route), *p.Value) {
			n.logger.Debug("unexpected prompt answer", logging.KeySessionID, sess.id)
		}

	default:
		n.logger.Debug("ignored event",
			logging.KeySessionID, sess.id,
			logging.KeyEvent, env.Event)
	}
}

// submitSessionCommand queues a command for the user behind env's route. It
// returns nil when the command was answered without being queued.
func (n *Node) submitSessionCommand(ctx context.Context, sess *Session, env *protocol.Envelope, cmd protocol.Command) *dispatch.Pending {
	c := sess.contextFor(env.Route)

	var args *dispatch.Args
	if len(cmd.Args) > 0 && string(cmd.Args) != "null" {
		args = &dispatch.Args{}
		if err := json.Unmarshal(cmd.Args, args); err != nil {
			n.reply(ctx, sess, env, protocol.EventCommandResponse, protocol.CommandResponse{
				Command:   cmd.Command,
				Completed: true,
				Error:     fmt.Sprintf("%v: %v", dispatch.ErrBadArguments, err),
				Seq:       cmd.Seq,
			})
			return nil
		}
	} else {
		c.History().Push(cmd.Command)
	}
	return n.engine.Submit(c, cmd.Command, args)
}

// answerSessionCommand waits for a queued command and answers with a
// command-response on the same route.
func (n *Node) answerSessionCommand(ctx context.Context, sess *Session, env *protocol.Envelope, cmd protocol.Command, pending *dispatch.Pending) {
	res, err := pending.Wait(ctx)
	if err != nil {
		return
	}

	resp := protocol.CommandResponse{Command: cmd.Command, Completed: true, Seq: cmd.Seq}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	_, closing := res.Data.(closeLink)
	if res.Data != nil && !closing {
		data, err := json.Marshal(res.Data)
		if err != nil {
			resp.Error = errors.Join(res.Err, fmt.Errorf("encode result: %w", err)).Error()
		} else {
			resp.Data = data
		}
	}
	n.reply(ctx, sess, env, protocol.EventCommandResponse, resp)

	if closing {
		if err := sess.conn.Send(ctx, protocol.MustNew(protocol.EventClose, protocol.Close{})); err != nil {
			n.logger.Debug("close failed", logging.KeySessionID, sess.id, logging.KeyError, err)
		}
	}
}

// reply answers env on its route.
func (n *Node) reply(ctx context.Context, sess *Session, env *protocol.Envelope, event string, payload any) {
	out, err := env.Reply(event, payload)
	if err == nil {
		err = sess.conn.Send(ctx, out)
	}
	if err != nil {
		n.logger.Debug("reply failed",
			logging.KeySessionID, sess.id,
			logging.KeyEvent, event,
			logging.KeyError, err)
	}
}

// authenticate challenges a new session until it succeeds. Exhausted cycles
// and lockouts are reported to the peer; a locked peer is kept waiting with
// the connection open.
func (n *Node) authenticate(ctx context.Context, sess *Session) (string, error) {
	ch := auth.ChallengerFunc(func(ctx context.Context, field string) (string, error) {
		q := protocol.Question{Type: protocol.QuestionInput, Name: field, Message: field + ": "}
		if field == "password" {
			q.Type = protocol.QuestionPassword
		}
		if err := sess.conn.Send(ctx, protocol.MustNew(protocol.EventPrompt, protocol.Prompt{Options: &q})); err != nil {
			return "", err
		}
		for {
			env, err := sess.conn.Receive(ctx)
			if err != nil {
				if transport.IsClosed(err) {
					return "", err
				}
				continue
			}
			if env.Event != protocol.EventPrompt {
				continue
			}
			var p protocol.Prompt
			if err := env.Decode(&p); err != nil || p.Value == nil {
				continue
			}
			return *p.Value, nil
		}
	})

	for {
		user, err := n.opts.Auth.Authenticate(ctx, sess.identity, ch, nil)
		switch {
		case err == nil:
			return user, nil
		case errors.Is(err, auth.ErrTooManyAttempts):
			n.metrics.RecordAuthFailure("retry")
			n.tell(ctx, sess, "too many attempts")
		case errors.Is(err, auth.ErrLocked):
			n.metrics.RecordAuthFailure("locked")
			until := n.opts.Auth.LockedUntil(sess.identity)
			n.tell(ctx, sess, "account locked")
			n.logger.Warn("identity locked",
				logging.KeyRemoteAddr, sess.identity,
				"until", until)
			if err := waitUntil(ctx, until); err != nil {
				return "", err
			}
		default:
			return "", err
		}
	}
}

func (n *Node) tell(ctx context.Context, sess *Session, text string) {
	env := protocol.MustNew(protocol.EventStdout, protocol.Stdout{Value: text})
	if err := sess.conn.Send(ctx, env); err != nil {
		n.logger.Debug("send failed", logging.KeySessionID, sess.id, logging.KeyError, err)
	}
}

func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
