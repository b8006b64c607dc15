// Package node composes a muti-shell node: the command engine, the relay
// router, downstream sessions and the optional upstream link.
package node

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/postalsys/muti-shell/internal/auth"
	"github.com/postalsys/muti-shell/internal/dispatch"
	"github.com/postalsys/muti-shell/internal/firewall"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/metrics"
	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/recovery"
	"github.com/postalsys/muti-shell/internal/relay"
	"github.com/postalsys/muti-shell/internal/role"
	"github.com/postalsys/muti-shell/internal/server"
	"github.com/postalsys/muti-shell/internal/transport"
)

var (
	// ErrAlreadyConnected is returned by Connect when an upstream link exists.
	ErrAlreadyConnected = errors.New("already connected upstream")

	// ErrUpstreamClosed fails a forwarded command whose link went away.
	ErrUpstreamClosed = errors.New("upstream connection closed")

	// ErrRemote wraps the error text of a command that failed upstream.
	ErrRemote = errors.New("remote command failed")

	// ErrRejected is returned when the upstream node closes the link during
	// the handshake.
	ErrRejected = errors.New("connection rejected by upstream")

	// ErrSessionClosed fails commands of a session that disconnected.
	ErrSessionClosed = errors.New("session closed")
)

// Options configures a Node.
type Options struct {
	// Delimiter is the base prompt text.
	Delimiter string

	HistorySize    int
	CommandTimeout time.Duration

	// Firewall gates inbound connections. Nil accepts everyone.
	Firewall *firewall.Firewall

	// Auth challenges inbound sessions. Nil disables authentication.
	Auth *auth.Strategy

	KeypressRate  rate.Limit
	KeypressBurst int

	// Terminable nodes exit the process when their upstream link fails.
	Terminable bool

	// Output is the local terminal. Nil discards output.
	Output dispatch.Output

	// OnDelimiter is called when the local prompt text changes.
	OnDelimiter func(string)

	// OnResume is called when the upstream asks the terminal to redraw.
	OnResume func()

	// Exit terminates the process. Defaults to a no-op.
	Exit func(code int)

	Dial    transport.DialOptions
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Delimiter:      "muti-shell~$",
		HistorySize:    100,
		CommandTimeout: dispatch.DefaultTimeout,
		KeypressRate:   50,
		KeypressBurst:  100,
		Dial:           transport.DefaultDialOptions(),
	}
}

// Node is one running muti-shell process.
type Node struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *dispatch.Registry
	engine   *dispatch.Engine
	router   *relay.Router
	local    *dispatch.Context

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	upstream *link

	running atomic.Bool
	started time.Time
	wg      sync.WaitGroup
}

// New creates a node with the built-in commands registered.
func New(opts Options) *Node {
	def := DefaultOptions()
	if opts.Delimiter == "" {
		opts.Delimiter = def.Delimiter
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.KeypressRate <= 0 {
		opts.KeypressRate = def.KeypressRate
	}
	if opts.KeypressBurst <= 0 {
		opts.KeypressBurst = def.KeypressBurst
	}
	if opts.Dial.Path == "" {
		opts.Dial = def.Dial
	}
	if opts.Output == nil {
		opts.Output = dispatch.DiscardOutput{}
	}
	if opts.Exit == nil {
		opts.Exit = func(int) {}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	n := &Node{
		opts:     opts,
		logger:   logging.Component(opts.Logger, "node"),
		metrics:  opts.Metrics,
		registry: dispatch.NewRegistry(),
		router:   relay.NewRouter(opts.Logger),
		sessions: make(map[string]*Session),
		started:  time.Now(),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.engine = dispatch.NewEngine(n.registry, dispatch.Options{
		Timeout:    opts.CommandTimeout,
		Logger:     opts.Logger,
		Forwarder:  dispatch.ForwarderFunc(n.forward),
		OnExecuted: n.onExecuted,
		OnDepth:    n.metrics.SetQueueDepth,
	})
	n.router.OnRelay(func(event string, dir protocol.Direction) {
		n.metrics.RecordRelay(event, dir.String())
	})

	n.local = dispatch.NewContext("local", opts.Output, opts.HistorySize)
	n.local.OnModeChange(func(*dispatch.Context) { n.notifyDelimiter() })

	n.registerBuiltins()
	return n
}

// Registry returns the command registry for adding commands.
func (n *Node) Registry() *dispatch.Registry { return n.registry }

// Engine returns the dispatch engine.
func (n *Node) Engine() *dispatch.Engine { return n.engine }

// Start begins executing commands. The node stops when ctx is done.
func (n *Node) Start(ctx context.Context) {
	if n.running.Swap(true) {
		return
	}
	n.engine.Start(n.ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer recovery.RecoverWithLog(n.logger, "node.lifetime")
		select {
		case <-ctx.Done():
			n.Stop()
		case <-n.ctx.Done():
		}
	}()
	n.logger.Info("node started", logging.KeyRole, n.Role().String())
}

// Stop closes every link and fails queued commands.
func (n *Node) Stop() {
	if !n.running.Swap(false) {
		return
	}
	n.cancel()
	n.engine.Stop()
	n.router.CloseAll()
	n.logger.Info("node stopped")
}

// Wait blocks until background goroutines exit.
func (n *Node) Wait() {
	n.wg.Wait()
}

// IsRunning implements server.StatsProvider.
func (n *Node) IsRunning() bool { return n.running.Load() }

// Role returns the node's current role.
func (n *Node) Role() role.State { return n.router.State() }

// Roles returns the derived role flags.
func (n *Node) Roles() role.Roles { return n.router.State().Roles(n.opts.Terminable) }

// Stats implements server.StatsProvider.
func (n *Node) Stats() server.Stats {
	ids := n.router.SessionIDs()
	st := server.Stats{
		Role:       n.Role().String(),
		Sessions:   len(ids),
		SessionIDs: ids,
		QueueDepth: n.engine.Len(),
		Uptime:     n.uptime(),
	}
	if l := n.link(); l != nil {
		st.Upstream = l.target.String()
	}
	return st
}

func (n *Node) uptime() string {
	return strings.TrimSpace(humanize.RelTime(n.started, time.Now(), "", ""))
}

// Delimiter returns the prompt text the local terminal should show.
func (n *Node) Delimiter() string {
	if l := n.link(); l != nil {
		if d := l.getDelimiter(); d != "" {
			return d
		}
	}
	return n.local.Delimiter(n.opts.Delimiter)
}

func (n *Node) notifyDelimiter() {
	if n.opts.OnDelimiter != nil {
		n.opts.OnDelimiter(n.Delimiter())
	}
}

// Local returns the shell state of the local terminal.
func (n *Node) Local() *dispatch.Context { return n.local }

// Submit queues a line typed at the local terminal.
func (n *Node) Submit(line string) *dispatch.Pending {
	if n.link() == nil {
		n.local.History().Push(line)
	}
	return n.engine.Submit(n.local, line, nil)
}

// Exec runs a line for the local terminal and waits for the result.
// args, when non-nil, bypasses parsing of the argument text.
func (n *Node) Exec(ctx context.Context, line string, args *dispatch.Args) (dispatch.Result, error) {
	return n.engine.Exec(ctx, n.local, line, args)
}

// Keypress resolves a history or completion key for the local terminal. The
// key goes to whichever node executes commands. It reports false when the
// line should stay as it is.
func (n *Node) Keypress(ctx context.Context, key, value string) (string, bool) {
	if l := n.link(); l != nil {
		v, ok, err := n.keypressUpstream(ctx, l, key, value)
		if err != nil {
			n.logger.Debug("keypress round trip failed", logging.KeyError, err)
			return "", false
		}
		return v, ok
	}
	return n.resolveKey(n.local, key, value)
}

// resolveKey applies a keypress to c: up and down walk the history, tab
// completes, anything else resets the history cursor.
func (n *Node) resolveKey(c *dispatch.Context, key, value string) (string, bool) {
	switch key {
	case "up", "down":
		return c.History().Get(key), true
	case "tab":
		c.History().Get(key)
		return n.registry.Complete(c, value)
	default:
		c.History().Get(key)
		return "", false
	}
}

func (n *Node) onExecuted(it *dispatch.Item, res dispatch.Result, elapsed time.Duration) {
	n.metrics.RecordCommand(res.Status(), elapsed.Seconds())
	// Session errors travel in the command-response.
	if it.Context == n.local && res.Err != nil && !res.Usage {
		_ = it.Context.Print(n.ctx, "\n  error: "+res.Err.Error()+"\n")
	}
}

// Handler returns the HTTP handler of the shell endpoint. The firewall is
// consulted before the WebSocket upgrade.
func (n *Node) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fw := n.opts.Firewall; fw != nil {
			ok, err := fw.Valid(r.RemoteAddr)
			if err != nil || !ok {
				n.metrics.RecordFirewallRejection()
				n.logger.Warn("connection rejected by firewall",
					logging.KeyRemoteAddr, r.RemoteAddr,
					logging.KeyError, err)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		conn, err := transport.Accept(w, r)
		if err != nil {
			n.logger.Debug("upgrade failed", logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
			return
		}
		n.serveSession(n.ctx, conn)
	})
}
