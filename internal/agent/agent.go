// Package agent wires a muti-shell node together from configuration: the
// node itself, its listener and the upstream link dialed at startup.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/postalsys/muti-shell/internal/auth"
	"github.com/postalsys/muti-shell/internal/config"
	"github.com/postalsys/muti-shell/internal/dispatch"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/metrics"
	"github.com/postalsys/muti-shell/internal/node"
	"github.com/postalsys/muti-shell/internal/server"
	"github.com/postalsys/muti-shell/internal/transport"
)

// Options are the process-level collaborators of an Agent.
type Options struct {
	// Output is the local terminal. Nil runs the node headless.
	Output dispatch.Output

	// Terminable agents exit the process when their upstream link fails.
	Terminable bool

	OnDelimiter func(string)
	OnResume    func()
	Exit        func(code int)

	// Logger overrides the logger built from the node config.
	Logger *slog.Logger

	// Registry receives the agent's metrics. Nil uses the default
	// Prometheus registry.
	Registry *prometheus.Registry
}

// Agent is a configured node with its listener.
type Agent struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	node    *node.Node
	server  *server.Server

	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New validates cfg and builds the agent. Nothing listens or dials until
// Start.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if opts.Registry != nil {
		m = metrics.NewMetricsWithRegistry(opts.Registry)
		gatherer = opts.Registry
	} else {
		m = metrics.Default()
		gatherer = prometheus.DefaultGatherer
	}

	fw, err := cfg.BuildFirewall()
	if err != nil {
		return nil, err
	}

	var strategy *auth.Strategy
	if cfg.AuthEnabled() {
		if strategy, err = auth.New(cfg.StrategyConfig()); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	a := &Agent{
		cfg:     cfg,
		opts:    opts,
		logger:  logging.Component(logger, "agent"),
		metrics: m,
	}
	a.logger.Debug("configuration loaded", "config", cfg.String())
	a.node = node.New(node.Options{
		Delimiter:      cfg.Node.Delimiter,
		HistorySize:    cfg.History.Size,
		CommandTimeout: cfg.Queue.CommandTimeout,
		Firewall:       fw,
		Auth:           strategy,
		KeypressRate:   rate.Limit(cfg.Limits.KeypressRate),
		KeypressBurst:  cfg.Limits.KeypressBurst,
		Terminable:     opts.Terminable,
		Output:         opts.Output,
		OnDelimiter:    opts.OnDelimiter,
		OnResume:       opts.OnResume,
		Exit:           opts.Exit,
		Dial:           transport.DefaultDialOptions(),
		Logger:         logger,
		Metrics:        m,
	})

	if cfg.Listen.Enabled {
		a.server = server.New(server.Config{
			Address:        cfg.Listen.Address,
			Path:           cfg.Listen.Path,
			TLS:            cfg.Listen.TLS.Enabled,
			CertFile:       cfg.Listen.TLS.Cert,
			KeyFile:        cfg.Listen.TLS.Key,
			MaxConnections: cfg.Listen.MaxConnections,
		}, nil, a.node.Handler(), server.Options{
			Stats:    a.node,
			Gatherer: gatherer,
			Logger:   logger,
		})
	}

	return a, nil
}

// Start runs the node, opens the listener and dials the configured upstream.
// A failed upstream connect is returned after the node and listener are
// already running; callers decide whether that is fatal.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return fmt.Errorf("agent already running")
	}

	nctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.node.Start(nctx)

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			a.Stop()
			return fmt.Errorf("listen: %w", err)
		}
		a.logger.Info("listening",
			logging.KeyLocalAddr, a.server.Address().String(),
			"tls", a.cfg.Listen.TLS.Enabled)
	}

	if a.cfg.Upstream.Target != "" {
		if err := a.ConnectUpstream(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("agent started",
		logging.KeyRole, a.node.Role().String(),
		"delimiter", a.cfg.Node.Delimiter)
	return nil
}

// ConnectUpstream runs the connect command for the configured upstream on
// the local context, so it is queued like a typed command and a terminable
// agent exits when it fails.
func (a *Agent) ConnectUpstream(ctx context.Context) error {
	up := a.cfg.Upstream
	args := &dispatch.Args{
		Positional: map[string]string{"target": up.Target},
		Options: map[string]string{
			"ssl":      strconv.FormatBool(up.SSL),
			"user":     up.User,
			"password": up.Password,
		},
	}
	res, err := a.node.Exec(ctx, "connect", args)
	if err != nil {
		return err
	}
	if res.Err != nil {
		a.logger.Warn("upstream connect failed",
			logging.KeyTarget, up.Target,
			logging.KeyError, res.Err)
		return res.Err
	}
	return nil
}

// Stop closes the listener and stops the node.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		a.running.Store(false)

		if a.server != nil {
			if serr := a.server.Stop(); serr != nil {
				err = fmt.Errorf("stop server: %w", serr)
			}
		}
		a.node.Stop()
		if a.cancel != nil {
			a.cancel()
		}
		a.node.Wait()

		a.logger.Info("agent stopped")
	})
	return err
}

// StopWithContext stops the agent, giving up when ctx is done.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Node returns the agent's node.
func (a *Agent) Node() *node.Node { return a.node }

// Address returns the listener address, or nil when not listening.
func (a *Agent) Address() net.Addr {
	if a.server == nil {
		return nil
	}
	return a.server.Address()
}

// Fingerprint returns the SHA-256 fingerprint of the listener certificate,
// or "" when not serving TLS.
func (a *Agent) Fingerprint() string {
	if a.server == nil || a.server.Certificate() == nil {
		return ""
	}
	return a.server.Certificate().Fingerprint()
}
