// Package server hosts a node's shell endpoint next to health and metrics
// endpoints and an optional caller handler.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/postalsys/muti-shell/internal/certutil"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/transport"
)

// StatsProvider provides node statistics for /healthz.
type StatsProvider interface {
	// IsRunning returns true if the node is running.
	IsRunning() bool

	// Stats returns node statistics.
	Stats() Stats
}

// Stats contains node health statistics.
type Stats struct {
	Role       string `json:"role"`
	Sessions   int      `json:"sessions"`
	SessionIDs []string `json:"session_ids,omitempty"`
	QueueDepth int      `json:"queue_depth"`
	Upstream   string   `json:"upstream,omitempty"`
	Uptime     string   `json:"uptime"`
}

// Config contains listener configuration.
type Config struct {
	// Address to listen on (e.g., ":3000")
	Address string

	// Path of the shell WebSocket endpoint.
	Path string

	// TLS serves HTTPS. Without CertFile and KeyFile a self-signed
	// certificate is generated.
	TLS      bool
	CertFile string
	KeyFile  string

	// MaxConnections caps concurrent TCP connections. Zero means unlimited.
	MaxConnections int

	// ReadHeaderTimeout bounds reading request headers. Bodies and upgraded
	// connections are not subject to a deadline.
	ReadHeaderTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:           ":3000",
		Path:              transport.DefaultPath,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Options are the collaborators of a Server.
type Options struct {
	Stats    StatsProvider
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP(S) server of a node.
type Server struct {
	cfg      Config
	provider StatsProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	cert     *certutil.Cert
	running  atomic.Bool
}

// New builds a server. shell serves cfg.Path; handler, when non-nil, serves
// every path not claimed by the shell, health and metrics endpoints.
func New(cfg Config, handler, shell http.Handler, opts Options) *Server {
	if cfg.Path == "" {
		cfg.Path = transport.DefaultPath
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultConfig().ReadHeaderTimeout
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		provider: opts.Stats,
		logger:   logging.Component(opts.Logger, "server"),
	}

	mux := http.NewServeMux()
	if shell != nil {
		mux.Handle(cfg.Path, shell)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if handler != nil {
		mux.Handle("/", handler)
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Listen binds ":port" (plain or TLS) and starts serving.
func (s *Server) Listen(port int, ssl bool) error {
	s.cfg.Address = ":" + strconv.Itoa(port)
	s.cfg.TLS = ssl
	return s.Start()
}

// Start binds cfg.Address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	if s.cfg.TLS {
		host, _, _ := net.SplitHostPort(s.cfg.Address)
		if host == "" {
			host = "localhost"
		}
		tlsConfig, cert, err := certutil.ServerTLSConfig(s.cfg.CertFile, s.cfg.KeyFile, host)
		if err != nil {
			ln.Close()
			return fmt.Errorf("TLS setup: %w", err)
		}
		s.cert = cert
		s.server.TLSConfig = tlsConfig
		ln = tls.NewListener(ln, tlsConfig)
		if s.cfg.CertFile == "" {
			s.logger.Warn("using self-signed certificate", "fingerprint", cert.Fingerprint())
		}
	}

	s.listener = ln
	s.running.Store(true)
	s.logger.Info("listening",
		logging.KeyLocalAddr, ln.Addr().String(),
		"tls", s.cfg.TLS,
		"path", s.cfg.Path)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server stopped", logging.KeyError, err)
		}
	}()
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Certificate returns the certificate served over TLS, if any.
func (s *Server) Certificate() *certutil.Cert { return s.cert }

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON stats if healthy, 503 if not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "healthy",
		"running":     true,
		"role":        stats.Role,
		"sessions":    stats.Sessions,
		"queue_depth": stats.QueueDepth,
		"upstream":    stats.Upstream,
		"uptime":      stats.Uptime,
	})
}
