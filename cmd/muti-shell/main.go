// Package main provides the CLI entry point for muti-shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-shell/internal/agent"
	"github.com/postalsys/muti-shell/internal/config"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/probe"
	"github.com/postalsys/muti-shell/internal/sysinfo"
	"github.com/postalsys/muti-shell/internal/terminal"
	"github.com/postalsys/muti-shell/internal/transport"
	"github.com/postalsys/muti-shell/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

// shutdownTimeout bounds a graceful stop.
const shutdownTimeout = 10 * time.Second

func main() {
	if Version != "dev" {
		sysinfo.Version = Version
	}
	rootCmd := rootCmd()

	// Add subcommands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// nodeFlags are the flags shared by the interactive and headless commands.
type nodeFlags struct {
	configPath string
	listen     string
	logLevel   string
	ssl        bool
	user       string
	password   string
}

func (f *nodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "Accept shell sessions on [host:]port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func (f *nodeFlags) registerUpstream(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.ssl, "ssl", "s", false, "Connect to the target over TLS")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "User name for the target")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "Password for the target")
}

// load builds the config from the config file, then applies flags and the
// optional target argument.
func (f *nodeFlags) load(args []string) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if f.listen != "" {
		addr := f.listen
		if !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		cfg.Listen.Enabled = true
		cfg.Listen.Address = addr
	}
	if f.logLevel != "" {
		cfg.Node.LogLevel = f.logLevel
	}

	if len(args) > 0 {
		if _, err := transport.ParseTarget(args[0], f.ssl); err != nil {
			return nil, err
		}
		cfg.Upstream.Target = args[0]
		cfg.Upstream.SSL = f.ssl
	}
	if f.user != "" {
		cfg.Upstream.User = f.user
	}
	if f.password != "" {
		cfg.Upstream.Password = f.password
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	var f nodeFlags

	cmd := &cobra.Command{
		Use:   "muti-shell [host[:port]]",
		Short: "muti-shell - chained interactive shell",
		Long: `muti-shell is an interactive command shell that can accept sessions
from other shells and connect to one itself. Commands typed at the
end of a chain of connected shells run on the last node, with
prompts, history and completion relayed back to the terminal.

The target may be a port (localhost), an IPv4 address (port 80)
or host:port.`,
		Version:       sysinfo.Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Logs share the terminal, so keep them quiet unless asked.
			if f.logLevel == "" && f.configPath == "" {
				f.logLevel = "warn"
			}
			cfg, err := f.load(args)
			if err != nil {
				return err
			}
			return runInteractive(cfg)
		},
	}

	f.register(cmd)
	f.registerUpstream(cmd)
	return cmd
}

func runInteractive(cfg *config.Config) error {
	logger := logging.NewLoggerWithWriter(cfg.Node.LogLevel, cfg.Node.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exitCode atomic.Int32
	exitCode.Store(-1)
	exit := func(code int) {
		exitCode.Store(int32(code))
		cancel()
	}

	term := terminal.New(terminal.Options{Logger: logger})
	a, err := agent.New(cfg, agent.Options{
		Output:      term,
		Terminable:  cfg.Upstream.Target != "",
		OnDelimiter: term.SetPrompt,
		OnResume:    term.Resume,
		Exit:        exit,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if err := a.Start(ctx); err != nil {
		shutdown(a, logger)
		return err
	}
	if addr := a.Address(); addr != nil {
		term.Print(ctx, fmt.Sprintf("Listening on %s", addr))
	}
	if fp := a.Fingerprint(); fp != "" {
		term.Print(ctx, fmt.Sprintf("Certificate %s", fp))
	}

	runErr := term.Run(ctx, a.Node())
	shutdown(a, logger)

	if code := exitCode.Load(); code >= 0 {
		os.Exit(int(code))
	}
	if runErr != nil && !errors.Is(runErr, terminal.ErrInterrupted) {
		return runErr
	}
	return nil
}

func shutdown(a *agent.Agent, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.StopWithContext(ctx); err != nil {
		logger.Warn("shutdown error", logging.KeyError, err)
	}
}

func serveCmd() *cobra.Command {
	var f nodeFlags

	cmd := &cobra.Command{
		Use:   "serve [host[:port]]",
		Short: "Run a headless node",
		Long: `Run a node without a terminal. It accepts shell sessions and, when
an upstream target is configured, relays them to it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(args)
			if err != nil {
				return err
			}
			cfg.Listen.Enabled = true

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting muti-shell node...\n")

			if err := a.Start(context.Background()); err != nil {
				if a.IsRunning() && a.Address() != nil {
					// The listener is up; an unreachable upstream is not fatal.
					fmt.Printf("Upstream: %v\n", err)
				} else {
					return fmt.Errorf("failed to start node: %w", err)
				}
			}

			fmt.Printf("Listening on %s%s\n", a.Address(), cfg.Listen.Path)
			if fp := a.Fingerprint(); fp != "" {
				fmt.Printf("Certificate: %s\n", fp)
			}
			fmt.Printf("Status: running (role: %s)\n", a.Node().Role())

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	f.register(cmd)
	f.registerUpstream(cmd)
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Walk through the node settings and write a configuration file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func probeCmd() *cobra.Command {
	var (
		ssl     bool
		strict  bool
		path    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <host[:port]>",
		Short: "Test connectivity to a node",
		Long: `Dial a node's shell endpoint and wait for its first answer.
Reports the prompt it announces, or that it asks for credentials.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := transport.ParseTarget(args[0], ssl)
			if err != nil {
				return err
			}

			fmt.Printf("Probing %s...\n", target)
			res := probe.Probe(cmd.Context(), probe.Options{
				Target:       target,
				Path:         path,
				Timeout:      timeout,
				StrictVerify: strict,
			})
			if !res.Success {
				fmt.Printf("Status: FAILED\n")
				fmt.Printf("Error: %s\n", res.ErrorDetail)
				return fmt.Errorf("probe failed: %w", res.Error)
			}

			fmt.Printf("Status: OK\n")
			if res.AuthRequired {
				fmt.Printf("Authentication: required\n")
			} else {
				fmt.Printf("Prompt: %s\n", res.Delimiter)
			}
			fmt.Printf("RTT: %s\n", res.RTT.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&ssl, "ssl", "s", false, "Probe over TLS")
	cmd.Flags().BoolVar(&strict, "strict", false, "Verify the TLS certificate")
	cmd.Flags().StringVar(&path, "path", transport.DefaultPath, "Shell endpoint path")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", probe.DefaultTimeout, "Probe timeout")

	return cmd
}
