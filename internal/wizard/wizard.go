// Package wizard provides the interactive "init" setup for a muti-shell node.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/muti-shell/internal/auth"
	"github.com/postalsys/muti-shell/internal/certutil"
	"github.com/postalsys/muti-shell/internal/config"
	"github.com/postalsys/muti-shell/internal/firewall"
	"github.com/postalsys/muti-shell/internal/transport"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
}

// Answers are the choices collected by the forms.
type Answers struct {
	Delimiter string
	LogLevel  string

	Listen         bool
	ListenAddr     string
	ListenPath     string
	MaxConnections int

	// TLS is "none", "generate" or "existing".
	TLS      string
	CertFile string
	KeyFile  string

	AuthUser     string
	AuthPassword string // bcrypt hash

	FirewallPolicy string
	// FirewallRules are addresses or CIDR blocks that get the opposite action
	// of the policy.
	FirewallRules []string

	Upstream    string
	UpstreamSSL bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, a, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	if err := w.askListen(&a); err != nil {
		return nil, err
	}

	certsDir := filepath.Join(filepath.Dir(configPath), "certs")
	if a.Listen {
		if certsDir, err = w.askTLSSetup(&a, certsDir); err != nil {
			return nil, err
		}
		if err := w.askAuth(&a); err != nil {
			return nil, err
		}
		if err := w.askFirewall(&a); err != nil {
			return nil, err
		}
	}

	if err := w.askUpstream(&a); err != nil {
		return nil, err
	}

	cfg := w.buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		CertsDir:   certsDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
                 _   _          _        _ _
  _ __ _  _ _  _| |_(_)___ ___| |_  ___| | |
 | '  \| || | || |  _| |___(_-<| ' \/ -_) | |
 |_|_|_|\_,_|\_,_|\__|_|   /__/|_||_\___|_|_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Chained Interactive Shell - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath string, a Answers, err error) {
	configPath = "./muti-shell.yaml"
	a.Delimiter = config.Default().Node.Delimiter
	a.LogLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the prompt and where the configuration is written."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./muti-shell.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewInput().
				Title("Prompt").
				Description("Text shown before the cursor").
				Placeholder(a.Delimiter).
				Value(&a.Delimiter).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("prompt is required")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askListen(a *Answers) error {
	a.ListenAddr = ":3000"
	a.ListenPath = transport.DefaultPath
	maxConns := "100"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Listener").
				Description("A listening node accepts shells from other nodes."),

			huh.NewConfirm().
				Title("Accept incoming connections?").
				Value(&a.Listen),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}
	if !a.Listen {
		return nil
	}

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen Address").
				Description("Address and port to listen on").
				Placeholder(":3000").
				Value(&a.ListenAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("HTTP Path").
				Description("URL path of the shell endpoint").
				Placeholder(transport.DefaultPath).
				Value(&a.ListenPath).
				Validate(func(s string) error {
					if s == "" || !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),

			huh.NewInput().
				Title("Max Connections").
				Description("0 means unlimited").
				Value(&maxConns).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						return fmt.Errorf("must be a non-negative number")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}
	a.MaxConnections, _ = strconv.Atoi(maxConns)
	return nil
}

func (w *Wizard) askTLSSetup(a *Answers, certsDir string) (string, error) {
	a.TLS = "none"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("Peers connect with --ssl when TLS is enabled."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("No TLS (plain WebSocket)", "none"),
					huh.NewOption("Generate a self-signed certificate", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&a.TLS),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return certsDir, err
	}

	switch a.TLS {
	case "generate":
		return w.generateCertificate(a, certsDir)
	case "existing":
		return certsDir, w.useExistingCertificate(a)
	}
	return certsDir, nil
}

func (w *Wizard) generateCertificate(a *Answers, certsDir string) (string, error) {
	commonName, _ := os.Hostname()
	if commonName == "" {
		commonName = "muti-shell"
	}
	validDays := "365"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificates Directory").
				Value(&certsDir),

			huh.NewInput().
				Title("Common Name").
				Description("Host name peers use to reach this node").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Value(&validDays).
				Validate(func(s string) error {
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return certsDir, err
	}

	days, _ := strconv.Atoi(validDays)
	certPath, keyPath, fingerprint, err := writeSelfSigned(certsDir, commonName, time.Duration(days)*24*time.Hour)
	if err != nil {
		return certsDir, err
	}
	a.CertFile, a.KeyFile = certPath, keyPath

	fmt.Printf("\n✓ Generated certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n\n", fingerprint)
	return certsDir, nil
}

// writeSelfSigned generates a certificate for commonName and stores it as
// server.crt and server.key under dir.
func writeSelfSigned(dir, commonName string, validFor time.Duration) (certPath, keyPath, fingerprint string, err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", "", fmt.Errorf("failed to create certs directory: %w", err)
	}

	cert, err := certutil.SelfSigned(commonName, nil, validFor)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return "", "", "", fmt.Errorf("failed to save certificate: %w", err)
	}
	return certPath, keyPath, cert.Fingerprint(), nil
}

func (w *Wizard) useExistingCertificate(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Value(&a.CertFile).
				Validate(fileExists),

			huh.NewInput().
				Title("Private Key File").
				Value(&a.KeyFile).
				Validate(fileExists),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}

	if _, err := certutil.LoadCert(a.CertFile, a.KeyFile); err != nil {
		return fmt.Errorf("invalid certificate: %w", err)
	}
	return nil
}

func (w *Wizard) askAuth(a *Answers) error {
	var enabled bool
	var password string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authentication").
				Description("Connecting nodes are asked for a user and password."),

			huh.NewConfirm().
				Title("Require a password?").
				Value(&enabled),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	a.AuthUser = "admin"
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("User").
				Value(&a.AuthUser).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("user is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					if len(s) < 4 {
						return fmt.Errorf("password must be at least 4 characters")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	a.AuthPassword = hash
	return nil
}

func (w *Wizard) askFirewall(a *Answers) error {
	a.FirewallPolicy = "accept"
	var rules string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Firewall").
				Description("Filter connecting addresses before the handshake."),

			huh.NewSelect[string]().
				Title("Default Policy").
				Options(
					huh.NewOption("Accept everyone except listed addresses", "accept"),
					huh.NewOption("Reject everyone except listed addresses", "reject"),
				).
				Value(&a.FirewallPolicy),

			huh.NewText().
				Title("Listed Addresses").
				Description("IP addresses or CIDR blocks, one per line or comma-separated").
				Value(&rules).
				Validate(func(s string) error {
					fw := firewall.New()
					for _, r := range splitList(s) {
						if err := fw.Accept(r); err != nil {
							return err
						}
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}

	a.FirewallRules = splitList(rules)
	return nil
}

func (w *Wizard) askUpstream(a *Answers) error {
	var connect bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Upstream").
				Description("A node can connect to another node on start and act on its behalf."),

			huh.NewConfirm().
				Title("Connect to an upstream node on start?").
				Value(&connect),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}
	if !connect {
		return nil
	}

	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Upstream Target").
				Description("host[:port] of the upstream node").
				Value(&a.Upstream).
				Validate(func(s string) error {
					_, err := transport.ParseTarget(s, false)
					return err
				}),

			huh.NewConfirm().
				Title("Use TLS?").
				Value(&a.UpstreamSSL),
		),
	).WithTheme(w.theme)
	return form.Run()
}

func (w *Wizard) buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	if a.Delimiter != "" {
		cfg.Node.Delimiter = a.Delimiter
	}
	if a.LogLevel != "" {
		cfg.Node.LogLevel = a.LogLevel
	}
	cfg.Node.LogFormat = "text"

	cfg.Listen.Enabled = a.Listen
	if a.Listen {
		if a.ListenAddr != "" {
			cfg.Listen.Address = a.ListenAddr
		}
		if a.ListenPath != "" {
			cfg.Listen.Path = a.ListenPath
		}
		cfg.Listen.MaxConnections = a.MaxConnections
		if a.TLS == "generate" || a.TLS == "existing" {
			cfg.Listen.TLS = config.TLSConfig{
				Enabled: true,
				Cert:    a.CertFile,
				Key:     a.KeyFile,
			}
		}
	}

	if a.AuthUser != "" {
		cfg.Auth.Users = []auth.User{{User: a.AuthUser, Pass: a.AuthPassword}}
	}

	if a.FirewallPolicy != "" {
		cfg.Firewall.Policy = a.FirewallPolicy
	}
	ruleAction := "reject"
	if cfg.Firewall.Policy == "reject" {
		ruleAction = "accept"
	}
	for _, r := range a.FirewallRules {
		cfg.Firewall.Rules = append(cfg.Firewall.Rules, config.FirewallRule{Action: ruleAction, Address: r})
	}

	if a.Upstream != "" {
		cfg.Upstream.Target = a.Upstream
		cfg.Upstream.SSL = a.UpstreamSSL
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := cfg.StringUnsafe()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# muti-shell configuration
# Generated by setup wizard

`
	mode := os.FileMode(0644)
	if cfg.HasSensitiveData() {
		mode = 0600
	}
	if err := os.WriteFile(path, []byte(header+data), mode); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Prompt:       %s\n", cfg.Node.Delimiter)

	if cfg.Listen.Enabled {
		scheme := "ws"
		if cfg.Listen.TLS.Enabled {
			scheme = "wss"
		}
		fmt.Printf("  Listener:     %s://%s%s\n", scheme, cfg.Listen.Address, cfg.Listen.Path)
		if cfg.AuthEnabled() {
			fmt.Printf("  Auth user:    %s\n", cfg.Auth.Users[0].User)
		}
		fmt.Printf("  Firewall:     %s, %d rule(s)\n", cfg.Firewall.Policy, len(cfg.Firewall.Rules))
	}
	if cfg.Upstream.Target != "" {
		fmt.Printf("  Upstream:     %s\n", cfg.Upstream.Target)
	}

	fmt.Println()
	fmt.Println("  To start the shell:")
	fmt.Printf("    muti-shell -c %s\n", configPath)
	if cfg.Listen.Enabled {
		fmt.Println("  To run without a terminal:")
		fmt.Printf("    muti-shell serve -c %s\n", configPath)
	}
	fmt.Println()
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func fileExists(s string) error {
	if s == "" {
		return fmt.Errorf("path is required")
	}
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}

// splitList splits on commas and newlines, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
