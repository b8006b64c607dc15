// Package config provides configuration parsing and validation for muti-shell.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/muti-shell/internal/auth"
	"github.com/postalsys/muti-shell/internal/firewall"
	"github.com/postalsys/muti-shell/internal/transport"
)

// Config represents the complete node configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Firewall FirewallConfig `yaml:"firewall"`
	Auth     AuthConfig     `yaml:"auth"`
	Queue    QueueConfig    `yaml:"queue"`
	History  HistoryConfig  `yaml:"history"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// NodeConfig contains node identity and logging settings.
type NodeConfig struct {
	Delimiter string `yaml:"delimiter"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ListenConfig configures the inbound shell endpoint.
type ListenConfig struct {
	Enabled        bool      `yaml:"enabled"`
	Address        string    `yaml:"address"`
	Path           string    `yaml:"path"`
	TLS            TLSConfig `yaml:"tls"`
	MaxConnections int       `yaml:"max_connections"`
}

// TLSConfig contains TLS certificate settings.
// With Enabled set and no Cert/Key a self-signed certificate is generated.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// UpstreamConfig is an optional link dialed at startup.
type UpstreamConfig struct {
	Target   string `yaml:"target"`
	SSL      bool   `yaml:"ssl"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// FirewallConfig lists ordered CIDR rules and the fallback policy.
type FirewallConfig struct {
	Policy string         `yaml:"policy"`
	Rules  []FirewallRule `yaml:"rules"`
}

// FirewallRule is one "accept"/"reject" entry for a.b.c.d[/bits].
type FirewallRule struct {
	Action  string `yaml:"action"`
	Address string `yaml:"address"`
}

// AuthConfig configures the credential challenge. Empty Users disables it.
type AuthConfig struct {
	Users      []auth.User   `yaml:"users"`
	Retry      int           `yaml:"retry"`
	RetryTime  time.Duration `yaml:"retry_time"`
	Deny       int           `yaml:"deny"`
	UnlockTime time.Duration `yaml:"unlock_time"`
}

// QueueConfig contains dispatch queue settings.
type QueueConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// HistoryConfig contains line history settings.
type HistoryConfig struct {
	Size int `yaml:"size"`
}

// LimitsConfig contains per-session rate limits.
type LimitsConfig struct {
	KeypressRate  float64 `yaml:"keypress_rate"`
	KeypressBurst int     `yaml:"keypress_burst"`
}

// Default returns a Config with default values.
func Default() *Config {
	a := auth.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			Delimiter: "muti-shell~$",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listen: ListenConfig{
			Enabled:        false,
			Address:        ":3000",
			Path:           transport.DefaultPath,
			MaxConnections: 100,
		},
		Firewall: FirewallConfig{
			Policy: "accept",
			Rules:  []FirewallRule{},
		},
		Auth: AuthConfig{
			Retry:      a.Retry,
			RetryTime:  a.RetryTime,
			Deny:       a.Deny,
			UnlockTime: a.UnlockTime,
		},
		Queue: QueueConfig{
			CommandTimeout: 5 * time.Minute,
		},
		History: HistoryConfig{
			Size: 100,
		},
		Limits: LimitsConfig{
			KeypressRate:  50,
			KeypressBurst: 100,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Node.Delimiter) == "" {
		errs = append(errs, "node.delimiter is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Listen.Enabled {
		if c.Listen.Address == "" {
			errs = append(errs, "listen.address is required when enabled")
		}
		if !strings.HasPrefix(c.Listen.Path, "/") {
			errs = append(errs, "listen.path must start with /")
		}
		if (c.Listen.TLS.Cert == "") != (c.Listen.TLS.Key == "") {
			errs = append(errs, "listen.tls.cert and listen.tls.key must be set together")
		}
	}
	if c.Listen.MaxConnections < 0 {
		errs = append(errs, "listen.max_connections must not be negative")
	}

	if c.Upstream.Target != "" {
		if _, err := transport.ParseTarget(c.Upstream.Target, c.Upstream.SSL); err != nil {
			errs = append(errs, fmt.Sprintf("upstream.target: %v", err))
		}
	}

	if _, err := firewall.ParseAction(c.Firewall.Policy); err != nil {
		errs = append(errs, fmt.Sprintf("firewall.policy: %v", err))
	}
	for i, r := range c.Firewall.Rules {
		if err := firewall.New().Add(r.Action, r.Address); err != nil {
			errs = append(errs, fmt.Sprintf("firewall.rules[%d]: %v", i, err))
		}
	}

	for i, u := range c.Auth.Users {
		if u.User == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: user is required", i))
		}
	}
	if c.Auth.Retry < 1 {
		errs = append(errs, "auth.retry must be positive")
	}
	if c.Auth.Deny < 1 {
		errs = append(errs, "auth.deny must be positive")
	}
	if c.Auth.RetryTime < 0 || c.Auth.UnlockTime < 0 {
		errs = append(errs, "auth durations must not be negative")
	}

	if c.Queue.CommandTimeout <= 0 {
		errs = append(errs, "queue.command_timeout must be positive")
	}
	if c.History.Size < 1 {
		errs = append(errs, "history.size must be positive")
	}
	if c.Limits.KeypressRate <= 0 || c.Limits.KeypressBurst < 1 {
		errs = append(errs, "limits.keypress_rate and limits.keypress_burst must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// AuthEnabled reports whether sessions must authenticate.
func (c *Config) AuthEnabled() bool {
	return len(c.Auth.Users) > 0
}

// StrategyConfig converts the auth section for auth.New.
func (c *Config) StrategyConfig() auth.Config {
	return auth.Config{
		Users:      c.Auth.Users,
		Deny:       c.Auth.Deny,
		UnlockTime: c.Auth.UnlockTime,
		Retry:      c.Auth.Retry,
		RetryTime:  c.Auth.RetryTime,
	}
}

// BuildFirewall creates a firewall holding the configured policy and rules.
func (c *Config) BuildFirewall() (*firewall.Firewall, error) {
	fw := firewall.New()
	if err := fw.SetPolicy(c.Firewall.Policy); err != nil {
		return nil, err
	}
	for i, r := range c.Firewall.Rules {
		if err := fw.Add(r.Action, r.Address); err != nil {
			return nil, fmt.Errorf("firewall.rules[%d]: %w", i, err)
		}
	}
	return fw, nil
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe renders the config as YAML including sensitive values, the
// way it is written to disk. Do not log the output.
func (c *Config) StringUnsafe() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Auth.Users {
		if redacted.Auth.Users[i].Pass != "" {
			redacted.Auth.Users[i].Pass = redactedValue
		}
	}
	if redacted.Upstream.Password != "" {
		redacted.Upstream.Password = redactedValue
	}
	// Key paths point to sensitive files
	if redacted.Listen.TLS.Key != "" {
		redacted.Listen.TLS.Key = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Upstream.Password != "" {
		return true
	}
	for _, u := range c.Auth.Users {
		if u.Pass != "" {
			return true
		}
	}
	return false
}
