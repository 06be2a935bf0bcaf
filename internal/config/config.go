// Package config handles CLI, environment and TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// PublicPrefix is the mount point of the relay pipeline.
const PublicPrefix = "/p"

// AllowAllOrigins is the sentinel origin pattern that disables origin filtering.
const AllowAllOrigins = "*"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Target       string   `kong:"help='Upstream base URL (overrides config).',env='TARGET_BASE'"`
	Host         string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	AllowOrigins []string `kong:"help='Comma-separated allowed origin patterns, * for any (overrides config).',env='ALLOW_ORIGINS'"`
	ProxyToken   string   `kong:"help='Shared token required in X-Proxy-Token (overrides config).',env='PROXY_TOKEN'"`
	InsecureTLS  bool     `kong:"help='Skip upstream TLS certificate verification.',env='INSECURE_TLS'"`
	LogRequests  bool     `kong:"help='Log every request.',env='LOG_REQUESTS'"`
	LogFormat    string   `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
	LogLevel     string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	StartVerbose bool     `kong:"help='Include the upstream scheme and host in the startup log.',env='START_VERBOSE'"`
}

// Config is the top-level application configuration. It is not modified after Load returns.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	CORS     CORSConfig     `toml:"cors"`
	Auth     AuthConfig     `toml:"auth"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath    string   // resolved config file path (unexported)
	upstreamURL *url.URL // parsed Upstream.BaseURL
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`           // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL            string `toml:"base_url"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	IdleConnections    int    `toml:"idle_connections"`
}

// CORSConfig holds the origin allow-list.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins"`
}

// AuthConfig holds the optional shared access token.
type AuthConfig struct {
	Token string `toml:"token"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level        string `toml:"level"`
	Format       string `toml:"format"`
	Requests     bool   `toml:"requests"`
	StartVerbose bool   `toml:"start_verbose"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay/config.toml then configs/config.toml; if neither exists the
// configuration comes from flags and environment alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.CORS.AllowOrigins = normalizeOrigins(cfg.CORS.AllowOrigins)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if t := strings.TrimSpace(cli.Target); t != "" {
		c.Upstream.BaseURL = t
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if len(cli.AllowOrigins) > 0 {
		c.CORS.AllowOrigins = cli.AllowOrigins
	}
	if t := strings.TrimSpace(cli.ProxyToken); t != "" {
		c.Auth.Token = t
	}
	if cli.InsecureTLS {
		c.Upstream.InsecureSkipVerify = true
	}
	if cli.LogRequests {
		c.Log.Requests = true
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.StartVerbose {
		c.Log.StartVerbose = true
	}
}

// normalizeOrigins trims patterns and drops empty ones. An unset list means
// "allow all"; a list that was set but is empty after trimming allows no
// cross-origin caller.
func normalizeOrigins(patterns []string) []string {
	if len(patterns) == 0 {
		return []string{AllowAllOrigins}
	}
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	// The messages stay generic on purpose; they are printed on startup failure.
	c.Upstream.BaseURL = strings.TrimSpace(c.Upstream.BaseURL)
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream base URL is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("upstream base URL is not a valid absolute URL")
	}
	c.upstreamURL = u

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{PublicPrefix, "/health"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// Zero means "unset" for integer fields because TOML cannot distinguish an
// explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamURL returns the parsed upstream base URL. It falls back to parsing
// Upstream.BaseURL for configs built without Load (tests).
func (c *Config) UpstreamURL() (*url.URL, error) {
	if c.upstreamURL != nil {
		u := *c.upstreamURL
		return &u, nil
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base URL %q has no host", c.Upstream.BaseURL)
	}
	return u, nil
}

// AllowsAllOrigins reports whether the origin allow-list is the "*" sentinel.
func (c *CORSConfig) AllowsAllOrigins() bool {
	return len(c.AllowOrigins) == 1 && c.AllowOrigins[0] == AllowAllOrigins
}

// WarnPermissions logs a warning if the config file holds a token and is
// readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" || c.Auth.Token == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
