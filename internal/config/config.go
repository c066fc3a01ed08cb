// Package config handles TOML configuration loading, environment overrides, and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"cors-proxy-go/internal/policy"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and cannot be shadowed.
var reservedPaths = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='PROXY_HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PROXY_PORT'"`
	Route        string `kong:"help='Route prefix for proxied requests (overrides config).',env='PROXY_ROUTE'"`
	TimeoutMS    int    `kong:"name='timeout-ms',help='Upstream time-to-first-byte timeout in milliseconds.',env='PROXY_TIMEOUT_MS'"`
	AllowOrigins string `kong:"help='JSON array of allowed origins (overrides config).',env='PROXY_ALLOW_ORIGINS'"`
	AllowTargets string `kong:"help='JSON array of allowed target regular expressions (overrides config).',env='PROXY_ALLOW_TARGETS'"`
	RLWindowMS   int    `kong:"name='rl-window-ms',help='Rate limit window in milliseconds; enables rate limiting.',env='PROXY_RL_WINDOW_MS'"`
	RLMax        int    `kong:"name='rl-max',help='Requests per window per client IP; enables rate limiting.',env='PROXY_RL_MAX'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	CORS     CORSConfig     `toml:"cors"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host       string          `toml:"host"`
	Port       int             `toml:"port"` // 0 means "use default" (3000)
	Route      string          `toml:"route"`
	TrustProxy bool            `toml:"trust_proxy"`
	RateLimit  RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting over a fixed window.
type RateLimitConfig struct {
	Enabled     bool `toml:"enabled"`
	WindowMS    int  `toml:"window_ms"`
	MaxRequests int  `toml:"max_requests"`
}

// Window returns the rate limit window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// CORSConfig holds the origin and target allow-lists.
type CORSConfig struct {
	AllowOrigins  []string `toml:"allow_origins"`
	AllowTargets  []string `toml:"allow_targets"`
	RequireOrigin bool     `toml:"require_origin"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutMS       int `toml:"timeout_ms"`
	IdleConnections int `toml:"idle_connections"`
}

// Timeout returns the time-to-first-byte budget for an upstream request.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file and applies CLI and environment overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-proxy/config.toml then configs/config.toml, and runs on defaults
// if neither exists.
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

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags. The allow-lists
// arrive as raw JSON; a present but malformed list is an error.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Route != "" {
		c.Server.Route = cli.Route
	}
	if cli.TimeoutMS != 0 {
		c.Upstream.TimeoutMS = cli.TimeoutMS
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}

	if cli.AllowOrigins != "" {
		origins, err := policy.ParseList(cli.AllowOrigins)
		if err != nil {
			return fmt.Errorf("PROXY_ALLOW_ORIGINS: %w", err)
		}
		c.CORS.AllowOrigins = origins
	}
	if cli.AllowTargets != "" {
		targets, err := policy.ParseList(cli.AllowTargets)
		if err != nil {
			return fmt.Errorf("PROXY_ALLOW_TARGETS: %w", err)
		}
		c.CORS.AllowTargets = targets
	}

	if cli.RLWindowMS != 0 {
		c.Server.RateLimit.Enabled = true
		c.Server.RateLimit.WindowMS = cli.RLWindowMS
	}
	if cli.RLMax != 0 {
		c.Server.RateLimit.Enabled = true
		c.Server.RateLimit.MaxRequests = cli.RLMax
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}

	route := c.Server.Route
	if !strings.HasPrefix(route, "/") {
		return fmt.Errorf("server.route must start with '/'; got %q", route)
	}
	if route == "/" {
		return errors.New("server.route must not be the root path")
	}
	for _, reserved := range reservedPaths {
		if strings.HasPrefix(reserved+"/", route) {
			return fmt.Errorf("server.route %q conflicts with reserved route %q", route, reserved)
		}
	}

	if c.Upstream.TimeoutMS < 0 {
		return fmt.Errorf("upstream.timeout_ms must be non-negative; got %d", c.Upstream.TimeoutMS)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.WindowMS <= 0 {
			return fmt.Errorf("server.rate_limit.window_ms must be > 0 when rate limiting is enabled; got %d", c.Server.RateLimit.WindowMS)
		}
		if c.Server.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("server.rate_limit.max_requests must be > 0 when rate limiting is enabled; got %d", c.Server.RateLimit.MaxRequests)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append([]string{strings.TrimSuffix(route, "/")}, reservedPaths...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults and normalizes the route
// to end in a slash. TOML cannot distinguish an explicit 0 from an omitted key,
// so zero always means "use the default".
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.Route == "" {
		c.Server.Route = "/cors-proxy/"
	}
	if !strings.HasSuffix(c.Server.Route, "/") {
		c.Server.Route += "/"
	}
	if c.Server.RateLimit.WindowMS == 0 {
		c.Server.RateLimit.WindowMS = 5 * 60 * 1000
	}
	if c.Server.RateLimit.MaxRequests == 0 {
		c.Server.RateLimit.MaxRequests = 20
	}
	if c.Upstream.TimeoutMS == 0 {
		c.Upstream.TimeoutMS = 3000
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

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
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
