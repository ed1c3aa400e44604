// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/restproxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and cannot be used by routes.
var reservedPaths = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BaseURL  string `kong:"help='Remote base address (overrides config).',env='UPSTREAM_BASE_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Debug    bool   `kong:"help='Log every composed outbound request.',env='PROXY_DEBUG'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Errors   ErrorsConfig   `toml:"errors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Routes   []RouteConfig  `toml:"routes"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig describes the remote base address and how calls are built.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutMS       int    `toml:"timeout_ms"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	IdleConnections int    `toml:"idle_connections"`

	// ForwardHeaders names inbound headers copied onto every outbound call.
	ForwardHeaders []string `toml:"forward_headers"`
	// ExposeHeaders names remote headers copied onto successful replies.
	ExposeHeaders []string `toml:"expose_headers"`
	// Headers are static outbound headers; values may be any TOML scalar.
	Headers map[string]any `toml:"headers"`
}

// ErrorsConfig controls error enrichment.
type ErrorsConfig struct {
	// Codes maps a remote status ("404") to an application error code.
	Codes map[string]string `toml:"codes"`
	// RequestID stamps the inbound request id onto error replies.
	RequestID bool `toml:"request_id"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Debug  bool   `toml:"debug"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RouteConfig binds one inbound method+path to the remote.
type RouteConfig struct {
	Method string `toml:"method"`
	Path   string `toml:"path"`
	// UpstreamPath is an optional remote path template ("/v2/users/:id").
	// When empty the inbound path is forwarded unchanged.
	UpstreamPath string `toml:"upstream_path"`
	// Mode is "default" or "raw".
	Mode string `toml:"mode"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/restproxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes TOML data without validation or defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BaseURL != "" {
		c.Upstream.BaseURL = cli.BaseURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Debug {
		c.Log.Debug = true
	}
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutMS < 0 {
		return fmt.Errorf("upstream.timeout_ms must be non-negative; got %d", c.Upstream.TimeoutMS)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for status := range c.Errors.Codes {
		n, err := strconv.Atoi(status)
		if err != nil || n < 400 || n > 599 {
			return fmt.Errorf("errors.codes key must be an HTTP error status (400–599); got %q", status)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return c.validateRoutes()
}

// validateRoutes reports every invalid route rather than only the first one.
func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[routes]] entry is required")
	}

	var errs error
	seen := make(map[string]int, len(c.Routes))
	for i, r := range c.Routes {
		method := strings.ToUpper(r.Method)
		if !knownMethods[method] {
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].method must be one of GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS, ANY; got %q", i, r.Method))
		}
		if r.Path == "" || r.Path[0] != '/' {
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].path must start with '/'; got %q", i, r.Path))
		}
		for _, reserved := range reservedPaths {
			if r.Path == reserved {
				errs = multierr.Append(errs, fmt.Errorf("routes[%d].path %q conflicts with reserved route", i, r.Path))
			}
		}
		if c.Metrics.Enabled && r.Path == c.metricsPath() {
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].path %q conflicts with metrics.path", i, r.Path))
		}
		switch strings.ToLower(r.Mode) {
		case "", "default", "raw":
		default:
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].mode must be one of: default, raw; got %q", i, r.Mode))
		}
		key := method + " " + r.Path
		if prev, ok := seen[key]; ok {
			errs = multierr.Append(errs, fmt.Errorf("routes[%d] duplicates routes[%d] (%s)", i, prev, key))
		}
		seen[key] = i
	}
	return errs
}

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true, "ANY": true,
}

func (c *Config) metricsPath() string {
	if c.Metrics.Path == "" {
		return "/metrics"
	}
	return c.Metrics.Path
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 100 * 1024 * 1024 // 100 MiB
	}
	if c.Upstream.TimeoutMS == 0 {
		c.Upstream.TimeoutMS = 30000
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 100 * 1024 * 1024 // 100 MiB
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
	c.Metrics.Path = c.metricsPath()
	for i := range c.Routes {
		c.Routes[i].Method = strings.ToUpper(c.Routes[i].Method)
		c.Routes[i].Mode = strings.ToLower(c.Routes[i].Mode)
		if c.Routes[i].Mode == "" {
			c.Routes[i].Mode = "default"
		}
	}
}

// Timeout returns the outbound call timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
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
// Static upstream headers frequently carry credentials.
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
