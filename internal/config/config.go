// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/viewport-proxy/config.toml",
	"configs/config.toml",
}

// defaultUserAgent is a current desktop Chrome user agent.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// reservedRoutes cannot be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/api/proxy", "/api/navigate", "/raw", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Ruleset  []string `kong:"short='r',help='Ruleset file or directory (repeatable, overrides config).',env='RULESET'"`
	LogLevel string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Fallback FallbackConfig `toml:"fallback"`
	Ruleset  RulesetConfig  `toml:"ruleset"`
	Relay    RelayConfig    `toml:"relay"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds outbound fetch settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	MaxRedirects    int    `toml:"max_redirects"`
	UserAgent       string `toml:"user_agent"`

	// DenyNetworks lists CIDR ranges upstream connections may not reach. An
	// omitted key selects DefaultDenyNetworks; an empty list allows everything.
	DenyNetworks []string `toml:"deny_networks"`
}

// FallbackConfig lists the relay services tried after a failed direct fetch.
type FallbackConfig struct {
	Relays []RelayService `toml:"relays"`

	// DisableRelays skips the default relay list when Relays is empty.
	DisableRelays bool `toml:"disable_relays"`
	// DisablePlaceholder turns off the static placeholder attempt.
	DisablePlaceholder bool `toml:"disable_placeholder"`
}

// RelayService is a third-party CORS-unblocking service.
type RelayService struct {
	Name string `toml:"name"`
	// URL is the service prefix; the escaped target URL is appended.
	URL string `toml:"url"`
	// Format is "json" (page wrapped in a JSON field) or "raw".
	Format string `toml:"format"`
	// JSONPath is the gjson path of the page in a "json" response.
	JSONPath string `toml:"json_path"`
	// StatusPath optionally locates the upstream status code in a "json"
	// response, so relayed error pages are not mistaken for content.
	StatusPath string `toml:"status_path"`
}

// RulesetConfig locates site-profile rule files.
type RulesetConfig struct {
	Paths       []string `toml:"paths"`
	SkipBuiltin bool     `toml:"skip_builtin"`
}

// RelayConfig holds navigation relay settings.
type RelayConfig struct {
	SessionTTLSeconds int `toml:"session_ttl_seconds"`
	MaxSessions       int `toml:"max_sessions"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`

	// File, when set, receives logs through a rotating writer instead of stdout.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultRelays is used when fallback.relays is empty.
var DefaultRelays = []RelayService{
	{Name: "allorigins", URL: "https://api.allorigins.win/get?url=", Format: "json", JSONPath: "contents", StatusPath: "status.http_code"},
}

// DefaultDenyNetworks keeps the proxy off loopback, private and link-local
// addresses, cloud metadata endpoints included.
var DefaultDenyNetworks = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/viewport-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if len(cli.Ruleset) > 0 {
		c.Ruleset.Paths = cli.Ruleset
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
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
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Relay.SessionTTLSeconds < 0 {
		return fmt.Errorf("relay.session_ttl_seconds must be non-negative; got %d", c.Relay.SessionTTLSeconds)
	}
	if c.Relay.MaxSessions < 0 {
		return fmt.Errorf("relay.max_sessions must be non-negative; got %d", c.Relay.MaxSessions)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for i, cidr := range c.Upstream.DenyNetworks {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("upstream.deny_networks[%d] is not a CIDR: %q", i, cidr)
		}
	}

	// Relay services: HTTPS only, known format.
	for i, r := range c.Fallback.Relays {
		if r.Name == "" {
			return fmt.Errorf("fallback.relays[%d].name is required", i)
		}
		u, err := url.Parse(r.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("fallback.relays[%d].url is not a valid URL: %q", i, r.URL)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("fallback.relays[%d].url must use HTTPS; got %q", i, r.URL)
		}
		switch strings.ToLower(r.Format) {
		case "json", "raw", "":
		default:
			return fmt.Errorf("fallback.relays[%d].format must be one of: json, raw; got %q", i, r.Format)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
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
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the viewer route", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 // requests carry a URL, not payloads
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 20
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 15 * 1024 * 1024 // 15 MB
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = defaultUserAgent
	}
	if c.Upstream.DenyNetworks == nil {
		c.Upstream.DenyNetworks = append([]string(nil), DefaultDenyNetworks...)
	}
	if len(c.Fallback.Relays) == 0 && !c.Fallback.DisableRelays {
		c.Fallback.Relays = append([]RelayService(nil), DefaultRelays...)
	}
	for i := range c.Fallback.Relays {
		r := &c.Fallback.Relays[i]
		r.Format = strings.ToLower(r.Format)
		if r.Format == "" {
			r.Format = "raw"
		}
		if r.Format == "json" && r.JSONPath == "" {
			r.JSONPath = "contents"
		}
	}
	if c.Relay.SessionTTLSeconds == 0 {
		c.Relay.SessionTTLSeconds = 1800
	}
	if c.Relay.MaxSessions == 0 {
		c.Relay.MaxSessions = 10000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
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

// FilePath returns the config file that was loaded, or "" for defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is writable by group or
// others; relay URLs and rulesets steer where the proxy sends traffic.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
