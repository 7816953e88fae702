// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/apisheet-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are fixed paths the relay prefix and metrics path must not shadow.
var reservedRoutes = []string{"/convert", "/healthz", "/proxy/status", "/proxy/probe"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	GovernmentRelay string `kong:"help='Government relay URL prefix (overrides config).',env='GOVERNMENT_RELAY_URL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Relay      RelayConfig      `toml:"relay"`
	Routes     RoutesConfig     `toml:"routes"`
	Government GovernmentConfig `toml:"government"`
	Export     ExportConfig     `toml:"export"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

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

// UpstreamConfig holds outbound connection settings shared by every route.
type UpstreamConfig struct {
	TimeoutSeconds  int   `toml:"timeout_seconds"` // ceiling for any single upstream call
	IdleConnections int   `toml:"idle_connections"`
	MaxBodyBytes    int64 `toml:"max_body_bytes"`
	MaxRedirects    int   `toml:"max_redirects"`
}

// RelayConfig holds settings for the local relay endpoint.
type RelayConfig struct {
	Prefix                   string `toml:"prefix"`
	TimeoutSeconds           int    `toml:"timeout_seconds"`
	GovernmentTimeoutSeconds int    `toml:"government_timeout_seconds"`
	UserAgent                string `toml:"user_agent"`
}

// RoutesConfig controls the fetch route plan.
type RoutesConfig struct {
	LocalRelayURL        string              `toml:"local_relay_url"`
	DisableLocalRelay    bool                `toml:"disable_local_relay"`
	GovernmentRelayURL   string              `toml:"government_relay_url"`
	PublicTimeoutSeconds int                 `toml:"public_timeout_seconds"`
	ProbeTimeoutSeconds  int                 `toml:"probe_timeout_seconds"`
	HealthTTLSeconds     int                 `toml:"health_ttl_seconds"`
	PublicProxies        []PublicProxyConfig `toml:"public_proxies"`
}

// PublicProxyConfig describes one third-party CORS relay. The encoded target is
// appended to Prefix.
type PublicProxyConfig struct {
	Name   string `toml:"name"`
	Prefix string `toml:"prefix"`
}

// GovernmentConfig lists the hosts treated as sensitive government targets.
type GovernmentConfig struct {
	Suffixes []string `toml:"suffixes"`
	Hosts    []string `toml:"hosts"`
}

// ExportConfig holds download settings.
type ExportConfig struct {
	DefaultFilename string `toml:"default_filename"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultPublicProxies are the public CORS relays tried last, in preference order.
var DefaultPublicProxies = []PublicProxyConfig{
	{Name: "corsproxy", Prefix: "https://corsproxy.io/?"},
	{Name: "cors-anywhere", Prefix: "https://cors-anywhere-fxhv.onrender.com/"},
	{Name: "cors-sh", Prefix: "https://proxy.cors.sh/"},
	{Name: "allorigins", Prefix: "https://api.allorigins.win/raw?url="},
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/apisheet-proxy/config.toml then configs/config.toml.
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

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.GovernmentRelay != "" {
		c.Routes.GovernmentRelayURL = cli.GovernmentRelay
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
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for name, v := range map[string]int{
		"upstream.timeout_seconds":         c.Upstream.TimeoutSeconds,
		"upstream.idle_connections":        c.Upstream.IdleConnections,
		"upstream.max_redirects":           c.Upstream.MaxRedirects,
		"relay.timeout_seconds":            c.Relay.TimeoutSeconds,
		"relay.government_timeout_seconds": c.Relay.GovernmentTimeoutSeconds,
		"routes.public_timeout_seconds":    c.Routes.PublicTimeoutSeconds,
		"routes.probe_timeout_seconds":     c.Routes.ProbeTimeoutSeconds,
		"routes.health_ttl_seconds":        c.Routes.HealthTTLSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}

	// Relay prefix.
	if p := c.Relay.Prefix; p != "" {
		if p[0] != '/' || p == "/" {
			return fmt.Errorf("relay.prefix must start with '/' and not be the root; got %q", p)
		}
		if err := checkReserved("relay.prefix", strings.TrimSuffix(p, "/")); err != nil {
			return err
		}
	}

	// Route URLs.
	if err := checkHTTPURL("routes.local_relay_url", c.Routes.LocalRelayURL); err != nil {
		return err
	}
	if err := checkHTTPURL("routes.government_relay_url", c.Routes.GovernmentRelayURL); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Routes.PublicProxies))
	for i, p := range c.Routes.PublicProxies {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("routes.public_proxies[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("routes.public_proxies[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if p.Prefix == "" {
			return fmt.Errorf("routes.public_proxies[%d].prefix is required", i)
		}
		if err := checkHTTPURL(fmt.Sprintf("routes.public_proxies[%d].prefix", i), p.Prefix); err != nil {
			return err
		}
	}

	// Government domains.
	for _, s := range c.Government.Suffixes {
		if !strings.HasPrefix(s, ".") || len(s) < 2 {
			return fmt.Errorf("government.suffixes entries must start with '.'; got %q", s)
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
		if err := checkReserved("metrics.path", p); err != nil {
			return err
		}
		relay := c.Relay.Prefix
		if relay == "" {
			relay = "/api"
		}
		relay = strings.TrimSuffix(relay, "/")
		if p == relay || strings.HasPrefix(p, relay+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, relay)
		}
	}

	return nil
}

func checkReserved(field, p string) error {
	for _, reserved := range reservedRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") || strings.HasPrefix(reserved, p+"/") {
			return fmt.Errorf("%s %q conflicts with reserved route %q", field, p, reserved)
		}
	}
	return nil
}

func checkHTTPURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, timeouts, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 50 * 1024 * 1024 // 50 MB
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 5
	}
	if c.Relay.Prefix == "" {
		c.Relay.Prefix = "/api"
	}
	c.Relay.Prefix = strings.TrimSuffix(c.Relay.Prefix, "/")
	if c.Relay.TimeoutSeconds == 0 {
		c.Relay.TimeoutSeconds = 60
	}
	if c.Relay.GovernmentTimeoutSeconds == 0 {
		c.Relay.GovernmentTimeoutSeconds = 90
	}
	if c.Relay.UserAgent == "" {
		c.Relay.UserAgent = "apisheet-relay/1.0"
	}
	if c.Routes.LocalRelayURL == "" && !c.Routes.DisableLocalRelay {
		c.Routes.LocalRelayURL = c.defaultLocalRelayURL()
	}
	if c.Routes.PublicTimeoutSeconds == 0 {
		c.Routes.PublicTimeoutSeconds = 30
	}
	if c.Routes.ProbeTimeoutSeconds == 0 {
		c.Routes.ProbeTimeoutSeconds = 5
	}
	if c.Routes.HealthTTLSeconds == 0 {
		c.Routes.HealthTTLSeconds = 300
	}
	if c.Routes.PublicProxies == nil {
		c.Routes.PublicProxies = append([]PublicProxyConfig(nil), DefaultPublicProxies...)
	}
	if len(c.Government.Suffixes) == 0 {
		c.Government.Suffixes = []string{".go.th"}
	}
	if len(c.Government.Hosts) == 0 {
		c.Government.Hosts = []string{"moph.go.th", "ddc.moph.go.th"}
	}
	if c.Export.DefaultFilename == "" {
		c.Export.DefaultFilename = "api-data"
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
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// defaultLocalRelayURL points at this process's own relay endpoint.
func (c *Config) defaultLocalRelayURL() string {
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port)) + c.Relay.Prefix + "/"
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
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Seconds converts a whole-second setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
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
