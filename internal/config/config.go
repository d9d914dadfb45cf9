// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/eduhens-gateway/config.toml",
	"configs/config.toml",
}

// Environment names accepted in app.environment.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// minSessionSecretLen is the shortest session secret accepted.
const minSessionSecretLen = 32

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Environment   string `kong:"help='Runtime environment: development|test|production (overrides config).',env='APP_ENV'"`
	SessionSecret string `kong:"help='Session cookie secret (overrides config).',env='SESSION_SECRET'"`

	PublicBackendURL   string `kong:"name='public-backend-url',help='Browser-visible backend URL.',env='PUBLIC_BACKEND_URL'"`
	InternalBackendURL string `kong:"name='internal-backend-url',help='Server-side only backend URL.',env='INTERNAL_BACKEND_URL'"`
	DeploymentURL      string `kong:"name='deployment-url',help='Platform-provided deployment host.',env='VERCEL_URL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	App      AppConfig      `toml:"app"`
	Backend  BackendConfig  `toml:"backend"`
	Session  SessionConfig  `toml:"session"`
	Identity IdentityConfig `toml:"identity"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AppConfig holds deployment-wide settings.
type AppConfig struct {
	Environment string `toml:"environment"`
	// PublicOrigin pins the origin used by the same-origin relay. When empty
	// the origin of each inbound request is used, but only if its host is
	// listed in AllowedHosts.
	PublicOrigin string `toml:"public_origin"`
	// AllowedHosts are host[:port] values the same-origin relay may call.
	// Defaults to the loopback addresses on server.port.
	AllowedHosts []string `toml:"allowed_hosts"`
}

// IsProduction reports whether diagnostics must be withheld from clients.
func (a AppConfig) IsProduction() bool {
	return strings.EqualFold(a.Environment, EnvProduction)
}

// BackendConfig describes where the upstream backend lives.
type BackendConfig struct {
	PublicURL     string `toml:"public_url"`
	InternalURL   string `toml:"internal_url"`
	DeploymentURL string `toml:"deployment_url"`

	// SocketPath is a Unix socket of a co-located backend, relative to the
	// working directory unless absolute.
	SocketPath string `toml:"socket_path"`
	// RemoteFallback enables the remote URL as the last upstream candidate.
	// Pointer so that an omitted key can default to true.
	RemoteFallback *bool `toml:"remote_fallback"`

	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// SessionConfig holds identity session cookie settings.
type SessionConfig struct {
	Secret     string `toml:"secret"`
	CookieName string `toml:"cookie_name"`
}

// IdentityConfig holds identity provider settings used for token refresh.
// Refresh is disabled when IssuerBaseURL is empty.
type IdentityConfig struct {
	IssuerBaseURL string `toml:"issuer_base_url"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	Scope         string `toml:"scope"`
}

// TokenURL returns the identity provider's OAuth2 token endpoint.
func (i IdentityConfig) TokenURL() string {
	return strings.TrimRight(i.IssuerBaseURL, "/") + "/oauth/token"
}

// ProxyConfig holds request proxy behaviour toggles.
type ProxyConfig struct {
	AttachSessionToken bool `toml:"attach_session_token"`
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

// LoadDotEnv loads variables from .env files into the process environment.
// Variables already set are left untouched and a missing file is not an error.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/eduhens-gateway/config.toml then configs/config.toml.
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
	if cli.Environment != "" {
		c.App.Environment = cli.Environment
	}
	if cli.SessionSecret != "" {
		c.Session.Secret = cli.SessionSecret
	}
	if cli.PublicBackendURL != "" {
		c.Backend.PublicURL = cli.PublicBackendURL
	}
	if cli.InternalBackendURL != "" {
		c.Backend.InternalURL = cli.InternalBackendURL
	}
	if cli.DeploymentURL != "" {
		c.Backend.DeploymentURL = cli.DeploymentURL
	}
}

func (c *Config) validate() error {
	if len(c.Session.Secret) < minSessionSecretLen {
		return fmt.Errorf("session.secret must be at least %d bytes; got %d", minSessionSecretLen, len(c.Session.Secret))
	}

	// Backend URLs: optional, but must be absolute http(s) when present.
	for name, raw := range map[string]string{
		"backend.public_url":   c.Backend.PublicURL,
		"backend.internal_url": c.Backend.InternalURL,
		"app.public_origin":    c.App.PublicOrigin,
	} {
		if raw == "" {
			continue
		}
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Backend.DeploymentURL != "" {
		if err := validateHTTPURL(withScheme(c.Backend.DeploymentURL)); err != nil {
			return fmt.Errorf("backend.deployment_url: %w", err)
		}
	}
	if c.Identity.IssuerBaseURL != "" {
		if err := validateHTTPURL(c.Identity.IssuerBaseURL); err != nil {
			return fmt.Errorf("identity.issuer_base_url: %w", err)
		}
		if c.Identity.ClientID == "" {
			return fmt.Errorf("identity.client_id is required when identity.issuer_base_url is set")
		}
	}

	for _, h := range c.App.AllowedHosts {
		if h == "" || strings.ContainsAny(h, "/?#@ ") {
			return fmt.Errorf("app.allowed_hosts entries must be bare host[:port] values; got %q", h)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.App.Environment) {
	case EnvDevelopment, EnvTest, EnvProduction, "":
		// valid
	default:
		return fmt.Errorf("app.environment must be one of: development, test, production; got %q", c.App.Environment)
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
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// reservedRoutes are route prefixes served by the gateway itself.
var reservedRoutes = []string{
	"/api-backend",
	"/api/backend",
	"/api/auth",
	"/api/runtime-config",
	"/healthz",
	"/gateway/status",
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an absolute http or https URL; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
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
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.App.Environment == "" {
		c.App.Environment = EnvDevelopment
	}
	c.App.Environment = strings.ToLower(c.App.Environment)
	if len(c.App.AllowedHosts) == 0 {
		port := strconv.Itoa(c.Server.Port)
		c.App.AllowedHosts = []string{"localhost:" + port, "127.0.0.1:" + port}
	}
	if c.Backend.SocketPath == "" {
		c.Backend.SocketPath = "backend/backend.sock"
	}
	if c.Backend.RemoteFallback == nil {
		enabled := true
		c.Backend.RemoteFallback = &enabled
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 60
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "appSession"
	}
	if c.Identity.Scope == "" {
		c.Identity.Scope = "openid profile email offline_access"
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
// The file carries the session secret, so it deserves the same care as a key.
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
