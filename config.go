package hammerhead

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/acmacalister/hammerhead/proxyurl"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// TLS configuration for HTTPS listeners
	TLS TLSConfig `mapstructure:"tls"`

	// Destination fetch configuration
	Destination DestinationConfig `mapstructure:"destination"`

	// Rewrite configuration
	Rewrite RewriteConfig `mapstructure:"rewrite"`

	// Global request filter rules
	Rules RulesConfig `mapstructure:"rules"`

	// Request limits
	Limits LimitsConfig `mapstructure:"limits"`

	// Error page configuration
	ErrorPage ErrorPageConfig `mapstructure:"error_page"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig contains listener settings. Hostname, ports and protocol
// also form the prefix of every proxy URL.
type ServerConfig struct {
	// Hostname under which clients reach the proxy
	Hostname string `mapstructure:"hostname"`

	// Port of the main listener
	Port int `mapstructure:"port"`

	// CrossDomainPort serves cross-domain iframes (0 disables the listener)
	CrossDomainPort int `mapstructure:"cross_domain_port"`

	// Protocol is "http" or "https"
	Protocol string `mapstructure:"protocol"`

	// ReadTimeout for incoming connections
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout for outgoing responses (0 lets long downloads through)
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TLSConfig contains certificate settings for protocol "https". Either a
// fixed certificate or a local CA that issues one for the hostname.
type TLSConfig struct {
	// CertFile and KeyFile hold a fixed listener certificate
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// CACert is the path to the CA certificate file
	CACert string `mapstructure:"ca_cert"`

	// CAKey is the path to the CA private key file
	CAKey string `mapstructure:"ca_key"`

	// Organization name for a generated CA
	Organization string `mapstructure:"organization"`

	// Aliases are further names the CA issues listener certificates for
	Aliases []string `mapstructure:"aliases"`

	// LeafValidity is the lifetime of issued listener certificates
	LeafValidity time.Duration `mapstructure:"leaf_validity"`

	// WatchInterval polls the certificate files and reloads them when
	// they change (0 = reload on SIGHUP only)
	WatchInterval time.Duration `mapstructure:"watch_interval"`

	// ClientCA is a PEM bundle of CAs whose client certificates may use
	// the listeners (empty = no client certificates)
	ClientCA string `mapstructure:"client_ca"`

	// ClientCertOptional admits clients that present no certificate
	ClientCertOptional bool `mapstructure:"client_cert_optional"`
}

// DestinationConfig contains settings for fetches to destination servers.
type DestinationConfig struct {
	// Timeout is the wall-clock budget for one destination fetch
	Timeout time.Duration `mapstructure:"timeout"`

	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`

	// HTTP2 enables h2 negotiation with destinations
	HTTP2 bool `mapstructure:"http2"`

	// InsecureSkipVerify disables destination certificate checks
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	// UpstreamProxy is an http://, https:// or socks5:// parent proxy
	UpstreamProxy string `mapstructure:"upstream_proxy"`

	// StripHeaders are removed from every destination request
	StripHeaders []string `mapstructure:"strip_headers"`
}

// RewriteConfig contains content rewriting settings.
type RewriteConfig struct {
	// MaxRewriteSize is the largest body that is buffered for rewriting.
	// Larger bodies stream through unmodified.
	MaxRewriteSize int64 `mapstructure:"max_rewrite_size"`

	// InjectScripts are added to every session's pages
	InjectScripts []string `mapstructure:"inject_scripts"`

	// ResponseHeaders are set on every response before it is rewritten
	ResponseHeaders map[string]string `mapstructure:"response_headers"`
}

// RulesConfig contains global request filter rules.
type RulesConfig struct {
	// Static rules defined inline
	Static []RequestFilterRule `mapstructure:"static"`

	// Sources defines external rule sources
	Sources []SourceConfig `mapstructure:"sources"`

	// ReloadInterval for external sources (0 = no auto-reload)
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// SourceConfig defines an external rule source.
type SourceConfig struct {
	// Type of source: "csv", "url", "domains"
	Type string `mapstructure:"type"`

	// Path for file-based sources
	Path string `mapstructure:"path"`

	// URL for remote sources
	URL string `mapstructure:"url"`

	// HasHeader indicates if CSV has a header row
	HasHeader bool `mapstructure:"has_header"`

	// SetHeaders applies to every domain of a "domains" source
	SetHeaders map[string]string `mapstructure:"set_headers"`
}

// LimitsConfig contains request limits.
type LimitsConfig struct {
	// RateLimit is requests per second per client IP (0 = unlimited)
	RateLimit float64 `mapstructure:"rate_limit"`

	// RateBurst is the burst size per client IP
	RateBurst int `mapstructure:"rate_burst"`

	// RateLimitBy is "client" (one bucket per IP) or "session"
	RateLimitBy string `mapstructure:"rate_limit_by"`

	// MaxBodySize limits buffered request bodies (0 = unlimited)
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// HostBodyLimits override MaxBodySize per destination host
	HostBodyLimits []HostBodyLimit `mapstructure:"host_body_limits"`
}

// ErrorPageConfig contains error page settings.
type ErrorPageConfig struct {
	// TemplatePath to a custom error page template
	TemplatePath string `mapstructure:"template_path"`

	// Messages override the message per failure kind, keyed by kind name
	// (e.g. "destination_timeout"). {url} is substituted.
	Messages map[string]string `mapstructure:"messages"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	PathPrefix string `mapstructure:"path_prefix"`

	// Tokens, when set, are required on every admin request
	Tokens []string `mapstructure:"tokens"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// Rotation settings for file output
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`

	// AccessLog enables one record per proxied request
	AccessLog bool `mapstructure:"access_log"`

	// SlowRequest logs access records of requests slower than this at
	// warn level (0 disables)
	SlowRequest time.Duration `mapstructure:"slow_request"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			Port:            1337,
			CrossDomainPort: 1338,
			Protocol:        "http",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		TLS: TLSConfig{
			CACert:       "ca.crt",
			CAKey:        "ca.key",
			Organization: "Hammerhead Proxy",
			LeafValidity: DefaultLeafValidity,
		},
		Destination: DestinationConfig{
			Timeout:             25 * time.Second,
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			HTTP2:               true,
		},
		Rewrite: RewriteConfig{
			MaxRewriteSize: 20 * MB,
		},
		Rules: RulesConfig{
			ReloadInterval: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			RateLimitBy: "client",
			MaxBodySize: 10 * MB,
		},
		Admin: AdminConfig{
			Enabled:    true,
			PathPrefix: DefaultAdminPrefix,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "text",
			Output:      "stderr",
			MaxSizeMB:   100,
			MaxBackups:  3,
			MaxAgeDays:  28,
			AccessLog:   true,
			SlowRequest: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./hammerhead.yaml, ./hammerhead.yml, ./hammerhead.json, ./hammerhead.toml
// 3. $HOME/.hammerhead/hammerhead.yaml
// 4. /etc/hammerhead/hammerhead.yaml
//
// Environment variables use the HAMMERHEAD_ prefix, e.g.
// HAMMERHEAD_SERVER_PORT or HAMMERHEAD_DESTINATION_TIMEOUT.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("hammerhead")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.hammerhead")
	v.AddConfigPath("/etc/hammerhead")

	v.SetEnvPrefix("HAMMERHEAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.hostname", defaults.Server.Hostname)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.cross_domain_port", defaults.Server.CrossDomainPort)
	v.SetDefault("server.protocol", defaults.Server.Protocol)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)

	// TLS defaults
	v.SetDefault("tls.cert_file", defaults.TLS.CertFile)
	v.SetDefault("tls.key_file", defaults.TLS.KeyFile)
	v.SetDefault("tls.ca_cert", defaults.TLS.CACert)
	v.SetDefault("tls.ca_key", defaults.TLS.CAKey)
	v.SetDefault("tls.organization", defaults.TLS.Organization)
	v.SetDefault("tls.leaf_validity", defaults.TLS.LeafValidity)
	v.SetDefault("tls.watch_interval", defaults.TLS.WatchInterval)
	v.SetDefault("tls.client_ca", defaults.TLS.ClientCA)
	v.SetDefault("tls.client_cert_optional", defaults.TLS.ClientCertOptional)

	// Destination defaults
	v.SetDefault("destination.timeout", defaults.Destination.Timeout)
	v.SetDefault("destination.max_idle_conns", defaults.Destination.MaxIdleConns)
	v.SetDefault("destination.max_idle_conns_per_host", defaults.Destination.MaxIdleConnsPerHost)
	v.SetDefault("destination.max_conns_per_host", defaults.Destination.MaxConnsPerHost)
	v.SetDefault("destination.idle_conn_timeout", defaults.Destination.IdleConnTimeout)
	v.SetDefault("destination.http2", defaults.Destination.HTTP2)
	v.SetDefault("destination.insecure_skip_verify", defaults.Destination.InsecureSkipVerify)
	v.SetDefault("destination.upstream_proxy", defaults.Destination.UpstreamProxy)

	// Rewrite defaults
	v.SetDefault("rewrite.max_rewrite_size", defaults.Rewrite.MaxRewriteSize)

	// Rules defaults
	v.SetDefault("rules.reload_interval", defaults.Rules.ReloadInterval)

	// Limits defaults
	v.SetDefault("limits.rate_limit", defaults.Limits.RateLimit)
	v.SetDefault("limits.rate_burst", defaults.Limits.RateBurst)
	v.SetDefault("limits.rate_limit_by", defaults.Limits.RateLimitBy)
	v.SetDefault("limits.max_body_size", defaults.Limits.MaxBodySize)

	// Error page defaults
	v.SetDefault("error_page.template_path", defaults.ErrorPage.TemplatePath)

	// Admin defaults
	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
	v.SetDefault("logging.access_log", defaults.Logging.AccessLog)
	v.SetDefault("logging.slow_request", defaults.Logging.SlowRequest)

	// Metrics defaults
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Server.Protocol {
	case "http", "https":
	default:
		return fmt.Errorf("server.protocol must be http or https, got %q", c.Server.Protocol)
	}
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.CrossDomainPort < 0 || c.Server.CrossDomainPort > 65535 {
		return fmt.Errorf("server.cross_domain_port out of range: %d", c.Server.CrossDomainPort)
	}
	if c.Server.CrossDomainPort == c.Server.Port {
		return fmt.Errorf("server.cross_domain_port must differ from server.port")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	switch c.Limits.RateLimitBy {
	case "", "client", "session":
	default:
		return fmt.Errorf("limits.rate_limit_by must be client or session, got %q", c.Limits.RateLimitBy)
	}
	for i, hl := range c.Limits.HostBodyLimits {
		if hl.Host == "" || hl.MaxSize < 0 {
			return fmt.Errorf("limits.host_body_limits[%d]: host is required and max_size must be >= 0", i)
		}
	}
	if c.TLS.ClientCA != "" && c.Server.Protocol != "https" {
		return fmt.Errorf("tls.client_ca requires server.protocol https")
	}
	for name := range c.ErrorPage.Messages {
		if _, err := ParseFailureKind(name); err != nil {
			return fmt.Errorf("error_page.messages: %w", err)
		}
	}
	return nil
}

// Codec returns the proxy URL codec for the configured listeners.
func (c *Config) Codec() *proxyurl.Codec {
	return &proxyurl.Codec{
		Protocol:        c.Server.Protocol,
		Hostname:        c.Server.Hostname,
		Port:            c.Server.Port,
		CrossDomainPort: c.Server.CrossDomainPort,
	}
}

// ErrorTemplates returns the configured message overrides.
func (c *Config) ErrorTemplates() map[FailureKind]string {
	if len(c.ErrorPage.Messages) == 0 {
		return nil
	}
	out := make(map[FailureKind]string, len(c.ErrorPage.Messages))
	for name, msg := range c.ErrorPage.Messages {
		if kind, err := ParseFailureKind(name); err == nil {
			out[kind] = msg
		}
	}
	return out
}

// BuildTransportPool creates the destination transport pool.
func (c *Config) BuildTransportPool() (*TransportPool, error) {
	tp := NewTransportPool()
	d := c.Destination
	tp.MaxIdleConns = d.MaxIdleConns
	tp.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	tp.MaxConnsPerHost = d.MaxConnsPerHost
	tp.IdleConnTimeout = d.IdleConnTimeout
	tp.EnableHTTP2 = d.HTTP2
	// The destination budget covers header wait.
	tp.ResponseHeaderTimeout = 0
	if d.InsecureSkipVerify {
		tp.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test destinations
	}
	if d.UpstreamProxy != "" {
		up, err := NewUpstreamProxy(d.UpstreamProxy)
		if err != nil {
			return nil, err
		}
		tp.Upstream = up
	}
	return tp, nil
}

// BuildRateLimiter returns the request throttle, or nil when
// limits.rate_limit is 0.
func (c *Config) BuildRateLimiter() *RateLimiter {
	if c.Limits.RateLimit <= 0 {
		return nil
	}
	burst := c.Limits.RateBurst
	if burst <= 0 {
		burst = max(1, int(c.Limits.RateLimit))
	}
	rl := NewRateLimiter(c.Limits.RateLimit, burst)
	if c.Limits.RateLimitBy == "session" {
		rl.KeyFunc = SessionKey
	}
	return rl
}

// BuildBodyLimiter returns the request body limiter, or nil when no limit
// is configured.
func (c *Config) BuildBodyLimiter() *BodyLimiter {
	if c.Limits.MaxBodySize <= 0 && len(c.Limits.HostBodyLimits) == 0 {
		return nil
	}
	return NewBodyLimiter(c.Limits.MaxBodySize, c.Limits.HostBodyLimits...)
}

// BuildCertManager creates the listener certificate source for protocol
// "https": a fixed certificate when configured, otherwise the local CA.
func (c *Config) BuildCertManager() (*CertManager, error) {
	if c.TLS.CertFile != "" {
		return NewStaticCertManager(c.TLS.CertFile, c.TLS.KeyFile)
	}
	cm, err := NewCertManager(c.TLS.CACert, c.TLS.CAKey)
	if err != nil {
		return nil, err
	}
	cm.DefaultHost = c.Server.Hostname
	cm.Hosts = append([]string{c.Server.Hostname}, c.TLS.Aliases...)
	cm.LeafValidity = c.TLS.LeafValidity
	return cm, nil
}

// BuildCertRotator creates a reloadable listener certificate source.
func (c *Config) BuildCertRotator() (*CertRotator, error) {
	return NewCertRotator(c.BuildCertManager)
}

// CertPaths returns the files the listener certificates are loaded from.
func (c *Config) CertPaths() []string {
	if c.TLS.CertFile != "" {
		return []string{c.TLS.CertFile, c.TLS.KeyFile}
	}
	return []string{c.TLS.CACert, c.TLS.CAKey}
}

// BuildClientAuth returns the listener client certificate check, or nil
// when no client CA is configured.
func (c *Config) BuildClientAuth() (*ClientAuth, error) {
	if c.TLS.ClientCA == "" {
		return nil, nil
	}
	ca, err := NewClientAuthFromFile(c.TLS.ClientCA)
	if err != nil {
		return nil, err
	}
	ca.Optional = c.TLS.ClientCertOptional
	return ca, nil
}

// BuildHooks returns the pipeline hooks for the configured header edits.
func (c *Config) BuildHooks() ([]RequestHook, []ResponseHook) {
	var reqHooks []RequestHook
	var respHooks []ResponseHook
	if len(c.Destination.StripHeaders) > 0 {
		reqHooks = append(reqHooks, StripRequestHeaders(c.Destination.StripHeaders...))
	}
	if len(c.Rewrite.ResponseHeaders) > 0 {
		respHooks = append(respHooks, SetResponseHeaders(c.Rewrite.ResponseHeaders))
	}
	return reqHooks, respHooks
}

// BuildRuleLoader creates a RuleLoader from the rules configuration.
func (c *Config) BuildRuleLoader() (RuleLoader, error) {
	var loaders []RuleLoader

	if len(c.Rules.Static) > 0 {
		loaders = append(loaders, NewStaticLoader(c.Rules.Static...))
	}

	for _, source := range c.Rules.Sources {
		switch source.Type {
		case "csv":
			loader := NewCSVLoader(source.Path)
			loader.HasHeader = source.HasHeader
			loaders = append(loaders, loader)

		case "url":
			loader := NewURLLoader(source.URL)
			loader.HasHeader = source.HasHeader
			loaders = append(loaders, loader)

		case "domains":
			path, headers := source.Path, source.SetHeaders
			loaders = append(loaders, RuleLoaderFunc(func(_ context.Context) ([]RequestFilterRule, error) {
				f, err := os.Open(path)
				if err != nil {
					return nil, fmt.Errorf("open domain list: %w", err)
				}
				defer func() { _ = f.Close() }()
				return ParseDomainList(f, headers)
			}))

		default:
			return nil, fmt.Errorf("unknown source type: %s", source.Type)
		}
	}

	if len(loaders) == 0 {
		return NewStaticLoader(), nil
	}

	if len(loaders) == 1 {
		return loaders[0], nil
	}

	return NewMultiLoader(loaders...), nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# hammerhead - URL-rewriting proxy configuration

server:
  # Address clients use to reach the proxy; part of every proxy URL
  hostname: "localhost"
  port: 1337
  # Cross-domain iframes are served from this port (0 disables it)
  cross_domain_port: 1338
  protocol: "http"

  # Timeouts
  read_timeout: 30s
  write_timeout: 0s
  idle_timeout: 60s
  shutdown_timeout: 10s

tls:
  # Used when protocol is https. Either a fixed certificate...
  # cert_file: "/etc/hammerhead/proxy.crt"
  # key_file: "/etc/hammerhead/proxy.key"
  # ...or a local CA that issues one for the hostname
  ca_cert: "ca.crt"
  ca_key: "ca.key"
  organization: "Hammerhead Proxy"
  # Other names clients use for the proxy (issued certificates cover them)
  # aliases: ["127.0.0.1", "hammerhead.test"]
  # leaf_validity: 720h
  # Reload the files above when they change (SIGHUP always reloads)
  # watch_interval: 1m
  # Only clients with a certificate from this CA may connect
  # client_ca: "/etc/hammerhead/clients.crt"
  # client_cert_optional: false

destination:
  # Wall-clock budget for one destination fetch
  timeout: 25s
  max_idle_conns: 200
  max_idle_conns_per_host: 10
  idle_conn_timeout: 90s
  http2: true
  # upstream_proxy: "http://proxy.corp:3128"
  # upstream_proxy: "socks5://127.0.0.1:1080"
  # strip_headers:
  #   - "X-Forwarded-For"

rewrite:
  # Bodies larger than this stream through unmodified
  max_rewrite_size: 20971520
  inject_scripts:
    - "/hammerhead.js"
  # response_headers:
  #   X-Proxied-By: "hammerhead"

rules:
  static:
    - type: domain
      pattern: "*.example.com"
      set_headers:
        X-Test-Run: "1"
    - type: url
      pattern: "https://api.example.org/feature-flags"
      method: GET
      mock:
        status_code: 200
        content_type: "application/json"
        body: '{"beta": true}'

  sources:
    - type: csv
      path: "/etc/hammerhead/rules.csv"
      has_header: true
    # - type: url
    #   url: "https://rules.example.com/rules.csv"
    #   has_header: true
    # - type: domains
    #   path: "/etc/hammerhead/no-cookies.txt"
    #   set_headers:
    #     DNT: "1"

  reload_interval: 5m

limits:
  # Requests per second per key (0 = unlimited)
  rate_limit: 0
  rate_burst: 50
  # Bucket key: "client" (IP) or "session"
  rate_limit_by: "client"
  max_body_size: 10485760
  # Per-destination overrides; "*." covers subdomains, 0 is unlimited
  # host_body_limits:
  #   - host: "*.uploads.example.com"
  #     max_size: 104857600

error_page:
  # template_path: "/etc/hammerhead/error.html"
  messages:
    destination_timeout: "{url} did not answer in time."

admin:
  enabled: true
  path_prefix: "/hammerhead/api"
  # Require one of these as a bearer token (see -gen-admin-token)
  # tokens:
  #   - "change-me"

logging:
  # Log level: debug, info, warn, error
  level: "info"
  # Log format: text, json
  format: "text"
  # Output: stdout, stderr, or file path (rotated)
  output: "stderr"
  max_size_mb: 100
  max_backups: 3
  max_age_days: 28
  compress: false
  access_log: true
  # Access records slower than this are logged at warn level
  slow_request: 10s

metrics:
  enabled: true
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
