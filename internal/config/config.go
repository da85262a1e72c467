// Package config handles loading and validation of the gateway and data
// service configuration from a shared YAML file and environment variables.
// Environment variables always override file-based values. Env var names
// follow the struct path with a RECAP_ prefix:
//
//	gateway.server.address → RECAP_GATEWAY_SERVER_ADDRESS
//	data.github.token      → RECAP_DATA_GITHUB_TOKEN
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via RECAP_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/recap/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// Mode selects between production behavior and the trusted development mode
// (origin allow-list skipped, unmasked error messages).
type Mode string

const (
	ModeProduction Mode = "production"
	ModeDev        Mode = "dev"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeProduction, ModeDev:
		return true
	}
	return false
}

// FailurePolicy controls gateway rate limiting when Redis is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// KeyStrategyType defines how a per-client rate-limit key is derived.
type KeyStrategyType string

const (
	KeyStrategyClientIP KeyStrategyType = "clientip"
	KeyStrategyHeader   KeyStrategyType = "header"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyClientIP, KeyStrategyHeader:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level configuration shared by both binaries. Each binary
// reads the sections it needs.
type Config struct {
	Mode    Mode          `yaml:"mode"    env:"MODE"`
	Gateway GatewayConfig `yaml:"gateway" envPrefix:"GATEWAY_"`
	Data    DataConfig    `yaml:"data"    envPrefix:"DATA_"`
	Auth    AuthConfig    `yaml:"auth"    envPrefix:"AUTH_"`
	Redis   RedisConfig   `yaml:"redis"   envPrefix:"REDIS_"`
	Events  EventsConfig  `yaml:"events"  envPrefix:"EVENTS_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// IsDev reports whether the trusted development mode is active.
func (c *Config) IsDev() bool { return c.Mode == ModeDev }

// ServerConfig holds listener settings for a service's main HTTP server.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	GRPCAddress  string `yaml:"grpc_address"  env:"GRPC_ADDRESS"` // gRPC health service; empty disables it.
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// GatewayConfig configures the edge-facing API gateway.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	App       RouteConfig     `yaml:"app"        envPrefix:"APP_"`
	Data      RouteConfig     `yaml:"data"       envPrefix:"DATA_"`
	Transport TransportConfig `yaml:"transport"  envPrefix:"TRANSPORT_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`

	// PoweredBy is the value of the X-Powered-By header added to every
	// proxied response.
	PoweredBy string `yaml:"powered_by" env:"POWERED_BY"`

	// AllowedOrigins lists the IPs or CIDR ranges permitted to reach
	// authenticated routes. Ignored in dev mode.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// StripHeaders are extra request header names removed at the edge in
	// addition to the built-in trust headers.
	StripHeaders []string `yaml:"strip_headers" env:"STRIP_HEADERS" envSeparator:","`
}

// RouteConfig maps a public path prefix to an internal service.
type RouteConfig struct {
	URL         string `yaml:"url"          env:"URL"`
	Prefix      string `yaml:"prefix"       env:"PREFIX"`
	RequireAuth bool   `yaml:"require_auth" env:"REQUIRE_AUTH"`
}

// TransportConfig holds low-level HTTP transport tuning for the proxy.
type TransportConfig struct {
	Timeout               string `yaml:"timeout"                 env:"TIMEOUT"`
	MaxIdleConns          int    `yaml:"max_idle_conns"          env:"MAX_IDLE_CONNS"`
	IdleConnTimeout       string `yaml:"idle_conn_timeout"       env:"IDLE_CONN_TIMEOUT"`
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// RateLimitConfig holds the gateway's per-client rate limiting settings.
type RateLimitConfig struct {
	Average       int64             `yaml:"average"        env:"AVERAGE"` // requests per period; 0 disables.
	Burst         int64             `yaml:"burst"          env:"BURST"`
	Period        string            `yaml:"period"         env:"PERIOD"`
	FailurePolicy FailurePolicy     `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string            `yaml:"key_prefix"     env:"KEY_PREFIX"`
	KeyStrategy   KeyStrategyConfig `yaml:"key_strategy"   envPrefix:"KEY_STRATEGY_"`
}

// KeyStrategyConfig defines how the per-client rate-limit key is extracted.
type KeyStrategyConfig struct {
	Type       KeyStrategyType `yaml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" env:"HEADER_NAME"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are ignored
	// and RemoteAddr is used.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// ---------------------------------------------------------------------------
// Data service
// ---------------------------------------------------------------------------

// DataConfig configures the internal GitHub data service.
type DataConfig struct {
	Server   ServerConfig   `yaml:"server"   envPrefix:"SERVER_"`
	Admin    AdminConfig    `yaml:"admin"    envPrefix:"ADMIN_"`
	GitHub   GitHubConfig   `yaml:"github"   envPrefix:"GITHUB_"`
	Cache    CacheConfig    `yaml:"cache"    envPrefix:"CACHE_"`
	Debounce DebounceConfig `yaml:"debounce" envPrefix:"DEBOUNCE_"`

	// TrustGatewayHeaders enables the gateway-trusted path of the
	// trust-header consumer. Disable when the service is reachable without
	// passing through the gateway's sanitizer.
	TrustGatewayHeaders bool `yaml:"trust_gateway_headers" env:"TRUST_GATEWAY_HEADERS"`

	// TrustedPeers lists the IPs/CIDRs allowed to present the trust header
	// pair when auth.internal_token is empty. Defaults to loopback.
	TrustedPeers []string `yaml:"trusted_peers" env:"TRUSTED_PEERS" envSeparator:","`
}

// GitHubConfig holds upstream GitHub REST API settings.
type GitHubConfig struct {
	BaseURL        string               `yaml:"base_url"        env:"BASE_URL"`
	Token          RedactedString       `yaml:"token"           env:"TOKEN"`
	Timeout        string               `yaml:"timeout"         env:"TIMEOUT"`
	UserAgent      string               `yaml:"user_agent"      env:"USER_AGENT"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig holds circuit breaker tuning parameters.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening. 0 uses the default (5).
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// ResetTimeout is the duration the circuit stays open before probing. 0 uses the default (30s).
	ResetTimeout string `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// CacheConfig holds the read-through cache settings.
type CacheConfig struct {
	TTL          string `yaml:"ttl"           env:"TTL"`
	SingleFlight bool   `yaml:"single_flight" env:"SINGLE_FLIGHT"`
	MaxValueSize int64  `yaml:"max_value_size" env:"MAX_VALUE_SIZE"` // bytes; values above are not cached.
}

// DebounceConfig holds the per-key debounce gate settings.
type DebounceConfig struct {
	Interval      string `yaml:"interval"       env:"INTERVAL"` // "0s" disables the gate.
	SweepInterval string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// Distributed stores debounce records in Redis so the spacing holds
	// across horizontally scaled replicas.
	Distributed bool   `yaml:"distributed" env:"DISTRIBUTED"`
	KeyPrefix   string `yaml:"key_prefix"  env:"KEY_PREFIX"`
}

// ---------------------------------------------------------------------------
// Shared sections
// ---------------------------------------------------------------------------

// AuthConfig holds credential verification settings shared by the gateway
// translator and the data service consumer.
type AuthConfig struct {
	JWTSecret  RedactedString `yaml:"jwt_secret"  env:"JWT_SECRET"`
	CookieName string         `yaml:"cookie_name" env:"COOKIE_NAME"`
	Leeway     string         `yaml:"leeway"      env:"LEEWAY"`

	// InternalToken, when set, is attached by the gateway to every
	// translated request and required by the consumer before it honors
	// gateway trust headers.
	InternalToken RedactedString `yaml:"internal_token" env:"INTERNAL_TOKEN"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig holds optional audit event emission settings. When enabled,
// the gateway emits one event per authentication decision to an HTTP sink.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Mode: ModeProduction,
		Gateway: GatewayConfig{
			Server: ServerConfig{
				Address:      ":3000",
				ReadTimeout:  "30s",
				WriteTimeout: "60s",
				IdleTimeout:  "120s",
				DrainTimeout: "30s",
			},
			Admin: AdminConfig{
				Address:      ":9090",
				ReadTimeout:  "5s",
				WriteTimeout: "10s",
				IdleTimeout:  "30s",
			},
			App: RouteConfig{
				URL:    "http://localhost:4000",
				Prefix: "/api/v1/app",
			},
			Data: RouteConfig{
				URL:         "http://localhost:4001",
				Prefix:      "/api/v1/github",
				RequireAuth: true,
			},
			Transport: TransportConfig{
				Timeout:               "30s",
				MaxIdleConns:          100,
				IdleConnTimeout:       "90s",
				DialTimeout:           "10s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
			RateLimit: RateLimitConfig{
				Average:       100,
				Burst:         100,
				Period:        "15m",
				FailurePolicy: FailurePolicyInMemoryFallback,
				KeyPrefix:     "recap:rl:",
				KeyStrategy: KeyStrategyConfig{
					Type: KeyStrategyClientIP,
				},
			},
			PoweredBy:      "GitHubRecap Gateway",
			AllowedOrigins: []string{"127.0.0.1/32", "::1/128"},
		},
		Data: DataConfig{
			Server: ServerConfig{
				Address:      "127.0.0.1:4001",
				ReadTimeout:  "30s",
				WriteTimeout: "60s",
				IdleTimeout:  "120s",
				DrainTimeout: "30s",
			},
			Admin: AdminConfig{
				Address:      ":9091",
				ReadTimeout:  "5s",
				WriteTimeout: "10s",
				IdleTimeout:  "30s",
			},
			GitHub: GitHubConfig{
				BaseURL:   "https://api.github.com",
				Timeout:   "10s",
				UserAgent: "gitrecap-data-service",
			},
			Cache: CacheConfig{
				TTL:          "3600s",
				SingleFlight: true,
				MaxValueSize: 4 << 20,
			},
			Debounce: DebounceConfig{
				Interval:      "300ms",
				SweepInterval: "1m",
				KeyPrefix:     "recap:debounce:",
			},
			TrustGatewayHeaders: true,
		},
		Auth: AuthConfig{
			CookieName: "accessToken",
			Leeway:     "0s",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			SampleRate: 0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("RECAP_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/recap/config.yaml and
// can be overridden via RECAP_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// A missing file is fine: defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "RECAP_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Dev" or env
// values like "INMEMORYFALLBACK" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Mode = Mode(strings.ToLower(string(cfg.Mode)))
	cfg.Gateway.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.Gateway.RateLimit.FailurePolicy)))
	cfg.Gateway.RateLimit.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.Gateway.RateLimit.KeyStrategy.Type)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Gateway.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Gateway.Server.TLS.MinVersion)))
	cfg.Data.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Data.Server.TLS.MinVersion)))
	cfg.Gateway.App.Prefix = normalizePrefix(cfg.Gateway.App.Prefix)
	cfg.Gateway.Data.Prefix = normalizePrefix(cfg.Gateway.Data.Prefix)
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// normalizePrefix ensures a route prefix starts with "/" and has no trailing slash.
func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if !cfg.Mode.Valid() {
		return fmt.Errorf("invalid mode %q: must be production or dev", cfg.Mode)
	}
	if err := validateRoutes(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg.Gateway.Server.TLS, "gateway.server.tls"); err != nil {
		return err
	}
	if err := validateTLS(cfg.Data.Server.TLS, "data.server.tls"); err != nil {
		return err
	}
	if err := validateOrigins(cfg); err != nil {
		return err
	}
	if err := validateGatewayTrust(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateGitHub(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg.Redis, "redis"); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

// validateGatewayTrust refuses a production data service that honours the
// trust header pair on a non-loopback listener without a hop secret.
func validateGatewayTrust(cfg *Config) error {
	for _, e := range cfg.Data.TrustedPeers {
		if _, _, err := net.ParseCIDR(e); err != nil && net.ParseIP(e) == nil {
			return fmt.Errorf("invalid data.trusted_peers entry %q: must be an IP or CIDR", e)
		}
	}
	if cfg.IsDev() || !cfg.Data.TrustGatewayHeaders || cfg.Auth.InternalToken.Value() != "" {
		return nil
	}
	if !isLoopbackAddress(cfg.Data.Server.Address) {
		return fmt.Errorf("data.trust_gateway_headers requires auth.internal_token when data.server.address %q is not loopback",
			cfg.Data.Server.Address)
	}
	return nil
}

// isLoopbackAddress reports whether a listen address binds only to loopback.
// An empty host means every interface.
func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateRoutes(cfg *Config) error {
	routes := []struct {
		name string
		rc   *RouteConfig
	}{
		{"gateway.app", &cfg.Gateway.App},
		{"gateway.data", &cfg.Gateway.Data},
	}
	for _, r := range routes {
		if r.rc.Prefix == "" {
			return fmt.Errorf("%s.prefix is required", r.name)
		}
		normalized, err := normalizeURL(r.rc.URL)
		if err != nil {
			return fmt.Errorf("invalid %s.url %q: %w", r.name, r.rc.URL, err)
		}
		r.rc.URL = normalized
	}
	if strings.HasPrefix(cfg.Gateway.App.Prefix+"/", cfg.Gateway.Data.Prefix+"/") ||
		strings.HasPrefix(cfg.Gateway.Data.Prefix+"/", cfg.Gateway.App.Prefix+"/") {
		return fmt.Errorf("gateway.app.prefix %q and gateway.data.prefix %q overlap",
			cfg.Gateway.App.Prefix, cfg.Gateway.Data.Prefix)
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended
// (80 for http, 443 for https).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"gateway.server.read_timeout", cfg.Gateway.Server.ReadTimeout},
		{"gateway.server.write_timeout", cfg.Gateway.Server.WriteTimeout},
		{"gateway.server.idle_timeout", cfg.Gateway.Server.IdleTimeout},
		{"gateway.server.drain_timeout", cfg.Gateway.Server.DrainTimeout},
		{"gateway.admin.read_timeout", cfg.Gateway.Admin.ReadTimeout},
		{"gateway.admin.write_timeout", cfg.Gateway.Admin.WriteTimeout},
		{"gateway.admin.idle_timeout", cfg.Gateway.Admin.IdleTimeout},
		{"gateway.transport.timeout", cfg.Gateway.Transport.Timeout},
		{"gateway.transport.idle_conn_timeout", cfg.Gateway.Transport.IdleConnTimeout},
		{"gateway.transport.dial_timeout", cfg.Gateway.Transport.DialTimeout},
		{"gateway.transport.dial_keep_alive", cfg.Gateway.Transport.DialKeepAlive},
		{"gateway.transport.tls_handshake_timeout", cfg.Gateway.Transport.TLSHandshakeTimeout},
		{"gateway.transport.expect_continue_timeout", cfg.Gateway.Transport.ExpectContinueTimeout},
		{"gateway.transport.h2_read_idle_timeout", cfg.Gateway.Transport.H2ReadIdleTimeout},
		{"gateway.transport.h2_ping_timeout", cfg.Gateway.Transport.H2PingTimeout},
		{"gateway.rate_limit.period", cfg.Gateway.RateLimit.Period},
		{"data.server.read_timeout", cfg.Data.Server.ReadTimeout},
		{"data.server.write_timeout", cfg.Data.Server.WriteTimeout},
		{"data.server.idle_timeout", cfg.Data.Server.IdleTimeout},
		{"data.server.drain_timeout", cfg.Data.Server.DrainTimeout},
		{"data.admin.read_timeout", cfg.Data.Admin.ReadTimeout},
		{"data.admin.write_timeout", cfg.Data.Admin.WriteTimeout},
		{"data.admin.idle_timeout", cfg.Data.Admin.IdleTimeout},
		{"data.github.timeout", cfg.Data.GitHub.Timeout},
		{"data.github.circuit_breaker.reset_timeout", cfg.Data.GitHub.CircuitBreaker.ResetTimeout},
		{"data.cache.ttl", cfg.Data.Cache.TTL},
		{"data.debounce.interval", cfg.Data.Debounce.Interval},
		{"data.debounce.sweep_interval", cfg.Data.Debounce.SweepInterval},
		{"auth.leeway", cfg.Auth.Leeway},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateTLS(tlsCfg ServerTLSConfig, prefix string) error {
	if tlsCfg.Enabled {
		if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
			return fmt.Errorf("%s.cert_file and %s.key_file are required when TLS is enabled", prefix, prefix)
		}
	}
	if tlsCfg.HTTP3Enabled && !tlsCfg.Enabled {
		return fmt.Errorf("%s.http3_enabled requires %s.enabled to be true (QUIC mandates TLS)", prefix, prefix)
	}
	if v := tlsCfg.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid %s.min_version %q: must be 1.2 or 1.3", prefix, v)
	}
	return nil
}

func validateOrigins(cfg *Config) error {
	for _, o := range cfg.Gateway.AllowedOrigins {
		if _, _, err := net.ParseCIDR(o); err == nil {
			continue
		}
		if net.ParseIP(o) == nil {
			return fmt.Errorf("invalid gateway.allowed_origins entry %q: must be an IP or CIDR", o)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := &cfg.Gateway.RateLimit
	if rl.Average < 0 {
		return fmt.Errorf("gateway.rate_limit.average must be >= 0")
	}
	if rl.Burst < 1 {
		rl.Burst = 1
	}
	if fp := rl.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid gateway.rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	ks := rl.KeyStrategy
	if ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown gateway.rate_limit.key_strategy.type %q", ks.Type)
	}
	if ks.Type == KeyStrategyHeader && ks.HeaderName == "" {
		return fmt.Errorf("gateway.rate_limit.key_strategy.header_name is required when type is %q", ks.Type)
	}
	for _, c := range ks.TrustedProxies {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("invalid gateway.rate_limit.key_strategy.trusted_proxies entry %q: %w", c, err)
		}
	}
	return nil
}

func validateGitHub(cfg *Config) error {
	if _, err := normalizeURL(cfg.Data.GitHub.BaseURL); err != nil {
		return fmt.Errorf("invalid data.github.base_url %q: %w", cfg.Data.GitHub.BaseURL, err)
	}
	if cfg.Data.GitHub.CircuitBreaker.Threshold < 0 {
		return fmt.Errorf("data.github.circuit_breaker.threshold must be >= 0")
	}
	return nil
}

func validateRedis(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if cfg.Events.Enabled && cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Gateway.Server.Address != old.Gateway.Server.Address {
		fields = append(fields, "gateway.server.address")
	}
	if c.Gateway.Admin.Address != old.Gateway.Admin.Address {
		fields = append(fields, "gateway.admin.address")
	}
	if c.Gateway.App != old.Gateway.App {
		fields = append(fields, "gateway.app")
	}
	if c.Gateway.Data != old.Gateway.Data {
		fields = append(fields, "gateway.data")
	}
	if c.Data.Server.Address != old.Data.Server.Address {
		fields = append(fields, "data.server.address")
	}
	if c.Data.Admin.Address != old.Data.Admin.Address {
		fields = append(fields, "data.admin.address")
	}
	if c.Data.GitHub.BaseURL != old.Data.GitHub.BaseURL {
		fields = append(fields, "data.github.base_url")
	}
	if c.Data.TrustGatewayHeaders != old.Data.TrustGatewayHeaders ||
		!slices.Equal(c.Data.TrustedPeers, old.Data.TrustedPeers) {
		fields = append(fields, "data.trust_gateway_headers")
	}
	if c.Data.Debounce.Distributed != old.Data.Debounce.Distributed {
		fields = append(fields, "data.debounce.distributed")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	return fields
}
