// Package config defines the gateway configuration surface: a single
// YAML file with environment variable substitution, loaded once at
// startup and validated before anything listens.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server         ServerConfig         `json:"server" yaml:"server"`
	Log            LogConfig            `json:"log" yaml:"log"`
	Auth           AuthConfig           `json:"auth" yaml:"auth"`
	RateLimit      RateLimitConfig      `json:"rateLimit" yaml:"rateLimit"`
	Proxy          ProxyConfig          `json:"proxy" yaml:"proxy"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker"`
	Tracing        TracingConfig        `json:"tracing" yaml:"tracing"`
	Routes         []RouteConfig        `json:"routes" yaml:"routes"`
}

// ServerConfig holds listener settings. The data listener serves proxied
// traffic; the admin listener serves metrics and health probes.
type ServerConfig struct {
	ListenAddress     string   `json:"listenAddress" yaml:"listenAddress"`
	AdminAddress      string   `json:"adminAddress" yaml:"adminAddress"`
	ReadTimeout       Duration `json:"readTimeout" yaml:"readTimeout"`
	ReadHeaderTimeout Duration `json:"readHeaderTimeout" yaml:"readHeaderTimeout"`
	WriteTimeout      Duration `json:"writeTimeout" yaml:"writeTimeout"`
	IdleTimeout       Duration `json:"idleTimeout" yaml:"idleTimeout"`
	ShutdownTimeout   Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`
	MaxHeaderBytes    int      `json:"maxHeaderBytes" yaml:"maxHeaderBytes"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For / X-Real-IP headers
	// are honored when deriving the client address. Empty means headers
	// are ignored and the socket peer address is used.
	TrustedProxies []string `json:"trustedProxies" yaml:"trustedProxies"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	// Algorithms is the allowlist of accepted JWS algorithms. A token
	// whose alg header is not listed is rejected before signature work.
	Algorithms []string  `json:"algorithms" yaml:"algorithms"`
	Key        KeyConfig `json:"key" yaml:"key"`
	Issuer     string    `json:"issuer" yaml:"issuer"`
	Audience   string    `json:"audience" yaml:"audience"`
	ClockSkew  Duration  `json:"clockSkew" yaml:"clockSkew"`

	// SkipPaths lists path prefixes served without token validation.
	// Requests matching them carry an anonymous identity and are still
	// rate limited by client address.
	SkipPaths []string `json:"skipPaths" yaml:"skipPaths"`

	// ForwardIdentity injects X-User-Id toward backends for
	// authenticated requests. Inbound values of that header are always
	// dropped regardless of this setting.
	ForwardIdentity bool `json:"forwardIdentity" yaml:"forwardIdentity"`
}

// KeyConfig describes where the token verification key comes from.
// HMAC algorithms read the raw secret; RSA/ECDSA algorithms expect a
// PEM-encoded public key.
type KeyConfig struct {
	Source string         `json:"source" yaml:"source"` // inline, env, file, vault
	Inline string         `json:"inline" yaml:"inline"`
	Env    string         `json:"env" yaml:"env"`
	File   string         `json:"file" yaml:"file"`
	Vault  VaultKeyConfig `json:"vault" yaml:"vault"`
}

// VaultKeyConfig locates the verification key in a Vault KV v2 secret.
type VaultKeyConfig struct {
	Address string   `json:"address" yaml:"address"`
	Token   string   `json:"token" yaml:"token"`
	Mount   string   `json:"mount" yaml:"mount"`
	Path    string   `json:"path" yaml:"path"`
	Field   string   `json:"field" yaml:"field"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Algorithm string   `json:"algorithm" yaml:"algorithm"` // sliding_window, token_bucket
	Requests  int      `json:"requests" yaml:"requests"`
	Window    Duration `json:"window" yaml:"window"`
	Burst     int      `json:"burst" yaml:"burst"`
	Store     string   `json:"store" yaml:"store"` // memory, redis

	// IdleFactor bounds limiter memory: per-key state idle for
	// IdleFactor consecutive windows is evicted.
	IdleFactor int `json:"idleFactor" yaml:"idleFactor"`

	// FailOpen admits requests when a distributed store errors. The
	// default is false: security stages fail closed.
	FailOpen bool `json:"failOpen" yaml:"failOpen"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds connection settings for the Redis limiter store.
type RedisConfig struct {
	Address      string   `json:"address" yaml:"address"`
	Password     string   `json:"password" yaml:"password"`
	DB           int      `json:"db" yaml:"db"`
	KeyPrefix    string   `json:"keyPrefix" yaml:"keyPrefix"`
	PoolSize     int      `json:"poolSize" yaml:"poolSize"`
	DialTimeout  Duration `json:"dialTimeout" yaml:"dialTimeout"`
	ReadTimeout  Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout Duration `json:"writeTimeout" yaml:"writeTimeout"`
}

// ProxyConfig holds forwarder settings shared by all routes.
type ProxyConfig struct {
	// Timeout is the default per-route deadline; routes may override it.
	Timeout Duration `json:"timeout" yaml:"timeout"`

	// RetryEnabled allows one bounded retry on backend connection
	// failure for requests with replayable bodies.
	RetryEnabled bool     `json:"retryEnabled" yaml:"retryEnabled"`
	RetryBackoff Duration `json:"retryBackoff" yaml:"retryBackoff"`

	MaxIdleConns        int      `json:"maxIdleConns" yaml:"maxIdleConns"`
	MaxIdleConnsPerHost int      `json:"maxIdleConnsPerHost" yaml:"maxIdleConnsPerHost"`
	IdleConnTimeout     Duration `json:"idleConnTimeout" yaml:"idleConnTimeout"`
}

// CircuitBreakerConfig holds per-backend circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Threshold is the number of consecutive transport failures that
	// trips the breaker.
	Threshold int      `json:"threshold" yaml:"threshold"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	OTLPEndpoint string  `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	SamplingRate float64 `json:"samplingRate" yaml:"samplingRate"`
	ServiceName  string  `json:"serviceName" yaml:"serviceName"`
}

// RouteConfig is one route table entry. Entries are matched by longest
// prefix; equal-length prefixes resolve by their order in this list.
type RouteConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Prefix      string   `json:"prefix" yaml:"prefix"`
	Backend     string   `json:"backend" yaml:"backend"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	StripPrefix bool     `json:"stripPrefix" yaml:"stripPrefix"`

	// ForwardAuthorization forwards the client's Authorization header to
	// this route's backend. Off by default: the gateway does not leak
	// client credentials past the trust boundary.
	ForwardAuthorization bool `json:"forwardAuthorization" yaml:"forwardAuthorization"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     ":8080",
			AdminAddress:      ":9090",
			ReadTimeout:       Duration(30 * time.Second),
			ReadHeaderTimeout: Duration(10 * time.Second),
			WriteTimeout:      Duration(30 * time.Second),
			IdleTimeout:       Duration(120 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
			MaxHeaderBytes:    1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Auth: AuthConfig{
			Algorithms: []string{"HS256"},
			Key: KeyConfig{
				Source: "env",
				Env:    "GATEWAY_JWT_KEY",
			},
			ClockSkew: Duration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Algorithm:  "sliding_window",
			Requests:   100,
			Window:     Duration(time.Minute),
			Store:      "memory",
			IdleFactor: 3,
		},
		Proxy: ProxyConfig{
			Timeout:             Duration(30 * time.Second),
			RetryEnabled:        true,
			RetryBackoff:        Duration(100 * time.Millisecond),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     Duration(90 * time.Second),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:   false,
			Threshold: 5,
			Timeout:   Duration(30 * time.Second),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
			ServiceName:  "edgegate",
		},
	}
}

var validAlgorithms = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

// Validate checks the configuration for errors. It returns the first
// problem found, named by its field path.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listenAddress: must not be empty")
	}
	if c.Server.AdminAddress == c.Server.ListenAddress {
		return fmt.Errorf("server.adminAddress: must differ from server.listenAddress")
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("routes: at least one route is required")
	}
	seen := make(map[string]bool, len(c.Routes))
	for i, route := range c.Routes {
		if err := route.validate(i); err != nil {
			return err
		}
		if route.Name != "" {
			if seen[route.Name] {
				return fmt.Errorf("routes[%d].name: duplicate route name %q", i, route.Name)
			}
			seen[route.Name] = true
		}
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.Threshold <= 0 {
		return fmt.Errorf("circuitBreaker.threshold: must be positive")
	}
	if c.Tracing.Enabled && (c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1) {
		return fmt.Errorf("tracing.samplingRate: must be within [0, 1]")
	}

	return nil
}

func (a *AuthConfig) validate() error {
	if len(a.Algorithms) == 0 {
		return fmt.Errorf("auth.algorithms: must list at least one algorithm")
	}
	for _, alg := range a.Algorithms {
		if !validAlgorithms[alg] {
			return fmt.Errorf("auth.algorithms: unsupported algorithm %q", alg)
		}
	}

	switch a.Key.Source {
	case "inline":
		if a.Key.Inline == "" {
			return fmt.Errorf("auth.key.inline: must not be empty for inline source")
		}
	case "env":
		if a.Key.Env == "" {
			return fmt.Errorf("auth.key.env: must name an environment variable")
		}
	case "file":
		if a.Key.File == "" {
			return fmt.Errorf("auth.key.file: must name a file path")
		}
	case "vault":
		if a.Key.Vault.Path == "" {
			return fmt.Errorf("auth.key.vault.path: must not be empty")
		}
		if a.Key.Vault.Field == "" {
			return fmt.Errorf("auth.key.vault.field: must not be empty")
		}
	default:
		return fmt.Errorf("auth.key.source: unknown source %q", a.Key.Source)
	}

	for i, p := range a.SkipPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth.skipPaths[%d]: must start with /", i)
		}
	}

	return nil
}

func (r *RateLimitConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	switch r.Algorithm {
	case "sliding_window", "token_bucket":
	default:
		return fmt.Errorf("rateLimit.algorithm: unknown algorithm %q", r.Algorithm)
	}
	if r.Requests <= 0 {
		return fmt.Errorf("rateLimit.requests: must be positive")
	}
	if r.Window.Duration() <= 0 {
		return fmt.Errorf("rateLimit.window: must be positive")
	}
	if r.IdleFactor <= 0 {
		return fmt.Errorf("rateLimit.idleFactor: must be positive")
	}
	switch r.Store {
	case "memory":
	case "redis":
		if r.Redis.Address == "" {
			return fmt.Errorf("rateLimit.redis.address: required for redis store")
		}
		if _, _, err := net.SplitHostPort(r.Redis.Address); err != nil {
			return fmt.Errorf("rateLimit.redis.address: %w", err)
		}
		if r.Algorithm != "sliding_window" {
			return fmt.Errorf("rateLimit.store: redis store supports only sliding_window")
		}
	default:
		return fmt.Errorf("rateLimit.store: unknown store %q", r.Store)
	}
	return nil
}

func (r *RouteConfig) validate(i int) error {
	if !strings.HasPrefix(r.Prefix, "/") {
		return fmt.Errorf("routes[%d].prefix: must start with /", i)
	}
	if r.Backend == "" {
		return fmt.Errorf("routes[%d].backend: must not be empty", i)
	}
	u, err := url.Parse(r.Backend)
	if err != nil {
		return fmt.Errorf("routes[%d].backend: %w", i, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("routes[%d].backend: scheme must be http or https", i)
	}
	if u.Host == "" {
		return fmt.Errorf("routes[%d].backend: host must not be empty", i)
	}
	if r.Timeout.Duration() < 0 {
		return fmt.Errorf("routes[%d].timeout: must not be negative", i)
	}
	return nil
}
