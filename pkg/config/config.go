// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Auth           AuthConfig           `yaml:"auth"`
	Tenant         TenantConfig         `yaml:"tenant"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Cache          CacheConfig          `yaml:"cache"`
	Storage        StorageConfig        `yaml:"storage"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	CORS           CORSConfig           `yaml:"cors"`
	Maintenance    MaintenanceConfig    `yaml:"maintenance"`

	Upstreams []UpstreamConfig `yaml:"upstreams" validate:"unique=Name,unique=Prefix,dive"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	DataAddress  string `yaml:"data_address" validate:"required"`
	AdminAddress string `yaml:"admin_address" validate:"required"`
	// TLS terminates HTTPS on the data address when a certificate is set.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig names certificate files. For the listener CAFile enables mutual
// TLS; for the proxy it replaces the system roots.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile    string `yaml:"key_file" validate:"required_with=CertFile"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// AuthConfig describes the identity provider contract.
type AuthConfig struct {
	Issuer                  string        `yaml:"issuer" validate:"required"`
	JWKSURL                 string        `yaml:"jwks_url" validate:"required,url"`
	JWKSRefreshTTL          time.Duration `yaml:"jwks_refresh_ttl" validate:"gt=0"`
	JWKSMaxStale            time.Duration `yaml:"jwks_max_stale" validate:"gte=0"`
	JWKSMissRefreshInterval time.Duration `yaml:"jwks_miss_refresh_interval" validate:"gte=0"`
	JWKSFetchTimeout        time.Duration `yaml:"jwks_fetch_timeout" validate:"gt=0"`
	Algorithms              []string      `yaml:"algorithms" validate:"min=1,dive,oneof=RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512"`
	RolesClaim              string        `yaml:"roles_claim" validate:"required"`
	PublicPaths             []string      `yaml:"public_paths" validate:"dive,startswith=/"`
}

// TenantConfig names the headers carrying the tenant scope.
type TenantConfig struct {
	BusinessUnitHeader  string `yaml:"business_unit_header" validate:"required"`
	CountryCodeHeader   string `yaml:"country_code_header" validate:"required"`
	CorrelationIDHeader string `yaml:"correlation_id_header" validate:"required"`
}

// Rate limiting stages.
const (
	RateLimitBeforeAuth = "before_auth"
	RateLimitAfterAuth  = "after_auth"
)

// RateLimitConfig holds the fixed-window quota settings.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int64         `yaml:"limit" validate:"gt=0"`
	Window  time.Duration `yaml:"window" validate:"gt=0"`
	Stage   string        `yaml:"stage" validate:"oneof=before_auth after_auth"`
}

// CacheConfig holds response cache defaults.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl" validate:"gt=0"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// StorageConfig selects where rate counters and cached responses live.
type StorageConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the shared store connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CircuitBreakerConfig defines per-upstream breaker thresholds.
type CircuitBreakerConfig struct {
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" validate:"gt=0,lte=100"`
	WindowSize           int           `yaml:"window_size" validate:"gt=0"`
	MinSamples           int           `yaml:"min_samples" validate:"gte=0"`
	CoolDown             time.Duration `yaml:"cool_down" validate:"gt=0"`
	HalfOpenProbes       int           `yaml:"half_open_probes" validate:"gt=0"`
}

// ProxyConfig holds outbound call defaults.
type ProxyConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// MaxResponseBytes caps buffered upstream bodies; zero keeps the proxy default.
	MaxResponseBytes int64     `yaml:"max_response_bytes" validate:"gte=0"`
	TLS              TLSConfig `yaml:"tls"`
}

// CORSConfig lists browser origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MaintenanceConfig holds cron schedules for background housekeeping.
type MaintenanceConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"`
	JWKSSchedule  string `yaml:"jwks_schedule"`
}

// UpstreamConfig registers one backend service behind a path prefix.
type UpstreamConfig struct {
	Name           string        `yaml:"name" validate:"required"`
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	Prefix         string        `yaml:"prefix" validate:"required,startswith=/"`
	Cacheable      bool          `yaml:"cacheable"`
	CacheTTL       time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	CacheVaryQuery []string      `yaml:"cache_vary_query"`
	RequiredRoles  []string      `yaml:"required_roles"`
	Public         bool          `yaml:"public"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Default returns a configuration populated with the gateway defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DataAddress:  ":8080",
			AdminAddress: ":19090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			JWKSRefreshTTL:          10 * time.Minute,
			JWKSMaxStale:            time.Hour,
			JWKSMissRefreshInterval: 30 * time.Second,
			JWKSFetchTimeout:        5 * time.Second,
			Algorithms:              []string{"RS256"},
			RolesClaim:              "realm_access.roles",
			PublicPaths:             []string{},
		},
		Tenant: TenantConfig{
			BusinessUnitHeader:  "x-business-unit",
			CountryCodeHeader:   "x-country-code",
			CorrelationIDHeader: "x-correlation-id",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   100,
			Window:  time.Minute,
			Stage:   RateLimitAfterAuth,
		},
		Cache: CacheConfig{
			Enabled:    true,
			DefaultTTL: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				KeyPrefix:    "gateway:",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureRateThreshold: 50,
			WindowSize:           10,
			MinSamples:           10,
			CoolDown:             30 * time.Second,
			HalfOpenProbes:       1,
		},
		Proxy: ProxyConfig{
			Timeout: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule: "@every 1m",
			JWKSSchedule:  "",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("GATEWAY_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("GATEWAY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("GATEWAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("GATEWAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("GATEWAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	// Keycloak realm layout: {url}/realms/{realm} issues tokens and serves its certs below it.
	if kcURL, realm := os.Getenv("KEYCLOAK_URL"), os.Getenv("KEYCLOAK_REALM"); kcURL != "" && realm != "" {
		issuer := strings.TrimRight(kcURL, "/") + "/realms/" + realm
		if cfg.Auth.Issuer == "" {
			cfg.Auth.Issuer = issuer
		}
		if cfg.Auth.JWKSURL == "" {
			cfg.Auth.JWKSURL = issuer + "/protocol/openid-connect/certs"
		}
	}
	if val := os.Getenv("GATEWAY_AUTH_ISSUER"); val != "" {
		cfg.Auth.Issuer = val
	}
	if val := os.Getenv("GATEWAY_JWKS_URL"); val != "" {
		cfg.Auth.JWKSURL = val
	}

	if val := os.Getenv("GATEWAY_RATE_LIMIT"); val != "" {
		if limit, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.RateLimit.Limit = limit
		}
	}

	if val := os.Getenv("GATEWAY_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("GATEWAY_REDIS_ADDR"); val != "" {
		cfg.Storage.Redis.Addr = val
	}
	if val := os.Getenv("GATEWAY_REDIS_PASSWORD"); val != "" {
		cfg.Storage.Redis.Password = val
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	c.normalize()

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Storage.Backend == BackendRedis && strings.TrimSpace(c.Storage.Redis.Addr) == "" {
		return fmt.Errorf("storage configuration: redis backend requires redis.addr")
	}

	if tls := c.Server.TLS; tls.CertFile == "" && (tls.CAFile != "" || tls.ServerName != "") {
		return fmt.Errorf("server tls configuration: ca_file requires cert_file and key_file")
	}

	if c.CircuitBreaker.MinSamples > c.CircuitBreaker.WindowSize {
		return fmt.Errorf("circuit breaker configuration: min_samples %d exceeds window_size %d",
			c.CircuitBreaker.MinSamples, c.CircuitBreaker.WindowSize)
	}

	return nil
}

// normalize lower-cases enum-like fields and header names.
func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.RateLimit.Stage = strings.ToLower(strings.TrimSpace(c.RateLimit.Stage))
	c.Tenant.BusinessUnitHeader = strings.ToLower(c.Tenant.BusinessUnitHeader)
	c.Tenant.CountryCodeHeader = strings.ToLower(c.Tenant.CountryCodeHeader)
	c.Tenant.CorrelationIDHeader = strings.ToLower(c.Tenant.CorrelationIDHeader)
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if len(u.Prefix) > 1 {
			u.Prefix = strings.TrimRight(u.Prefix, "/")
		}
	}
}

// UpstreamTimeout returns the per-call timeout for an upstream, falling back to the proxy default.
func (c *Config) UpstreamTimeout(u UpstreamConfig) time.Duration {
	if u.Timeout > 0 {
		return u.Timeout
	}
	return c.Proxy.Timeout
}

// UpstreamCacheTTL returns the cache TTL for an upstream, falling back to the cache default.
func (c *Config) UpstreamCacheTTL(u UpstreamConfig) time.Duration {
	if u.CacheTTL > 0 {
		return u.CacheTTL
	}
	return c.Cache.DefaultTTL
}
