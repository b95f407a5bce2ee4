// Package config loads authgate configuration from file, environment and,
// optionally, Consul KV.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carlossalguero/authgate/internal/auth/oauth"
	"github.com/carlossalguero/authgate/internal/auth/server"
	"github.com/carlossalguero/authgate/internal/auth/token"
	"github.com/carlossalguero/authgate/internal/circuitbreaker"
	"github.com/carlossalguero/authgate/internal/gateway/middleware"
	"github.com/carlossalguero/authgate/internal/shared/cache"
	"github.com/carlossalguero/authgate/internal/shared/events"
	"github.com/carlossalguero/authgate/internal/shared/logger"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
	tlsconfig "github.com/carlossalguero/authgate/internal/shared/tls"
	"github.com/carlossalguero/authgate/internal/shared/tracing"
)

// EnvPrefix prefixes every environment override, e.g.
// AUTHGATE_OAUTH_GOOGLE_CLIENT_ID.
const EnvPrefix = "AUTHGATE"

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// State store backends.
const (
	StatesMemory = "memory"
	StatesRedis  = "redis"
)

// Config is the complete service configuration.
type Config struct {
	Environment string `mapstructure:"environment"`

	HTTP      HTTPConfig            `mapstructure:"http"`
	TLS       tlsconfig.Config      `mapstructure:"tls"`
	Ops       ListenConfig          `mapstructure:"ops"`
	GRPC      server.GRPCConfig     `mapstructure:"grpc"`
	Database  DatabaseConfig        `mapstructure:"database"`
	States    StatesConfig          `mapstructure:"states"`
	Redis     cache.Config          `mapstructure:"redis"`
	Token     token.Config          `mapstructure:"token"`
	OAuth     OAuthConfig           `mapstructure:"oauth"`
	Breaker   circuitbreaker.Config `mapstructure:"breaker"`
	NATS      NATSConfig            `mapstructure:"nats"`
	Tracing   tracing.Config        `mapstructure:"tracing"`
	Metrics   metrics.Config        `mapstructure:"metrics"`
	Log       logger.Config         `mapstructure:"log"`
	Consul    ConsulConfig          `mapstructure:"consul"`
	Bootstrap BootstrapConfig       `mapstructure:"bootstrap"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler"`
}

// ListenConfig is a host and port pair.
type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// HTTPConfig holds the public listener configuration.
type HTTPConfig struct {
	ListenConfig    `mapstructure:",squash"`
	ReadTimeout     time.Duration       `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration       `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration       `mapstructure:"shutdown_timeout"`
	Cookies         server.CookieConfig `mapstructure:"cookies"`
	RateLimit       RateLimitConfig     `mapstructure:"rate_limit"`
}

// RateLimitConfig limits the login and OAuth routes per client IP.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
	// TrustedProxies lists the CIDRs whose forwarding headers are honoured.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig selects and configures the account store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StatesConfig selects the OAuth state store.
type StatesConfig struct {
	Backend string `mapstructure:"backend"`
}

// OAuthConfig holds the flow settings and one block per provider.
type OAuthConfig struct {
	ExchangeTimeout time.Duration        `mapstructure:"exchange_timeout"`
	StateTTL        time.Duration        `mapstructure:"state_ttl"`
	Google          oauth.ProviderConfig `mapstructure:"google"`
	GitHub          oauth.ProviderConfig `mapstructure:"github"`
	Microsoft       oauth.ProviderConfig `mapstructure:"microsoft"`
	Facebook        oauth.ProviderConfig `mapstructure:"facebook"`
}

// Providers returns every provider block with its name set.
func (o *OAuthConfig) Providers() []oauth.ProviderConfig {
	fields := o.providerFields()
	out := make([]oauth.ProviderConfig, 0, len(fields))
	for _, name := range oauth.KnownProviders() {
		cfg := *fields[name]
		cfg.Name = name
		out = append(out, cfg)
	}
	return out
}

func (o *OAuthConfig) providerFields() map[string]*oauth.ProviderConfig {
	return map[string]*oauth.ProviderConfig{
		oauth.Google:    &o.Google,
		oauth.GitHub:    &o.GitHub,
		oauth.Microsoft: &o.Microsoft,
		oauth.Facebook:  &o.Facebook,
	}
}

// NATSConfig enables event publishing.
type NATSConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	events.Config `mapstructure:",squash"`
}

// ConsulConfig enables provider overrides from Consul KV.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// BootstrapConfig seeds an admin account at startup when both are set.
type BootstrapConfig struct {
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

// SchedulerConfig holds cron specs for the background jobs.
type SchedulerConfig struct {
	StateSweep   string        `mapstructure:"state_sweep"`
	PoolStats    string        `mapstructure:"pool_stats"`
	HealthSync   string        `mapstructure:"health_sync"`
	LimiterPrune string        `mapstructure:"limiter_prune"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
}

// Load reads configuration. An empty path searches authgate.yaml in the
// working directory, ./configs and /etc/authgate.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("authgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/authgate")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("oauth.microsoft.tenant", EnvPrefix+"_OAUTH_MICROSOFT_TENANT", "MICROSOFT_TENANT_ID")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Log.ServiceName = "authgate"
	if cfg.Log.Environment == "" {
		cfg.Log.Environment = cfg.Environment
	}
	cfg.Tracing.ServiceName = "authgate"
	cfg.Tracing.Environment = cfg.Environment

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.cookies.secure", true)
	v.SetDefault("http.cookies.domain", "")
	v.SetDefault("http.cookies.hash_key", "")
	v.SetDefault("http.cookies.block_key", "")
	v.SetDefault("http.rate_limit.enabled", true)
	v.SetDefault("http.rate_limit.requests_per_second", 5)
	v.SetDefault("http.rate_limit.burst", 10)
	v.SetDefault("http.rate_limit.idle_ttl", "10m")
	v.SetDefault("http.rate_limit.trusted_proxies", []string{})

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.client_auth", "none")
	v.SetDefault("tls.min_version", "1.2")

	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", 9090)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.reflection", false)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "authgate.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)

	v.SetDefault("states.backend", StatesMemory)

	redis := cache.DefaultConfig()
	v.SetDefault("redis.address", redis.Address)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", redis.DB)
	v.SetDefault("redis.pool_size", redis.PoolSize)
	v.SetDefault("redis.dial_timeout", redis.DialTimeout)
	v.SetDefault("redis.read_timeout", redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", redis.WriteTimeout)
	v.SetDefault("redis.key_prefix", redis.KeyPrefix)

	v.SetDefault("token.algorithm", token.AlgorithmHS256)
	v.SetDefault("token.secret", "")
	v.SetDefault("token.private_key_path", "")
	v.SetDefault("token.public_key_path", "")
	v.SetDefault("token.access_ttl", "15m")
	v.SetDefault("token.refresh_ttl", "168h")
	v.SetDefault("token.issuer", "authgate")

	v.SetDefault("oauth.exchange_timeout", "10s")
	v.SetDefault("oauth.state_ttl", "10m")
	for _, name := range oauth.KnownProviders() {
		prefix := "oauth." + name + "."
		v.SetDefault(prefix+"client_id", "")
		v.SetDefault(prefix+"client_secret", "")
		v.SetDefault(prefix+"redirect_url", "")
		v.SetDefault(prefix+"authorize_url", "")
		v.SetDefault(prefix+"token_url", "")
		v.SetDefault(prefix+"profile_url", "")
		v.SetDefault(prefix+"scopes", []string{})
		v.SetDefault(prefix+"issuer", "")
		v.SetDefault(prefix+"jwks_url", "")
		v.SetDefault(prefix+"tenant", "")
		v.SetDefault(prefix+"disable_pkce", false)
	}

	breaker := circuitbreaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", breaker.SuccessThreshold)
	v.SetDefault("breaker.timeout", breaker.Timeout)
	v.SetDefault("breaker.max_probes", breaker.MaxProbes)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "authgate")
	v.SetDefault("nats.subject_prefix", "authgate")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.enable_jetstream", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 0.1)

	v.SetDefault("metrics.namespace", "authgate")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "")

	v.SetDefault("consul.address", "")
	v.SetDefault("consul.token", "")
	v.SetDefault("consul.datacenter", "")
	v.SetDefault("consul.key_prefix", "authgate/")

	v.SetDefault("bootstrap.admin_email", "")
	v.SetDefault("bootstrap.admin_password", "")

	v.SetDefault("scheduler.state_sweep", "@every 1m")
	v.SetDefault("scheduler.pool_stats", "@every 30s")
	v.SetDefault("scheduler.health_sync", "@every 10s")
	v.SetDefault("scheduler.limiter_prune", "@every 5m")
	v.SetDefault("scheduler.job_timeout", 30*time.Second)
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Token.Algorithm) {
	case token.AlgorithmHS256:
		if len(c.Token.Secret) < 32 {
			errs = append(errs, errors.New("token.secret must be at least 32 bytes for HS256"))
		}
	case token.AlgorithmRS256:
		if c.Token.PrivateKeyPath == "" || c.Token.PublicKeyPath == "" {
			errs = append(errs, errors.New("token.private_key_path and token.public_key_path are required for RS256"))
		}
	default:
		errs = append(errs, fmt.Errorf("token.algorithm %q is not supported", c.Token.Algorithm))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.States.Backend {
	case StatesMemory, StatesRedis:
	default:
		errs = append(errs, fmt.Errorf("states.backend %q is not supported", c.States.Backend))
	}

	if c.OAuth.ExchangeTimeout <= 0 {
		errs = append(errs, errors.New("oauth.exchange_timeout must be positive"))
	}
	if c.OAuth.StateTTL <= 0 {
		errs = append(errs, errors.New("oauth.state_ttl must be positive"))
	}

	if _, err := middleware.ParseTrustedProxies(c.HTTP.RateLimit.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("http.rate_limit.trusted_proxies: %w", err))
	}

	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	if (c.Bootstrap.AdminEmail == "") != (c.Bootstrap.AdminPassword == "") {
		errs = append(errs, errors.New("bootstrap.admin_email and bootstrap.admin_password must be set together"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
