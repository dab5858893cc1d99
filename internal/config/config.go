// Package config defines the process configuration. It is loaded once at
// startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> *_FILE secret files (Lowest)
//
// A missing required value or invalid format fails startup.
package config

import (
	"strings"
	"time"

	"fedilogin/internal/types"
)

// SecretString is an alias for types.SecretString so secrets stay redacted
// when the config is logged.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	AppName     string `envconfig:"APP_NAME" default:"fedilogin" validate:"required"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Session       SessionConfig
	Upstream      UpstreamConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
	AWS           AWSConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// PublicURL is this application's externally visible origin, without a
	// trailing slash. Remote servers redirect back to PublicURL/authorized.
	PublicURL string `envconfig:"PUBLIC_URL" validate:"required,url"`
	// HomeURL is where the browser lands after login and logout.
	HomeURL        string        `envconfig:"HOME_URL" validate:"omitempty,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For. Only
	// enable behind a proxy that overwrites the header.
	TrustProxyHeaders bool `envconfig:"TRUST_PROXY_HEADERS" default:"false"`
}

// CallbackURL is the redirect URI registered with every remote server.
func (s ServerConfig) CallbackURL() string {
	return strings.TrimSuffix(s.PublicURL, "/") + "/authorized"
}

// Website is the homepage advertised when registering with a remote server.
func (s ServerConfig) Website() string {
	return strings.TrimSuffix(s.PublicURL, "/") + "/"
}

// HomeRedirect returns HomeURL, or the site root when unset.
func (s ServerConfig) HomeRedirect() string {
	if s.HomeURL != "" {
		return s.HomeURL
	}
	return s.Website()
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0,ltefield=MaxConns"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// SessionConfig holds the session store and cookie settings.
type SessionConfig struct {
	Backend      string        `envconfig:"SESSION_BACKEND" default:"redis" validate:"oneof=redis memory"`
	TTL          time.Duration `envconfig:"SESSION_TTL" default:"24h" validate:"gt=0"`
	CookieName   string        `envconfig:"SESSION_COOKIE_NAME" default:"fedilogin_session" validate:"required"`
	CookieSecure bool          `envconfig:"SESSION_COOKIE_SECURE" default:"true"`

	RedisAddr     string       `envconfig:"REDIS_ADDR" default:"localhost:6379" validate:"required_if=Backend redis"`
	RedisPassword SecretString `envconfig:"REDIS_PASSWORD"`
	RedisDB       int          `envconfig:"REDIS_DB" default:"0" validate:"min=0"`
	RedisPrefix   string       `envconfig:"REDIS_KEY_PREFIX" default:"fedilogin:"`
}

// UpstreamConfig tunes calls to remote Mastodon-compatible servers.
type UpstreamConfig struct {
	Timeout      time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxRedirects int           `envconfig:"UPSTREAM_MAX_REDIRECTS" default:"3" validate:"min=0,max=10"`
	// UserAgent defaults to Build.UserAgent(AppName).
	UserAgent    string        `envconfig:"UPSTREAM_USER_AGENT"`
	// AllowPrivateHosts disables the private-address guard. Local only.
	AllowPrivateHosts bool `envconfig:"ALLOW_PRIVATE_HOSTS" default:"false"`
}

// RateLimitConfig bounds how often one client IP may start a login.
type RateLimitConfig struct {
	LoginRate  float64 `envconfig:"LOGIN_RATE_LIMIT" default:"0.5" validate:"gt=0"`
	LoginBurst int     `envconfig:"LOGIN_RATE_BURST" default:"10" validate:"min=1"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"log" validate:"oneof=cloudwatch log none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"FediLogin"`
}

// AWSConfig holds AWS regional configuration for the CloudWatch backend.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSecretResolution indicates a *_FILE secret could not be read.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
