// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Resolve *_FILE references from local files, then *_SSM_PARAM
//     references through the SecretProvider (SSM Parameter Store by
//     default), and inject the values into the environment.
//  4. Use envconfig to process struct tags and populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables and derive the
//     default upstream User-Agent from it.
//  6. Validate the struct using go-playground/validator, then apply the
//     cross-field rules validator tags cannot express.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Reference suffixes. DATABASE_URL_FILE names a file holding DATABASE_URL;
// DATABASE_URL_SSM_PARAM names a Parameter Store path.
const (
	secretFileSuffix = "_FILE"
	ssmParamSuffix   = "_SSM_PARAM"
)

// secretVariables may be supplied through a reference companion.
var secretVariables = []string{"DATABASE_URL", "REDIS_PASSWORD"}

const prodEnv = "prod"

type envLookup func(key string) (string, bool)

type envSet func(key, value string) error

// loaderDeps holds the injectable dependencies for the loader, enabling
// testing without mutating global state.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	dotenv    func() error
	files     SecretProvider
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		dotenv:    func() error { return godotenv.Load() },
		files:     NewFileSecretProvider(),
	}
}

// LoadConfig loads and validates the configuration. provider resolves
// *_SSM_PARAM references; nil uses an SSMProvider for AWS_REGION.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv does not override variables already set; a missing file is
	// fine.
	if deps.dotenv != nil {
		_ = deps.dotenv()
	}

	files := deps.files
	if files == nil {
		files = NewFileSecretProvider()
	}
	if err := resolveSecretRefs(secretFileSuffix, files, deps); err != nil {
		return nil, err
	}
	if provider == nil {
		region, _ := deps.lookupEnv("AWS_REGION")
		provider = NewSSMProvider(region)
	}
	if err := resolveSecretRefs(ssmParamSuffix, provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = cfg.Build.UserAgent(cfg.AppName)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if cfg.Environment == prodEnv && cfg.Upstream.AllowPrivateHosts {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "ALLOW_PRIVATE_HOSTS must not be enabled in prod",
		}
	}
	if cfg.Environment == prodEnv && !strings.HasPrefix(cfg.Server.PublicURL, "https://") {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "PUBLIC_URL must be https in prod",
		}
	}
	return nil
}

// resolveSecretRefs looks up SECRET+suffix for every variable in
// secretVariables, resolves the references through provider in one batch and
// sets SECRET. A variable that is already set wins over its reference, so
// _FILE resolution shadows _SSM_PARAM.
func resolveSecretRefs(suffix string, provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths []string

	for _, target := range secretVariables {
		path, ok := deps.lookupEnv(target + suffix)
		if !ok || path == "" {
			continue
		}
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		pathToTarget[path] = target
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d %s references", len(paths), suffix),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		target := pathToTarget[path]
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("%s references not resolved for: %s", suffix, strings.Join(missing, ", ")),
		}
	}
	return nil
}
