// Package config loads portaldb settings from a file, PORTALDB_* environment
// variables and defaults, and validates the result against an embedded CUE
// schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/breaker"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/retry"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override, e.g. PORTALDB_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "PORTALDB"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Backend names.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the effective configuration.
type Config struct {
	Breaker          BreakerConfig   `mapstructure:"breaker"`
	Retry            RetryConfig     `mapstructure:"retry"`
	OperationTimeout time.Duration   `mapstructure:"operation_timeout"`
	Primary          PrimaryConfig   `mapstructure:"primary"`
	Secondary        SecondaryConfig `mapstructure:"secondary"`
	Log              LogConfig       `mapstructure:"log"`
	Server           ServerConfig    `mapstructure:"server"`
}

// BreakerConfig configures the circuit breaker guarding the primary.
type BreakerConfig struct {
	FailureThreshold  uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout"`
	ObservationWindow time.Duration `mapstructure:"observation_window"`
	PerOperationClass bool          `mapstructure:"per_operation_class"`
}

// RetryConfig configures retries of a single adapter call.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// PrimaryConfig selects and configures the primary adapter.
type PrimaryConfig struct {
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SecondaryConfig selects and configures the secondary adapter.
type SecondaryConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// LogConfig selects the slog level and handler format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the built-in defaults.
func Default() Config {
	bs := breaker.DefaultSettings()
	rp := retry.DefaultPolicy()
	return Config{
		Breaker: BreakerConfig{
			FailureThreshold:  bs.FailureThreshold,
			RecoveryTimeout:   bs.RecoveryTimeout,
			ObservationWindow: bs.ObservationWindow,
		},
		Retry: RetryConfig{
			MaxAttempts: rp.MaxAttempts,
			BaseDelay:   rp.BaseDelay,
			MaxDelay:    rp.MaxDelay,
			Jitter:      rp.Jitter,
		},
		OperationTimeout: 5 * time.Second,
		Primary: PrimaryConfig{
			Backend: BackendRedis,
			Addr:    "127.0.0.1:6379",
			Prefix:  "portal",
		},
		Secondary: SecondaryConfig{
			Backend: BackendSQLite,
			Path:    "portaldb.db",
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8081"},
	}
}

// Load reads path (if non-empty), applies PORTALDB_* overrides on top of the
// defaults and validates the result. A missing path is an error; an empty
// path means defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	for key, val := range flatten("", d.Document()) {
		v.SetDefault(key, val)
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Document renders the configuration with the file's key names. Durations
// are strings.
func (c Config) Document() map[string]any {
	return map[string]any{
		"breaker": map[string]any{
			"failure_threshold":   int64(c.Breaker.FailureThreshold),
			"recovery_timeout":    c.Breaker.RecoveryTimeout.String(),
			"observation_window":  c.Breaker.ObservationWindow.String(),
			"per_operation_class": c.Breaker.PerOperationClass,
		},
		"retry": map[string]any{
			"max_attempts": int64(c.Retry.MaxAttempts),
			"base_delay":   c.Retry.BaseDelay.String(),
			"max_delay":    c.Retry.MaxDelay.String(),
			"jitter":       c.Retry.Jitter,
		},
		"operation_timeout": c.OperationTimeout.String(),
		"primary": map[string]any{
			"backend":  c.Primary.Backend,
			"addr":     c.Primary.Addr,
			"password": c.Primary.Password,
			"db":       int64(c.Primary.DB),
			"prefix":   c.Primary.Prefix,
		},
		"secondary": map[string]any{
			"backend": c.Secondary.Backend,
			"path":    c.Secondary.Path,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"server": map[string]any{
			"addr": c.Server.Addr,
		},
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Primary.Password != "" {
		c.Primary.Password = "********"
	}
	return c
}

// Validate checks c against the CUE schema, then the cross-field rules the
// schema cannot express over duration strings.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := def.Unify(ctx.Encode(c.Document()))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	var errs []error
	if c.OperationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("operation_timeout must be positive"))
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("breaker.recovery_timeout must be positive"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay (%s) is below retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// BreakerSettings converts the breaker section.
func (c Config) BreakerSettings() breaker.Settings {
	return breaker.Settings{
		FailureThreshold:  c.Breaker.FailureThreshold,
		RecoveryTimeout:   c.Breaker.RecoveryTimeout,
		ObservationWindow: c.Breaker.ObservationWindow,
		PerOperationClass: c.Breaker.PerOperationClass,
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Jitter:      c.Retry.Jitter,
	}
}
