package ratelimit

import (
	"time"

	"github.com/clubcore-io/clubcore/internal/config"
)

// Default preset values. Environment variables override per scope.
const (
	defaultStrictLimit    = 5
	defaultStandardLimit  = 100
	defaultSensitiveLimit = 3
	defaultWindow         = 60 * time.Second

	// DefaultMaxKeys bounds the in-memory store so hostile client churn
	// cannot grow the window map without limit.
	DefaultMaxKeys = 10000

	// DefaultSweepInterval is how often the in-memory store looks for
	// stale window entries.
	DefaultSweepInterval = 5 * time.Minute
)

// Scope names used as the key prefix and for policy file overrides.
const (
	ScopeStrict    = "strict"
	ScopeStandard  = "standard"
	ScopeSensitive = "sensitive"
)

// Config describes one rate limit scope: at most Limit requests per client
// per Window.
type Config struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Validate checks that the scope is usable for window arithmetic.
func (c Config) Validate() error {
	if c.Name == "" {
		return ErrEmptyScope
	}

	if c.Limit <= 0 {
		return ErrInvalidLimit
	}

	if c.Window <= 0 {
		return ErrInvalidWindow
	}

	return nil
}

// Strict is the tier for authentication-class endpoints, where failed
// attempts are the signal of interest: 5 requests per 60s by default.
func Strict() Config {
	return Config{
		Name:   ScopeStrict,
		Limit:  config.GetEnvInt("CLUBCORE_RATE_LIMIT_STRICT_LIMIT", defaultStrictLimit),
		Window: config.GetEnvDuration("CLUBCORE_RATE_LIMIT_STRICT_WINDOW", defaultWindow),
	}
}

// Standard is the general API tier: 100 requests per 60s by default.
func Standard() Config {
	return Config{
		Name:   ScopeStandard,
		Limit:  config.GetEnvInt("CLUBCORE_RATE_LIMIT_STANDARD_LIMIT", defaultStandardLimit),
		Window: config.GetEnvDuration("CLUBCORE_RATE_LIMIT_STANDARD_WINDOW", defaultWindow),
	}
}

// Sensitive is the tier for operations that are expensive or abusable
// (exports, bulk mutations): 3 requests per 60s by default.
func Sensitive() Config {
	return Config{
		Name:   ScopeSensitive,
		Limit:  config.GetEnvInt("CLUBCORE_RATE_LIMIT_SENSITIVE_LIMIT", defaultSensitiveLimit),
		Window: config.GetEnvDuration("CLUBCORE_RATE_LIMIT_SENSITIVE_WINDOW", defaultWindow),
	}
}

// StoreConfig holds window store tuning shared by the backends.
type StoreConfig struct {
	MaxKeys       int           // Default: 10000 (memory store only)
	SweepInterval time.Duration // Default: 5 minutes
}

// LoadStoreConfig loads store tuning from environment variables with
// fallback to defaults.
func LoadStoreConfig() *StoreConfig {
	return &StoreConfig{
		MaxKeys:       config.GetEnvInt("CLUBCORE_RATE_LIMIT_MAX_KEYS", DefaultMaxKeys),
		SweepInterval: config.GetEnvDuration("CLUBCORE_RATE_LIMIT_SWEEP_INTERVAL", DefaultSweepInterval),
	}
}
