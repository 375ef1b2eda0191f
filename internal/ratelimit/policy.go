package ratelimit

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clubcore-io/clubcore/internal/config"
)

// DefaultPolicyPath is the default location for the clubcore configuration
// file. Uses hidden file format following common tool conventions
// (.eslintrc, .prettierrc, etc.).
const DefaultPolicyPath = ".clubcore.yaml"

// PolicyPathEnvVar is the environment variable name for custom config path.
const PolicyPathEnvVar = "CLUBCORE_CONFIG_PATH"

// Policy holds per-scope rate limit overrides loaded from .clubcore.yaml.
//
// Deployments that need different numbers than the environment presets
// (a tournament weekend, a club with unusual traffic) override per scope:
//
//	rate_limits:
//	  strict:
//	    limit: 10
//	    window: 120s
//	  standard:
//	    limit: 300
type Policy struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	RateLimits map[string]ScopeOverride `yaml:"rate_limits"`
}

// ScopeOverride carries the overridable fields of one scope. Zero or
// unparsable fields leave the preset value in place.
type ScopeOverride struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

// LoadPolicy loads rate limit overrides from a YAML file at the given path.
//
// Behavior:
//   - Returns empty policy (not error) if file doesn't exist - overrides are optional
//   - Returns empty policy + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated policy on success
//
// This graceful degradation ensures the server can start even without a
// policy file, as overrides are an optional feature on top of the presets.
func LoadPolicy(path string) (*Policy, error) {
	policy := &Policy{
		RateLimits: make(map[string]ScopeOverride),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - overrides are optional
			slog.Debug("Policy file not found, continuing with preset limits",
				slog.String("path", path))

			return policy, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read policy file, continuing with preset limits",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return policy, nil
	}

	// Empty file is valid - just no overrides
	if len(data) == 0 {
		return policy, nil
	}

	if err := yaml.Unmarshal(data, policy); err != nil {
		// Invalid YAML - log warning and continue with empty policy
		slog.Warn("Failed to parse policy file, continuing with preset limits",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Policy{RateLimits: make(map[string]ScopeOverride)}, nil
	}

	// Ensure map is initialized even if YAML had nil/empty section
	if policy.RateLimits == nil {
		policy.RateLimits = make(map[string]ScopeOverride)
	}

	return policy, nil
}

// LoadPolicyFromEnv loads the policy from the path specified in
// CLUBCORE_CONFIG_PATH environment variable. Falls back to ".clubcore.yaml"
// in current directory if not set.
func LoadPolicyFromEnv() (*Policy, error) {
	path := config.GetEnvStr(PolicyPathEnvVar, DefaultPolicyPath)

	return LoadPolicy(path)
}

// Apply returns cfg with any override for its scope applied. Fields the
// override leaves at zero keep the preset value; an unparsable or
// non-positive window is logged and ignored rather than breaking the scope.
func (p *Policy) Apply(cfg Config) Config {
	if p == nil {
		return cfg
	}

	override, ok := p.RateLimits[cfg.Name]
	if !ok {
		return cfg
	}

	if override.Limit > 0 {
		cfg.Limit = override.Limit
	}

	if override.Window != "" {
		window, err := time.ParseDuration(override.Window)
		if err != nil || window <= 0 {
			slog.Warn("Ignoring invalid rate limit window override",
				slog.String("scope", cfg.Name),
				slog.String("window", override.Window))
		} else {
			cfg.Window = window
		}
	}

	return cfg
}
