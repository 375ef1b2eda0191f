package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".clubcore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	return path
}

func TestLoadPolicyMissingFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	policy, err := LoadPolicy(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing file should not be an error, got %v", err)
	}

	if policy == nil || len(policy.RateLimits) != 0 {
		t.Errorf("expected empty policy, got %+v", policy)
	}
}

func TestLoadPolicyInvalidYAML(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writePolicyFile(t, "rate_limits: [not: valid: yaml")

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("invalid YAML should degrade gracefully, got %v", err)
	}

	if len(policy.RateLimits) != 0 {
		t.Errorf("expected empty policy after parse failure, got %+v", policy)
	}
}

func TestLoadPolicyEmptyFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writePolicyFile(t, "")

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("empty file should not be an error, got %v", err)
	}

	if len(policy.RateLimits) != 0 {
		t.Errorf("expected empty policy, got %+v", policy)
	}
}

func TestLoadPolicyValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writePolicyFile(t, `rate_limits:
  strict:
    limit: 10
    window: 120s
  standard:
    limit: 300
`)

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	strict, ok := policy.RateLimits[ScopeStrict]
	if !ok {
		t.Fatal("strict override missing")
	}

	if strict.Limit != 10 || strict.Window != "120s" {
		t.Errorf("strict override = %+v, want {10, 120s}", strict)
	}

	standard, ok := policy.RateLimits[ScopeStandard]
	if !ok {
		t.Fatal("standard override missing")
	}

	if standard.Limit != 300 || standard.Window != "" {
		t.Errorf("standard override = %+v, want {300, \"\"}", standard)
	}
}

func TestLoadPolicyFromEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writePolicyFile(t, `rate_limits:
  sensitive:
    limit: 1
`)
	t.Setenv(PolicyPathEnvVar, path)

	policy, err := LoadPolicyFromEnv()
	if err != nil {
		t.Fatalf("LoadPolicyFromEnv failed: %v", err)
	}

	if policy.RateLimits[ScopeSensitive].Limit != 1 {
		t.Errorf("sensitive limit = %d, want 1", policy.RateLimits[ScopeSensitive].Limit)
	}
}

func TestPolicyApply(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base := Config{Name: ScopeStrict, Limit: 5, Window: 60 * time.Second}

	tests := []struct {
		name       string
		policy     *Policy
		wantLimit  int
		wantWindow time.Duration
	}{
		{
			name:       "nil policy keeps preset",
			policy:     nil,
			wantLimit:  5,
			wantWindow: 60 * time.Second,
		},
		{
			name:       "no override for scope keeps preset",
			policy:     &Policy{RateLimits: map[string]ScopeOverride{ScopeStandard: {Limit: 1}}},
			wantLimit:  5,
			wantWindow: 60 * time.Second,
		},
		{
			name:       "limit-only override keeps preset window",
			policy:     &Policy{RateLimits: map[string]ScopeOverride{ScopeStrict: {Limit: 10}}},
			wantLimit:  10,
			wantWindow: 60 * time.Second,
		},
		{
			name:       "window-only override keeps preset limit",
			policy:     &Policy{RateLimits: map[string]ScopeOverride{ScopeStrict: {Window: "2m"}}},
			wantLimit:  5,
			wantWindow: 2 * time.Minute,
		},
		{
			name:       "full override",
			policy:     &Policy{RateLimits: map[string]ScopeOverride{ScopeStrict: {Limit: 20, Window: "30s"}}},
			wantLimit:  20,
			wantWindow: 30 * time.Second,
		},
		{
			name:       "unparsable window is ignored",
			policy:     &Policy{RateLimits: map[string]ScopeOverride{ScopeStrict: {Window: "soon"}}},
			wantLimit:  5,
			wantWindow: 60 * time.Second,
		},
		{
			name:       "non-positive window is ignored",
			policy:     &Policy{RateLimits: map[string]ScopeOverride{ScopeStrict: {Window: "-10s"}}},
			wantLimit:  5,
			wantWindow: 60 * time.Second,
		},
		{
			name:       "zero limit is ignored",
			policy:     &Policy{RateLimits: map[string]ScopeOverride{ScopeStrict: {Window: "90s"}}},
			wantLimit:  5,
			wantWindow: 90 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Apply(base)

			if got.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", got.Limit, tt.wantLimit)
			}

			if got.Window != tt.wantWindow {
				t.Errorf("Window = %v, want %v", got.Window, tt.wantWindow)
			}

			if got.Name != base.Name {
				t.Errorf("Name = %q, should never change", got.Name)
			}
		})
	}
}
