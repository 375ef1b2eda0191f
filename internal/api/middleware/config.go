package middleware

import (
	"github.com/clubcore-io/clubcore/internal/config"
)

const (
	burstCapacityMultiplier int = 2
	defaultThrottleRPS      int = 100
)

// ThrottleConfig holds global throttle configuration.
//
// The throttle is a single token bucket applied to all authenticated
// traffic before per-client rate limiting runs. It protects the process
// as a whole; fairness between callers is the rate limiter's job.
//
// Burst capacity allows temporary bursts above the sustained rate.
// If Burst is 0, it is computed automatically as 2 × RPS.
type ThrottleConfig struct {
	// RPS is the sustained rate limit in requests per second. Default: 100
	RPS int

	// Burst is an optional burst capacity override (0 = computed as 2 × RPS).
	Burst int
}

// LoadThrottleConfig loads throttle config from environment variables with
// fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst).
func LoadThrottleConfig() *ThrottleConfig {
	return &ThrottleConfig{
		RPS:   config.GetEnvInt("CLUBCORE_THROTTLE_RPS", defaultThrottleRPS),
		Burst: config.GetEnvInt("CLUBCORE_THROTTLE_BURST", 0),
	}
}
