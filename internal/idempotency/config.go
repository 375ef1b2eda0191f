package idempotency

import (
	"time"

	"github.com/clubcore-io/clubcore/internal/config"
)

// Store backend selectors for Config.StoreKind.
const (
	StoreKindMemory   = "memory"
	StoreKindPostgres = "postgres"
)

// Config holds idempotency cache configuration.
//
// StoreKind selects where records live: "memory" is sufficient for
// single-instance deployments, "postgres" is required once multiple
// instances serve the same clients (the uniqueness constraint must span
// processes for the race-resolution path to work).
type Config struct {
	Retention     time.Duration // Default: 24 hours
	SweepInterval time.Duration // Default: 1 hour
	StoreKind     string        // Default: "postgres"
}

// LoadConfig loads idempotency config from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Retention:     config.GetEnvDuration("CLUBCORE_IDEMPOTENCY_RETENTION", DefaultRetention),
		SweepInterval: config.GetEnvDuration("CLUBCORE_IDEMPOTENCY_SWEEP_INTERVAL", DefaultSweepInterval),
		StoreKind:     config.GetEnvStr("CLUBCORE_IDEMPOTENCY_STORE", StoreKindPostgres),
	}
}
