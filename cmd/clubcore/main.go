// Package main provides the Clubcore platform service.
//
// Clubcore is the shared infrastructure layer for sports club platforms:
// it executes mutations idempotently, enforces per-client rate limits,
// propagates correlation context, and records an audit event stream for
// the membership, booking, and payment services built on top of it.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clubcore-io/clubcore/internal/api"
	"github.com/clubcore-io/clubcore/internal/api/middleware"
	"github.com/clubcore-io/clubcore/internal/config"
	"github.com/clubcore-io/clubcore/internal/events"
	"github.com/clubcore-io/clubcore/internal/idempotency"
	"github.com/clubcore-io/clubcore/internal/ratelimit"
	"github.com/clubcore-io/clubcore/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "clubcore"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Clubcore service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Process-wide throttle sits in front of per-client rate limiting
	throttleConfig := middleware.LoadThrottleConfig()
	throttle := middleware.NewThrottle(throttleConfig)

	logger.Info("Throttle initialized",
		slog.Int("rps", throttleConfig.RPS),
		slog.Int("burst", throttleConfig.Burst),
	)

	deps := api.Dependencies{Throttle: throttle}

	storeConfig := ratelimit.LoadStoreConfig()
	idempotencyConfig := idempotency.LoadConfig()

	var (
		dbConn      *storage.Connection
		windowStore ratelimit.WindowStore
		recordStore idempotency.Store
	)

	// DATABASE_URL selects the deployment shape: postgres-backed stores with
	// service authentication and the audit trail, or in-memory stores for
	// single-instance development without a database.
	storageConfig := storage.LoadConfig()
	if storageConfig.Validate() == nil {
		conn, err := storage.NewConnection(storageConfig)
		if err != nil {
			logger.Error("Failed to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}

		dbConn = conn

		defer func() {
			_ = dbConn.Close() // Ensure connection closes on normal shutdown
		}()

		authEnabled := config.GetEnvBool("CLUBCORE_AUTH_ENABLED", true)
		if authEnabled {
			keyStore, err := storage.NewPersistentKeyStore(dbConn)
			if err != nil {
				logger.Error("Failed to connect to persistent key store", slog.String("error", err.Error()))

				_ = dbConn.Close()
				//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
				os.Exit(1)
			}

			deps.KeyStore = keyStore

			logger.Info("Service authentication enabled",
				slog.String("database_url", storageConfig.MaskDatabaseURL()),
			)
		} else {
			logger.Warn("Service authentication disabled",
				slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
				slog.String("note", "Set CLUBCORE_AUTH_ENABLED=true to enable service key authentication"),
			)
		}

		pgWindowStore, err := ratelimit.NewPostgresStore(dbConn, storeConfig.SweepInterval)
		if err != nil {
			logger.Error("Failed to create rate limit store", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(1)
		}

		windowStore = pgWindowStore
		deps.Closers = append(deps.Closers, pgWindowStore)

		// The idempotency store kind stays configurable with a database
		// present: memory is acceptable for a single instance, postgres is
		// required once several instances serve the same clients.
		if idempotencyConfig.StoreKind == idempotency.StoreKindMemory {
			memRecordStore, err := idempotency.NewMemoryStore(idempotencyConfig.SweepInterval)
			if err != nil {
				logger.Error("Failed to create idempotency store", slog.String("error", err.Error()))

				_ = dbConn.Close()
				os.Exit(1)
			}

			recordStore = memRecordStore
			deps.Closers = append(deps.Closers, memRecordStore)
		} else {
			pgRecordStore, err := idempotency.NewPostgresStore(dbConn, idempotencyConfig.SweepInterval)
			if err != nil {
				logger.Error("Failed to create idempotency store", slog.String("error", err.Error()))

				_ = dbConn.Close()
				os.Exit(1)
			}

			recordStore = pgRecordStore
			deps.Closers = append(deps.Closers, pgRecordStore)
		}

		auditStore, err := events.NewStore(dbConn)
		if err != nil {
			logger.Error("Failed to create audit event store", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(1)
		}

		deps.AuditStore = auditStore

		logger.Info("Persistent stores initialized",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.String("idempotency_store", idempotencyConfig.StoreKind),
			slog.Duration("rate_limit_sweep_interval", storeConfig.SweepInterval),
			slog.Duration("idempotency_sweep_interval", idempotencyConfig.SweepInterval),
			slog.Duration("idempotency_retention", idempotencyConfig.Retention),
			slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
			slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		)
	} else {
		logger.Warn("DATABASE_URL not set - using in-memory stores",
			slog.String("note", "Service authentication and the audit trail require a database"),
		)

		memWindowStore, err := ratelimit.NewMemoryStore(storeConfig.MaxKeys, storeConfig.SweepInterval)
		if err != nil {
			logger.Error("Failed to create rate limit store", slog.String("error", err.Error()))
			os.Exit(1)
		}

		windowStore = memWindowStore
		deps.Closers = append(deps.Closers, memWindowStore)

		memRecordStore, err := idempotency.NewMemoryStore(idempotencyConfig.SweepInterval)
		if err != nil {
			logger.Error("Failed to create idempotency store", slog.String("error", err.Error()))
			os.Exit(1)
		}

		recordStore = memRecordStore
		deps.Closers = append(deps.Closers, memRecordStore)
	}

	limiter, err := ratelimit.NewLimiter(windowStore)
	if err != nil {
		logger.Error("Failed to create rate limiter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	deps.Limiter = limiter

	executor, err := idempotency.NewExecutor(recordStore, idempotencyConfig.Retention)
	if err != nil {
		logger.Error("Failed to create idempotency executor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	deps.Executor = executor

	kafkaConfig := events.LoadKafkaConfig()
	if kafkaConfig.Enabled() {
		publisher, err := events.NewKafkaPublisher(kafkaConfig)
		if err != nil {
			logger.Error("Failed to create kafka publisher", slog.String("error", err.Error()))
			os.Exit(1)
		}

		deps.Publisher = publisher
		deps.Closers = append(deps.Closers, publisher)

		logger.Info("Kafka audit publishing enabled",
			slog.String("topic", kafkaConfig.Topic),
			slog.Int("brokers", len(kafkaConfig.Brokers)),
		)
	} else {
		logger.Info("Kafka brokers not configured - audit events recorded locally only")
	}

	// The shared pool closes after every store and publisher that uses it
	if dbConn != nil {
		deps.Closers = append(deps.Closers, dbConn)
	}

	server := api.NewServer(serverConfig, deps)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Clubcore service stopped")
}
