package main

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all configuration for the migration tool
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging)
func (c *Config) String() string {
	maskedURL := maskDatabaseURL(c.DatabaseURL)

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskedURL, c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDatabaseURL replaces the password in a connection URL with *** for
// logging. Parsed by hand rather than net/url: passwords containing '@' or
// ':' are legal in practice and would break a standard parse, and a masking
// helper must never error out and return the secret it was asked to hide.
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	// Authority section starts after "//"; a URL without one has no userinfo
	authStart := strings.Index(url, "//")
	if authStart == -1 {
		return url
	}
	authStart += 2

	// The userinfo/host separator is the LAST "@" before the path, query, or
	// fragment, so passwords containing "@" stay inside the userinfo part
	atPos := -1
	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}
		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	// No "@" means no userinfo to mask
	if atPos == -1 {
		return url
	}

	// The first ":" inside the userinfo separates user from password
	colonPos := strings.IndexByte(url[authStart:atPos], ':')
	if colonPos == -1 {
		return url
	}
	colonPos += authStart

	// An empty password needs no masking
	if atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
