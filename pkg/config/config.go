// Package config loads node configuration: environment variables first,
// optionally overlaid by a YAML node profile.
package config

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Config holds node configuration.
type Config struct {
	LogLevel string

	// NodeID identifies this node instance in telemetry. Generated per
	// boot unless pinned via ZOS_NODE_ID.
	NodeID string

	// CommitLogBackend selects where the commit tape persists:
	// "memory", "sqlite", or "postgres".
	CommitLogBackend string
	CommitLogDSN     string

	// StorageBackend / KeystoreBackend select the supervisor backends:
	// "memory", "sqlite", or "redis".
	StorageBackend  string
	StorageDSN      string
	KeystoreBackend string
	KeystoreDSN     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// IORateLimit bounds supervisor backend calls per second; 0 means
	// unlimited.
	IORateLimit float64
	IOBurst     int

	OTLPEndpoint     string
	TelemetryEnabled bool
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		NodeID:           getenv("ZOS_NODE_ID", uuid.NewString()),
		CommitLogBackend: getenv("ZOS_COMMIT_LOG", "memory"),
		CommitLogDSN:     getenv("ZOS_COMMIT_LOG_DSN", "file:commits.db"),
		StorageBackend:   getenv("ZOS_STORAGE", "memory"),
		StorageDSN:       getenv("ZOS_STORAGE_DSN", "file:storage.db"),
		KeystoreBackend:  getenv("ZOS_KEYSTORE", "memory"),
		KeystoreDSN:      getenv("ZOS_KEYSTORE_DSN", "file:keystore.db"),
		RedisAddr:        getenv("ZOS_REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("ZOS_REDIS_PASSWORD"),
		OTLPEndpoint:     getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("ZOS_TELEMETRY") == "true",
		IOBurst:          1,
	}
	if v, err := strconv.Atoi(os.Getenv("ZOS_REDIS_DB")); err == nil {
		cfg.RedisDB = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("ZOS_IO_RATE_LIMIT"), 64); err == nil {
		cfg.IORateLimit = v
	}
	if v, err := strconv.Atoi(os.Getenv("ZOS_IO_BURST")); err == nil && v > 0 {
		cfg.IOBurst = v
	}
	return cfg
}
