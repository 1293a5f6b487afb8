package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	switch c.Memory.Backend {
	case BackendPostgres:
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required for the postgres backend")
		}
	case BackendRedis:
	default:
		errs = append(errs, fmt.Sprintf("MEMORY_BACKEND must be %q or %q, got %q", BackendPostgres, BackendRedis, c.Memory.Backend))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	if c.Memory.CleanupInterval < 0 {
		errs = append(errs, "MEMORY_CLEANUP_INTERVAL must not be negative")
	}
	if c.Memory.SessionCacheTTL <= 0 {
		errs = append(errs, "MEMORY_SESSION_CACHE_TTL must be positive")
	}
	if c.Memory.SessionDuration <= 0 {
		errs = append(errs, "MEMORY_SESSION_DURATION must be positive")
	}
	if t := c.Memory.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Sprintf("MEMORY_SIMILARITY_THRESHOLD must be within 0-1, got %g", t))
	}

	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, memory events will not be published")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
