package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "agentmem",
			Password: "secret", Name: "agentmem", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		NATS:  NATSConfig{URL: "nats://localhost:4222", Stream: "MEMORY", Subject: "memory.events"},
		Memory: MemoryConfig{
			Backend:             BackendPostgres,
			CleanupInterval:     time.Hour,
			SessionCacheTTL:     5 * time.Minute,
			SessionDuration:     24 * time.Hour,
			SimilarityThreshold: 0.8,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequiredForPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_RedisBackendNeedsNoDBPassword(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	cfg.Memory.Backend = BackendRedis
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Memory.Backend = "sqlite"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "MEMORY_BACKEND") {
		t.Fatalf("expected MEMORY_BACKEND error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_SimilarityThresholdRange(t *testing.T) {
	cfg := validConfig()
	cfg.Memory.SimilarityThreshold = 1.5
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "MEMORY_SIMILARITY_THRESHOLD") {
		t.Fatalf("expected MEMORY_SIMILARITY_THRESHOLD error, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 5432},
		Redis:  RedisConfig{Port: 6379},
		Memory: MemoryConfig{Backend: BackendPostgres},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"DB_PASSWORD", "SERVER_PORT", "MEMORY_SESSION_CACHE_TTL", "MEMORY_SESSION_DURATION"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MEMORY_BACKEND", "redis")
	t.Setenv("MEMORY_CLEANUP_INTERVAL", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Memory.Backend != BackendRedis {
		t.Errorf("expected redis backend, got %q", cfg.Memory.Backend)
	}
	if cfg.Memory.CleanupInterval != 15*time.Minute {
		t.Errorf("expected 15m cleanup interval, got %s", cfg.Memory.CleanupInterval)
	}
	if cfg.Memory.SessionCacheTTL != 5*time.Minute {
		t.Errorf("expected default cache ttl, got %s", cfg.Memory.SessionCacheTTL)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("MEMORY_SESSION_DURATION", "forever")
	if _, err := Load(); err == nil {
		t.Fatal("expected duration parse error")
	}
}
