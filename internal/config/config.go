package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Server ServerConfig
	DB     DBConfig
	Redis  RedisConfig
	NATS   NATSConfig
	Log    LogConfig
	Memory MemoryConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
	// Requests allowed per client and agent per RateLimitWindowSec; 0 disables limiting.
	RateLimitRequests  int
	RateLimitWindowSec int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig enables memory event publishing when URL is set.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
}

type LogConfig struct {
	Level  string
	Format string
}

// MemoryConfig selects the storage backend and tunes the memory subsystem.
type MemoryConfig struct {
	Backend         string
	CleanupInterval time.Duration
	SessionCacheTTL time.Duration

	MaxContextSizeBytes    int
	SessionDuration        time.Duration
	EmbeddingDimension     int
	SimilarityThreshold    float64
	MaxConversationHistory int
	MaxContentLength       int

	// Agents are swept by the janitor from startup, before any request names them.
	Agents []string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               k.String("server.host"),
			Port:               k.Int("server.port"),
			CORSAllowedOrigins: splitList(k.String("server.cors.allowed.origins")),
			RateLimitRequests:  k.Int("server.ratelimit.requests"),
			RateLimitWindowSec: k.Int("server.ratelimit.window.sec"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Stream:  k.String("nats.stream"),
			Subject: k.String("nats.subject"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		Memory: MemoryConfig{
			Backend:                k.String("memory.backend"),
			Agents:                 splitList(k.String("memory.agents")),
			MaxContextSizeBytes:    k.Int("memory.max.context.size.bytes"),
			EmbeddingDimension:     k.Int("memory.embedding.dimension"),
			SimilarityThreshold:    k.Float64("memory.similarity.threshold"),
			MaxConversationHistory: k.Int("memory.max.conversation.history"),
			MaxContentLength:       k.Int("memory.max.content.length"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitWindowSec == 0 {
		cfg.Server.RateLimitWindowSec = 60
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "agentmem"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "agentmem"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.Stream == "" {
		cfg.NATS.Stream = "MEMORY"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "memory.events"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = BackendPostgres
	}

	// Parse durations
	cfg.Memory.CleanupInterval, err = parseDuration(k, "memory.cleanup.interval", "1h")
	if err != nil {
		return nil, err
	}
	cfg.Memory.SessionCacheTTL, err = parseDuration(k, "memory.session.cache.ttl", "5m")
	if err != nil {
		return nil, err
	}
	cfg.Memory.SessionDuration, err = parseDuration(k, "memory.session.duration", "24h")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(k *koanf.Koanf, key, def string) (time.Duration, error) {
	s := k.String(key)
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
