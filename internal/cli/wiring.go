package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aiox-platform/agentmem/internal/api"
	"github.com/aiox-platform/agentmem/internal/config"
	"github.com/aiox-platform/agentmem/internal/database"
	"github.com/aiox-platform/agentmem/internal/memory"
	inats "github.com/aiox-platform/agentmem/internal/nats"
	iredis "github.com/aiox-platform/agentmem/internal/redis"
)

// app holds the connections shared by the commands.
type app struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	redis    *goredis.Client
	nats     *inats.Client
	registry *memory.Registry
}

// needRedis reports whether the configuration uses Redis at all.
func needRedis(cfg *config.Config) bool {
	return cfg.Memory.Backend == config.BackendRedis || cfg.Server.RateLimitRequests > 0
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Memory.Backend == config.BackendPostgres {
		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.pool = pool
	}

	if needRedis(cfg) {
		client, err := iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.redis = client
	}

	// Events are optional; a broker outage must not keep memory offline.
	var events memory.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Warn("memory events disabled", "error", err)
		} else {
			a.nats = nc
			events = inats.NewPublisher(nc.JetStream(), nc.Subject())
		}
	}

	memCfg := memoryConfig(cfg.Memory)
	if err := memCfg.Validate(); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = memory.NewRegistry(a.storeFactory(memCfg), memCfg, events)
	if len(cfg.Memory.Agents) > 0 {
		a.registry.Restrict(cfg.Memory.Agents...)
	}
	for _, agent := range cfg.Memory.Agents {
		if _, err := a.registry.Manager(agent); err != nil {
			a.Close()
			return nil, fmt.Errorf("registering agent %s: %w", agent, err)
		}
	}
	return a, nil
}

func (a *app) storeFactory(memCfg memory.Config) memory.StoreFactory {
	if a.cfg.Memory.Backend == config.BackendRedis {
		return func(agent string) (memory.Store, error) {
			return memory.NewRedisStore(a.redis, agent, memCfg), nil
		}
	}
	return func(agent string) (memory.Store, error) {
		return memory.NewPostgresStore(a.pool, agent, memCfg, a.cfg.Memory.SessionCacheTTL)
	}
}

// healthChecks lists every dependency; unused ones report "not configured".
func (a *app) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{"database": nil, "redis": nil, "nats": nil}
	if a.pool != nil {
		checks["database"] = func(ctx context.Context) error { return database.HealthCheck(ctx, a.pool) }
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return iredis.HealthCheck(ctx, a.redis) }
	}
	if a.nats != nil {
		checks["nats"] = a.nats.HealthCheck
	}
	return checks
}

func (a *app) Close() error {
	var result error
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return result
}

// memoryConfig maps environment settings onto memory.Config, keeping defaults for unset values.
func memoryConfig(mc config.MemoryConfig) memory.Config {
	cfg := memory.DefaultConfig()
	if mc.MaxContextSizeBytes > 0 {
		cfg.MaxContextSizeBytes = mc.MaxContextSizeBytes
	}
	if mc.SessionDuration > 0 {
		cfg.SessionDurationSec = int(mc.SessionDuration.Seconds())
	}
	if mc.EmbeddingDimension > 0 {
		cfg.EmbeddingDimension = mc.EmbeddingDimension
	}
	if mc.SimilarityThreshold > 0 {
		cfg.SimilarityThreshold = mc.SimilarityThreshold
	}
	if mc.MaxConversationHistory > 0 {
		cfg.MaxConversationHistory = mc.MaxConversationHistory
		if cfg.RecentConversationView > cfg.MaxConversationHistory {
			cfg.RecentConversationView = cfg.MaxConversationHistory
		}
	}
	if mc.MaxContentLength > 0 {
		cfg.MaxContentLength = mc.MaxContentLength
	}
	return cfg
}
