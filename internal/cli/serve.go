package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aiox-platform/agentmem/internal/api"
	"github.com/aiox-platform/agentmem/internal/memory"
	"github.com/aiox-platform/agentmem/internal/middleware"
	"github.com/aiox-platform/agentmem/internal/server"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory HTTP API and the cleanup janitor",
		RunE:  runServe,
	}
	cmd.Flags().Bool("no-janitor", false, "Do not sweep expired memory in this process")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if len(cfg.Memory.Agents) == 0 {
		slog.Warn("MEMORY_AGENTS is empty, every agent name in a URL gets its own store")
	}

	h := memory.NewHandler(a.registry)
	routerCfg := api.RouterConfig{CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins}
	if cfg.Server.RateLimitRequests > 0 {
		routerCfg.RateLimiter = middleware.NewRateLimiter(a.redis, cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindowSec).Middleware
	}

	router := api.NewRouter(a.healthChecks(), routerCfg, api.HandlerSet{
		AgentMiddleware: h.AgentMiddleware,

		InitializeSession: h.InitializeSession,
		GetSession:        h.GetSession,
		CompleteSession:   h.CompleteSession,
		ExtendSession:     h.ExtendSession,

		History:       h.History,
		RecentContext: h.RecentContext,
		AddMessage:    h.AddMessage,

		ListContexts:  h.ListContexts,
		GetContext:    h.GetContext,
		SaveContext:   h.SaveContext,
		DeleteContext: h.DeleteContext,

		SaveEmbedding:    h.SaveEmbedding,
		SearchEmbeddings: h.SearchEmbeddings,

		Cleanup: h.Cleanup,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(cfg.Server, router).Start(ctx)
	})

	if noJanitor, _ := cmd.Flags().GetBool("no-janitor"); !noJanitor {
		janitor := memory.NewJanitor(a.registry, cfg.Memory.CleanupInterval)
		g.Go(func() error {
			if err := janitor.Start(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("memoryd stopped")
	return nil
}
