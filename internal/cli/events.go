package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiox-platform/agentmem/internal/memory"
	inats "github.com/aiox-platform/agentmem/internal/nats"
)

func init() {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print memory events from NATS as JSON lines",
		RunE:  runEvents,
	}
	cmd.Flags().String("agent", "", "Only show events of this agent")
	cmd.Flags().String("consumer", "memoryd-events", "Durable consumer name")

	RootCmd.AddCommand(cmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return errors.New("NATS_URL is not set")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := inats.NewClient(ctx, cfg.NATS)
	if err != nil {
		return err
	}
	defer nc.Close()

	agent, _ := cmd.Flags().GetString("agent")
	name, _ := cmd.Flags().GetString("consumer")
	consumer, err := inats.NewConsumerManager(nc.JetStream()).
		EnsureConsumer(ctx, nc.Stream(), name, inats.AgentFilter(nc.Subject(), memory.SanitizeAgentName(agent)))
	if err != nil {
		return err
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	err = inats.ConsumeEvents(ctx, consumer, func(e memory.Event) error {
		return out.Encode(e)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consuming events: %w", err)
	}
	return nil
}
