package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aiox-platform/agentmem/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired sessions, conversations, contexts and embeddings once",
		RunE:  runCleanup,
	}
	cmd.Flags().StringSlice("agent", nil, "Agents whose expired contexts are removed (default: MEMORY_AGENTS)")

	RootCmd.AddCommand(cmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if agents, _ := cmd.Flags().GetStringSlice("agent"); len(agents) > 0 {
		cfg.Memory.Agents = agents
	}
	if len(cfg.Memory.Agents) == 0 {
		return errors.New("no agents to clean: pass --agent or set MEMORY_AGENTS")
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := memory.NewJanitor(a.registry, 0).RunOnce(cmd.Context())
	b, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
