package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/aiox-platform/agentmem/internal/metrics"
)

// DefaultCleanupInterval is used when a Janitor is created with a non-positive interval.
const DefaultCleanupInterval = time.Hour

// Janitor periodically removes expired memory for every agent in a Registry.
type Janitor struct {
	registry *Registry
	interval time.Duration
}

// NewJanitor creates a Janitor sweeping every interval.
func NewJanitor(registry *Registry, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Janitor{registry: registry, interval: interval}
}

// Start sweeps once immediately and then on every tick until ctx is done.
// Sweep failures are logged; Start only returns ctx's error.
func (j *Janitor) Start(ctx context.Context) error {
	slog.Info("memory janitor started", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil {
			slog.Error("memory janitor sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("memory janitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce cleans every registered agent and returns the combined counts.
// Per-agent failures do not stop the sweep; they are returned together.
func (j *Janitor) RunOnce(ctx context.Context) (CleanupResult, error) {
	total := CleanupResult{}
	var result *multierror.Error

	for _, agent := range j.registry.Agents() {
		m, err := j.registry.Manager(agent)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		res, err := m.Cleanup(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("cleaning %s: %w", agent, err))
			continue
		}
		for category, n := range res {
			total[category] += n
			metrics.CleanupRowsTotal.WithLabelValues(category).Add(float64(n))
		}
		if n := res.Total(); n > 0 {
			slog.Info("memory: expired rows removed", "agent", agent, "removed", n)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		metrics.CleanupRunsTotal.WithLabelValues("error").Inc()
		return total, err
	}
	metrics.CleanupRunsTotal.WithLabelValues("ok").Inc()
	return total, nil
}
