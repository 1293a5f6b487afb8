package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/agentmem/internal/memory"
)

// ConsumerManager handles durable consumer creation and retrieval.
type ConsumerManager struct {
	js jetstream.JetStream
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", name, stream, err)
	}
	return consumer, nil
}

// ConsumeEvents fetches memory events in batches and hands each to fn until ctx is done.
// Malformed payloads are acknowledged and skipped. A message is acked only when fn succeeds.
func ConsumeEvents(ctx context.Context, consumer jetstream.Consumer, fn func(memory.Event) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("fetching events: %w", err)
		}

		for msg := range batch.Messages() {
			var e memory.Event
			if err := json.Unmarshal(msg.Data(), &e); err != nil {
				slog.Warn("skipping malformed memory event", "subject", msg.Subject(), "error", err)
				msg.Ack()
				continue
			}
			if err := fn(e); err != nil {
				slog.Warn("memory event handler failed", "subject", msg.Subject(), "error", err)
				msg.Nak()
				continue
			}
			msg.Ack()
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return fmt.Errorf("reading event batch: %w", err)
		}
	}
}
