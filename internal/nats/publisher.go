package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/agentmem/internal/memory"
)

// Publisher publishes memory events to NATS JetStream.
type Publisher struct {
	js   jetstream.JetStream
	root string
}

// NewPublisher creates a Publisher rooted at subject.
func NewPublisher(js jetstream.JetStream, subject string) *Publisher {
	return &Publisher{js: js, root: subject}
}

// PublishMemoryEvent implements memory.EventPublisher.
func (p *Publisher) PublishMemoryEvent(ctx context.Context, e memory.Event) error {
	return p.publish(ctx, EventSubject(p.root, e.AgentName, string(e.Type)), e)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
