package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "memory.events.csv_agent.session.created",
		EventSubject("memory.events", "csv_agent", "session.created"))
	assert.Equal(t, "memory.events._.memory.cleanup",
		EventSubject("memory.events", "", "memory.cleanup"))
}

func TestAgentFilter(t *testing.T) {
	assert.Equal(t, "memory.events.>", AgentFilter("memory.events", ""))
	assert.Equal(t, "memory.events.rag.>", AgentFilter("memory.events", "rag"))
}
