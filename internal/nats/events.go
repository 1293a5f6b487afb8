package nats

import (
	"strings"
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// EventSubject returns the subject for an event: {root}.{agent}.{event type}.
// Event types are dotted ("session.created"), so they add subject tokens.
func EventSubject(root, agent, eventType string) string {
	if agent == "" {
		agent = "_"
	}
	return strings.Join([]string{root, agent, eventType}, ".")
}

// AgentFilter returns a subject filter matching every event of one agent,
// or every event when agent is empty.
func AgentFilter(root, agent string) string {
	if agent == "" {
		return root + ".>"
	}
	return root + "." + agent + ".>"
}
