package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aiox-platform/agentmem/internal/metrics"
)

// Mixin gives an agent best-effort memory.
//
// Every method swallows memory failures: it logs them with the agent, session
// and operation, counts them in agentmem_memory_degraded_total, and reports
// the outcome as a bool or an empty value. The agent's own work never fails
// because memory is unavailable.
//
// An empty sessionID argument means the session opened by InitMemory.
type Mixin struct {
	manager *Manager
	logger  *slog.Logger

	mu      sync.RWMutex
	session string
}

// NewMixin creates a Mixin. A nil manager yields a Mixin with memory disabled.
func NewMixin(manager *Manager, logger *slog.Logger) *Mixin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixin{manager: manager, logger: logger}
}

// HasMemory reports whether a memory manager is attached.
func (x *Mixin) HasMemory() bool { return x.manager != nil }

// CurrentSession returns the session opened by InitMemory, if any.
func (x *Mixin) CurrentSession() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.session
}

// InitMemory opens or resumes a session and makes it current.
func (x *Mixin) InitMemory(ctx context.Context, sessionID, userID string) bool {
	if !x.HasMemory() {
		return false
	}
	token, err := x.manager.InitializeSession(ctx, sessionID, userID, nil)
	if err != nil {
		x.degraded("init_memory", sessionID, err)
		return false
	}
	x.mu.Lock()
	x.session = token
	x.mu.Unlock()
	return true
}

// RememberQuery records a user query.
func (x *Mixin) RememberQuery(ctx context.Context, query, sessionID string) bool {
	sid, ok := x.resolve(sessionID)
	if !ok {
		return false
	}
	if _, err := x.manager.AddUserQuery(ctx, sid, query, MessageOptions{}); err != nil {
		x.degraded("remember_query", sid, err)
		return false
	}
	return true
}

// RememberResponse records an agent response.
func (x *Mixin) RememberResponse(ctx context.Context, response, sessionID string, opts MessageOptions) bool {
	sid, ok := x.resolve(sessionID)
	if !ok {
		return false
	}
	if _, err := x.manager.AddAgentResponse(ctx, sid, response, opts); err != nil {
		x.degraded("remember_response", sid, err)
		return false
	}
	return true
}

// RememberData stores a data context under key.
func (x *Mixin) RememberData(ctx context.Context, key string, data map[string]any, sessionID string) bool {
	sid, ok := x.resolve(sessionID)
	if !ok {
		return false
	}
	if _, err := x.manager.StoreDataContext(ctx, sid, key, data); err != nil {
		x.degraded("remember_data", sid, err)
		return false
	}
	return true
}

// RememberPreference stores preferences under key.
func (x *Mixin) RememberPreference(ctx context.Context, key string, prefs map[string]any, sessionID string) bool {
	sid, ok := x.resolve(sessionID)
	if !ok {
		return false
	}
	if _, err := x.manager.StorePreferences(ctx, sid, key, prefs); err != nil {
		x.degraded("remember_preference", sid, err)
		return false
	}
	return true
}

// RecallContext returns the recent context of the current session.
// It never returns nil; on failure the result is empty and marked Partial.
func (x *Mixin) RecallContext(ctx context.Context, hours int) *RecentContext {
	sid := x.CurrentSession()
	agent := ""
	if x.HasMemory() {
		agent = x.manager.AgentName()
	}
	if !x.HasMemory() || sid == "" {
		return newRecentContext(sid, agent, hours)
	}

	rc, err := x.manager.GetRecentContext(ctx, sid, hours)
	if err != nil {
		x.degraded("recall_context", sid, err)
		rc = newRecentContext(sid, agent, hours)
		rc.Partial = true
		return rc
	}
	return rc
}

// RecallConversation returns up to limit recent turns of the current session.
func (x *Mixin) RecallConversation(ctx context.Context, limit int) []ConversationMessage {
	sid, ok := x.resolve("")
	if !ok {
		return []ConversationMessage{}
	}
	msgs, err := x.manager.ConversationHistory(ctx, sid, limit)
	if err != nil {
		x.degraded("recall_conversation", sid, err)
		return []ConversationMessage{}
	}
	return msgs
}

func (x *Mixin) resolve(sessionID string) (string, bool) {
	if !x.HasMemory() {
		return "", false
	}
	if sessionID == "" {
		sessionID = x.CurrentSession()
	}
	if sessionID == "" {
		x.logger.Debug("memory: no session", "agent", x.manager.AgentName())
		return "", false
	}
	return sessionID, true
}

func (x *Mixin) degraded(op, sessionID string, err error) {
	metrics.MemoryDegradedTotal.WithLabelValues(op).Inc()
	x.logger.Warn("memory: operation failed, continuing without memory",
		"agent", x.manager.AgentName(),
		"session_id", sessionID,
		"operation", op,
		"error", err,
	)
}
