package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiox-platform/agentmem/internal/metrics"
)

// Priorities used by the convenience writers.
const (
	DataContextPriority = 8
	PreferencePriority  = 9
)

// Manager is the agent-facing convenience layer over a Store.
// It is safe for concurrent use when the Store is.
type Manager struct {
	store  Store
	cfg    Config
	events EventPublisher
}

// NewManager creates a Manager. events may be nil.
func NewManager(store Store, cfg Config, events EventPublisher) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		events: events,
	}
}

func (m *Manager) AgentName() string { return m.store.AgentName() }

func (m *Manager) Store() Store { return m.store }

func (m *Manager) Config() Config { return m.cfg }

// InitializeSession returns a usable session token.
//
// An active, unexpired session is reused as is. An empty token gets a generated
// one. A token naming a stale session (expired or no longer active) is replaced
// by a freshly generated token, which is what the caller must use from then on.
func (m *Manager) InitializeSession(ctx context.Context, sessionID, userID string, metadata map[string]any) (string, error) {
	token := GenerateSessionID(m.AgentName(), true)
	if sessionID != "" {
		token = SanitizeSessionID(sessionID)
		if token == "" {
			return "", validationErrorf("session_id", "%q contains no usable characters", sessionID)
		}

		existing, err := m.store.GetSession(ctx, token)
		if err != nil {
			return "", err
		}
		if existing != nil {
			if existing.IsActive() {
				return token, nil
			}
			slog.Info("memory: replacing stale session", "agent", m.AgentName(), "session_id", token, "status", existing.Status)
			token = GenerateSessionID(m.AgentName(), true)
		}
	}

	sess, err := m.store.CreateSession(ctx, NewSession{
		SessionID: token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(m.cfg.SessionDuration()),
		Metadata:  metadata,
	})
	if errors.Is(err, ErrSessionExists) {
		// Lost a race with another initializer for the same token.
		existing, getErr := m.store.GetSession(ctx, token)
		if getErr == nil && existing != nil && existing.IsActive() {
			return token, nil
		}
	}
	if err != nil {
		return "", err
	}

	m.publish(ctx, Event{
		Type:      EventSessionCreated,
		SessionID: sess.SessionID,
		Data:      map[string]any{"user_id": userID, "expires_at": sess.ExpiresAt},
	})
	return sess.SessionID, nil
}

// AddUserQuery appends a query turn.
func (m *Manager) AddUserQuery(ctx context.Context, sessionID, query string, opts MessageOptions) (*ConversationMessage, error) {
	return m.addMessage(ctx, sessionID, MessageQuery, query, opts)
}

// AddAgentResponse appends a response turn.
func (m *Manager) AddAgentResponse(ctx context.Context, sessionID, response string, opts MessageOptions) (*ConversationMessage, error) {
	return m.addMessage(ctx, sessionID, MessageResponse, response, opts)
}

// AddSystemMessage appends a system turn.
func (m *Manager) AddSystemMessage(ctx context.Context, sessionID, message string, opts MessageOptions) (*ConversationMessage, error) {
	return m.addMessage(ctx, sessionID, MessageSystem, message, opts)
}

func (m *Manager) addMessage(ctx context.Context, sessionID string, t MessageType, content string, opts MessageOptions) (*ConversationMessage, error) {
	if _, err := m.liveSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.SaveConversation(ctx, sessionID, t, TruncateContent(content, m.cfg.MaxContentLength), opts)
}

// liveSession loads a session that can still take writes. Unknown sessions
// yield ErrSessionNotFound and sessions past their expiry ErrSessionExpired.
func (m *Manager) liveSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.IsExpired() {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	return sess, nil
}

func (m *Manager) saveContext(ctx context.Context, sessionID string, t ContextType, key string, data map[string]any, opts ContextOptions) (*AgentContext, error) {
	if _, err := m.liveSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.SaveContext(ctx, sessionID, t, key, data, opts)
}

// ConversationHistory returns the newest limit turns in chronological order.
func (m *Manager) ConversationHistory(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 || limit > m.cfg.MaxConversationHistory {
		limit = m.cfg.MaxConversationHistory
	}
	return m.store.GetConversationHistory(ctx, sessionID, HistoryQuery{Limit: limit})
}

// GetCompressedHistory returns the full history with everything older than
// maxTurns folded into one summary message.
func (m *Manager) GetCompressedHistory(ctx context.Context, sessionID string, maxTurns int) ([]ConversationMessage, error) {
	msgs, err := m.store.GetConversationHistory(ctx, sessionID, HistoryQuery{})
	if err != nil {
		return nil, err
	}
	return CompressOldConversations(msgs, maxTurns), nil
}

// StoreDataContext saves a dataset description under key.
func (m *Manager) StoreDataContext(ctx context.Context, sessionID, key string, data map[string]any) (*AgentContext, error) {
	return m.saveContext(ctx, sessionID, ContextData, key, data, ContextOptions{Priority: DataContextPriority})
}

// StorePreferences saves user preferences under key.
func (m *Manager) StorePreferences(ctx context.Context, sessionID, key string, prefs map[string]any) (*AgentContext, error) {
	return m.saveContext(ctx, sessionID, ContextPreferences, key, prefs, ContextOptions{Priority: PreferencePriority})
}

// CacheAnalysisResult caches result under key until now + expiry.
func (m *Manager) CacheAnalysisResult(ctx context.Context, sessionID, key string, result map[string]any, expiry time.Duration) (*AgentContext, error) {
	expiresAt := time.Now().Add(expiry)
	return m.saveContext(ctx, sessionID, ContextCache, key, result, ContextOptions{ExpiresAt: &expiresAt})
}

// GetCachedAnalysis returns a cached result if present and unexpired.
// Backend errors are logged and reported as a miss.
func (m *Manager) GetCachedAnalysis(ctx context.Context, sessionID, key string) (map[string]any, bool) {
	c, err := m.store.GetContext(ctx, sessionID, ContextCache, key)
	if err != nil {
		slog.Warn("memory: cached analysis lookup failed", "agent", m.AgentName(), "session_id", sessionID, "key", key, "error", err)
		return nil, false
	}
	if c == nil || c.IsExpired() {
		return nil, false
	}
	return c.Data, true
}

// GetRecentContext aggregates the last hours of conversation and every live
// context of the session.
//
// Validation, not-found and expired errors are returned. Any other backend failure is
// logged, the affected part is left empty and the result is marked Partial.
func (m *Manager) GetRecentContext(ctx context.Context, sessionID string, hours int) (*RecentContext, error) {
	if hours <= 0 {
		return nil, validationErrorf("hours", "must be positive, got %d", hours)
	}
	rc := newRecentContext(sessionID, m.AgentName(), hours)

	sess, err := m.store.GetSession(ctx, sessionID)
	switch {
	case err != nil:
		if mustPropagate(err) {
			return nil, err
		}
		m.degrade(rc, "get_session", sessionID, err)
	case sess == nil:
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	case sess.IsExpired():
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	msgs, err := m.store.GetConversationHistory(ctx, sessionID, HistoryQuery{
		Limit: m.cfg.MaxConversationHistory,
		Since: &since,
	})
	if err != nil {
		if mustPropagate(err) {
			return nil, err
		}
		m.degrade(rc, "get_conversation_history", sessionID, err)
	} else {
		rc.ConversationCount = len(msgs)
		if view := m.cfg.RecentConversationView; len(msgs) > view {
			msgs = msgs[len(msgs)-view:]
		}
		rc.RecentConversations = msgs
	}

	contexts, err := m.store.ListContexts(ctx, sessionID, "")
	if err != nil {
		if mustPropagate(err) {
			return nil, err
		}
		m.degrade(rc, "list_contexts", sessionID, err)
		return rc, nil
	}

	// Contexts arrive highest priority first; walk backwards so higher
	// priority preferences win on key collisions.
	for i := len(contexts) - 1; i >= 0; i-- {
		c := contexts[i]
		if c.IsExpired() {
			continue
		}
		switch c.Type {
		case ContextData:
			rc.DataContext[c.Key] = c.Data
		case ContextPreferences:
			for k, v := range c.Data {
				rc.Preferences[k] = v
			}
		case ContextCache:
			rc.CachedAnalyses = append(rc.CachedAnalyses, c.Key)
		default:
			group, ok := rc.OtherContexts[string(c.Type)].(map[string]any)
			if !ok {
				group = map[string]any{}
				rc.OtherContexts[string(c.Type)] = group
			}
			group[c.Key] = c.Data
		}
	}
	return rc, nil
}

func (m *Manager) degrade(rc *RecentContext, op, sessionID string, err error) {
	rc.Partial = true
	metrics.MemoryDegradedTotal.WithLabelValues(op).Inc()
	slog.Warn("memory: recent context is partial", "agent", m.AgentName(), "session_id", sessionID, "operation", op, "error", err)
}

func mustPropagate(err error) bool {
	return IsValidation(err) || IsNotFound(err)
}

// RememberEmbedding stores vector for text, optionally tied to a session.
func (m *Manager) RememberEmbedding(ctx context.Context, sessionID string, t EmbeddingType, text string, vector []float32, metadata map[string]any) (*MemoryEmbedding, error) {
	e := &MemoryEmbedding{
		SessionID:  sessionID,
		Type:       t,
		SourceText: text,
		Vector:     vector,
		Metadata:   metadata,
	}
	if err := m.store.SaveEmbedding(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecallSimilar finds embeddings close to vector using the configured threshold.
// An empty sessionID searches across every session of the agent.
func (m *Manager) RecallSimilar(ctx context.Context, vector []float32, sessionID string, limit int) ([]SimilarityResult, error) {
	return m.SearchSimilar(ctx, vector, SearchOptions{Limit: limit, SessionID: sessionID})
}

// SearchSimilar is RecallSimilar with every search option exposed.
func (m *Manager) SearchSimilar(ctx context.Context, vector []float32, opts SearchOptions) ([]SimilarityResult, error) {
	return m.store.SearchSimilar(ctx, vector, opts)
}

// CompleteSession marks the session completed.
func (m *Manager) CompleteSession(ctx context.Context, sessionID string) error {
	status := SessionCompleted
	ok, err := m.store.UpdateSession(ctx, sessionID, SessionUpdate{Status: &status})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.publish(ctx, Event{Type: EventSessionCompleted, SessionID: sessionID})
	return nil
}

// ExtendSession pushes the expiry of a live session d into the future from now.
// Expired sessions cannot be revived.
func (m *Manager) ExtendSession(ctx context.Context, sessionID string, d time.Duration) (*Session, error) {
	if d <= 0 {
		return nil, validationErrorf("duration", "must be positive, got %s", d)
	}
	sess, err := m.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(d)
	if _, err := m.store.UpdateSession(ctx, sessionID, SessionUpdate{ExpiresAt: &expiresAt}); err != nil {
		return nil, err
	}
	sess.ExpiresAt = expiresAt
	return sess, nil
}

// Cleanup removes expired memory and announces the counts.
func (m *Manager) Cleanup(ctx context.Context) (CleanupResult, error) {
	res, err := m.store.CleanupExpired(ctx)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(res))
	for k, v := range res {
		data[k] = v
	}
	m.publish(ctx, Event{Type: EventMemoryCleanup, Data: data})
	return res, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) publish(ctx context.Context, e Event) {
	if m.events == nil {
		return
	}
	e.AgentName = m.AgentName()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := m.events.PublishMemoryEvent(ctx, e); err != nil {
		slog.Warn("memory: publishing event failed", "type", e.Type, "agent", e.AgentName, "error", err)
	}
}
