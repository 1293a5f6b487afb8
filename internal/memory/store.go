package memory

import (
	"context"
	"time"
)

// Store is the persistence contract every memory backend implements.
// A Store instance is bound to a single agent name.
//
// Lookup-style methods return a nil value and a nil error when nothing matches.
// Validation failures are returned as *ValidationError before any I/O happens.
// Backend failures are wrapped and returned to the caller.
type Store interface {
	AgentName() string

	CreateSession(ctx context.Context, s NewSession) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) (bool, error)

	SaveConversation(ctx context.Context, sessionID string, t MessageType, content string, opts MessageOptions) (*ConversationMessage, error)
	GetConversationHistory(ctx context.Context, sessionID string, q HistoryQuery) ([]ConversationMessage, error)

	SaveContext(ctx context.Context, sessionID string, t ContextType, key string, data map[string]any, opts ContextOptions) (*AgentContext, error)
	GetContext(ctx context.Context, sessionID string, t ContextType, key string) (*AgentContext, error)
	ListContexts(ctx context.Context, sessionID string, t ContextType) ([]AgentContext, error)
	DeleteContext(ctx context.Context, sessionID string, t ContextType, key string) (bool, error)

	SaveEmbedding(ctx context.Context, e *MemoryEmbedding) error
	SearchSimilar(ctx context.Context, query []float32, opts SearchOptions) ([]SimilarityResult, error)

	CleanupExpired(ctx context.Context) (CleanupResult, error)

	Close() error
}

// NewSession describes a session to create. Zero fields take defaults:
// a generated SessionID, SessionInteractive, and now + configured duration.
type NewSession struct {
	SessionID string
	UserID    string
	Type      SessionType
	ExpiresAt time.Time
	Metadata  map[string]any
}

// SessionUpdate patches a session. Nil fields are left untouched.
type SessionUpdate struct {
	Status    *SessionStatus
	ExpiresAt *time.Time
	UserID    *string
	Metadata  map[string]any
}

func (u SessionUpdate) empty() bool {
	return u.Status == nil && u.ExpiresAt == nil && u.UserID == nil && u.Metadata == nil
}

// MessageOptions carries optional conversation turn attributes.
type MessageOptions struct {
	Format           ContentFormat
	ProcessingTimeMS *int
	TokenCount       *int
	ModelName        string
	ConfidenceScore  *float64
	Metadata         map[string]any
}

// HistoryQuery bounds a conversation history read.
// Limit keeps the most recent Limit turns; zero means no limit.
type HistoryQuery struct {
	Limit int
	Since *time.Time
}

// ContextOptions carries optional context attributes.
// A zero Priority takes the configured default.
type ContextOptions struct {
	Priority  int
	ExpiresAt *time.Time
	Metadata  map[string]any
}

// SearchOptions bounds a similarity search.
// A nil Threshold takes the configured default, so an explicit 0 keeps every
// non-negative match.
type SearchOptions struct {
	Threshold *float64
	Limit     int
	SessionID string
}

const defaultSearchLimit = 10

func (o SearchOptions) withDefaults(cfg Config) SearchOptions {
	if o.Threshold == nil {
		t := cfg.SimilarityThreshold
		o.Threshold = &t
	}
	if o.Limit <= 0 {
		o.Limit = defaultSearchLimit
	}
	return o
}

func (s NewSession) withDefaults(cfg Config, agentName string, now time.Time) NewSession {
	if s.SessionID == "" {
		s.SessionID = GenerateSessionID(agentName, true)
	}
	if s.Type == "" {
		s.Type = SessionInteractive
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = now.Add(cfg.SessionDuration())
	}
	s.Metadata = cloneMap(s.Metadata)
	return s
}

func (o MessageOptions) format() ContentFormat {
	if o.Format == "" {
		return FormatText
	}
	return o.Format
}

func (o ContextOptions) priority(cfg Config) int {
	if o.Priority == 0 {
		return cfg.DefaultPriority
	}
	return o.Priority
}

func validateThreshold(t float64) error {
	if t < 0 || t > 1 {
		return validationErrorf("threshold", "must be within [0, 1], got %g", t)
	}
	return nil
}

// validateEmbedding checks an embedding vector against the configured dimension.
func validateEmbedding(vec []float32, dim int) error {
	if len(vec) != dim {
		return validationErrorf("embedding", "dimension %d does not match configured dimension %d", len(vec), dim)
	}
	return nil
}

func validateContextKey(t ContextType, key string) error {
	if t == "" {
		return validationErrorf("context_type", "must not be empty")
	}
	if key == "" {
		return validationErrorf("context_key", "must not be empty")
	}
	return nil
}

func validatePriority(p int) error {
	if p < 1 || p > 10 {
		return validationErrorf("priority", "must be between 1 and 10, got %d", p)
	}
	return nil
}

func validateMessageType(t MessageType) error {
	switch t {
	case MessageQuery, MessageResponse, MessageSystem:
		return nil
	}
	return validationErrorf("message_type", "unknown message type %q", t)
}
