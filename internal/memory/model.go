package memory

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the stored lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionExpired   SessionStatus = "expired"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// SessionType describes how a session is driven.
type SessionType string

const (
	SessionInteractive SessionType = "interactive"
	SessionBatch       SessionType = "batch"
	SessionAPI         SessionType = "api"
)

// MessageType is the kind of a conversation turn.
type MessageType string

const (
	MessageQuery    MessageType = "query"
	MessageResponse MessageType = "response"
	MessageSystem   MessageType = "system"
)

// ContentFormat is the format of a message body.
type ContentFormat string

const (
	FormatText     ContentFormat = "text"
	FormatMarkdown ContentFormat = "markdown"
	FormatJSON     ContentFormat = "json"
	FormatHTML     ContentFormat = "html"
)

// ContextType groups agent contexts.
type ContextType string

const (
	ContextData        ContextType = "data"
	ContextPreferences ContextType = "preferences"
	ContextCache       ContextType = "cache"
	ContextAnalysis    ContextType = "analysis"
	ContextWorkflow    ContextType = "workflow"
)

// EmbeddingType is the kind of text an embedding was computed from.
type EmbeddingType string

const (
	EmbeddingQuery    EmbeddingType = "query"
	EmbeddingResponse EmbeddingType = "response"
	EmbeddingContext  EmbeddingType = "context"
)

// Session is one continuous interaction window for one agent.
type Session struct {
	ID        uuid.UUID      `json:"id"`
	SessionID string         `json:"session_id"`
	AgentName string         `json:"agent_name"`
	UserID    string         `json:"user_id,omitempty"`
	Type      SessionType    `json:"session_type"`
	Status    SessionStatus  `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Metadata  map[string]any `json:"metadata"`
}

// IsExpired reports whether the session is past its expiry, regardless of Status.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsActive reports whether the session can still be reused.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive && !s.IsExpired()
}

// ConversationMessage is a single turn in a session's conversation.
type ConversationMessage struct {
	ID               uuid.UUID      `json:"id"`
	SessionID        string         `json:"session_id"`
	AgentName        string         `json:"agent_name"`
	Turn             int            `json:"conversation_turn"`
	Type             MessageType    `json:"message_type"`
	Content          string         `json:"content"`
	Format           ContentFormat  `json:"content_format"`
	ProcessingTimeMS *int           `json:"processing_time_ms,omitempty"`
	TokenCount       *int           `json:"token_count,omitempty"`
	ModelName        string         `json:"model_name,omitempty"`
	ConfidenceScore  *float64       `json:"confidence_score,omitempty"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AgentContext is a keyed piece of agent state persisted across turns.
type AgentContext struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      string         `json:"session_id"`
	AgentName      string         `json:"agent_name"`
	Type           ContextType    `json:"context_type"`
	Key            string         `json:"context_key"`
	Data           map[string]any `json:"context_data"`
	SizeBytes      int            `json:"data_size_bytes"`
	AccessCount    int            `json:"access_count"`
	Priority       int            `json:"priority"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	Metadata       map[string]any `json:"metadata"`
}

// IsExpired reports whether the context has an expiry that has passed.
func (c *AgentContext) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Access records a read in memory. Persisting it is the store's job.
func (c *AgentContext) Access() {
	c.AccessCount++
	c.LastAccessedAt = time.Now()
}

// MemoryEmbedding is a vector representation of some text.
type MemoryEmbedding struct {
	ID                  uuid.UUID      `json:"id"`
	SessionID           string         `json:"session_id,omitempty"`
	ConversationID      *uuid.UUID     `json:"conversation_id,omitempty"`
	ContextID           *uuid.UUID     `json:"context_id,omitempty"`
	AgentName           string         `json:"agent_name"`
	Type                EmbeddingType  `json:"embedding_type"`
	SourceText          string         `json:"source_text"`
	Vector              []float32      `json:"embedding"`
	SimilarityThreshold float64        `json:"similarity_threshold"`
	CreatedAt           time.Time      `json:"created_at"`
	Metadata            map[string]any `json:"metadata"`
}

// SimilarityResult is an embedding matched by a similarity search.
type SimilarityResult struct {
	ID         uuid.UUID      `json:"id"`
	SessionID  string         `json:"session_id,omitempty"`
	Type       EmbeddingType  `json:"embedding_type"`
	SourceText string         `json:"source_text"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	Similarity float64        `json:"similarity"`
}

// CleanupResult counts removed rows per category.
type CleanupResult map[string]int64

// Cleanup categories.
const (
	CategorySessions      = "sessions"
	CategoryConversations = "conversations"
	CategoryContexts      = "contexts"
	CategoryEmbeddings    = "embeddings"
)

// Total sums all categories.
func (r CleanupResult) Total() int64 {
	var n int64
	for _, v := range r {
		n += v
	}
	return n
}

// RecentContext is the aggregate view handed to an agent or LLM prompt.
type RecentContext struct {
	SessionID           string                `json:"session_id"`
	AgentName           string                `json:"agent_name"`
	Hours               int                   `json:"hours"`
	ConversationCount   int                   `json:"conversation_count"`
	RecentConversations []ConversationMessage `json:"recent_conversations"`
	DataContext         map[string]any        `json:"data_context"`
	Preferences         map[string]any        `json:"preferences"`
	CachedAnalyses      []string              `json:"cached_analyses"`
	OtherContexts       map[string]any        `json:"other_contexts"`
	Partial             bool                  `json:"partial,omitempty"`
	GeneratedAt         time.Time             `json:"generated_at"`
}

func newRecentContext(sessionID, agentName string, hours int) *RecentContext {
	return &RecentContext{
		SessionID:           sessionID,
		AgentName:           agentName,
		Hours:               hours,
		RecentConversations: []ConversationMessage{},
		DataContext:         map[string]any{},
		Preferences:         map[string]any{},
		CachedAnalyses:      []string{},
		OtherContexts:       map[string]any{},
		GeneratedAt:         time.Now(),
	}
}
