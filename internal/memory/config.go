package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds memory limits, TTLs and embedding settings.
type Config struct {
	MaxContextSizeBytes    int     `json:"max_context_size_bytes" validate:"gt=0"`
	SessionDurationSec     int     `json:"session_duration_sec" validate:"gt=0"`
	EmbeddingDimension     int     `json:"embedding_dimension" validate:"gt=0"`
	SimilarityThreshold    float64 `json:"similarity_threshold" validate:"gte=0,lte=1"`
	DefaultPriority        int     `json:"default_priority" validate:"gte=1,lte=10"`
	MaxConversationHistory int     `json:"max_conversation_history" validate:"gt=0"`
	RecentConversationView int     `json:"recent_conversation_view" validate:"gt=0,ltefield=MaxConversationHistory"`
	MaxContentLength       int     `json:"max_content_length" validate:"gt=0"`
}

// Defaults.
const (
	DefaultMaxContextSizeBytes    = 1024 * 1024
	DefaultSessionDuration        = 24 * time.Hour
	DefaultEmbeddingDimension     = 1536
	DefaultSimilarityThreshold    = 0.80
	DefaultContextPriority        = 5
	DefaultMaxConversationHistory = 50
	DefaultRecentConversationView = 10
	DefaultMaxContentLength       = 50000
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextSizeBytes:    DefaultMaxContextSizeBytes,
		SessionDurationSec:     int(DefaultSessionDuration / time.Second),
		EmbeddingDimension:     DefaultEmbeddingDimension,
		SimilarityThreshold:    DefaultSimilarityThreshold,
		DefaultPriority:        DefaultContextPriority,
		MaxConversationHistory: DefaultMaxConversationHistory,
		RecentConversationView: DefaultRecentConversationView,
		MaxContentLength:       DefaultMaxContentLength,
	}
}

// ParseConfig parses a JSON config document into Config.
// Returns defaults on nil, empty, or invalid input. Partial JSON is merged over defaults.
func ParseConfig(data []byte) Config {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg
	}
	if len(raw) == 0 {
		return cfg
	}

	merged := cfg
	if err := json.Unmarshal(data, &merged); err != nil {
		return cfg
	}
	return merged
}

// SessionDuration returns the default session lifetime.
func (c Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionDurationSec) * time.Second
}

var configValidator = validator.New()

// Validate checks the limits for nonsensical values.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid memory config: %w", err)
	}
	return nil
}
