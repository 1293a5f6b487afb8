package memory

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

const truncatedMarker = "... [TRUNCATED]"

// SummaryMarker prefixes the synthetic message produced by CompressOldConversations.
const SummaryMarker = "[SUMMARY]"

// GenerateSessionID returns a process-unique session token. It is not a secret.
func GenerateSessionID(prefix string, includeTimestamp bool) string {
	if prefix == "" {
		prefix = "session"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if includeTimestamp {
		return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), random)
	}
	return fmt.Sprintf("%s_%s", prefix, random)
}

// DataSize returns the size in bytes of v serialized as JSON.
// encoding/json sorts map keys, so equal content always yields the same size.
func DataSize(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("measuring data size: %w", err)
	}
	return len(b), nil
}

// ValidateContextData checks that data is a string-keyed map no larger than maxBytes.
func ValidateContextData(data any, maxBytes int) error {
	if data == nil {
		return validationErrorf("context_data", "must be a mapping, got nil")
	}
	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return validationErrorf("context_data", "must be a mapping, got %T", data)
	}
	if rv.IsNil() {
		return validationErrorf("context_data", "must be a mapping, got nil map")
	}

	size, err := DataSize(data)
	if err != nil {
		return validationErrorf("context_data", "not serializable: %v", err)
	}
	if size > maxBytes {
		return validationErrorf("context_data", "size %d bytes exceeds maximum of %d bytes", size, maxBytes)
	}
	return nil
}

// TruncateContent caps text at maxLength runes, appending a TRUNCATED marker when cut.
func TruncateContent(text string, maxLength int) string {
	if maxLength <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength]) + truncatedMarker
}

// SanitizeAgentName normalizes an agent name for use as a storage key.
func SanitizeAgentName(name string) string {
	return sanitizeIdentifier(name)
}

// SanitizeSessionID normalizes a caller-provided session token.
func SanitizeSessionID(id string) string {
	return sanitizeIdentifier(id)
}

// sanitizeIdentifier lowercases s and collapses every run of characters outside
// [a-z0-9_-] into a single underscore.
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastReplaced := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
			lastReplaced = false
		default:
			if !lastReplaced {
				b.WriteByte('_')
				lastReplaced = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// CompressOldConversations keeps the newest maxTurns messages and replaces the
// older ones with a single summary message. msgs must be in chronological order.
func CompressOldConversations(msgs []ConversationMessage, maxTurns int) []ConversationMessage {
	if maxTurns < 0 {
		maxTurns = 0
	}
	if len(msgs) <= maxTurns {
		return msgs
	}

	cut := len(msgs) - maxTurns
	old := msgs[:cut]

	counts := make(map[MessageType]int)
	for _, m := range old {
		counts[m.Type]++
	}

	first, last := old[0], old[len(old)-1]
	content := fmt.Sprintf("%s %d earlier turns condensed (turns %d-%d: %d queries, %d responses, %d system messages).",
		SummaryMarker, len(old), first.Turn, last.Turn,
		counts[MessageQuery], counts[MessageResponse], counts[MessageSystem])

	if q := lastOfType(old, MessageQuery); q != "" {
		content += " Last earlier query: " + TruncateContent(q, 200)
	}

	summary := ConversationMessage{
		ID:        uuid.New(),
		SessionID: first.SessionID,
		AgentName: first.AgentName,
		Turn:      first.Turn,
		Type:      MessageSystem,
		Content:   content,
		Format:    FormatText,
		Metadata: map[string]any{
			"summary":          true,
			"compressed_turns": len(old),
		},
		CreatedAt: last.CreatedAt,
	}

	out := make([]ConversationMessage, 0, maxTurns+1)
	out = append(out, summary)
	out = append(out, msgs[cut:]...)
	return out
}

func lastOfType(msgs []ConversationMessage, t MessageType) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == t {
			return msgs[i].Content
		}
	}
	return ""
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
