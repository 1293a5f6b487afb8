package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisBackend    = "redis"
	redisKeyPrefix  = "mem:"
	maxWatchRetries = 5
)

// RedisStore implements Store on Redis strings, hashes and sorted sets.
//
// Every session key carries the owning agent, so two agents using the same
// token see two unrelated sessions. Turn numbers come from an atomic INCR per session, and context upserts run
// under WATCH, so concurrent writers to one session never share a turn number.
// Similarity is computed in process over the agent's embedding hash.
type RedisStore struct {
	client *redis.Client
	agent  string
	cfg    Config
}

// NewRedisStore creates a Redis-backed store for agentName. The client is owned by the caller.
func NewRedisStore(client *redis.Client, agentName string, cfg Config) *RedisStore {
	return &RedisStore{client: client, agent: agentName, cfg: cfg}
}

func sessionKey(agent, sessionID string) string { return redisKeyPrefix + "session:" + agent + ":" + sessionID }
func turnKey(agent, sessionID string) string { return redisKeyPrefix + "turn:" + agent + ":" + sessionID }
func convKey(agent, sessionID string) string { return redisKeyPrefix + "conv:" + agent + ":" + sessionID }
func ctxKey(agent, sessionID string) string { return redisKeyPrefix + "ctx:" + agent + ":" + sessionID }
func ctxIndexKey(agent string) string { return redisKeyPrefix + "ctxsessions:" + agent }
func embeddingKey(agent string) string { return redisKeyPrefix + "emb:" + agent }
func expiryIndexKey() string { return redisKeyPrefix + "sessions:expiry" }

// Expiry index members are "<agent>:<session_id>". Sanitized agent names never contain ':'.
func expiryMember(agent, sessionID string) string { return agent + ":" + sessionID }

func splitExpiryMember(member string) (agent, sessionID string, ok bool) {
	return strings.Cut(member, ":")
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func ctxField(t ContextType, key string) string {
	return string(t) + ":" + key
}

func (s *RedisStore) AgentName() string { return s.agent }

func (s *RedisStore) CreateSession(ctx context.Context, in NewSession) (_ *Session, err error) {
	defer observe(redisBackend, "create_session", time.Now(), &err)

	now := time.Now().UTC()
	in = in.withDefaults(s.cfg, s.agent, now)
	sess := &Session{
		ID:        uuid.New(),
		SessionID: in.SessionID,
		AgentName: s.agent,
		UserID:    in.UserID,
		Type:      in.Type,
		Status:    SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: in.ExpiresAt.UTC(),
		Metadata:  in.Metadata,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, sessionKey(s.agent, sess.SessionID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", sess.SessionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sess.SessionID)
	}

	err = s.client.ZAdd(ctx, expiryIndexKey(), redis.Z{
		Score:  float64(sess.ExpiresAt.UnixMilli()),
		Member: expiryMember(s.agent, sess.SessionID),
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("indexing session expiry: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (_ *Session, err error) {
	defer observe(redisBackend, "get_session", time.Now(), &err)
	return loadSession(ctx, s.client, s.agent, sessionID)
}

func loadSession(ctx context.Context, c stringGetter, agent, sessionID string) (*Session, error) {
	data, err := c.Get(ctx, sessionKey(agent, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) (updated bool, err error) {
	defer observe(redisBackend, "update_session", time.Now(), &err)

	if u.empty() {
		return false, nil
	}

	key := sessionKey(s.agent, sessionID)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		sess, err := loadSession(ctx, tx, s.agent, sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			updated = false
			return nil
		}

		if u.Status != nil {
			sess.Status = *u.Status
		}
		if u.ExpiresAt != nil {
			sess.ExpiresAt = u.ExpiresAt.UTC()
		}
		if u.UserID != nil {
			sess.UserID = *u.UserID
		}
		if u.Metadata != nil {
			sess.Metadata = cloneMap(u.Metadata)
		}
		sess.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, expiryIndexKey(), redis.Z{
				Score:  float64(sess.ExpiresAt.UnixMilli()),
				Member: expiryMember(s.agent, sessionID),
			})
			return nil
		})
		updated = err == nil
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("updating session %s: %w", sessionID, err)
	}
	return updated, nil
}

func (s *RedisStore) SaveConversation(ctx context.Context, sessionID string, t MessageType, content string, opts MessageOptions) (_ *ConversationMessage, err error) {
	defer observe(redisBackend, "save_conversation", time.Now(), &err)

	if err := validateMessageType(t); err != nil {
		return nil, err
	}
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	turn, err := s.client.Incr(ctx, turnKey(s.agent, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("allocating turn for %s: %w", sessionID, err)
	}

	msg := &ConversationMessage{
		ID:               uuid.New(),
		SessionID:        sessionID,
		AgentName:        s.agent,
		Turn:             int(turn),
		Type:             t,
		Content:          content,
		Format:           opts.format(),
		ProcessingTimeMS: opts.ProcessingTimeMS,
		TokenCount:       opts.TokenCount,
		ModelName:        opts.ModelName,
		ConfidenceScore:  opts.ConfidenceScore,
		Metadata:         cloneMap(opts.Metadata),
		CreatedAt:        time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	if err := s.client.ZAdd(ctx, convKey(s.agent, sessionID), redis.Z{Score: float64(turn), Member: data}).Err(); err != nil {
		return nil, fmt.Errorf("appending message to %s: %w", sessionID, err)
	}
	return msg, nil
}

func (s *RedisStore) GetConversationHistory(ctx context.Context, sessionID string, q HistoryQuery) (_ []ConversationMessage, err error) {
	defer observe(redisBackend, "get_conversation_history", time.Now(), &err)

	key := convKey(s.agent, sessionID)
	vals, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}

	msgs := make([]ConversationMessage, 0, len(vals))
	for _, v := range vals {
		var m ConversationMessage
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			s.skipMalformed(key, err)
			continue
		}
		if q.Since != nil && m.CreatedAt.Before(*q.Since) {
			continue
		}
		msgs = append(msgs, m)
	}

	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[len(msgs)-q.Limit:]
	}
	return msgs, nil
}

func (s *RedisStore) SaveContext(ctx context.Context, sessionID string, t ContextType, key string, data map[string]any, opts ContextOptions) (result *AgentContext, err error) {
	defer observe(redisBackend, "save_context", time.Now(), &err)

	if err := validateContextKey(t, key); err != nil {
		return nil, err
	}
	if err := validatePriority(opts.priority(s.cfg)); err != nil {
		return nil, err
	}
	if err := ValidateContextData(data, s.cfg.MaxContextSizeBytes); err != nil {
		return nil, err
	}
	size, _ := DataSize(data)

	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	hkey := ctxKey(s.agent, sessionID)
	field := ctxField(t, key)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		now := time.Now().UTC()
		existing, err := s.loadContext(ctx, tx, hkey, field)
		if err != nil {
			return err
		}

		c := existing
		if c == nil {
			c = &AgentContext{
				ID:             uuid.New(),
				SessionID:      sessionID,
				AgentName:      s.agent,
				Type:           t,
				Key:            key,
				CreatedAt:      now,
				LastAccessedAt: now,
			}
		} else {
			c.AccessCount++
		}
		c.Data = data
		c.SizeBytes = size
		c.Priority = opts.priority(s.cfg)
		c.ExpiresAt = utcPtr(opts.ExpiresAt)
		c.Metadata = cloneMap(opts.Metadata)
		c.UpdatedAt = now

		encoded, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshaling context: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, field, encoded)
			pipe.SAdd(ctx, ctxIndexKey(s.agent), sessionID)
			return nil
		})
		if err == nil {
			result = c
		}
		return err
	}, hkey)
	if err != nil {
		return nil, fmt.Errorf("saving context %s/%s: %w", t, key, err)
	}
	return result, nil
}

func (s *RedisStore) GetContext(ctx context.Context, sessionID string, t ContextType, key string) (result *AgentContext, err error) {
	defer observe(redisBackend, "get_context", time.Now(), &err)

	hkey := ctxKey(s.agent, sessionID)
	field := ctxField(t, key)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		c, err := s.loadContext(ctx, tx, hkey, field)
		if err != nil || c == nil {
			result = nil
			return err
		}
		c.Access()
		c.LastAccessedAt = c.LastAccessedAt.UTC()

		encoded, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshaling context: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, field, encoded)
			return nil
		})
		if err == nil {
			result = c
		}
		return err
	}, hkey)
	if err != nil {
		return nil, fmt.Errorf("getting context %s/%s: %w", t, key, err)
	}
	return result, nil
}

func (s *RedisStore) loadContext(ctx context.Context, c hashGetter, hkey, field string) (*AgentContext, error) {
	raw, err := c.HGet(ctx, hkey, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("hget %s %s: %w", hkey, field, err)
	}
	var ac AgentContext
	if err := json.Unmarshal(raw, &ac); err != nil {
		return nil, fmt.Errorf("decoding context %s: %w", field, err)
	}
	return &ac, nil
}

func (s *RedisStore) ListContexts(ctx context.Context, sessionID string, t ContextType) (_ []AgentContext, err error) {
	defer observe(redisBackend, "list_contexts", time.Now(), &err)

	hkey := ctxKey(s.agent, sessionID)
	all, err := s.client.HGetAll(ctx, hkey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", hkey, err)
	}

	out := make([]AgentContext, 0, len(all))
	for field, raw := range all {
		var c AgentContext
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.skipMalformed(hkey+" "+field, err)
			continue
		}
		if t != "" && c.Type != t {
			continue
		}
		out = append(out, c)
	}
	sortContexts(out)
	return out, nil
}

// sortContexts orders by priority, then most recently updated, matching the SQL backend.
func sortContexts(cs []AgentContext) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority > cs[j].Priority
		}
		if !cs[i].UpdatedAt.Equal(cs[j].UpdatedAt) {
			return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
		}
		return cs[i].Key < cs[j].Key
	})
}

func (s *RedisStore) DeleteContext(ctx context.Context, sessionID string, t ContextType, key string) (_ bool, err error) {
	defer observe(redisBackend, "delete_context", time.Now(), &err)

	n, err := s.client.HDel(ctx, ctxKey(s.agent, sessionID), ctxField(t, key)).Result()
	if err != nil {
		return false, fmt.Errorf("deleting context %s/%s: %w", t, key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) SaveEmbedding(ctx context.Context, e *MemoryEmbedding) (err error) {
	defer observe(redisBackend, "save_embedding", time.Now(), &err)

	if err := validateEmbedding(e.Vector, s.cfg.EmbeddingDimension); err != nil {
		return err
	}
	if e.SessionID != "" {
		if err := s.requireSession(ctx, e.SessionID); err != nil {
			return err
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Type == "" {
		e.Type = EmbeddingQuery
	}
	if e.SimilarityThreshold == 0 {
		e.SimilarityThreshold = s.cfg.SimilarityThreshold
	}
	e.AgentName = s.agent
	e.CreatedAt = time.Now().UTC()
	e.Metadata = cloneMap(e.Metadata)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling embedding: %w", err)
	}

	if err := s.client.HSet(ctx, embeddingKey(s.agent), e.ID.String(), data).Err(); err != nil {
		return fmt.Errorf("saving embedding: %w", err)
	}
	return nil
}

func (s *RedisStore) SearchSimilar(ctx context.Context, query []float32, opts SearchOptions) (_ []SimilarityResult, err error) {
	defer observe(redisBackend, "search_similar", time.Now(), &err)

	if err := validateEmbedding(query, s.cfg.EmbeddingDimension); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(s.cfg)
	if err := validateThreshold(*opts.Threshold); err != nil {
		return nil, err
	}

	key := embeddingKey(s.agent)
	all, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}

	threshold := *opts.Threshold
	var results []SimilarityResult
	for id, raw := range all {
		var e MemoryEmbedding
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.skipMalformed(key+" "+id, err)
			continue
		}
		if opts.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		sim := cosineSimilarity(query, e.Vector)
		if sim < threshold {
			continue
		}
		results = append(results, SimilarityResult{
			ID:         e.ID,
			SessionID:  e.SessionID,
			Type:       e.Type,
			SourceText: e.SourceText,
			Metadata:   e.Metadata,
			CreatedAt:  e.CreatedAt,
			Similarity: sim,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (s *RedisStore) CleanupExpired(ctx context.Context) (_ CleanupResult, err error) {
	defer observe(redisBackend, "cleanup_expired", time.Now(), &err)

	res := CleanupResult{
		CategorySessions:      0,
		CategoryConversations: 0,
		CategoryContexts:      0,
		CategoryEmbeddings:    0,
	}

	due, err := s.client.ZRangeByScore(ctx, expiryIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading expiry index: %w", err)
	}

	// agent -> expired session ids
	expired := make(map[string]map[string]bool)
	for _, member := range due {
		agent, sid, ok := splitExpiryMember(member)
		if !ok {
			slog.Warn("memory: dropping malformed expiry entry", "member", member)
			if err := s.client.ZRem(ctx, expiryIndexKey(), member).Err(); err != nil {
				return nil, fmt.Errorf("removing expiry entry %s: %w", member, err)
			}
			continue
		}
		sess, err := loadSession(ctx, s.client, agent, sid)
		if err != nil {
			return nil, err
		}
		if sess != nil && !sess.IsExpired() {
			continue
		}
		if err := s.purgeSession(ctx, agent, sid, sess != nil, res); err != nil {
			return nil, err
		}
		if expired[agent] == nil {
			expired[agent] = make(map[string]bool)
		}
		expired[agent][sid] = true
	}

	for agent, sessions := range expired {
		n, err := s.purgeSessionEmbeddings(ctx, agent, sessions)
		if err != nil {
			return nil, err
		}
		res[CategoryEmbeddings] += n
	}

	n, err := s.purgeExpiredContexts(ctx)
	if err != nil {
		return nil, err
	}
	res[CategoryContexts] += n

	return res, nil
}

func (s *RedisStore) purgeSession(ctx context.Context, agent, sessionID string, exists bool, res CleanupResult) error {
	convs, err := s.client.ZCard(ctx, convKey(agent, sessionID)).Result()
	if err != nil {
		return fmt.Errorf("counting conversations for %s: %w", sessionID, err)
	}
	contexts, err := s.client.HLen(ctx, ctxKey(agent, sessionID)).Result()
	if err != nil {
		return fmt.Errorf("counting contexts for %s: %w", sessionID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(agent, sessionID), turnKey(agent, sessionID), convKey(agent, sessionID), ctxKey(agent, sessionID))
	pipe.ZRem(ctx, expiryIndexKey(), expiryMember(agent, sessionID))
	pipe.SRem(ctx, ctxIndexKey(agent), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("purging session %s: %w", sessionID, err)
	}

	if exists {
		res[CategorySessions]++
	}
	res[CategoryConversations] += convs
	res[CategoryContexts] += contexts
	return nil
}

func (s *RedisStore) purgeSessionEmbeddings(ctx context.Context, agent string, sessions map[string]bool) (int64, error) {
	key := embeddingKey(agent)
	all, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("loading embeddings for %s: %w", agent, err)
	}

	var ids []string
	for id, raw := range all {
		var e MemoryEmbedding
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.skipMalformed(key+" "+id, err)
			continue
		}
		if e.SessionID != "" && sessions[e.SessionID] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.HDel(ctx, key, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("deleting embeddings for %s: %w", agent, err)
	}
	return n, nil
}

// purgeExpiredContexts removes this agent's contexts whose expires_at has passed.
func (s *RedisStore) purgeExpiredContexts(ctx context.Context) (int64, error) {
	index := ctxIndexKey(s.agent)
	sessions, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, fmt.Errorf("listing context sessions: %w", err)
	}

	var removed int64
	for _, sid := range sessions {
		hkey := ctxKey(s.agent, sid)
		all, err := s.client.HGetAll(ctx, hkey).Result()
		if err != nil {
			return removed, fmt.Errorf("hgetall %s: %w", hkey, err)
		}
		if len(all) == 0 {
			if err := s.client.SRem(ctx, index, sid).Err(); err != nil {
				return removed, fmt.Errorf("unindexing %s: %w", hkey, err)
			}
			continue
		}
		var fields []string
		for field, raw := range all {
			var c AgentContext
			if err := json.Unmarshal([]byte(raw), &c); err != nil {
				s.skipMalformed(hkey+" "+field, err)
				continue
			}
			if c.IsExpired() {
				fields = append(fields, field)
			}
		}
		if len(fields) == 0 {
			continue
		}
		n, err := s.client.HDel(ctx, hkey, fields...).Result()
		if err != nil {
			return removed, fmt.Errorf("deleting expired contexts in %s: %w", hkey, err)
		}
		removed += n
	}
	return removed, nil
}

func (s *RedisStore) skipMalformed(entry string, err error) {
	slog.Warn("memory: skipping malformed entry", "agent", s.agent, "entry", entry, "error", err)
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) requireSession(ctx context.Context, sessionID string) error {
	n, err := s.client.Exists(ctx, sessionKey(s.agent, sessionID)).Result()
	if err != nil {
		return fmt.Errorf("checking session %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
