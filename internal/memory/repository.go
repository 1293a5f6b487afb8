package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/aiox-platform/agentmem/internal/metrics"
)

const (
	postgresBackend = "postgres"

	// DefaultSessionCacheTTL bounds how long a session_id to row id mapping is trusted.
	DefaultSessionCacheTTL = 5 * time.Minute

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const sessionColumns = `id, session_id, agent_name, user_id, session_type, status, created_at, updated_at, expires_at, metadata`

const contextColumns = `id, context_type, context_key, context_data, data_size_bytes, access_count, priority,
	expires_at, created_at, updated_at, last_accessed_at, metadata`

// PostgresStore implements Store using pgx + pgvector.
//
// Sessions are keyed by (session_id, agent_name). Writers resolve tokens to row
// ids through a bounded in-process cache; readers join on the token directly.
// Turn allocation, context upsert and access tracking are single statements,
// so concurrent callers never race on read-modify-write.
type PostgresStore struct {
	pool     *pgxpool.Pool
	agent    string
	cfg      Config
	cache    *ristretto.Cache
	cacheTTL time.Duration
}

// NewPostgresStore creates a Postgres-backed store for agentName. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, agentName string, cfg Config, cacheTTL time.Duration) (*PostgresStore, error) {
	if cacheTTL <= 0 {
		cacheTTL = DefaultSessionCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session cache: %w", err)
	}
	return &PostgresStore{
		pool:     pool,
		agent:    agentName,
		cfg:      cfg,
		cache:    cache,
		cacheTTL: cacheTTL,
	}, nil
}

func (r *PostgresStore) AgentName() string { return r.agent }

// sessionRowID selects the row id of ($n, agent) for use inside another statement.
func sessionRowID(tokenParam, agentParam int) string {
	return fmt.Sprintf(`(SELECT id FROM memory_sessions WHERE session_id = $%d AND agent_name = $%d)`, tokenParam, agentParam)
}

// resolveSession maps a session token to its row id. Unknown tokens yield ErrSessionNotFound.
func (r *PostgresStore) resolveSession(ctx context.Context, sessionID string) (uuid.UUID, error) {
	if v, ok := r.cache.Get(sessionID); ok {
		if id, ok := v.(uuid.UUID); ok {
			metrics.SessionCacheLookupsTotal.WithLabelValues("hit").Inc()
			return id, nil
		}
	}
	metrics.SessionCacheLookupsTotal.WithLabelValues("miss").Inc()
	return r.lookupSession(ctx, sessionID)
}

func (r *PostgresStore) lookupSession(ctx context.Context, sessionID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM memory_sessions WHERE session_id = $1 AND agent_name = $2`, sessionID, r.agent,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return uuid.Nil, fmt.Errorf("resolving session %s: %w", sessionID, err)
	}
	r.remember(sessionID, id)
	return id, nil
}

func (r *PostgresStore) remember(sessionID string, id uuid.UUID) {
	r.cache.SetWithTTL(sessionID, id, 1, r.cacheTTL)
}

// withSession runs write with the row id of sessionID. Another store or replica
// may have swept the session since it was cached; the resulting foreign key
// violation evicts the entry and write runs once more against a fresh lookup.
func (r *PostgresStore) withSession(ctx context.Context, sessionID string, write func(id uuid.UUID) error) error {
	id, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err = write(id); !isForeignKeyViolation(err) {
		return err
	}

	r.cache.Del(sessionID)
	metrics.SessionCacheLookupsTotal.WithLabelValues("stale").Inc()
	id, err = r.lookupSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err = write(id); isForeignKeyViolation(err) {
		r.cache.Del(sessionID)
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func (r *PostgresStore) CreateSession(ctx context.Context, in NewSession) (_ *Session, err error) {
	defer observe(postgresBackend, "create_session", time.Now(), &err)

	in = in.withDefaults(r.cfg, r.agent, time.Now().UTC())
	row := r.pool.QueryRow(ctx,
		`INSERT INTO memory_sessions (session_id, agent_name, user_id, session_type, expires_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+sessionColumns,
		in.SessionID, r.agent, in.UserID, string(in.Type), in.ExpiresAt, in.Metadata,
	)
	sess, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, in.SessionID)
		}
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	r.remember(sess.SessionID, sess.ID)
	return sess, nil
}

func (r *PostgresStore) GetSession(ctx context.Context, sessionID string) (_ *Session, err error) {
	defer observe(postgresBackend, "get_session", time.Now(), &err)

	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM memory_sessions WHERE session_id = $1 AND agent_name = $2`,
		sessionID, r.agent)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	return sess, nil
}

func (r *PostgresStore) UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) (_ bool, err error) {
	defer observe(postgresBackend, "update_session", time.Now(), &err)

	if u.empty() {
		return false, nil
	}

	var metadata any
	if u.Metadata != nil {
		metadata = u.Metadata
	}
	var status *string
	if u.Status != nil {
		s := string(*u.Status)
		status = &s
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE memory_sessions
		 SET status = COALESCE($2::text, status),
		     expires_at = COALESCE($3::timestamptz, expires_at),
		     user_id = COALESCE($4::text, user_id),
		     metadata = COALESCE($5::jsonb, metadata),
		     updated_at = NOW()
		 WHERE session_id = $1 AND agent_name = $6`,
		sessionID, status, u.ExpiresAt, u.UserID, metadata, r.agent,
	)
	if err != nil {
		return false, fmt.Errorf("updating session %s: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresStore) SaveConversation(ctx context.Context, sessionID string, t MessageType, content string, opts MessageOptions) (_ *ConversationMessage, err error) {
	defer observe(postgresBackend, "save_conversation", time.Now(), &err)

	if err := validateMessageType(t); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sessionUUID uuid.UUID
	var turn int
	err = tx.QueryRow(ctx,
		`UPDATE memory_sessions SET last_turn = last_turn + 1, updated_at = NOW()
		 WHERE session_id = $1 AND agent_name = $2
		 RETURNING id, last_turn`,
		sessionID, r.agent,
	).Scan(&sessionUUID, &turn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("allocating turn for %s: %w", sessionID, err)
	}

	msg := &ConversationMessage{
		SessionID:        sessionID,
		AgentName:        r.agent,
		Turn:             turn,
		Type:             t,
		Content:          content,
		Format:           opts.format(),
		ProcessingTimeMS: opts.ProcessingTimeMS,
		TokenCount:       opts.TokenCount,
		ModelName:        opts.ModelName,
		ConfidenceScore:  opts.ConfidenceScore,
		Metadata:         cloneMap(opts.Metadata),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO memory_conversations
		     (session_uuid, agent_name, conversation_turn, message_type, content, content_format,
		      processing_time_ms, token_count, model_name, confidence_score, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		sessionUUID, r.agent, turn, string(t), content, string(msg.Format),
		msg.ProcessingTimeMS, msg.TokenCount, msg.ModelName, msg.ConfidenceScore, msg.Metadata,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing conversation turn: %w", err)
	}
	r.remember(sessionID, sessionUUID)
	return msg, nil
}

func (r *PostgresStore) GetConversationHistory(ctx context.Context, sessionID string, q HistoryQuery) (_ []ConversationMessage, err error) {
	defer observe(postgresBackend, "get_conversation_history", time.Now(), &err)

	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}

	// Newest N first, then flipped back to chronological order.
	rows, err := r.pool.Query(ctx,
		`SELECT * FROM (
		     SELECT id, agent_name, conversation_turn, message_type, content, content_format,
		            processing_time_ms, token_count, model_name, confidence_score, metadata, created_at
		     FROM memory_conversations
		     WHERE session_uuid = `+sessionRowID(1, 2)+`
		       AND ($3::timestamptz IS NULL OR created_at >= $3::timestamptz)
		     ORDER BY conversation_turn DESC
		     LIMIT $4
		 ) recent
		 ORDER BY conversation_turn ASC`,
		sessionID, r.agent, q.Since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversation history: %w", err)
	}
	defer rows.Close()

	msgs := []ConversationMessage{}
	for rows.Next() {
		m := ConversationMessage{SessionID: sessionID}
		var msgType, format string
		if err := rows.Scan(&m.ID, &m.AgentName, &m.Turn, &msgType, &m.Content, &format,
			&m.ProcessingTimeMS, &m.TokenCount, &m.ModelName, &m.ConfidenceScore, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation turn: %w", err)
		}
		m.Type = MessageType(msgType)
		m.Format = ContentFormat(format)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *PostgresStore) SaveContext(ctx context.Context, sessionID string, t ContextType, key string, data map[string]any, opts ContextOptions) (_ *AgentContext, err error) {
	defer observe(postgresBackend, "save_context", time.Now(), &err)

	if err := validateContextKey(t, key); err != nil {
		return nil, err
	}
	priority := opts.priority(r.cfg)
	if err := validatePriority(priority); err != nil {
		return nil, err
	}
	if err := ValidateContextData(data, r.cfg.MaxContextSizeBytes); err != nil {
		return nil, err
	}
	size, _ := DataSize(data)

	var c *AgentContext
	err = r.withSession(ctx, sessionID, func(sessionUUID uuid.UUID) error {
		row := r.pool.QueryRow(ctx,
			`INSERT INTO memory_contexts
			     (session_uuid, agent_name, context_type, context_key, context_data, data_size_bytes,
			      priority, expires_at, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (session_uuid, agent_name, context_type, context_key) DO UPDATE SET
			     context_data = EXCLUDED.context_data,
			     data_size_bytes = EXCLUDED.data_size_bytes,
			     priority = EXCLUDED.priority,
			     expires_at = EXCLUDED.expires_at,
			     metadata = EXCLUDED.metadata,
			     access_count = memory_contexts.access_count + 1,
			     updated_at = NOW()
			 RETURNING `+contextColumns,
			sessionUUID, r.agent, string(t), key, data, size, priority, opts.ExpiresAt, cloneMap(opts.Metadata),
		)
		var err error
		c, err = r.scanContext(row, sessionID)
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("upserting context %s/%s: %w", t, key, err)
	}
	return c, nil
}

func (r *PostgresStore) GetContext(ctx context.Context, sessionID string, t ContextType, key string) (_ *AgentContext, err error) {
	defer observe(postgresBackend, "get_context", time.Now(), &err)

	row := r.pool.QueryRow(ctx,
		`UPDATE memory_contexts
		 SET access_count = access_count + 1, last_accessed_at = NOW()
		 WHERE session_uuid = `+sessionRowID(1, 2)+`
		   AND agent_name = $2 AND context_type = $3 AND context_key = $4
		 RETURNING `+contextColumns,
		sessionID, r.agent, string(t), key,
	)
	c, err := r.scanContext(row, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting context %s/%s: %w", t, key, err)
	}
	return c, nil
}

func (r *PostgresStore) ListContexts(ctx context.Context, sessionID string, t ContextType) (_ []AgentContext, err error) {
	defer observe(postgresBackend, "list_contexts", time.Now(), &err)

	rows, err := r.pool.Query(ctx,
		`SELECT `+contextColumns+`
		 FROM memory_contexts
		 WHERE session_uuid = `+sessionRowID(1, 2)+` AND agent_name = $2
		   AND ($3 = '' OR context_type = $3)
		 ORDER BY priority DESC, updated_at DESC, context_key ASC`,
		sessionID, r.agent, string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}
	defer rows.Close()

	out := []AgentContext{}
	for rows.Next() {
		c, err := r.scanContext(rows, sessionID)
		if err != nil {
			return nil, fmt.Errorf("scanning context: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *PostgresStore) DeleteContext(ctx context.Context, sessionID string, t ContextType, key string) (_ bool, err error) {
	defer observe(postgresBackend, "delete_context", time.Now(), &err)

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM memory_contexts
		 WHERE session_uuid = `+sessionRowID(1, 2)+`
		   AND agent_name = $2 AND context_type = $3 AND context_key = $4`,
		sessionID, r.agent, string(t), key,
	)
	if err != nil {
		return false, fmt.Errorf("deleting context %s/%s: %w", t, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresStore) SaveEmbedding(ctx context.Context, e *MemoryEmbedding) (err error) {
	defer observe(postgresBackend, "save_embedding", time.Now(), &err)

	if err := validateEmbedding(e.Vector, r.cfg.EmbeddingDimension); err != nil {
		return err
	}

	if e.Type == "" {
		e.Type = EmbeddingQuery
	}
	if e.SimilarityThreshold == 0 {
		e.SimilarityThreshold = r.cfg.SimilarityThreshold
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.AgentName = r.agent
	e.Metadata = cloneMap(e.Metadata)

	vec := pgvector.NewVector(e.Vector)
	insert := func(sessionUUID *uuid.UUID) error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO memory_embeddings
			     (id, session_uuid, conversation_id, context_id, agent_name, embedding_type, source_text,
			      embedding, similarity_threshold, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING created_at`,
			e.ID, sessionUUID, e.ConversationID, e.ContextID, r.agent, string(e.Type), e.SourceText,
			vec, e.SimilarityThreshold, e.Metadata,
		).Scan(&e.CreatedAt)
	}

	if e.SessionID == "" {
		err = insert(nil)
	} else {
		err = r.withSession(ctx, e.SessionID, func(id uuid.UUID) error { return insert(&id) })
	}
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return fmt.Errorf("inserting embedding: %w", err)
	}
	return nil
}

func (r *PostgresStore) SearchSimilar(ctx context.Context, query []float32, opts SearchOptions) (_ []SimilarityResult, err error) {
	defer observe(postgresBackend, "search_similar", time.Now(), &err)

	if err := validateEmbedding(query, r.cfg.EmbeddingDimension); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(r.cfg)
	if err := validateThreshold(*opts.Threshold); err != nil {
		return nil, err
	}

	var sessionUUID *uuid.UUID
	if opts.SessionID != "" {
		id, err := r.lookupSession(ctx, opts.SessionID)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return []SimilarityResult{}, nil
			}
			return nil, err
		}
		sessionUUID = &id
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, embedding_type, source_text, metadata, created_at, similarity
		 FROM match_memory_embeddings($1, $2, $3, $4, $5)`,
		pgvector.NewVector(query), *opts.Threshold, opts.Limit, r.agent, sessionUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("searching similar embeddings: %w", err)
	}
	defer rows.Close()

	results := []SimilarityResult{}
	for rows.Next() {
		var res SimilarityResult
		var embType string
		if err := rows.Scan(&res.ID, &res.SessionID, &embType, &res.SourceText, &res.Metadata, &res.CreatedAt, &res.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		res.Type = EmbeddingType(embType)
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *PostgresStore) CleanupExpired(ctx context.Context) (_ CleanupResult, err error) {
	defer observe(postgresBackend, "cleanup_expired", time.Now(), &err)

	res := CleanupResult{
		CategorySessions:      0,
		CategoryConversations: 0,
		CategoryContexts:      0,
		CategoryEmbeddings:    0,
	}

	rows, err := r.pool.Query(ctx, `SELECT category, removed FROM cleanup_expired_memory()`)
	if err != nil {
		return nil, fmt.Errorf("running cleanup_expired_memory: %w", err)
	}
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning cleanup result: %w", err)
		}
		res[category] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading cleanup result: %w", err)
	}

	if res[CategorySessions] > 0 {
		r.cache.Clear()
	}

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM memory_contexts
		 WHERE agent_name = $1 AND expires_at IS NOT NULL AND expires_at < NOW()`,
		r.agent,
	)
	if err != nil {
		return nil, fmt.Errorf("deleting expired contexts: %w", err)
	}
	res[CategoryContexts] += tag.RowsAffected()

	return res, nil
}

// Close releases the session cache. The pool belongs to the caller.
func (r *PostgresStore) Close() error {
	r.cache.Close()
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var sessType, status string
	err := row.Scan(&s.ID, &s.SessionID, &s.AgentName, &s.UserID, &sessType, &status,
		&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &s.Metadata)
	if err != nil {
		return nil, err
	}
	s.Type = SessionType(sessType)
	s.Status = SessionStatus(status)
	return &s, nil
}

func (r *PostgresStore) scanContext(row pgx.Row, sessionID string) (*AgentContext, error) {
	c := AgentContext{SessionID: sessionID, AgentName: r.agent}
	var ctxType string
	err := row.Scan(&c.ID, &ctxType, &c.Key, &c.Data, &c.SizeBytes, &c.AccessCount, &c.Priority,
		&c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt, &c.LastAccessedAt, &c.Metadata)
	if err != nil {
		return nil, err
	}
	c.Type = ContextType(ctxType)
	return &c, nil
}
