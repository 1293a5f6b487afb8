package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/agentmem/internal/api"
)

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func setupRouter(t *testing.T, agents ...string) http.Handler {
	t.Helper()
	client, _ := setupMiniredis(t)
	registry := NewRegistry(func(agent string) (Store, error) {
		return NewRedisStore(client, agent, testConfig()), nil
	}, testConfig(), nil)
	if len(agents) > 0 {
		registry.Restrict(agents...)
	}
	t.Cleanup(func() { registry.Close() })

	h := NewHandler(registry)
	return api.NewRouter(nil, api.RouterConfig{}, api.HandlerSet{
		AgentMiddleware:   h.AgentMiddleware,
		InitializeSession: h.InitializeSession,
		GetSession:        h.GetSession,
		CompleteSession:   h.CompleteSession,
		ExtendSession:     h.ExtendSession,
		History:           h.History,
		RecentContext:     h.RecentContext,
		AddMessage:        h.AddMessage,
		ListContexts:      h.ListContexts,
		GetContext:        h.GetContext,
		SaveContext:       h.SaveContext,
		DeleteContext:     h.DeleteContext,
		SaveEmbedding:     h.SaveEmbedding,
		SearchEmbeddings:  h.SearchEmbeddings,
		Cleanup:           h.Cleanup,
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

const base = "/api/v1/agents/csv_agent"

func TestHandler_SessionLifecycle(t *testing.T) {
	h := setupRouter(t)

	rec, env := do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1", UserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	assert.Equal(t, "s1", sess.SessionID)
	assert.Equal(t, "csv_agent", sess.AgentName)

	rec, _ = do(t, h, http.MethodGet, base+"/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, base+"/sessions/s1/extend", ExtendSessionRequest{Hours: 48})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, h, http.MethodPost, base+"/sessions/s1/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session completed", env.Message)

	rec, env = do(t, h, http.MethodGet, base+"/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session not found", env.Error)

	rec, _ = do(t, h, http.MethodPost, base+"/sessions/missing/complete", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_InvalidAgent(t *testing.T) {
	h := setupRouter(t)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/agents/@@@/sessions", InitializeSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_UnknownAgent(t *testing.T) {
	h := setupRouter(t, "csv_agent")

	rec, env := do(t, h, http.MethodPost, "/api/v1/agents/scanner/sessions", InitializeSessionRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "agent not found", env.Error)

	rec, _ = do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandler_SessionsIsolatedByAgent(t *testing.T) {
	h := setupRouter(t)
	const rag = "/api/v1/agents/rag_agent"

	do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1"})
	do(t, h, http.MethodPost, base+"/sessions/s1/messages", AddMessageRequest{Type: MessageQuery, Content: "secret for csv"})

	rec, _ := do(t, h, http.MethodGet, rag+"/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodPost, rag+"/sessions/s1/messages", AddMessageRequest{Type: MessageQuery, Content: "injected by rag"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env := do(t, h, http.MethodGet, rag+"/sessions/s1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []ConversationMessage
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Empty(t, history)

	rec, env = do(t, h, http.MethodPost, rag+"/sessions", InitializeSessionRequest{SessionID: "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	assert.Equal(t, "rag_agent", sess.AgentName)

	rec, env = do(t, h, http.MethodGet, base+"/sessions/s1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "secret for csv", history[0].Content)
}

func TestHandler_Messages(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1"})

	rec, env := do(t, h, http.MethodPost, base+"/sessions/s1/messages", AddMessageRequest{Type: MessageQuery, Content: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg ConversationMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, 1, msg.Turn)

	do(t, h, http.MethodPost, base+"/sessions/s1/messages", AddMessageRequest{Type: MessageResponse, Content: "hi there"})

	rec, env = do(t, h, http.MethodGet, base+"/sessions/s1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []ConversationMessage
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "hi there", history[1].Content)

	rec, _ = do(t, h, http.MethodPost, base+"/sessions/s1/messages", AddMessageRequest{Type: "shout", Content: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, base+"/sessions/missing/messages", AddMessageRequest{Type: MessageQuery, Content: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, base+"/sessions/s1/history?compress=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CompressedHistory(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1"})
	for i := 0; i < 6; i++ {
		do(t, h, http.MethodPost, base+"/sessions/s1/messages", AddMessageRequest{Type: MessageQuery, Content: fmt.Sprintf("q%d", i)})
	}

	rec, env := do(t, h, http.MethodGet, base+"/sessions/s1/history?compress=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []ConversationMessage
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 3)
	assert.Equal(t, MessageSystem, history[0].Type)
}

func TestHandler_Contexts(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1"})

	path := base + "/sessions/s1/contexts/data/dataset"
	rec, _ := do(t, h, http.MethodPut, path, SaveContextRequest{Data: map[string]any{"rows": 10}, Priority: 7})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var c AgentContext
	require.NoError(t, json.Unmarshal(env.Data, &c))
	assert.Equal(t, 7, c.Priority)
	assert.Equal(t, float64(10), c.Data["rows"])

	rec, env = do(t, h, http.MethodGet, base+"/sessions/s1/contexts?type=data", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []AgentContext
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	rec, _ = do(t, h, http.MethodPut, path, SaveContextRequest{Data: map[string]any{"rows": 1}, Priority: 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_RecentContext(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1"})
	do(t, h, http.MethodPut, base+"/sessions/s1/contexts/preferences/ui", SaveContextRequest{Data: map[string]any{"theme": "dark"}})

	rec, env := do(t, h, http.MethodGet, base+"/sessions/s1/recent-context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rc RecentContext
	require.NoError(t, json.Unmarshal(env.Data, &rc))
	assert.Equal(t, 24, rc.Hours)
	assert.Equal(t, "dark", rc.Preferences["theme"])

	rec, _ = do(t, h, http.MethodGet, base+"/sessions/s1/recent-context?hours=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, base+"/sessions/missing/recent-context", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Embeddings(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, base+"/sessions", InitializeSessionRequest{SessionID: "s1"})

	rec, _ := do(t, h, http.MethodPost, base+"/embeddings", SaveEmbeddingRequest{
		SessionID: "s1", SourceText: "sales by region", Embedding: []float32{1, 0, 0, 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = do(t, h, http.MethodPost, base+"/embeddings", SaveEmbeddingRequest{
		SourceText: "wrong size", Embedding: []float32{1, 0},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := do(t, h, http.MethodPost, base+"/embeddings/search", SearchEmbeddingsRequest{Embedding: []float32{1, 0, 0, 0}})
	require.Equal(t, http.StatusOK, rec.Code)
	var results []SimilarityResult
	require.NoError(t, json.Unmarshal(env.Data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "sales by region", results[0].SourceText)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)

	zero := 0.0
	rec, env = do(t, h, http.MethodPost, base+"/embeddings/search", SearchEmbeddingsRequest{Embedding: []float32{0, 1, 0, 0}, Threshold: &zero})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Len(t, results, 1)

	rec, env = do(t, h, http.MethodPost, base+"/embeddings/search", SearchEmbeddingsRequest{Embedding: []float32{0, 1, 0, 0}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Empty(t, results)

	rec, _ = do(t, h, http.MethodPost, base+"/embeddings", SaveEmbeddingRequest{
		SessionID: "ghost", SourceText: "orphan", Embedding: []float32{1, 0, 0, 0},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Cleanup(t *testing.T) {
	h := setupRouter(t)

	rec, _ := do(t, h, http.MethodPost, base+"/cleanup", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_MalformedBody(t *testing.T) {
	h := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, base+"/sessions", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteMemoryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", validationErrorf("priority", "out of range"), http.StatusBadRequest},
		{"exists", fmt.Errorf("%w: s1", ErrSessionExists), http.StatusConflict},
		{"expired", fmt.Errorf("%w: s1", ErrSessionExpired), http.StatusNotFound},
		{"not found", fmt.Errorf("%w: s1", ErrSessionNotFound), http.StatusNotFound},
		{"unknown agent", fmt.Errorf("%w: scanner", ErrUnknownAgent), http.StatusNotFound},
		{"other", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeMemoryError(rec, "test", tt.err)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
