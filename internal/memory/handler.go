package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aiox-platform/agentmem/internal/api"
)

type InitializeSessionRequest struct {
	SessionID string         `json:"session_id" validate:"omitempty,max=255"`
	UserID    string         `json:"user_id" validate:"omitempty,max=255"`
	Metadata  map[string]any `json:"metadata"`
}

type AddMessageRequest struct {
	Type             MessageType    `json:"message_type" validate:"required,oneof=query response system"`
	Content          string         `json:"content" validate:"required"`
	Format           ContentFormat  `json:"content_format" validate:"omitempty,oneof=text markdown json html"`
	ProcessingTimeMS *int           `json:"processing_time_ms" validate:"omitempty,gte=0"`
	TokenCount       *int           `json:"token_count" validate:"omitempty,gte=0"`
	ModelName        string         `json:"model_name" validate:"omitempty,max=100"`
	ConfidenceScore  *float64       `json:"confidence_score" validate:"omitempty,gte=0,lte=1"`
	Metadata         map[string]any `json:"metadata"`
}

type SaveContextRequest struct {
	Data         map[string]any `json:"context_data" validate:"required"`
	Priority     int            `json:"priority" validate:"omitempty,min=1,max=10"`
	ExpiresInSec int            `json:"expires_in_sec" validate:"omitempty,gt=0"`
	Metadata     map[string]any `json:"metadata"`
}

type ExtendSessionRequest struct {
	Hours int `json:"hours" validate:"required,gt=0,lte=720"`
}

type SaveEmbeddingRequest struct {
	SessionID  string         `json:"session_id"`
	Type       EmbeddingType  `json:"embedding_type" validate:"omitempty,oneof=query response context"`
	SourceText string         `json:"source_text" validate:"required"`
	Embedding  []float32      `json:"embedding" validate:"required,min=1"`
	Metadata   map[string]any `json:"metadata"`
}

type SearchEmbeddingsRequest struct {
	Embedding []float32 `json:"embedding" validate:"required,min=1"`
	SessionID string    `json:"session_id"`
	Limit     int       `json:"limit" validate:"omitempty,min=1,max=100"`
	Threshold *float64  `json:"threshold" validate:"omitempty,gte=0,lte=1"`
}

type contextKey string

const managerKey contextKey = "memory_manager"

// ManagerFromContext returns the Manager attached by AgentMiddleware.
func ManagerFromContext(ctx context.Context) *Manager {
	m, _ := ctx.Value(managerKey).(*Manager)
	return m
}

// Handler handles memory HTTP endpoints.
type Handler struct {
	registry *Registry
	validate *validator.Validate
}

// NewHandler creates a new memory handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{
		registry: registry,
		validate: validator.New(),
	}
}

// AgentMiddleware resolves {agentName} to its Manager.
func (h *Handler) AgentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := h.registry.Manager(chi.URLParam(r, "agentName"))
		if err != nil {
			writeMemoryError(w, "resolving agent", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), managerKey, m)))
	})
}

// InitializeSession opens or resumes a session.
func (h *Handler) InitializeSession(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	var req InitializeSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := m.InitializeSession(r.Context(), req.SessionID, req.UserID, req.Metadata)
	if err != nil {
		writeMemoryError(w, "initializing session", err)
		return
	}
	sess, err := m.Store().GetSession(r.Context(), token)
	if err != nil {
		writeMemoryError(w, "loading session", err)
		return
	}

	api.JSON(w, http.StatusCreated, sess)
}

// GetSession returns one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	sess, err := m.Store().GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeMemoryError(w, "getting session", err)
		return
	}
	if sess == nil {
		api.HandleError(w, api.NewNotFoundError("session not found"))
		return
	}

	api.JSON(w, http.StatusOK, sess)
}

// History returns conversation turns. ?compress=N folds all but the newest N into a summary.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var (
		msgs []ConversationMessage
		err  error
	)
	if c := r.URL.Query().Get("compress"); c != "" {
		maxTurns, convErr := strconv.Atoi(c)
		if convErr != nil || maxTurns < 0 {
			api.HandleError(w, api.NewBadRequestError("invalid compress value"))
			return
		}
		msgs, err = m.GetCompressedHistory(r.Context(), sessionID, maxTurns)
	} else {
		msgs, err = m.ConversationHistory(r.Context(), sessionID, queryInt(r, "limit", 0))
	}
	if err != nil {
		writeMemoryError(w, "getting history", err)
		return
	}

	api.JSON(w, http.StatusOK, msgs)
}

// RecentContext returns the aggregated recent context of a session.
func (h *Handler) RecentContext(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	rc, err := m.GetRecentContext(r.Context(), chi.URLParam(r, "sessionID"), queryInt(r, "hours", 24))
	if err != nil {
		writeMemoryError(w, "getting recent context", err)
		return
	}

	api.JSON(w, http.StatusOK, rc)
}

// AddMessage appends a conversation turn.
func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	var req AddMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	opts := MessageOptions{
		Format:           req.Format,
		ProcessingTimeMS: req.ProcessingTimeMS,
		TokenCount:       req.TokenCount,
		ModelName:        req.ModelName,
		ConfidenceScore:  req.ConfidenceScore,
		Metadata:         req.Metadata,
	}
	msg, err := m.addMessage(r.Context(), chi.URLParam(r, "sessionID"), req.Type, req.Content, opts)
	if err != nil {
		writeMemoryError(w, "adding message", err)
		return
	}

	api.JSON(w, http.StatusCreated, msg)
}

// ListContexts lists a session's contexts, optionally filtered by ?type=.
func (h *Handler) ListContexts(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	contexts, err := m.Store().ListContexts(r.Context(), chi.URLParam(r, "sessionID"), ContextType(r.URL.Query().Get("type")))
	if err != nil {
		writeMemoryError(w, "listing contexts", err)
		return
	}

	api.JSON(w, http.StatusOK, contexts)
}

// GetContext returns one context and records the access.
func (h *Handler) GetContext(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	c, err := m.Store().GetContext(r.Context(), chi.URLParam(r, "sessionID"),
		ContextType(chi.URLParam(r, "contextType")), chi.URLParam(r, "contextKey"))
	if err != nil {
		writeMemoryError(w, "getting context", err)
		return
	}
	if c == nil {
		api.HandleError(w, api.NewNotFoundError("context not found"))
		return
	}

	api.JSON(w, http.StatusOK, c)
}

// SaveContext creates or replaces a context.
func (h *Handler) SaveContext(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	var req SaveContextRequest
	if !h.decode(w, r, &req) {
		return
	}

	opts := ContextOptions{Priority: req.Priority, Metadata: req.Metadata}
	if req.ExpiresInSec > 0 {
		expiresAt := time.Now().Add(time.Duration(req.ExpiresInSec) * time.Second)
		opts.ExpiresAt = &expiresAt
	}

	c, err := m.Store().SaveContext(r.Context(), chi.URLParam(r, "sessionID"),
		ContextType(chi.URLParam(r, "contextType")), chi.URLParam(r, "contextKey"), req.Data, opts)
	if err != nil {
		writeMemoryError(w, "saving context", err)
		return
	}

	api.JSON(w, http.StatusOK, c)
}

// DeleteContext removes one context.
func (h *Handler) DeleteContext(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	ok, err := m.Store().DeleteContext(r.Context(), chi.URLParam(r, "sessionID"),
		ContextType(chi.URLParam(r, "contextType")), chi.URLParam(r, "contextKey"))
	if err != nil {
		writeMemoryError(w, "deleting context", err)
		return
	}
	if !ok {
		api.HandleError(w, api.NewNotFoundError("context not found"))
		return
	}

	api.JSONMessage(w, http.StatusOK, "context deleted successfully")
}

// CompleteSession marks a session completed.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	if err := m.CompleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeMemoryError(w, "completing session", err)
		return
	}

	api.JSONMessage(w, http.StatusOK, "session completed")
}

// ExtendSession pushes a live session's expiry forward.
func (h *Handler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	var req ExtendSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := m.ExtendSession(r.Context(), chi.URLParam(r, "sessionID"), time.Duration(req.Hours)*time.Hour)
	if err != nil {
		writeMemoryError(w, "extending session", err)
		return
	}

	api.JSON(w, http.StatusOK, sess)
}

// SaveEmbedding stores an embedding for the agent.
func (h *Handler) SaveEmbedding(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	var req SaveEmbeddingRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := m.RememberEmbedding(r.Context(), req.SessionID, req.Type, req.SourceText, req.Embedding, req.Metadata)
	if err != nil {
		writeMemoryError(w, "saving embedding", err)
		return
	}

	api.JSON(w, http.StatusCreated, map[string]any{
		"id":         e.ID,
		"created_at": e.CreatedAt,
	})
}

// SearchEmbeddings runs a similarity search over the agent's embeddings.
func (h *Handler) SearchEmbeddings(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	var req SearchEmbeddingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	results, err := m.SearchSimilar(r.Context(), req.Embedding, SearchOptions{
		Threshold: req.Threshold,
		Limit:     req.Limit,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeMemoryError(w, "searching embeddings", err)
		return
	}

	api.JSON(w, http.StatusOK, results)
}

// Cleanup removes expired memory now instead of waiting for the janitor.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())

	res, err := m.Cleanup(r.Context())
	if err != nil {
		writeMemoryError(w, "cleaning up", err)
		return
	}

	api.JSON(w, http.StatusOK, res)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}

func writeMemoryError(w http.ResponseWriter, op string, err error) {
	switch {
	case IsValidation(err):
		api.HandleError(w, api.NewValidationError(err.Error()))
	case errors.Is(err, ErrSessionExists):
		api.HandleError(w, api.NewConflictError("session already exists"))
	case errors.Is(err, ErrSessionExpired):
		api.HandleError(w, api.NewNotFoundError("session expired"))
	case errors.Is(err, ErrSessionNotFound):
		api.HandleError(w, api.NewNotFoundError("session not found"))
	case errors.Is(err, ErrUnknownAgent):
		api.HandleError(w, api.NewNotFoundError("agent not found"))
	default:
		slog.Error(op, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
