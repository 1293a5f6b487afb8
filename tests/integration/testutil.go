//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aiox-platform/agentmem/internal/api"
	"github.com/aiox-platform/agentmem/internal/database"
	"github.com/aiox-platform/agentmem/internal/memory"
)

// testDim keeps vectors short; the schema column is created for this width.
const testDim = 3

type TestEnv struct {
	Pool     *pgxpool.Pool
	DSN      string
	Registry *memory.Registry
	Server   *httptest.Server
}

var testEnv *TestEnv

func testConfig() memory.Config {
	cfg := memory.DefaultConfig()
	cfg.EmbeddingDimension = testDim
	cfg.SimilarityThreshold = 0.5
	return cfg
}

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:0.8.1-pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "agentmem_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/agentmem_test?sslmode=disable", pgHost, pgPort.Port())

	if err := database.RunMigrations(dsn); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}

	// The migration sizes vectors for production; shrink them for test data.
	if _, err := pool.Exec(ctx, fmt.Sprintf(
		`DROP INDEX IF EXISTS idx_memory_embeddings_vector;
		 ALTER TABLE memory_embeddings ALTER COLUMN embedding TYPE vector(%d)`, testDim)); err != nil {
		t.Fatalf("resizing embedding column: %v", err)
	}

	cfg := testConfig()
	registry := memory.NewRegistry(func(agent string) (memory.Store, error) {
		return memory.NewPostgresStore(pool, agent, cfg, memory.DefaultSessionCacheTTL)
	}, cfg, nil)

	h := memory.NewHandler(registry)
	router := api.NewRouter(map[string]api.HealthCheck{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, pool) },
	}, api.RouterConfig{}, api.HandlerSet{
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

	server := httptest.NewServer(router)

	// Shared across tests in the package; torn down with the process.
	testEnv = &TestEnv{
		Pool:     pool,
		DSN:      dsn,
		Registry: registry,
		Server:   server,
	}
	return testEnv
}

// NewStore returns a Postgres store for agent on the shared environment.
func NewStore(t *testing.T, env *TestEnv, agent string) *memory.PostgresStore {
	t.Helper()
	s, err := memory.NewPostgresStore(env.Pool, agent, testConfig(), memory.DefaultSessionCacheTTL)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}

var idCounter atomic.Int64

func uniqueID() int64 {
	return time.Now().UnixNano() + idCounter.Add(1)
}
