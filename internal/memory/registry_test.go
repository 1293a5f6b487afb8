package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisFactory(t *testing.T) (StoreFactory, *int) {
	t.Helper()
	client, _ := setupMiniredis(t)
	built := 0
	return func(agent string) (Store, error) {
		built++
		return NewRedisStore(client, agent, testConfig()), nil
	}, &built
}

func TestRegistry_ManagerPerSanitizedAgent(t *testing.T) {
	factory, built := redisFactory(t)
	reg := NewRegistry(factory, testConfig(), nil)

	a, err := reg.Manager("CSV Agent")
	require.NoError(t, err)
	b, err := reg.Manager("csv_agent")
	require.NoError(t, err)
	c, err := reg.Manager("rag")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "csv_agent", a.AgentName())
	assert.Equal(t, 2, *built)
	assert.Equal(t, []string{"csv_agent", "rag"}, reg.Agents())

	require.NoError(t, reg.Close())
	assert.Empty(t, reg.Agents())
}

func TestRegistry_InvalidAgentName(t *testing.T) {
	factory, _ := redisFactory(t)
	reg := NewRegistry(factory, testConfig(), nil)
	_, err := reg.Manager("***")
	assert.True(t, IsValidation(err))
}

func TestRegistry_RestrictedAgents(t *testing.T) {
	factory, built := redisFactory(t)
	reg := NewRegistry(factory, testConfig(), nil)
	reg.Restrict("CSV Agent", "rag_agent", "!!!")

	m, err := reg.Manager("csv_agent")
	require.NoError(t, err)
	assert.Equal(t, "csv_agent", m.AgentName())

	for _, name := range []string{"scanner", "wp-admin", "csv_agent2"} {
		_, err := reg.Manager(name)
		assert.True(t, errors.Is(err, ErrUnknownAgent), name)
	}
	_, err = reg.Manager("***")
	assert.True(t, IsValidation(err))

	assert.Equal(t, 1, *built)
	assert.Equal(t, []string{"csv_agent"}, reg.Agents())
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := NewRegistry(func(string) (Store, error) {
		return nil, errors.New("no database")
	}, testConfig(), nil)
	_, err := reg.Manager("agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
	assert.Empty(t, reg.Agents())
}

type brokenCleanupStore struct {
	Store
}

func (brokenCleanupStore) CleanupExpired(context.Context) (CleanupResult, error) {
	return nil, errBackendDown
}

func TestJanitor_RunOnce(t *testing.T) {
	factory, _ := redisFactory(t)
	reg := NewRegistry(factory, testConfig(), nil)
	ctx := context.Background()

	for _, agent := range []string{"a", "b"} {
		m, err := reg.Manager(agent)
		require.NoError(t, err)
		_, err = m.Store().CreateSession(ctx, NewSession{SessionID: agent + "_old", ExpiresAt: time.Now().Add(-time.Hour)})
		require.NoError(t, err)
	}

	res, err := NewJanitor(reg, time.Minute).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res[CategorySessions])

	res, err = NewJanitor(reg, time.Minute).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Total())
}

func TestJanitor_AggregatesErrors(t *testing.T) {
	client, _ := setupMiniredis(t)
	reg := NewRegistry(func(agent string) (Store, error) {
		s := NewRedisStore(client, agent, testConfig())
		if strings.HasPrefix(agent, "broken") {
			return brokenCleanupStore{Store: s}, nil
		}
		return s, nil
	}, testConfig(), nil)

	for _, agent := range []string{"broken_one", "healthy", "broken_two"} {
		_, err := reg.Manager(agent)
		require.NoError(t, err)
	}

	_, err := NewJanitor(reg, time.Minute).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), "broken_one")
	assert.Contains(t, err.Error(), "broken_two")
}

func TestJanitor_StartStopsWithContext(t *testing.T) {
	factory, _ := redisFactory(t)
	reg := NewRegistry(factory, testConfig(), nil)
	_, err := reg.Manager("agent")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- NewJanitor(reg, 10*time.Millisecond).Start(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
