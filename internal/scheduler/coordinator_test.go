package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

func TestLoadAgentsDependencyOrder(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())

	var loaded []string
	loader := func(id string) AgentLoader {
		return func(context.Context) error {
			loaded = append(loaded, id)
			return nil
		}
	}

	require.NoError(t, c.RegisterAgent("planner", loader("planner"), "memory"))
	require.NoError(t, c.RegisterAgent("memory", loader("memory")))
	require.NoError(t, c.RegisterAgent("executor", loader("executor"), "planner", "memory"))

	order, err := c.LoadAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, order, 3)

	pos := make(map[string]int)
	for i, id := range loaded {
		pos[id] = i
	}
	assert.Less(t, pos["memory"], pos["planner"])
	assert.Less(t, pos["planner"], pos["executor"])
	assert.ElementsMatch(t, []string{"memory", "planner", "executor"}, c.LoadedAgents())
}

func TestLoadAgentsCycleRejected(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())
	noop := func(context.Context) error { return nil }

	require.NoError(t, c.RegisterAgent("a", noop, "b"))
	require.NoError(t, c.RegisterAgent("b", noop, "a"))

	_, err := c.LoadAgents(context.Background())
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestLoadAgentsUnknownDependency(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())
	require.NoError(t, c.RegisterAgent("a", func(context.Context) error { return nil }, "ghost"))

	_, err := c.LoadAgents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestLoadAgentsLoaderFailureStops(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())

	var loaded []string
	require.NoError(t, c.RegisterAgent("first", func(context.Context) error {
		loaded = append(loaded, "first")
		return nil
	}))
	require.NoError(t, c.RegisterAgent("second", func(context.Context) error {
		return errors.New("init failed")
	}, "first"))
	require.NoError(t, c.RegisterAgent("third", func(context.Context) error {
		loaded = append(loaded, "third")
		return nil
	}, "second"))

	_, err := c.LoadAgents(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"first"}, loaded, "loading stops at the failed agent")
	assert.Equal(t, []string{"first"}, c.LoadedAgents())
}

func TestRegisterAgentDuplicate(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())
	noop := func(context.Context) error { return nil }

	require.NoError(t, c.RegisterAgent("a", noop))
	require.Error(t, c.RegisterAgent("a", noop))
}

func TestLoadAgentsRecordsState(t *testing.T) {
	st := store.NewMemory()
	c := NewCoordinator(nil, st, testLogger())
	require.NoError(t, c.RegisterAgent("planner", func(context.Context) error { return nil }))

	_, err := c.LoadAgents(context.Background())
	require.NoError(t, err)

	raw, err := st.Get(context.Background(), store.NamespaceAgentState, "planner")
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, "planner", record["agent_id"])
	assert.NotEmpty(t, record["loaded_at"])
}

func TestHandleDispatchesByCategory(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())
	c.RegisterHandler("build", func(_ context.Context, task model.Task) (map[string]any, error) {
		return map[string]any{"built": task.ID}, nil
	})

	out, err := c.Handle(context.Background(), model.Task{ID: "t1", Category: "build"})
	require.NoError(t, err)
	assert.Equal(t, "t1", out["built"])
}

func TestHandleUnregisteredCategoryPassesThrough(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())

	payload := map[string]any{"key": "value"}
	out, err := c.Handle(context.Background(), model.Task{ID: "t1", Category: "mystery", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}
