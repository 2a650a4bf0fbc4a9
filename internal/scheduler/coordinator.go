package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/bus"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

// TaskHandler executes one task of its category and returns its output.
type TaskHandler func(ctx context.Context, task model.Task) (map[string]any, error)

// AgentLoader initializes one registered agent. Loaders run in dependency
// order during LoadAgents.
type AgentLoader func(ctx context.Context) error

type agentEntry struct {
	id     string
	loader AgentLoader
	deps   []string
	loaded bool
}

// Coordinator routes tasks to category handlers and manages agent
// registration with dependency-ordered loading. Tasks whose category has
// no registered handler get the pass-through handler, which echoes the
// task payload as output.
type Coordinator struct {
	bus    *bus.Bus
	store  store.Store // nil skips agent state records
	logger *logging.Logger

	mu       sync.Mutex
	handlers map[string]TaskHandler
	agents   map[string]*agentEntry
}

func NewCoordinator(b *bus.Bus, st store.Store, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		bus:      b,
		store:    st,
		logger:   logger,
		handlers: make(map[string]TaskHandler),
		agents:   make(map[string]*agentEntry),
	}
}

// RegisterHandler installs the handler for a task category, replacing any
// previous one.
func (c *Coordinator) RegisterHandler(category string, handler TaskHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[category] = handler
}

// RegisterAgent records an agent and the agent ids it must load after.
func (c *Coordinator) RegisterAgent(id string, loader AgentLoader, deps ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.agents[id]; exists {
		return fmt.Errorf("agent %q already registered", id)
	}
	c.agents[id] = &agentEntry{id: id, loader: loader, deps: deps}
	return nil
}

// LoadAgents runs every registered loader in dependency order and returns
// that order. A loader error stops loading; agents already loaded stay
// loaded. Each load is recorded in the agent_state namespace and announced
// on the bus.
func (c *Coordinator) LoadAgents(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	names := make([]string, 0, len(c.agents))
	deps := make(map[string][]string, len(c.agents))
	for id, entry := range c.agents {
		names = append(names, id)
		deps[id] = entry.deps
	}
	c.mu.Unlock()

	order, err := sortDependencies(names, deps)
	if err != nil {
		return nil, fmt.Errorf("agent dependency order: %w", err)
	}

	for _, id := range order {
		c.mu.Lock()
		entry := c.agents[id]
		loaded := entry.loaded
		c.mu.Unlock()
		if loaded {
			continue
		}

		if err := entry.loader(ctx); err != nil {
			c.publish("agent.load_failed", map[string]any{"agent_id": id, "error": err.Error()})
			return order, fmt.Errorf("load agent %q: %w", id, err)
		}

		c.mu.Lock()
		entry.loaded = true
		c.mu.Unlock()

		c.recordAgentState(ctx, id, entry.deps)
		c.publish("agent.loaded", map[string]any{"agent_id": id})
		c.logger.Infof("agent_loaded id=%s deps=%d", id, len(entry.deps))
	}
	return order, nil
}

// LoadedAgents returns the ids of agents whose loaders have completed.
func (c *Coordinator) LoadedAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var loaded []string
	for id, entry := range c.agents {
		if entry.loaded {
			loaded = append(loaded, id)
		}
	}
	return loaded
}

// Handle dispatches a task to its category handler.
func (c *Coordinator) Handle(ctx context.Context, task model.Task) (map[string]any, error) {
	c.mu.Lock()
	handler, ok := c.handlers[task.Category]
	c.mu.Unlock()

	if !ok {
		return passThrough(ctx, task)
	}
	return handler(ctx, task)
}

// passThrough is the default for unregistered categories: the task
// succeeds and its payload becomes its output.
func passThrough(_ context.Context, task model.Task) (map[string]any, error) {
	return task.Payload, nil
}

func (c *Coordinator) recordAgentState(ctx context.Context, id string, deps []string) {
	if c.store == nil {
		return
	}
	record, err := json.Marshal(map[string]any{
		"agent_id":  id,
		"deps":      deps,
		"loaded_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := c.store.Put(ctx, store.NamespaceAgentState, id, record); err != nil {
		c.logger.Warnf("agent_state_record id=%s error=%v", id, err)
	}
}

func (c *Coordinator) publish(eventType string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Publish(eventType, payload, bus.WithSource("coordinator")); err != nil {
		c.logger.Warnf("publish type=%s error=%v", eventType, err)
	}
}
