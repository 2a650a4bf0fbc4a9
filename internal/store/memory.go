package store

import (
	"context"
	"sync"

	"github.com/msageha/conductor/internal/model"
)

// Memory is the in-memory Store used for tests and ephemeral runs.
type Memory struct {
	mu      sync.RWMutex
	kv      map[string]map[string][]byte
	pending map[string]model.Message
}

func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]map[string][]byte),
		pending: make(map[string]model.Message),
	}
}

func (m *Memory) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.kv[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.kv[namespace] = ns
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	ns[key] = buf
	return nil
}

func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.kv[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.kv[namespace], key)
	return nil
}

func (m *Memory) List(_ context.Context, namespace string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]byte, len(m.kv[namespace]))
	for k, v := range m.kv[namespace] {
		buf := make([]byte, len(v))
		copy(buf, v)
		result[k] = buf
	}
	return result, nil
}

func (m *Memory) SavePending(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.Persisted = true
	m.pending[msg.ID] = msg
	return nil
}

func (m *Memory) MarkProcessed(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.pending[messageID]
	if !ok {
		return nil
	}
	msg.Processed = true
	m.pending[messageID] = msg
	return nil
}

func (m *Memory) LoadUnprocessed(_ context.Context) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []model.Message
	for _, msg := range m.pending {
		if !msg.Processed {
			result = append(result, msg)
		}
	}
	return result, nil
}

func (m *Memory) Close() error {
	return nil
}
