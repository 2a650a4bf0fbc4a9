package bus

import (
	"sync"
	"time"

	"github.com/msageha/conductor/internal/model"
)

// HistoryFilter selects dispatched messages from the history buffer.
// Zero-valued fields match everything.
type HistoryFilter struct {
	Type     string
	Source   string
	Priority *model.Priority
	Since    time.Time
}

// history is a bounded ring of dispatched messages; oldest evicted first.
type history struct {
	mu      sync.RWMutex
	entries []model.Message
	max     int
}

func newHistory(max int) *history {
	return &history{max: max}
}

func (h *history) add(msg model.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, msg)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

func (h *history) query(filter HistoryFilter) []model.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []model.Message
	for _, msg := range h.entries {
		if filter.Type != "" && msg.Type != filter.Type {
			continue
		}
		if filter.Source != "" && msg.Source != filter.Source {
			continue
		}
		if filter.Priority != nil && msg.Priority != *filter.Priority {
			continue
		}
		if !filter.Since.IsZero() && msg.CreatedAt.Before(filter.Since) {
			continue
		}
		result = append(result, msg)
	}
	return result
}

func (h *history) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
