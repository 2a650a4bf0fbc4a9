// Package store defines the pluggable persistence interface behind the
// bus recovery layer and the iteration blocker records.
package store

import (
	"context"
	"errors"

	"github.com/msageha/conductor/internal/model"
)

// Namespaces used by the coordination core. Callers may use their own.
const (
	NamespacePendingMessages = "pending_messages"
	NamespaceAgentState      = "agent_state"
	NamespaceDecisions       = "decisions"
	NamespaceBlockers        = "blockers"
)

// ErrNotFound is returned by Get when the key does not exist in the
// namespace. Callers use errors.Is to distinguish it from I/O failures.
var ErrNotFound = errors.New("key not found")

// Store is a namespaced key/value store with message-specific helpers for
// crash recovery. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, namespace, key string, value []byte) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) (map[string][]byte, error)

	// SavePending durably records a message before it is enqueued.
	SavePending(ctx context.Context, msg model.Message) error
	// MarkProcessed flags a pending message as fully dispatched. Marked
	// messages are never replayed. Unknown ids are a no-op.
	MarkProcessed(ctx context.Context, messageID string) error
	// LoadUnprocessed returns all persisted messages with processed=false,
	// in no particular order; the bus sorts them for replay.
	LoadUnprocessed(ctx context.Context) ([]model.Message, error)

	Close() error
}
