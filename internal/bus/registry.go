package bus

import (
	"sync"

	"github.com/msageha/conductor/internal/model"
)

// Handler processes one dispatched message. A non-nil error is isolated
// per subscriber; for request messages it also fails the pending request.
type Handler func(msg model.Message) error

type subscription struct {
	name    string
	handler Handler
	seq     uint64
}

// registry maps event types and broadcast channels to ordered subscriber
// lists. Registration order is preserved per key.
type registry struct {
	mu        sync.RWMutex
	seq       uint64
	typed     map[string][]*subscription
	broadcast map[string][]*subscription
}

func newRegistry() *registry {
	return &registry{
		typed:     make(map[string][]*subscription),
		broadcast: make(map[string][]*subscription),
	}
}

func (r *registry) subscribe(eventType, name string, handler Handler) func() {
	return r.add(r.typed, eventType, name, handler)
}

func (r *registry) subscribeBroadcast(channel, name string, handler Handler) func() {
	return r.add(r.broadcast, channel, name, handler)
}

func (r *registry) add(table map[string][]*subscription, key, name string, handler Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub := &subscription{name: name, handler: handler, seq: r.seq}
	table[key] = append(table[key], sub)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		subs := table[key]
		for i, s := range subs {
			if s == sub {
				table[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// subscribersFor returns a snapshot of the ordered subscriber list so
// dispatch never holds the registry lock while invoking handlers.
func (r *registry) subscribersFor(eventType string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.typed[eventType]
	out := make([]*subscription, len(subs))
	copy(out, subs)
	return out
}

func (r *registry) broadcastSubscribersFor(channel string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.broadcast[channel]
	out := make([]*subscription, len(subs))
	copy(out, subs)
	return out
}

func (r *registry) counts() (typed, broadcast int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, subs := range r.typed {
		typed += len(subs)
	}
	for _, subs := range r.broadcast {
		broadcast += len(subs)
	}
	return typed, broadcast
}
