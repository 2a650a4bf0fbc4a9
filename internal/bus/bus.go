// Package bus implements the priority-queued publish/subscribe event bus
// with broadcast channels, request/response rendezvous, bounded history,
// and crash-recoverable persistence.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

// EventError is published when a subscriber fails during dispatch.
// Payload: message_id, message_type, subscriber, error.
const EventError = "bus.error"

// PublishOption customizes a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	priority model.Priority
	persist  bool
	source   string
}

func WithPriority(p model.Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

func WithPersist() PublishOption {
	return func(o *publishOptions) { o.persist = true }
}

func WithSource(source string) PublishOption {
	return func(o *publishOptions) { o.source = source }
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published            uint64
	Processed            uint64
	Broadcasts           uint64
	Requests             uint64
	SubscriberErrors     uint64
	QueueDepths          [model.PriorityTiers]int
	PendingRequests      int
	Subscribers          int
	BroadcastSubscribers int
	HistorySize          int
}

// Bus is the coordination core's only cross-component signaling path.
// The dispatch loop is a single goroutine: one message is fully dispatched
// to all its subscribers before the next is popped.
type Bus struct {
	cfg    model.BusConfig
	logger *logging.Logger
	store  store.Store // nil disables persistence

	mu     sync.Mutex
	cond   *sync.Cond
	queues queueSet
	paused bool
	closed bool

	registry *registry
	pending  *pendingSet
	history  *history

	tapMu sync.RWMutex
	tap   func(model.Message)

	published        atomic.Uint64
	processed        atomic.Uint64
	broadcasts       atomic.Uint64
	requests         atomic.Uint64
	subscriberErrors atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a bus and starts its dispatch loop. A nil store disables
// persistence; WithPersist publishes then fail.
func New(cfg model.BusConfig, st store.Store, logger *logging.Logger) *Bus {
	b := &Bus{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: newRegistry(),
		pending:  newPendingSet(),
		history:  newHistory(cfg.MaxHistory),
		done:     make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	go b.loop()
	return b
}

// Publish enqueues a message for dispatch and returns its id. Persisted
// messages are durably recorded before they are enqueued.
func (b *Bus) Publish(eventType string, payload map[string]any, opts ...PublishOption) (string, error) {
	options := publishOptions{priority: model.PriorityNormal}
	for _, opt := range opts {
		opt(&options)
	}

	priority, ok := model.NormalizePriority(options.priority)
	if !ok {
		b.logger.Warnf("publish_priority_fallback type=%s priority=%d", eventType, int(options.priority))
	}

	msg := &model.Message{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Source:    options.source,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}

	if options.persist {
		if b.store == nil {
			return "", fmt.Errorf("publish %s: persistence requested but no store configured", eventType)
		}
		if err := b.store.SavePending(context.Background(), *msg); err != nil {
			return "", fmt.Errorf("persist message: %w", err)
		}
		msg.Persisted = true
	}

	if err := b.enqueue(msg); err != nil {
		return "", err
	}

	b.published.Add(1)
	b.logger.Debugf("published type=%s id=%s priority=%s persisted=%v",
		eventType, msg.ID, priority, msg.Persisted)
	return msg.ID, nil
}

func (b *Bus) enqueue(msg *model.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.queues.push(msg)
	b.cond.Broadcast()
	return nil
}

// Subscribe registers a named handler for an event type. Handlers for one
// type run in registration order on each dispatch. The returned function
// removes the subscription.
func (b *Bus) Subscribe(eventType, name string, handler Handler) func() {
	return b.registry.subscribe(eventType, name, handler)
}

// SubscribeBroadcast registers a named handler on a broadcast channel,
// independent of the typed pub/sub path.
func (b *Bus) SubscribeBroadcast(channel, name string, handler Handler) func() {
	return b.registry.subscribeBroadcast(channel, name, handler)
}

// Broadcast fans payload out to all channel subscribers immediately.
// Per-subscriber errors are isolated exactly as in typed dispatch.
func (b *Bus) Broadcast(channel string, payload map[string]any) {
	msg := model.Message{
		ID:        uuid.NewString(),
		Type:      channel,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	for _, sub := range b.registry.broadcastSubscribersFor(channel) {
		if err := b.invoke(sub, msg); err != nil {
			b.reportSubscriberError(msg, sub.name, err)
		}
	}
	b.broadcasts.Add(1)
}

// Request publishes a tagged message and blocks until Respond is called
// for it or the timeout elapses, whichever is first. A zero timeout uses
// the configured default. The first responder wins; a responder handler
// error propagates back wrapped in HandlerError.
func (b *Bus) Request(ctx context.Context, eventType string, payload map[string]any, timeout time.Duration, opts ...PublishOption) (map[string]any, error) {
	if timeout <= 0 {
		timeout = time.Duration(b.cfg.RequestTimeoutSec) * time.Second
	}

	req := &pendingRequest{
		id:        uuid.NewString(),
		createdAt: time.Now().UTC(),
		ch:        make(chan response, 1),
	}
	b.pending.add(req)
	req.timer = time.AfterFunc(timeout, func() {
		if r := b.pending.take(req.id); r != nil {
			r.resolve(response{err: ErrRequestTimeout})
		}
	})

	options := publishOptions{priority: model.PriorityNormal}
	for _, opt := range opts {
		opt(&options)
	}
	priority, _ := model.NormalizePriority(options.priority)

	msg := &model.Message{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Source:    options.source,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
		RequestID: req.id,
	}
	if err := b.enqueue(msg); err != nil {
		if r := b.pending.take(req.id); r != nil {
			r.resolve(response{err: err})
		}
		<-req.ch
		return nil, err
	}

	b.published.Add(1)
	b.requests.Add(1)

	select {
	case resp := <-req.ch:
		return resp.payload, resp.err
	case <-ctx.Done():
		if r := b.pending.take(req.id); r != nil {
			r.resolve(response{err: ctx.Err()})
			<-req.ch
		}
		return nil, ctx.Err()
	}
}

// Respond resolves a pending request. Unknown or already-resolved ids are
// a no-op, not an error.
func (b *Bus) Respond(requestID string, payload map[string]any) {
	if req := b.pending.take(requestID); req != nil {
		req.resolve(response{payload: payload})
	}
}

// Fail rejects a pending request with the responder's error. Unknown ids
// are a no-op.
func (b *Bus) Fail(requestID string, err error) {
	if req := b.pending.take(requestID); req != nil {
		req.resolve(response{err: &HandlerError{Subscriber: "responder", Err: err}})
	}
}

// Tap installs an observer invoked on the dispatch goroutine after every
// dispatched message, regardless of type. Used for audit logging.
func (b *Bus) Tap(fn func(model.Message)) {
	b.tapMu.Lock()
	defer b.tapMu.Unlock()
	b.tap = fn
}

// Pause halts dispatch; queued messages accumulate until Resume and then
// drain in priority order.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

func (b *Bus) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	b.cond.Broadcast()
}

// Recover replays persisted unprocessed messages: sorted by priority tier
// then original timestamp, enqueued exactly once. Messages already marked
// processed are never replayed.
func (b *Bus) Recover(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}

	msgs, err := b.store.LoadUnprocessed(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unprocessed messages: %w", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority < msgs[j].Priority
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	for i := range msgs {
		msg := msgs[i]
		msg.Persisted = true
		if err := b.enqueue(&msg); err != nil {
			return i, err
		}
	}

	if len(msgs) > 0 {
		b.logger.Infof("recovered_messages count=%d", len(msgs))
	}
	return len(msgs), nil
}

// History returns dispatched messages matching the filter, oldest first.
func (b *Bus) History(filter HistoryFilter) []model.Message {
	return b.history.query(filter)
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	depths := b.queues.depths()
	b.mu.Unlock()

	typed, broadcast := b.registry.counts()
	return Stats{
		Published:            b.published.Load(),
		Processed:            b.processed.Load(),
		Broadcasts:           b.broadcasts.Load(),
		Requests:             b.requests.Load(),
		SubscriberErrors:     b.subscriberErrors.Load(),
		QueueDepths:          depths,
		PendingRequests:      b.pending.size(),
		Subscribers:          typed,
		BroadcastSubscribers: broadcast,
		HistorySize:          b.history.size(),
	}
}

// Close stops the dispatch loop and rejects all pending requests with
// ErrBusClosed. Idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.cond.Broadcast()
		b.mu.Unlock()

		<-b.done

		for _, req := range b.pending.drain() {
			req.resolve(response{err: ErrBusClosed})
		}
	})
}

// loop pops the highest-priority message and dispatches it fully before
// advancing. Runs until Close.
func (b *Bus) loop() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for !b.closed && (b.paused || b.queues.empty()) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		msg := b.queues.pop()
		b.mu.Unlock()

		b.dispatch(*msg)
	}
}

func (b *Bus) dispatch(msg model.Message) {
	var handlerErr error

	for _, sub := range b.registry.subscribersFor(msg.Type) {
		if err := b.invoke(sub, msg); err != nil {
			b.reportSubscriberError(msg, sub.name, err)
			if handlerErr == nil {
				handlerErr = &HandlerError{Subscriber: sub.name, Err: err}
			}
		}
	}

	msg.Processed = true
	if msg.Persisted && b.store != nil {
		if err := b.store.MarkProcessed(context.Background(), msg.ID); err != nil {
			b.logger.Errorf("mark_processed id=%s error=%v", msg.ID, err)
		}
	}

	b.history.add(msg)
	b.processed.Add(1)

	b.tapMu.RLock()
	tap := b.tap
	b.tapMu.RUnlock()
	if tap != nil {
		tap(msg)
	}

	// A request message whose responder failed rejects the rendezvous;
	// if a responder already answered, the pending entry is gone and this
	// is a no-op. With no responder at all the request waits for timeout.
	if msg.RequestID != "" && handlerErr != nil {
		if req := b.pending.take(msg.RequestID); req != nil {
			req.resolve(response{err: handlerErr})
		}
	}
}

// invoke runs one handler, converting panics into errors so a misbehaving
// subscriber cannot take down the dispatch loop.
func (b *Bus) invoke(sub *subscription, msg model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.handler(msg)
}

func (b *Bus) reportSubscriberError(msg model.Message, subscriber string, err error) {
	subErr := &SubscriberError{
		MessageID:  msg.ID,
		Type:       msg.Type,
		Subscriber: subscriber,
		Err:        err,
	}
	b.subscriberErrors.Add(1)
	b.logger.Errorf("subscriber_error subscriber=%s type=%s id=%s error=%v",
		subscriber, msg.Type, msg.ID, err)

	// Error events about error events would recurse.
	if msg.Type == EventError {
		return
	}
	if _, pubErr := b.Publish(EventError, map[string]any{
		"message_id":   msg.ID,
		"message_type": msg.Type,
		"subscriber":   subscriber,
		"error":        subErr.Error(),
	}, WithPriority(model.PriorityHigh), WithSource("bus")); pubErr != nil {
		b.logger.Errorf("error_event_publish_failed error=%v", pubErr)
	}
}
