package bus

import (
	"sync"
	"time"
)

type response struct {
	payload map[string]any
	err     error
}

// pendingRequest is one outstanding Request rendezvous. The first Respond
// or Fail wins; the timeout timer races them. Removal from the pending map
// and channel delivery happen exactly once.
type pendingRequest struct {
	id        string
	createdAt time.Time
	timer     *time.Timer
	ch        chan response
	once      sync.Once
}

func (p *pendingRequest) resolve(resp response) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- resp
	})
}

// pendingSet tracks outstanding requests by id.
type pendingSet struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
}

func newPendingSet() *pendingSet {
	return &pendingSet{requests: make(map[string]*pendingRequest)}
}

func (s *pendingSet) add(req *pendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.id] = req
}

// take removes and returns the request, or nil if unknown (already
// resolved, timed out, or never registered). Unknown ids are the no-op
// path for late Respond calls.
func (s *pendingSet) take(id string) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil
	}
	delete(s.requests, id)
	return req
}

// drain removes and returns every outstanding request, for shutdown.
func (s *pendingSet) drain() []*pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*pendingRequest, 0, len(s.requests))
	for _, req := range s.requests {
		result = append(result, req)
	}
	s.requests = make(map[string]*pendingRequest)
	return result
}

func (s *pendingSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
