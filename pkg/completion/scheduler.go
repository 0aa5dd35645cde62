package completion

import (
	"context"
	"sync"
)

// scheduler hands queue keys to workers while guaranteeing at most one
// worker processes a key at a time. Requests on the same key therefore run
// strictly FIFO; durability comes from the tracked request records, not
// from this structure.
type scheduler struct {
	mu      sync.Mutex
	queues  map[string][]string // key → pending request ids
	busy    map[string]bool
	ready   chan string
	stopped bool
}

func newScheduler(buffer int) *scheduler {
	if buffer <= 0 {
		buffer = 1024
	}
	return &scheduler{
		queues: make(map[string][]string),
		busy:   make(map[string]bool),
		ready:  make(chan string, buffer),
	}
}

// enqueue appends a request to its key's FIFO and marks the key ready if no
// worker owns it yet.
func (s *scheduler) enqueue(key, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queues[key] = append(s.queues[key], requestID)
	if !s.busy[key] {
		s.busy[key] = true
		s.signal(key)
	}
}

// next blocks until a key is ready or ctx/stop ends the wait.
func (s *scheduler) next(ctx context.Context, stop <-chan struct{}) (string, bool) {
	select {
	case key := <-s.ready:
		return key, true
	case <-stop:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// pop takes the oldest request id for a key. The calling worker must own
// the key (received it from next).
func (s *scheduler) pop(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[key]
	if len(q) == 0 {
		return "", false
	}
	id := q[0]
	if len(q) == 1 {
		delete(s.queues, key)
	} else {
		s.queues[key] = q[1:]
	}
	return id, true
}

// finish releases a key after one request completes, re-readying it when
// more requests are queued behind it.
func (s *scheduler) finish(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queues[key]) > 0 {
		s.signal(key)
		return
	}
	delete(s.busy, key)
}

// depth reports how many requests wait on a key.
func (s *scheduler) depth(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[key])
}

// stop prevents further enqueues.
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// signal never blocks the caller; the ready channel is large, and a spill
// is drained by a transient goroutine. Caller holds s.mu.
func (s *scheduler) signal(key string) {
	select {
	case s.ready <- key:
	default:
		go func() { s.ready <- key }()
	}
}

// limiter caps concurrent provider calls per key (provider name or model
// name). A zero cap disables the limit.
type limiter struct {
	cap int

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLimiter(cap int) *limiter {
	return &limiter{cap: cap, slots: make(map[string]chan struct{})}
}

func (l *limiter) acquire(ctx context.Context, key string) error {
	if l.cap <= 0 {
		return nil
	}
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, l.cap)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limiter) release(key string) {
	if l.cap <= 0 {
		return
	}
	l.mu.Lock()
	slot := l.slots[key]
	l.mu.Unlock()
	if slot != nil {
		<-slot
	}
}
