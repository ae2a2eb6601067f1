package ws

import (
	"context"
	"sync"
)

// operation is the registry handle for one started operation.
type operation struct {
	id     MessageID
	ctx    context.Context
	cancel context.CancelFunc

	// closed once the operation has been cleaned up
	done chan struct{}

	mu      sync.Mutex
	stream  *Stream
	stopped bool
}

func newOperation(parent context.Context, id MessageID) *operation {
	ctx, cancel := context.WithCancel(parent)
	return &operation{id: id, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// attach binds s to the operation. It reports false, cancelling s, when the
// operation was stopped first.
func (op *operation) attach(s *Stream) bool {
	op.mu.Lock()
	if op.stopped {
		op.mu.Unlock()
		s.Cancel()
		return false
	}
	op.stream = s
	op.mu.Unlock()
	return true
}

func (op *operation) stop() {
	op.mu.Lock()
	op.stopped = true
	s := op.stream
	op.mu.Unlock()

	op.cancel()
	if s != nil {
		s.Cancel()
	}
}

type registry struct {
	mu  sync.RWMutex
	ops map[MessageID]*operation
}

func newRegistry() *registry {
	return &registry{ops: map[MessageID]*operation{}}
}

func (r *registry) has(id MessageID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.ops[id]
	return ok
}

// register stores op under its id and returns the handle it replaced, if any.
func (r *registry) register(op *operation) *operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.ops[op.id]
	r.ops[op.id] = op
	return prev
}

func (r *registry) get(id MessageID) (*operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[id]
	return op, ok
}

func (r *registry) remove(id MessageID) (*operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if ok {
		delete(r.ops, id)
	}
	return op, ok
}

// removeOp removes op only if it is still the registered handle for its id.
func (r *registry) removeOp(op *operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ops[op.id] != op {
		return false
	}
	delete(r.ops, op.id)
	return true
}

// live reports whether op is still the registered handle for its id.
func (r *registry) live(op *operation) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ops[op.id] == op
}

func (r *registry) ids() []MessageID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]MessageID, 0, len(r.ops))
	for id := range r.ops {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ops)
}
