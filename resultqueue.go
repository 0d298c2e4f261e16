package que

import "sync"

// ResultQueue is the unbounded, multi-producer single-consumer FIFO of
// completed job handles awaiting advisory-lock release (spec.md §4.4).
// Workers push; the Locker pops in its poll loop. It is unbounded because
// backpressure is already enforced upstream by JobBuffer's watermarks.
type ResultQueue struct {
	mu    sync.Mutex
	items []Handle
}

// NewResultQueue creates an empty result queue.
func NewResultQueue() *ResultQueue {
	return &ResultQueue{}
}

// Push enqueues h.
func (r *ResultQueue) Push(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, h)
}

// TryPop removes and returns the oldest handle, or ok=false if the queue is
// momentarily empty. Non-blocking: used by the Locker's drain step, which
// calls it repeatedly until it returns false.
func (r *ResultQueue) TryPop() (h Handle, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Handle{}, false
	}
	h, r.items = r.items[0], r.items[1:]
	return h, true
}

// Size returns the current number of queued handles.
func (r *ResultQueue) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// ToA returns a snapshot copy of the queued handles without removing them,
// used by the Locker to compute the pipeline's held job_id set without
// disturbing the drain order.
func (r *ResultQueue) ToA() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, len(r.items))
	copy(out, r.items)
	return out
}
