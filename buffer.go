package que

import "sync"

// JobBuffer is the bounded, priority-ordered in-memory queue of locked job
// handles (spec.md §4.3). It is an ordered multiset guarded by a mutex and
// condition variable: Pop blocks until a handle satisfying the requested
// priority ceiling exists, Push is non-blocking and does not itself enforce
// any upper bound (the Locker enforces maximum_buffer_size by limiting how
// many handles it requests from poll_jobs).
type JobBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Handle
	closed bool
}

// NewJobBuffer creates an empty buffer.
func NewJobBuffer() *JobBuffer {
	b := &JobBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push inserts all of handles into the buffer in sorted position. Handles
// handed to Push in the same call are inserted in the order given relative
// to each other when their keys are equal, and always at or before any
// existing element with a strictly greater key (spec.md §8 property 3).
func (b *JobBuffer) Push(handles []Handle) {
	if len(handles) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range handles {
		b.insertLocked(h)
	}
	b.cond.Broadcast()
}

func (b *JobBuffer) insertLocked(h Handle) {
	i := len(b.items)
	for i > 0 && h.Less(b.items[i-1]) {
		i--
	}
	b.items = append(b.items, Handle{})
	copy(b.items[i+1:], b.items[i:])
	b.items[i] = h
}

// Pop blocks until an element with Priority <= *maxPriority exists (or any
// element at all, if maxPriority is nil), then removes and returns the
// minimum such element. It returns ok=false once the buffer has been
// stopped and no eligible element remains, which is the sentinel a worker
// loop uses to exit.
func (b *JobBuffer) Pop(maxPriority *int16) (h Handle, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if idx := b.findEligibleLocked(maxPriority); idx >= 0 {
			h = b.items[idx]
			b.items = append(b.items[:idx], b.items[idx+1:]...)
			return h, true
		}
		if b.closed {
			return Handle{}, false
		}
		b.cond.Wait()
	}
}

func (b *JobBuffer) findEligibleLocked(maxPriority *int16) int {
	for i, h := range b.items {
		if maxPriority == nil || h.Priority <= *maxPriority {
			return i
		}
	}
	return -1
}

// Stop closes the buffer. Every blocked Pop call wakes, finds nothing
// further to do (or drains what remains first), and subsequently returns
// ok=false so worker loops can exit.
func (b *JobBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Size returns the current number of buffered handles.
func (b *JobBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// ToA returns a snapshot copy of the buffered handles in sorted order.
func (b *JobBuffer) ToA() []Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Handle, len(b.items))
	copy(out, b.items)
	return out
}

// Clear empties the buffer and returns everything that was removed. Used
// during shutdown to harvest handles that were locked but never handed to
// a worker, so their advisory locks can be released.
func (b *JobBuffer) Clear() []Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := b.items
	b.items = nil
	return removed
}
