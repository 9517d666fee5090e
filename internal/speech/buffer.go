package speech

import "sync"

// OrderedBuffer re-orders fragments that complete out of order. Fragments are
// held until every lower index has been emitted; the emit callback therefore
// observes strictly increasing indices. A fragment with an empty Path stands
// in for a failed render: it advances the order without being emitted, so the
// fragments after it still get delivered.
//
// The newest in-order fragment is held back until a later fragment drains
// past it or [OrderedBuffer.Close] is called, which releases it with IsLast
// set. IsLast on incoming fragments is ignored.
//
// Add is safe for concurrent use; the emit callback runs under the buffer's
// mutex, one fragment at a time.
type OrderedBuffer struct {
	mu      sync.Mutex
	pending map[int]Fragment
	next    int
	held    *Fragment
	closed  bool
	emit    func(Fragment)
}

// NewOrderedBuffer returns a buffer that delivers fragments to emit in index
// order starting at 0.
func NewOrderedBuffer(emit func(Fragment)) *OrderedBuffer {
	return &OrderedBuffer{
		pending: make(map[int]Fragment),
		emit:    emit,
	}
}

// Add accepts one completed fragment and drains everything that is now in
// order. Calls after Close are dropped.
func (b *OrderedBuffer) Add(frag Fragment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	frag.IsLast = false
	b.pending[frag.Index] = frag

	for {
		f, ok := b.pending[b.next]
		if !ok {
			return
		}
		delete(b.pending, b.next)
		b.next++
		if f.Path == "" {
			continue
		}
		if b.held != nil {
			b.emit(*b.held)
		}
		b.held = &f
	}
}

// Close marks the reply complete and releases the held fragment with IsLast
// set. Idempotent; a buffer that never emitted anything closes silently.
func (b *OrderedBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	if b.held == nil {
		return
	}
	last := *b.held
	b.held = nil
	last.IsLast = true
	b.emit(last)
}

// Pending reports how many fragments are held back waiting for lower indices.
func (b *OrderedBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
