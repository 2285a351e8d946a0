package engine

import (
	"context"
	"sync"

	"github.com/roach88/recsync/internal/ir"
)

// page is one Fetch result handed from the producer to the pull loop.
// A non-nil err ends the pull; records is then empty.
type page struct {
	offset  int
	records []ir.IRObject
	err     error
}

// pageQueue is a bounded FIFO between the page producer and the pull loop.
//
// The producer blocks in Enqueue while limit pages are waiting, so at most
// limit pages are fetched ahead of the record being applied. Both sides
// wait through channels so cancellation never leaves a goroutine blocked.
type pageQueue struct {
	mu     sync.Mutex
	pages  []page
	limit  int
	closed bool
	signal chan struct{} // page available (buffered, size 1)
	space  chan struct{} // slot available (buffered, size 1)
}

// newPageQueue creates a queue holding at most limit pages (minimum 1).
func newPageQueue(limit int) *pageQueue {
	if limit < 1 {
		limit = 1
	}
	return &pageQueue{
		pages:  make([]page, 0, limit),
		limit:  limit,
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Enqueue appends a page, blocking while the queue is full.
// Returns false if ctx is done or the queue is closed.
func (q *pageQueue) Enqueue(ctx context.Context, p page) bool {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false
		}
		if len(q.pages) < q.limit {
			q.pages = append(q.pages, p)
			notify(q.signal)
			q.mu.Unlock()
			return true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-q.space:
		}
	}
}

// TryDequeue removes the front page without blocking.
// Returns (page{}, false) if the queue is empty.
func (q *pageQueue) TryDequeue() (page, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pages) == 0 {
		return page{}, false
	}
	p := q.pages[0]
	// Release the slot's records for GC.
	q.pages[0] = page{}
	q.pages = q.pages[1:]
	notify(q.space)
	return p, true
}

// Next waits for the next page. Returns false once the queue is closed and
// drained, or when ctx is done.
func (q *pageQueue) Next(ctx context.Context) (page, bool) {
	for {
		if p, ok := q.TryDequeue(); ok {
			return p, true
		}

		q.mu.Lock()
		if q.closed && len(q.pages) == 0 {
			q.mu.Unlock()
			return page{}, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return page{}, false
		case <-q.signal:
		}
	}
}

// Len returns the number of waiting pages.
func (q *pageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pages)
}

// Close signals that no more pages will be enqueued and wakes the reader.
func (q *pageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// notify performs a non-blocking send; the buffer of 1 coalesces signals.
// Callers hold q.mu so a send never races Close.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
